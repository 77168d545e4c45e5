package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/exitplane/pkg/proto"
	"golang.org/x/sync/singleflight"
)

// Token manager defaults.
const (
	DefaultRefreshInterval = 24 * time.Hour
	DefaultTokenRetry      = 5 * time.Second
	tokenFetchTimeout      = 10 * time.Second
)

// ErrEmptyToken is returned when the token endpoint answers without a token.
var ErrEmptyToken = errors.New("token endpoint returned no token")

// TokenFetcher obtains a fresh bearer token.
type TokenFetcher interface {
	FetchToken(ctx context.Context) (string, error)
}

// TokenFetcherFunc adapts a function to TokenFetcher.
type TokenFetcherFunc func(ctx context.Context) (string, error)

func (f TokenFetcherFunc) FetchToken(ctx context.Context) (string, error) { return f(ctx) }

// TokenManager caches a bearer token and refreshes it with a single in-flight fetch.
type TokenManager struct {
	fetcher         TokenFetcher
	refreshInterval time.Duration
	retryInterval   time.Duration

	mu    sync.RWMutex
	token string
	// pending counts Refresh callers whose shared fetch has not delivered yet.
	pending int

	group singleflight.Group

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTokenManager creates a manager. Zero intervals fall back to the defaults.
func NewTokenManager(fetcher TokenFetcher, refreshInterval, retryInterval time.Duration) *TokenManager {
	if refreshInterval <= 0 {
		refreshInterval = DefaultRefreshInterval
	}
	if retryInterval <= 0 {
		retryInterval = DefaultTokenRetry
	}
	return &TokenManager{
		fetcher:         fetcher,
		refreshInterval: refreshInterval,
		retryInterval:   retryInterval,
	}
}

// GetToken returns the cached token. With no cached token, or while a refresh
// is running, it waits for the shared refresh.
func (m *TokenManager) GetToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	token, pending := m.token, m.pending
	m.mu.RUnlock()
	if token != "" && pending == 0 {
		return token, nil
	}
	return m.Refresh(ctx)
}

// Refresh fetches a new token. Concurrent callers share one fetch.
func (m *TokenManager) Refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	m.pending++
	m.mu.Unlock()

	ch := m.group.DoChan("token", m.fetch)

	select {
	case <-ctx.Done():
		// The fetch keeps running; stay pending until it delivers.
		go func() {
			<-ch
			m.release()
		}()
		return "", ctx.Err()
	case res := <-ch:
		m.release()
		if res.Err != nil {
			return "", fmt.Errorf("refresh token: %w", res.Err)
		}
		return res.Val.(string), nil
	}
}

func (m *TokenManager) release() {
	m.mu.Lock()
	m.pending--
	m.mu.Unlock()
}

func (m *TokenManager) fetch() (any, error) {
	fetchCtx, cancel := context.WithTimeout(context.Background(), tokenFetchTimeout)
	defer cancel()

	token, err := m.fetcher.FetchToken(fetchCtx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrEmptyToken
	}

	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
	return token, nil
}

// GetAuthHeader returns the Authorization header value for the current token.
func (m *TokenManager) GetAuthHeader(ctx context.Context) (string, error) {
	token, err := m.GetToken(ctx)
	if err != nil {
		return "", err
	}
	return "Bearer " + token, nil
}

// Start obtains the first token, retrying until it succeeds, then refreshes on
// the refresh interval until Stop.
func (m *TokenManager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		for attempt := 1; ; attempt++ {
			_, err := m.Refresh(ctx)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Int("attempt", attempt).Msg("initial token fetch failed")

			select {
			case <-ctx.Done():
				return
			case <-time.After(m.retryInterval):
			}
		}
		log.Info().Msg("token obtained")

		ticker := time.NewTicker(m.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Msg("token refresh failed")
				}
			}
		}
	}()
}

// Stop cancels the refresh timers and waits for the refresh loop to exit.
func (m *TokenManager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// HTTPTokenFetcher requests tokens from the control plane's token endpoint.
type HTTPTokenFetcher struct {
	Endpoint string
	// Path defaults to the remote exit node token endpoint.
	Path   string
	Body   any
	Client *http.Client
}

// RemoteExitNodeTokenPath is the token endpoint for remote exit nodes.
const RemoteExitNodeTokenPath = "/api/v1/auth/remoteExitNode/get-token"

// NewRemoteExitNodeFetcher builds a fetcher for a remote exit node credential.
func NewRemoteExitNodeFetcher(endpoint, id, secret string) *HTTPTokenFetcher {
	return &HTTPTokenFetcher{
		Endpoint: endpoint,
		Path:     RemoteExitNodeTokenPath,
		Body:     proto.TokenRequest{RemoteExitNodeID: id, Secret: secret},
	}
}

func (f *HTTPTokenFetcher) FetchToken(ctx context.Context) (string, error) {
	body, err := json.Marshal(f.Body)
	if err != nil {
		return "", fmt.Errorf("marshal token request: %w", err)
	}

	path := f.Path
	if path == "" {
		path = RemoteExitNodeTokenPath
	}
	url := strings.TrimSuffix(f.Endpoint, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CSRF-Token", "x-csrf-protection")

	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: tokenFetchTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		log.Debug().Str("url", url).Int("status", resp.StatusCode).Msg("token request rejected")
		return "", fmt.Errorf("token request failed: %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}

	var r proto.Response
	if err := json.Unmarshal(respBody, &r); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if !r.Success {
		return "", fmt.Errorf("token request failed: %s", r.Message)
	}

	var data proto.TokenData
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &data); err != nil {
			return "", fmt.Errorf("decode token data: %w", err)
		}
	}
	if data.Token == "" {
		return "", ErrEmptyToken
	}
	return data.Token, nil
}
