package proxysync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/exitplane/internal/store"
	"github.com/tunnelmesh/exitplane/internal/traefik"
	"github.com/tunnelmesh/exitplane/pkg/proto"
)

// Remote API paths and timeouts.
const (
	CertificatesPath  = "/api/v1/hybrid/certificates/domains"
	TraefikConfigPath = "/api/v1/hybrid/traefik-config"
	SNIPath           = "/update-local-snis"

	RemoteTimeout = 30 * time.Second
	SNITimeout    = 8 * time.Second
)

// CertificateSource returns the valid certificates for a set of domains.
type CertificateSource interface {
	Certificates(ctx context.Context, domains []string) ([]proto.Certificate, error)
}

// RoutingSource returns the routing document for this exit node.
type RoutingSource interface {
	RoutingConfig(ctx context.Context) (map[string]any, error)
}

// SNIPusher publishes the active domain set to the exit node's SNI router.
type SNIPusher interface {
	PushSNIs(ctx context.Context, domains []string) error
}

// AuthHeaderSource supplies the Authorization header for remote calls.
type AuthHeaderSource interface {
	GetAuthHeader(ctx context.Context) (string, error)
}

// CurrentExitNode resolves the exit node this process serves.
type CurrentExitNode interface {
	Current(ctx context.Context) (*store.ExitNode, error)
}

// StoreCertificates reads certificates straight from the store.
type StoreCertificates struct {
	Store store.Store
}

func (s *StoreCertificates) Certificates(ctx context.Context, domains []string) ([]proto.Certificate, error) {
	certs, err := s.Store.ListValidCertificates(ctx, domains)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	out := make([]proto.Certificate, 0, len(certs))
	for _, c := range certs {
		out = append(out, CertificateFromStore(c))
	}
	return out, nil
}

// CertificateFromStore converts a stored certificate to its wire form.
func CertificateFromStore(c store.Certificate) proto.Certificate {
	return proto.Certificate{
		ID:        c.ID,
		Domain:    c.Domain,
		CertFile:  c.CertPEM,
		KeyFile:   c.KeyPEM,
		ExpiresAt: c.ExpiresAt,
		UpdatedAt: c.UpdatedAt,
	}
}

// LocalRouting generates the routing document of the current exit node.
type LocalRouting struct {
	Generator *traefik.Generator
	Nodes     CurrentExitNode
}

func (l *LocalRouting) RoutingConfig(ctx context.Context) (map[string]any, error) {
	node, err := l.Nodes.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve current exit node: %w", err)
	}
	return l.Generator.Generate(ctx, node.ID)
}

// RemoteClient calls the control plane's hybrid API with a bearer token.
type RemoteClient struct {
	Endpoint string
	Auth     AuthHeaderSource
	Client   *http.Client
}

// NewRemoteClient creates a client with the remote call timeout.
func NewRemoteClient(endpoint string, auth AuthHeaderSource) *RemoteClient {
	return &RemoteClient{
		Endpoint: strings.TrimSuffix(endpoint, "/"),
		Auth:     auth,
		Client:   &http.Client{Timeout: RemoteTimeout},
	}
}

func (c *RemoteClient) get(ctx context.Context, path string, query url.Values, out any) error {
	header, err := c.Auth.GetAuthHeader(ctx)
	if err != nil {
		return fmt.Errorf("get auth header: %w", err)
	}

	u := c.Endpoint + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, RemoteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", header)
	req.Header.Set("Accept", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		log.Error().Err(err).Str("method", http.MethodGet).Str("url", u).Msg("remote request failed")
		return fmt.Errorf("GET %s: %w", u, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		log.Error().Str("method", http.MethodGet).Str("url", u).Int("status", resp.StatusCode).Msg("remote request rejected")
		return fmt.Errorf("GET %s: unexpected status %s", u, resp.Status)
	}

	var envelope proto.Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !envelope.Success {
		return fmt.Errorf("GET %s: %s", u, envelope.Message)
	}
	if len(envelope.Data) == 0 {
		return errors.New("response has no data")
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

// Certificates fetches certificates for exactly the given domains.
func (c *RemoteClient) Certificates(ctx context.Context, domains []string) ([]proto.Certificate, error) {
	var certs []proto.Certificate
	if err := c.get(ctx, CertificatesPath, url.Values{"domains": {strings.Join(domains, ",")}}, &certs); err != nil {
		return nil, err
	}
	return certs, nil
}

// RoutingConfig fetches the routing document generated by the control plane.
func (c *RemoteClient) RoutingConfig(ctx context.Context) (map[string]any, error) {
	doc := map[string]any{}
	if err := c.get(ctx, TraefikConfigPath, nil, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// HTTPSNIPusher posts the active domains to an exit node's SNI router.
type HTTPSNIPusher struct {
	// ReachableAt resolves the exit node's local API base URL.
	ReachableAt func(ctx context.Context) (string, error)
	Client      *http.Client
}

// NewStaticSNIPusher pushes to a fixed base URL.
func NewStaticSNIPusher(baseURL string) *HTTPSNIPusher {
	return &HTTPSNIPusher{
		ReachableAt: func(context.Context) (string, error) { return baseURL, nil },
		Client:      &http.Client{Timeout: SNITimeout},
	}
}

// NewExitNodeSNIPusher pushes to the reachableAt of the current exit node.
func NewExitNodeSNIPusher(nodes CurrentExitNode) *HTTPSNIPusher {
	return &HTTPSNIPusher{
		ReachableAt: func(ctx context.Context) (string, error) {
			node, err := nodes.Current(ctx)
			if err != nil {
				return "", fmt.Errorf("resolve current exit node: %w", err)
			}
			return node.ReachableAt, nil
		},
		Client: &http.Client{Timeout: SNITimeout},
	}
}

func (p *HTTPSNIPusher) PushSNIs(ctx context.Context, domains []string) error {
	base, err := p.ReachableAt(ctx)
	if err != nil {
		return err
	}
	if base == "" {
		return errors.New("exit node has no reachableAt address")
	}

	body, err := json.Marshal(proto.SNIUpdate{FullDomains: nonNilStrings(domains)})
	if err != nil {
		return fmt.Errorf("marshal sni update: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, SNITimeout)
	defer cancel()

	u := strings.TrimSuffix(base, "/") + SNIPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", u, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: unexpected status %s", u, resp.Status)
	}
	return nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
