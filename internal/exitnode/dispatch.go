package exitnode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/exitplane/internal/store"
	"github.com/tunnelmesh/exitplane/pkg/proto"
)

// LocalPushTimeout bounds each HTTP call to a local exit node.
const LocalPushTimeout = 8 * time.Second

// PeerDispatcher delivers peer operations to an exit node.
type PeerDispatcher interface {
	AddPeer(ctx context.Context, node *store.ExitNode, peer proto.Peer) error
	RemovePeer(ctx context.Context, node *store.ExitNode, publicKey string) error
}

// Sender delivers a message to a connected remote exit node.
type Sender interface {
	SendToExitNode(exitNodeID int, msgType string, data any) error
}

// HTTPDispatcher pushes peers to a local exit node's HTTP API.
type HTTPDispatcher struct {
	Client *http.Client
}

// NewHTTPDispatcher creates a dispatcher with the local push timeout.
func NewHTTPDispatcher() *HTTPDispatcher {
	return &HTTPDispatcher{Client: &http.Client{Timeout: LocalPushTimeout}}
}

func (d *HTTPDispatcher) AddPeer(ctx context.Context, node *store.ExitNode, peer proto.Peer) error {
	body, err := json.Marshal(peer)
	if err != nil {
		return fmt.Errorf("marshal peer: %w", err)
	}
	return d.do(ctx, node, http.MethodPost, "/peer", nil, body)
}

func (d *HTTPDispatcher) RemovePeer(ctx context.Context, node *store.ExitNode, publicKey string) error {
	return d.do(ctx, node, http.MethodDelete, "/peer", url.Values{"public_key": {publicKey}}, nil)
}

func (d *HTTPDispatcher) do(ctx context.Context, node *store.ExitNode, method, path string, query url.Values, body []byte) error {
	if node.ReachableAt == "" {
		return fmt.Errorf("%w: exit node %d", ErrNotReachable, node.ID)
	}

	u := strings.TrimSuffix(node.ReachableAt, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, LocalPushTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: LocalPushTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Error().Err(err).Str("method", method).Str("url", u).Msg("exit node request failed")
		return fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Error().Str("method", method).Str("url", u).Int("status", resp.StatusCode).Msg("exit node request rejected")
		return fmt.Errorf("%s %s: %s: %s", method, u, resp.Status, strings.TrimSpace(string(msg)))
	}

	log.Debug().Str("method", method).Str("url", u).Int("status", resp.StatusCode).Msg("exit node request successful")
	return nil
}

// ChannelDispatcher sends peer operations to remote exit nodes over their control channel.
type ChannelDispatcher struct {
	Sender Sender
}

func (d *ChannelDispatcher) AddPeer(_ context.Context, node *store.ExitNode, peer proto.Peer) error {
	return d.Sender.SendToExitNode(node.ID, proto.MsgPeersAdd, peer)
}

func (d *ChannelDispatcher) RemovePeer(_ context.Context, node *store.ExitNode, publicKey string) error {
	return d.Sender.SendToExitNode(node.ID, proto.MsgPeersRemove, proto.PeerRemove{PublicKey: publicKey})
}

// TypeDispatcher routes each operation by exit node type.
type TypeDispatcher struct {
	Local  PeerDispatcher
	Remote PeerDispatcher
}

func (d *TypeDispatcher) pick(node *store.ExitNode) (PeerDispatcher, error) {
	switch node.Type {
	case store.ExitNodeRemote:
		if d.Remote != nil {
			return d.Remote, nil
		}
	case store.ExitNodeGerbil, "":
		if d.Local != nil {
			return d.Local, nil
		}
	}
	return nil, fmt.Errorf("no dispatcher for exit node type %q", node.Type)
}

func (d *TypeDispatcher) AddPeer(ctx context.Context, node *store.ExitNode, peer proto.Peer) error {
	p, err := d.pick(node)
	if err != nil {
		return err
	}
	return p.AddPeer(ctx, node, peer)
}

func (d *TypeDispatcher) RemovePeer(ctx context.Context, node *store.ExitNode, publicKey string) error {
	p, err := d.pick(node)
	if err != nil {
		return err
	}
	return p.RemovePeer(ctx, node, publicKey)
}
