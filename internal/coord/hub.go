package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/exitplane/internal/auth"
	"github.com/tunnelmesh/exitplane/internal/metrics"
	"github.com/tunnelmesh/exitplane/pkg/proto"
)

// ErrNotConnected is returned when the addressed client has no open channel.
var ErrNotConnected = errors.New("client not connected")

const (
	hubWriteWait = 10 * time.Second
	hubReadWait  = 90 * time.Second
	handleWait   = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // clients authenticate with a token, not cookies
	},
}

// hubConn is one authenticated control channel connection.
type hubConn struct {
	id         string
	clientType string
	clientID   string
	exitNodeID int
	siteID     int

	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *hubConn) send(msgType string, data any) error {
	msg, err := proto.NewMessage(msgType, data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", msgType, err)
	}
	return nil
}

func (c *hubConn) close() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}

// Hub tracks connected exit nodes and sites and routes their messages.
type Hub struct {
	srv     *Server
	metrics *metrics.Metrics

	mu        sync.RWMutex
	exitNodes map[int]*hubConn
	sites     map[int]*hubConn
}

func newHub(srv *Server, m *metrics.Metrics) *Hub {
	return &Hub{
		srv:       srv,
		metrics:   m,
		exitNodes: make(map[int]*hubConn),
		sites:     make(map[int]*hubConn),
	}
}

// SendToExitNode delivers a message to a connected remote exit node.
func (h *Hub) SendToExitNode(exitNodeID int, msgType string, data any) error {
	h.mu.RLock()
	c := h.exitNodes[exitNodeID]
	h.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("%w: exit node %d", ErrNotConnected, exitNodeID)
	}
	return c.send(msgType, data)
}

// SendToSite delivers a message to a connected site.
func (h *Hub) SendToSite(siteID int, msgType string, data any) error {
	h.mu.RLock()
	c := h.sites[siteID]
	h.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("%w: site %d", ErrNotConnected, siteID)
	}
	return c.send(msgType, data)
}

// Connected reports whether a client of the given type and id is connected.
func (h *Hub) Connected(clientType string, id int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	switch clientType {
	case proto.ClientRemoteExitNode:
		return h.exitNodes[id] != nil
	case proto.ClientNewt:
		return h.sites[id] != nil
	}
	return false
}

func (h *Hub) register(c *hubConn) {
	h.mu.Lock()
	conns := h.sites
	key := c.siteID
	if c.clientType == proto.ClientRemoteExitNode {
		conns = h.exitNodes
		key = c.exitNodeID
	}
	prev := conns[key]
	conns[key] = c
	h.mu.Unlock()

	if prev != nil {
		log.Info().Str("client_type", c.clientType).Str("client_id", c.clientID).Msg("replacing existing control channel")
		prev.close()
	}
	h.metrics.HubConnected(c.clientType, 1)
}

// unregister reports whether c was still the current connection for its client.
func (h *Hub) unregister(c *hubConn) bool {
	h.mu.Lock()
	conns := h.sites
	key := c.siteID
	if c.clientType == proto.ClientRemoteExitNode {
		conns = h.exitNodes
		key = c.exitNodeID
	}
	current := conns[key] == c
	if current {
		delete(conns, key)
	}
	h.mu.Unlock()

	h.metrics.HubConnected(c.clientType, -1)
	return current
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	var all []*hubConn
	for _, c := range h.exitNodes {
		all = append(all, c)
	}
	for _, c := range h.sites {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.close()
	}
}

func (h *Hub) authenticate(r *http.Request) (*auth.Claims, error) {
	token := r.URL.Query().Get("token")
	clientType := r.URL.Query().Get("clientType")
	if token == "" {
		return nil, errors.New("missing token")
	}
	if clientType != proto.ClientRemoteExitNode && clientType != proto.ClientNewt {
		return nil, fmt.Errorf("unsupported client type %q", clientType)
	}
	claims, err := h.srv.issuer.Validate(token)
	if err != nil {
		return nil, err
	}
	if claims.ClientType != clientType {
		return nil, fmt.Errorf("token issued to %s, not %s", claims.ClientType, clientType)
	}
	return claims, nil
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authenticate(r)
	if err != nil {
		log.Debug().Err(err).Msg("control channel auth failed")
		h.srv.jsonError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("client_id", claims.ClientID).Msg("control channel upgrade failed")
		return
	}

	c := &hubConn{
		id:         uuid.New().String(),
		clientType: claims.ClientType,
		clientID:   claims.ClientID,
		exitNodeID: claims.ExitNodeID,
		siteID:     claims.SiteID,
		conn:       conn,
	}
	h.register(c)
	log.Info().
		Str("conn_id", c.id).
		Str("client_type", c.clientType).
		Str("client_id", c.clientID).
		Msg("control channel connected")

	defer func() {
		current := h.unregister(c)
		c.close()
		if current && c.clientType == proto.ClientRemoteExitNode {
			ctx, cancel := context.WithTimeout(context.Background(), handleWait)
			if err := h.srv.nodes.MarkOffline(ctx, c.exitNodeID); err != nil {
				log.Warn().Err(err).Int("exit_node_id", c.exitNodeID).Msg("failed to mark exit node offline")
			}
			cancel()
		}
		log.Info().Str("conn_id", c.id).Str("client_id", c.clientID).Msg("control channel closed")
	}()

	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(hubReadWait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(hubWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(hubReadWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("control channel read error")
			}
			return
		}

		var msg proto.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Str("conn_id", c.id).Msg("malformed control channel message")
			continue
		}
		h.dispatch(c, msg)
	}
}

func (h *Hub) dispatch(c *hubConn, msg proto.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), handleWait)
	defer cancel()

	switch {
	case c.clientType == proto.ClientNewt && msg.Type == proto.MsgNewtRegister:
		h.handleNewtRegister(ctx, c, msg)
	case c.clientType == proto.ClientRemoteExitNode && msg.Type == proto.MsgExitNodeRegister:
		var reg proto.ExitNodeRegister
		if err := msg.Decode(&reg); err != nil {
			log.Warn().Err(err).Int("exit_node_id", c.exitNodeID).Msg("invalid exit node registration")
			return
		}
		if err := h.srv.nodes.MarkSeen(ctx, c.exitNodeID, reg.RemoteExitNodeVersion); err != nil {
			log.Error().Err(err).Int("exit_node_id", c.exitNodeID).Msg("failed to record exit node registration")
			return
		}
		log.Info().Int("exit_node_id", c.exitNodeID).Str("version", reg.RemoteExitNodeVersion).Msg("exit node registered")
	case c.clientType == proto.ClientRemoteExitNode && msg.Type == proto.MsgExitNodePing:
		if err := h.srv.nodes.MarkSeen(ctx, c.exitNodeID, ""); err != nil {
			log.Error().Err(err).Int("exit_node_id", c.exitNodeID).Msg("failed to record exit node ping")
		}
	default:
		log.Debug().Str("type", msg.Type).Str("client_type", c.clientType).Msg("unhandled control channel message")
	}
}

func (h *Hub) handleNewtRegister(ctx context.Context, c *hubConn, msg proto.Message) {
	var req proto.NewtRegister
	if err := msg.Decode(&req); err != nil {
		log.Warn().Err(err).Int("site_id", c.siteID).Msg("invalid site registration")
		return
	}

	connect, err := h.srv.sites.HandleRegister(ctx, c.siteID, req)
	if err != nil {
		return
	}
	if err := c.send(proto.MsgNewtConnect, connect); err != nil {
		log.Error().Err(err).Int("site_id", c.siteID).Msg("failed to send connect message")
	}
}
