// Package control implements the reconnecting control channel to the control plane,
// its bearer token manager, and the local command socket used by the CLI.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/exitplane/pkg/proto"
)

// Channel defaults.
const (
	DefaultPingInterval   = 30 * time.Second
	DefaultPingTimeout    = 10 * time.Second
	DefaultRetryInterval  = 5 * time.Second
	DefaultReconnectDelay = time.Second

	writeWait = 10 * time.Second
)

var (
	// ErrNotConnected is returned by Send when the channel has no live connection.
	ErrNotConnected = errors.New("control channel not connected")
	// ErrPingTimeout is reported when no pong arrives within the ping timeout.
	ErrPingTimeout = errors.New("ping timeout")
)

// State is the connection state of a Channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Handler processes one inbound message type.
type Handler func(msg proto.Message)

// TokenSource supplies the bearer token placed in the channel URL.
type TokenSource interface {
	GetToken(ctx context.Context) (string, error)
}

// Dialer opens the WebSocket connection. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Options configures a Channel.
type Options struct {
	// Endpoint is the control plane base URL (http or https).
	Endpoint   string
	ClientType string
	Tokens     TokenSource
	Dialer     Dialer

	PingInterval   time.Duration
	PingTimeout    time.Duration
	RetryInterval  time.Duration
	ReconnectDelay time.Duration

	// Observers, all optional.
	OnConnect     func()
	OnDisconnect  func(err error)
	OnMessage     func(msg proto.Message)
	OnStateChange func(State)
}

// session is one live connection. Its done channel closes exactly once on disconnect.
type session struct {
	conn    *websocket.Conn
	pong    chan struct{}
	done    chan struct{}
	once    sync.Once
	writeMu sync.Mutex
}

// Channel is a reconnecting, authenticated JSON message channel.
type Channel struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	closed         bool
	sess           *session
	reconnectTimer *time.Timer
	handlers       map[string]Handler
}

// NewChannel creates a channel. Call Connect to start it.
func NewChannel(opts Options) *Channel {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = DefaultPingTimeout
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]Handler),
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState must be called with c.mu held.
func (c *Channel) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.opts.OnStateChange != nil {
		go c.opts.OnStateChange(s)
	}
}

// RegisterHandler sets the handler for a message type, replacing any previous one.
func (c *Channel) RegisterHandler(msgType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = h
}

// UnregisterHandler removes the handler for a message type.
func (c *Channel) UnregisterHandler(msgType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, msgType)
}

// Connect starts connecting in the background. It is a no-op while a connection
// attempt is in flight, while connected, or after Close.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.closed || c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.setState(StateConnecting)
	c.mu.Unlock()

	go c.connectLoop()
}

func (c *Channel) connectLoop() {
	for attempt := 1; ; attempt++ {
		err := c.dial()
		if err == nil {
			return
		}

		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		log.Warn().Err(err).
			Int("attempt", attempt).
			Dur("retry_in", c.opts.RetryInterval).
			Msg("control channel connect failed")

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.opts.RetryInterval):
		}
	}
}

func (c *Channel) dial() error {
	token, err := c.opts.Tokens.GetToken(c.ctx)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}

	wsURL, err := BuildURL(c.opts.Endpoint, token, c.opts.ClientType)
	if err != nil {
		return err
	}

	conn, resp, err := c.opts.Dialer.DialContext(c.ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial control channel: %s: %w", resp.Status, err)
		}
		return fmt.Errorf("dial control channel: %w", err)
	}

	s := &session{
		conn: conn,
		pong: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		select {
		case s.pong <- struct{}{}:
		default:
		}
		return nil
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.sess = s
	c.setState(StateConnected)
	c.mu.Unlock()

	log.Info().Str("endpoint", c.opts.Endpoint).Str("client_type", c.opts.ClientType).Msg("control channel connected")

	go c.readLoop(s)
	go c.heartbeat(s)

	if c.opts.OnConnect != nil {
		c.opts.OnConnect()
	}
	return nil
}

func (c *Channel) readLoop(s *session) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			c.disconnect(s, err)
			return
		}

		var msg proto.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("control channel: malformed message")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Channel) dispatch(msg proto.Message) {
	c.mu.Lock()
	h := c.handlers[msg.Type]
	c.mu.Unlock()

	if h != nil {
		h(msg)
	} else {
		log.Debug().Str("type", msg.Type).Msg("control channel: no handler for message")
	}
	if c.opts.OnMessage != nil {
		c.opts.OnMessage(msg)
	}
}

func (c *Channel) heartbeat(s *session) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		// Drop a pong left over from an earlier ping.
		select {
		case <-s.pong:
		default:
		}

		s.writeMu.Lock()
		err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		s.writeMu.Unlock()
		if err != nil {
			c.disconnect(s, fmt.Errorf("send ping: %w", err))
			return
		}

		timer := time.NewTimer(c.opts.PingTimeout)
		select {
		case <-s.pong:
			timer.Stop()
		case <-s.done:
			timer.Stop()
			return
		case <-timer.C:
			log.Warn().Dur("timeout", c.opts.PingTimeout).Msg("control channel ping timeout")
			c.disconnect(s, ErrPingTimeout)
			return
		}
	}
}

// disconnect tears down a session once, emits the disconnect event and schedules a reconnect.
func (c *Channel) disconnect(s *session, cause error) {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()

		c.mu.Lock()
		if c.sess == s {
			c.sess = nil
		}
		closed := c.closed
		c.setState(StateDisconnected)
		if !closed {
			c.reconnectTimer = time.AfterFunc(c.opts.ReconnectDelay, c.Connect)
		}
		c.mu.Unlock()

		if closed {
			log.Info().Msg("control channel closed")
		} else {
			log.Warn().Err(cause).Dur("reconnect_in", c.opts.ReconnectDelay).Msg("control channel disconnected")
		}
		if c.opts.OnDisconnect != nil {
			c.opts.OnDisconnect(cause)
		}
	})
}

// Send writes one message. It fails with ErrNotConnected unless the channel is connected.
func (c *Channel) Send(msgType string, data any) error {
	msg, err := proto.NewMessage(msgType, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	s := c.sess
	state := c.state
	c.mu.Unlock()
	if s == nil || state != StateConnected {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", msgType, err)
	}
	return nil
}

// SendInterval sends a message immediately and then every period until the
// returned cancel function is called or the channel is closed. Send failures are logged.
func (c *Channel) SendInterval(msgType string, data any, period time.Duration) func() {
	stop := make(chan struct{})
	var once sync.Once

	send := func() {
		if err := c.Send(msgType, data); err != nil {
			log.Debug().Err(err).Str("type", msgType).Msg("periodic send failed")
		}
	}

	go func() {
		send()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				send()
			}
		}
	}()

	return func() { once.Do(func() { close(stop) }) }
}

// Close stops reconnecting and closes the active connection with a normal closure.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	s := c.sess
	if s != nil {
		c.setState(StateClosing)
	} else {
		c.setState(StateDisconnected)
	}
	c.mu.Unlock()

	c.cancel()

	if s != nil {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		c.disconnect(s, nil)
	}
	return nil
}

// BuildURL converts the control plane base URL into the channel URL with credentials.
func BuildURL(endpoint, token, clientType string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	u.Path = "/api/v1/ws"
	q := url.Values{}
	q.Set("token", token)
	q.Set("clientType", clientType)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
