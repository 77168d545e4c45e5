package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultSocketPath returns the default agent control socket path.
func DefaultSocketPath() string {
	return "/var/run/exitplane.sock"
}

// Agent control commands.
const (
	CmdStatus       = "status"
	CmdSyncRun      = "sync.run"
	CmdCertsRefresh = "sync.refresh-certs"
)

// Timeouts for control socket operations.
const (
	// SocketDialTimeout is the timeout for connecting to the control socket.
	SocketDialTimeout = 5 * time.Second
	// SocketReadWriteTimeout is the timeout for reading/writing on the socket.
	SocketReadWriteTimeout = 5 * time.Second
)

// Request is a control command from the CLI.
type Request struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is a response to a control command.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// StatusResponse is the response for the status command.
type StatusResponse struct {
	ChannelState  string    `json:"channel_state"`
	SyncRunning   bool      `json:"sync_running"`
	LastRun       time.Time `json:"last_run"`
	LastCertFetch time.Time `json:"last_cert_fetch"`
	LastError     string    `json:"last_error,omitempty"`
	ActiveDomains []string  `json:"active_domains"`
}

// CommandHandler serves one command. The returned value is JSON encoded into Response.Data.
type CommandHandler func(payload json.RawMessage) (any, error)

// Server is a Unix socket control server.
type Server struct {
	socketPath string
	listener   net.Listener
	handlers   map[string]CommandHandler
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewServer creates a new control server.
func NewServer(socketPath string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: socketPath,
		handlers:   make(map[string]CommandHandler),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Handle registers the handler for a command.
func (s *Server) Handle(command string, h CommandHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = h
}

// Start begins listening on the control socket.
func (s *Server) Start() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	// Remove stale socket
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.listener = listener
	log.Info().Str("path", s.socketPath).Msg("control socket listening")

	go s.acceptLoop()
	return nil
}

// Stop closes the control server.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	_ = os.Remove(s.socketPath)
	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Error().Err(err).Msg("control socket accept error")
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(SocketReadWriteTimeout))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.sendError(conn, fmt.Errorf("decode request: %w", err))
		return
	}

	resp := s.handleCommand(req)
	_ = json.NewEncoder(conn).Encode(resp)
}

func (s *Server) handleCommand(req Request) Response {
	s.mu.RLock()
	h, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return Response{Success: false, Error: fmt.Sprintf("unknown command: %s", req.Command)}
	}

	result, err := h(req.Payload)
	if err != nil {
		log.Warn().Err(err).Str("command", req.Command).Msg("control command failed")
		return Response{Success: false, Error: err.Error()}
	}
	if result == nil {
		return Response{Success: true}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return Response{Success: false, Error: fmt.Sprintf("encode result: %v", err)}
	}
	return Response{Success: true, Data: data}
}

func (s *Server) sendError(conn net.Conn, err error) {
	resp := Response{Success: false, Error: err.Error()}
	_ = json.NewEncoder(conn).Encode(resp)
}

// Client is a control socket client for CLI commands.
type Client struct {
	socketPath string
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Send sends a request and returns the response.
func (c *Client) Send(req Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, SocketDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to control socket: %w", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(SocketReadWriteTimeout))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &resp, nil
}

func (c *Client) call(command string) (*Response, error) {
	resp, err := c.Send(Request{Command: command})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New(resp.Error)
	}
	return resp, nil
}

// Status retrieves the agent's channel and synchronizer state.
func (c *Client) Status() (*StatusResponse, error) {
	resp, err := c.call(CmdStatus)
	if err != nil {
		return nil, err
	}
	var result StatusResponse
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

// SyncRun asks the agent to run the synchronizer now.
func (c *Client) SyncRun() error {
	_, err := c.call(CmdSyncRun)
	return err
}

// RefreshCertificates forces a certificate fetch on the next synchronizer run.
func (c *Client) RefreshCertificates() error {
	_, err := c.call(CmdCertsRefresh)
	return err
}
