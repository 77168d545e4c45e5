// Package hybrid runs a remote exit node managed by a control plane over the
// control channel.
package hybrid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/exitplane/internal/control"
	"github.com/tunnelmesh/exitplane/internal/metrics"
	"github.com/tunnelmesh/exitplane/internal/proxysync"
	"github.com/tunnelmesh/exitplane/pkg/proto"
)

// DefaultPingInterval is the period of remoteExitNode/ping messages.
const DefaultPingInterval = 60 * time.Second

// PeerDevice applies peer changes to the local WireGuard interface.
type PeerDevice interface {
	AddPeer(peer proto.Peer) error
	RemovePeer(publicKey string) error
}

// Config configures an Agent.
type Config struct {
	Endpoint string
	ID       string
	Secret   string
	Version  string

	PingInterval time.Duration
	// SocketPath enables the local command socket when set.
	SocketPath string
	// SNIURL is the base URL of the local SNI router. Empty disables the push.
	SNIURL string

	Sync proxysync.Config
}

// Agent wires the token manager, control channel, synchronizer and WireGuard
// device of a remote exit node.
type Agent struct {
	cfg     Config
	tokens  *control.TokenManager
	channel *control.Channel
	sync    *proxysync.Synchronizer
	device  PeerDevice
	socket  *control.Server
	metrics *metrics.Metrics

	mu       sync.Mutex
	stopPing func()
}

// Option customizes an Agent.
type Option func(*agentOptions)

type agentOptions struct {
	fetcher control.TokenFetcher
	dialer  control.Dialer
	routing proxysync.RoutingSource
	certs   proxysync.CertificateSource
}

// WithTokenFetcher replaces the HTTP token fetcher.
func WithTokenFetcher(f control.TokenFetcher) Option {
	return func(o *agentOptions) { o.fetcher = f }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d control.Dialer) Option {
	return func(o *agentOptions) { o.dialer = d }
}

// WithSources replaces the remote routing and certificate sources.
func WithSources(routing proxysync.RoutingSource, certs proxysync.CertificateSource) Option {
	return func(o *agentOptions) {
		o.routing = routing
		o.certs = certs
	}
}

// New builds an agent. device may be nil when peers are managed elsewhere.
func New(cfg Config, device PeerDevice, m *metrics.Metrics, opts ...Option) *Agent {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	o := agentOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.fetcher == nil {
		o.fetcher = control.NewRemoteExitNodeFetcher(cfg.Endpoint, cfg.ID, cfg.Secret)
	}

	a := &Agent{cfg: cfg, device: device, metrics: m}
	a.tokens = control.NewTokenManager(o.fetcher, 0, 0)

	if o.routing == nil || o.certs == nil {
		remote := proxysync.NewRemoteClient(cfg.Endpoint, a.tokens)
		if o.routing == nil {
			o.routing = remote
		}
		if o.certs == nil {
			o.certs = remote
		}
	}
	var sni proxysync.SNIPusher
	if cfg.SNIURL != "" {
		sni = proxysync.NewStaticSNIPusher(cfg.SNIURL)
	}
	a.sync = proxysync.New(cfg.Sync, o.routing, o.certs, sni, m)

	a.channel = control.NewChannel(control.Options{
		Endpoint:     cfg.Endpoint,
		ClientType:   proto.ClientRemoteExitNode,
		Tokens:       a.tokens,
		Dialer:       o.dialer,
		OnConnect:    a.onConnect,
		OnDisconnect: a.onDisconnect,
		OnStateChange: func(s control.State) {
			if a.metrics != nil {
				a.metrics.ControlChannelState.Set(float64(s))
			}
		},
	})
	a.channel.RegisterHandler(proto.MsgPeersAdd, a.handlePeersAdd)
	a.channel.RegisterHandler(proto.MsgPeersRemove, a.handlePeersRemove)
	a.channel.RegisterHandler(proto.MsgTraefikReload, a.handleReload)

	if cfg.SocketPath != "" {
		a.socket = control.NewServer(cfg.SocketPath)
		a.registerCommands()
	}
	return a
}

// Synchronizer returns the agent's proxy config synchronizer.
func (a *Agent) Synchronizer() *proxysync.Synchronizer { return a.sync }

// Channel returns the agent's control channel.
func (a *Agent) Channel() *control.Channel { return a.channel }

// Run starts every component and blocks until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	if a.socket != nil {
		if err := a.socket.Start(); err != nil {
			return fmt.Errorf("start control socket: %w", err)
		}
		defer func() { _ = a.socket.Stop() }()
	}

	a.tokens.Start()
	defer a.tokens.Stop()

	a.channel.Connect()
	defer func() { _ = a.channel.Close() }()

	a.sync.Start(ctx)
	defer a.sync.Stop()

	collector := metrics.NewCollector(a.metrics, metrics.CollectorConfig{
		Channel: metrics.ChannelStatusFunc(func() int { return int(a.channel.State()) }),
	})
	go collector.Run(ctx, 15*time.Second)

	log.Info().Str("endpoint", a.cfg.Endpoint).Str("id", a.cfg.ID).Msg("exit node agent started")
	<-ctx.Done()
	log.Info().Msg("exit node agent stopping")

	a.mu.Lock()
	if a.stopPing != nil {
		a.stopPing()
		a.stopPing = nil
	}
	a.mu.Unlock()
	return nil
}

func (a *Agent) onConnect() {
	if err := a.channel.Send(proto.MsgExitNodeRegister, proto.ExitNodeRegister{
		RemoteExitNodeVersion: a.cfg.Version,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to send exit node registration")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopPing != nil {
		a.stopPing()
	}
	a.stopPing = a.channel.SendInterval(proto.MsgExitNodePing, livePing{}, a.cfg.PingInterval)
}

func (a *Agent) onDisconnect(error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopPing != nil {
		a.stopPing()
		a.stopPing = nil
	}
}

// livePing encodes a ping stamped with the time it is sent.
type livePing struct{}

func (livePing) MarshalJSON() ([]byte, error) {
	return json.Marshal(proto.Ping{Timestamp: time.Now().Unix()})
}

func (a *Agent) handlePeersAdd(msg proto.Message) {
	var peer proto.Peer
	if err := msg.Decode(&peer); err != nil {
		log.Warn().Err(err).Msg("invalid peer add message")
		return
	}
	if a.device == nil {
		log.Debug().Str("peer", peer.PublicKey).Msg("no wireguard device, ignoring peer add")
		return
	}
	if err := a.device.AddPeer(peer); err != nil {
		log.Error().Err(err).Str("peer", peer.PublicKey).Msg("failed to add peer")
	}
}

func (a *Agent) handlePeersRemove(msg proto.Message) {
	var peer proto.PeerRemove
	if err := msg.Decode(&peer); err != nil {
		log.Warn().Err(err).Msg("invalid peer remove message")
		return
	}
	if a.device == nil {
		log.Debug().Str("peer", peer.PublicKey).Msg("no wireguard device, ignoring peer remove")
		return
	}
	if err := a.device.RemovePeer(peer.PublicKey); err != nil {
		log.Error().Err(err).Str("peer", peer.PublicKey).Msg("failed to remove peer")
	}
}

func (a *Agent) handleReload(proto.Message) {
	log.Info().Msg("routing reload requested")
	a.sync.Trigger()
}

func (a *Agent) registerCommands() {
	a.socket.Handle(control.CmdStatus, func(json.RawMessage) (any, error) {
		return a.Status(), nil
	})
	a.socket.Handle(control.CmdSyncRun, func(json.RawMessage) (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), proxysync.RemoteTimeout)
		defer cancel()
		result, err := a.sync.RunOnce(ctx)
		if err != nil {
			return nil, err
		}
		return result, nil
	})
	a.socket.Handle(control.CmdCertsRefresh, func(json.RawMessage) (any, error) {
		if !a.sync.Status().Running {
			return nil, errors.New("synchronizer is not running")
		}
		a.sync.ForceCertificateRefresh()
		return nil, nil
	})
}

// Status reports the channel and synchronizer state.
func (a *Agent) Status() control.StatusResponse {
	st := a.sync.Status()
	return control.StatusResponse{
		ChannelState:  a.channel.State().String(),
		SyncRunning:   st.Running,
		LastRun:       st.LastRun,
		LastCertFetch: st.LastCertificateFetch,
		LastError:     st.LastError,
		ActiveDomains: st.ActiveDomains,
	}
}
