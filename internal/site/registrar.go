// Package site registers tunnel endpoints against exit nodes and manages their
// forwarding targets.
package site

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/exitplane/internal/alloc"
	"github.com/tunnelmesh/exitplane/internal/exitnode"
	"github.com/tunnelmesh/exitplane/internal/metrics"
	"github.com/tunnelmesh/exitplane/internal/store"
	"github.com/tunnelmesh/exitplane/pkg/proto"
)

// DefaultBlockSize is the prefix length of a site subnet.
const DefaultBlockSize = 30

var (
	// ErrNoExitNode is returned when no usable exit node could be chosen for a site.
	ErrNoExitNode = errors.New("no usable exit node")
	// ErrAccessDenied is returned when the site's org may not use the chosen exit node.
	ErrAccessDenied = errors.New("org may not use exit node")
	// ErrNoSubnet is returned when a site ends registration without a subnet.
	ErrNoSubnet = errors.New("site has no subnet")
	// ErrTargetOutsideSubnet is returned for a wireguard target not inside its site subnet.
	ErrTargetOutsideSubnet = errors.New("target ip is outside the site subnet")
)

// Sender delivers a message to a connected site.
type Sender interface {
	SendToSite(siteID int, msgType string, data any) error
}

// Registrar handles site registrations and target creation.
type Registrar struct {
	store     store.Store
	nodes     *exitnode.Registry
	ports     *alloc.PortAllocator
	blockSize int
	metrics   *metrics.Metrics
	sender    Sender

	locksMu sync.Mutex
	locks   map[int]*sync.Mutex
}

// Option configures a Registrar.
type Option func(*Registrar)

// WithSender lets the registrar push new targets to connected sites.
func WithSender(s Sender) Option {
	return func(r *Registrar) { r.sender = s }
}

// WithMetrics records registration outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registrar) { r.metrics = m }
}

// NewRegistrar creates a registrar that carves site subnets of blockSize bits
// out of exit node pools.
func NewRegistrar(s store.Store, nodes *exitnode.Registry, ports *alloc.PortAllocator, blockSize int, opts ...Option) *Registrar {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if ports == nil {
		ports = alloc.NewPortAllocator(nil)
	}
	r := &Registrar{
		store:     s,
		nodes:     nodes,
		ports:     ports,
		blockSize: blockSize,
		locks:     make(map[int]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// lockExitNode serializes subnet allocation within one exit node's pool.
func (r *Registrar) lockExitNode(id int) func() {
	r.locksMu.Lock()
	mu, ok := r.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[id] = mu
	}
	r.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// HandleRegister processes a site's registration and returns the connect
// message for it. The site's peer moves to the chosen exit node and its subnet
// is reallocated from that node's pool when the node changes.
func (r *Registrar) HandleRegister(ctx context.Context, siteID int, req proto.NewtRegister) (*proto.WGConnect, error) {
	resp, err := r.register(ctx, siteID, req)
	r.metrics.ObserveSiteRegistration(err)
	if err != nil {
		log.Warn().Err(err).Int("site_id", siteID).Msg("site registration aborted")
		return nil, err
	}
	return resp, nil
}

func (r *Registrar) register(ctx context.Context, siteID int, req proto.NewtRegister) (*proto.WGConnect, error) {
	if err := exitnode.ValidateKey(req.PublicKey); err != nil {
		return nil, err
	}

	site, err := r.store.GetSite(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("get site %d: %w", siteID, err)
	}
	oldPubKey := site.PubKey
	oldExitNodeID := site.ExitNodeID

	exitNodeID := site.ExitNodeID
	if len(req.PingResults) > 0 {
		best, ok := exitnode.SelectBest(req.PingResults)
		if !ok {
			return nil, ErrNoExitNode
		}
		exitNodeID = best.ExitNodeID
	}
	if exitNodeID == 0 {
		return nil, ErrNoExitNode
	}

	var node *store.ExitNode
	if exitNodeID != site.ExitNodeID || site.Subnet == "" {
		var allowed bool
		node, allowed, err = r.nodes.VerifyOrgAccess(ctx, exitNodeID, site.OrgID)
		if err != nil {
			return nil, fmt.Errorf("get exit node %d: %w", exitNodeID, err)
		}
		if !allowed {
			return nil, fmt.Errorf("%w: org %s, exit node %d", ErrAccessDenied, site.OrgID, exitNodeID)
		}
		if err := r.moveSite(ctx, site, node, req.PublicKey); err != nil {
			return nil, err
		}
	} else {
		node, err = r.store.GetExitNode(ctx, exitNodeID)
		if err != nil {
			return nil, fmt.Errorf("get exit node %d: %w", exitNodeID, err)
		}
		site.PubKey = req.PublicKey
		if err := r.store.UpdateSite(ctx, site); err != nil {
			return nil, fmt.Errorf("update site: %w", err)
		}
	}

	// The peer is removed from the old node when it is no longer what that node should carry.
	if oldExitNodeID != 0 && oldPubKey != "" && (oldPubKey != req.PublicKey || oldExitNodeID != node.ID) {
		if err := r.nodes.DeletePeer(ctx, oldExitNodeID, oldPubKey); err != nil {
			log.Warn().Err(err).Int("site_id", siteID).Int("exit_node_id", oldExitNodeID).Msg("failed to delete old peer")
		}
	}

	if site.Subnet == "" {
		return nil, ErrNoSubnet
	}

	if err := r.nodes.AddPeer(ctx, node.ID, proto.Peer{PublicKey: req.PublicKey, AllowedIPs: []string{site.Subnet}}); err != nil {
		log.Error().Err(err).Int("site_id", siteID).Int("exit_node_id", node.ID).Msg("failed to add peer")
	}

	targets, health, err := r.connectTargets(ctx, siteID)
	if err != nil {
		return nil, err
	}

	listenPort := node.ListenPort
	if listenPort == 0 {
		listenPort = exitnode.DefaultListenPort
	}

	log.Info().
		Int("site_id", siteID).
		Int("exit_node_id", node.ID).
		Str("subnet", site.Subnet).
		Int("tcp_targets", len(targets.TCP)).
		Int("udp_targets", len(targets.UDP)).
		Msg("site registered")

	return &proto.WGConnect{
		Endpoint:           node.Endpoint + ":" + strconv.Itoa(listenPort),
		PublicKey:          node.PublicKey,
		ServerIP:           hostPart(node.Address),
		TunnelIP:           hostPart(site.Subnet),
		Targets:            targets,
		HealthCheckTargets: health,
	}, nil
}

// moveSite allocates a subnet for site on node and persists the binding.
func (r *Registrar) moveSite(ctx context.Context, site *store.Site, node *store.ExitNode, publicKey string) error {
	unlock := r.lockExitNode(node.ID)
	defer unlock()

	subnet, err := r.nextSubnet(ctx, node)
	if err != nil {
		return err
	}

	site.PubKey = publicKey
	site.ExitNodeID = node.ID
	site.Subnet = subnet
	if err := r.store.UpdateSite(ctx, site); err != nil {
		return fmt.Errorf("update site: %w", err)
	}
	log.Info().Int("site_id", site.ID).Int("exit_node_id", node.ID).Str("subnet", subnet).Msg("allocated site subnet")
	return nil
}

func (r *Registrar) nextSubnet(ctx context.Context, node *store.ExitNode) (string, error) {
	pool, err := netip.ParsePrefix(node.Address)
	if err != nil {
		return "", fmt.Errorf("parse exit node address %q: %w", node.Address, err)
	}
	reserved, err := alloc.ReservedBlock(node.Address, r.blockSize)
	if err != nil {
		return "", err
	}

	sites, err := r.store.ListSitesByExitNode(ctx, node.ID)
	if err != nil {
		return "", fmt.Errorf("list sites: %w", err)
	}
	subnets := make([]string, 0, len(sites))
	for _, s := range sites {
		subnets = append(subnets, s.Subnet)
	}
	allocated, err := alloc.ParsePrefixes(subnets)
	if err != nil {
		return "", err
	}
	allocated = append(allocated, reserved)

	block, err := alloc.NextCIDR(allocated, r.blockSize, pool.Masked())
	if err != nil {
		return "", fmt.Errorf("allocate site subnet on exit node %d: %w", node.ID, err)
	}
	return block.String(), nil
}

// connectTargets builds the forwarding lists and health checks of a site's enabled targets.
func (r *Registrar) connectTargets(ctx context.Context, siteID int) (proto.Targets, []proto.HealthCheckTarget, error) {
	targets := proto.Targets{TCP: []string{}, UDP: []string{}}
	health := []proto.HealthCheckTarget{}

	all, err := r.store.ListTargetsBySite(ctx, siteID)
	if err != nil {
		return targets, health, fmt.Errorf("list targets: %w", err)
	}

	protocols := make(map[int]string)
	for _, t := range all {
		if !t.Enabled {
			continue
		}
		protocol, ok := protocols[t.ResourceID]
		if !ok {
			res, err := r.store.GetResource(ctx, t.ResourceID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return targets, health, fmt.Errorf("get resource %d: %w", t.ResourceID, err)
			}
			protocol = res.Protocol
			protocols[t.ResourceID] = protocol
		}

		if rule, ok := formatTarget(t); ok {
			if protocol == "tcp" {
				targets.TCP = append(targets.TCP, rule)
			} else {
				targets.UDP = append(targets.UDP, rule)
			}
		}

		if hc, ok := healthCheck(t); ok {
			health = append(health, hc)
		} else {
			log.Debug().Int("target_id", t.ID).Msg("skipping target with incomplete health check")
		}
	}
	return targets, health, nil
}

// formatTarget renders a target as internalPort:ip:port.
func formatTarget(t store.Target) (string, bool) {
	if t.InternalPort == 0 || t.IP == "" || t.Port == 0 {
		return "", false
	}
	return fmt.Sprintf("%d:%s:%d", t.InternalPort, t.IP, t.Port), true
}

func healthCheck(t store.Target) (proto.HealthCheckTarget, bool) {
	if t.HCPath == "" || t.HCHostname == "" || t.HCPort == 0 || t.HCInterval == 0 || t.HCMethod == "" {
		return proto.HealthCheckTarget{}, false
	}
	return proto.HealthCheckTarget{
		ID:                t.ID,
		Enabled:           t.HCEnabled,
		Path:              t.HCPath,
		Scheme:            t.HCScheme,
		Mode:              t.HCMode,
		Hostname:          t.HCHostname,
		Port:              t.HCPort,
		Interval:          t.HCInterval,
		UnhealthyInterval: t.HCUnhealthyInterval,
		Timeout:           t.HCTimeout,
		Headers:           parseHeaders(t.HCHeaders),
		Method:            t.HCMethod,
		TLSServerName:     t.HCTLSServerName,
	}, true
}

// parseHeaders accepts either a [{name, value}] list or a plain object.
func parseHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	if raw == "" {
		return headers
	}

	var list []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		for _, h := range list {
			headers[h.Name] = h.Value
		}
		return headers
	}
	if err := json.Unmarshal([]byte(raw), &headers); err != nil {
		log.Warn().Err(err).Msg("ignoring malformed health check headers")
		return make(map[string]string)
	}
	return headers
}

func hostPart(cidr string) string {
	host, _, _ := strings.Cut(cidr, "/")
	return host
}
