// Package exitnode manages exit node records, their WireGuard server config and
// the peers pushed to them.
package exitnode

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/exitplane/internal/alloc"
	"github.com/tunnelmesh/exitplane/internal/metrics"
	"github.com/tunnelmesh/exitplane/internal/store"
	"github.com/tunnelmesh/exitplane/pkg/proto"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// DefaultListenPort is used when an exit node has no listen port recorded.
const DefaultListenPort = 51820

const maxNameAttempts = 100

var (
	// ErrInvalidKey is returned for a public key that is not a WireGuard key.
	ErrInvalidKey = errors.New("invalid wireguard public key")
	// ErrNotReachable is returned when an exit node has no reachableAt address.
	ErrNotReachable = errors.New("exit node is not reachable")
)

// Config controls how new exit nodes are provisioned.
type Config struct {
	// SubnetGroup is the pool exit node address blocks are drawn from.
	SubnetGroup string
	// BlockSize is the prefix length of each exit node's address block.
	BlockSize    int
	StartPort    int
	BaseEndpoint string
	UseSubdomain bool
	// Name, when set, names the local exit node.
	Name string
}

// Registry creates exit node records and routes peer operations to them.
type Registry struct {
	store      store.Store
	cfg        Config
	dispatcher PeerDispatcher
	metrics    *metrics.Metrics

	// mu serializes exit node creation so pool allocation does not race.
	mu sync.Mutex
}

// NewRegistry creates a registry.
func NewRegistry(s store.Store, cfg Config, d PeerDispatcher, m *metrics.Metrics) *Registry {
	return &Registry{store: s, cfg: cfg, dispatcher: d, metrics: m}
}

// ValidateKey checks that key is a base64 WireGuard public key.
func ValidateKey(key string) error {
	if _, err := wgtypes.ParseKey(key); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return nil
}

// RegisterOrUpdate records an exit node handshake. Unknown nodes get an address
// block, listen port, endpoint and name. Known nodes get their reachableAt and
// public key refreshed and are marked online.
func (r *Registry) RegisterOrUpdate(ctx context.Context, publicKey, reachableAt string) (*store.ExitNode, error) {
	if err := ValidateKey(publicKey); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.lookup(ctx, publicKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		existing.ReachableAt = reachableAt
		existing.PublicKey = publicKey
		existing.Online = true
		if err := r.store.UpdateExitNode(ctx, existing); err != nil {
			return nil, fmt.Errorf("update exit node: %w", err)
		}
		log.Info().Int("exit_node_id", existing.ID).Str("reachable_at", reachableAt).Msg("updated exit node")
		return existing, nil
	}

	address, err := r.nextAddress(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := r.cfg.BaseEndpoint
	if r.cfg.UseSubdomain {
		sub, err := r.uniqueEndpointName(ctx)
		if err != nil {
			return nil, err
		}
		endpoint = sub + "." + r.cfg.BaseEndpoint
	}

	name := r.cfg.Name
	if name == "" {
		name = "Exit Node " + publicKey[:8]
	}

	node := &store.ExitNode{
		Name:        name,
		PublicKey:   publicKey,
		Endpoint:    endpoint,
		Address:     address,
		ListenPort:  r.cfg.StartPort,
		ReachableAt: reachableAt,
		Type:        store.ExitNodeGerbil,
		Online:      true,
	}
	if err := r.store.CreateExitNode(ctx, node); err != nil {
		return nil, fmt.Errorf("create exit node: %w", err)
	}

	log.Info().
		Int("exit_node_id", node.ID).
		Str("name", node.Name).
		Str("address", node.Address).
		Int("listen_port", node.ListenPort).
		Msg("created exit node")
	return node, nil
}

func (r *Registry) lookup(ctx context.Context, publicKey string) (*store.ExitNode, error) {
	node, err := r.store.GetExitNodeByPublicKey(ctx, publicKey)
	if err == nil || !errors.Is(err, store.ErrNotFound) || r.cfg.Name == "" {
		return node, err
	}
	// A configured node that rotated its key is found by name.
	return r.store.GetExitNodeByName(ctx, r.cfg.Name)
}

// nextAddress allocates the next exit node block and returns its first host address.
func (r *Registry) nextAddress(ctx context.Context) (string, error) {
	pool, err := netip.ParsePrefix(r.cfg.SubnetGroup)
	if err != nil {
		return "", fmt.Errorf("parse subnet group %q: %w", r.cfg.SubnetGroup, err)
	}

	nodes, err := r.store.ListExitNodes(ctx)
	if err != nil {
		return "", fmt.Errorf("list exit nodes: %w", err)
	}
	addresses := make([]string, 0, len(nodes))
	for _, n := range nodes {
		addresses = append(addresses, n.Address)
	}
	allocated, err := alloc.ParsePrefixes(addresses)
	if err != nil {
		return "", err
	}

	block, err := alloc.NextCIDR(allocated, r.cfg.BlockSize, pool)
	if err != nil {
		return "", fmt.Errorf("allocate exit node address: %w", err)
	}
	return netip.PrefixFrom(block.Addr().Next(), block.Bits()).String(), nil
}

func (r *Registry) uniqueEndpointName(ctx context.Context) (string, error) {
	nodes, err := r.store.ListExitNodes(ctx)
	if err != nil {
		return "", fmt.Errorf("list exit nodes: %w", err)
	}

	for i := 0; i < maxNameAttempts; i++ {
		name := strings.SplitN(uuid.NewString(), "-", 2)[0]
		taken := false
		for _, n := range nodes {
			if strings.Contains(n.Endpoint, name) {
				taken = true
				break
			}
		}
		if !taken {
			return name, nil
		}
	}
	return "", errors.New("could not generate a unique endpoint name")
}

// GenerateConfig builds the WireGuard server config of an exit node from the
// sites bound to it. Sites without a public key or subnet are skipped.
func (r *Registry) GenerateConfig(ctx context.Context, node *store.ExitNode) (*proto.GerbilConfig, error) {
	sites, err := r.store.ListSitesByExitNode(ctx, node.ID)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}

	peers := make([]proto.Peer, 0, len(sites))
	for _, site := range sites {
		if site.PubKey == "" || site.Subnet == "" {
			continue
		}
		allowed, err := r.AllowedIPs(ctx, &site)
		if err != nil {
			return nil, err
		}
		if allowed == nil {
			continue
		}
		peers = append(peers, proto.Peer{PublicKey: site.PubKey, AllowedIPs: allowed})
	}

	listenPort := node.ListenPort
	if listenPort == 0 {
		listenPort = DefaultListenPort
	}
	return &proto.GerbilConfig{
		ListenPort: listenPort,
		IPAddress:  node.Address,
		Peers:      peers,
	}, nil
}

// AllowedIPs returns the peer allowed IPs of a site: its subnet for newt sites,
// one /32 per distinct enabled target IP for wireguard sites, and nil for
// other types.
func (r *Registry) AllowedIPs(ctx context.Context, site *store.Site) ([]string, error) {
	switch site.Type {
	case store.SiteNewt:
		return []string{site.Subnet}, nil
	case store.SiteWireGuard:
		targets, err := r.store.ListTargetsBySite(ctx, site.ID)
		if err != nil {
			return nil, fmt.Errorf("list targets: %w", err)
		}
		ips := make([]string, 0, len(targets))
		seen := make(map[string]bool, len(targets))
		for _, t := range targets {
			if !t.Enabled || seen[t.IP] {
				continue
			}
			seen[t.IP] = true
			ips = append(ips, t.IP+"/32")
		}
		return ips, nil
	default:
		return nil, nil
	}
}

// AddPeer pushes a peer to the exit node.
func (r *Registry) AddPeer(ctx context.Context, exitNodeID int, peer proto.Peer) error {
	if err := ValidateKey(peer.PublicKey); err != nil {
		return err
	}
	node, err := r.store.GetExitNode(ctx, exitNodeID)
	if err != nil {
		return fmt.Errorf("get exit node %d: %w", exitNodeID, err)
	}

	err = r.dispatcher.AddPeer(ctx, node, peer)
	r.metrics.ObservePeerDispatch("add", err)
	if err != nil {
		return fmt.Errorf("add peer on exit node %d: %w", exitNodeID, err)
	}
	log.Info().Int("exit_node_id", exitNodeID).Str("public_key", peer.PublicKey).Msg("added peer")
	return nil
}

// DeletePeer removes a peer from the exit node.
func (r *Registry) DeletePeer(ctx context.Context, exitNodeID int, publicKey string) error {
	node, err := r.store.GetExitNode(ctx, exitNodeID)
	if err != nil {
		return fmt.Errorf("get exit node %d: %w", exitNodeID, err)
	}

	err = r.dispatcher.RemovePeer(ctx, node, publicKey)
	r.metrics.ObservePeerDispatch("remove", err)
	if err != nil {
		return fmt.Errorf("delete peer on exit node %d: %w", exitNodeID, err)
	}
	log.Info().Int("exit_node_id", exitNodeID).Str("public_key", publicKey).Msg("deleted peer")
	return nil
}

// VerifyOrgAccess reports whether orgID may use the exit node. Local exit nodes
// are open to every org; remote exit nodes need an explicit link.
func (r *Registry) VerifyOrgAccess(ctx context.Context, exitNodeID int, orgID string) (*store.ExitNode, bool, error) {
	node, err := r.store.GetExitNode(ctx, exitNodeID)
	if err != nil {
		return nil, false, err
	}
	switch node.Type {
	case store.ExitNodeGerbil:
		return node, true, nil
	case store.ExitNodeRemote:
		ok, err := r.store.ExitNodeOrgAllowed(ctx, exitNodeID, orgID)
		if err != nil {
			return node, false, fmt.Errorf("check exit node org: %w", err)
		}
		return node, ok, nil
	default:
		return node, false, nil
	}
}

// MarkSeen records a register or ping from a remote exit node.
func (r *Registry) MarkSeen(ctx context.Context, exitNodeID int, version string) error {
	node, err := r.store.GetExitNode(ctx, exitNodeID)
	if err != nil {
		return fmt.Errorf("get exit node %d: %w", exitNodeID, err)
	}
	node.Online = true
	node.LastPing = time.Now().Unix()
	if version != "" {
		node.Version = version
	}
	if err := r.store.UpdateExitNode(ctx, node); err != nil {
		return fmt.Errorf("update exit node: %w", err)
	}
	return nil
}

// MarkOffline records that a remote exit node's control channel closed.
func (r *Registry) MarkOffline(ctx context.Context, exitNodeID int) error {
	node, err := r.store.GetExitNode(ctx, exitNodeID)
	if err != nil {
		return fmt.Errorf("get exit node %d: %w", exitNodeID, err)
	}
	node.Online = false
	if err := r.store.UpdateExitNode(ctx, node); err != nil {
		return fmt.Errorf("update exit node: %w", err)
	}
	return nil
}

// Current returns the configured local exit node, or the first one recorded.
func (r *Registry) Current(ctx context.Context) (*store.ExitNode, error) {
	if r.cfg.Name != "" {
		node, err := r.store.GetExitNodeByName(ctx, r.cfg.Name)
		if err == nil || !errors.Is(err, store.ErrNotFound) {
			return node, err
		}
	}
	nodes, err := r.store.ListExitNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list exit nodes: %w", err)
	}
	if len(nodes) == 0 {
		return nil, store.ErrNotFound
	}
	return &nodes[0], nil
}
