package exitnode

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/exitplane/internal/store"
	"github.com/tunnelmesh/exitplane/pkg/proto"
	"github.com/tunnelmesh/exitplane/testutil"
)

type peerOp struct {
	op        string
	node      int
	publicKey string
	allowed   []string
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ops []peerOp
	err error
}

func (d *recordingDispatcher) AddPeer(_ context.Context, node *store.ExitNode, peer proto.Peer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, peerOp{op: "add", node: node.ID, publicKey: peer.PublicKey, allowed: peer.AllowedIPs})
	return d.err
}

func (d *recordingDispatcher) RemovePeer(_ context.Context, node *store.ExitNode, publicKey string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, peerOp{op: "remove", node: node.ID, publicKey: publicKey})
	return d.err
}

func testConfig() Config {
	return Config{
		SubnetGroup:  "100.89.128.0/20",
		BlockSize:    24,
		StartPort:    51820,
		BaseEndpoint: "exit.example.com",
	}
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *store.MemoryStore, *recordingDispatcher) {
	t.Helper()
	s := store.NewMemoryStore()
	d := &recordingDispatcher{}
	return NewRegistry(s, cfg, d, nil), s, d
}

func TestRegisterOrUpdate_CreatesNode(t *testing.T) {
	r, _, _ := newTestRegistry(t, testConfig())
	ctx := context.Background()
	_, pk := testutil.WireGuardKey(t)

	node, err := r.RegisterOrUpdate(ctx, pk, "http://10.1.0.5:3003")
	require.NoError(t, err)

	assert.NotZero(t, node.ID)
	assert.Equal(t, "100.89.128.1/24", node.Address)
	assert.Equal(t, 51820, node.ListenPort)
	assert.Equal(t, "exit.example.com", node.Endpoint)
	assert.Equal(t, "Exit Node "+pk[:8], node.Name)
	assert.Equal(t, store.ExitNodeGerbil, node.Type)
	assert.True(t, node.Online)
}

func TestRegisterOrUpdate_SecondNodeGetsNextBlock(t *testing.T) {
	r, _, _ := newTestRegistry(t, testConfig())
	ctx := context.Background()
	_, pk1 := testutil.WireGuardKey(t)
	_, pk2 := testutil.WireGuardKey(t)

	first, err := r.RegisterOrUpdate(ctx, pk1, "http://a:3003")
	require.NoError(t, err)
	second, err := r.RegisterOrUpdate(ctx, pk2, "http://b:3003")
	require.NoError(t, err)

	assert.Equal(t, "100.89.128.1/24", first.Address)
	assert.Equal(t, "100.89.129.1/24", second.Address)
}

func TestRegisterOrUpdate_UpdatesExisting(t *testing.T) {
	r, s, _ := newTestRegistry(t, testConfig())
	ctx := context.Background()
	_, pk := testutil.WireGuardKey(t)

	created, err := r.RegisterOrUpdate(ctx, pk, "http://old:3003")
	require.NoError(t, err)

	created.Online = false
	require.NoError(t, s.UpdateExitNode(ctx, created))

	updated, err := r.RegisterOrUpdate(ctx, pk, "http://new:3003")
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, created.Address, updated.Address)

	stored, err := s.GetExitNode(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "http://new:3003", stored.ReachableAt)
	assert.True(t, stored.Online)

	nodes, err := s.ListExitNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestRegisterOrUpdate_ConfiguredNameSurvivesKeyRotation(t *testing.T) {
	cfg := testConfig()
	cfg.Name = "edge-1"
	r, _, _ := newTestRegistry(t, cfg)
	ctx := context.Background()
	_, oldKey := testutil.WireGuardKey(t)
	_, newKey := testutil.WireGuardKey(t)

	first, err := r.RegisterOrUpdate(ctx, oldKey, "http://edge:3003")
	require.NoError(t, err)
	assert.Equal(t, "edge-1", first.Name)

	second, err := r.RegisterOrUpdate(ctx, newKey, "http://edge:3003")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, newKey, second.PublicKey)
}

func TestRegisterOrUpdate_Subdomain(t *testing.T) {
	cfg := testConfig()
	cfg.UseSubdomain = true
	r, _, _ := newTestRegistry(t, cfg)
	_, pk := testutil.WireGuardKey(t)

	node, err := r.RegisterOrUpdate(context.Background(), pk, "")
	require.NoError(t, err)

	sub, ok := strings.CutSuffix(node.Endpoint, ".exit.example.com")
	require.True(t, ok, node.Endpoint)
	assert.Len(t, sub, 8)
}

func TestRegisterOrUpdate_InvalidKey(t *testing.T) {
	r, _, _ := newTestRegistry(t, testConfig())
	_, err := r.RegisterOrUpdate(context.Background(), "not-a-key", "")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestRegisterOrUpdate_PoolExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.SubnetGroup = "100.89.128.0/24"
	r, _, _ := newTestRegistry(t, cfg)
	ctx := context.Background()

	_, pk1 := testutil.WireGuardKey(t)
	_, err := r.RegisterOrUpdate(ctx, pk1, "")
	require.NoError(t, err)

	_, pk2 := testutil.WireGuardKey(t)
	_, err = r.RegisterOrUpdate(ctx, pk2, "")
	assert.Error(t, err)
}

func TestGenerateConfig(t *testing.T) {
	r, s, _ := newTestRegistry(t, testConfig())
	ctx := context.Background()

	node := &store.ExitNode{Address: "10.0.0.1/24", Type: store.ExitNodeGerbil}
	require.NoError(t, s.CreateExitNode(ctx, node))

	_, newtKey := testutil.WireGuardKey(t)
	_, wgKey := testutil.WireGuardKey(t)

	newtSite := &store.Site{Type: store.SiteNewt, ExitNodeID: node.ID, PubKey: newtKey, Subnet: "10.0.0.16/28"}
	wgSite := &store.Site{Type: store.SiteWireGuard, ExitNodeID: node.ID, PubKey: wgKey, Subnet: "10.0.0.32/28"}
	noKey := &store.Site{Type: store.SiteNewt, ExitNodeID: node.ID, Subnet: "10.0.0.48/28"}
	noSubnet := &store.Site{Type: store.SiteNewt, ExitNodeID: node.ID, PubKey: newtKey}
	local := &store.Site{Type: store.SiteLocal, ExitNodeID: node.ID, PubKey: "x", Subnet: "10.0.0.64/28"}
	for _, site := range []*store.Site{newtSite, wgSite, noKey, noSubnet, local} {
		require.NoError(t, s.CreateSite(ctx, site))
	}
	require.NoError(t, s.CreateTarget(ctx, &store.Target{SiteID: wgSite.ID, ResourceID: 1, IP: "192.168.1.10", Port: 80, Method: "http", Enabled: true}))
	require.NoError(t, s.CreateTarget(ctx, &store.Target{SiteID: wgSite.ID, ResourceID: 1, IP: "192.168.1.11", Port: 80, Method: "http", Enabled: true}))

	cfg, err := r.GenerateConfig(ctx, node)
	require.NoError(t, err)

	assert.Equal(t, DefaultListenPort, cfg.ListenPort)
	assert.Equal(t, "10.0.0.1/24", cfg.IPAddress)
	require.Len(t, cfg.Peers, 2)
	assert.Equal(t, proto.Peer{PublicKey: newtKey, AllowedIPs: []string{"10.0.0.16/28"}}, cfg.Peers[0])
	assert.Equal(t, wgKey, cfg.Peers[1].PublicKey)
	assert.ElementsMatch(t, []string{"192.168.1.10/32", "192.168.1.11/32"}, cfg.Peers[1].AllowedIPs)
}

func TestAllowedIPs_WireGuardTargets(t *testing.T) {
	r, s, _ := newTestRegistry(t, testConfig())
	ctx := context.Background()

	site := &store.Site{Type: store.SiteWireGuard, Subnet: "10.0.0.32/28"}
	require.NoError(t, s.CreateSite(ctx, site))
	for _, target := range []*store.Target{
		{SiteID: site.ID, ResourceID: 1, IP: "192.168.1.10", Port: 80, Method: "http", Enabled: true},
		{SiteID: site.ID, ResourceID: 2, IP: "192.168.1.10", Port: 443, Method: "https", Enabled: true},
		{SiteID: site.ID, ResourceID: 3, IP: "192.168.1.11", Port: 22, Enabled: true},
		{SiteID: site.ID, ResourceID: 4, IP: "192.168.1.12", Port: 80, Method: "http"},
	} {
		require.NoError(t, s.CreateTarget(ctx, target))
	}

	allowed, err := r.AllowedIPs(ctx, site)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"192.168.1.10/32", "192.168.1.11/32"}, allowed)
}

func TestAddAndDeletePeer(t *testing.T) {
	r, s, d := newTestRegistry(t, testConfig())
	ctx := context.Background()

	node := &store.ExitNode{Address: "10.0.0.1/24", Type: store.ExitNodeGerbil}
	require.NoError(t, s.CreateExitNode(ctx, node))
	_, pk := testutil.WireGuardKey(t)

	require.NoError(t, r.AddPeer(ctx, node.ID, proto.Peer{PublicKey: pk, AllowedIPs: []string{"10.0.0.16/28"}}))
	require.NoError(t, r.DeletePeer(ctx, node.ID, pk))

	assert.Equal(t, []peerOp{
		{op: "add", node: node.ID, publicKey: pk, allowed: []string{"10.0.0.16/28"}},
		{op: "remove", node: node.ID, publicKey: pk},
	}, d.ops)

	assert.ErrorIs(t, r.AddPeer(ctx, node.ID, proto.Peer{PublicKey: "stale"}), ErrInvalidKey)
	assert.ErrorIs(t, r.AddPeer(ctx, 999, proto.Peer{PublicKey: pk}), store.ErrNotFound)
	assert.Len(t, d.ops, 2)
}

func TestVerifyOrgAccess(t *testing.T) {
	r, s, _ := newTestRegistry(t, testConfig())
	ctx := context.Background()

	local := &store.ExitNode{Type: store.ExitNodeGerbil}
	remote := &store.ExitNode{Type: store.ExitNodeRemote}
	require.NoError(t, s.CreateExitNode(ctx, local))
	require.NoError(t, s.CreateExitNode(ctx, remote))

	_, ok, err := r.VerifyOrgAccess(ctx, local.ID, "org-a")
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = r.VerifyOrgAccess(ctx, remote.ID, "org-a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.AddExitNodeOrg(ctx, remote.ID, "org-a"))
	_, ok, err = r.VerifyOrgAccess(ctx, remote.ID, "org-a")
	require.NoError(t, err)
	assert.True(t, ok)

	_, _, err = r.VerifyOrgAccess(ctx, 999, "org-a")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMarkSeen(t *testing.T) {
	r, s, _ := newTestRegistry(t, testConfig())
	ctx := context.Background()

	node := &store.ExitNode{Type: store.ExitNodeRemote}
	require.NoError(t, s.CreateExitNode(ctx, node))

	require.NoError(t, r.MarkSeen(ctx, node.ID, "1.2.3"))
	got, err := s.GetExitNode(ctx, node.ID)
	require.NoError(t, err)
	assert.True(t, got.Online)
	assert.NotZero(t, got.LastPing)
	assert.Equal(t, "1.2.3", got.Version)

	require.NoError(t, r.MarkSeen(ctx, node.ID, ""))
	require.NoError(t, r.MarkOffline(ctx, node.ID))
	got, err = s.GetExitNode(ctx, node.ID)
	require.NoError(t, err)
	assert.False(t, got.Online)
	assert.Equal(t, "1.2.3", got.Version)

	assert.ErrorIs(t, r.MarkOffline(ctx, 999), store.ErrNotFound)
}

func TestCurrent(t *testing.T) {
	cfg := testConfig()
	cfg.Name = "edge-2"
	r, s, _ := newTestRegistry(t, cfg)
	ctx := context.Background()

	_, err := r.Current(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	first := &store.ExitNode{Name: "edge-1"}
	second := &store.ExitNode{Name: "edge-2"}
	require.NoError(t, s.CreateExitNode(ctx, first))
	require.NoError(t, s.CreateExitNode(ctx, second))

	got, err := r.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	r.cfg.Name = ""
	got, err = r.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}
