package site

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/exitplane/internal/alloc"
	"github.com/tunnelmesh/exitplane/internal/store"
	"github.com/tunnelmesh/exitplane/pkg/proto"
	"github.com/tunnelmesh/exitplane/testutil"
)

func TestAllocateTargetPort(t *testing.T) {
	f := newFixture(t, 28)
	ctx := context.Background()

	newt := f.site(t, store.SiteNewt)
	local := f.site(t, store.SiteLocal)
	require.NoError(t, f.store.CreateTarget(ctx, &store.Target{SiteID: newt.ID, ResourceID: 1, IP: "10.1.1.1", Port: 80, InternalPort: 40000, Enabled: true}))

	port, err := f.registrar.AllocateTargetPort(ctx, newt.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, alloc.PortRangeStart)
	assert.LessOrEqual(t, port, alloc.PortRangeEnd)
	assert.NotEqual(t, 40000, port)

	again, err := f.registrar.AllocateTargetPort(ctx, newt.ID)
	require.NoError(t, err)
	assert.NotEqual(t, port, again)

	port, err = f.registrar.AllocateTargetPort(ctx, local.ID)
	require.NoError(t, err)
	assert.Zero(t, port)

	_, err = f.registrar.AllocateTargetPort(ctx, 999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateTarget_NewtSiteIsNotified(t *testing.T) {
	f := newFixture(t, 28)
	ctx := context.Background()
	site := f.site(t, store.SiteNewt)
	res := &store.Resource{SiteID: site.ID, Protocol: "tcp"}
	require.NoError(t, f.store.CreateResource(ctx, res))

	target := &store.Target{ResourceID: res.ID, SiteID: site.ID, IP: "192.168.1.10", Port: 80, Method: "http", Enabled: true}
	require.NoError(t, f.registrar.CreateTarget(ctx, target))
	assert.NotZero(t, target.ID)
	assert.GreaterOrEqual(t, target.InternalPort, alloc.PortRangeStart)

	require.Len(t, f.sender.sent, 1)
	sent := f.sender.sent[0]
	assert.Equal(t, site.ID, sent.siteID)
	assert.Equal(t, proto.MsgNewtTCPAdd, sent.msgType)
	msg, ok := sent.data.(proto.TargetsAdd)
	require.True(t, ok)
	assert.Len(t, msg.Targets, 1)
	assert.Contains(t, msg.Targets[0], ":192.168.1.10:80")

	dup := &store.Target{ResourceID: res.ID, SiteID: site.ID, IP: "192.168.1.10", Port: 80, Method: "http", Enabled: true}
	assert.ErrorIs(t, f.registrar.CreateTarget(ctx, dup), store.ErrDuplicateTarget)
	assert.Len(t, f.sender.sent, 1)
}

func TestCreateTarget_UDPResource(t *testing.T) {
	f := newFixture(t, 28)
	ctx := context.Background()
	site := f.site(t, store.SiteNewt)
	res := &store.Resource{SiteID: site.ID, Protocol: "udp"}
	require.NoError(t, f.store.CreateResource(ctx, res))

	require.NoError(t, f.registrar.CreateTarget(ctx, &store.Target{ResourceID: res.ID, SiteID: site.ID, IP: "192.168.1.53", Port: 53, Enabled: true}))
	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, proto.MsgNewtUDPAdd, f.sender.sent[0].msgType)
}

func TestCreateTarget_WireGuardSite(t *testing.T) {
	f := newFixture(t, 28)
	ctx := context.Background()
	node := f.exitNode(t, "10.0.0.1/24", store.ExitNodeGerbil)
	_, pk := testutil.WireGuardKey(t)

	site := &store.Site{OrgID: "org-a", Type: store.SiteWireGuard, ExitNodeID: node.ID, PubKey: pk, Subnet: "10.0.0.16/28"}
	require.NoError(t, f.store.CreateSite(ctx, site))
	res := &store.Resource{SiteID: site.ID, Protocol: "tcp"}
	require.NoError(t, f.store.CreateResource(ctx, res))

	err := f.registrar.CreateTarget(ctx, &store.Target{ResourceID: res.ID, SiteID: site.ID, IP: "192.168.1.10", Port: 80, Enabled: true})
	assert.ErrorIs(t, err, ErrTargetOutsideSubnet)

	require.NoError(t, f.registrar.CreateTarget(ctx, &store.Target{ResourceID: res.ID, SiteID: site.ID, IP: "10.0.0.17", Port: 80, Enabled: true}))
	require.NoError(t, f.registrar.CreateTarget(ctx, &store.Target{ResourceID: res.ID, SiteID: site.ID, IP: "10.0.0.18", Port: 80, Enabled: true}))

	require.Len(t, f.dispatcher.ops, 2)
	last := f.dispatcher.ops[1]
	assert.Equal(t, "add", last.op)
	assert.Equal(t, pk, last.publicKey)
	assert.ElementsMatch(t, []string{"10.0.0.17/32", "10.0.0.18/32"}, last.allowed)
	assert.Empty(t, f.sender.sent)
}

func TestCreateTarget_LocalSiteHasNoInternalPort(t *testing.T) {
	f := newFixture(t, 28)
	ctx := context.Background()
	site := f.site(t, store.SiteLocal)
	res := &store.Resource{SiteID: site.ID, Protocol: "tcp"}
	require.NoError(t, f.store.CreateResource(ctx, res))

	target := &store.Target{ResourceID: res.ID, SiteID: site.ID, IP: "127.0.0.1", Port: 8080, Enabled: true}
	require.NoError(t, f.registrar.CreateTarget(ctx, target))
	assert.Zero(t, target.InternalPort)
	assert.Empty(t, f.sender.sent)
	assert.Empty(t, f.dispatcher.ops)
}
