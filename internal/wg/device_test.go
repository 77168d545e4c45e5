package wg

import (
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/exitplane/pkg/proto"
	"github.com/tunnelmesh/exitplane/testutil"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// fakeClient keeps peers in memory and applies configs the way the kernel does.
type fakeClient struct {
	mu     sync.Mutex
	peers  map[wgtypes.Key][]net.IPNet
	order  []wgtypes.Key
	err    error
	closed bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{peers: map[wgtypes.Key][]net.IPNet{}}
}

func (f *fakeClient) Device(string) (*wgtypes.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	dev := &wgtypes.Device{Name: DefaultInterface}
	for _, k := range f.order {
		if ips, ok := f.peers[k]; ok {
			dev.Peers = append(dev.Peers, wgtypes.Peer{PublicKey: k, AllowedIPs: ips})
		}
	}
	return dev, nil
}

func (f *fakeClient) ConfigureDevice(_ string, cfg wgtypes.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for _, p := range cfg.Peers {
		if p.Remove {
			delete(f.peers, p.PublicKey)
			continue
		}
		if _, ok := f.peers[p.PublicKey]; !ok {
			f.order = append(f.order, p.PublicKey)
		}
		if p.ReplaceAllowedIPs {
			f.peers[p.PublicKey] = p.AllowedIPs
		} else {
			f.peers[p.PublicKey] = append(f.peers[p.PublicKey], p.AllowedIPs...)
		}
	}
	return nil
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func TestDevice_AddAndRemovePeer(t *testing.T) {
	client := newFakeClient()
	dev := NewDevice(DefaultInterface, client)
	_, pub := testutil.WireGuardKey(t)

	require.NoError(t, dev.AddPeer(proto.Peer{PublicKey: pub, AllowedIPs: []string{"100.89.0.16/29"}}))
	peers, err := dev.Peers()
	require.NoError(t, err)
	assert.Equal(t, []proto.Peer{{PublicKey: pub, AllowedIPs: []string{"100.89.0.16/29"}}}, peers)

	require.NoError(t, dev.AddPeer(proto.Peer{PublicKey: pub, AllowedIPs: []string{"100.89.0.16/29", "10.0.0.5/32"}}))
	peers, err = dev.Peers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, []string{"100.89.0.16/29", "10.0.0.5/32"}, peers[0].AllowedIPs)

	require.NoError(t, dev.RemovePeer(pub))
	peers, err = dev.Peers()
	require.NoError(t, err)
	assert.Empty(t, peers)

	require.NoError(t, dev.Close())
	assert.True(t, client.closed)
}

func TestDevice_AddPeerInvalid(t *testing.T) {
	_, pub := testutil.WireGuardKey(t)
	tests := []struct {
		name  string
		input proto.Peer
	}{
		{name: "bad key", input: proto.Peer{PublicKey: "not-a-key", AllowedIPs: []string{"10.0.0.1/32"}}},
		{name: "no allowed ips", input: proto.Peer{PublicKey: pub}},
		{name: "bad cidr", input: proto.Peer{PublicKey: pub, AllowedIPs: []string{"10.0.0.300/32"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient()
			dev := NewDevice(DefaultInterface, client)
			assert.Error(t, dev.AddPeer(tt.input))
			assert.Empty(t, client.peers)
		})
	}
}

func TestDevice_ClientErrors(t *testing.T) {
	client := newFakeClient()
	client.err = errors.New("operation not permitted")
	dev := NewDevice(DefaultInterface, client)
	_, pub := testutil.WireGuardKey(t)

	assert.ErrorContains(t, dev.AddPeer(proto.Peer{PublicKey: pub, AllowedIPs: []string{"10.0.0.1/32"}}), "operation not permitted")
	assert.ErrorContains(t, dev.RemovePeer(pub), "operation not permitted")
	_, err := dev.Peers()
	assert.Error(t, err)
	assert.Error(t, dev.RemovePeer("bad"))
}
