// Package wg applies peer changes to the exit node's kernel WireGuard device.
package wg

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/exitplane/pkg/proto"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// DefaultInterface is the device managed by the exit node.
const DefaultInterface = "wg0"

var ErrNoAllowedIPs = errors.New("peer has no allowed IPs")

// Client is the subset of *wgctrl.Client used by Device.
type Client interface {
	Device(name string) (*wgtypes.Device, error)
	ConfigureDevice(name string, cfg wgtypes.Config) error
	Close() error
}

// Device adds and removes peers on a single WireGuard interface.
type Device struct {
	mu     sync.Mutex
	client Client
	name   string
}

// Open connects to the kernel WireGuard interface name.
func Open(name string) (*Device, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("create wgctrl client: %w", err)
	}
	if name == "" {
		name = DefaultInterface
	}
	return NewDevice(name, client), nil
}

// NewDevice wraps an existing client.
func NewDevice(name string, client Client) *Device {
	return &Device{client: client, name: name}
}

// Name returns the interface name.
func (d *Device) Name() string { return d.name }

// AddPeer adds the peer or replaces the allowed IPs of an existing one.
func (d *Device) AddPeer(peer proto.Peer) error {
	key, err := wgtypes.ParseKey(peer.PublicKey)
	if err != nil {
		return fmt.Errorf("parse peer public key: %w", err)
	}
	if len(peer.AllowedIPs) == 0 {
		return ErrNoAllowedIPs
	}
	allowed, err := parseAllowedIPs(peer.AllowedIPs)
	if err != nil {
		return err
	}

	if err := d.configure(wgtypes.PeerConfig{
		PublicKey:         key,
		ReplaceAllowedIPs: true,
		AllowedIPs:        allowed,
	}); err != nil {
		return fmt.Errorf("add peer: %w", err)
	}
	log.Info().Str("interface", d.name).Str("peer", peer.PublicKey).Strs("allowed_ips", peer.AllowedIPs).Msg("wireguard peer added")
	return nil
}

// RemovePeer drops the peer from the device.
func (d *Device) RemovePeer(publicKey string) error {
	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return fmt.Errorf("parse peer public key: %w", err)
	}
	if err := d.configure(wgtypes.PeerConfig{PublicKey: key, Remove: true}); err != nil {
		return fmt.Errorf("remove peer: %w", err)
	}
	log.Info().Str("interface", d.name).Str("peer", publicKey).Msg("wireguard peer removed")
	return nil
}

// Peers lists the device's current peers.
func (d *Device) Peers() ([]proto.Peer, error) {
	d.mu.Lock()
	dev, err := d.client.Device(d.name)
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("read device %s: %w", d.name, err)
	}

	peers := make([]proto.Peer, 0, len(dev.Peers))
	for _, p := range dev.Peers {
		ips := make([]string, 0, len(p.AllowedIPs))
		for _, n := range p.AllowedIPs {
			ips = append(ips, n.String())
		}
		peers = append(peers, proto.Peer{PublicKey: p.PublicKey.String(), AllowedIPs: ips})
	}
	return peers, nil
}

// Close releases the wgctrl client.
func (d *Device) Close() error {
	return d.client.Close()
}

func (d *Device) configure(peer wgtypes.PeerConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client.ConfigureDevice(d.name, wgtypes.Config{Peers: []wgtypes.PeerConfig{peer}})
}

func parseAllowedIPs(cidrs []string) ([]net.IPNet, error) {
	out := make([]net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("parse allowed IP %q: %w", c, err)
		}
		out = append(out, *n)
	}
	return out, nil
}
