package site

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/exitplane/internal/store"
	"github.com/tunnelmesh/exitplane/pkg/proto"
)

// AllocateTargetPort returns a free internal port for a new target on the site.
// Local sites need no internal port and get 0.
func (r *Registrar) AllocateTargetPort(ctx context.Context, siteID int) (int, error) {
	site, err := r.store.GetSite(ctx, siteID)
	if err != nil {
		return 0, fmt.Errorf("get site %d: %w", siteID, err)
	}
	return r.allocatePort(ctx, site)
}

func (r *Registrar) allocatePort(ctx context.Context, site *store.Site) (int, error) {
	if site.Type == store.SiteLocal {
		return 0, nil
	}

	targets, err := r.store.ListTargetsBySite(ctx, site.ID)
	if err != nil {
		return 0, fmt.Errorf("list targets: %w", err)
	}
	used := make([]int, 0, len(targets))
	for _, t := range targets {
		if t.Enabled && t.InternalPort != 0 {
			used = append(used, t.InternalPort)
		}
	}

	port, err := r.ports.Next(ctx, site.ID, used)
	if err != nil {
		return 0, fmt.Errorf("allocate internal port for site %d: %w", site.ID, err)
	}
	return port, nil
}

// CreateTarget validates and stores a target, then brings the site's tunnel up
// to date: wireguard sites get their peer's allowed IPs refreshed and connected
// newt sites are sent the new forwarding rule.
func (r *Registrar) CreateTarget(ctx context.Context, target *store.Target) error {
	site, err := r.store.GetSite(ctx, target.SiteID)
	if err != nil {
		return fmt.Errorf("get site %d: %w", target.SiteID, err)
	}
	res, err := r.store.GetResource(ctx, target.ResourceID)
	if err != nil {
		return fmt.Errorf("get resource %d: %w", target.ResourceID, err)
	}

	if site.Type == store.SiteWireGuard {
		if err := inSubnet(target.IP, site.Subnet); err != nil {
			return err
		}
	}

	if target.InternalPort == 0 {
		port, err := r.allocatePort(ctx, site)
		if err != nil {
			return err
		}
		target.InternalPort = port
	}

	if err := r.store.CreateTarget(ctx, target); err != nil {
		return fmt.Errorf("create target: %w", err)
	}
	log.Info().
		Int("site_id", site.ID).
		Int("target_id", target.ID).
		Str("ip", target.IP).
		Int("port", target.Port).
		Int("internal_port", target.InternalPort).
		Msg("created target")

	switch site.Type {
	case store.SiteWireGuard:
		if site.PubKey == "" || site.ExitNodeID == 0 {
			return nil
		}
		allowed, err := r.nodes.AllowedIPs(ctx, site)
		if err != nil {
			return err
		}
		return r.nodes.AddPeer(ctx, site.ExitNodeID, proto.Peer{PublicKey: site.PubKey, AllowedIPs: allowed})
	case store.SiteNewt:
		r.notifyTarget(site.ID, res.Protocol, *target)
	}
	return nil
}

func (r *Registrar) notifyTarget(siteID int, protocol string, t store.Target) {
	if r.sender == nil {
		return
	}
	rule, ok := formatTarget(t)
	if !ok {
		return
	}

	msg := proto.TargetsAdd{Targets: []string{rule}}
	if hc, ok := healthCheck(t); ok {
		msg.HealthCheckTargets = []proto.HealthCheckTarget{hc}
	}
	msgType := proto.MsgNewtUDPAdd
	if protocol == "tcp" {
		msgType = proto.MsgNewtTCPAdd
	}
	if err := r.sender.SendToSite(siteID, msgType, msg); err != nil {
		log.Warn().Err(err).Int("site_id", siteID).Str("type", msgType).Msg("failed to notify site of new target")
	}
}

func inSubnet(ip, subnet string) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("parse target ip %q: %w", ip, err)
	}
	prefix, err := netip.ParsePrefix(subnet)
	if err != nil {
		return fmt.Errorf("%w: site subnet %q", ErrTargetOutsideSubnet, subnet)
	}
	if !prefix.Contains(addr) {
		return fmt.Errorf("%w: %s not in %s", ErrTargetOutsideSubnet, ip, subnet)
	}
	return nil
}
