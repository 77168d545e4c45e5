// Package traefik generates the reverse proxy's dynamic routing document from
// the resources, targets and sites bound to an exit node.
package traefik

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/exitplane/internal/store"
)

// Middleware names referenced by generated routers.
const (
	BadgerMiddleware   = "badger"
	RedirectMiddleware = "redirect-to-https"

	StickyCookieName = "p_sticky"
	DefaultPriority  = 100
)

// Config controls routing document generation.
type Config struct {
	SiteTypes             []string
	CertResolver          string
	PreferWildcardCert    bool
	AdditionalMiddlewares []string
	HTTPEntryPoint        string
	HTTPSEntryPoint       string
}

func (c *Config) setDefaults() {
	if len(c.SiteTypes) == 0 {
		c.SiteTypes = []string{store.SiteNewt, store.SiteWireGuard, store.SiteLocal}
	}
	if c.HTTPEntryPoint == "" {
		c.HTTPEntryPoint = "web"
	}
	if c.HTTPSEntryPoint == "" {
		c.HTTPSEntryPoint = "websecure"
	}
}

// Generator builds routing documents from the store.
type Generator struct {
	store store.Store
	cfg   Config
}

// NewGenerator creates a generator.
func NewGenerator(s store.Store, cfg Config) *Generator {
	cfg.setDefaults()
	return &Generator{store: s, cfg: cfg}
}

type routedTarget struct {
	target store.Target
	site   store.Site
}

type routedResource struct {
	resource store.Resource
	targets  []routedTarget
}

// Generate returns the routing document for an exit node. The document is
// empty when nothing is routed through the node.
func (g *Generator) Generate(ctx context.Context, exitNodeID int) (map[string]any, error) {
	routed, err := g.collect(ctx, exitNodeID)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	if len(routed) == 0 {
		return doc, nil
	}

	httpSection := map[string]any{
		"middlewares": map[string]any{
			RedirectMiddleware: map[string]any{
				"redirectScheme": map[string]any{"scheme": "https"},
			},
		},
	}
	doc["http"] = httpSection

	for _, r := range routed {
		res := r.resource
		if res.HTTP {
			if res.FullDomain == "" {
				log.Debug().Int("resource_id", res.ID).Msg("skipping http resource without domain")
				continue
			}
			g.addHTTP(httpSection, r)
			continue
		}

		protocol := strings.ToLower(res.Protocol)
		if res.ProxyPort == 0 || (protocol != "tcp" && protocol != "udp") {
			continue
		}
		section, ok := doc[protocol].(map[string]any)
		if !ok {
			section = map[string]any{"routers": map[string]any{}, "services": map[string]any{}}
			doc[protocol] = section
		}
		addStream(section, protocol, r)
	}
	return doc, nil
}

// collect groups enabled targets on eligible sites by resource, in target order.
func (g *Generator) collect(ctx context.Context, exitNodeID int) ([]routedResource, error) {
	sites, err := g.store.ListSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	resources, err := g.store.ListResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	byID := make(map[int]store.Resource, len(resources))
	for _, res := range resources {
		if res.Enabled {
			byID[res.ID] = res
		}
	}

	grouped := make(map[int]*routedResource)
	var order []int
	for _, site := range sites {
		if !g.eligible(site, exitNodeID) {
			continue
		}
		targets, err := g.store.ListTargetsBySite(ctx, site.ID)
		if err != nil {
			return nil, fmt.Errorf("list targets for site %d: %w", site.ID, err)
		}
		for _, t := range targets {
			res, ok := byID[t.ResourceID]
			if !t.Enabled || !ok {
				continue
			}
			rr, seen := grouped[res.ID]
			if !seen {
				rr = &routedResource{resource: res}
				grouped[res.ID] = rr
				order = append(order, res.ID)
			}
			rr.targets = append(rr.targets, routedTarget{target: t, site: site})
		}
	}

	slices.Sort(order)
	out := make([]routedResource, 0, len(order))
	for _, id := range order {
		rr := grouped[id]
		slices.SortStableFunc(rr.targets, func(a, b routedTarget) int { return a.target.ID - b.target.ID })
		out = append(out, *rr)
	}
	return out, nil
}

func (g *Generator) eligible(site store.Site, exitNodeID int) bool {
	if !slices.Contains(g.cfg.SiteTypes, site.Type) {
		return false
	}
	if site.ExitNodeID == exitNodeID {
		return true
	}
	return site.ExitNodeID == 0 && site.Type == store.SiteLocal
}

func (g *Generator) addHTTP(section map[string]any, r routedResource) {
	res := r.resource
	routerName := strconv.Itoa(res.ID) + "-router"
	serviceName := strconv.Itoa(res.ID) + "-service"
	rule := fmt.Sprintf("Host(`%s`)", res.FullDomain)

	routers := subMap(section, "routers")
	services := subMap(section, "services")

	middlewares := append([]string{BadgerMiddleware}, g.cfg.AdditionalMiddlewares...)
	router := map[string]any{
		"entryPoints": []string{g.cfg.HTTPEntryPoint},
		"middlewares": middlewares,
		"service":     serviceName,
		"rule":        rule,
		"priority":    DefaultPriority,
	}
	if res.SSL {
		router["entryPoints"] = []string{g.cfg.HTTPSEntryPoint}
		router["tls"] = g.tls(res.FullDomain)
		routers[routerName+"-redirect"] = map[string]any{
			"entryPoints": []string{g.cfg.HTTPEntryPoint},
			"middlewares": []string{RedirectMiddleware},
			"service":     serviceName,
			"rule":        rule,
			"priority":    DefaultPriority,
		}
	}
	routers[routerName] = router

	var servers []any
	seen := make(map[string]bool)
	for _, rt := range r.targets {
		url, ok := httpURL(rt)
		if !ok || seen[url] {
			continue
		}
		seen[url] = true
		servers = append(servers, map[string]any{"url": url})
	}

	lb := map[string]any{"servers": nonNil(servers)}
	if res.StickySession {
		lb["sticky"] = map[string]any{
			"cookie": map[string]any{
				"name":     StickyCookieName,
				"secure":   res.SSL,
				"httpOnly": true,
			},
		}
	}
	services[serviceName] = map[string]any{"loadBalancer": lb}
}

func (g *Generator) tls(domain string) map[string]any {
	tls := map[string]any{"certResolver": g.cfg.CertResolver}
	if g.cfg.PreferWildcardCert {
		tls["domains"] = []any{map[string]any{"main": wildcardFor(domain)}}
	}
	return tls
}

func addStream(section map[string]any, protocol string, r routedResource) {
	res := r.resource
	routerName := strconv.Itoa(res.ID) + "-router"
	serviceName := strconv.Itoa(res.ID) + "-service"

	router := map[string]any{
		"entryPoints": []string{fmt.Sprintf("%s-%d", protocol, res.ProxyPort)},
		"service":     serviceName,
	}
	if protocol == "tcp" {
		router["rule"] = "HostSNI(`*`)"
	}
	subMap(section, "routers")[routerName] = router

	var servers []any
	for _, rt := range r.targets {
		if addr, ok := streamAddress(rt); ok {
			servers = append(servers, map[string]any{"address": addr})
		}
	}
	lb := map[string]any{"servers": nonNil(servers)}
	if res.StickySession {
		lb["sticky"] = map[string]any{
			"ipStrategy": map[string]any{"depth": 0, "sourcePort": true},
		}
	}
	subMap(section, "services")[serviceName] = map[string]any{"loadBalancer": lb}
}

// httpURL is method://subnetHost:internalPort for newt sites and method://ip:port otherwise.
func httpURL(rt routedTarget) (string, bool) {
	t := rt.target
	if t.Method == "" {
		return "", false
	}
	addr, ok := streamAddress(rt)
	if !ok {
		return "", false
	}
	return t.Method + "://" + addr, true
}

func streamAddress(rt routedTarget) (string, bool) {
	t := rt.target
	if rt.site.Type == store.SiteNewt {
		if t.InternalPort == 0 || rt.site.Subnet == "" {
			return "", false
		}
		host, _, _ := strings.Cut(rt.site.Subnet, "/")
		return host + ":" + strconv.Itoa(t.InternalPort), true
	}
	if t.IP == "" || t.Port == 0 {
		return "", false
	}
	return t.IP + ":" + strconv.Itoa(t.Port), true
}

// wildcardFor returns the wildcard covering domain's siblings, or domain's
// children for an apex domain.
func wildcardFor(domain string) string {
	parts := strings.Split(domain, ".")
	if len(parts) <= 2 {
		return "*." + domain
	}
	return "*." + strings.Join(parts[1:], ".")
}

func subMap(m map[string]any, key string) map[string]any {
	sub, ok := m[key].(map[string]any)
	if !ok {
		sub = map[string]any{}
		m[key] = sub
	}
	return sub
}

func nonNil(s []any) []any {
	if s == nil {
		return []any{}
	}
	return s
}
