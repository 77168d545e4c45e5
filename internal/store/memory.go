package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store used for development and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	exitNodes    map[int]ExitNode
	sites        map[int]Site
	resources    map[int]Resource
	targets      map[int]Target
	exitNodeOrgs map[ExitNodeOrg]struct{}
	remoteNodes  map[string]RemoteExitNode
	newts        map[string]Newt
	certificates map[string]Certificate
	nextID       int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		exitNodes:    make(map[int]ExitNode),
		sites:        make(map[int]Site),
		resources:    make(map[int]Resource),
		targets:      make(map[int]Target),
		exitNodeOrgs: make(map[ExitNodeOrg]struct{}),
		remoteNodes:  make(map[string]RemoteExitNode),
		newts:        make(map[string]Newt),
		certificates: make(map[string]Certificate),
	}
}

func (m *MemoryStore) id() int {
	m.nextID++
	return m.nextID
}

func (m *MemoryStore) GetExitNode(_ context.Context, id int) (*ExitNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.exitNodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &n, nil
}

func (m *MemoryStore) GetExitNodeByPublicKey(_ context.Context, publicKey string) (*ExitNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.exitNodes {
		if n.PublicKey == publicKey {
			return &n, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetExitNodeByName(_ context.Context, name string) (*ExitNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range sortedKeys(m.exitNodes) {
		if n := m.exitNodes[id]; n.Name == name {
			return &n, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListExitNodes(_ context.Context) ([]ExitNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ExitNode, 0, len(m.exitNodes))
	for _, id := range sortedKeys(m.exitNodes) {
		out = append(out, m.exitNodes[id])
	}
	return out, nil
}

func (m *MemoryStore) CreateExitNode(_ context.Context, node *ExitNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if node.ID == 0 {
		node.ID = m.id()
	}
	m.exitNodes[node.ID] = *node
	return nil
}

func (m *MemoryStore) UpdateExitNode(_ context.Context, node *ExitNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.exitNodes[node.ID]; !ok {
		return ErrNotFound
	}
	m.exitNodes[node.ID] = *node
	return nil
}

func (m *MemoryStore) GetSite(_ context.Context, id int) (*Site, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sites[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) ListSites(_ context.Context) ([]Site, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Site, 0, len(m.sites))
	for _, id := range sortedKeys(m.sites) {
		out = append(out, m.sites[id])
	}
	return out, nil
}

func (m *MemoryStore) ListSitesByExitNode(_ context.Context, exitNodeID int) ([]Site, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Site
	for _, id := range sortedKeys(m.sites) {
		if s := m.sites[id]; s.ExitNodeID == exitNodeID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateSite(_ context.Context, site *Site) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if site.ID == 0 {
		site.ID = m.id()
	}
	m.sites[site.ID] = *site
	return nil
}

func (m *MemoryStore) UpdateSite(_ context.Context, site *Site) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sites[site.ID]; !ok {
		return ErrNotFound
	}
	m.sites[site.ID] = *site
	return nil
}

func (m *MemoryStore) GetResource(_ context.Context, id int) (*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *MemoryStore) ListResources(_ context.Context) ([]Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Resource, 0, len(m.resources))
	for _, id := range sortedKeys(m.resources) {
		out = append(out, m.resources[id])
	}
	return out, nil
}

func (m *MemoryStore) CreateResource(_ context.Context, res *Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res.ID == 0 {
		res.ID = m.id()
	}
	m.resources[res.ID] = *res
	return nil
}

func (m *MemoryStore) ListTargetsBySite(_ context.Context, siteID int) ([]Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.targetsWhere(func(t Target) bool { return t.SiteID == siteID }), nil
}

func (m *MemoryStore) ListTargetsByResource(_ context.Context, resourceID int) ([]Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.targetsWhere(func(t Target) bool { return t.ResourceID == resourceID }), nil
}

func (m *MemoryStore) targetsWhere(match func(Target) bool) []Target {
	var out []Target
	for _, id := range sortedKeys(m.targets) {
		if t := m.targets[id]; match(t) {
			out = append(out, t)
		}
	}
	return out
}

func (m *MemoryStore) CreateTarget(_ context.Context, target *Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.targetsWhere(func(t Target) bool { return t.SiteID == target.SiteID })
	if err := checkTarget(existing, target); err != nil {
		return err
	}
	if target.ID == 0 {
		target.ID = m.id()
	}
	m.targets[target.ID] = *target
	return nil
}

func (m *MemoryStore) ExitNodeOrgAllowed(_ context.Context, exitNodeID int, orgID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.exitNodeOrgs[ExitNodeOrg{ExitNodeID: exitNodeID, OrgID: orgID}]
	return ok, nil
}

func (m *MemoryStore) AddExitNodeOrg(_ context.Context, exitNodeID int, orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exitNodeOrgs[ExitNodeOrg{ExitNodeID: exitNodeID, OrgID: orgID}] = struct{}{}
	return nil
}

func (m *MemoryStore) GetRemoteExitNode(_ context.Context, id string) (*RemoteExitNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.remoteNodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &n, nil
}

func (m *MemoryStore) CreateRemoteExitNode(_ context.Context, node *RemoteExitNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remoteNodes[node.ID] = *node
	return nil
}

func (m *MemoryStore) GetNewt(_ context.Context, id string) (*Newt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.newts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &n, nil
}

func (m *MemoryStore) CreateNewt(_ context.Context, newt *Newt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.newts[newt.ID] = *newt
	return nil
}

func (m *MemoryStore) ListValidCertificates(_ context.Context, domains []string) ([]Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Certificate
	for _, d := range domains {
		if c, ok := m.certificates[d]; ok && c.Status == CertificateValid {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertCertificate(_ context.Context, cert *Certificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.certificates[cert.Domain]; ok {
		cert.ID = existing.ID
	} else if cert.ID == 0 {
		cert.ID = m.id()
	}
	m.certificates[cert.Domain] = *cert
	return nil
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
