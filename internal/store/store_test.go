package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	g, err := Open("sqlite", filepath.Join(t.TempDir(), "exitplane.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"gorm":   g,
	}
}

func TestStore_ExitNodes(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			node := &ExitNode{Name: "edge", PublicKey: "pk1", Address: "10.0.0.1/24", ListenPort: 51820, Type: ExitNodeGerbil}
			require.NoError(t, s.CreateExitNode(ctx, node))
			assert.NotZero(t, node.ID)

			got, err := s.GetExitNodeByPublicKey(ctx, "pk1")
			require.NoError(t, err)
			assert.Equal(t, node.ID, got.ID)

			got.ReachableAt = "http://gerbil:3003"
			got.Online = true
			require.NoError(t, s.UpdateExitNode(ctx, got))

			byName, err := s.GetExitNodeByName(ctx, "edge")
			require.NoError(t, err)
			assert.Equal(t, "http://gerbil:3003", byName.ReachableAt)
			assert.True(t, byName.Online)

			_, err = s.GetExitNode(ctx, 9999)
			assert.ErrorIs(t, err, ErrNotFound)

			err = s.UpdateExitNode(ctx, &ExitNode{ID: 9999})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_SitesByExitNode(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateSite(ctx, &Site{OrgID: "org", Name: "a", Type: SiteNewt, ExitNodeID: 1, Subnet: "10.0.0.16/28"}))
			require.NoError(t, s.CreateSite(ctx, &Site{OrgID: "org", Name: "b", Type: SiteNewt, ExitNodeID: 2}))
			require.NoError(t, s.CreateSite(ctx, &Site{OrgID: "org", Name: "c", Type: SiteWireGuard, ExitNodeID: 1}))

			sites, err := s.ListSitesByExitNode(ctx, 1)
			require.NoError(t, err)
			require.Len(t, sites, 2)
			assert.Equal(t, "a", sites[0].Name)
			assert.Equal(t, "c", sites[1].Name)
		})
	}
}

func TestStore_CreateTargetRejectsDuplicates(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := &Target{ResourceID: 1, SiteID: 7, IP: "192.168.1.10", Port: 80, Method: "http", InternalPort: 41000, Enabled: true}
			require.NoError(t, s.CreateTarget(ctx, first))

			dup := &Target{ResourceID: 1, SiteID: 7, IP: "192.168.1.10", Port: 80, Method: "http", InternalPort: 42000, Enabled: true}
			assert.ErrorIs(t, s.CreateTarget(ctx, dup), ErrDuplicateTarget)

			samePort := &Target{ResourceID: 1, SiteID: 7, IP: "192.168.1.11", Port: 80, Method: "http", InternalPort: 41000, Enabled: true}
			assert.ErrorIs(t, s.CreateTarget(ctx, samePort), ErrDuplicateInternalPort)

			otherSite := &Target{ResourceID: 1, SiteID: 8, IP: "192.168.1.10", Port: 80, Method: "http", InternalPort: 41000, Enabled: true}
			require.NoError(t, s.CreateTarget(ctx, otherSite))

			targets, err := s.ListTargetsBySite(ctx, 7)
			require.NoError(t, err)
			assert.Len(t, targets, 1)
		})
	}
}

func TestStore_ExitNodeOrgs(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ok, err := s.ExitNodeOrgAllowed(ctx, 3, "org")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.AddExitNodeOrg(ctx, 3, "org"))
			require.NoError(t, s.AddExitNodeOrg(ctx, 3, "org"))

			ok, err = s.ExitNodeOrgAllowed(ctx, 3, "org")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestStore_Certificates(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.UpsertCertificate(ctx, &Certificate{Domain: "a.example.com", CertPEM: "c1", KeyPEM: "k1", Status: CertificateValid, UpdatedAt: 100}))
			require.NoError(t, s.UpsertCertificate(ctx, &Certificate{Domain: "b.example.com", CertPEM: "c2", KeyPEM: "k2", Status: "pending"}))
			require.NoError(t, s.UpsertCertificate(ctx, &Certificate{Domain: "a.example.com", CertPEM: "c3", KeyPEM: "k3", Status: CertificateValid, UpdatedAt: 200}))

			certs, err := s.ListValidCertificates(ctx, []string{"a.example.com", "b.example.com", "c.example.com"})
			require.NoError(t, err)
			require.Len(t, certs, 1)
			assert.Equal(t, "c3", certs[0].CertPEM)
			assert.Equal(t, int64(200), certs[0].UpdatedAt)
		})
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("postgres", "dsn")
	assert.Error(t, err)
}
