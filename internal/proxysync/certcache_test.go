package proxysync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/exitplane/pkg/proto"
	"github.com/tunnelmesh/exitplane/testutil"
)

func testCert(t *testing.T, domain string, notAfter time.Time, updatedAt int64) proto.Certificate {
	t.Helper()
	certPEM, keyPEM := testutil.SelfSignedCert(t, domain, notAfter)
	return proto.Certificate{
		Domain:    domain,
		CertFile:  certPEM,
		KeyFile:   keyPEM,
		ExpiresAt: notAfter.Unix(),
		UpdatedAt: updatedAt,
	}
}

func TestCertCache_WriteAndState(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	cache := NewCertCache(dir)

	notAfter := time.Now().Add(90 * 24 * time.Hour).Truncate(time.Second)
	cert := testCert(t, "a.example.com", notAfter, time.Now().Add(-time.Hour).Unix())

	assert.False(t, cache.State("a.example.com").Exists)
	now := time.Now()
	require.NoError(t, cache.Write(cert, now))

	state := cache.State("a.example.com")
	assert.True(t, state.Exists)
	assert.Equal(t, notAfter.UTC(), state.ExpiresAt.UTC())
	assert.Equal(t, now.Unix(), state.LastUpdate.Unix())

	entry := cache.Entry("a.example.com")
	certInfo, err := os.Stat(entry.CertFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), certInfo.Mode().Perm())
	keyInfo, err := os.Stat(entry.KeyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), keyInfo.Mode().Perm())
}

func TestCertCache_NeedsWrite(t *testing.T) {
	now := time.Now()
	notAfter := now.Add(90 * 24 * time.Hour)

	tests := []struct {
		name     string
		setup    func(t *testing.T, cache *CertCache, cert proto.Certificate)
		mutate   func(cert *proto.Certificate)
		expected bool
	}{
		{
			name:     "nothing cached",
			setup:    func(*testing.T, *CertCache, proto.Certificate) {},
			expected: true,
		},
		{
			name: "cached copy newer than source",
			setup: func(t *testing.T, cache *CertCache, cert proto.Certificate) {
				require.NoError(t, cache.Write(cert, now))
			},
			expected: false,
		},
		{
			name: "source updated after cached copy",
			setup: func(t *testing.T, cache *CertCache, cert proto.Certificate) {
				require.NoError(t, cache.Write(cert, now.Add(-2*time.Hour)))
			},
			expected: true,
		},
		{
			name: "last update file missing",
			setup: func(t *testing.T, cache *CertCache, cert proto.Certificate) {
				require.NoError(t, cache.Write(cert, now))
				require.NoError(t, os.Remove(filepath.Join(cache.DomainDir(cert.Domain), LastUpdateFileName)))
			},
			expected: true,
		},
		{
			name: "key missing",
			setup: func(t *testing.T, cache *CertCache, cert proto.Certificate) {
				require.NoError(t, cache.Write(cert, now))
				require.NoError(t, os.Remove(cache.Entry(cert.Domain).KeyFile))
			},
			expected: true,
		},
		{
			name: "no updatedAt and same content",
			setup: func(t *testing.T, cache *CertCache, cert proto.Certificate) {
				require.NoError(t, cache.Write(cert, now))
			},
			mutate:   func(c *proto.Certificate) { c.UpdatedAt = 0 },
			expected: false,
		},
		{
			name: "no updatedAt and different content",
			setup: func(t *testing.T, cache *CertCache, cert proto.Certificate) {
				require.NoError(t, cache.Write(cert, now))
			},
			mutate: func(c *proto.Certificate) {
				c.UpdatedAt = 0
				c.KeyFile = "rotated"
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, cleanup := testutil.TempDir(t)
			defer cleanup()
			cache := NewCertCache(dir)

			cert := testCert(t, "a.example.com", notAfter, now.Add(-time.Hour).Unix())
			tt.setup(t, cache, cert)
			if tt.mutate != nil {
				tt.mutate(&cert)
			}
			assert.Equal(t, tt.expected, cache.NeedsWrite(cert))
		})
	}
}

func TestCertCache_Cleanup(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	cache := NewCertCache(dir)

	for _, d := range []string{"example.com", "a.example.com", "x.a.example.com", "y.x.a.example.com", "other.org"} {
		require.NoError(t, os.MkdirAll(cache.DomainDir(d), 0755))
	}
	testutil.TempFile(t, dir, "stray-file", "ignored")

	removed, err := cache.Cleanup([]string{"a.example.com"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		cache.DomainDir("example.com"),
		cache.DomainDir("y.x.a.example.com"),
		cache.DomainDir("other.org"),
	}, removed)

	assert.DirExists(t, cache.DomainDir("a.example.com"))
	assert.DirExists(t, cache.DomainDir("x.a.example.com"))
	assert.NoDirExists(t, cache.DomainDir("example.com"))
	assert.FileExists(t, filepath.Join(dir, "stray-file"))
}

func TestCertCache_CleanupMissingDir(t *testing.T) {
	cache := NewCertCache(filepath.Join(os.TempDir(), "exitplane-does-not-exist"))
	removed, err := cache.Cleanup([]string{"a.example.com"})
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestKeepDir(t *testing.T) {
	active := []string{"a.example.com"}
	tests := []struct {
		input    string
		expected bool
	}{
		{input: "a.example.com", expected: true},
		{input: "x.a.example.com", expected: true},
		{input: "example.com", expected: false},
		{input: "y.x.a.example.com", expected: false},
		{input: "ba.example.com", expected: false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, keepDir(tt.input, active))
		})
	}
}
