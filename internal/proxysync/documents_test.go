package proxysync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/exitplane/testutil"
)

func routerDoc(rules ...string) map[string]any {
	routers := map[string]any{}
	for i, r := range rules {
		routers[string(rune('a'+i))+"-router"] = map[string]any{"rule": r}
	}
	return map[string]any{
		"http": map[string]any{
			"routers":     routers,
			"middlewares": map[string]any{},
		},
	}
}

func TestExtractDomains(t *testing.T) {
	tests := []struct {
		name     string
		input    map[string]any
		expected []string
	}{
		{name: "empty document", input: map[string]any{}, expected: []string{}},
		{name: "single host", input: routerDoc("Host(`a.example.com`)"), expected: []string{"a.example.com"}},
		{
			name:     "sorted and deduplicated",
			input:    routerDoc("Host(`b.example.com`)", "Host(`a.example.com`)", "Host(`b.example.com`) && PathPrefix(`/api`)"),
			expected: []string{"a.example.com", "b.example.com"},
		},
		{name: "non host rules ignored", input: routerDoc("HostSNI(`*`)", "PathPrefix(`/`)"), expected: []string{}},
		{name: "invalid hostname dropped", input: routerDoc("Host(`bad..example.com`)"), expected: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExtractDomains(tt.input))
		})
	}
}

func TestInjectBadger(t *testing.T) {
	cfg := BadgerConfig{
		InternalHostname:    "exitplane",
		InternalPort:        3001,
		SessionCookieName:   "p_session_token",
		AccessTokenParam:    "p_token",
		SessionRequestParam: "p_session_request",
	}

	doc := routerDoc("Host(`a.example.com`)")
	InjectBadger(doc, cfg)
	middlewares := doc["http"].(map[string]any)["middlewares"].(map[string]any)
	badger := middlewares[BadgerMiddleware].(map[string]any)["plugin"].(map[string]any)[BadgerMiddleware].(map[string]any)
	assert.Equal(t, "http://exitplane:3001/api/v1", badger["apiBaseUrl"])
	assert.Equal(t, "p_session_token", badger["userSessionCookieName"])
	assert.Equal(t, "p_token", badger["accessTokenQueryParam"])
	assert.Equal(t, "p_session_request", badger["resourceSessionRequestParam"])

	noMiddlewares := map[string]any{"http": map[string]any{"routers": map[string]any{}}}
	InjectBadger(noMiddlewares, cfg)
	assert.NotContains(t, noMiddlewares["http"], "middlewares")

	empty := map[string]any{}
	InjectBadger(empty, cfg)
	assert.Empty(t, empty)
}

func TestTLSDocument_UpsertAndRemoveDir(t *testing.T) {
	doc := &TLSDocument{}
	a := TLSCertificate{CertFile: "/certs/a.example.com/cert.pem", KeyFile: "/certs/a.example.com/key.pem"}
	b := TLSCertificate{CertFile: "/certs/b.example.com/cert.pem", KeyFile: "/certs/b.example.com/key.pem"}

	assert.True(t, doc.Upsert(a))
	assert.True(t, doc.Upsert(b))
	assert.False(t, doc.Upsert(a))
	assert.Equal(t, []TLSCertificate{a, b}, doc.TLS.Certificates)

	moved := TLSCertificate{CertFile: a.CertFile, KeyFile: "/other/key.pem"}
	assert.True(t, doc.Upsert(moved))
	assert.Equal(t, []TLSCertificate{moved, b}, doc.TLS.Certificates)

	assert.True(t, doc.RemoveDir("/certs/b.example.com"))
	assert.False(t, doc.RemoveDir("/certs/c.example.com"))
	assert.Equal(t, []TLSCertificate{moved}, doc.TLS.Certificates)
}

func TestLoadTLSDocument(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	missing := LoadTLSDocument(filepath.Join(dir, "missing.yml"))
	assert.Empty(t, missing.TLS.Certificates)

	path := testutil.TempFile(t, dir, "tls.yml", `tls:
  options:
    default:
      minVersion: VersionTLS12
  certificates:
    - certFile: /certs/a/cert.pem
      keyFile: /certs/a/key.pem
`)
	doc := LoadTLSDocument(path)
	require.Len(t, doc.TLS.Certificates, 1)
	assert.Equal(t, "/certs/a/cert.pem", doc.TLS.Certificates[0].CertFile)
	assert.Contains(t, doc.TLS.Extra, "options")

	garbage := testutil.TempFile(t, dir, "bad.yml", "tls: [")
	assert.Empty(t, LoadTLSDocument(garbage).TLS.Certificates)
}

func TestWriteIfChanged(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := filepath.Join(dir, "nested", "router.yml")
	doc := routerDoc("Host(`a.example.com`)")

	wrote, err := writeIfChanged(path, doc)
	require.NoError(t, err)
	assert.True(t, wrote)

	info, err := os.Stat(path)
	require.NoError(t, err)
	modTime := info.ModTime()

	wrote, err = writeIfChanged(path, routerDoc("Host(`a.example.com`)"))
	require.NoError(t, err)
	assert.False(t, wrote)
	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, modTime, info.ModTime())

	wrote, err = writeIfChanged(path, routerDoc("Host(`b.example.com`)"))
	require.NoError(t, err)
	assert.True(t, wrote)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
