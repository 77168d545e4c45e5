package proxysync

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// BadgerMiddleware is the auth plugin middleware injected into routing documents.
const BadgerMiddleware = "badger"

var hostRule = regexp.MustCompile("Host\\(`([^`]+)`\\)")

// BadgerConfig configures the auth plugin middleware.
type BadgerConfig struct {
	InternalHostname    string
	InternalPort        int
	SessionCookieName   string
	AccessTokenParam    string
	SessionRequestParam string
}

func (b BadgerConfig) apiBaseURL() string {
	u := url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("%s:%d", b.InternalHostname, b.InternalPort),
		Path:   "/api/v1",
	}
	return u.String()
}

// ExtractDomains returns the sorted, de-duplicated hostnames matched by the
// Host rules of the document's HTTP routers. Invalid hostnames are dropped.
func ExtractDomains(doc map[string]any) []string {
	httpSection, _ := doc["http"].(map[string]any)
	routers, _ := httpSection["routers"].(map[string]any)

	seen := make(map[string]struct{})
	for name, r := range routers {
		router, ok := r.(map[string]any)
		if !ok {
			continue
		}
		rule, _ := router["rule"].(string)
		m := hostRule.FindStringSubmatch(rule)
		if m == nil {
			continue
		}
		if _, ok := dns.IsDomainName(m[1]); !ok {
			log.Warn().Str("router", name).Str("domain", m[1]).Msg("ignoring invalid host rule domain")
			continue
		}
		seen[m[1]] = struct{}{}
	}

	domains := make([]string, 0, len(seen))
	for d := range seen {
		domains = append(domains, d)
	}
	slices.Sort(domains)
	return domains
}

// InjectBadger adds the auth plugin middleware when the document defines HTTP middlewares.
func InjectBadger(doc map[string]any, cfg BadgerConfig) {
	httpSection, _ := doc["http"].(map[string]any)
	middlewares, ok := httpSection["middlewares"].(map[string]any)
	if !ok {
		return
	}
	middlewares[BadgerMiddleware] = map[string]any{
		"plugin": map[string]any{
			BadgerMiddleware: map[string]any{
				"apiBaseUrl":                  cfg.apiBaseURL(),
				"userSessionCookieName":       cfg.SessionCookieName,
				"accessTokenQueryParam":       cfg.AccessTokenParam,
				"resourceSessionRequestParam": cfg.SessionRequestParam,
			},
		},
	}
}

// TLSCertificate is one entry of the TLS document.
type TLSCertificate struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// TLSSection is the tls key of the TLS document. Keys other than certificates
// are carried through untouched.
type TLSSection struct {
	Certificates []TLSCertificate `yaml:"certificates"`
	Extra        map[string]any   `yaml:",inline"`
}

// TLSDocument is the proxy's dynamic TLS configuration.
type TLSDocument struct {
	TLS   TLSSection     `yaml:"tls"`
	Extra map[string]any `yaml:",inline"`
}

// Upsert replaces the entry with the same cert or key path, or appends one.
// It reports whether the document changed.
func (d *TLSDocument) Upsert(entry TLSCertificate) bool {
	for i, e := range d.TLS.Certificates {
		if e.CertFile == entry.CertFile || e.KeyFile == entry.KeyFile {
			if e == entry {
				return false
			}
			d.TLS.Certificates[i] = entry
			return true
		}
	}
	d.TLS.Certificates = append(d.TLS.Certificates, entry)
	return true
}

// RemoveDir strips every entry whose cert or key lives in dir.
func (d *TLSDocument) RemoveDir(dir string) bool {
	before := len(d.TLS.Certificates)
	d.TLS.Certificates = slices.DeleteFunc(d.TLS.Certificates, func(e TLSCertificate) bool {
		return filepath.Dir(e.CertFile) == dir || filepath.Dir(e.KeyFile) == dir
	})
	return len(d.TLS.Certificates) != before
}

// LoadTLSDocument reads the TLS document at path. A missing or unreadable
// document yields an empty one.
func LoadTLSDocument(path string) *TLSDocument {
	doc := &TLSDocument{}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Error().Err(err).Str("path", path).Msg("failed to read tls config")
		}
		return doc
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to parse tls config, starting empty")
		return &TLSDocument{}
	}
	return doc
}

// writeIfChanged serializes v as YAML and writes it only when the bytes differ
// from the file on disk. It reports whether a write happened.
func writeIfChanged(path string, v any) (bool, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("marshal %s: %w", path, err)
	}

	current, err := os.ReadFile(path)
	if err == nil && bytes.Equal(current, data) {
		return false, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("read %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("create dir for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return false, fmt.Errorf("replace %s: %w", path, err)
	}
	return true, nil
}
