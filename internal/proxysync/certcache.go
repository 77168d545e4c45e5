package proxysync

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/exitplane/pkg/proto"
)

// File names inside a domain's certificate directory.
const (
	CertFileName       = "cert.pem"
	KeyFileName        = "key.pem"
	LastUpdateFileName = ".last_update"
)

// CachedCert is the on-disk state of one domain's certificate.
type CachedCert struct {
	Exists     bool
	LastUpdate time.Time
	ExpiresAt  time.Time
}

// CertCache mirrors certificates into per-domain directories.
type CertCache struct {
	dir string
}

// NewCertCache creates a cache rooted at dir.
func NewCertCache(dir string) *CertCache {
	return &CertCache{dir: dir}
}

// Dir returns the cache root.
func (c *CertCache) Dir() string { return c.dir }

// DomainDir returns the directory holding domain's files.
func (c *CertCache) DomainDir(domain string) string {
	return filepath.Join(c.dir, domain)
}

// Entry returns the TLS document entry for domain.
func (c *CertCache) Entry(domain string) TLSCertificate {
	dir := c.DomainDir(domain)
	return TLSCertificate{
		CertFile: filepath.Join(dir, CertFileName),
		KeyFile:  filepath.Join(dir, KeyFileName),
	}
}

// State reads the cached state of domain. Exists is false unless both the
// certificate and the key are present.
func (c *CertCache) State(domain string) CachedCert {
	entry := c.Entry(domain)
	var state CachedCert

	certPEM, err := os.ReadFile(entry.CertFile)
	if err != nil {
		return state
	}
	if _, err := os.Stat(entry.KeyFile); err != nil {
		return state
	}
	state.Exists = true

	if notAfter, err := certExpiry(certPEM); err == nil {
		state.ExpiresAt = notAfter
	} else {
		log.Debug().Err(err).Str("domain", domain).Msg("could not read certificate expiry")
	}

	if raw, err := os.ReadFile(filepath.Join(c.DomainDir(domain), LastUpdateFileName)); err == nil {
		if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(string(raw))); err == nil {
			state.LastUpdate = ts
		}
	}
	return state
}

// NeedsWrite reports whether cert must be written over the cached copy: the
// cached files are missing, or the source changed after the last write. A
// source without updatedAt is compared by content.
func (c *CertCache) NeedsWrite(cert proto.Certificate) bool {
	state := c.State(cert.Domain)
	lastUpdate, err := os.Stat(filepath.Join(c.DomainDir(cert.Domain), LastUpdateFileName))
	if !state.Exists || err != nil || lastUpdate.IsDir() {
		return true
	}

	if cert.UpdatedAt == 0 {
		return !c.sameContent(cert)
	}
	if state.LastUpdate.IsZero() {
		return true
	}
	return cert.UpdatedAt > state.LastUpdate.Unix()
}

func (c *CertCache) sameContent(cert proto.Certificate) bool {
	entry := c.Entry(cert.Domain)
	certPEM, err := os.ReadFile(entry.CertFile)
	if err != nil || string(certPEM) != cert.CertFile {
		return false
	}
	keyPEM, err := os.ReadFile(entry.KeyFile)
	return err == nil && string(keyPEM) == cert.KeyFile
}

// Write stores cert and key with owner-only key permissions and stamps
// .last_update with now.
func (c *CertCache) Write(cert proto.Certificate, now time.Time) error {
	dir := c.DomainDir(cert.Domain)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create certificate dir: %w", err)
	}
	entry := c.Entry(cert.Domain)

	if err := os.WriteFile(entry.CertFile, []byte(cert.CertFile), 0644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	if err := os.Chmod(entry.CertFile, 0644); err != nil {
		return fmt.Errorf("chmod certificate: %w", err)
	}
	if err := os.WriteFile(entry.KeyFile, []byte(cert.KeyFile), 0600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	if err := os.Chmod(entry.KeyFile, 0600); err != nil {
		return fmt.Errorf("chmod key: %w", err)
	}
	stamp := now.UTC().Format(time.RFC3339)
	if err := os.WriteFile(filepath.Join(dir, LastUpdateFileName), []byte(stamp), 0644); err != nil {
		return fmt.Errorf("write last update: %w", err)
	}
	return nil
}

// Cleanup removes every domain directory that is neither an active domain nor
// a direct single-label child of one, and returns the removed directories.
func (c *CertCache) Cleanup(active []string) ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read certificates dir: %w", err)
	}

	var removed []string
	for _, e := range entries {
		if !e.IsDir() || keepDir(e.Name(), active) {
			continue
		}
		dir := c.DomainDir(e.Name())
		if err := os.RemoveAll(dir); err != nil {
			log.Error().Err(err).Str("domain", e.Name()).Msg("failed to remove unused certificate dir")
			continue
		}
		log.Info().Str("domain", e.Name()).Msg("removed unused certificate dir")
		removed = append(removed, dir)
	}
	return removed, nil
}

func keepDir(name string, active []string) bool {
	for _, d := range active {
		if name == d {
			return true
		}
		if label, ok := strings.CutSuffix(name, "."+d); ok && label != "" && !strings.Contains(label, ".") {
			return true
		}
	}
	return false
}

func certExpiry(certPEM []byte) (time.Time, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return time.Time{}, errors.New("no PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse certificate: %w", err)
	}
	return cert.NotAfter, nil
}
