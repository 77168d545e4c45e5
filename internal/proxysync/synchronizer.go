// Package proxysync keeps the reverse proxy's dynamic routing and TLS
// configuration in step with the certificate store.
package proxysync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/exitplane/internal/metrics"
)

// Scheduling and certificate refresh defaults.
const (
	DefaultInterval       = 5 * time.Second
	CertificateRefreshAge = 24 * time.Hour
	ExpiryWindow          = 30 * 24 * time.Hour
)

// Write kinds reported in RunResult.Writes.
const (
	WriteCertificate = "certificate"
	WriteTLS         = "tls"
	WriteRouter      = "router"
)

// Config configures a Synchronizer.
type Config struct {
	Interval         time.Duration
	CertificatesPath string
	RouterConfigPath string
	TLSConfigPath    string
	Badger           BadgerConfig
}

// RunResult describes one reconciliation run.
type RunResult struct {
	Domains             []string
	CertificatesFetched bool
	Writes              map[string]int
	RemovedDirs         []string
}

// TotalWrites is the number of files written during the run.
func (r *RunResult) TotalWrites() int {
	n := 0
	for _, w := range r.Writes {
		n += w
	}
	return n
}

// Status is a snapshot of the synchronizer's state.
type Status struct {
	Running              bool
	LastRun              time.Time
	LastCertificateFetch time.Time
	ActiveDomains        []string
	LastError            string
}

// Synchronizer reconciles the proxy's dynamic configuration on a wall-clock
// aligned schedule.
type Synchronizer struct {
	cfg     Config
	routing RoutingSource
	certs   CertificateSource
	sni     SNIPusher
	cache   *CertCache
	metrics *metrics.Metrics
	now     func() time.Time

	// runMu keeps runs from overlapping.
	runMu sync.Mutex

	mu            sync.Mutex
	running       bool
	lastRun       time.Time
	lastFetch     time.Time
	lastDomains   []string
	activeDomains []string
	lastErr       error

	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a synchronizer. sni may be nil to skip the SNI push.
func New(cfg Config, routing RoutingSource, certs CertificateSource, sni SNIPusher, m *metrics.Metrics) *Synchronizer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Synchronizer{
		cfg:     cfg,
		routing: routing,
		certs:   certs,
		sni:     sni,
		cache:   NewCertCache(cfg.CertificatesPath),
		metrics: m,
		now:     time.Now,
		trigger: make(chan struct{}, 1),
	}
}

// nextDelay returns the time until the next multiple of interval since the
// Unix epoch. A time exactly on a boundary waits a full interval.
func nextDelay(now time.Time, interval time.Duration) time.Duration {
	step := int64(interval)
	next := (now.UnixNano()/step + 1) * step
	return time.Duration(next - now.UnixNano())
}

// Start runs once, then keeps running on interval boundaries and on Trigger
// until Stop is called. Calling Start twice is a no-op.
func (s *Synchronizer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Info().Msg("proxy config synchronizer already running")
		return
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	log.Info().Dur("interval", s.cfg.Interval).Msg("starting proxy config synchronizer")
	go s.loop(ctx)
}

func (s *Synchronizer) loop(ctx context.Context) {
	defer close(s.done)

	s.runLogged(ctx)
	for {
		timer := time.NewTimer(nextDelay(s.now(), s.cfg.Interval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-s.trigger:
			timer.Stop()
		}
		s.runLogged(ctx)
	}
}

func (s *Synchronizer) runLogged(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("proxy config sync failed")
	}
}

// Stop cancels the schedule and waits for an in-flight run to finish.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	log.Info().Msg("proxy config synchronizer stopped")
}

// Trigger requests an immediate run. Requests made while a run is pending coalesce.
func (s *Synchronizer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// ForceCertificateRefresh makes the next run fetch certificates and requests it.
func (s *Synchronizer) ForceCertificateRefresh() {
	s.mu.Lock()
	s.lastFetch = time.Time{}
	s.lastDomains = nil
	s.mu.Unlock()
	log.Info().Msg("forcing certificate refresh")
	s.Trigger()
}

// Status returns a snapshot of the synchronizer.
func (s *Synchronizer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:              s.running,
		LastRun:              s.lastRun,
		LastCertificateFetch: s.lastFetch,
		ActiveDomains:        slices.Clone(s.activeDomains),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// RunOnce performs one reconciliation run. A second run against unchanged
// upstream state writes nothing.
func (s *Synchronizer) RunOnce(ctx context.Context) (*RunResult, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	result := &RunResult{Writes: map[string]int{}}
	err := s.run(ctx, result)
	now := s.now()

	s.mu.Lock()
	s.lastRun = now
	s.lastErr = err
	if err == nil {
		s.activeDomains = result.Domains
	}
	s.mu.Unlock()

	s.metrics.ObserveSyncRun(now, err, result.Writes, len(result.Domains))
	return result, err
}

func (s *Synchronizer) run(ctx context.Context, result *RunResult) error {
	doc, err := s.routing.RoutingConfig(ctx)
	if err != nil {
		return fmt.Errorf("fetch routing config: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	domains := ExtractDomains(doc)
	InjectBadger(doc, s.cfg.Badger)
	result.Domains = domains

	s.mu.Lock()
	if !slices.Equal(domains, s.activeDomains) {
		log.Info().Strs("domains", domains).Msg("active domains changed")
	}
	s.mu.Unlock()

	tls := LoadTLSDocument(s.cfg.TLSConfigPath)

	if s.shouldFetch(domains) {
		if err := s.fetchCertificates(ctx, domains, tls, result); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("failed to fetch certificates")
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	for _, d := range domains {
		if s.cache.State(d).Exists {
			tls.Upsert(s.cache.Entry(d))
		}
	}

	removed, err := s.cache.Cleanup(domains)
	if err != nil {
		log.Error().Err(err).Msg("failed to clean up certificates")
	}
	for _, dir := range removed {
		tls.RemoveDir(dir)
	}
	result.RemovedDirs = removed

	wrote, err := writeIfChanged(s.cfg.TLSConfigPath, tls)
	if err != nil {
		return fmt.Errorf("write tls config: %w", err)
	}
	if wrote {
		result.Writes[WriteTLS]++
		log.Info().Str("path", s.cfg.TLSConfigPath).Msg("tls config updated")
	}

	wrote, err = writeIfChanged(s.cfg.RouterConfigPath, doc)
	if err != nil {
		return fmt.Errorf("write router config: %w", err)
	}
	if wrote {
		result.Writes[WriteRouter]++
		log.Info().Str("path", s.cfg.RouterConfigPath).Msg("router config updated")
	}

	if s.sni != nil {
		if err := s.sni.PushSNIs(ctx, domains); err != nil {
			log.Error().Err(err).Int("domains", len(domains)).Msg("failed to push domains to sni router")
		}
	}
	return nil
}

// shouldFetch reports whether certificates must be fetched this run.
func (s *Synchronizer) shouldFetch(domains []string) bool {
	s.mu.Lock()
	lastFetch, lastDomains := s.lastFetch, s.lastDomains
	s.mu.Unlock()

	if lastFetch.IsZero() {
		return true
	}
	now := s.now()
	if now.Sub(lastFetch) > CertificateRefreshAge {
		log.Info().Msg("fetching certificates for daily renewal check")
		return true
	}
	if !slices.Equal(domains, lastDomains) {
		log.Info().Msg("fetching certificates after domain change")
		return true
	}
	for _, d := range domains {
		state := s.cache.State(d)
		if !state.Exists {
			log.Info().Str("domain", d).Msg("fetching certificates for missing local certificate")
			return true
		}
		if !state.ExpiresAt.IsZero() && state.ExpiresAt.Sub(now) < ExpiryWindow {
			log.Info().Str("domain", d).Time("expires_at", state.ExpiresAt).Msg("fetching certificates for upcoming expiry")
			return true
		}
	}
	return false
}

func (s *Synchronizer) fetchCertificates(ctx context.Context, domains []string, tls *TLSDocument, result *RunResult) error {
	if len(domains) == 0 {
		s.markFetched(domains)
		return nil
	}

	certs, err := s.certs.Certificates(ctx, domains)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	result.CertificatesFetched = true
	log.Info().Int("certificates", len(certs)).Int("domains", len(domains)).Msg("fetched certificates")

	for _, cert := range certs {
		if cert.CertFile == "" || cert.KeyFile == "" {
			log.Warn().Str("domain", cert.Domain).Msg("certificate is missing cert or key")
			continue
		}
		if !slices.Contains(domains, cert.Domain) {
			continue
		}
		if s.cache.NeedsWrite(cert) {
			if err := s.cache.Write(cert, s.now()); err != nil {
				log.Error().Err(err).Str("domain", cert.Domain).Msg("failed to write certificate")
				continue
			}
			result.Writes[WriteCertificate]++
			log.Info().Str("domain", cert.Domain).Msg("certificate updated")
		}
		tls.Upsert(s.cache.Entry(cert.Domain))
	}

	s.markFetched(domains)
	return nil
}

func (s *Synchronizer) markFetched(domains []string) {
	s.mu.Lock()
	s.lastFetch = s.now()
	s.lastDomains = slices.Clone(domains)
	s.mu.Unlock()
}
