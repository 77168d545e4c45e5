// Package coord implements the control plane: the credential and hybrid HTTP
// API and the control channel hub that exit nodes and sites connect to.
package coord

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/exitplane/internal/alloc"
	"github.com/tunnelmesh/exitplane/internal/auth"
	"github.com/tunnelmesh/exitplane/internal/exitnode"
	"github.com/tunnelmesh/exitplane/internal/metrics"
	"github.com/tunnelmesh/exitplane/internal/site"
	"github.com/tunnelmesh/exitplane/internal/store"
	"github.com/tunnelmesh/exitplane/internal/traefik"
	"github.com/tunnelmesh/exitplane/pkg/proto"
)

// Config configures the control plane server.
type Config struct {
	Listen        string
	APIKey        string
	ExitNodes     exitnode.Config
	SiteBlockSize int
	Traefik       traefik.Config
}

// Server is the control plane HTTP server.
type Server struct {
	cfg       Config
	mux       *http.ServeMux
	store     store.Store
	issuer    *auth.Issuer
	hub       *Hub
	nodes     *exitnode.Registry
	sites     *site.Registrar
	generator *traefik.Generator
	metrics   *metrics.Metrics
}

type claimsKey struct{}

// NewServer wires the registries and routes. ports may be nil for an
// in-process reservation set.
func NewServer(cfg Config, s store.Store, issuer *auth.Issuer, ports *alloc.PortAllocator, m *metrics.Metrics) *Server {
	srv := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		store:     s,
		issuer:    issuer,
		metrics:   m,
		generator: traefik.NewGenerator(s, cfg.Traefik),
	}
	srv.hub = newHub(srv, m)
	dispatcher := &exitnode.TypeDispatcher{
		Local:  exitnode.NewHTTPDispatcher(),
		Remote: &exitnode.ChannelDispatcher{Sender: srv.hub},
	}
	srv.nodes = exitnode.NewRegistry(s, cfg.ExitNodes, dispatcher, m)
	srv.sites = site.NewRegistrar(s, srv.nodes, ports, cfg.SiteBlockSize,
		site.WithSender(srv.hub), site.WithMetrics(m))

	srv.setupRoutes()
	return srv
}

// Registry returns the exit node registry.
func (s *Server) Registry() *exitnode.Registry { return s.nodes }

// Sites returns the site registrar.
func (s *Server) Sites() *site.Registrar { return s.sites }

// Generator returns the routing document generator.
func (s *Server) Generator() *traefik.Generator { return s.generator }

// Hub returns the control channel hub.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/v1/auth/remoteExitNode/get-token", s.handleExitNodeToken)
	s.mux.HandleFunc("/api/v1/auth/newt/get-token", s.handleNewtToken)
	s.mux.HandleFunc("/api/v1/ws", s.hub.handleWS)
	s.mux.HandleFunc("/api/v1/gerbil/get-config", s.handleGerbilConfig)
	s.mux.Handle("/api/v1/hybrid/traefik-config", gzhttp.GzipHandler(s.withAuth(s.handleTraefikConfig)))
	s.mux.Handle("/api/v1/hybrid/certificates/domains", gzhttp.GzipHandler(s.withAuth(s.handleCertificates)))
	s.mux.HandleFunc("/api/v1/resource/", s.withAPIKey(s.handleResource))
	s.mux.Handle("/metrics", metrics.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", s.cfg.Listen).Msg("starting control plane server")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.hub.closeAll()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// withAuth accepts remote exit node bearer tokens.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			s.jsonError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.jsonError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}

		claims, err := s.issuer.Validate(parts[1])
		if err != nil || claims.ClientType != proto.ClientRemoteExitNode {
			s.jsonError(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	}
}

// withAPIKey guards management routes with the configured API key.
func (s *Server) withAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			s.jsonError(w, "management api disabled", http.StatusForbidden)
			return
		}
		key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
			s.jsonError(w, "invalid api key", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func claimsFrom(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey{}).(*auth.Claims)
	return c
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(proto.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// writeData answers with the standard success envelope.
func (s *Server) writeData(w http.ResponseWriter, data any) {
	s.writeDataStatus(w, http.StatusOK, data)
}

func (s *Server) writeDataStatus(w http.ResponseWriter, code int, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.jsonError(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(proto.Response{Success: true, Data: raw})
}
