package coord

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/exitplane/internal/auth"
	"github.com/tunnelmesh/exitplane/internal/exitnode"
	"github.com/tunnelmesh/exitplane/internal/proxysync"
	"github.com/tunnelmesh/exitplane/internal/site"
	"github.com/tunnelmesh/exitplane/internal/store"
	"github.com/tunnelmesh/exitplane/pkg/proto"
)

func (s *Server) handleExitNodeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req proto.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RemoteExitNodeID == "" {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cred, err := s.store.GetRemoteExitNode(r.Context(), req.RemoteExitNodeID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Str("remote_exit_node_id", req.RemoteExitNodeID).Msg("failed to load exit node credential")
		}
		s.jsonError(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if err := auth.CheckSecret(cred.SecretHash, req.Secret); err != nil {
		log.Warn().Str("remote_exit_node_id", req.RemoteExitNodeID).Msg("exit node token request with wrong secret")
		s.jsonError(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := s.issuer.Issue(auth.Claims{
		ClientType: proto.ClientRemoteExitNode,
		ClientID:   cred.ID,
		ExitNodeID: cred.ExitNodeID,
	})
	if err != nil {
		s.jsonError(w, "failed to issue token", http.StatusInternalServerError)
		return
	}

	log.Info().Str("remote_exit_node_id", cred.ID).Int("exit_node_id", cred.ExitNodeID).Msg("issued exit node token")
	s.writeData(w, proto.TokenData{Token: token})
}

func (s *Server) handleNewtToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req proto.NewtTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NewtID == "" {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cred, err := s.store.GetNewt(r.Context(), req.NewtID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Str("newt_id", req.NewtID).Msg("failed to load site credential")
		}
		s.jsonError(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if err := auth.CheckSecret(cred.SecretHash, req.Secret); err != nil {
		s.jsonError(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := s.issuer.Issue(auth.Claims{
		ClientType: proto.ClientNewt,
		ClientID:   cred.ID,
		SiteID:     cred.SiteID,
	})
	if err != nil {
		s.jsonError(w, "failed to issue token", http.StatusInternalServerError)
		return
	}
	s.writeData(w, proto.TokenData{Token: token})
}

func (s *Server) handleGerbilConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req proto.GerbilConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	node, err := s.nodes.RegisterOrUpdate(r.Context(), req.PublicKey, req.ReachableAt)
	if err != nil {
		if errors.Is(err, exitnode.ErrInvalidKey) {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Error().Err(err).Str("reachable_at", req.ReachableAt).Msg("failed to register exit node")
		s.jsonError(w, "failed to register exit node", http.StatusInternalServerError)
		return
	}

	cfg, err := s.nodes.GenerateConfig(r.Context(), node)
	if err != nil {
		log.Error().Err(err).Int("exit_node_id", node.ID).Msg("failed to generate exit node config")
		s.jsonError(w, "failed to generate config", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cfg)
}

func (s *Server) handleTraefikConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims := claimsFrom(r.Context())

	doc, err := s.generator.Generate(r.Context(), claims.ExitNodeID)
	if err != nil {
		log.Error().Err(err).Int("exit_node_id", claims.ExitNodeID).Msg("failed to generate routing config")
		s.jsonError(w, "failed to generate routing config", http.StatusInternalServerError)
		return
	}
	s.writeData(w, doc)
}

func (s *Server) handleCertificates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var domains []string
	for _, d := range strings.Split(r.URL.Query().Get("domains"), ",") {
		if d = strings.TrimSpace(d); d != "" {
			domains = append(domains, d)
		}
	}
	if len(domains) == 0 {
		s.writeData(w, []proto.Certificate{})
		return
	}

	certs, err := (&proxysync.StoreCertificates{Store: s.store}).Certificates(r.Context(), domains)
	if err != nil {
		log.Error().Err(err).Strs("domains", domains).Msg("failed to load certificates")
		s.jsonError(w, "failed to load certificates", http.StatusInternalServerError)
		return
	}
	s.writeData(w, certs)
}

// targetRequest is the body of a target creation request. Enabled defaults to true.
type targetRequest struct {
	store.Target
	Enabled *bool `json:"enabled"`
}

// handleResource serves /api/v1/resource/{id}/target.
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	idStr, ok := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/api/v1/resource/"), "/target")
	if !ok {
		s.jsonError(w, "not found", http.StatusNotFound)
		return
	}
	resourceID, err := strconv.Atoi(idStr)
	if err != nil || resourceID <= 0 {
		s.jsonError(w, "invalid resource id", http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodPut {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.handleCreateTarget(w, r, resourceID)
}

func (s *Server) handleCreateTarget(w http.ResponseWriter, r *http.Request, resourceID int) {
	var req targetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.IP == "" || req.Port < 1 || req.Port > 65535 {
		s.jsonError(w, "ip and a port between 1 and 65535 are required", http.StatusBadRequest)
		return
	}

	res, err := s.store.GetResource(r.Context(), resourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.jsonError(w, "resource not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Int("resource_id", resourceID).Msg("failed to load resource")
		s.jsonError(w, "failed to load resource", http.StatusInternalServerError)
		return
	}

	target := req.Target
	target.ID = 0
	target.InternalPort = 0
	target.ResourceID = res.ID
	if target.SiteID == 0 {
		target.SiteID = res.SiteID
	}
	target.Enabled = req.Enabled == nil || *req.Enabled

	if err := s.sites.CreateTarget(r.Context(), &target); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.jsonError(w, "site not found", http.StatusNotFound)
		case errors.Is(err, store.ErrDuplicateTarget), errors.Is(err, store.ErrDuplicateInternalPort):
			s.jsonError(w, err.Error(), http.StatusConflict)
		case errors.Is(err, site.ErrTargetOutsideSubnet):
			s.jsonError(w, err.Error(), http.StatusBadRequest)
		default:
			log.Error().Err(err).Int("resource_id", resourceID).Msg("failed to create target")
			s.jsonError(w, "failed to create target", http.StatusInternalServerError)
		}
		return
	}

	s.reloadSiteExitNode(r.Context(), target.SiteID)
	s.writeDataStatus(w, http.StatusCreated, target)
}

// reloadSiteExitNode asks the remote exit node serving a site to resync its
// proxy configuration. Local exit nodes pick changes up on their next sync.
func (s *Server) reloadSiteExitNode(ctx context.Context, siteID int) {
	st, err := s.store.GetSite(ctx, siteID)
	if err != nil || st.ExitNodeID == 0 {
		return
	}
	node, err := s.store.GetExitNode(ctx, st.ExitNodeID)
	if err != nil || node.Type != store.ExitNodeRemote {
		return
	}
	if err := s.hub.SendToExitNode(node.ID, proto.MsgTraefikReload, struct{}{}); err != nil {
		log.Debug().Err(err).Int("exit_node_id", node.ID).Msg("exit node reload not delivered")
		return
	}
	log.Debug().Int("exit_node_id", node.ID).Int("site_id", siteID).Msg("sent proxy reload to exit node")
}
