// Package admin exposes an HTTP ops API over the chain registry: endpoint
// health and breaker state per chain, runtime endpoint injection, and
// nonce cache invalidation. Mutating routes pass through audit logging and
// per-IP rate limiting.
package admin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jettran001/diamondBotV2/internal/chain"
	"github.com/jettran001/diamondBotV2/internal/nonce"
	"github.com/jettran001/diamondBotV2/internal/rpcpool"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

// PoolProvider resolves the endpoint pool for a chain. Adapters that
// expose a Pool() accessor satisfy this through a lookup closure.
type PoolProvider func(chainID uint64) (*rpcpool.Pool, error)

// Server provides the HTTP ops API.
type Server struct {
	registry *chain.Registry
	pools    PoolProvider
	nonces   *nonce.Manager
	logger   *slog.Logger
}

func NewServer(registry *chain.Registry, pools PoolProvider, nonces *nonce.Manager, logger *slog.Logger) *Server {
	return &Server{
		registry: registry,
		pools:    pools,
		nonces:   nonces,
		logger:   logger.With("component", "admin"),
	}
}

// Handler returns the HTTP handler for the ops API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ops/v1/chains", s.handleListChains)
	mux.HandleFunc("GET /ops/v1/endpoints", s.handleListEndpoints)
	mux.HandleFunc("POST /ops/v1/endpoints", s.handleAddEndpoint)
	mux.HandleFunc("POST /ops/v1/nonce/invalidate", s.handleInvalidateNonce)

	rl := NewRateLimitMiddleware(s.logger)
	return AuditMiddleware(s.logger, rl.Wrap(mux))
}

func (s *Server) handleListChains(w http.ResponseWriter, r *http.Request) {
	type chainInfo struct {
		ChainID    uint64 `json:"chain_id"`
		Name       string `json:"name"`
		Type       string `json:"type"`
		Endpoints  int    `json:"endpoints"`
		WSEndpoint string `json:"ws_endpoint,omitempty"`
		Confirm    uint64 `json:"confirmation_blocks"`
	}
	var out []chainInfo
	for _, id := range s.registry.ChainIDs() {
		cfg, err := s.registry.Config(id)
		if err != nil {
			continue
		}
		out = append(out, chainInfo{
			ChainID:    id,
			Name:       cfg.Name,
			Type:       string(cfg.Type),
			Endpoints:  len(cfg.Endpoints),
			WSEndpoint: cfg.WSEndpoint,
			Confirm:    cfg.Confirm,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type endpointView struct {
	URL             string  `json:"url"`
	Weight          int     `json:"weight"`
	Health          string  `json:"health"`
	ConsecFailures  int     `json:"consec_failures"`
	LatencyEWMAMs   float64 `json:"latency_ewma_ms"`
	LastCheckedAt   string  `json:"last_checked_at,omitempty"`
	BreakerState    string  `json:"breaker_state"`
	BreakerCooldown string  `json:"breaker_cooldown"`
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	chainID, err := parseChainID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pool, err := s.pools(chainID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	infos := pool.Endpoints()
	out := make([]endpointView, 0, len(infos))
	for _, info := range infos {
		view := endpointView{
			URL:             info.URL,
			Weight:          info.Weight,
			Health:          info.Health.String(),
			ConsecFailures:  info.ConsecFailures,
			LatencyEWMAMs:   info.LatencyEWMA,
			BreakerState:    info.BreakerState.String(),
			BreakerCooldown: info.BreakerCooldown.String(),
		}
		if !info.LastCheckedAt.IsZero() {
			view.LastCheckedAt = info.LastCheckedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddEndpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChainID uint64 `json:"chain_id"`
		URL     string `json:"url"`
		Weight  int    `json:"weight"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("url is required"))
		return
	}
	pool, err := s.pools(req.ChainID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err := pool.AddEndpoint(req.URL, req.Weight); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	s.logger.Info("endpoint added via ops API", "chain_id", req.ChainID, "url", req.URL)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "added"})
}

func (s *Server) handleInvalidateNonce(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChainID uint64 `json:"chain_id"`
		Address string `json:"address"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Address == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("address is required"))
		return
	}
	s.nonces.Invalidate(req.ChainID, req.Address)
	s.logger.Info("nonce invalidated via ops API", "chain_id", req.ChainID, "address", req.Address)
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func parseChainID(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("chain_id")
	if raw == "" {
		return 0, fmt.Errorf("chain_id query parameter is required")
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chain_id %q", raw)
	}
	return id, nil
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
