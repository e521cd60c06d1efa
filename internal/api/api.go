// Package api implements the Query Surface (spec.md §4.H/§6): a plain
// net/http mux serving the read endpoints, deliberately not built on a
// router framework (spec.md §1 non-goal: "no public HTTP framework
// dependency for the read API"), matching how the teacher's own
// query-facing services (stellar-query-api/go/main.go) wire http.ServeMux
// by hand rather than reaching for gorilla/mux or chi.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/withobsrvr/streamdroplets/internal/config"
	"github.com/withobsrvr/streamdroplets/internal/errs"
	"github.com/withobsrvr/streamdroplets/internal/model"
	"github.com/withobsrvr/streamdroplets/internal/storage"
)

// Reader is the read-only surface the API needs from storage.
type Reader interface {
	LatestUserSnapshot(ctx context.Context, address string) (model.UserSnapshot, bool, error)
	UserSnapshotAtTick(ctx context.Context, address string, tickID int64) (model.UserSnapshot, bool, error)
	Leaderboard(ctx context.Context, page storage.Page) ([]model.LeaderboardEntry, error)
	LatestProtocolSnapshot(ctx context.Context) (model.ProtocolSnapshot, bool, error)
	PPSHistory(ctx context.Context, asset string, page storage.Page) ([]model.PPSObservation, error)
	CurrentRound(ctx context.Context, asset string) (model.PPSObservation, bool, error)
	ShareEventsForAddress(ctx context.Context, address string, page storage.Page) ([]model.ShareEvent, error)
	Ping(ctx context.Context) error
}

// Server wires Reader into the HTTP surface.
type Server struct {
	reader Reader
	cfg    config.APIConfig
	logger *zap.Logger
	mux    *http.ServeMux
}

// New builds the Query Surface's handler mux. reg is the registry every
// subsystem's metrics were registered against (internal/core builds it
// once at startup); the supplemented /metrics endpoint serves exactly
// that registry rather than the package-global default.
func New(reader Reader, cfg config.APIConfig, logger *zap.Logger, reg *prometheus.Registry) *Server {
	s := &Server{reader: reader, cfg: cfg, logger: logger, mux: http.NewServeMux()}
	s.routes(reg)
	return s
}

func (s *Server) routes(reg *prometheus.Registry) {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/health/live", s.handleLive)
	s.mux.HandleFunc("/health/ready", s.handleReady)
	var metricsHandler http.Handler
	if reg != nil {
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	} else {
		metricsHandler = promhttp.Handler()
	}
	s.mux.Handle("/metrics", metricsHandler)
	s.mux.HandleFunc("/points/", s.handlePoints)
	s.mux.HandleFunc("/addressBalance/", s.handleAddressBalance)
	s.mux.HandleFunc("/leaderboard", s.handleLeaderboard)
	s.mux.HandleFunc("/protocolStats", s.handleProtocolStats)
	s.mux.HandleFunc("/rounds/", s.handleRounds)
	s.mux.HandleFunc("/events/", s.handleEvents)
}

// Handler exposes the wired mux, e.g. for http.Server.Handler or tests.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "live"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.reader.Ping(ctx); err != nil {
		writeError(w, errs.Wrap(errs.ChainTransient, err, "database not ready"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handlePoints serves GET /points/{address}[?tick=N], spec.md §6.
func (s *Server) handlePoints(w http.ResponseWriter, r *http.Request) {
	address, ok := pathSuffix(r.URL.Path, "/points/")
	if !ok {
		writeError(w, errs.New(errs.Validation, "missing address"))
		return
	}
	var snap model.UserSnapshot
	var found bool
	var err error
	if tickStr := r.URL.Query().Get("tick"); tickStr != "" {
		tickID, convErr := strconv.ParseInt(tickStr, 10, 64)
		if convErr != nil {
			writeError(w, errs.New(errs.Validation, "invalid tick parameter"))
			return
		}
		snap, found, err = s.reader.UserSnapshotAtTick(r.Context(), address, tickID)
	} else {
		snap, found, err = s.reader.LatestUserSnapshot(r.Context(), address)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeError(w, errs.New(errs.NotFound, "no snapshot for address"))
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse(snap))
}

// handleAddressBalance serves GET /addressBalance/{address}: the current
// per-asset share breakdown without the droplet accounting, for callers
// that only need holdings.
func (s *Server) handleAddressBalance(w http.ResponseWriter, r *http.Request) {
	address, ok := pathSuffix(r.URL.Path, "/addressBalance/")
	if !ok {
		writeError(w, errs.New(errs.Validation, "missing address"))
		return
	}
	snap, found, err := s.reader.LatestUserSnapshot(r.Context(), address)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeError(w, errs.New(errs.NotFound, "no balance for address"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":  snap.Address,
		"balances": snap.Balances,
		"integration_legs": snap.IntegrationBreakdown,
	})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	page := s.parsePage(r)
	entries, err := s.reader.Leaderboard(r.Context(), page)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{
			"address":             e.Address,
			"droplets_cumulative": e.DropletsCumulative.String(),
			"last_tick":           e.LastTick,
			"ticks_participated":  e.TicksParticipated,
			"last_active":         e.LastActive,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": out, "limit": page.Limit, "offset": page.Offset})
}

func (s *Server) handleProtocolStats(w http.ResponseWriter, r *http.Request) {
	snap, found, err := s.reader.LatestProtocolSnapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeError(w, errs.New(errs.NotFound, "no protocol snapshot yet"))
		return
	}
	writeJSON(w, http.StatusOK, protocolResponse(snap))
}

// handleRounds serves GET /rounds/{asset} and GET /rounds/{asset}/current.
func (s *Server) handleRounds(w http.ResponseWriter, r *http.Request) {
	rest, ok := pathSuffix(r.URL.Path, "/rounds/")
	if !ok || rest == "" {
		writeError(w, errs.New(errs.Validation, "missing asset"))
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	asset := parts[0]
	if len(parts) == 2 && parts[1] == "current" {
		obs, found, err := s.reader.CurrentRound(r.Context(), asset)
		if err != nil {
			writeError(w, err)
			return
		}
		if !found {
			writeError(w, errs.New(errs.NotFound, "no rounds recorded for asset"))
			return
		}
		writeJSON(w, http.StatusOK, ppsResponse(obs))
		return
	}
	page := s.parsePage(r)
	history, err := s.reader.PPSHistory(r.Context(), asset, page)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(history))
	for _, obs := range history {
		out = append(out, ppsResponse(obs))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rounds": out})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	address, ok := pathSuffix(r.URL.Path, "/events/")
	if !ok {
		writeError(w, errs.New(errs.Validation, "missing address"))
		return
	}
	page := s.parsePage(r)
	events, err := s.reader.ShareEventsForAddress(r.Context(), address, page)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(events))
	for _, e := range events {
		out = append(out, map[string]interface{}{
			"chain":     e.Chain,
			"asset":     e.Asset,
			"kind":      e.Kind,
			"delta":     e.SharesDelta.String(),
			"block":     e.Block,
			"tx_hash":   e.TxHash,
			"log_index": e.LogIndex,
			"timestamp": e.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": out, "limit": page.Limit, "offset": page.Offset})
}

// parsePage applies spec.md §6's pagination defaults and caps, grounded on
// stellar-query-api/go/pagination.go's limit/offset clamp helper.
func (s *Server) parsePage(r *http.Request) storage.Page {
	limit := s.cfg.DefaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > s.cfg.MaxPageSize {
		limit = s.cfg.MaxPageSize
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return storage.Page{Limit: limit, Offset: offset}
}

func pathSuffix(path, prefix string) (string, bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.Trim(rest, "/")
	return rest, rest != ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a Kind to the HTTP status spec.md §7's error table
// specifies.
func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errs.Validation:
		status = http.StatusBadRequest
	case errs.NotFound:
		status = http.StatusNotFound
	case errs.ChainTransient, errs.OracleUnavailable:
		status = http.StatusServiceUnavailable
	case errs.ChainFatal, errs.DeterminismViolation:
		status = http.StatusInternalServerError
	case errs.SchedulerLockHeld:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(kind)})
}

func snapshotResponse(snap model.UserSnapshot) map[string]interface{} {
	return map[string]interface{}{
		"address":             snap.Address,
		"tick_id":             snap.TickID,
		"balances":            snap.Balances,
		"integration_legs":    snap.IntegrationBreakdown,
		"total_usd":           model.DecimalString(snap.TotalUSD),
		"droplets_this_tick":  snap.DropletsThisTick.String(),
		"droplets_cumulative": snap.DropletsCumulative.String(),
		"had_unstake":         snap.HadUnstake,
		"snapshot_at":         snap.SnapshotTimestamp,
	}
}

func protocolResponse(snap model.ProtocolSnapshot) map[string]interface{} {
	return map[string]interface{}{
		"tick_id":             snap.TickID,
		"asset_totals":        snap.AssetTotals,
		"protocol_totals":     snap.ProtocolTotals,
		"unique_users":        snap.UniqueUsers,
		"droplets_this_tick":  snap.DropletsThisTick.String(),
		"droplets_cumulative": snap.DropletsCumulative.String(),
		"partial":             snap.Partial,
		"snapshot_at":         snap.SnapshotTimestamp,
	}
}

func ppsResponse(obs model.PPSObservation) map[string]interface{} {
	return map[string]interface{}{
		"asset":     obs.Asset,
		"round_id":  obs.RoundID,
		"pps":       obs.PPS.String(),
		"pps_scale": obs.PPSScale,
	}
}
