// Package web serves the dashboard-facing read API.
//
// The dashboard polls these endpoints on its own cadence; there is no push.
// Internal failures surface as empty results rather than error payloads, so
// "no data yet" and "something broke" are indistinguishable to clients by
// design; the distinction lives in the logs.
package web

import (
	"context"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/Mohcka/bptf-analyzer/internal/model"
	"github.com/Mohcka/bptf-analyzer/internal/trending"
	"github.com/Mohcka/bptf-analyzer/internal/utils"
)

// Store is the read surface the API queries.
type Store interface {
	TopItemsByActivity(ctx context.Context, count, hoursWindow int) ([]model.ItemActivity, error)
	ItemsWithFilters(ctx context.Context, filter model.ItemFilter) ([]model.ItemActivity, error)
}

// Snapshotter serves the cached trending snapshot.
type Snapshotter interface {
	Latest(ctx context.Context) (*trending.Snapshot, error)
}

// Server hosts the read API.
type Server struct {
	store    Store
	trending Snapshotter
	http     *http.Server
}

// NewServer builds the router and returns an unstarted server.
func NewServer(addr string, store Store, snapshotter Snapshotter) *Server {
	s := &Server{store: store, trending: snapshotter}

	r := mux.NewRouter()
	r.HandleFunc("/api/item-activity", s.handleItemActivity).Methods(http.MethodGet)
	r.HandleFunc("/api/items", s.handleItemsWithFilters).Methods(http.MethodGet)
	r.HandleFunc("/api/trending", s.handleTrending).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("component", "web").Str("addr", s.http.Addr).Msg("read API listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleItemActivity serves the top-N items by update activity with their
// hourly series. Parameters: topItems (1..50, default 10) and hours
// (1..168, default 24).
func (s *Server) handleItemActivity(w http.ResponseWriter, r *http.Request) {
	topItems, err := utils.ParseBoundedInt(r.URL.Query().Get("topItems"), 10, 1, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "topItems must be a number between 1 and 50")
		return
	}
	hours, err := utils.ParseBoundedInt(r.URL.Query().Get("hours"), 24, 1, 168)
	if err != nil {
		writeError(w, http.StatusBadRequest, "hours must be a number between 1 and 168")
		return
	}

	items, err := s.store.TopItemsByActivity(r.Context(), topItems, hours)
	if err != nil {
		log.Error().Str("component", "web").Err(err).Msg("item activity query failed")
		items = []model.ItemActivity{}
	}

	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string]any{
		"meta": map[string]any{
			"topItemsCount": topItems,
			"hoursToShow":   hours,
			"generatedAt":   time.Now().UTC(),
		},
		"items": items,
	})
}

// handleItemsWithFilters serves the filtered ranking. Optional parameters:
// minPrice, maxPrice, quality, hours (1..168, default 24), limit (1..50,
// default 10).
func (s *Server) handleItemsWithFilters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	hours, err := utils.ParseBoundedInt(q.Get("hours"), 24, 1, 168)
	if err != nil {
		writeError(w, http.StatusBadRequest, "hours must be a number between 1 and 168")
		return
	}
	limit, err := utils.ParseBoundedInt(q.Get("limit"), 10, 1, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a number between 1 and 50")
		return
	}
	minPrice, err := utils.ParseOptionalFloat(q.Get("minPrice"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "minPrice must be a number")
		return
	}
	maxPrice, err := utils.ParseOptionalFloat(q.Get("maxPrice"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "maxPrice must be a number")
		return
	}

	filter := model.ItemFilter{
		MinPrice:    minPrice,
		MaxPrice:    maxPrice,
		QualityName: q.Get("quality"),
		HoursWindow: hours,
		Limit:       limit,
	}

	items, err := s.store.ItemsWithFilters(r.Context(), filter)
	if err != nil {
		log.Error().Str("component", "web").Err(err).Msg("filtered items query failed")
		items = []model.ItemActivity{}
	}

	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleTrending serves the pre-computed snapshot fast-path.
func (s *Server) handleTrending(w http.ResponseWriter, r *http.Request) {
	snap, err := s.trending.Latest(r.Context())
	if err != nil {
		log.Error().Str("component", "web").Err(err).Msg("trending snapshot unavailable")
		snap = &trending.Snapshot{Items: []model.ItemActivity{}, GeneratedAt: time.Now().UTC()}
	}

	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Str("component", "web").Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
