package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/yangwenmai/repoharvest/internal/model"
	"github.com/yangwenmai/repoharvest/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ---------------------------------------------------------------------------
// GET /api/items
// ---------------------------------------------------------------------------

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.ItemFilter{
		Sources: splitComma(q.Get("source")),
		Query:   q.Get("q"),
		Limit:   defaultListLimit,
	}
	for _, raw := range splitComma(q.Get("status")) {
		st, err := model.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	for _, raw := range splitComma(q.Get("mode")) {
		mode := model.DiscoveryMode(raw)
		if mode != model.DiscoveryOAI && mode != model.DiscoveryKeyword {
			writeError(w, http.StatusBadRequest, "mode must be oai or keyword")
			return
		}
		filter.DiscoveryModes = append(filter.DiscoveryModes, mode)
	}
	var ok bool
	if filter.Limit, ok = intParam(q.Get("limit"), defaultListLimit); !ok || filter.Limit < 1 || filter.Limit > maxListLimit {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
		return
	}
	if filter.Offset, ok = intParam(q.Get("offset"), 0); !ok || filter.Offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	items, err := s.store.ListItems(r.Context(), filter)
	if err != nil {
		s.logger.Error("list items", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	if items == nil {
		items = []model.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

// ---------------------------------------------------------------------------
// GET /api/items/{id}
// ---------------------------------------------------------------------------

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	item, err := s.store.GetItem(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		s.logger.Error("get item", "item_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get item")
		return
	}
	if item.Files == nil {
		item.Files = []model.FileArtifact{}
	}

	writeJSON(w, http.StatusOK, item)
}

// ---------------------------------------------------------------------------
// POST /api/items/{id}/retry
// ---------------------------------------------------------------------------

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	item, err := s.store.GetItem(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		s.logger.Error("get item", "item_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get item")
		return
	}

	if !item.Status.IsError() {
		writeError(w, http.StatusConflict, "only ERROR_EXTRACTION or ERROR_DOWNLOAD items can be retried")
		return
	}
	next := item.PendingStatus()
	if err := item.ValidateTransition(next); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	if err := s.store.SetItemStatus(r.Context(), id, next); err != nil {
		s.logger.Error("retry item", "item_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update status")
		return
	}
	s.logger.Info("item reset for retry", "item_id", id, "from", item.Status, "to", next)

	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(next)})
}

// ---------------------------------------------------------------------------
// GET /api/stats
// ---------------------------------------------------------------------------

type statsResponse struct {
	Items []store.StatusCount `json:"items"`
	Files []store.FileCount   `json:"files"`
	Total int                 `json:"total"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.CountItemsByStatus(r.Context())
	if err != nil {
		s.logger.Error("count items", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to count items")
		return
	}
	files, err := s.store.CountFilesByTypeAndStatus(r.Context())
	if err != nil {
		s.logger.Error("count files", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to count files")
		return
	}

	resp := statsResponse{Items: items, Files: files}
	if resp.Items == nil {
		resp.Items = []store.StatusCount{}
	}
	if resp.Files == nil {
		resp.Files = []store.FileCount{}
	}
	for _, c := range items {
		resp.Total += c.Count
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// GET /api/health
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func intParam(raw string, fallback int) (int, bool) {
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
