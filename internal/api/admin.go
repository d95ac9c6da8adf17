package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/botpros-admin/qb-bitrix-connector/internal/database"
	"github.com/botpros-admin/qb-bitrix-connector/internal/metrics"
	"github.com/botpros-admin/qb-bitrix-connector/internal/models"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxExportRows    = 10000
)

func listLimit(r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}

func (s *HTTPServer) handleFailedChanges(w http.ResponseWriter, r *http.Request) {
	limit, ok := listLimit(r, defaultListLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	entries, err := s.store.FailedChanges(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list failed changes")
		writeError(w, http.StatusInternalServerError, "failed to list changes")
		return
	}
	if entries == nil {
		entries = []models.ChangeQueueEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": entries})
}

// handleRequeue moves a failed change back to pending; the next Web Connector run picks it up.
func (s *HTTPServer) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid change id")
		return
	}

	err = s.store.RequeueChange(r.Context(), id)
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "change not found")
		return
	case errors.Is(err, database.ErrNotFailed):
		writeError(w, http.StatusConflict, "only failed changes can be requeued")
		return
	case err != nil:
		s.logger.Error().Err(err).Int64("change_queue_id", id).Msg("Failed to requeue change")
		writeError(w, http.StatusInternalServerError, "failed to requeue change")
		return
	}

	metrics.IncChange(models.StatusPending)
	s.logger.Info().Int64("change_queue_id", id).Msg("Change requeued by operator")

	entry, err := s.store.GetChange(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": models.StatusPending})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *HTTPServer) handleSyncLog(w http.ResponseWriter, r *http.Request) {
	limit, ok := listLimit(r, defaultListLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	entries, err := s.store.RecentSyncLog(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read sync log")
		writeError(w, http.StatusInternalServerError, "failed to read sync log")
		return
	}
	if entries == nil {
		entries = []models.SyncLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *HTTPServer) handleSyncLogExport(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.RecentSyncLog(r.Context(), maxExportRows)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read sync log")
		writeError(w, http.StatusInternalServerError, "failed to read sync log")
		return
	}

	f, err := SyncLogWorkbook(entries)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to build sync log workbook")
		writeError(w, http.StatusInternalServerError, "failed to export sync log")
		return
	}
	defer f.Close()

	name := "sync_log_" + time.Now().UTC().Format("2006-01-02") + ".xlsx"
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	if _, err := f.WriteTo(w); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write sync log workbook")
	}
}
