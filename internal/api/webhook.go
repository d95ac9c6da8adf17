package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/botpros-admin/qb-bitrix-connector/internal/bitrix"
	"github.com/botpros-admin/qb-bitrix-connector/internal/service"
)

const maxWebhookBody = 1 << 20

// webhookEvent is the part of a Bitrix24 outbound event the bridge uses.
type webhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Fields struct {
			ID json.Number `json:"ID"`
		} `json:"FIELDS"`
	} `json:"data"`
	Auth struct {
		ApplicationToken string `json:"application_token"`
	} `json:"auth"`
}

// parseWebhookEvent accepts the form encoding Bitrix24 sends and a JSON equivalent.
func parseWebhookEvent(r *http.Request) (*webhookEvent, error) {
	var ev webhookEvent
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "application/json" {
		dec := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody))
		dec.UseNumber()
		if err := dec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		return &ev, nil
	}

	r.Body = io.NopCloser(io.LimitReader(r.Body, maxWebhookBody))
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("invalid form body: %w", err)
	}
	ev.Event = r.PostForm.Get("event")
	ev.Data.Fields.ID = json.Number(r.PostForm.Get("data[FIELDS][ID]"))
	ev.Auth.ApplicationToken = r.PostForm.Get("auth[application_token]")
	return &ev, nil
}

func (s *HTTPServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ev, err := parseWebhookEvent(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ev.Event == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}

	if token := s.cfg.Webhook.ApplicationToken; token != "" {
		if subtle.ConstantTimeCompare([]byte(token), []byte(ev.Auth.ApplicationToken)) != 1 {
			s.logger.Warn().Str("event", ev.Event).Str("remote", r.RemoteAddr).Msg("Bitrix24 webhook with bad application token")
			writeError(w, http.StatusForbidden, "invalid application token")
			return
		}
	}

	id := strings.TrimSpace(ev.Data.Fields.ID.String())
	entry, err := s.intake.HandleEvent(r.Context(), ev.Event, id)
	switch {
	case errors.Is(err, service.ErrInvalidChange):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, bitrix.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "bitrix24 is not configured")
		return
	case err != nil:
		s.logger.Error().Err(err).Str("event", ev.Event).Str("id", id).Msg("Failed to queue Bitrix24 change")
		writeError(w, http.StatusBadGateway, "failed to queue change")
		return
	}

	if entry == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored", "event": ev.Event})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "queued",
		"change_queue_id": entry.ID,
		"entity_type":     entry.EntityType,
		"remote_id":       entry.RemoteID,
		"action":          entry.Action,
	})
}
