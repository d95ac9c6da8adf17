package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/botpros-admin/qb-bitrix-connector/internal/config"
	"github.com/botpros-admin/qb-bitrix-connector/internal/metrics"
	"github.com/botpros-admin/qb-bitrix-connector/internal/models"
	"github.com/botpros-admin/qb-bitrix-connector/internal/service"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// WebConnector is the QBWC session protocol served over SOAP.
type WebConnector interface {
	Authenticate(ctx context.Context, user, password string) (string, string, error)
	NextRequest(ctx context.Context, ticket string, client service.ClientContext) string
	SubmitResponse(ctx context.Context, ticket, response, hresult, message string) int
	LastError(ctx context.Context, ticket string) string
	Close(ctx context.Context, ticket string) string
	ClientVersion(version string) string
	ServerVersion() string
	ActiveSessions(ctx context.Context) (int, error)
}

// WebhookIntake turns Bitrix24 outbound events into change queue entries.
type WebhookIntake interface {
	HandleEvent(ctx context.Context, event, id string) (*models.ChangeQueueEntry, error)
}

// AdminStore is the read/requeue surface of the durable stores.
type AdminStore interface {
	FailedChanges(ctx context.Context, limit int) ([]models.ChangeQueueEntry, error)
	GetChange(ctx context.Context, id int64) (*models.ChangeQueueEntry, error)
	RequeueChange(ctx context.Context, id int64) error
	CountChanges(ctx context.Context, status string) (int, error)
	CountMappings(ctx context.Context) (int, error)
	RecentSyncLog(ctx context.Context, limit int) ([]models.SyncLogEntry, error)
	CountSyncsSince(ctx context.Context, since time.Time) (int, error)
	ListWatermarks(ctx context.Context) ([]models.SyncWatermark, error)
}

// HTTPServer exposes the SOAP endpoint, the Bitrix24 webhook and the admin API.
type HTTPServer struct {
	cfg       *config.Config
	connector WebConnector
	intake    WebhookIntake
	store     AdminStore
	bitrixOK  bool
	logger    *zerolog.Logger
	server    *http.Server
	auth      *HTTPAuth
}

func NewHTTPServer(
	cfg *config.Config,
	connector WebConnector,
	intake WebhookIntake,
	store AdminStore,
	logger *zerolog.Logger,
) *HTTPServer {
	srv := &HTTPServer{
		cfg:       cfg,
		connector: connector,
		intake:    intake,
		store:     store,
		bitrixOK:  cfg.Bitrix.Configured(),
		logger:    logger,
		auth:      NewHTTPAuth(cfg.API, logger),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/soap", srv.handleSOAP)
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.HandleFunc("/status", srv.handleStatus)
	if cfg.Webhook.Enabled {
		mux.HandleFunc("/bitrix24/webhook", srv.handleWebhook)
	}

	admin := http.NewServeMux()
	admin.HandleFunc("GET /api/v1/queue/failed", srv.handleFailedChanges)
	admin.HandleFunc("POST /api/v1/queue/{id}/requeue", srv.handleRequeue)
	admin.HandleFunc("GET /api/v1/sync-log", srv.handleSyncLog)
	admin.HandleFunc("GET /api/v1/sync-log.xlsx", srv.handleSyncLogExport)
	mux.Handle("/api/v1/", srv.auth.Wrap(admin))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.API.Port),
		Handler:           loggingMiddleware(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
		// Reconciliation runs inside receiveResponseXML and may wait on Bitrix24.
		WriteTimeout: 2 * time.Minute,
	}

	return srv
}

// Handler returns the root handler, used by tests and embedding servers.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Addr() string {
	return s.server.Addr
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx := r.Context()

	sessions, err := s.connector.ActiveSessions(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to count sessions")
	}
	mappings, err := s.store.CountMappings(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load status")
		return
	}
	recent, err := s.store.CountSyncsSince(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load status")
		return
	}
	pending, err := s.store.CountChanges(ctx, models.StatusPending)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load status")
		return
	}
	failed, err := s.store.CountChanges(ctx, models.StatusFailed)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load status")
		return
	}
	watermarks, err := s.store.ListWatermarks(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load status")
		return
	}
	if watermarks == nil {
		watermarks = []models.SyncWatermark{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "running",
		"version":           s.connector.ServerVersion(),
		"active_sessions":   sessions,
		"total_mappings":    mappings,
		"syncs_last_24h":    recent,
		"pending_changes":   pending,
		"failed_changes":    failed,
		"bitrix_configured": s.bitrixOK,
		"watermarks":        watermarks,
	})
}

func loggingMiddleware(logger *zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		metrics.IncHTTP(endpointLabel(r.URL.Path))
		logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// endpointLabel keeps metric cardinality bounded for path-parameter routes.
func endpointLabel(path string) string {
	switch path {
	case "/soap", "/status", "/healthz", "/bitrix24/webhook",
		"/api/v1/queue/failed", "/api/v1/sync-log", "/api/v1/sync-log.xlsx":
		return path
	}
	if strings.HasPrefix(path, "/api/v1/queue/") {
		return "/api/v1/queue/requeue"
	}
	return "other"
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
