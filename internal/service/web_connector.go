package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/botpros-admin/qb-bitrix-connector/internal/config"
	"github.com/botpros-admin/qb-bitrix-connector/internal/domain"
	"github.com/botpros-admin/qb-bitrix-connector/internal/logging"
	"github.com/botpros-admin/qb-bitrix-connector/internal/metrics"
	"github.com/botpros-admin/qb-bitrix-connector/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Directives returned by authenticate.
const (
	DirectiveProceed     = ""
	DirectiveInvalidUser = "nvu"
	DirectiveNoWork      = "none"
)

// ProgressAbort tells the Web Connector to stop the session.
const ProgressAbort = -1

const invalidSessionMessage = "Invalid session"

var (
	ErrInvalidCredentials = errors.New("invalid web connector credentials")
	ErrUnknownTicket      = errors.New("unknown session ticket")
)

// ClientContext is what the Web Connector reports alongside sendRequestXML.
type ClientContext struct {
	HCPResponse     string
	CompanyFileName string
	Country         string
	MajorVersion    int
	MinorVersion    int
}

// WebConnectorService implements the QBWC session protocol: one request queue
// and cursor per authenticated ticket.
type WebConnectorService struct {
	cfg      config.WebConnectorConfig
	version  string
	sessions domain.SessionRepository
	builder  domain.QueueBuilder
	router   domain.ResponseRouter
	changes  domain.ChangeQueueRepository
	logger   *zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*ticketLock
	now     func() time.Time
}

type ticketLock struct {
	mu   sync.Mutex
	refs int
}

func NewWebConnectorService(
	cfg config.WebConnectorConfig,
	version string,
	sessions domain.SessionRepository,
	builder domain.QueueBuilder,
	router domain.ResponseRouter,
	changes domain.ChangeQueueRepository,
	logger *zerolog.Logger,
) *WebConnectorService {
	return &WebConnectorService{
		cfg:      cfg,
		version:  version,
		sessions: sessions,
		builder:  builder,
		router:   router,
		changes:  changes,
		logger:   logger,
		locks:    make(map[string]*ticketLock),
		now:      time.Now,
	}
}

// lock serializes calls for one ticket so a session is never read half-updated.
// An entry lives only while a call for its ticket is in flight.
func (s *WebConnectorService) lock(ticket string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[ticket]
	if !ok {
		l = &ticketLock{}
		s.locks[ticket] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, ticket)
		}
		s.locksMu.Unlock()
	}
}

func (s *WebConnectorService) validCredentials(user, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.Password)) == 1
	return userOK && passOK && s.cfg.Username != ""
}

// Authenticate checks credentials and opens a session with a freshly built queue.
// Bad credentials return ("", "nvu") together with ErrInvalidCredentials.
func (s *WebConnectorService) Authenticate(ctx context.Context, user, password string) (string, string, error) {
	if !s.validCredentials(user, password) {
		s.logger.Warn().Str("user", user).Msg("Web Connector authentication failed")
		metrics.IncSession("rejected")
		return "", DirectiveInvalidUser, ErrInvalidCredentials
	}

	built, err := s.builder.Build(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to build request queue: %w", err)
	}
	s.resolveChanges(ctx, built)

	now := s.now().UTC()
	session := &models.Session{
		Ticket:     uuid.NewString(),
		User:       user,
		Queue:      built.Items,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return "", "", fmt.Errorf("failed to store session: %w", err)
	}
	metrics.IncSession("authenticated")
	s.refreshActive(ctx)

	s.logger.Info().
		Str("ticket", logging.TicketRef(session.Ticket)).
		Int("requests", len(session.Queue)).
		Int("rejected_changes", len(built.Rejected)).
		Int("settled_changes", len(built.Settled)).
		Msg("Web Connector session opened")

	if len(session.Queue) == 0 {
		return session.Ticket, DirectiveNoWork, nil
	}
	return session.Ticket, DirectiveProceed, nil
}

func (s *WebConnectorService) resolveChanges(ctx context.Context, built *models.BuiltQueue) {
	for _, r := range built.Rejected {
		if err := s.changes.MarkChangeProcessed(ctx, r.ChangeQueueID, models.StatusFailed, r.Reason); err != nil {
			s.logger.Error().Err(err).Int64("change_queue_id", r.ChangeQueueID).Msg("Failed to mark rejected change")
			continue
		}
		metrics.IncChange(models.StatusFailed)
		s.logger.Warn().Int64("change_queue_id", r.ChangeQueueID).Str("reason", r.Reason).Msg("Change rejected")
	}
	for _, r := range built.Settled {
		if err := s.changes.MarkChangeProcessed(ctx, r.ChangeQueueID, models.StatusCompleted, ""); err != nil {
			s.logger.Error().Err(err).Int64("change_queue_id", r.ChangeQueueID).Msg("Failed to mark settled change")
			continue
		}
		metrics.IncChange(models.StatusCompleted)
		s.logger.Info().Int64("change_queue_id", r.ChangeQueueID).Str("reason", r.Reason).Msg("Change already applied")
	}
}

// NextRequest returns the payload at the cursor without advancing it, or "" when the
// queue is drained or the ticket is unknown.
func (s *WebConnectorService) NextRequest(ctx context.Context, ticket string, client ClientContext) string {
	if ticket == "" {
		return ""
	}
	defer s.lock(ticket)()

	session, err := s.sessions.Get(ctx, ticket)
	if err != nil {
		s.logger.Error().Err(err).Str("ticket", logging.TicketRef(ticket)).Msg("Failed to load session")
		return ""
	}
	if session == nil {
		s.logger.Warn().Str("ticket", logging.TicketRef(ticket)).Msg("sendRequestXML with unknown ticket")
		return ""
	}

	if session.Cursor == 0 {
		s.logger.Info().
			Str("ticket", logging.TicketRef(ticket)).
			Str("company_file", client.CompanyFileName).
			Str("country", client.Country).
			Str("qbxml_version", fmt.Sprintf("%d.%d", client.MajorVersion, client.MinorVersion)).
			Msg("Web Connector requested first request")
	}

	item, ok := session.Current()
	if !ok {
		return ""
	}
	s.touch(ctx, session)
	s.logger.Debug().
		Str("ticket", logging.TicketRef(ticket)).
		Str("kind", string(item.Kind)).
		Str("request_id", item.RequestID).
		Msgf("Sending request %d/%d", session.Cursor+1, len(session.Queue))
	return item.Payload
}

// touch refreshes the idle timer; failures only shorten the session's life.
func (s *WebConnectorService) touch(ctx context.Context, session *models.Session) {
	session.LastSeenAt = s.now().UTC()
	if err := s.sessions.Save(ctx, session); err != nil {
		s.logger.Warn().Err(err).Str("ticket", logging.TicketRef(session.Ticket)).Msg("Failed to refresh session")
	}
}

func failedResult(hresult string) bool {
	h := strings.TrimSpace(hresult)
	return h != "" && h != "0"
}

// SubmitResponse routes the response for the current request and advances the cursor.
// A failing hresult records the error and returns ProgressAbort.
func (s *WebConnectorService) SubmitResponse(ctx context.Context, ticket, response, hresult, message string) int {
	if ticket == "" {
		return ProgressAbort
	}
	defer s.lock(ticket)()

	session, err := s.sessions.Get(ctx, ticket)
	if err != nil || session == nil {
		s.logger.Error().Err(err).Str("ticket", logging.TicketRef(ticket)).Msg("receiveResponseXML with unknown ticket")
		return ProgressAbort
	}

	if failedResult(hresult) {
		session.LastError = fmt.Sprintf("HRESULT: %s - %s", strings.TrimSpace(hresult), message)
		session.LastSeenAt = s.now().UTC()
		if err := s.sessions.Save(ctx, session); err != nil {
			s.logger.Error().Err(err).Str("ticket", logging.TicketRef(ticket)).Msg("Failed to record session error")
		}
		s.logger.Error().
			Str("ticket", logging.TicketRef(ticket)).
			Str("hresult", hresult).
			Str("message", message).
			Msg("QuickBooks reported an error, aborting session")
		return ProgressAbort
	}

	item, ok := session.Current()
	if !ok {
		return session.Progress()
	}

	// Routing outlives a closed connection; it only touches durable stores.
	if err := s.router.Route(context.WithoutCancel(ctx), item, response); err != nil {
		s.logger.Error().Err(err).
			Str("ticket", logging.TicketRef(ticket)).
			Str("kind", string(item.Kind)).
			Str("request_id", item.RequestID).
			Msg("Failed to process response")
	}

	session.Advance()
	session.LastSeenAt = s.now().UTC()
	if err := s.sessions.Save(ctx, session); err != nil {
		s.logger.Error().Err(err).Str("ticket", logging.TicketRef(ticket)).Msg("Failed to save session cursor")
		return ProgressAbort
	}

	progress := session.Progress()
	s.logger.Info().Str("ticket", logging.TicketRef(ticket)).Int("progress", progress).Msg("Response processed")
	return progress
}

// LastError returns the session's recorded error.
func (s *WebConnectorService) LastError(ctx context.Context, ticket string) string {
	session, err := s.sessions.Get(ctx, ticket)
	if err != nil || session == nil {
		return invalidSessionMessage
	}
	return session.LastError
}

// Close discards the session and reports how much of its queue was processed.
func (s *WebConnectorService) Close(ctx context.Context, ticket string) string {
	if ticket == "" {
		return "OK"
	}
	defer s.lock(ticket)()

	session, err := s.sessions.Get(ctx, ticket)
	if err != nil || session == nil {
		return "OK"
	}
	if err := s.sessions.Delete(ctx, ticket); err != nil {
		s.logger.Error().Err(err).Str("ticket", logging.TicketRef(ticket)).Msg("Failed to delete session")
	}
	s.refreshActive(ctx)

	s.logger.Info().
		Str("ticket", logging.TicketRef(ticket)).
		Int("processed", session.Cursor).
		Int("total", len(session.Queue)).
		Str("last_error", session.LastError).
		Msg("Web Connector session closed")
	return fmt.Sprintf("OK - Processed %d of %d requests", session.Cursor, len(session.Queue))
}

// ClientVersion accepts every Web Connector version.
func (s *WebConnectorService) ClientVersion(version string) string {
	s.logger.Debug().Str("client_version", version).Msg("Web Connector version")
	return ""
}

func (s *WebConnectorService) ServerVersion() string {
	return s.version
}

// ActiveSessions reports the number of open sessions.
func (s *WebConnectorService) ActiveSessions(ctx context.Context) (int, error) {
	return s.sessions.Count(ctx)
}

func (s *WebConnectorService) refreshActive(ctx context.Context) {
	if n, err := s.sessions.Count(ctx); err == nil {
		metrics.SetActiveSessions(n)
	}
}
