package api

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/botpros-admin/qb-bitrix-connector/internal/config"

	"github.com/rs/zerolog"
)

const (
	apiKeyHeaderDefault = "x-api-key"
	clientKeyUnknown    = "unknown"
)

var (
	errMissingAPIKey     = errors.New("missing api key header")
	errInvalidAPIKey     = errors.New("invalid api key")
	errRateLimitExceeded = errors.New("rate limit exceeded")
)

// HTTPAuth provides API-key auth and per-client rate limiting for the admin API.
type HTTPAuth struct {
	cfg     config.APIConfig
	keys    []config.APIClientKey
	limiter *rateLimiter
	logger  *zerolog.Logger
}

func NewHTTPAuth(cfg config.APIConfig, logger *zerolog.Logger) *HTTPAuth {
	return &HTTPAuth{
		cfg:     cfg,
		keys:    cfg.Auth.APIKeys,
		limiter: newRateLimiter(cfg.RateLimit),
		logger:  logger,
	}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.Auth.Enabled {
			client, err := a.checkAuth(r)
			if err != nil {
				a.logger.Warn().Err(err).Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("admin request rejected")
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			a.logger.Debug().Str("client", client.Name).Str("path", r.URL.Path).Msg("admin request")
		}

		if err := a.checkRateLimit(r); err != nil {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *HTTPAuth) headerName() string {
	h := strings.TrimSpace(strings.ToLower(a.cfg.Auth.HeaderAPIKey))
	if h == "" {
		return apiKeyHeaderDefault
	}
	return h
}

func (a *HTTPAuth) checkAuth(r *http.Request) (config.APIClientKey, error) {
	apiKey := strings.TrimSpace(r.Header.Get(a.headerName()))
	if apiKey == "" {
		return config.APIClientKey{}, errMissingAPIKey
	}

	// Сравниваем со всеми ключами, чтобы время ответа не зависело от позиции ключа
	var (
		match config.APIClientKey
		found bool
	)
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare([]byte(k.Key), []byte(apiKey)) == 1 {
			match, found = k, true
		}
	}
	if !found {
		return config.APIClientKey{}, errInvalidAPIKey
	}
	return match, nil
}

func (a *HTTPAuth) checkRateLimit(r *http.Request) error {
	if !a.limiter.allow(a.clientKey(r)) {
		return errRateLimitExceeded
	}
	return nil
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.headerName())); apiKey != "" {
		return apiKey
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}
