package bitrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/botpros-admin/qb-bitrix-connector/internal/config"
	"github.com/botpros-admin/qb-bitrix-connector/internal/metrics"
	"github.com/botpros-admin/qb-bitrix-connector/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// EntityKind is a Bitrix24 CRM entity addressed by the crm.<kind>.* methods.
type EntityKind string

const (
	KindContact EntityKind = "contact"
	KindCompany EntityKind = "company"
	KindDeal    EntityKind = "deal"
	KindProduct EntityKind = "product"
)

// Fields is a Bitrix24 record as sent to and returned by the REST API.
type Fields map[string]interface{}

// String returns the value under key as text; numbers are formatted without exponent.
func (f Fields) String(key string) string {
	switch v := f[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Multi returns the first VALUE of a multi-field such as EMAIL or PHONE.
func (f Fields) Multi(key string) string {
	list, ok := f[key].([]interface{})
	if !ok || len(list) == 0 {
		return ""
	}
	switch v := list[0].(type) {
	case map[string]interface{}:
		s, _ := v["VALUE"].(string)
		return s
	case string:
		return v
	}
	return ""
}

var ErrNotConfigured = errors.New("bitrix24 webhook is not configured")

// APIError is a failed REST call: a non-2xx status or an error body.
type APIError struct {
	Method      string
	StatusCode  int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("bitrix24 %s: %s: %s", e.Method, e.Code, e.Description)
	}
	return fmt.Sprintf("bitrix24 %s: http %d", e.Method, e.StatusCode)
}

// retryable reports whether the call may succeed when repeated.
// Rate-limit rejections happen before Bitrix24 processes the call, so writes may repeat them too.
func (e *APIError) retryable(idempotent bool) bool {
	if e.StatusCode == http.StatusTooManyRequests || e.Code == "QUERY_LIMIT_EXCEEDED" {
		return true
	}
	return idempotent && e.StatusCode >= 500
}

type envelope struct {
	Result           json.RawMessage `json:"result"`
	Total            int             `json:"total"`
	Next             *int            `json:"next"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// Client calls the Bitrix24 REST API through an inbound webhook URL.
type Client struct {
	webhookURL string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      worker.RetryPolicy
	logger     *zerolog.Logger

	redis    *redis.Client
	cacheTTL time.Duration
}

func NewClient(cfg config.BitrixConfig, logger *zerolog.Logger) *Client {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	webhook := cfg.WebhookURL
	if webhook != "" && !strings.HasSuffix(webhook, "/") {
		webhook += "/"
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		webhookURL: webhook,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, burst),
		retry: worker.RetryPolicy{
			MaxRetries:    cfg.MaxRetries,
			InitialDelay:  500 * time.Millisecond,
			MaxDelay:      10 * time.Second,
			BackoffFactor: 2,
		},
		logger: logger,
	}
}

// UseRedisCache configures Redis caching of single-record reads.
func (c *Client) UseRedisCache(redisClient *redis.Client, ttl time.Duration) {
	c.redis = redisClient
	c.cacheTTL = ttl
}

func (c *Client) Configured() bool {
	return c != nil && c.webhookURL != ""
}

// Ping checks that the webhook answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "app.info", nil, true)
	return err
}

func (c *Client) Get(ctx context.Context, kind EntityKind, id string) (Fields, error) {
	key := cacheKey(kind, id)
	var cached Fields
	if c.readCache(ctx, key, &cached) {
		return cached, nil
	}

	env, err := c.call(ctx, method(kind, "get"), map[string]interface{}{"id": id}, true)
	if err != nil {
		return nil, err
	}
	var out Fields
	if err := json.Unmarshal(env.Result, &out); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s: %w", kind, id, err)
	}
	c.writeCache(ctx, key, out)
	return out, nil
}

// Find returns every record matching filter, following the list pagination.
func (c *Client) Find(ctx context.Context, kind EntityKind, filter Fields) ([]Fields, error) {
	var all []Fields
	start := 0
	for {
		env, err := c.call(ctx, method(kind, "list"), map[string]interface{}{
			"filter": filter,
			"start":  start,
		}, true)
		if err != nil {
			return nil, err
		}
		var page []Fields
		if err := json.Unmarshal(env.Result, &page); err != nil {
			return nil, fmt.Errorf("failed to decode %s list: %w", kind, err)
		}
		all = append(all, page...)
		if env.Next == nil || *env.Next <= start {
			return all, nil
		}
		start = *env.Next
	}
}

// Create adds a record and returns its Bitrix24 id.
func (c *Client) Create(ctx context.Context, kind EntityKind, fields Fields) (string, error) {
	env, err := c.call(ctx, method(kind, "add"), map[string]interface{}{"fields": fields}, false)
	if err != nil {
		return "", err
	}
	var raw interface{}
	if err := json.Unmarshal(env.Result, &raw); err != nil {
		return "", fmt.Errorf("failed to decode %s id: %w", kind, err)
	}
	switch v := raw.(type) {
	case float64:
		return strconv.FormatInt(int64(v), 10), nil
	case string:
		return v, nil
	}
	return "", fmt.Errorf("unexpected %s add result: %s", kind, env.Result)
}

func (c *Client) Update(ctx context.Context, kind EntityKind, id string, fields Fields) error {
	_, err := c.call(ctx, method(kind, "update"), map[string]interface{}{"id": id, "fields": fields}, false)
	if err != nil {
		return err
	}
	c.invalidate(ctx, cacheKey(kind, id))
	return nil
}

func method(kind EntityKind, op string) string {
	return "crm." + string(kind) + "." + op
}

func cacheKey(kind EntityKind, id string) string {
	return "bitrix:" + string(kind) + ":" + id
}

// call sends one REST method. Reads are retried on transport and server errors; writes
// (idempotent=false) only on rate-limit rejections, since a timed-out add may already be stored.
func (c *Client) call(ctx context.Context, method string, params interface{}, idempotent bool) (*envelope, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s params: %w", method, err)
	}

	var env *envelope
	err = c.retry.Do(ctx, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return worker.Permanent(err)
		}
		var callErr error
		env, callErr = c.do(ctx, method, body)
		if callErr == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(callErr, &apiErr) {
			if !apiErr.retryable(idempotent) {
				return worker.Permanent(callErr)
			}
		} else if !idempotent {
			return worker.Permanent(callErr)
		}
		c.logger.Warn().Err(callErr).Str("method", method).Msg("Bitrix24 call failed, retrying")
		return callErr
	})
	if err != nil {
		metrics.IncBitrix(method, "error")
		return nil, err
	}
	metrics.IncBitrix(method, "ok")
	return env, nil
}

func (c *Client) do(ctx context.Context, method string, body []byte) (*envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL+method, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var env envelope
	decodeErr := json.Unmarshal(data, &env)

	if resp.StatusCode >= 300 || env.Error != "" {
		return nil, &APIError{
			Method:      method,
			StatusCode:  resp.StatusCode,
			Code:        env.Error,
			Description: env.ErrorDescription,
		}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, decodeErr)
	}
	return &env, nil
}

func (c *Client) readCache(ctx context.Context, key string, out any) bool {
	if c.redis == nil || c.cacheTTL <= 0 {
		return false
	}
	val, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		return false
	}
	return true
}

func (c *Client) writeCache(ctx context.Context, key string, val any) {
	if c.redis == nil || c.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.cacheTTL).Err()
}

func (c *Client) invalidate(ctx context.Context, key string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, key).Err()
}
