package bitrix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/botpros-admin/qb-bitrix-connector/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, retries int) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(config.BitrixConfig{
		WebhookURL: srv.URL + "/rest/1/secret",
		Timeout:    5 * time.Second,
		MaxRetries: retries,
	}, nil)
	c.retry.InitialDelay = time.Millisecond
	return c
}

func decodeParams(t *testing.T, r *http.Request) map[string]interface{} {
	t.Helper()
	var p map[string]interface{}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
	return p
}

func TestClient_NotConfigured(t *testing.T) {
	c := NewClient(config.BitrixConfig{}, nil)
	assert.False(t, c.Configured())

	_, err := c.Create(context.Background(), KindContact, Fields{"NAME": "x"})
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, c.Ping(context.Background()), ErrNotConfigured)
}

func TestClient_CreateAndUpdate(t *testing.T) {
	var updated atomic.Bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		params := decodeParams(t, r)
		switch r.URL.Path {
		case "/rest/1/secret/crm.company.add":
			fields := params["fields"].(map[string]interface{})
			assert.Equal(t, "Acme", fields["TITLE"])
			_, _ = w.Write([]byte(`{"result": 42, "time": {}}`))
		case "/rest/1/secret/crm.company.update":
			assert.Equal(t, "42", params["id"])
			updated.Store(true)
			_, _ = w.Write([]byte(`{"result": true}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}, 0)

	id, err := c.Create(context.Background(), KindCompany, Fields{"TITLE": "Acme"})
	require.NoError(t, err)
	assert.Equal(t, "42", id)

	require.NoError(t, c.Update(context.Background(), KindCompany, id, Fields{"TITLE": "Acme Inc"}))
	assert.True(t, updated.Load())
}

func TestClient_FindFollowsPages(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rest/1/secret/crm.product.list", r.URL.Path)
		params := decodeParams(t, r)
		filter := params["filter"].(map[string]interface{})
		assert.Equal(t, "QB_80000001-1", filter["XML_ID"])

		calls.Add(1)
		if params["start"].(float64) == 0 {
			_, _ = w.Write([]byte(`{"result": [{"ID": "1"}, {"ID": "2"}], "next": 2, "total": 3}`))
			return
		}
		_, _ = w.Write([]byte(`{"result": [{"ID": "3"}], "total": 3}`))
	}, 0)

	found, err := c.Find(context.Background(), KindProduct, Fields{"XML_ID": "QB_80000001-1"})
	require.NoError(t, err)
	require.Len(t, found, 3)
	assert.Equal(t, "3", found[2].String("ID"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_ErrorBodyIsPermanent(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": "ERROR_CORE", "error_description": "Parameter 'fields' must be array"}`))
	}, 3)

	_, err := c.Create(context.Background(), KindDeal, Fields{})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "crm.deal.add", apiErr.Method)
	assert.Equal(t, "ERROR_CORE", apiErr.Code)
	assert.Contains(t, err.Error(), "must be array")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_RetriesServerErrorsOnReads(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"result": {"ID": "7", "NAME": "Jane"}}`))
	}, 3)

	fields, err := c.Get(context.Background(), KindContact, "7")
	require.NoError(t, err)
	assert.Equal(t, "Jane", fields.String("NAME"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_WritesNotRetriedOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, 3)

	_, err := c.Create(context.Background(), KindContact, Fields{"NAME": "Jane"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())

	require.Error(t, c.Update(context.Background(), KindContact, "7", Fields{"NAME": "Jane"}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_CreateTimeoutIsSingleAttempt(t *testing.T) {
	var adds atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/rest/1/secret/crm.contact.add" {
			adds.Add(1)
		}
		time.Sleep(150 * time.Millisecond)
		_, _ = w.Write([]byte(`{"result": 7}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(config.BitrixConfig{
		WebhookURL: srv.URL + "/rest/1/secret",
		Timeout:    50 * time.Millisecond,
		MaxRetries: 2,
	}, nil)
	c.retry.InitialDelay = time.Millisecond

	id, err := c.Create(context.Background(), KindContact, Fields{"NAME": "Jane"})
	require.Error(t, err)
	assert.Empty(t, id)
	assert.Equal(t, int32(1), adds.Load())
}

func TestClient_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}, 2)

	err := c.Update(context.Background(), KindContact, "1", Fields{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_GetUsesCache(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	var gets atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "crm.contact.get"):
			gets.Add(1)
			_, _ = w.Write([]byte(`{"result": {"ID": "5", "NAME": "Jane", "EMAIL": [{"VALUE": "jane@example.com", "VALUE_TYPE": "WORK"}]}}`))
		case strings.HasSuffix(r.URL.Path, "crm.contact.update"):
			_, _ = w.Write([]byte(`{"result": true}`))
		}
	}, 0)
	c.UseRedisCache(redis.NewClient(&redis.Options{Addr: s.Addr()}), time.Minute)

	ctx := context.Background()
	first, err := c.Get(ctx, KindContact, "5")
	require.NoError(t, err)
	second, err := c.Get(ctx, KindContact, "5")
	require.NoError(t, err)

	assert.Equal(t, "Jane", second.String("NAME"))
	assert.Equal(t, "jane@example.com", first.Multi("EMAIL"))
	assert.Equal(t, int32(1), gets.Load())
	assert.True(t, s.Exists("bitrix:contact:5"))

	require.NoError(t, c.Update(ctx, KindContact, "5", Fields{"NAME": "Janet"}))
	assert.False(t, s.Exists("bitrix:contact:5"))

	_, err = c.Get(ctx, KindContact, "5")
	require.NoError(t, err)
	assert.Equal(t, int32(2), gets.Load())
}
