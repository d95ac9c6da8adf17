package api

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/botpros-admin/qb-bitrix-connector/internal/bitrix"
	"github.com/botpros-admin/qb-bitrix-connector/internal/config"
	"github.com/botpros-admin/qb-bitrix-connector/internal/database"
	"github.com/botpros-admin/qb-bitrix-connector/internal/events"
	"github.com/botpros-admin/qb-bitrix-connector/internal/qbxml"
	"github.com/botpros-admin/qb-bitrix-connector/internal/repository"
	"github.com/botpros-admin/qb-bitrix-connector/internal/service"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type testStack struct {
	cfg *config.Config
	db  *database.DB
	ts  *httptest.Server
}

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Name: "qbbridge", Version: "1.0.0-test"},
		WebConnector: config.WebConnectorConfig{
			Username:     "qbuser",
			Password:     "secret",
			Entities:     []string{"customers"},
			QBXMLVersion: "16.0",
		},
		Webhook: config.WebhookConfig{Enabled: true},
	}
}

func newTestStack(t *testing.T, mutate func(cfg *config.Config)) *testStack {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "bridge.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := events.NewEventBus()
	crm := bitrix.NewClient(cfg.Bitrix, &logger)
	builder := service.NewRequestQueueBuilder(db, db, db, qbxml.NewBuilder(cfg.WebConnector.QBXMLVersion), cfg.WebConnector.Entities, &logger)
	reconciler := service.NewReconciler(db, db, db, crm, bus, "USD", &logger)
	connector := service.NewWebConnectorService(
		cfg.WebConnector,
		cfg.App.Version,
		repository.NewMemorySessionRepository(30*time.Minute),
		builder,
		reconciler,
		db,
		&logger,
	)
	intake := service.NewChangeIntake(db, crm, bus, &logger)

	srv := NewHTTPServer(cfg, connector, intake, db, &logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testStack{cfg: cfg, db: db, ts: ts}
}

func (s *testStack) do(t *testing.T, method, path string, body io.Reader, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.ts.URL+path, body)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// soap posts one QBWC operation; params are already escaped XML fragments.
func (s *testStack) soap(t *testing.T, op string, params ...string) *http.Response {
	t.Helper()
	var inner strings.Builder
	for i := 0; i+1 < len(params); i += 2 {
		inner.WriteString("<" + params[i] + ">" + params[i+1] + "</" + params[i] + ">")
	}
	envelope := `<?xml version="1.0" encoding="utf-8"?>` +
		`<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>` +
		`<` + op + ` xmlns="http://developer.intuit.com/">` + inner.String() + `</` + op + `>` +
		`</soap:Body></soap:Envelope>`
	return s.do(t, http.MethodPost, "/soap", strings.NewReader(envelope), map[string]string{
		"Content-Type": "text/xml; charset=utf-8",
		"SOAPAction":   `"http://developer.intuit.com/` + op + `"`,
	})
}

// soapResult returns the <string> items of an array result, or the single text value.
func soapResult(t *testing.T, resp *http.Response, op string) []string {
	t.Helper()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			t.Fatalf("no %sResult in %s", op, data)
		}
		require.NoError(t, err)
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != op+"Result" {
			continue
		}

		var result struct {
			Strings []string `xml:"string"`
			Text    string   `xml:",chardata"`
		}
		require.NoError(t, dec.DecodeElement(&result, &start))
		if len(result.Strings) > 0 {
			return result.Strings
		}
		return []string{result.Text}
	}
}
