package main

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/botpros-admin/qb-bitrix-connector/internal/config"
	"github.com/botpros-admin/qb-bitrix-connector/internal/database"
	"github.com/botpros-admin/qb-bitrix-connector/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig creates a minimal config in a temp dir and returns its path and the database path.
func writeConfig(t *testing.T, extra string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "bridge.db")
	cfg := fmt.Sprintf(`web_connector:
  username: qbuser
  password: secret
  app_url: https://bridge.example.com
  app_name: "Bridge & Co"
  owner_id: "{57F3B9B1-86F1-4FCC-B1EE-566DE1813D20}"
  file_id: 0c1a2b3c-aaaa-bbbb-cccc-000000000001
database:
  path: %s
%s`, dbPath, extra)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path, dbPath
}

func runCmd(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func seedFailed(t *testing.T, dbPath string) int64 {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	entry := &models.ChangeQueueEntry{EntityType: "customer", RemoteID: "company_9", Action: models.ActionUpdate, Payload: `{"name":"Acme"}`}
	require.NoError(t, db.EnqueueChange(ctx, entry))
	require.NoError(t, db.MarkChangeProcessed(ctx, entry.ID, models.StatusFailed, "no QuickBooks customer mapped to company_9"))
	return entry.ID
}

func TestVersionCmd(t *testing.T) {
	out, _, err := runCmd(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "qbbridge dev"))
}

func TestFailedAndRequeueCmd(t *testing.T) {
	cfgPath, dbPath := writeConfig(t, "")
	id := seedFailed(t, dbPath)

	out, _, err := runCmd(t, "failed", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "company_9")
	assert.Contains(t, out, "no QuickBooks customer mapped")

	out, _, err = runCmd(t, "requeue", fmt.Sprint(id), "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("Change %d requeued", id))

	out, _, err = runCmd(t, "failed", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "No failed changes.")

	_, stderr, err := runCmd(t, "requeue", fmt.Sprint(id), "404", "-c", cfgPath)
	require.Error(t, err)
	assert.Contains(t, stderr, fmt.Sprintf("Change %d is not failed", id))
	assert.Contains(t, stderr, "Change 404 not found")

	_, _, err = runCmd(t, "requeue", "abc", "-c", cfgPath)
	assert.Error(t, err)
}

func TestBuildQWC(t *testing.T) {
	data, err := buildQWC(config.WebConnectorConfig{
		AppName:         "Bridge & Co",
		AppURL:          "https://bridge.example.com/",
		AppDescription:  "Sync",
		Username:        "qbuser",
		OwnerID:         "57f3b9b1-86f1-4fcc-b1ee-566de1813d20",
		FileID:          "{0C1A2B3C-AAAA-BBBB-CCCC-000000000001}",
		RunEveryMinutes: 15,
	})
	require.NoError(t, err)

	var doc qwcFile
	require.NoError(t, xml.Unmarshal(data, &doc))
	assert.Equal(t, "Bridge & Co", doc.AppName)
	assert.Equal(t, "https://bridge.example.com/soap", doc.AppURL)
	assert.Equal(t, "https://bridge.example.com/status", doc.AppSupport)
	assert.Equal(t, "qbuser", doc.UserName)
	assert.Equal(t, "{57F3B9B1-86F1-4FCC-B1EE-566DE1813D20}", doc.OwnerID)
	assert.Equal(t, "{0C1A2B3C-AAAA-BBBB-CCCC-000000000001}", doc.FileID)
	assert.Equal(t, "QBFS", doc.QBType)
	require.NotNil(t, doc.Scheduler)
	assert.Equal(t, 15, doc.Scheduler.RunEveryNMinutes)
	assert.Contains(t, string(data), "Bridge &amp; Co")

	generated, err := buildQWC(config.WebConnectorConfig{AppURL: "http://localhost:8080/soap"})
	require.NoError(t, err)
	var minimal qwcFile
	require.NoError(t, xml.Unmarshal(generated, &minimal))
	assert.Equal(t, "http://localhost:8080/soap", minimal.AppURL)
	assert.Len(t, minimal.OwnerID, 38)
	assert.Nil(t, minimal.Scheduler)

	_, err = buildQWC(config.WebConnectorConfig{})
	assert.Error(t, err)
}

func TestQWCCmd(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")
	outPath := filepath.Join(t.TempDir(), "bridge.qwc")

	out, _, err := runCmd(t, "qwc", "-c", cfgPath, "-o", outPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+outPath)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<RunEveryNMinutes>15</RunEveryNMinutes>")
	assert.Contains(t, string(data), "<FileID>{0C1A2B3C-AAAA-BBBB-CCCC-000000000001}</FileID>")
}

func TestRequestCommand(t *testing.T) {
	t.Run("incremental query", func(t *testing.T) {
		out, _, err := runCmd(t, "request", "accounts", "--since", "2024-03-01")
		require.NoError(t, err)
		assert.Contains(t, out, `<?qbxml version="16.0"?>`)
		assert.Contains(t, out, `<AccountQueryRq requestID="1"><ActiveStatus>All</ActiveStatus><FromModifiedDate>2024-03-01T00:00:00+00:00</FromModifiedDate></AccountQueryRq>`)
	})

	t.Run("by id", func(t *testing.T) {
		out, _, err := runCmd(t, "request", "invoice", "--id", "1A-2", "--qbxml-version", "13.0")
		require.NoError(t, err)
		assert.Contains(t, out, `<?qbxml version="13.0"?>`)
		assert.Contains(t, out, "<TxnID>1A-2</TxnID>")

		_, _, err = runCmd(t, "request", "customer")
		assert.ErrorContains(t, err, "--id is required")
	})

	t.Run("add from payload file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "invoice.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"customer_list_id":"80000001-1","ref_number":"1001","lines":[{"item_list_id":"I-1","quantity":"2"}]}`), 0o600))

		out, _, err := runCmd(t, "request", "invoice-add", "--payload", "@"+path, "--continue-on-error")
		require.NoError(t, err)
		assert.Contains(t, out, `onError="continueOnError"`)
		assert.Contains(t, out, "<CustomerRef><ListID>80000001-1</ListID></CustomerRef>")
		assert.Contains(t, out, "<InvoiceLineAdd><ItemRef><ListID>I-1</ListID></ItemRef><Quantity>2</Quantity></InvoiceLineAdd>")
	})

	t.Run("company and delete", func(t *testing.T) {
		out, _, err := runCmd(t, "request", "company")
		require.NoError(t, err)
		assert.Contains(t, out, `<CompanyQueryRq requestID="1"`)

		out, _, err = runCmd(t, "request", "customer-del", "--id", "80000001-1")
		require.NoError(t, err)
		assert.Contains(t, out, "<ListDelType>Customer</ListDelType>")
	})

	t.Run("errors", func(t *testing.T) {
		_, _, err := runCmd(t, "request", "deals")
		assert.ErrorContains(t, err, `unknown request kind "deals"`)

		_, _, err = runCmd(t, "request", "customer-add", "--payload", "{bad")
		assert.ErrorContains(t, err, "decode payload")

		_, _, err = runCmd(t, "request", "customers", "--since", "yesterday")
		assert.ErrorContains(t, err, "invalid --since")
	})
}
