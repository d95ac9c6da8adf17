package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/botpros-admin/qb-bitrix-connector/internal/bitrix"
	"github.com/botpros-admin/qb-bitrix-connector/internal/config"
	"github.com/botpros-admin/qb-bitrix-connector/internal/database"
	"github.com/botpros-admin/qb-bitrix-connector/internal/events"
	"github.com/botpros-admin/qb-bitrix-connector/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const customerAddOK = `<QBXML><QBXMLMsgsRs>
<CustomerAddRs requestID="2" statusCode="0" statusSeverity="Info" statusMessage="Status OK">
<CustomerRet><ListID>80000009-1700000000</ListID><EditSequence>1700000009</EditSequence><Name>Jane Doe</Name></CustomerRet>
</CustomerAddRs>
</QBXMLMsgsRs></QBXML>`

const customerAddDuplicate = `<QBXML><QBXMLMsgsRs>
<CustomerAddRs requestID="2" statusCode="3100" statusSeverity="Error" statusMessage="The name &quot;Jane Doe&quot; of the list element is already in use." />
</QBXMLMsgsRs></QBXML>`

const customerAddEmpty = `<QBXML><QBXMLMsgsRs>
<CustomerAddRs requestID="2" statusCode="0" statusSeverity="Info" statusMessage="Status OK" />
</QBXMLMsgsRs></QBXML>`

const listDelOK = `<QBXML><QBXMLMsgsRs>
<ListDelRs requestID="2" statusCode="0" statusSeverity="Info" statusMessage="Status OK">
<ListDelType>Customer</ListDelType><ListID>80000009-1700000000</ListID><TimeDeleted>2024-03-01T10:00:00-05:00</TimeDeleted><FullName>Jane Doe</FullName>
</ListDelRs>
</QBXMLMsgsRs></QBXML>`

const customersQuery = `<QBXML><QBXMLMsgsRs>
<CustomerQueryRs requestID="3" statusCode="0" statusSeverity="Info" statusMessage="Status OK">
<CustomerRet><ListID>80000001-1</ListID><EditSequence>11</EditSequence><Name>Acme</Name><CompanyName>Acme Corp</CompanyName></CustomerRet>
<CustomerRet><ListID>80000002-1</ListID><EditSequence>22</EditSequence><Name>Jane Doe</Name><FirstName>Jane</FirstName><LastName>Doe</LastName></CustomerRet>
</CustomerQueryRs>
</QBXMLMsgsRs></QBXML>`

const customersNoMatch = `<QBXML><QBXMLMsgsRs>
<CustomerQueryRs requestID="3" statusCode="1" statusSeverity="Info" statusMessage="A query request did not find a matching object in QuickBooks" />
</QBXMLMsgsRs></QBXML>`

const customersQueryError = `<QBXML><QBXMLMsgsRs>
<CustomerQueryRs requestID="3" statusCode="3000" statusSeverity="Error" statusMessage="The given date range is invalid." />
</QBXMLMsgsRs></QBXML>`

const itemsQuery = `<QBXML><QBXMLMsgsRs>
<ItemQueryRs requestID="4" statusCode="0" statusSeverity="Info" statusMessage="Status OK">
<ItemServiceRet><ListID>I-1</ListID><EditSequence>5</EditSequence><Name>Consulting</Name>
<SalesOrPurchase><Desc>Hourly consulting</Desc><Price>150.00</Price></SalesOrPurchase></ItemServiceRet>
</ItemQueryRs>
</QBXMLMsgsRs></QBXML>`

const invoicesQuery = `<QBXML><QBXMLMsgsRs>
<InvoiceQueryRs requestID="5" statusCode="0" statusSeverity="Info" statusMessage="Status OK">
<InvoiceRet><TxnID>T-1</TxnID><EditSequence>9</EditSequence><RefNumber>1001</RefNumber>
<CustomerRef><ListID>80000001-1</ListID><FullName>Acme</FullName></CustomerRef>
<Subtotal>250.00</Subtotal><BalanceRemaining>250.00</BalanceRemaining><IsPaid>false</IsPaid></InvoiceRet>
</InvoiceQueryRs>
</QBXMLMsgsRs></QBXML>`

const accountsQuery = `<QBXML><QBXMLMsgsRs>
<AccountQueryRs requestID="6" statusCode="0" statusSeverity="Info" statusMessage="Status OK">
<AccountRet><ListID>A-1</ListID><EditSequence>1</EditSequence><Name>Sales</Name><AccountType>Income</AccountType></AccountRet>
</AccountQueryRs>
</QBXMLMsgsRs></QBXML>`

const customersQueryThree = `<QBXML><QBXMLMsgsRs>
<CustomerQueryRs requestID="3" statusCode="0" statusSeverity="Info" statusMessage="Status OK">
<CustomerRet><ListID>80000002-1</ListID><EditSequence>22</EditSequence><Name>Jane Doe</Name><FirstName>Jane</FirstName><LastName>Doe</LastName></CustomerRet>
<CustomerRet><ListID>80000001-1</ListID><EditSequence>11</EditSequence><Name>Acme</Name><CompanyName>Acme Corp</CompanyName></CustomerRet>
<CustomerRet><ListID>80000003-1</ListID><EditSequence>33</EditSequence><Name>John Roe</Name><FirstName>John</FirstName><LastName>Roe</LastName></CustomerRet>
</CustomerQueryRs>
</QBXMLMsgsRs></QBXML>`

var queuedAt = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type reconcilerFixture struct {
	db  *database.DB
	crm *MockCRM
	bus *events.EventBus
	r   *Reconciler
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	db := setupTestDB(t)
	crm := newMockCRM()
	bus := events.NewEventBus()
	NewSyncLogRecorder(db, nopLogger()).Subscribe(bus)
	return &reconcilerFixture{
		db:  db,
		crm: crm,
		bus: bus,
		r:   NewReconciler(db, db, db, crm, bus, "USD", nopLogger()),
	}
}

func changeItem(id int64, remoteID, action string) models.QueueItem {
	return models.QueueItem{
		Kind:      models.QueueKindChange,
		RequestID: "2",
		Meta: &models.QueueMeta{
			ChangeQueueID: id,
			RemoteID:      remoteID,
			EntityType:    models.EntityCustomers,
			Action:        action,
			QueuedAt:      queuedAt,
		},
	}
}

func queryItem(entity string) models.QueueItem {
	return models.QueueItem{
		Kind:      models.QueueKindQuery,
		RequestID: "3",
		Meta:      &models.QueueMeta{EntityType: entity, Action: "query", QueuedAt: queuedAt},
	}
}

func TestReconciler_ChangeCompleted(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	id := enqueue(t, f.db, "customer", "5", models.ActionAdd, `{"name":"Jane Doe"}`)

	require.NoError(t, f.r.Route(ctx, changeItem(id, "5", models.ActionAdd), customerAddOK))

	entry, err := f.db.GetChange(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, entry.Status)
	assert.NotNil(t, entry.ProcessedAt)

	m, err := f.db.MappingByLocal(ctx, models.EntityCustomers, "80000009-1700000000")
	require.NoError(t, err)
	assert.Equal(t, "5", m.RemoteID)
	assert.Equal(t, "1700000009", m.EditSequence)

	// A repeated response does not flip the entry again.
	require.NoError(t, f.r.Route(ctx, changeItem(id, "5", models.ActionAdd), customerAddDuplicate))
	entry, _ = f.db.GetChange(ctx, id)
	assert.Equal(t, models.StatusCompleted, entry.Status)

	logs, err := f.db.RecentSyncLog(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, models.DirectionBitrixToQB, logs[len(logs)-1].Direction)
	f.crm.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconciler_ChangeFailed(t *testing.T) {
	tests := []struct {
		name     string
		response string
		message  string
	}{
		{"error status", customerAddDuplicate, "already in use"},
		{"no records", customerAddEmpty, "No data returned"},
		{"malformed", "<QBXML><QBXMLMsgsRs>", "malformed qbXML"},
		{"empty", "", "empty response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newReconcilerFixture(t)
			ctx := context.Background()
			id := enqueue(t, f.db, "customer", "5", models.ActionAdd, `{"name":"Jane Doe"}`)

			var failedEvents int
			f.bus.Subscribe(events.EventChangeFailed, func(*events.Event) error { failedEvents++; return nil })

			require.NoError(t, f.r.Route(ctx, changeItem(id, "5", models.ActionAdd), tt.response))

			entry, err := f.db.GetChange(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, models.StatusFailed, entry.Status)
			require.NotNil(t, entry.ErrorMessage)
			assert.Contains(t, *entry.ErrorMessage, tt.message)
			assert.Equal(t, 1, failedEvents)

			n, _ := f.db.CountMappings(ctx)
			assert.Zero(t, n)
		})
	}
}

func TestReconciler_DeleteCompletesWithoutTouchingMapping(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.UpsertMapping(ctx, models.IdentityMapping{
		EntityType: models.EntityCustomers, LocalKey: "80000009-1700000000", RemoteID: "5", EditSequence: "3",
	}))
	id := enqueue(t, f.db, "customer", "5", models.ActionDelete, "")

	require.NoError(t, f.r.Route(ctx, changeItem(id, "5", models.ActionDelete), listDelOK))

	entry, _ := f.db.GetChange(ctx, id)
	assert.Equal(t, models.StatusCompleted, entry.Status)
	m, err := f.db.MappingByLocal(ctx, models.EntityCustomers, "80000009-1700000000")
	require.NoError(t, err)
	assert.Equal(t, "3", m.EditSequence)
}

func TestReconciler_ChangeWithoutMeta(t *testing.T) {
	f := newReconcilerFixture(t)
	err := f.r.Route(context.Background(), models.QueueItem{Kind: models.QueueKindChange, RequestID: "2"}, customerAddOK)
	assert.Error(t, err)
}

func TestReconciler_QueryCreatesThenUpdates(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	f.crm.On("Create", mock.Anything, bitrix.KindCompany, mock.MatchedBy(func(fl bitrix.Fields) bool {
		return fl["TITLE"] == "Acme Corp"
	})).Return("10", nil).Once()
	f.crm.On("Create", mock.Anything, bitrix.KindContact, mock.MatchedBy(func(fl bitrix.Fields) bool {
		return fl["NAME"] == "Jane" && fl["LAST_NAME"] == "Doe"
	})).Return("11", nil).Once()

	require.NoError(t, f.r.Route(ctx, queryItem(models.EntityCustomers), customersQuery))

	acme, err := f.db.MappingByLocal(ctx, models.EntityCustomers, "80000001-1")
	require.NoError(t, err)
	assert.Equal(t, "company_10", acme.RemoteID)
	assert.Equal(t, "11", acme.EditSequence)

	jane, err := f.db.MappingByLocal(ctx, models.EntityCustomers, "80000002-1")
	require.NoError(t, err)
	assert.Equal(t, "11", jane.RemoteID)

	at, ok, err := f.db.Watermark(ctx, models.EntityCustomers, models.DirectionQBToBitrix)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, at.Equal(queuedAt))

	// Second pass updates the mapped records in place.
	f.crm.On("Update", mock.Anything, bitrix.KindCompany, "10", mock.Anything).Return(nil).Once()
	f.crm.On("Update", mock.Anything, bitrix.KindContact, "11", mock.Anything).Return(nil).Once()
	require.NoError(t, f.r.Route(ctx, queryItem(models.EntityCustomers), customersQuery))

	n, _ := f.db.CountMappings(ctx)
	assert.Equal(t, 2, n)
	f.crm.AssertExpectations(t)

	synced, err := f.db.CountSyncsSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, synced)
}

func TestReconciler_RecordFailureIsIsolated(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	f.crm.On("Create", mock.Anything, bitrix.KindCompany, mock.Anything).Return("", errors.New("timeout")).Once()
	f.crm.On("Create", mock.Anything, bitrix.KindContact, mock.Anything).Return("11", nil).Once()

	var failures []events.SyncEventPayload
	f.bus.Subscribe(events.EventRecordFailed, func(e *events.Event) error {
		p, err := e.Decode()
		failures = append(failures, p)
		return err
	})

	require.NoError(t, f.r.Route(ctx, queryItem(models.EntityCustomers), customersQuery))

	_, err := f.db.MappingByLocal(ctx, models.EntityCustomers, "80000001-1")
	assert.ErrorIs(t, err, database.ErrNotFound)
	_, err = f.db.MappingByLocal(ctx, models.EntityCustomers, "80000002-1")
	assert.NoError(t, err)

	require.Len(t, failures, 1)
	assert.Equal(t, "80000001-1", failures[0].QBID)
	assert.Equal(t, models.ActionAdd, failures[0].Action)
	assert.Contains(t, failures[0].Message, "timeout")

	_, ok, _ := f.db.Watermark(ctx, models.EntityCustomers, models.DirectionQBToBitrix)
	assert.True(t, ok, "watermark advances despite record failures")
	f.crm.AssertExpectations(t)
}

func collectFailures(bus *events.EventBus) *[]events.SyncEventPayload {
	var failures []events.SyncEventPayload
	bus.Subscribe(events.EventRecordFailed, func(e *events.Event) error {
		p, err := e.Decode()
		failures = append(failures, p)
		return err
	})
	return &failures
}

func TestReconciler_TimedOutRecordFailsAlone(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	timeout := fmt.Errorf("Post \"crm.company.add\": %w", context.DeadlineExceeded)
	f.crm.On("Create", mock.Anything, bitrix.KindContact, mock.Anything).Return("11", nil).Once()
	f.crm.On("Create", mock.Anything, bitrix.KindCompany, mock.Anything).Return("", timeout).Once()
	f.crm.On("Create", mock.Anything, bitrix.KindContact, mock.Anything).Return("12", nil).Once()
	failures := collectFailures(f.bus)

	require.NoError(t, f.r.Route(ctx, queryItem(models.EntityCustomers), customersQueryThree))

	jane, err := f.db.MappingByLocal(ctx, models.EntityCustomers, "80000002-1")
	require.NoError(t, err)
	assert.Equal(t, "11", jane.RemoteID)
	john, err := f.db.MappingByLocal(ctx, models.EntityCustomers, "80000003-1")
	require.NoError(t, err)
	assert.Equal(t, "12", john.RemoteID)
	_, err = f.db.MappingByLocal(ctx, models.EntityCustomers, "80000001-1")
	assert.ErrorIs(t, err, database.ErrNotFound)

	require.Len(t, *failures, 1)
	assert.Equal(t, "80000001-1", (*failures)[0].QBID)
	assert.Contains(t, (*failures)[0].Message, "deadline exceeded")

	at, ok, err := f.db.Watermark(ctx, models.EntityCustomers, models.DirectionQBToBitrix)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, at.Equal(queuedAt))
	f.crm.AssertExpectations(t)
}

func TestReconciler_SlowBitrixAddIsNotRepeated(t *testing.T) {
	var companyAdds, contactAdds atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rest/1/hook/crm.company.add":
			companyAdds.Add(1)
			time.Sleep(150 * time.Millisecond)
			_, _ = w.Write([]byte(`{"result": 99}`))
		case "/rest/1/hook/crm.contact.add":
			_, _ = w.Write([]byte(fmt.Sprintf(`{"result": %d}`, 10+contactAdds.Add(1))))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	t.Cleanup(srv.Close)

	crm := bitrix.NewClient(config.BitrixConfig{
		WebhookURL: srv.URL + "/rest/1/hook",
		Timeout:    50 * time.Millisecond,
		MaxRetries: 2,
	}, nopLogger())
	db := setupTestDB(t)
	bus := events.NewEventBus()
	failures := collectFailures(bus)
	r := NewReconciler(db, db, db, crm, bus, "USD", nopLogger())
	ctx := context.Background()

	require.NoError(t, r.Route(ctx, queryItem(models.EntityCustomers), customersQueryThree))

	assert.Equal(t, int32(1), companyAdds.Load())
	assert.Equal(t, int32(2), contactAdds.Load())
	require.Len(t, *failures, 1)
	assert.Equal(t, "80000001-1", (*failures)[0].QBID)

	_, ok, err := db.Watermark(ctx, models.EntityCustomers, models.DirectionQBToBitrix)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReconciler_QueryWatermarkRules(t *testing.T) {
	t.Run("no match advances", func(t *testing.T) {
		f := newReconcilerFixture(t)
		require.NoError(t, f.r.Route(context.Background(), queryItem(models.EntityCustomers), customersNoMatch))
		_, ok, _ := f.db.Watermark(context.Background(), models.EntityCustomers, models.DirectionQBToBitrix)
		assert.True(t, ok)
	})

	t.Run("error status keeps watermark", func(t *testing.T) {
		f := newReconcilerFixture(t)
		require.NoError(t, f.r.Route(context.Background(), queryItem(models.EntityCustomers), customersQueryError))
		_, ok, _ := f.db.Watermark(context.Background(), models.EntityCustomers, models.DirectionQBToBitrix)
		assert.False(t, ok)
	})

	t.Run("unconfigured crm skips", func(t *testing.T) {
		f := newReconcilerFixture(t)
		f.crm.configured = false
		require.NoError(t, f.r.Route(context.Background(), queryItem(models.EntityCustomers), customersQuery))
		_, ok, _ := f.db.Watermark(context.Background(), models.EntityCustomers, models.DirectionQBToBitrix)
		assert.False(t, ok)
		f.crm.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("monotonic", func(t *testing.T) {
		f := newReconcilerFixture(t)
		ctx := context.Background()
		later := queuedAt.Add(time.Hour)
		require.NoError(t, f.db.AdvanceWatermark(ctx, models.EntityCustomers, models.DirectionQBToBitrix, later))

		require.NoError(t, f.r.Route(ctx, queryItem(models.EntityCustomers), customersNoMatch))
		at, _, _ := f.db.Watermark(ctx, models.EntityCustomers, models.DirectionQBToBitrix)
		assert.True(t, at.Equal(later))
	})
}

func TestReconciler_ItemsReuseCatalogProduct(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	f.crm.On("Find", mock.Anything, bitrix.KindProduct, bitrix.Fields{"XML_ID": "QB_I-1"}).
		Return([]bitrix.Fields{{"ID": "77"}}, nil).Once()
	f.crm.On("Update", mock.Anything, bitrix.KindProduct, "77", mock.MatchedBy(func(fl bitrix.Fields) bool {
		return fl["PRICE"] == 150.0 && fl["DESCRIPTION"] == "Hourly consulting"
	})).Return(nil).Once()

	require.NoError(t, f.r.Route(ctx, queryItem(models.EntityItems), itemsQuery))

	m, err := f.db.MappingByLocal(ctx, models.EntityItems, "I-1")
	require.NoError(t, err)
	assert.Equal(t, "77", m.RemoteID)
	f.crm.AssertExpectations(t)
}

func TestReconciler_InvoiceLinksMappedCompany(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.UpsertMapping(ctx, models.IdentityMapping{
		EntityType: models.EntityCustomers, LocalKey: "80000001-1", RemoteID: "company_10",
	}))

	f.crm.On("Create", mock.Anything, bitrix.KindDeal, mock.MatchedBy(func(fl bitrix.Fields) bool {
		return fl["COMPANY_ID"] == "10" &&
			fl["STAGE_ID"] == bitrix.StageExecuting &&
			fl["TITLE"] == "Invoice 1001"
	})).Return("300", nil).Once()

	require.NoError(t, f.r.Route(ctx, queryItem(models.EntityInvoices), invoicesQuery))

	m, err := f.db.MappingByLocal(ctx, models.EntityInvoices, "T-1")
	require.NoError(t, err)
	assert.Equal(t, "300", m.RemoteID)
	f.crm.AssertExpectations(t)
}

func TestReconciler_RecordsWithoutCounterpartAreSkipped(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.r.Route(ctx, queryItem("accounts"), accountsQuery))

	n, _ := f.db.CountMappings(ctx)
	assert.Zero(t, n)
	_, ok, _ := f.db.Watermark(ctx, "accounts", models.DirectionQBToBitrix)
	assert.True(t, ok)
}

func TestReconciler_HostQueryNeverFails(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	host := models.QueueItem{Kind: models.QueueKindProbe, RequestID: "1"}

	assert.NoError(t, f.r.Route(ctx, host, hostResponse))
	assert.NoError(t, f.r.Route(ctx, host, "<broken"))
	assert.Error(t, f.r.Route(ctx, models.QueueItem{Kind: "bogus"}, hostResponse))
}
