package qbxml

import (
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGolden(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestBuilder_Golden(t *testing.T) {
	since := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	b := NewBuilder("")

	cases := []struct {
		name string
		cmd  Command
	}{
		{"host_query", HostQuery()},
		{"customer_query_full", CustomerQuery(time.Time{}).WithRequestID("2")},
		{"customer_query_incremental", CustomerQuery(since)},
		{"invoice_query_incremental", InvoiceQuery(since)},
		{"customer_add", CustomerAdd(CustomerFields{
			Name:        "Acme & Sons",
			CompanyName: "Acme & Sons",
			FirstName:   "Jane",
			LastName:    "Doe",
			Email:       "jane@acme.test",
			Phone:       "555-0100",
			Address:     &Address{Addr1: "1 Main St", City: "Springfield", State: "IL", PostalCode: "62701"},
		})},
		{"customer_mod", CustomerMod("80000001-1700000000", "1700000001", CustomerFields{
			Name:  "Jane Doe",
			Email: "jane@acme.test",
		})},
		{"list_del", ListDel("Customer", "80000001-1700000000")},
		{"invoice_add", InvoiceAdd(InvoiceFields{
			CustomerListID: "80000001-1700000000",
			RefNumber:      "INV-1",
			TxnDate:        "2024-03-01",
			Lines: []InvoiceLine{
				{ItemListID: "90000001-1700000000", Description: "Consulting", Quantity: "2", Rate: "150.00"},
			},
		})},
	}

	g := newGolden(t)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g.Assert(t, tc.name, []byte(b.Build(tc.cmd)))
		})
	}
}

func TestBuilder_Deterministic(t *testing.T) {
	b := NewBuilder("13.0")
	f := CustomerFields{Name: "Jane", Address: &Address{City: "Austin"}}

	first := b.Build(CustomerAdd(f), VendorAdd(VendorFields{Name: "Supplier"}))
	second := b.Build(CustomerAdd(f), VendorAdd(VendorFields{Name: "Supplier"}))

	assert.Equal(t, first, second)
	assert.Contains(t, first, `<?qbxml version="13.0"?>`)
	assert.Equal(t, 2, strings.Count(first, `requestID="1"`))
}

func TestBuilder_OnErrorPolicy(t *testing.T) {
	b := NewBuilder("").WithOnError(ContinueOnError)
	out := b.Build(HostQuery())
	assert.Contains(t, out, `<QBXMLMsgsRq onError="continueOnError">`)
	assert.Equal(t, DefaultVersion, b.Version())
}

func TestBuilder_SkipsEmptyFields(t *testing.T) {
	out := NewBuilder("").Build(ItemServiceAdd(ItemServiceFields{Name: "Support"}))
	assert.Contains(t, out, "<ItemServiceAdd><Name>Support</Name></ItemServiceAdd>")
	assert.NotContains(t, out, "SalesOrPurchase")

	out = NewBuilder("").Build(ItemServiceAdd(ItemServiceFields{Name: "Support", Price: "10.00", AccountName: "Services"}))
	assert.Contains(t, out, "<SalesOrPurchase><Price>10.00</Price><AccountRef><FullName>Services</FullName></AccountRef></SalesOrPurchase>")
}

func TestEntityQuery(t *testing.T) {
	for _, entity := range []string{"customers", "vendors", "items", "invoices", "estimates"} {
		cmd, err := EntityQuery(entity, time.Time{})
		require.NoError(t, err, entity)
		assert.True(t, strings.HasSuffix(cmd.Name, "QueryRq"), entity)
	}

	for _, entity := range []string{"deals", "accounts", "classes"} {
		_, err := EntityQuery(entity, time.Time{})
		assert.Error(t, err, entity)
	}

	cmd, err := EntityQuery("estimates", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "EstimateQueryRq", cmd.Name)
	assert.Equal(t, "<IncludeLineItems>true</IncludeLineItems>", cmd.Body)
}

func TestQueryByID(t *testing.T) {
	assert.Equal(t, "<ListID>80000001-1</ListID>", CustomerByListID("80000001-1").Body)
	assert.Equal(t, "<TxnID>1A-2</TxnID><IncludeLineItems>true</IncludeLineItems>", InvoiceByTxnID("1A-2").Body)
	assert.Equal(t, "CompanyQueryRq", CompanyQuery().Name)
}

func TestFormatDateTime(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	ts := time.Date(2024, 1, 2, 15, 4, 5, 0, loc)
	assert.Equal(t, "2024-01-02T15:04:05-05:00", FormatDateTime(ts))
}

func TestAddRoundTrip(t *testing.T) {
	req := NewBuilder("").Build(CustomerAdd(CustomerFields{Name: "Round Trip"}))
	require.Contains(t, req, "<CustomerAddRq")

	resp := Parse(`<?xml version="1.0" ?>
<QBXML><QBXMLMsgsRs>
<CustomerAddRs requestID="1" statusCode="0" statusSeverity="Info" statusMessage="Status OK">
<CustomerRet><ListID>8000ABCD-1711111111</ListID><EditSequence>1711111111</EditSequence><Name>Round Trip</Name></CustomerRet>
</CustomerAddRs>
</QBXMLMsgsRs></QBXML>`)

	require.True(t, resp.Success)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "8000ABCD-1711111111", resp.Records[0].LocalKey())
	assert.Equal(t, "1711111111", resp.Records[0].Revision())
	assert.Equal(t, "1", resp.RequestID)
}
