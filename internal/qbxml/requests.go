package qbxml

import (
	"fmt"
	"time"
)

// DateTimeLayout is the qbXML datetime format used for modified-date filters.
const DateTimeLayout = "2006-01-02T15:04:05-07:00"

// Address is the qbXML address aggregate (BillAddress, VendorAddress, ...).
type Address struct {
	Addr1      string `json:"addr1,omitempty"`
	Addr2      string `json:"addr2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// CustomerFields is the change-queue payload for customer add/mod requests.
type CustomerFields struct {
	Name        string   `json:"name"`
	CompanyName string   `json:"company_name,omitempty"`
	FirstName   string   `json:"first_name,omitempty"`
	LastName    string   `json:"last_name,omitempty"`
	Email       string   `json:"email,omitempty"`
	Phone       string   `json:"phone,omitempty"`
	Address     *Address `json:"address,omitempty"`
}

type VendorFields struct {
	Name        string   `json:"name"`
	CompanyName string   `json:"company_name,omitempty"`
	FirstName   string   `json:"first_name,omitempty"`
	LastName    string   `json:"last_name,omitempty"`
	Email       string   `json:"email,omitempty"`
	Phone       string   `json:"phone,omitempty"`
	Address     *Address `json:"address,omitempty"`
}

type ItemServiceFields struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Price       string `json:"price,omitempty"`
	AccountName string `json:"account_name,omitempty"`
}

type InvoiceLine struct {
	ItemListID  string `json:"item_list_id,omitempty"`
	Description string `json:"description,omitempty"`
	Quantity    string `json:"quantity,omitempty"`
	Rate        string `json:"rate,omitempty"`
	Amount      string `json:"amount,omitempty"`
}

type InvoiceFields struct {
	CustomerListID string        `json:"customer_list_id"`
	RefNumber      string        `json:"ref_number,omitempty"`
	TxnDate        string        `json:"txn_date,omitempty"`
	Memo           string        `json:"memo,omitempty"`
	Lines          []InvoiceLine `json:"lines,omitempty"`
}

func FormatDateTime(t time.Time) string {
	return t.Format(DateTimeLayout)
}

func HostQuery() Command {
	return Command{Name: "HostQueryRq"}
}

func CompanyQuery() Command {
	return Command{Name: "CompanyQueryRq"}
}

// listQuery builds a list-object query (customers, vendors, items, accounts, classes).
// A zero since means a full query.
func listQuery(name string, since time.Time) Command {
	var b body
	b.field("ActiveStatus", "All")
	if !since.IsZero() {
		b.field("FromModifiedDate", FormatDateTime(since))
	}
	return Command{Name: name, Body: b.String()}
}

// txnQuery builds a transaction query (invoices, estimates) including line items.
func txnQuery(name string, since time.Time) Command {
	var b body
	if !since.IsZero() {
		b.group("ModifiedDateRangeFilter", func(g *body) {
			g.field("FromModifiedDate", FormatDateTime(since))
		})
	}
	b.field("IncludeLineItems", "true")
	return Command{Name: name, Body: b.String()}
}

func CustomerQuery(since time.Time) Command { return listQuery("CustomerQueryRq", since) }
func VendorQuery(since time.Time) Command   { return listQuery("VendorQueryRq", since) }
func ItemQuery(since time.Time) Command     { return listQuery("ItemQueryRq", since) }
func AccountQuery(since time.Time) Command  { return listQuery("AccountQueryRq", since) }
func ClassQuery(since time.Time) Command    { return listQuery("ClassQueryRq", since) }
func InvoiceQuery(since time.Time) Command  { return txnQuery("InvoiceQueryRq", since) }
func EstimateQuery(since time.Time) Command { return txnQuery("EstimateQueryRq", since) }

// CustomerByListID queries a single customer.
func CustomerByListID(listID string) Command {
	var b body
	b.field("ListID", listID)
	return Command{Name: "CustomerQueryRq", Body: b.String()}
}

// InvoiceByTxnID queries a single invoice with its lines.
func InvoiceByTxnID(txnID string) Command {
	var b body
	b.field("TxnID", txnID).field("IncludeLineItems", "true")
	return Command{Name: "InvoiceQueryRq", Body: b.String()}
}

var entityQueries = map[string]func(time.Time) Command{
	"customers": CustomerQuery,
	"vendors":   VendorQuery,
	"items":     ItemQuery,
	"invoices":  InvoiceQuery,
	"estimates": EstimateQuery,
}

// EntityQuery returns the full (zero since) or incremental query for a tracked entity type.
func EntityQuery(entity string, since time.Time) (Command, error) {
	fn, ok := entityQueries[entity]
	if !ok {
		return Command{}, fmt.Errorf("no query defined for entity %q", entity)
	}
	return fn(since), nil
}

func writeAddress(b *body, tag string, a *Address) {
	if a == nil {
		return
	}
	b.group(tag, func(g *body) {
		g.field("Addr1", a.Addr1).
			field("Addr2", a.Addr2).
			field("City", a.City).
			field("State", a.State).
			field("PostalCode", a.PostalCode).
			field("Country", a.Country)
	})
}

func writeCustomer(b *body, f CustomerFields) {
	b.field("Name", f.Name).
		field("CompanyName", f.CompanyName).
		field("FirstName", f.FirstName).
		field("LastName", f.LastName)
	writeAddress(b, "BillAddress", f.Address)
	b.field("Phone", f.Phone).field("Email", f.Email)
}

func CustomerAdd(f CustomerFields) Command {
	var b body
	b.group("CustomerAdd", func(g *body) { writeCustomer(g, f) })
	return Command{Name: "CustomerAddRq", Body: b.String()}
}

// CustomerMod updates an existing customer; editSequence must be the latest one QuickBooks returned.
func CustomerMod(listID, editSequence string, f CustomerFields) Command {
	var b body
	b.group("CustomerMod", func(g *body) {
		g.field("ListID", listID).field("EditSequence", editSequence)
		writeCustomer(g, f)
	})
	return Command{Name: "CustomerModRq", Body: b.String()}
}

func VendorAdd(f VendorFields) Command {
	var b body
	b.group("VendorAdd", func(g *body) {
		g.field("Name", f.Name).
			field("CompanyName", f.CompanyName).
			field("FirstName", f.FirstName).
			field("LastName", f.LastName)
		writeAddress(g, "VendorAddress", f.Address)
		g.field("Phone", f.Phone).field("Email", f.Email)
	})
	return Command{Name: "VendorAddRq", Body: b.String()}
}

func ItemServiceAdd(f ItemServiceFields) Command {
	var b body
	b.group("ItemServiceAdd", func(g *body) {
		g.field("Name", f.Name)
		g.group("SalesOrPurchase", func(s *body) {
			s.field("Desc", f.Description).field("Price", f.Price)
			s.group("AccountRef", func(r *body) { r.field("FullName", f.AccountName) })
		})
	})
	return Command{Name: "ItemServiceAddRq", Body: b.String()}
}

func InvoiceAdd(f InvoiceFields) Command {
	var b body
	b.group("InvoiceAdd", func(g *body) {
		g.group("CustomerRef", func(r *body) { r.field("ListID", f.CustomerListID) })
		g.field("TxnDate", f.TxnDate).
			field("RefNumber", f.RefNumber).
			field("Memo", f.Memo)
		for _, l := range f.Lines {
			g.group("InvoiceLineAdd", func(lb *body) {
				lb.group("ItemRef", func(r *body) { r.field("ListID", l.ItemListID) })
				lb.field("Desc", l.Description).
					field("Quantity", l.Quantity).
					field("Rate", l.Rate).
					field("Amount", l.Amount)
			})
		}
	})
	return Command{Name: "InvoiceAddRq", Body: b.String()}
}

// ListDel deletes a list object such as a customer (listDelType "Customer").
func ListDel(listDelType, listID string) Command {
	var b body
	b.field("ListDelType", listDelType).field("ListID", listID)
	return Command{Name: "ListDelRq", Body: b.String()}
}
