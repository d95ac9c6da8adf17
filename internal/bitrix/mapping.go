package bitrix

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/botpros-admin/qb-bitrix-connector/internal/models"
	"github.com/botpros-admin/qb-bitrix-connector/internal/qbxml"
)

// Deal stages used for QuickBooks transactions.
const (
	StageNew         = "NEW"
	StagePreparation = "PREPARATION"
	StageExecuting   = "EXECUTING"
	StageWon         = "WON"
)

// CompanyPrefix marks a remote id that refers to a company rather than a contact.
const CompanyPrefix = models.BitrixCompanyPrefix

// maxQBNameLen is the QuickBooks limit for Customer and Vendor names.
const maxQBNameLen = 41

// CompanyRemoteID returns the remote id stored for a Bitrix24 company.
func CompanyRemoteID(id string) string {
	return CompanyPrefix + id
}

// SplitRemoteID resolves a stored remote id to the Bitrix24 entity and its numeric id.
func SplitRemoteID(remoteID string) (EntityKind, string) {
	if id, ok := strings.CutPrefix(remoteID, CompanyPrefix); ok {
		return KindCompany, id
	}
	return KindContact, remoteID
}

func multi(value string) []map[string]string {
	return []map[string]string{{"VALUE": value, "VALUE_TYPE": "WORK"}}
}

func amount(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

func formatAddress(a *qbxml.Address) string {
	if a == nil {
		return ""
	}
	cityLine := strings.TrimSpace(strings.Join(nonEmpty(a.City, strings.TrimSpace(a.State+" "+a.PostalCode)), ", "))
	return strings.Join(nonEmpty(a.Addr1, a.Addr2, cityLine, a.Country), "\n")
}

func nonEmpty(parts ...string) []string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func CustomerToContact(c qbxml.Customer) Fields {
	first, last := c.FirstName, c.LastName
	if first == "" || last == "" {
		words := strings.Fields(c.Name)
		if first == "" && len(words) > 0 {
			first = words[0]
		}
		if last == "" && len(words) > 1 {
			last = words[len(words)-1]
		}
	}
	f := Fields{
		"NAME":               first,
		"LAST_NAME":          last,
		"COMPANY_TITLE":      c.CompanyName,
		"SOURCE_DESCRIPTION": "QB ListID: " + c.ListID,
	}
	if c.Email != "" {
		f["EMAIL"] = multi(c.Email)
	}
	if c.Phone != "" {
		f["PHONE"] = multi(c.Phone)
	}
	if addr := formatAddress(c.BillAddress); addr != "" {
		f["ADDRESS"] = addr
	}
	return f
}

func CustomerToCompany(c qbxml.Customer) Fields {
	title := c.CompanyName
	if title == "" {
		title = c.Name
	}
	f := Fields{
		"TITLE":    title,
		"COMMENTS": "QB ListID: " + c.ListID,
	}
	if c.Email != "" {
		f["EMAIL"] = multi(c.Email)
	}
	if c.Phone != "" {
		f["PHONE"] = multi(c.Phone)
	}
	return f
}

func VendorToCompany(v qbxml.Vendor) Fields {
	title := v.CompanyName
	if title == "" {
		title = v.Name
	}
	f := Fields{
		"TITLE":        title,
		"COMPANY_TYPE": "SUPPLIER",
		"COMMENTS":     "QB Vendor ListID: " + v.ListID,
	}
	if v.Email != "" {
		f["EMAIL"] = multi(v.Email)
	}
	if v.Phone != "" {
		f["PHONE"] = multi(v.Phone)
	}
	if addr := formatAddress(v.VendorAddress); addr != "" {
		f["ADDRESS"] = addr
	}
	return f
}

// ProductXMLID is the external id under which a QuickBooks item is stored in the catalog.
func ProductXMLID(listID string) string {
	return "QB_" + listID
}

func ItemToProduct(it qbxml.Item, currency string) Fields {
	name := it.Name
	if name == "" {
		name = it.FullName
	}
	return Fields{
		"NAME":        name,
		"DESCRIPTION": it.Description,
		"PRICE":       amount(it.Price),
		"CURRENCY_ID": currency,
		"XML_ID":      ProductXMLID(it.ListID),
	}
}

func txnTitle(prefix string, m qbxml.TxnMeta) string {
	ref := m.RefNumber
	if ref == "" {
		ref = m.TxnID
	}
	return prefix + " " + ref
}

func txnComments(m qbxml.TxnMeta, memo string) string {
	return fmt.Sprintf("QB TxnID: %s\n%s", m.TxnID, memo)
}

// InvoiceStage derives the deal stage from the invoice payment state.
func InvoiceStage(inv qbxml.Invoice) string {
	switch {
	case inv.IsPaid:
		return StageWon
	case amount(inv.BalanceRemaining) > 0:
		return StageExecuting
	default:
		return StageNew
	}
}

func InvoiceToDeal(inv qbxml.Invoice, currency string) Fields {
	return Fields{
		"TITLE":       txnTitle("Invoice", inv.TxnMeta),
		"OPPORTUNITY": amount(inv.Subtotal),
		"CURRENCY_ID": currency,
		"COMMENTS":    txnComments(inv.TxnMeta, inv.Memo),
		"STAGE_ID":    InvoiceStage(inv),
	}
}

func EstimateToDeal(est qbxml.Estimate, currency string) Fields {
	return Fields{
		"TITLE":       txnTitle("Estimate", est.TxnMeta),
		"OPPORTUNITY": amount(est.Subtotal),
		"CURRENCY_ID": currency,
		"COMMENTS":    txnComments(est.TxnMeta, est.Memo),
		"STAGE_ID":    StagePreparation,
	}
}

// LinkCustomer sets the deal's company or contact from a customer remote id.
func LinkCustomer(deal Fields, remoteID string) {
	if remoteID == "" {
		return
	}
	kind, id := SplitRemoteID(remoteID)
	if kind == KindCompany {
		deal["COMPANY_ID"] = id
		return
	}
	deal["CONTACT_ID"] = id
}

func qbName(name string) string {
	r := []rune(strings.TrimSpace(name))
	if len(r) > maxQBNameLen {
		r = r[:maxQBNameLen]
	}
	return string(r)
}

// ContactToCustomerFields converts a Bitrix24 contact to a QuickBooks customer payload.
func ContactToCustomerFields(f Fields) qbxml.CustomerFields {
	first, last := f.String("NAME"), f.String("LAST_NAME")
	name := strings.TrimSpace(first + " " + last)
	if name == "" {
		name = "Bitrix Contact " + f.String("ID")
	}
	return qbxml.CustomerFields{
		Name:        qbName(name),
		CompanyName: f.String("COMPANY_TITLE"),
		FirstName:   first,
		LastName:    last,
		Email:       f.Multi("EMAIL"),
		Phone:       f.Multi("PHONE"),
	}
}

// CompanyToCustomerFields converts a Bitrix24 company to a QuickBooks customer payload.
func CompanyToCustomerFields(f Fields) qbxml.CustomerFields {
	title := f.String("TITLE")
	if title == "" {
		title = "Bitrix Company " + f.String("ID")
	}
	return qbxml.CustomerFields{
		Name:        qbName(title),
		CompanyName: title,
		Email:       f.Multi("EMAIL"),
		Phone:       f.Multi("PHONE"),
	}
}
