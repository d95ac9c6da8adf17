package qbxml

import (
	"strings"
)

// Response is the parsed outcome of one qbXML response. Parse never fails: malformed
// input yields Success=false with the cause in StatusMessage.
type Response struct {
	Success        bool
	StatusCode     string
	StatusSeverity string
	StatusMessage  string
	RequestID      string
	Tag            string
	Family         Family
	Records        []Record
}

// NoMatch reports the informational "query found nothing" status (code 1).
func (r *Response) NoMatch() bool {
	return r.StatusCode == "1" && strings.EqualFold(r.StatusSeverity, "Info")
}

type extractFunc func(rs *node) []Record

// responseFamilies maps every supported response tag onto its family. Query, Add and Mod
// responses of one family share an extractor.
var responseFamilies = map[string]Family{
	"HostQueryRs":             FamilyHost,
	"CompanyQueryRs":          FamilyCompany,
	"CustomerQueryRs":         FamilyCustomer,
	"CustomerAddRs":           FamilyCustomer,
	"CustomerModRs":           FamilyCustomer,
	"VendorQueryRs":           FamilyVendor,
	"VendorAddRs":             FamilyVendor,
	"VendorModRs":             FamilyVendor,
	"ItemQueryRs":             FamilyItem,
	"ItemServiceQueryRs":      FamilyItem,
	"ItemServiceAddRs":        FamilyItem,
	"ItemServiceModRs":        FamilyItem,
	"ItemInventoryQueryRs":    FamilyItem,
	"ItemInventoryAddRs":      FamilyItem,
	"ItemInventoryModRs":      FamilyItem,
	"ItemNonInventoryQueryRs": FamilyItem,
	"ItemNonInventoryAddRs":   FamilyItem,
	"ItemNonInventoryModRs":   FamilyItem,
	"ItemOtherChargeQueryRs":  FamilyItem,
	"ItemDiscountQueryRs":     FamilyItem,
	"ItemGroupQueryRs":        FamilyItem,
	"InvoiceQueryRs":          FamilyInvoice,
	"InvoiceAddRs":            FamilyInvoice,
	"InvoiceModRs":            FamilyInvoice,
	"EstimateQueryRs":         FamilyEstimate,
	"EstimateAddRs":           FamilyEstimate,
	"EstimateModRs":           FamilyEstimate,
	"AccountQueryRs":          FamilyAccount,
	"AccountAddRs":            FamilyAccount,
	"AccountModRs":            FamilyAccount,
	"ClassQueryRs":            FamilyClass,
	"ClassAddRs":              FamilyClass,
	"ClassModRs":              FamilyClass,
	"ListDelRs":               FamilyListDel,
}

var extractors = map[Family]extractFunc{
	FamilyHost:     extractHost,
	FamilyCompany:  extractCompany,
	FamilyCustomer: retExtractor(parseCustomer, "CustomerRet"),
	FamilyVendor:   retExtractor(parseVendor, "VendorRet"),
	FamilyItem: retExtractor(parseItem,
		"ItemServiceRet", "ItemInventoryRet", "ItemNonInventoryRet",
		"ItemOtherChargeRet", "ItemDiscountRet", "ItemGroupRet"),
	FamilyInvoice:  retExtractor(parseInvoice, "InvoiceRet"),
	FamilyEstimate: retExtractor(parseEstimate, "EstimateRet"),
	FamilyAccount:  retExtractor(parseAccount, "AccountRet"),
	FamilyClass:    retExtractor(parseClass, "ClassRet"),
	FamilyListDel:  extractListDel,
	FamilyGeneric:  extractGeneric,
}

// FamilyOf returns the family registered for a response tag, or FamilyGeneric.
func FamilyOf(tag string) Family {
	if f, ok := responseFamilies[tag]; ok {
		return f
	}
	return FamilyGeneric
}

// Parse decodes a qbXML response document.
func Parse(raw string) *Response {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return failed("empty response")
	}

	root, err := parseTree([]byte(raw))
	if err != nil {
		return failed("malformed qbXML: " + err.Error())
	}

	msgs := root
	if msgs.Name != "QBXMLMsgsRs" {
		msgs = root.find("QBXMLMsgsRs")
	}
	if msgs == nil {
		return failed("no QBXMLMsgsRs element found")
	}

	var rs *node
	for _, c := range msgs.Children {
		if strings.HasSuffix(c.Name, "Rs") {
			rs = c
			break
		}
	}
	if rs == nil {
		return failed("no response element found")
	}

	family := FamilyOf(rs.Name)
	resp := &Response{
		StatusCode:     rs.attr("statusCode"),
		StatusSeverity: rs.attr("statusSeverity"),
		StatusMessage:  rs.attr("statusMessage"),
		RequestID:      rs.attr("requestID"),
		Tag:            rs.Name,
		Family:         family,
	}
	resp.Success = resp.StatusCode == "0"
	resp.Records = extractors[family](rs)
	return resp
}

func failed(msg string) *Response {
	return &Response{Success: false, StatusMessage: msg}
}

func retExtractor(parse func(*node) Record, tags ...string) extractFunc {
	return func(rs *node) []Record {
		var out []Record
		for _, c := range rs.Children {
			for _, tag := range tags {
				if c.Name == tag {
					out = append(out, parse(c))
					break
				}
			}
		}
		return out
	}
}

func parseMeta(n *node) Meta {
	return Meta{
		ListID:       n.text("ListID"),
		TimeCreated:  n.text("TimeCreated"),
		TimeModified: n.text("TimeModified"),
		EditSequence: n.text("EditSequence"),
	}
}

func parseTxnMeta(n *node) TxnMeta {
	return TxnMeta{
		TxnID:        n.text("TxnID"),
		TimeCreated:  n.text("TimeCreated"),
		TimeModified: n.text("TimeModified"),
		EditSequence: n.text("EditSequence"),
		TxnNumber:    n.text("TxnNumber"),
		RefNumber:    n.text("RefNumber"),
		TxnDate:      n.text("TxnDate"),
	}
}

func parseRef(n *node) *Ref {
	if n == nil {
		return nil
	}
	return &Ref{ListID: n.text("ListID"), FullName: n.text("FullName")}
}

func parseAddress(n *node) *Address {
	if n == nil {
		return nil
	}
	return &Address{
		Addr1:      n.text("Addr1"),
		Addr2:      n.text("Addr2"),
		City:       n.text("City"),
		State:      n.text("State"),
		PostalCode: n.text("PostalCode"),
		Country:    n.text("Country"),
	}
}

// parseDataExt collects custom fields (DataExtRet) into a name -> value bag.
func parseDataExt(n *node) map[string]string {
	exts := n.children("DataExtRet")
	if len(exts) == 0 {
		return nil
	}
	out := make(map[string]string, len(exts))
	for _, e := range exts {
		out[e.text("DataExtName")] = e.text("DataExtValue")
	}
	return out
}

func parseLines(n *node, tag string) []Line {
	var lines []Line
	for _, l := range n.children(tag) {
		lines = append(lines, Line{
			TxnLineID:   l.text("TxnLineID"),
			ItemRef:     parseRef(l.child("ItemRef")),
			Description: l.text("Desc"),
			Quantity:    l.text("Quantity"),
			Rate:        l.text("Rate"),
			Amount:      l.text("Amount"),
		})
	}
	return lines
}

func isTrue(s string) bool { return s == "true" }

func parseCustomer(n *node) Record {
	return Customer{
		Meta:         parseMeta(n),
		Name:         n.text("Name"),
		FullName:     n.text("FullName"),
		IsActive:     isTrue(n.text("IsActive")),
		CompanyName:  n.text("CompanyName"),
		FirstName:    n.text("FirstName"),
		LastName:     n.text("LastName"),
		Email:        n.text("Email"),
		Phone:        n.text("Phone"),
		AltPhone:     n.text("AltPhone"),
		Fax:          n.text("Fax"),
		Balance:      n.text("Balance"),
		TotalBalance: n.text("TotalBalance"),
		BillAddress:  parseAddress(n.child("BillAddress")),
		DataExt:      parseDataExt(n),
	}
}

func parseVendor(n *node) Record {
	return Vendor{
		Meta:          parseMeta(n),
		Name:          n.text("Name"),
		IsActive:      isTrue(n.text("IsActive")),
		CompanyName:   n.text("CompanyName"),
		FirstName:     n.text("FirstName"),
		LastName:      n.text("LastName"),
		Email:         n.text("Email"),
		Phone:         n.text("Phone"),
		Balance:       n.text("Balance"),
		VendorAddress: parseAddress(n.child("VendorAddress")),
		DataExt:       parseDataExt(n),
	}
}

func parseItem(n *node) Record {
	item := Item{
		Meta:           parseMeta(n),
		Type:           strings.TrimSuffix(n.Name, "Ret"),
		Name:           n.text("Name"),
		FullName:       n.text("FullName"),
		IsActive:       isTrue(n.text("IsActive")),
		QuantityOnHand: n.text("QuantityOnHand"),
		AverageCost:    n.text("AverageCost"),
		DataExt:        parseDataExt(n),
	}
	// Inventory items carry SalesDesc/SalesPrice, service items nest Desc/Price in SalesOrPurchase.
	item.Description = n.text("SalesDesc")
	if item.Description == "" {
		if d := n.find("Desc"); d != nil {
			item.Description = d.Text
		}
	}
	item.Price = n.text("SalesPrice")
	if item.Price == "" {
		if p := n.find("Price"); p != nil {
			item.Price = p.Text
		}
	}
	return item
}

func parseInvoice(n *node) Record {
	return Invoice{
		TxnMeta:          parseTxnMeta(n),
		CustomerRef:      parseRef(n.child("CustomerRef")),
		DueDate:          n.text("DueDate"),
		Subtotal:         n.text("Subtotal"),
		SalesTaxTotal:    n.text("SalesTaxTotal"),
		AppliedAmount:    n.text("AppliedAmount"),
		BalanceRemaining: n.text("BalanceRemaining"),
		Memo:             n.text("Memo"),
		IsPaid:           isTrue(n.text("IsPaid")),
		Lines:            parseLines(n, "InvoiceLineRet"),
		DataExt:          parseDataExt(n),
	}
}

func parseEstimate(n *node) Record {
	return Estimate{
		TxnMeta:     parseTxnMeta(n),
		CustomerRef: parseRef(n.child("CustomerRef")),
		Subtotal:    n.text("Subtotal"),
		Memo:        n.text("Memo"),
		IsActive:    isTrue(n.text("IsActive")),
		Lines:       parseLines(n, "EstimateLineRet"),
		DataExt:     parseDataExt(n),
	}
}

func parseAccount(n *node) Record {
	return Account{
		Meta:          parseMeta(n),
		Name:          n.text("Name"),
		FullName:      n.text("FullName"),
		IsActive:      isTrue(n.text("IsActive")),
		AccountType:   n.text("AccountType"),
		AccountNumber: n.text("AccountNumber"),
		Balance:       n.text("Balance"),
		TotalBalance:  n.text("TotalBalance"),
	}
}

func parseClass(n *node) Record {
	return Class{
		Meta:     parseMeta(n),
		Name:     n.text("Name"),
		FullName: n.text("FullName"),
		IsActive: isTrue(n.text("IsActive")),
	}
}

func extractCompany(rs *node) []Record {
	c := rs.child("CompanyRet")
	if c == nil {
		return nil
	}
	return []Record{Company{
		CompanyName:      c.text("CompanyName"),
		LegalCompanyName: c.text("LegalCompanyName"),
		Email:            c.text("Email"),
		Phone:            c.text("Phone"),
		Fax:              c.text("Fax"),
		Website:          c.text("CompanyWebsite"),
		Address:          parseAddress(c.child("Address")),
	}}
}

func extractHost(rs *node) []Record {
	h := rs.child("HostRet")
	if h == nil {
		return nil
	}
	host := Host{
		ProductName:  h.text("ProductName"),
		MajorVersion: h.text("MajorVersion"),
		MinorVersion: h.text("MinorVersion"),
		Country:      h.text("Country"),
		QBFileMode:   h.text("QBFileMode"),
	}
	for _, v := range h.children("SupportedQBXMLVersion") {
		host.SupportedQBXMLVersions = append(host.SupportedQBXMLVersions, v.Text)
	}
	return []Record{host}
}

func extractListDel(rs *node) []Record {
	if rs.child("ListID") == nil {
		return nil
	}
	return []Record{ListDeleted{
		ListDelType: rs.text("ListDelType"),
		ListID:      rs.text("ListID"),
		FullName:    rs.text("FullName"),
		TimeDeleted: rs.text("TimeDeleted"),
	}}
}

// extractGeneric turns every *Ret child of the response into a Generic record.
func extractGeneric(rs *node) []Record {
	var out []Record
	for _, c := range rs.Children {
		if strings.HasSuffix(c.Name, "Ret") {
			out = append(out, Generic{Tag: c.Name, Fields: toFields(c)})
		}
	}
	return out
}

func toFields(n *node) Fields {
	f := make(Fields)
	for _, c := range n.Children {
		f[c.Name] = append(f[c.Name], toField(c))
	}
	return f
}

func toField(n *node) Field {
	if len(n.Children) == 0 {
		return Field{Text: n.Text}
	}
	if strings.HasSuffix(n.Name, "Ref") {
		return Field{Ref: parseRef(n)}
	}
	return Field{Nested: toFields(n)}
}
