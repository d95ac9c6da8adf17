package qbxml

// Family identifies which extraction routine handles a response.
type Family string

const (
	FamilyHost     Family = "Host"
	FamilyCompany  Family = "Company"
	FamilyCustomer Family = "Customer"
	FamilyVendor   Family = "Vendor"
	FamilyItem     Family = "Item"
	FamilyInvoice  Family = "Invoice"
	FamilyEstimate Family = "Estimate"
	FamilyAccount  Family = "Account"
	FamilyClass    Family = "Class"
	FamilyListDel  Family = "ListDel"
	FamilyGeneric  Family = "Generic"
)

// Record is a parsed *Ret element.
type Record interface {
	// LocalKey is the QuickBooks identity (ListID or TxnID); empty for records without one.
	LocalKey() string
	// Revision is the EditSequence QuickBooks requires for the next Mod request.
	Revision() string
}

// Ref is a qbXML reference (CustomerRef, ItemRef, ...).
type Ref struct {
	ListID   string `json:"list_id,omitempty"`
	FullName string `json:"full_name,omitempty"`
}

// Meta holds the identity fields shared by list objects.
type Meta struct {
	ListID       string
	TimeCreated  string
	TimeModified string
	EditSequence string
}

func (m Meta) LocalKey() string { return m.ListID }
func (m Meta) Revision() string { return m.EditSequence }

// TxnMeta holds the identity fields shared by transactions.
type TxnMeta struct {
	TxnID        string
	TimeCreated  string
	TimeModified string
	EditSequence string
	TxnNumber    string
	RefNumber    string
	TxnDate      string
}

func (m TxnMeta) LocalKey() string { return m.TxnID }
func (m TxnMeta) Revision() string { return m.EditSequence }

type Customer struct {
	Meta
	Name         string
	FullName     string
	IsActive     bool
	CompanyName  string
	FirstName    string
	LastName     string
	Email        string
	Phone        string
	AltPhone     string
	Fax          string
	Balance      string
	TotalBalance string
	BillAddress  *Address
	DataExt      map[string]string
}

type Vendor struct {
	Meta
	Name          string
	IsActive      bool
	CompanyName   string
	FirstName     string
	LastName      string
	Email         string
	Phone         string
	Balance       string
	VendorAddress *Address
	DataExt       map[string]string
}

// Item covers every Item*Ret variant; Type carries the variant (ItemService, ItemInventory, ...).
type Item struct {
	Meta
	Type           string
	Name           string
	FullName       string
	IsActive       bool
	Description    string
	Price          string
	QuantityOnHand string
	AverageCost    string
	DataExt        map[string]string
}

type Line struct {
	TxnLineID   string
	ItemRef     *Ref
	Description string
	Quantity    string
	Rate        string
	Amount      string
}

type Invoice struct {
	TxnMeta
	CustomerRef      *Ref
	DueDate          string
	Subtotal         string
	SalesTaxTotal    string
	AppliedAmount    string
	BalanceRemaining string
	Memo             string
	IsPaid           bool
	Lines            []Line
	DataExt          map[string]string
}

type Estimate struct {
	TxnMeta
	CustomerRef *Ref
	Subtotal    string
	Memo        string
	IsActive    bool
	Lines       []Line
	DataExt     map[string]string
}

type Account struct {
	Meta
	Name          string
	FullName      string
	IsActive      bool
	AccountType   string
	AccountNumber string
	Balance       string
	TotalBalance  string
}

type Class struct {
	Meta
	Name     string
	FullName string
	IsActive bool
}

type Company struct {
	CompanyName      string
	LegalCompanyName string
	Email            string
	Phone            string
	Fax              string
	Website          string
	Address          *Address
}

func (Company) LocalKey() string { return "" }
func (Company) Revision() string { return "" }

type Host struct {
	ProductName            string
	MajorVersion           string
	MinorVersion           string
	Country                string
	QBFileMode             string
	SupportedQBXMLVersions []string
}

func (Host) LocalKey() string { return "" }
func (Host) Revision() string { return "" }

// ListDeleted is the body of a ListDelRs, which has no *Ret wrapper.
type ListDeleted struct {
	ListDelType string
	ListID      string
	FullName    string
	TimeDeleted string
}

func (d ListDeleted) LocalKey() string { return d.ListID }
func (ListDeleted) Revision() string   { return "" }

// Field is one value of a Generic record: plain text, a reference, or a nested aggregate.
type Field struct {
	Text   string
	Ref    *Ref
	Nested Fields
}

// Fields keeps repeated sibling elements in document order.
type Fields map[string][]Field

// Get returns the text of the first value stored under name.
func (f Fields) Get(name string) string {
	if vals := f[name]; len(vals) > 0 {
		return vals[0].Text
	}
	return ""
}

// Generic is the fallback record for response families without a dedicated extractor.
type Generic struct {
	Tag    string
	Fields Fields
}

func (g Generic) LocalKey() string {
	if id := g.Fields.Get("ListID"); id != "" {
		return id
	}
	return g.Fields.Get("TxnID")
}

func (g Generic) Revision() string { return g.Fields.Get("EditSequence") }
