package models

import "strings"

// Change queue entry statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Change queue actions.
const (
	ActionAdd    = "add"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Sync directions. QuickBooks is the local system, Bitrix24 the remote CRM.
const (
	DirectionQBToBitrix = "qb_to_bitrix"
	DirectionBitrixToQB = "bitrix_to_qb"
)

// Tracked entity types. Identity mappings and watermarks are keyed by these names.
const (
	EntityCustomers = "customers"
	EntityVendors   = "vendors"
	EntityItems     = "items"
	EntityInvoices  = "invoices"
	EntityEstimates = "estimates"
)

// DefaultEntities is the query order used when the configuration does not override it.
var DefaultEntities = []string{
	EntityCustomers,
	EntityVendors,
	EntityItems,
	EntityInvoices,
	EntityEstimates,
}

// IsKnownEntity reports whether name is a tracked entity type.
func IsKnownEntity(name string) bool {
	for _, e := range DefaultEntities {
		if e == name {
			return true
		}
	}
	return false
}

// NormalizeEntityType maps singular change-queue names ("customer") onto tracked entity types.
func NormalizeEntityType(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if IsKnownEntity(n) {
		return n
	}
	if IsKnownEntity(n + "s") {
		return n + "s"
	}
	return n
}

const (
	// DefaultSessionTTL время жизни неактивной сессии Web Connector (в секундах)
	DefaultSessionTTL = 30 * 60

	// DefaultQBXMLVersion версия qbXML по умолчанию
	DefaultQBXMLVersion = "16.0"

	// BitrixCompanyPrefix префикс идентификаторов компаний Bitrix24 в очереди изменений
	BitrixCompanyPrefix = "company_"
)
