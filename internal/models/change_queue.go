package models

import "time"

// ChangeQueueEntry is a pending CRM-side mutation waiting to be delivered to QuickBooks.
type ChangeQueueEntry struct {
	ID           int64      `json:"id"`
	EntityType   string     `json:"entity_type"`
	RemoteID     string     `json:"remote_id"`
	Action       string     `json:"action"`
	Payload      string     `json:"payload"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
}

// IdentityMapping links a QuickBooks record (ListID or TxnID) to a Bitrix24 id.
type IdentityMapping struct {
	ID           int64     `json:"id"`
	EntityType   string    `json:"entity_type"`
	LocalKey     string    `json:"local_key"`
	RemoteID     string    `json:"remote_id"`
	EditSequence string    `json:"edit_sequence,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type SyncWatermark struct {
	EntityType   string    `json:"entity_type"`
	Direction    string    `json:"direction"`
	LastSyncedAt time.Time `json:"last_synced_at"`
}

// SyncLogEntry is one audit row describing a reconciliation outcome.
type SyncLogEntry struct {
	ID         int64     `json:"id"`
	Direction  string    `json:"direction"`
	EntityType string    `json:"entity_type"`
	QBID       string    `json:"qb_id,omitempty"`
	BitrixID   string    `json:"bitrix_id,omitempty"`
	Action     string    `json:"action"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
