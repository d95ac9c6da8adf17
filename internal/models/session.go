package models

import "time"

type QueueKind string

const (
	QueueKindProbe  QueueKind = "probe"
	QueueKindChange QueueKind = "change"
	QueueKindQuery  QueueKind = "query"
)

// QueueMeta ties a queued request back to the change queue entry or entity it was built for.
type QueueMeta struct {
	ChangeQueueID int64     `json:"change_queue_id,omitempty"`
	RemoteID      string    `json:"remote_id,omitempty"`
	EntityType    string    `json:"entity_type,omitempty"`
	Action        string    `json:"action,omitempty"`
	Incremental   bool      `json:"incremental,omitempty"`
	QueuedAt      time.Time `json:"queued_at"`
}

// QueueItem is one qbXML request served to the Web Connector. Immutable once queued.
type QueueItem struct {
	Kind      QueueKind  `json:"kind"`
	RequestID string     `json:"request_id"`
	Payload   string     `json:"payload"`
	Direction string     `json:"direction"`
	Meta      *QueueMeta `json:"meta,omitempty"`
}

// Session holds the request cursor of one authenticated Web Connector run.
type Session struct {
	Ticket     string      `json:"ticket"`
	User       string      `json:"user"`
	Queue      []QueueItem `json:"queue"`
	Cursor     int         `json:"cursor"`
	LastError  string      `json:"last_error"`
	CreatedAt  time.Time   `json:"created_at"`
	LastSeenAt time.Time   `json:"last_seen_at"`
}

// Done reports whether every queued request has been answered.
func (s *Session) Done() bool {
	return s.Cursor >= len(s.Queue)
}

// Current returns the request at the cursor without advancing it.
func (s *Session) Current() (QueueItem, bool) {
	if s.Cursor < 0 || s.Cursor >= len(s.Queue) {
		return QueueItem{}, false
	}
	return s.Queue[s.Cursor], true
}

// Advance moves the cursor forward by one, never past the end of the queue.
func (s *Session) Advance() {
	if s.Cursor < len(s.Queue) {
		s.Cursor++
	}
}

// Progress returns the completed share of the queue as a whole percentage.
func (s *Session) Progress() int {
	if len(s.Queue) == 0 {
		return 100
	}
	return 100 * s.Cursor / len(s.Queue)
}

// Clone returns a copy safe to mutate; queue items are shared because they are immutable.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Queue = append([]QueueItem(nil), s.Queue...)
	return &c
}

// ResolvedChange is a pending change queue entry settled while building the queue,
// without sending a request.
type ResolvedChange struct {
	ChangeQueueID int64
	Reason        string
}

// BuiltQueue is the request list composed for a new session. Rejected entries can never
// be sent; Settled entries are already reflected in QuickBooks.
type BuiltQueue struct {
	Items    []QueueItem
	Rejected []ResolvedChange
	Settled  []ResolvedChange
}
