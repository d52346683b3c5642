package types

import "time"

// QueueRecord is the remote-side record a Backend stores, keyed by the
// request's queue-assigned ID. OrderNo is a sortable key: negative values
// place the record at the forefront of the head. Within each band (forefront
// and normal) the key grows with every insert, so ties break by insertion
// order.
type QueueRecord struct {
	ID        string
	Request   *Request
	OrderNo   float64
	HandledAt *time.Time
}

// IsHandled reports whether the record has reached a terminal state.
func (r *QueueRecord) IsHandled() bool {
	return r.HandledAt != nil
}

// QueueOperationInfo is returned by every mutating Backend operation. It
// drives the queue's local unique-key cache: callers use WasAlreadyPresent
// to short-circuit repeat AddRequest calls and WasAlreadyHandled to avoid
// re-queuing work a backend already completed.
type QueueOperationInfo struct {
	RequestID        string
	WasAlreadyPresent bool
	WasAlreadyHandled bool
	Request          *Request
}

// HeadItem is one entry returned by Backend.ListHead: enough to populate the
// queue's local pendingHead cache without transferring the full request body.
type HeadItem struct {
	ID        string
	UniqueKey string
}

// HeadListing is the result of Backend.ListHead.
type HeadListing struct {
	Items             []HeadItem
	QueueModifiedAt   time.Time
	HadMultipleClients bool
}

// QueueInfo is the result of Backend.GetInfo.
type QueueInfo struct {
	TotalRequestCount   int
	HandledRequestCount int
	PendingRequestCount int
	CreatedAt           time.Time
	ModifiedAt          time.Time
	AccessedAt          time.Time
}
