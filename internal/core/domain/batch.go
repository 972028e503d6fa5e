package domain

import "time"

// BatchStatus is the lifecycle state of an analysis batch.
type BatchStatus string

const (
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusStopped   BatchStatus = "stopped"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
)

// Terminal reports whether no further status transitions are allowed.
func (s BatchStatus) Terminal() bool {
	return s != BatchStatusRunning
}

// Batch is one tracked bulk-analysis run.
type Batch struct {
	ID             string      `db:"id"              json:"batch_id"`
	Status         BatchStatus `db:"status"          json:"status"`
	Total          int         `db:"total"           json:"total"`
	CompletedCount int         `db:"completed_count" json:"completed"`
	FailedCount    int         `db:"failed_count"    json:"failed"`
	CreatedAt      time.Time   `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at"      json:"updated_at"`
}

// PendingCount derives the number of items not yet terminal.
// Invariant: CompletedCount + FailedCount + PendingCount == Total.
func (b *Batch) PendingCount() int {
	return b.Total - b.CompletedCount - b.FailedCount
}

// BatchItemState is the per-item lifecycle state within a batch.
type BatchItemState string

const (
	ItemStatePending BatchItemState = "pending"
	ItemStateRunning BatchItemState = "running"
	ItemStateSuccess BatchItemState = "success"
	ItemStateFailed  BatchItemState = "failed"
)

// BatchItem tracks one repo inside a batch. SubmitIndex preserves submission
// order for the processing loop and for tie-breaking.
type BatchItem struct {
	BatchID     string         `db:"batch_id"     json:"-"`
	RepoID      string         `db:"repo_id"      json:"repo_id"`
	SubmitIndex int            `db:"submit_index" json:"submit_index"`
	State       BatchItemState `db:"state"        json:"state"`
	ErrorKind   ErrorKind      `db:"error_kind"   json:"error_kind,omitempty"`
	Retryable   bool           `db:"retryable"    json:"retryable"`
	Attempts    int            `db:"attempts"     json:"attempts"`
	UpdatedAt   time.Time      `db:"updated_at"   json:"updated_at"`
}

// Terminal reports whether the item is done for this batch.
func (i *BatchItem) Terminal() bool {
	return i.State == ItemStateSuccess || i.State == ItemStateFailed
}
