package model

import "time"

// Generation statuses stored in generation_records.status.
const (
	StatusPending  = "pending"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// GenerationRecord tracks the provenance of a ticket document.  There is at
// most one row per ticket id; the unique key on ticket_id is what lets
// several service processes agree on who renders a ticket.
//
// Lifecycle: a row is created (or re-claimed) in pending when generation
// starts, moves to complete once the PDF is stored, and to failed when the
// attempt errors.  A failed row may be claimed again until Attempts reaches
// the configured maximum.
type GenerationRecord struct {
	TicketID    string    `json:"ticket_id"`              // generation_records.ticket_id (unique)
	Status      string    `json:"status"`                 // pending, complete or failed
	StoragePath string    `json:"storage_path,omitempty"` // relative path under the storage root
	Checksum    string    `json:"checksum,omitempty"`     // hex SHA-256 of the stored PDF
	SizeBytes   int64     `json:"size_bytes,omitempty"`   // size of the stored PDF
	EngineID    string    `json:"engine_id,omitempty"`    // engine instance that rendered it
	Attempts    int       `json:"attempts"`               // failed attempts so far
	LastError   string    `json:"last_error,omitempty"`   // error kind of the last failure
	ClaimToken  string    `json:"-"`                      // identifies the current claim holder
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsComplete reports whether the document has been stored.
func (r *GenerationRecord) IsComplete() bool { return r != nil && r.Status == StatusComplete }
