package repository

import (
	"time"

	"github.com/iliyamo/ticket-documents/internal/model"
)

// ClaimOutcome describes what a Claim call found.
type ClaimOutcome int

const (
	// ClaimAcquired means the caller now owns the generation and must
	// finish it with Complete or Fail.
	ClaimAcquired ClaimOutcome = iota
	// ClaimBusy means another caller holds a live pending claim.
	ClaimBusy
	// ClaimComplete means the document already exists.
	ClaimComplete
	// ClaimExhausted means the ticket failed MaxAttempts times.
	ClaimExhausted
)

func (o ClaimOutcome) String() string {
	switch o {
	case ClaimAcquired:
		return "acquired"
	case ClaimBusy:
		return "busy"
	case ClaimComplete:
		return "complete"
	case ClaimExhausted:
		return "exhausted"
	}
	return "unknown"
}

// ClaimPolicy bounds retries and claim takeover.
type ClaimPolicy struct {
	// MaxAttempts is how many failed attempts a ticket may accumulate
	// before it is abandoned.
	MaxAttempts int

	// StaleAfter lets a pending claim that has not been touched for this
	// long be taken over, so a crashed process does not block a ticket
	// forever.  Zero disables takeover.
	StaleAfter time.Duration
}

// ClaimResult is the outcome of a Claim together with the row it saw.
type ClaimResult struct {
	Outcome ClaimOutcome
	Record  model.GenerationRecord
}

// Completion is what a successful generation writes to its record.
type Completion struct {
	StoragePath string
	Checksum    string
	SizeBytes   int64
	EngineID    string
}

// outcomeFor maps an existing row that could not be claimed.
func outcomeFor(rec model.GenerationRecord, maxAttempts int) ClaimOutcome {
	switch {
	case rec.Status == model.StatusComplete:
		return ClaimComplete
	case rec.Status == model.StatusFailed && rec.Attempts >= maxAttempts:
		return ClaimExhausted
	}
	return ClaimBusy
}
