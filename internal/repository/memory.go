package repository

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/iliyamo/ticket-documents/internal/model"
)

// MemoryGenerationRepo is an in-process GenerationRepo used by the memory
// driver and by tests.  It follows the same claim rules as the MySQL
// implementation but only excludes callers within one process.
type MemoryGenerationRepo struct {
	mu      sync.Mutex
	records map[string]model.GenerationRecord

	// Now returns the current time.  Tests replace it to age claims.
	Now func() time.Time
}

// NewMemoryGenerationRepo returns an empty repository.
func NewMemoryGenerationRepo() *MemoryGenerationRepo {
	return &MemoryGenerationRepo{
		records: make(map[string]model.GenerationRecord),
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the record for ticketID or ErrRecordNotFound.
func (r *MemoryGenerationRepo) Get(_ context.Context, ticketID string) (model.GenerationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[ticketID]
	if !ok {
		return model.GenerationRecord{}, ErrRecordNotFound
	}
	return rec, nil
}

// Claim behaves like GenerationRepo.Claim.
func (r *MemoryGenerationRepo) Claim(ctx context.Context, ticketID string, policy ClaimPolicy) (ClaimResult, error) {
	if err := ctx.Err(); err != nil {
		return ClaimResult{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.Now()
	rec, ok := r.records[ticketID]
	if !ok {
		rec = model.GenerationRecord{
			TicketID:   ticketID,
			Status:     model.StatusPending,
			ClaimToken: uuid.NewString(),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		r.records[ticketID] = rec
		return ClaimResult{Outcome: ClaimAcquired, Record: rec}, nil
	}

	retryable := rec.Status == model.StatusFailed && rec.Attempts < policy.MaxAttempts
	stale := rec.Status == model.StatusPending && policy.StaleAfter > 0 &&
		rec.UpdatedAt.Before(now.Add(-policy.StaleAfter))
	if !retryable && !stale {
		return ClaimResult{Outcome: outcomeFor(rec, policy.MaxAttempts), Record: rec}, nil
	}
	rec.Status = model.StatusPending
	rec.ClaimToken = uuid.NewString()
	rec.UpdatedAt = now
	r.records[ticketID] = rec
	return ClaimResult{Outcome: ClaimAcquired, Record: rec}, nil
}

// Complete behaves like GenerationRepo.Complete.
func (r *MemoryGenerationRepo) Complete(_ context.Context, ticketID, claimToken string, c Completion) (model.GenerationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.owned(ticketID, claimToken)
	if err != nil {
		return model.GenerationRecord{}, err
	}
	rec.Status = model.StatusComplete
	rec.StoragePath = c.StoragePath
	rec.Checksum = c.Checksum
	rec.SizeBytes = c.SizeBytes
	rec.EngineID = c.EngineID
	rec.LastError = ""
	rec.ClaimToken = ""
	rec.UpdatedAt = r.Now()
	r.records[ticketID] = rec
	return rec, nil
}

// Fail behaves like GenerationRepo.Fail.
func (r *MemoryGenerationRepo) Fail(_ context.Context, ticketID, claimToken, errKind string) (model.GenerationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.owned(ticketID, claimToken)
	if err != nil {
		return model.GenerationRecord{}, err
	}
	rec.Status = model.StatusFailed
	rec.Attempts++
	rec.LastError = errKind
	rec.ClaimToken = ""
	rec.UpdatedAt = r.Now()
	r.records[ticketID] = rec
	return rec, nil
}

func (r *MemoryGenerationRepo) owned(ticketID, claimToken string) (model.GenerationRecord, error) {
	rec, ok := r.records[ticketID]
	if !ok || rec.Status != model.StatusPending || rec.ClaimToken == "" || rec.ClaimToken != claimToken {
		return model.GenerationRecord{}, ErrClaimLost
	}
	return rec, nil
}

// MemoryTicketRepo serves tickets from memory.
type MemoryTicketRepo struct {
	mu      sync.RWMutex
	tickets map[string]model.Ticket
}

// NewMemoryTicketRepo returns a repository holding the given tickets.
func NewMemoryTicketRepo(tickets ...model.Ticket) *MemoryTicketRepo {
	r := &MemoryTicketRepo{tickets: make(map[string]model.Ticket, len(tickets))}
	for _, t := range tickets {
		r.Put(t)
	}
	return r
}

// Put adds or replaces a ticket.
func (r *MemoryTicketRepo) Put(t model.Ticket) {
	t.IssuedAt = t.IssuedAt.UTC()
	r.mu.Lock()
	r.tickets[t.ID] = t
	r.mu.Unlock()
}

// GetByID returns the ticket or ErrTicketNotFound.
func (r *MemoryTicketRepo) GetByID(_ context.Context, id string) (model.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tickets[id]
	if !ok {
		return model.Ticket{}, ErrTicketNotFound
	}
	return t, nil
}

// IDs returns the stored ticket ids in sorted order.
func (r *MemoryTicketRepo) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tickets))
	for id := range r.tickets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ticketSeed is the layout of a seed file:
//
//	tickets:
//	  - id: T-100
//	    event: Concert A
//	    seat: R1-S5
//	    holder: Ana
//	    issued_at: 2024-05-01T10:00:00Z
type ticketSeed struct {
	Tickets []model.Ticket `yaml:"tickets"`
}

// LoadTicketSeed reads tickets from a YAML seed file.
func LoadTicketSeed(path string) ([]model.Ticket, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ticket seed: %w", err)
	}
	var seed ticketSeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse ticket seed %s: %w", path, err)
	}
	for i, t := range seed.Tickets {
		if t.ID == "" {
			return nil, fmt.Errorf("ticket seed %s: entry %d has no id", path, i)
		}
	}
	return seed.Tickets, nil
}
