package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/iliyamo/ticket-documents/internal/model"
)

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

// GenerationRepo provides access to the generation_records table.  The
// unique key on ticket_id is the cross-process lock: whoever inserts the
// row, or flips an eligible row back to pending, owns the generation.
// All timestamps are written in UTC.
type GenerationRepo struct {
	db *sql.DB
}

// NewGenerationRepo returns a new GenerationRepo bound to the provided database.
func NewGenerationRepo(db *sql.DB) *GenerationRepo { return &GenerationRepo{db: db} }

const selectGeneration = `SELECT ticket_id, status, storage_path, checksum, size_bytes, engine_id,
       attempts, last_error, claim_token, created_at, updated_at
  FROM generation_records`

// Get returns the record for ticketID or ErrRecordNotFound.
func (r *GenerationRepo) Get(ctx context.Context, ticketID string) (model.GenerationRecord, error) {
	row := r.db.QueryRowContext(ctx, selectGeneration+` WHERE ticket_id = ?`, ticketID)
	rec, err := scanGeneration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.GenerationRecord{}, ErrRecordNotFound
	}
	return rec, err
}

func scanGeneration(row *sql.Row) (model.GenerationRecord, error) {
	var (
		rec                                   model.GenerationRecord
		path, checksum, engineID, lastErr, tk sql.NullString
		size                                  sql.NullInt64
	)
	err := row.Scan(&rec.TicketID, &rec.Status, &path, &checksum, &size, &engineID,
		&rec.Attempts, &lastErr, &tk, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return model.GenerationRecord{}, err
	}
	rec.StoragePath = path.String
	rec.Checksum = checksum.String
	rec.SizeBytes = size.Int64
	rec.EngineID = engineID.String
	rec.LastError = lastErr.String
	rec.ClaimToken = tk.String
	return rec, nil
}

// Claim tries to take ownership of ticketID's generation.  A missing row
// is inserted as pending; a failed row under the attempt limit, or a
// pending row idle for longer than policy.StaleAfter, is flipped back to
// pending with a fresh claim token.  Anything else is reported through the
// outcome without modifying the row.
func (r *GenerationRepo) Claim(ctx context.Context, ticketID string, policy ClaimPolicy) (ClaimResult, error) {
	// A concurrent transition between the conditional update and the read
	// can make the row look claimable again; retry a few times before
	// reporting busy.
	for attempt := 0; attempt < 3; attempt++ {
		token := uuid.NewString()
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO generation_records (ticket_id, status, attempts, claim_token, created_at, updated_at)
			 VALUES (?, ?, 0, ?, UTC_TIMESTAMP(6), UTC_TIMESTAMP(6))`,
			ticketID, model.StatusPending, token)
		if err == nil {
			return r.claimed(ctx, ticketID)
		}
		if !isDuplicateEntry(err) {
			return ClaimResult{}, fmt.Errorf("insert generation record: %w", err)
		}

		q := `UPDATE generation_records
		         SET status = ?, claim_token = ?, updated_at = UTC_TIMESTAMP(6)
		       WHERE ticket_id = ? AND ((status = ? AND attempts < ?)`
		args := []interface{}{model.StatusPending, token, ticketID, model.StatusFailed, policy.MaxAttempts}
		if policy.StaleAfter > 0 {
			q += ` OR (status = ? AND updated_at < ?)`
			args = append(args, model.StatusPending, time.Now().UTC().Add(-policy.StaleAfter))
		}
		q += `)`
		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return ClaimResult{}, fmt.Errorf("reclaim generation record: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			return r.claimed(ctx, ticketID)
		}

		rec, err := r.Get(ctx, ticketID)
		if errors.Is(err, ErrRecordNotFound) {
			continue // deleted underneath us; try the insert again
		}
		if err != nil {
			return ClaimResult{}, err
		}
		if rec.Status == model.StatusFailed && rec.Attempts < policy.MaxAttempts {
			continue
		}
		return ClaimResult{Outcome: outcomeFor(rec, policy.MaxAttempts), Record: rec}, nil
	}
	rec, err := r.Get(ctx, ticketID)
	if err != nil {
		return ClaimResult{}, err
	}
	return ClaimResult{Outcome: ClaimBusy, Record: rec}, nil
}

func (r *GenerationRepo) claimed(ctx context.Context, ticketID string) (ClaimResult, error) {
	rec, err := r.Get(ctx, ticketID)
	if err != nil {
		return ClaimResult{}, err
	}
	return ClaimResult{Outcome: ClaimAcquired, Record: rec}, nil
}

// Complete marks a claimed generation as stored.  It returns ErrClaimLost
// when claimToken no longer owns the row.
func (r *GenerationRepo) Complete(ctx context.Context, ticketID, claimToken string, c Completion) (model.GenerationRecord, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE generation_records
		    SET status = ?, storage_path = ?, checksum = ?, size_bytes = ?, engine_id = ?,
		        last_error = NULL, claim_token = NULL, updated_at = UTC_TIMESTAMP(6)
		  WHERE ticket_id = ? AND claim_token = ? AND status = ?`,
		model.StatusComplete, c.StoragePath, c.Checksum, c.SizeBytes, c.EngineID,
		ticketID, claimToken, model.StatusPending)
	if err != nil {
		return model.GenerationRecord{}, fmt.Errorf("complete generation record: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return model.GenerationRecord{}, ErrClaimLost
	}
	return r.Get(ctx, ticketID)
}

// Fail records a failed attempt and releases the claim.  errKind is a
// short machine-readable error class, not a message.
func (r *GenerationRepo) Fail(ctx context.Context, ticketID, claimToken, errKind string) (model.GenerationRecord, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE generation_records
		    SET status = ?, attempts = attempts + 1, last_error = ?, claim_token = NULL,
		        updated_at = UTC_TIMESTAMP(6)
		  WHERE ticket_id = ? AND claim_token = ? AND status = ?`,
		model.StatusFailed, errKind, ticketID, claimToken, model.StatusPending)
	if err != nil {
		return model.GenerationRecord{}, fmt.Errorf("fail generation record: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return model.GenerationRecord{}, ErrClaimLost
	}
	return r.Get(ctx, ticketID)
}

func isDuplicateEntry(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
