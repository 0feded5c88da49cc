package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/ticket-documents/internal/model"
)

// TicketRepo reads issued tickets.  The tickets table belongs to the
// ticketing system; only the columns below are relied on.
type TicketRepo struct {
	db *sql.DB
}

// NewTicketRepo returns a new TicketRepo bound to the provided database.
func NewTicketRepo(db *sql.DB) *TicketRepo { return &TicketRepo{db: db} }

// GetByID returns the ticket or ErrTicketNotFound.
func (r *TicketRepo) GetByID(ctx context.Context, id string) (model.Ticket, error) {
	const q = `SELECT id, event_name, COALESCE(seat_label, ''), holder_name, issued_at
	             FROM tickets WHERE id = ? LIMIT 1`
	var t model.Ticket
	err := r.db.QueryRowContext(ctx, q, id).Scan(&t.ID, &t.Event, &t.Seat, &t.Holder, &t.IssuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Ticket{}, ErrTicketNotFound
	}
	if err != nil {
		return model.Ticket{}, err
	}
	t.IssuedAt = t.IssuedAt.UTC()
	return t, nil
}
