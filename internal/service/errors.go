package service

import (
	"context"
	"errors"

	"github.com/iliyamo/ticket-documents/internal/codec"
	"github.com/iliyamo/ticket-documents/internal/composer"
	"github.com/iliyamo/ticket-documents/internal/engine"
	"github.com/iliyamo/ticket-documents/internal/qr"
	"github.com/iliyamo/ticket-documents/internal/repository"
	"github.com/iliyamo/ticket-documents/internal/storage"
)

var (
	// ErrGenerationAbandoned is returned once a ticket has failed the
	// configured number of attempts.  No further rendering is tried.
	ErrGenerationAbandoned = errors.New("document generation abandoned")

	// ErrGenerationPending is returned when another caller is still
	// generating the document after the wait window.  Callers should retry.
	ErrGenerationPending = errors.New("document generation in progress")
)

// Kind is a short machine-readable error class.  It is what gets stored
// in generation_records.last_error and returned in API error bodies.
type Kind string

const (
	KindInvalidTicket   Kind = "invalid_ticket_data"
	KindTicketNotFound  Kind = "ticket_not_found"
	KindPayloadTooLarge Kind = "payload_too_large"
	KindComposition     Kind = "composition_error"
	KindPoolExhausted   Kind = "pool_exhausted"
	KindPoolClosed      Kind = "pool_closed"
	KindRenderTimeout   Kind = "render_timeout"
	KindRenderFailed    Kind = "render_failed"
	KindAbandoned       Kind = "generation_abandoned"
	KindPending         Kind = "generation_pending"
	KindNotFound        Kind = "not_found"
	KindClaimLost       Kind = "claim_lost"
	KindCorrupt         Kind = "storage_corrupt"
	KindTimeout         Kind = "timeout"
	KindCanceled        Kind = "canceled"
	KindInternal        Kind = "internal"
)

// KindOf classifies err.  A nil error has the empty kind.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, codec.ErrInvalidTicketData):
		return KindInvalidTicket
	case errors.Is(err, repository.ErrTicketNotFound):
		return KindTicketNotFound
	case errors.Is(err, qr.ErrPayloadTooLarge):
		return KindPayloadTooLarge
	case errors.Is(err, composer.ErrComposition):
		return KindComposition
	case errors.Is(err, engine.ErrPoolExhausted):
		return KindPoolExhausted
	case errors.Is(err, engine.ErrPoolClosed):
		return KindPoolClosed
	case errors.Is(err, composer.ErrRenderTimeout):
		return KindRenderTimeout
	case errors.Is(err, composer.ErrRenderFailed), errors.Is(err, engine.ErrEngineStart):
		return KindRenderFailed
	case errors.Is(err, ErrGenerationAbandoned):
		return KindAbandoned
	case errors.Is(err, ErrGenerationPending):
		return KindPending
	case errors.Is(err, storage.ErrNotFound):
		return KindNotFound
	case errors.Is(err, repository.ErrClaimLost):
		return KindClaimLost
	case errors.Is(err, storage.ErrChecksumMismatch):
		return KindCorrupt
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	return KindInternal
}

// Retryable reports whether calling again later may succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindPoolExhausted, KindPoolClosed, KindRenderTimeout, KindRenderFailed,
		KindPending, KindClaimLost, KindTimeout, KindCanceled:
		return true
	}
	return false
}
