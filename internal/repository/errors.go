// Package repository defines error types that are reused across multiple
// repositories.  These sentinel values allow higher layers such as the
// document service and handlers to distinguish between different failure
// scenarios without depending on the storage driver.
package repository

import "errors"

// ErrTicketNotFound is returned when no ticket exists for an id.  Handlers
// translate it into an HTTP 404 response.
var ErrTicketNotFound = errors.New("ticket not found")

// ErrRecordNotFound is returned when no generation record exists for a
// ticket.
var ErrRecordNotFound = errors.New("generation record not found")

// ErrClaimLost is returned when a caller tries to finish a generation it
// no longer owns, for example after a stale claim was taken over by
// another process.
var ErrClaimLost = errors.New("generation claim lost")
