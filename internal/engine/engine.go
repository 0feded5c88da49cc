// Package engine manages the heavyweight renderers that turn ticket HTML
// into PDF.  A renderer is expensive to start and can only serve one
// document at a time, so callers borrow one from a Pool for the duration
// of a single render and give it back afterwards:
//
//	lease, err := pool.Acquire(ctx, 5*time.Second)
//	if err != nil {
//	    return err
//	}
//	pdf, err := lease.Engine().Render(ctx, job)
//	pool.Release(lease, err == nil)
//
// A lease released as unhealthy never goes back to the idle set: its
// engine is closed in the background and the slot is refilled lazily by
// the next Acquire that finds no idle engine.
package engine

import (
	"context"
	"errors"
)

var (
	// ErrPoolExhausted is returned when no engine became available within
	// the acquire timeout.
	ErrPoolExhausted = errors.New("rendering pool exhausted")

	// ErrPoolClosed is returned by Acquire after Shutdown.
	ErrPoolClosed = errors.New("rendering pool closed")

	// ErrEngineStart is returned when a fresh engine could not be started.
	ErrEngineStart = errors.New("rendering engine failed to start")

	// ErrEngineClosed is returned by engines used after Close.
	ErrEngineClosed = errors.New("rendering engine closed")
)

// Job is a single HTML to PDF conversion.
type Job struct {
	HTML string

	// Paper size in inches.  The document is printed as exactly one page.
	PageWidthIn  float64
	PageHeightIn float64
}

// Engine is one renderer instance.  Implementations need not be safe for
// concurrent Render calls; the pool never shares an engine between leases.
type Engine interface {
	// ID identifies the instance in logs and generation records.
	ID() string

	// Render converts job to PDF bytes.  It must return promptly once ctx
	// is done or the engine is closed.
	Render(ctx context.Context, job Job) ([]byte, error)

	// Close terminates the instance.  Safe to call more than once and
	// concurrently with Render.
	Close() error
}

// Factory starts a new engine.  ctx bounds startup only; the engine must
// outlive it.
type Factory func(ctx context.Context) (Engine, error)
