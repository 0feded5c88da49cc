// Package enginetest provides in-memory rendering engines for tests.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/iliyamo/ticket-documents/internal/engine"
)

// RenderFunc replaces the default render behaviour of a fake engine.
type RenderFunc func(ctx context.Context, e *Engine, job engine.Job) ([]byte, error)

// PDF returns a minimal PDF-looking document that carries the job HTML
// verbatim, so tests can inspect what was rendered.
func PDF(job engine.Job) []byte {
	return []byte("%PDF-1.7\n%fake\n" + job.HTML + "\n%%EOF\n")
}

// Engine is a fake engine.  Render honours ctx and Close like a real
// engine would: a blocked render returns as soon as either fires.
type Engine struct {
	id       string
	render   RenderFunc
	renders  atomic.Int64
	closeMu  sync.Mutex
	closed   bool
	closedCh chan struct{}
}

// ID implements engine.Engine.
func (e *Engine) ID() string { return e.id }

// Renders returns how many renders this engine started.
func (e *Engine) Renders() int { return int(e.renders.Load()) }

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	return e.closed
}

// Render implements engine.Engine.
func (e *Engine) Render(ctx context.Context, job engine.Job) ([]byte, error) {
	if e.Closed() {
		return nil, engine.ErrEngineClosed
	}
	e.renders.Add(1)
	type result struct {
		pdf []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		if e.render == nil {
			done <- result{pdf: PDF(job)}
			return
		}
		pdf, err := e.render(ctx, e, job)
		done <- result{pdf: pdf, err: err}
	}()
	select {
	case r := <-done:
		return r.pdf, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.closedCh:
		return nil, engine.ErrEngineClosed
	}
}

// Close implements engine.Engine.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.closedCh)
	}
	return nil
}

// Factory creates fake engines and remembers them.
type Factory struct {
	// Render is installed on every engine created after it is set.
	Render RenderFunc

	// StartErr, when set, makes New fail.
	StartErr error

	mu      sync.Mutex
	engines []*Engine
}

// New implements engine.Factory.
func (f *Factory) New(ctx context.Context) (engine.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return nil, f.StartErr
	}
	e := &Engine{
		id:       fmt.Sprintf("fake-%d", len(f.engines)+1),
		render:   f.Render,
		closedCh: make(chan struct{}),
	}
	f.engines = append(f.engines, e)
	return e, nil
}

// Created returns how many engines were started.
func (f *Factory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

// Engines returns a snapshot of every engine started so far.
func (f *Factory) Engines() []*Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Engine(nil), f.engines...)
}

// Renders returns the number of renders across all engines.
func (f *Factory) Renders() int {
	n := 0
	for _, e := range f.Engines() {
		n += e.Renders()
	}
	return n
}

// ErrCrash is a convenient render failure for tests.
var ErrCrash = errors.New("fake engine crashed")
