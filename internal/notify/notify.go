// Package notify signals the end of a document generation to callers
// waiting on it.  A signal only says "look again": waiters always re-read
// the generation record, so a lost or duplicated signal costs at most one
// poll interval.
package notify

import (
	"context"
	"sync"
)

// Notifier broadcasts generation outcomes for ticket ids.
type Notifier interface {
	// Subscribe returns a channel that is closed the next time ticketID is
	// published, and a function that drops the subscription.
	Subscribe(ticketID string) (<-chan struct{}, func())
	// Publish wakes every subscriber of ticketID.
	Publish(ctx context.Context, ticketID string) error
}

// Local is an in-process Notifier.
type Local struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewLocal returns an empty Local notifier.
func NewLocal() *Local {
	return &Local{subs: make(map[string]map[chan struct{}]struct{})}
}

// Subscribe implements Notifier.
func (l *Local) Subscribe(ticketID string) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	l.mu.Lock()
	set, ok := l.subs[ticketID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		l.subs[ticketID] = set
	}
	set[ch] = struct{}{}
	l.mu.Unlock()

	return ch, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if set, ok := l.subs[ticketID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(l.subs, ticketID)
			}
		}
	}
}

// Publish implements Notifier.
func (l *Local) Publish(_ context.Context, ticketID string) error {
	l.mu.Lock()
	set := l.subs[ticketID]
	delete(l.subs, ticketID)
	l.mu.Unlock()
	for ch := range set {
		close(ch)
	}
	return nil
}

// Waiting returns the number of subscribers for ticketID.
func (l *Local) Waiting(ticketID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs[ticketID])
}
