// Package service orchestrates ticket document generation: it returns a
// stored document when one exists and otherwise claims the ticket,
// renders it on a pooled engine, stores it and records the outcome.
//
// Per ticket the generation record moves absent -> pending ->
// {complete | failed}; a failed record is claimed again on a later call
// until MaxAttempts is reached, after which GetOrCreate answers
// ErrGenerationAbandoned without rendering.
//
// At most one generation per ticket runs at a time.  Callers in one
// process share a single flight; the database claim excludes other
// processes, whose callers wait for the completion signal.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/iliyamo/ticket-documents/internal/codec"
	"github.com/iliyamo/ticket-documents/internal/composer"
	"github.com/iliyamo/ticket-documents/internal/engine"
	"github.com/iliyamo/ticket-documents/internal/model"
	"github.com/iliyamo/ticket-documents/internal/notify"
	"github.com/iliyamo/ticket-documents/internal/qr"
	"github.com/iliyamo/ticket-documents/internal/queue"
	"github.com/iliyamo/ticket-documents/internal/repository"
	"github.com/iliyamo/ticket-documents/internal/storage"
)

// TicketSource looks up issued tickets.
type TicketSource interface {
	GetByID(ctx context.Context, id string) (model.Ticket, error)
}

// Claimer is the claim side of the generation repository.
type Claimer interface {
	Claim(ctx context.Context, ticketID string, policy repository.ClaimPolicy) (repository.ClaimResult, error)
	Fail(ctx context.Context, ticketID, claimToken, errKind string) (model.GenerationRecord, error)
}

// EventPublisher announces stored documents.
type EventPublisher interface {
	PublishDocumentGenerated(ctx context.Context, ev queue.DocumentGeneratedEvent) error
}

// Config tunes the service.
type Config struct {
	// MaxAttempts is how many failed generations a ticket may have before
	// it is abandoned.
	MaxAttempts int

	// AcquireTimeout bounds the wait for a rendering engine.
	AcquireTimeout time.Duration

	// GenerationTimeout bounds one whole generation, independent of the
	// callers waiting on it.
	GenerationTimeout time.Duration

	// PendingWait is how long a caller waits on a generation owned by
	// another process before getting ErrGenerationPending.
	PendingWait time.Duration

	// PollInterval is how often a waiting caller re-reads the record in
	// case a completion signal was missed.
	PollInterval time.Duration

	// ClaimStaleAfter lets a pending claim untouched for this long be
	// taken over.  Zero disables takeover.
	ClaimStaleAfter time.Duration

	// QRLevel is the preferred error-correction level.  Lower levels are
	// used only when the payload does not fit.
	QRLevel qr.Level
}

func (c *Config) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = 60 * time.Second
	}
	if c.PendingWait <= 0 {
		c.PendingWait = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
}

// Deps are the collaborators of a DocumentService.  Publisher is optional.
type Deps struct {
	Codec     *codec.Codec
	QR        qr.Generator
	Pool      *engine.Pool
	Composer  *composer.Composer
	Storage   *storage.Storage
	Records   Claimer
	Tickets   TicketSource
	Notifier  notify.Notifier
	Publisher EventPublisher
	Logger    zerolog.Logger
}

// Document is a stored ticket document.
type Document struct {
	Record model.GenerationRecord
	PDF    []byte

	// Key is the ticket's document key, safe to expose to clients.
	Key string

	// Generated is true when this call rendered the document rather than
	// finding it stored.
	Generated bool
}

// VerifyResult is the outcome of checking a scanned payload.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	TicketID string `json:"ticket_id"`
}

// DocumentService implements GetOrCreate and its companions.
type DocumentService struct {
	cfg Config
	d   Deps
	log zerolog.Logger

	flights singleflight.Group

	// running holds the tickets whose flight has started; later callers
	// joining one wait at most PendingWait for it.
	runMu   sync.Mutex
	running map[string]struct{}

	// base outlives individual requests; generations run under it so a
	// caller going away does not abort work other callers share.
	base    context.Context
	cancel  context.CancelFunc
	mu      sync.RWMutex
	closing bool
	wg      sync.WaitGroup
}

// New returns a DocumentService.
func New(cfg Config, d Deps) (*DocumentService, error) {
	if d.Codec == nil || d.Pool == nil || d.Composer == nil || d.Storage == nil ||
		d.Records == nil || d.Tickets == nil {
		return nil, errors.New("service: missing dependency")
	}
	if d.Notifier == nil {
		d.Notifier = notify.NewLocal()
	}
	cfg.setDefaults()
	base, cancel := context.WithCancel(context.Background())
	return &DocumentService{
		cfg:     cfg,
		d:       d,
		log:     d.Logger.With().Str("component", "document-service").Logger(),
		base:    base,
		cancel:  cancel,
		running: make(map[string]struct{}),
	}, nil
}

// GetOrCreate returns the ticket's document, generating it if needed.
// The caller's ctx only bounds the caller's own wait: a generation started
// on its behalf keeps running for the benefit of other callers.  Callers
// that find a generation already running, here or in another process,
// wait up to PendingWait and then get ErrGenerationPending.
func (s *DocumentService) GetOrCreate(ctx context.Context, ticketID string) (*Document, error) {
	if ticketID == "" {
		return nil, fmt.Errorf("%w: empty ticket id", codec.ErrInvalidTicketData)
	}

	rec, err := s.d.Storage.Exists(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	switch {
	case rec.IsComplete():
		return s.load(ctx, *rec)
	case rec != nil && rec.Status == model.StatusFailed && rec.Attempts >= s.cfg.MaxAttempts:
		return nil, abandoned(*rec)
	}

	// A caller arriving while the ticket's flight is already under way
	// gets ErrGenerationPending after PendingWait; the flight carries on.
	var pending <-chan time.Time
	if s.isRunning(ticketID) {
		t := time.NewTimer(s.cfg.PendingWait)
		defer t.Stop()
		pending = t.C
	}

	ch := s.flights.DoChan(ticketID, func() (interface{}, error) {
		if !s.track() {
			return nil, fmt.Errorf("%w: service shutting down", engine.ErrPoolClosed)
		}
		defer s.wg.Done()
		s.setRunning(ticketID, true)
		defer s.setRunning(ticketID, false)
		fctx, cancel := context.WithTimeout(s.base, s.cfg.GenerationTimeout)
		defer cancel()
		return s.flight(fctx, ticketID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Document), nil
	case <-pending:
		return nil, fmt.Errorf("%w: ticket %s", ErrGenerationPending, ticketID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *DocumentService) isRunning(ticketID string) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	_, ok := s.running[ticketID]
	return ok
}

func (s *DocumentService) setRunning(ticketID string, on bool) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if on {
		s.running[ticketID] = struct{}{}
	} else {
		delete(s.running, ticketID)
	}
}

// flight resolves one ticket for every in-process caller waiting on it.
func (s *DocumentService) flight(ctx context.Context, ticketID string) (*Document, error) {
	ticket, err := s.d.Tickets.GetByID(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if err := codec.Validate(ticket); err != nil {
		return nil, err
	}

	policy := repository.ClaimPolicy{MaxAttempts: s.cfg.MaxAttempts, StaleAfter: s.cfg.ClaimStaleAfter}
	deadline := time.NewTimer(s.cfg.PendingWait)
	defer deadline.Stop()
	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()

	for {
		// Subscribe before looking so a completion between the claim and
		// the wait is not missed.
		signal, unsubscribe := s.d.Notifier.Subscribe(ticketID)
		res, err := s.d.Records.Claim(ctx, ticketID, policy)
		if err != nil {
			unsubscribe()
			return nil, err
		}
		switch res.Outcome {
		case repository.ClaimAcquired:
			unsubscribe()
			return s.generate(ctx, ticket, res.Record)
		case repository.ClaimComplete:
			unsubscribe()
			return s.load(ctx, res.Record)
		case repository.ClaimExhausted:
			unsubscribe()
			return nil, abandoned(res.Record)
		}

		select {
		case <-signal:
		case <-poll.C:
		case <-deadline.C:
			unsubscribe()
			return nil, fmt.Errorf("%w: ticket %s", ErrGenerationPending, ticketID)
		case <-ctx.Done():
			unsubscribe()
			return nil, ctx.Err()
		}
		unsubscribe()
	}
}

// generate runs the render pipeline for a claimed ticket and records the
// outcome.  The claim is always resolved: stored as complete, or failed
// with the error kind and an incremented attempt count.
func (s *DocumentService) generate(ctx context.Context, ticket model.Ticket, claim model.GenerationRecord) (*Document, error) {
	log := s.log.With().Str("ticket_id", ticket.ID).Int("attempt", claim.Attempts+1).Logger()
	started := time.Now()

	doc, err := s.render(ctx, ticket)
	var rec model.GenerationRecord
	if err == nil {
		rec, err = s.d.Storage.Put(ctx, claim, doc)
	}
	if err != nil {
		kind := KindOf(err)
		// The claim must be released even when ctx is what failed.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		failed, ferr := s.d.Records.Fail(fctx, ticket.ID, claim.ClaimToken, string(kind))
		cancel()
		if ferr != nil {
			log.Error().Err(ferr).Msg("could not record failed generation")
		} else {
			log.Warn().Err(err).Str("kind", string(kind)).Int("attempts", failed.Attempts).
				Bool("abandoned", failed.Attempts >= s.cfg.MaxAttempts).Msg("document generation failed")
		}
		s.signal(ticket.ID)
		return nil, err
	}

	log.Info().Str("engine_id", rec.EngineID).Int64("size_bytes", rec.SizeBytes).
		Dur("took", time.Since(started)).Msg("document generated")
	s.signal(ticket.ID)
	s.announce(rec)
	return &Document{Record: rec, PDF: doc.PDF, Key: s.d.Codec.DocumentKey(rec.TicketID), Generated: true}, nil
}

// render derives the verification payload, encodes the QR code and has a
// pooled engine print the ticket.
func (s *DocumentService) render(ctx context.Context, ticket model.Ticket) (model.RenderedDocument, error) {
	payload, err := s.d.Codec.NewPayload(ticket)
	if err != nil {
		return model.RenderedDocument{}, err
	}
	img, err := s.encodeQR(payload)
	if err != nil {
		return model.RenderedDocument{}, err
	}

	lease, err := s.d.Pool.Acquire(ctx, s.cfg.AcquireTimeout)
	if err != nil {
		return model.RenderedDocument{}, err
	}
	doc, err := s.d.Composer.Compose(ctx, composer.Sheet{
		Ticket:      ticket,
		QR:          img,
		ManualCode:  payload.Token.String(),
		DocumentKey: s.d.Codec.DocumentKey(ticket.ID),
	}, lease)
	s.d.Pool.Release(lease, lease.Healthy())
	return doc, err
}

// encodeQR tries the text payload at the configured level, then the
// compact payload at that level and at each lower one.
func (s *DocumentService) encodeQR(p codec.Payload) (qr.Image, error) {
	text, err := s.d.Codec.EncodePayload(p, codec.FormatText)
	if err != nil {
		return qr.Image{}, err
	}
	img, err := s.d.QR.Encode(text, s.cfg.QRLevel)
	if !errors.Is(err, qr.ErrPayloadTooLarge) {
		return img, err
	}

	compact, err := s.d.Codec.EncodePayload(p, codec.FormatCompact)
	if err != nil {
		return qr.Image{}, err
	}
	level := s.cfg.QRLevel
	for {
		img, err = s.d.QR.Encode(compact, level)
		if !errors.Is(err, qr.ErrPayloadTooLarge) {
			if err == nil {
				s.log.Debug().Str("ticket_id", p.TicketID).Str("level", level.String()).Msg("qr fell back to compact payload")
			}
			return img, err
		}
		lower, ok := level.Lower()
		if !ok {
			return qr.Image{}, fmt.Errorf("%w: ticket %s", qr.ErrPayloadTooLarge, p.TicketID)
		}
		level = lower
	}
}

func (s *DocumentService) load(ctx context.Context, rec model.GenerationRecord) (*Document, error) {
	pdf, rec, err := s.d.Storage.Read(ctx, rec)
	if err != nil {
		return nil, err
	}
	return &Document{Record: rec, PDF: pdf, Key: s.d.Codec.DocumentKey(rec.TicketID)}, nil
}

func (s *DocumentService) signal(ticketID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.d.Notifier.Publish(ctx, ticketID); err != nil {
		s.log.Warn().Err(err).Str("ticket_id", ticketID).Msg("completion signal failed")
	}
}

// announce publishes the generated event in the background; a broker
// outage must not hold up the callers waiting on the flight.
func (s *DocumentService) announce(rec model.GenerationRecord) {
	if s.d.Publisher == nil {
		return
	}
	ev := queue.DocumentGeneratedEvent{
		TicketID:    rec.TicketID,
		DocumentKey: s.d.Codec.DocumentKey(rec.TicketID),
		StoragePath: rec.StoragePath,
		Checksum:    rec.Checksum,
		SizeBytes:   rec.SizeBytes,
		EngineID:    rec.EngineID,
		Attempts:    rec.Attempts,
		GeneratedAt: rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.d.Publisher.PublishDocumentGenerated(ctx, ev); err != nil {
			s.log.Warn().Err(err).Str("ticket_id", ev.TicketID).Msg("document event not published")
		}
	}()
}

// Status returns the generation record for a ticket.  It fails with
// storage.ErrNotFound when the ticket was never generated and with
// repository.ErrTicketNotFound when the ticket does not exist.
func (s *DocumentService) Status(ctx context.Context, ticketID string) (*model.GenerationRecord, error) {
	rec, err := s.d.Storage.Exists(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}
	if _, err := s.d.Tickets.GetByID(ctx, ticketID); err != nil {
		return nil, err
	}
	return nil, storage.ErrNotFound
}

// Verify checks a scanned QR payload against the ticket it names.  An
// unknown ticket or a token mismatch is reported as invalid, not as an
// error; an unparseable payload returns codec.ErrInvalidPayload.
func (s *DocumentService) Verify(ctx context.Context, raw []byte) (VerifyResult, error) {
	p, err := s.d.Codec.ParsePayload(raw)
	if err != nil {
		return VerifyResult{}, err
	}
	res := VerifyResult{TicketID: p.TicketID}
	ticket, err := s.d.Tickets.GetByID(ctx, p.TicketID)
	if errors.Is(err, repository.ErrTicketNotFound) {
		return res, nil
	}
	if err != nil {
		return VerifyResult{}, err
	}
	ok, err := s.d.Codec.Verify(ticket, p)
	if err != nil {
		return VerifyResult{}, err
	}
	res.Valid = ok
	return res, nil
}

// Pregenerate renders a freshly issued ticket ahead of the first request.
// A generation already in progress elsewhere counts as success.
func (s *DocumentService) Pregenerate(ctx context.Context, ticketID string) error {
	_, err := s.GetOrCreate(ctx, ticketID)
	if errors.Is(err, ErrGenerationPending) {
		return nil
	}
	return err
}

// track registers a unit of background work unless the service is
// closing.
func (s *DocumentService) track() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// Close stops accepting work and waits for in-flight generations and
// event publishes until ctx expires, then aborts whatever is left.
func (s *DocumentService) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func abandoned(rec model.GenerationRecord) error {
	return fmt.Errorf("%w: ticket %s failed %d attempts (last: %s)",
		ErrGenerationAbandoned, rec.TicketID, rec.Attempts, rec.LastError)
}
