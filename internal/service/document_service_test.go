package service

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/iliyamo/ticket-documents/internal/codec"
	"github.com/iliyamo/ticket-documents/internal/composer"
	"github.com/iliyamo/ticket-documents/internal/engine"
	"github.com/iliyamo/ticket-documents/internal/engine/enginetest"
	"github.com/iliyamo/ticket-documents/internal/model"
	"github.com/iliyamo/ticket-documents/internal/notify"
	"github.com/iliyamo/ticket-documents/internal/qr"
	"github.com/iliyamo/ticket-documents/internal/queue"
	"github.com/iliyamo/ticket-documents/internal/repository"
	"github.com/iliyamo/ticket-documents/internal/storage"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

var t100 = model.Ticket{
	ID:       "T-100",
	Event:    "Concert A",
	Seat:     "R1-S5",
	Holder:   "Ana",
	IssuedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.DocumentGeneratedEvent
}

func (p *recordingPublisher) PublishDocumentGenerated(_ context.Context, ev queue.DocumentGeneratedEvent) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Events() []queue.DocumentGeneratedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]queue.DocumentGeneratedEvent(nil), p.events...)
}

type harness struct {
	svc       *DocumentService
	codec     *codec.Codec
	factory   *enginetest.Factory
	pool      *engine.Pool
	records   *repository.MemoryGenerationRepo
	tickets   *repository.MemoryTicketRepo
	store     *storage.Storage
	notifier  *notify.Local
	publisher *recordingPublisher
	root      string
}

type options struct {
	cfg           Config
	poolSize      int
	renderTimeout time.Duration
	render        enginetest.RenderFunc
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()
	log := zerolog.Nop()

	c, err := codec.NewCodec(testSecret)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	if opts.poolSize == 0 {
		opts.poolSize = 2
	}
	if opts.renderTimeout == 0 {
		opts.renderTimeout = 2 * time.Second
	}
	factory := &enginetest.Factory{Render: opts.render}
	pool, err := engine.NewPool(factory.New, engine.Config{Size: opts.poolSize, Logger: log})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	comp, err := composer.New(composer.Config{PageWidthIn: 4, PageHeightIn: 6, RenderTimeout: opts.renderTimeout}, log)
	if err != nil {
		t.Fatalf("composer.New: %v", err)
	}
	root := t.TempDir()
	files, err := storage.NewFileStore(root)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	records := repository.NewMemoryGenerationRepo()
	tickets := repository.NewMemoryTicketRepo(t100)
	notifier := notify.NewLocal()
	publisher := &recordingPublisher{}

	if opts.cfg.AcquireTimeout == 0 {
		opts.cfg.AcquireTimeout = time.Second
	}
	if opts.cfg.PollInterval == 0 {
		opts.cfg.PollInterval = 20 * time.Millisecond
	}
	if opts.cfg.QRLevel == 0 {
		opts.cfg.QRLevel = qr.High
	}
	store := storage.New(files, records, nil, c, log)
	svc, err := New(opts.cfg, Deps{
		Codec:     c,
		QR:        qr.Generator{Size: 128},
		Pool:      pool,
		Composer:  comp,
		Storage:   store,
		Records:   records,
		Tickets:   tickets,
		Notifier:  notifier,
		Publisher: publisher,
		Logger:    log,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Close(ctx)
		pool.Shutdown(ctx)
	})
	return &harness{
		svc: svc, codec: c, factory: factory, pool: pool, records: records, tickets: tickets,
		store: store, notifier: notifier, publisher: publisher, root: root,
	}
}

func (h *harness) record(t *testing.T, id string) model.GenerationRecord {
	t.Helper()
	rec, err := h.records.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("record %s: %v", id, err)
	}
	return rec
}

func TestGetOrCreateEndToEnd(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()

	doc, err := h.svc.GetOrCreate(ctx, "T-100")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !doc.Generated {
		t.Fatal("first call did not generate")
	}
	rec := doc.Record
	if rec.Status != model.StatusComplete || rec.Attempts != 0 {
		t.Fatalf("record = %+v", rec)
	}
	k := h.codec.DocumentKey("T-100")
	if want := k[0:2] + "/" + k[2:4] + "/" + k + ".pdf"; rec.StoragePath != want {
		t.Fatalf("StoragePath = %q, want %q", rec.StoragePath, want)
	}
	onDisk, err := os.ReadFile(filepath.Join(h.root, filepath.FromSlash(rec.StoragePath)))
	if err != nil {
		t.Fatalf("stored file: %v", err)
	}
	if string(onDisk) != string(doc.PDF) || storage.Checksum(onDisk) != rec.Checksum {
		t.Fatal("stored bytes do not match the returned document")
	}

	pdf := string(doc.PDF)
	for _, want := range []string{"%PDF-", "Concert A", "Ana", "R1-S5", "T-100"} {
		if !strings.Contains(pdf, want) {
			t.Errorf("document missing %q", want)
		}
	}

	// The embedded QR image must be the one for the ticket's payload.
	payload, err := h.codec.NewPayload(t100)
	if err != nil {
		t.Fatal(err)
	}
	text, err := h.codec.EncodePayload(payload, codec.FormatText)
	if err != nil {
		t.Fatal(err)
	}
	img, err := qr.Generator{Size: 128}.Encode(text, qr.High)
	if err != nil {
		t.Fatal(err)
	}
	// html/template escapes '+' inside attributes.
	uri := strings.ReplaceAll("data:image/png;base64,"+base64.StdEncoding.EncodeToString(img.PNG), "+", "&#43;")
	if !strings.Contains(pdf, uri) {
		t.Fatal("document does not embed the expected QR image")
	}

	// The payload scanned from the ticket verifies; one minted for an
	// altered ticket does not.
	res, err := h.svc.Verify(ctx, text)
	if err != nil || !res.Valid || res.TicketID != "T-100" {
		t.Fatalf("Verify(genuine) = %+v, %v", res, err)
	}
	forged := t100
	forged.Holder = "Mallory"
	fp, _ := h.codec.NewPayload(forged)
	ftext, _ := h.codec.EncodePayload(fp, codec.FormatText)
	if res, err := h.svc.Verify(ctx, ftext); err != nil || res.Valid {
		t.Fatalf("Verify(forged) = %+v, %v", res, err)
	}
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()

	first, err := h.svc.GetOrCreate(ctx, "T-100")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := h.svc.GetOrCreate(ctx, "T-100")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.Generated {
		t.Fatal("second call rendered again")
	}
	if second.Record.Checksum != first.Record.Checksum || string(second.PDF) != string(first.PDF) {
		t.Fatal("second call returned a different document")
	}
	if n := h.factory.Renders(); n != 1 {
		t.Fatalf("renders = %d, want 1", n)
	}
}

func TestConcurrentCallersShareOneRender(t *testing.T) {
	h := newHarness(t, options{
		render: func(ctx context.Context, e *enginetest.Engine, job engine.Job) ([]byte, error) {
			time.Sleep(50 * time.Millisecond)
			return enginetest.PDF(job), nil
		},
	})

	const callers = 25
	var (
		wg        sync.WaitGroup
		generated atomic.Int32
		checksums sync.Map
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc, err := h.svc.GetOrCreate(context.Background(), "T-100")
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			if doc.Generated {
				generated.Add(1)
			}
			checksums.Store(doc.Record.Checksum, true)
		}()
	}
	wg.Wait()

	if n := h.factory.Renders(); n != 1 {
		t.Fatalf("renders = %d, want 1", n)
	}
	distinct := 0
	checksums.Range(func(_, _ interface{}) bool { distinct++; return true })
	if distinct != 1 {
		t.Fatalf("callers saw %d distinct documents", distinct)
	}
	if generated.Load() == 0 {
		t.Fatal("no caller reported generating the document")
	}
}

func TestFailureIsRecordedAndRetried(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, options{
		cfg: Config{MaxAttempts: 3},
		render: func(ctx context.Context, e *enginetest.Engine, job engine.Job) ([]byte, error) {
			if calls.Add(1) == 1 {
				return nil, enginetest.ErrCrash
			}
			return enginetest.PDF(job), nil
		},
	})
	ctx := context.Background()

	_, err := h.svc.GetOrCreate(ctx, "T-100")
	if !errors.Is(err, composer.ErrRenderFailed) {
		t.Fatalf("first call err = %v, want ErrRenderFailed", err)
	}
	rec := h.record(t, "T-100")
	if rec.Status != model.StatusFailed || rec.Attempts != 1 || rec.LastError != string(KindRenderFailed) {
		t.Fatalf("after failure record = %+v", rec)
	}

	doc, err := h.svc.GetOrCreate(ctx, "T-100")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if doc.Record.Status != model.StatusComplete || doc.Record.Attempts != 1 {
		t.Fatalf("after retry record = %+v", doc.Record)
	}
	if created := h.factory.Created(); created != 2 {
		t.Fatalf("engines created = %d, want 2 (crashed engine replaced)", created)
	}
}

func TestAbandonAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, options{
		cfg: Config{MaxAttempts: 2},
		render: func(ctx context.Context, e *enginetest.Engine, job engine.Job) ([]byte, error) {
			return nil, enginetest.ErrCrash
		},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := h.svc.GetOrCreate(ctx, "T-100"); !errors.Is(err, composer.ErrRenderFailed) {
			t.Fatalf("attempt %d err = %v", i+1, err)
		}
	}
	_, err := h.svc.GetOrCreate(ctx, "T-100")
	if !errors.Is(err, ErrGenerationAbandoned) {
		t.Fatalf("err = %v, want ErrGenerationAbandoned", err)
	}
	if KindOf(err) != KindAbandoned || Retryable(err) {
		t.Fatalf("KindOf = %q, Retryable = %v", KindOf(err), Retryable(err))
	}
	if n := h.factory.Renders(); n != 2 {
		t.Fatalf("renders = %d, want 2 (abandoned ticket must not render)", n)
	}
}

func TestPendingWhenAnotherProcessHoldsTheClaim(t *testing.T) {
	h := newHarness(t, options{cfg: Config{PendingWait: 100 * time.Millisecond}})
	ctx := context.Background()

	if _, err := h.records.Claim(ctx, "T-100", repository.ClaimPolicy{MaxAttempts: 3}); err != nil {
		t.Fatal(err)
	}
	_, err := h.svc.GetOrCreate(ctx, "T-100")
	if !errors.Is(err, ErrGenerationPending) {
		t.Fatalf("err = %v, want ErrGenerationPending", err)
	}
	if !Retryable(err) {
		t.Fatal("pending should be retryable")
	}
	if n := h.factory.Renders(); n != 0 {
		t.Fatalf("renders = %d, want 0", n)
	}
}

func TestPendingWhileSameProcessRenders(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, options{
		cfg:           Config{PendingWait: 100 * time.Millisecond},
		renderTimeout: 5 * time.Second,
		render: func(ctx context.Context, e *enginetest.Engine, job engine.Job) ([]byte, error) {
			<-gate
			return enginetest.PDF(job), nil
		},
	})
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := h.svc.GetOrCreate(ctx, "T-100")
		first <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for h.factory.Renders() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("render never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	started := time.Now()
	_, err := h.svc.GetOrCreate(ctx, "T-100")
	if !errors.Is(err, ErrGenerationPending) {
		t.Fatalf("second caller err = %v, want ErrGenerationPending", err)
	}
	if took := time.Since(started); took > time.Second {
		t.Fatalf("second caller waited %s, want about PendingWait", took)
	}

	close(gate)
	if err := <-first; err != nil {
		t.Fatalf("first caller: %v", err)
	}
	doc, err := h.svc.GetOrCreate(ctx, "T-100")
	if err != nil || doc.Generated {
		t.Fatalf("after render: doc = %+v, err = %v", doc, err)
	}
	if n := h.factory.Renders(); n != 1 {
		t.Fatalf("renders = %d, want 1", n)
	}
}

func TestWaiterReceivesOtherProcessResult(t *testing.T) {
	h := newHarness(t, options{cfg: Config{PendingWait: 5 * time.Second, PollInterval: time.Minute}})
	ctx := context.Background()

	res, err := h.records.Claim(ctx, "T-100", repository.ClaimPolicy{MaxAttempts: 3})
	if err != nil {
		t.Fatal(err)
	}

	type outcome struct {
		doc *Document
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		doc, err := h.svc.GetOrCreate(ctx, "T-100")
		done <- outcome{doc, err}
	}()

	// Wait until the caller is parked on the signal.
	deadline := time.Now().Add(2 * time.Second)
	for h.notifier.Waiting("T-100") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("caller never started waiting")
		}
		time.Sleep(5 * time.Millisecond)
	}

	other := model.RenderedDocument{TicketID: "T-100", PDF: []byte("%PDF-1.7\nother process"), EngineInstanceID: "remote"}
	if _, err := h.store.Put(ctx, res.Record, other); err != nil {
		t.Fatalf("Put: %v", err)
	}
	h.notifier.Publish(ctx, "T-100")

	select {
	case o := <-done:
		if o.err != nil {
			t.Fatalf("GetOrCreate: %v", o.err)
		}
		if o.doc.Generated || string(o.doc.PDF) != string(other.PDF) {
			t.Fatalf("got generated=%v pdf=%q", o.doc.Generated, o.doc.PDF)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by the completion signal")
	}
	if n := h.factory.Renders(); n != 0 {
		t.Fatalf("renders = %d, want 0", n)
	}
}

func TestStaleClaimIsTakenOver(t *testing.T) {
	h := newHarness(t, options{cfg: Config{ClaimStaleAfter: time.Minute, PendingWait: time.Second}})
	ctx := context.Background()

	now := time.Now().UTC()
	h.records.Now = func() time.Time { return now }
	if _, err := h.records.Claim(ctx, "T-100", repository.ClaimPolicy{MaxAttempts: 3}); err != nil {
		t.Fatal(err)
	}
	now = now.Add(5 * time.Minute)

	doc, err := h.svc.GetOrCreate(ctx, "T-100")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !doc.Generated || doc.Record.Status != model.StatusComplete {
		t.Fatalf("doc = %+v", doc.Record)
	}
}

func TestCallerCancelDoesNotAbortSharedGeneration(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, options{
		render: func(ctx context.Context, e *enginetest.Engine, job engine.Job) ([]byte, error) {
			<-gate
			return enginetest.PDF(job), nil
		},
	})

	impatient, cancel := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := h.svc.GetOrCreate(impatient, "T-100")
		errA <- err
	}()
	docB := make(chan *Document, 1)
	go func() {
		doc, err := h.svc.GetOrCreate(context.Background(), "T-100")
		if err != nil {
			t.Errorf("patient caller: %v", err)
		}
		docB <- doc
	}()

	deadline := time.Now().Add(2 * time.Second)
	for h.factory.Renders() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("render never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Fatalf("impatient caller err = %v, want context.Canceled", err)
	}
	close(gate)

	select {
	case doc := <-docB:
		if doc == nil || doc.Record.Status != model.StatusComplete {
			t.Fatalf("patient caller got %+v", doc)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("shared generation did not finish")
	}
	if n := h.factory.Renders(); n != 1 {
		t.Fatalf("renders = %d, want 1", n)
	}
}

func TestRenderTimeoutReplacesEngine(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, options{
		poolSize:      1,
		renderTimeout: 50 * time.Millisecond,
		render: func(ctx context.Context, e *enginetest.Engine, job engine.Job) ([]byte, error) {
			if calls.Add(1) == 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return enginetest.PDF(job), nil
		},
	})
	ctx := context.Background()

	_, err := h.svc.GetOrCreate(ctx, "T-100")
	if !errors.Is(err, composer.ErrRenderTimeout) {
		t.Fatalf("err = %v, want ErrRenderTimeout", err)
	}
	if rec := h.record(t, "T-100"); rec.LastError != string(KindRenderTimeout) {
		t.Fatalf("LastError = %q", rec.LastError)
	}
	if _, err := h.svc.GetOrCreate(ctx, "T-100"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	engines := h.factory.Engines()
	if len(engines) != 2 {
		t.Fatalf("engines created = %d, want 2", len(engines))
	}
	deadline := time.Now().Add(time.Second)
	for !engines[0].Closed() {
		if time.Now().After(deadline) {
			t.Fatal("timed-out engine was not destroyed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPoolExhaustedFailsAttempt(t *testing.T) {
	h := newHarness(t, options{poolSize: 1, cfg: Config{AcquireTimeout: 50 * time.Millisecond}})
	ctx := context.Background()

	held, err := h.pool.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.svc.GetOrCreate(ctx, "T-100")
	if !errors.Is(err, engine.ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
	if rec := h.record(t, "T-100"); rec.Status != model.StatusFailed || rec.LastError != string(KindPoolExhausted) {
		t.Fatalf("record = %+v", rec)
	}
	h.pool.Release(held, true)

	if _, err := h.svc.GetOrCreate(ctx, "T-100"); err != nil {
		t.Fatalf("retry after release: %v", err)
	}
}

func TestUnknownAndInvalidTicketsDoNotClaim(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()
	h.tickets.Put(model.Ticket{ID: "T-BAD", Event: "Concert A", IssuedAt: time.Now()})

	if _, err := h.svc.GetOrCreate(ctx, "T-404"); !errors.Is(err, repository.ErrTicketNotFound) {
		t.Fatalf("unknown: err = %v", err)
	}
	if _, err := h.svc.GetOrCreate(ctx, "T-BAD"); !errors.Is(err, codec.ErrInvalidTicketData) {
		t.Fatalf("invalid: err = %v", err)
	}
	if _, err := h.svc.GetOrCreate(ctx, ""); !errors.Is(err, codec.ErrInvalidTicketData) {
		t.Fatalf("empty id: err = %v", err)
	}
	for _, id := range []string{"T-404", "T-BAD"} {
		if _, err := h.records.Get(ctx, id); !errors.Is(err, repository.ErrRecordNotFound) {
			t.Fatalf("%s: record created (err = %v)", id, err)
		}
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()

	if _, err := h.svc.Status(ctx, "T-404"); !errors.Is(err, repository.ErrTicketNotFound) {
		t.Fatalf("unknown ticket: err = %v", err)
	}
	if _, err := h.svc.Status(ctx, "T-100"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("ungenerated ticket: err = %v", err)
	}
	if _, err := h.svc.GetOrCreate(ctx, "T-100"); err != nil {
		t.Fatal(err)
	}
	rec, err := h.svc.Status(ctx, "T-100")
	if err != nil || !rec.IsComplete() {
		t.Fatalf("Status = %+v, %v", rec, err)
	}
}

func TestVerifyEdgeCases(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()

	if _, err := h.svc.Verify(ctx, []byte("not a payload")); !errors.Is(err, codec.ErrInvalidPayload) {
		t.Fatalf("garbage: err = %v", err)
	}
	ghost := model.Ticket{ID: "T-999", Event: "Concert A", Holder: "Zed", IssuedAt: time.Now()}
	p, _ := h.codec.NewPayload(ghost)
	compact, _ := h.codec.EncodePayload(p, codec.FormatCompact)
	res, err := h.svc.Verify(ctx, compact)
	if err != nil || res.Valid || res.TicketID != "T-999" {
		t.Fatalf("unknown ticket: %+v, %v", res, err)
	}
}

func TestPublishesGeneratedEvent(t *testing.T) {
	h := newHarness(t, options{})
	doc, err := h.svc.GetOrCreate(context.Background(), "T-100")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.svc.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	events := h.publisher.Events()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.TicketID != "T-100" || ev.Checksum != doc.Record.Checksum || ev.DocumentKey != h.codec.DocumentKey("T-100") {
		t.Fatalf("event = %+v", ev)
	}
}

func TestClosedServiceRejectsNewWork(t *testing.T) {
	h := newHarness(t, options{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h.svc.Close(ctx)

	_, err := h.svc.GetOrCreate(context.Background(), "T-100")
	if !errors.Is(err, engine.ErrPoolClosed) {
		t.Fatalf("err = %v, want ErrPoolClosed", err)
	}
}

func TestPregenerateToleratesPending(t *testing.T) {
	h := newHarness(t, options{cfg: Config{PendingWait: 50 * time.Millisecond}})
	ctx := context.Background()
	h.records.Claim(ctx, "T-100", repository.ClaimPolicy{MaxAttempts: 3})
	if err := h.svc.Pregenerate(ctx, "T-100"); err != nil {
		t.Fatalf("Pregenerate: %v", err)
	}
	if err := h.svc.Pregenerate(ctx, "T-404"); !errors.Is(err, repository.ErrTicketNotFound) {
		t.Fatalf("unknown ticket: err = %v", err)
	}
}

func TestEncodeQRUsesConfiguredLevel(t *testing.T) {
	h := newHarness(t, options{cfg: Config{QRLevel: qr.Highest}})
	p, err := h.codec.NewPayload(t100)
	if err != nil {
		t.Fatal(err)
	}
	img, err := h.svc.encodeQR(p)
	if err != nil {
		t.Fatalf("encodeQR: %v", err)
	}
	if img.Level != qr.Highest {
		t.Fatalf("level = %v, want %v", img.Level, qr.Highest)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err       error
		kind      Kind
		retryable bool
	}{
		{nil, "", false},
		{codec.ErrInvalidTicketData, KindInvalidTicket, false},
		{repository.ErrTicketNotFound, KindTicketNotFound, false},
		{qr.ErrPayloadTooLarge, KindPayloadTooLarge, false},
		{composer.ErrComposition, KindComposition, false},
		{engine.ErrPoolExhausted, KindPoolExhausted, true},
		{engine.ErrPoolClosed, KindPoolClosed, true},
		{composer.ErrRenderTimeout, KindRenderTimeout, true},
		{composer.ErrRenderFailed, KindRenderFailed, true},
		{engine.ErrEngineStart, KindRenderFailed, true},
		{ErrGenerationAbandoned, KindAbandoned, false},
		{ErrGenerationPending, KindPending, true},
		{storage.ErrNotFound, KindNotFound, false},
		{storage.ErrChecksumMismatch, KindCorrupt, false},
		{repository.ErrClaimLost, KindClaimLost, true},
		{context.DeadlineExceeded, KindTimeout, true},
		{context.Canceled, KindCanceled, true},
		{errors.New("boom"), KindInternal, false},
	}
	for _, tt := range tests {
		wrapped := tt.err
		if wrapped != nil {
			wrapped = errors.Join(errors.New("context"), tt.err)
		}
		if got := KindOf(wrapped); got != tt.kind {
			t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.kind)
		}
		if got := Retryable(wrapped); got != tt.retryable {
			t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.retryable)
		}
	}
}
