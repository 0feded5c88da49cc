package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ChromeConfig configures headless Chrome engines.
type ChromeConfig struct {
	// ExecPath is the Chrome/Chromium binary.  Empty lets chromedp search
	// the usual locations.
	ExecPath string

	// NoSandbox disables the Chrome sandbox, needed when running as root
	// inside some containers.
	NoSandbox bool

	Logger zerolog.Logger
}

// ChromeEngine renders documents with one headless Chrome process.  Each
// render runs in a fresh tab which is closed afterwards.
type ChromeEngine struct {
	id            string
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	log           zerolog.Logger
	closeOnce     sync.Once
}

// NewChromeFactory returns a Factory that starts a Chrome process per
// engine.
func NewChromeFactory(cfg ChromeConfig) Factory {
	return func(ctx context.Context) (Engine, error) {
		return StartChrome(ctx, cfg)
	}
}

// StartChrome launches a browser and waits until it accepts commands or
// ctx ends.  The browser itself is not bound to ctx.
func StartChrome(ctx context.Context, cfg ChromeConfig) (*ChromeEngine, error) {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.DisableGPU,
		chromedp.Flag("font-render-hinting", "none"),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()
	select {
	case err := <-started:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("start chrome: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, ctx.Err()
	}

	id := "chrome-" + uuid.NewString()
	return &ChromeEngine{
		id:            id,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		log:           cfg.Logger.With().Str("engine_id", id).Logger(),
	}, nil
}

// ID implements Engine.
func (e *ChromeEngine) ID() string { return e.id }

// waitImages resolves once every <img> on the page has decoded, so the QR
// code is painted before printing.
const waitImages = `Promise.all(Array.from(document.images).map(function (img) { return img.decode(); })).then(function () { return true; })`

// Render implements Engine.
func (e *ChromeEngine) Render(ctx context.Context, job Job) ([]byte, error) {
	tabCtx, cancelTab := chromedp.NewContext(e.browserCtx)
	defer cancelTab()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	started := time.Now()
	var (
		pdf     []byte
		painted bool
	)
	err := chromedp.Run(tabCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(c context.Context) error {
			tree, err := page.GetFrameTree().Do(c)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, job.HTML).Do(c)
		}),
		chromedp.Evaluate(waitImages, &painted, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}),
		chromedp.ActionFunc(func(c context.Context) error {
			buf, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(job.PageWidthIn).
				WithPaperHeight(job.PageHeightIn).
				WithMarginTop(0).
				WithMarginBottom(0).
				WithMarginLeft(0).
				WithMarginRight(0).
				WithPageRanges("1").
				Do(c)
			pdf = buf
			return err
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if e.browserCtx.Err() != nil {
			return nil, ErrEngineClosed
		}
		return nil, fmt.Errorf("chrome render: %w", err)
	}
	e.log.Debug().Dur("took", time.Since(started)).Int("bytes", len(pdf)).Msg("rendered")
	return pdf, nil
}

// Close implements Engine.
func (e *ChromeEngine) Close() error {
	e.closeOnce.Do(func() {
		e.browserCancel()
		e.allocCancel()
	})
	return nil
}
