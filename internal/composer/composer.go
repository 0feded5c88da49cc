// Package composer lays out a ticket as HTML and has a leased rendering
// engine print it to a single fixed-size PDF page.
package composer

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/iliyamo/ticket-documents/internal/codec"
	"github.com/iliyamo/ticket-documents/internal/engine"
	"github.com/iliyamo/ticket-documents/internal/model"
	"github.com/iliyamo/ticket-documents/internal/qr"
)

var (
	// ErrComposition is returned for input that cannot be laid out.
	ErrComposition = errors.New("document composition failed")

	// ErrRenderTimeout is returned when the engine misses the render
	// window.  The lease is marked unhealthy.
	ErrRenderTimeout = errors.New("document render timed out")

	// ErrRenderFailed is returned when the engine errors or produces
	// something other than a PDF.  The lease is marked unhealthy.
	ErrRenderFailed = errors.New("document render failed")
)

var (
	pngMagic = []byte("\x89PNG\r\n\x1a\n")
	pdfMagic = []byte("%PDF-")
)

// Config sets the page geometry and render window.
type Config struct {
	PageWidthIn   float64
	PageHeightIn  float64
	RenderTimeout time.Duration
}

// Sheet is everything printed on one ticket.
type Sheet struct {
	Ticket model.Ticket
	QR     qr.Image

	// ManualCode is printed under the QR code for manual entry.  Optional.
	ManualCode string

	// DocumentKey is embedded in the document metadata.  Optional.
	DocumentKey string
}

// Composer is stateless apart from its configuration and safe for
// concurrent use.
type Composer struct {
	cfg Config
	log zerolog.Logger
}

// New validates cfg and returns a Composer.
func New(cfg Config, log zerolog.Logger) (*Composer, error) {
	if cfg.PageWidthIn <= 0 || cfg.PageHeightIn <= 0 {
		return nil, fmt.Errorf("composer: page size must be positive, got %.2fx%.2f", cfg.PageWidthIn, cfg.PageHeightIn)
	}
	if cfg.RenderTimeout <= 0 {
		return nil, fmt.Errorf("composer: render timeout must be positive")
	}
	return &Composer{cfg: cfg, log: log.With().Str("component", "composer").Logger()}, nil
}

// HTML returns the document markup for sheet.
func (c *Composer) HTML(sheet Sheet) (string, error) {
	if err := codec.Validate(sheet.Ticket); err != nil {
		return "", fmt.Errorf("%w: %w", ErrComposition, err)
	}
	if !bytes.HasPrefix(sheet.QR.PNG, pngMagic) {
		return "", fmt.Errorf("%w: qr image is not a PNG", ErrComposition)
	}
	t := sheet.Ticket
	seat := t.Seat
	if seat == "" {
		seat = "General admission"
	}
	data := templateData{
		TicketID:    t.ID,
		DocumentKey: sheet.DocumentKey,
		Event:       t.Event,
		Holder:      t.Holder,
		Seat:        seat,
		ManualCode:  sheet.ManualCode,
		// Generated from our own PNG bytes, never from input.
		QRDataURI:  template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(sheet.QR.PNG)),
		PageWidth:  inches(c.cfg.PageWidthIn),
		PageHeight: inches(c.cfg.PageHeightIn),
	}
	if !t.IssuedAt.IsZero() {
		data.Issued = t.IssuedAt.UTC().Format("2006-01-02 15:04 UTC")
	}
	var buf bytes.Buffer
	if err := ticketTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrComposition, err)
	}
	return buf.String(), nil
}

func inches(v float64) template.CSS {
	return template.CSS(strconv.FormatFloat(v, 'f', 2, 64) + "in")
}

// Compose renders sheet on the leased engine.  It never releases the
// lease; on engine trouble, or when ctx expires mid-render, it marks the
// lease unhealthy so the caller's Release discards the engine.
func (c *Composer) Compose(ctx context.Context, sheet Sheet, lease *engine.Lease) (model.RenderedDocument, error) {
	if lease == nil {
		return model.RenderedDocument{}, fmt.Errorf("%w: no engine lease", ErrComposition)
	}
	html, err := c.HTML(sheet)
	if err != nil {
		return model.RenderedDocument{}, err
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RenderTimeout)
	defer cancel()
	started := time.Now()
	pdf, err := lease.Engine().Render(rctx, engine.Job{
		HTML:         html,
		PageWidthIn:  c.cfg.PageWidthIn,
		PageHeightIn: c.cfg.PageHeightIn,
	})
	switch {
	case err == nil && !bytes.HasPrefix(pdf, pdfMagic):
		lease.MarkUnhealthy()
		return model.RenderedDocument{}, fmt.Errorf("%w: engine %s returned non-PDF output", ErrRenderFailed, lease.EngineID())
	case err == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		// The generation ran out of time mid-render.  The engine may still
		// be busy with the page, so it must not go back to the idle set.
		lease.MarkUnhealthy()
		return model.RenderedDocument{}, ctx.Err()
	case ctx.Err() != nil:
		// Cancelled outright; the engine itself is fine.
		return model.RenderedDocument{}, ctx.Err()
	case errors.Is(rctx.Err(), context.DeadlineExceeded):
		lease.MarkUnhealthy()
		return model.RenderedDocument{}, fmt.Errorf("%w after %s on engine %s", ErrRenderTimeout, c.cfg.RenderTimeout, lease.EngineID())
	default:
		lease.MarkUnhealthy()
		return model.RenderedDocument{}, fmt.Errorf("%w on engine %s: %v", ErrRenderFailed, lease.EngineID(), err)
	}

	c.log.Debug().
		Str("ticket_id", sheet.Ticket.ID).
		Str("engine_id", lease.EngineID()).
		Dur("took", time.Since(started)).
		Int("bytes", len(pdf)).
		Msg("document rendered")
	return model.RenderedDocument{
		TicketID:         sheet.Ticket.ID,
		PDF:              pdf,
		RenderedAt:       time.Now().UTC(),
		EngineInstanceID: lease.EngineID(),
	}, nil
}
