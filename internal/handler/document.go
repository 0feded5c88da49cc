package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/iliyamo/ticket-documents/internal/codec"
	"github.com/iliyamo/ticket-documents/internal/model"
	"github.com/iliyamo/ticket-documents/internal/service"
)

// DocumentService is what the document endpoints need from the service layer.
type DocumentService interface {
	GetOrCreate(ctx context.Context, ticketID string) (*service.Document, error)
	Status(ctx context.Context, ticketID string) (*model.GenerationRecord, error)
	Verify(ctx context.Context, payload []byte) (service.VerifyResult, error)
}

// DocumentHandler serves ticket documents over HTTP.
type DocumentHandler struct {
	svc        DocumentService
	retryAfter time.Duration
	log        zerolog.Logger
}

// NewDocumentHandler returns a DocumentHandler.  retryAfter is the hint
// sent with 202 and 503 responses.
func NewDocumentHandler(svc DocumentService, retryAfter time.Duration, log zerolog.Logger) *DocumentHandler {
	if retryAfter <= 0 {
		retryAfter = 2 * time.Second
	}
	return &DocumentHandler{svc: svc, retryAfter: retryAfter, log: log}
}

// GetDocument handles GET /v1/tickets/:id/document.  It answers 200 with
// the PDF, 202 while another caller is still generating it, or an error
// status derived from the failure kind.
func (h *DocumentHandler) GetDocument(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "ticket id is required"})
	}
	doc, err := h.svc.GetOrCreate(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, id, err)
	}

	etag := `"` + doc.Record.Checksum + `"`
	hdr := c.Response().Header()
	hdr.Set("ETag", etag)
	hdr.Set("X-Document-Key", doc.Key)
	hdr.Set("Cache-Control", "private, max-age=3600")
	if doc.Generated {
		hdr.Set("X-Generation", "generated")
	} else {
		hdr.Set("X-Generation", "stored")
	}
	if match := c.Request().Header.Get("If-None-Match"); match != "" && match == etag {
		return c.NoContent(http.StatusNotModified)
	}
	hdr.Set("Content-Disposition", `inline; filename="ticket.pdf"`)
	return c.Blob(http.StatusOK, "application/pdf", doc.PDF)
}

// GetStatus handles GET /v1/tickets/:id/document/status.
func (h *DocumentHandler) GetStatus(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "ticket id is required"})
	}
	rec, err := h.svc.Status(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, id, err)
	}
	return c.JSON(http.StatusOK, rec)
}

type verifyRequest struct {
	// Payload is the scanned QR content: the "TKT1." text form as is, or
	// the compact binary form in standard base64.
	Payload string `json:"payload"`
}

// Verify handles POST /v1/tickets/verify.
func (h *DocumentHandler) Verify(c echo.Context) error {
	var req verifyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	raw := []byte(strings.TrimSpace(req.Payload))
	if len(raw) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "payload is required"})
	}
	if !strings.HasPrefix(string(raw), "TKT1.") {
		decoded, err := base64.StdEncoding.DecodeString(string(raw))
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "payload is neither text nor base64"})
		}
		raw = decoded
	}
	res, err := h.svc.Verify(c.Request().Context(), raw)
	if errors.Is(err, codec.ErrInvalidPayload) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload"})
	}
	if err != nil {
		h.log.Error().Err(err).Msg("verify failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	return c.JSON(http.StatusOK, res)
}

// fail maps a service error onto an HTTP response.
func (h *DocumentHandler) fail(c echo.Context, ticketID string, err error) error {
	kind := service.KindOf(err)
	body := echo.Map{"error": string(kind), "ticket_id": ticketID}

	var status int
	switch kind {
	case service.KindPending:
		h.setRetryAfter(c)
		body["status"] = model.StatusPending
		return c.JSON(http.StatusAccepted, body)
	case service.KindTicketNotFound, service.KindNotFound:
		status = http.StatusNotFound
	case service.KindInvalidTicket, service.KindPayloadTooLarge, service.KindComposition:
		status = http.StatusUnprocessableEntity
		body["message"] = err.Error()
	case service.KindPoolExhausted, service.KindPoolClosed, service.KindRenderTimeout,
		service.KindRenderFailed, service.KindClaimLost, service.KindTimeout, service.KindCanceled:
		h.setRetryAfter(c)
		status = http.StatusServiceUnavailable
	default:
		// Abandoned, corrupt storage and unclassified errors.
		status = http.StatusInternalServerError
	}
	if status >= 500 {
		h.log.Error().Err(err).Str("ticket_id", ticketID).Str("kind", string(kind)).Msg("document request failed")
	}
	return c.JSON(status, body)
}

func (h *DocumentHandler) setRetryAfter(c echo.Context) {
	secs := int(math.Ceil(h.retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
}
