package model

import "time"

// RenderedDocument is a freshly rendered PDF before it is persisted.  After
// storage the bytes belong to the storage layer and the record is the
// reference callers keep.
type RenderedDocument struct {
	TicketID         string
	PDF              []byte
	RenderedAt       time.Time
	EngineInstanceID string
}

// SizeBytes returns the length of the rendered PDF.
func (d RenderedDocument) SizeBytes() int64 { return int64(len(d.PDF)) }
