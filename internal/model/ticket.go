package model

import "time"

// Ticket is the issued ticket a document is generated for.  Tickets are
// owned by the ticketing system and are immutable once issued; this
// service only reads them.
//
// Fields:
//
//	ID       – external ticket identifier (e.g. "T-100").
//	Event    – event name or code printed on the ticket.
//	Seat     – seat label; empty for general admission.
//	Holder   – name of the ticket holder.
//	IssuedAt – issuance timestamp (UTC).
type Ticket struct {
	ID       string    `json:"id" yaml:"id"`               // tickets.id
	Event    string    `json:"event" yaml:"event"`         // tickets.event_name
	Seat     string    `json:"seat" yaml:"seat"`           // tickets.seat_label
	Holder   string    `json:"holder" yaml:"holder"`       // tickets.holder_name
	IssuedAt time.Time `json:"issued_at" yaml:"issued_at"` // tickets.issued_at
}
