// Package queue defines message payloads exchanged over the message broker
// and the RabbitMQ publisher and consumer that carry them.
package queue

// Queue names.  Both queues are durable.
const (
	TicketIssuedQueue      = "ticket.issued"
	DocumentGeneratedQueue = "ticket.document.generated"
)

// TicketIssuedEvent is published by the ticketing system when a ticket is
// issued.  Only the id is needed: the ticket itself is read from the
// database so a forged message cannot change what gets printed.
type TicketIssuedEvent struct {
	TicketID string `json:"ticket_id"`
	IssuedAt string `json:"issued_at,omitempty"`
}

// DocumentGeneratedEvent is published once a ticket's PDF has been
// stored.  It contains enough information for downstream consumers (mail
// delivery, wallet passes) to fetch the document without querying the
// generation records.
type DocumentGeneratedEvent struct {
	TicketID    string `json:"ticket_id"`
	DocumentKey string `json:"document_key"`
	StoragePath string `json:"storage_path"`
	Checksum    string `json:"checksum"`
	SizeBytes   int64  `json:"size_bytes"`
	EngineID    string `json:"engine_id"`
	Attempts    int    `json:"attempts"`
	GeneratedAt string `json:"generated_at"`
}
