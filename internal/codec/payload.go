package codec

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/iliyamo/ticket-documents/internal/model"
)

// Format selects how a payload is serialized into the QR code.
type Format int

const (
	// FormatText is "TKT1." followed by base64url CBOR.  Safe for any scanner.
	FormatText Format = iota
	// FormatCompact is the raw CBOR bytes, roughly a quarter smaller.
	FormatCompact
)

func (f Format) String() string {
	if f == FormatCompact {
		return "compact"
	}
	return "text"
}

const textPrefix = "TKT1."

// Payload is what a scanner reads back from a ticket's QR code.
type Payload struct {
	TicketID string
	Token    VerificationToken
}

type wirePayload struct {
	_        struct{} `cbor:",toarray"`
	Version  uint
	TicketID string
	Token    []byte
}

// NewPayload derives the token for t and wraps it in a Payload.
func (c *Codec) NewPayload(t model.Ticket) (Payload, error) {
	tok, err := c.DeriveToken(t)
	if err != nil {
		return Payload{}, err
	}
	return Payload{TicketID: t.ID, Token: tok}, nil
}

// EncodePayload serializes p in the requested format.  Output is
// deterministic.
func (c *Codec) EncodePayload(p Payload, f Format) ([]byte, error) {
	raw, err := c.enc.Marshal(wirePayload{Version: 1, TicketID: p.TicketID, Token: p.Token[:]})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if f == FormatCompact {
		return raw, nil
	}
	out := make([]byte, len(textPrefix)+base64.RawURLEncoding.EncodedLen(len(raw)))
	copy(out, textPrefix)
	base64.RawURLEncoding.Encode(out[len(textPrefix):], raw)
	return out, nil
}

// ParsePayload accepts either format.
func (c *Codec) ParsePayload(b []byte) (Payload, error) {
	raw := b
	if bytes.HasPrefix(b, []byte(textPrefix)) {
		decoded, err := base64.RawURLEncoding.DecodeString(string(b[len(textPrefix):]))
		if err != nil {
			return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		raw = decoded
	}
	var w wirePayload
	if err := c.dec.Unmarshal(raw, &w); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if w.Version != 1 {
		return Payload{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidPayload, w.Version)
	}
	if w.TicketID == "" || len(w.Token) != TokenSize {
		return Payload{}, fmt.Errorf("%w: missing fields", ErrInvalidPayload)
	}
	p := Payload{TicketID: w.TicketID}
	copy(p.Token[:], w.Token)
	return p, nil
}
