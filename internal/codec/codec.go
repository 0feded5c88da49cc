// Package codec derives the verification material printed on a ticket
// document: a keyed verification token, a stable document key and the QR
// payload that carries both.  Everything here is a pure function of the
// ticket and the process secret, so the same ticket always yields the same
// bytes.
package codec

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"

	"github.com/iliyamo/ticket-documents/internal/model"
)

// TokenSize is the length in bytes of a verification token.
const TokenSize = 16

// MinSecretSize is the shortest secret NewCodec accepts.
const MinSecretSize = 16

// maxTicketIDLen bounds ticket ids so payloads stay scannable.
const maxTicketIDLen = 128

var (
	// ErrInvalidTicketData is returned when a required ticket field is
	// missing or malformed.  It is a caller error and never retried.
	ErrInvalidTicketData = errors.New("invalid ticket data")

	// ErrInvalidPayload is returned when a scanned payload cannot be parsed.
	ErrInvalidPayload = errors.New("invalid verification payload")

	// ErrWeakSecret is returned by NewCodec for secrets shorter than MinSecretSize.
	ErrWeakSecret = errors.New("token secret too short")
)

// VerificationToken is the keyed hash of a ticket's immutable fields.
type VerificationToken [TokenSize]byte

// String returns the unpadded base64url form printed for humans.
func (t VerificationToken) String() string {
	return base64.RawURLEncoding.EncodeToString(t[:])
}

// ParseToken parses the String form of a token.
func ParseToken(s string) (VerificationToken, error) {
	var tok VerificationToken
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(raw) != TokenSize {
		return tok, fmt.Errorf("%w: malformed token", ErrInvalidPayload)
	}
	copy(tok[:], raw)
	return tok, nil
}

// canonicalTicket is the CBOR shape hashed into a token.  Field order is
// fixed by toarray; changing it invalidates every printed ticket.
type canonicalTicket struct {
	_        struct{} `cbor:",toarray"`
	Version  uint
	ID       string
	Event    string
	Seat     string
	Holder   string
	IssuedAt int64
}

// Codec holds the key material for token derivation.  It is safe for
// concurrent use.
type Codec struct {
	tokenKey [32]byte
	docKey   [32]byte
	enc      cbor.EncMode
	dec      cbor.DecMode
}

// NewCodec derives the token key and the document key from the process
// secret with HKDF-SHA256.
func NewCodec(secret []byte) (*Codec, error) {
	if len(secret) < MinSecretSize {
		return nil, ErrWeakSecret
	}
	c := &Codec{}
	kdf := hkdf.New(sha256.New, secret, []byte("ticketdoc/v1"), []byte("verification-token"))
	if _, err := io.ReadFull(kdf, c.tokenKey[:]); err != nil {
		return nil, fmt.Errorf("derive token key: %w", err)
	}
	kdf = hkdf.New(sha256.New, secret, []byte("ticketdoc/v1"), []byte("document-key"))
	if _, err := io.ReadFull(kdf, c.docKey[:]); err != nil {
		return nil, fmt.Errorf("derive document key: %w", err)
	}
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{
		MaxNestedLevels:  4,
		MaxArrayElements: 16,
		IndefLength:      cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}
	c.enc = enc
	c.dec = dec
	return c, nil
}

// Validate checks the fields a token and a document are derived from.
func Validate(t model.Ticket) error {
	if err := checkField("id", t.ID, true); err != nil {
		return err
	}
	if len(t.ID) > maxTicketIDLen {
		return fmt.Errorf("%w: id longer than %d bytes", ErrInvalidTicketData, maxTicketIDLen)
	}
	if err := checkField("event", t.Event, true); err != nil {
		return err
	}
	if err := checkField("holder", t.Holder, true); err != nil {
		return err
	}
	return checkField("seat", t.Seat, false)
}

func checkField(name, v string, required bool) error {
	if required && strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidTicketData, name)
	}
	if strings.IndexFunc(v, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: %s contains control characters", ErrInvalidTicketData, name)
	}
	return nil
}

// DeriveToken returns the verification token for t.  Identical tickets
// always produce identical tokens; the issuance time is hashed at second
// precision so database round-trips do not change it.
func (c *Codec) DeriveToken(t model.Ticket) (VerificationToken, error) {
	var tok VerificationToken
	if err := Validate(t); err != nil {
		return tok, err
	}
	var issued int64
	if !t.IssuedAt.IsZero() {
		issued = t.IssuedAt.UTC().Unix()
	}
	canonical, err := c.enc.Marshal(canonicalTicket{
		Version:  1,
		ID:       t.ID,
		Event:    t.Event,
		Seat:     t.Seat,
		Holder:   t.Holder,
		IssuedAt: issued,
	})
	if err != nil {
		return tok, fmt.Errorf("encode ticket: %w", err)
	}
	h, err := blake3.NewKeyed(c.tokenKey[:])
	if err != nil {
		return tok, fmt.Errorf("token hasher: %w", err)
	}
	_, _ = h.Write(canonical)
	copy(tok[:], h.Sum(nil))
	return tok, nil
}

// Verify reports whether p was issued for ticket t.
func (c *Codec) Verify(t model.Ticket, p Payload) (bool, error) {
	want, err := c.DeriveToken(t)
	if err != nil {
		return false, err
	}
	if p.TicketID != t.ID {
		return false, nil
	}
	return subtle.ConstantTimeCompare(want[:], p.Token[:]) == 1, nil
}

// DocumentKey returns the stable identifier documents are stored under.  It
// is a keyed hash of the ticket id, so file names reveal nothing about the
// ids without the process secret.
func (c *Codec) DocumentKey(ticketID string) string {
	h, _ := blake3.NewKeyed(c.docKey[:]) // fails only on a key of the wrong size
	_, _ = h.Write([]byte(ticketID))
	return hex.EncodeToString(h.Sum(nil))
}
