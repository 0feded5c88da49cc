package codec

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/zeebo/blake3"

	"github.com/iliyamo/ticket-documents/internal/model"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestCodec(t *testing.T, secret []byte) *Codec {
	t.Helper()
	c, err := NewCodec(secret)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func sampleTicket() model.Ticket {
	return model.Ticket{
		ID:       "T-100",
		Event:    "E1",
		Seat:     "B-12",
		Holder:   "A. Lee",
		IssuedAt: time.Date(2026, 5, 1, 18, 30, 0, 0, time.UTC),
	}
}

func TestDeriveTokenDeterministic(t *testing.T) {
	c1 := newTestCodec(t, testSecret)
	c2 := newTestCodec(t, testSecret)
	a, err := c1.DeriveToken(sampleTicket())
	if err != nil {
		t.Fatalf("DeriveToken: %v", err)
	}
	b, err := c2.DeriveToken(sampleTicket())
	if err != nil {
		t.Fatalf("DeriveToken: %v", err)
	}
	if a != b {
		t.Fatalf("tokens differ: %s vs %s", a, b)
	}
}

func TestDeriveTokenIgnoresSubSecondAndZone(t *testing.T) {
	c := newTestCodec(t, testSecret)
	base := sampleTicket()
	shifted := base
	shifted.IssuedAt = base.IssuedAt.Add(400 * time.Millisecond).In(time.FixedZone("X", 3600))
	a, _ := c.DeriveToken(base)
	b, _ := c.DeriveToken(shifted)
	if a != b {
		t.Fatalf("expected equal tokens, got %s and %s", a, b)
	}
}

func TestDeriveTokenSensitiveToFieldsAndKey(t *testing.T) {
	c := newTestCodec(t, testSecret)
	base, _ := c.DeriveToken(sampleTicket())

	changes := map[string]func(*model.Ticket){
		"id":     func(tk *model.Ticket) { tk.ID = "T-101" },
		"event":  func(tk *model.Ticket) { tk.Event = "E2" },
		"seat":   func(tk *model.Ticket) { tk.Seat = "B-13" },
		"holder": func(tk *model.Ticket) { tk.Holder = "B. Lee" },
		"issued": func(tk *model.Ticket) { tk.IssuedAt = tk.IssuedAt.Add(time.Second) },
	}
	for name, mutate := range changes {
		tk := sampleTicket()
		mutate(&tk)
		got, err := c.DeriveToken(tk)
		if err != nil {
			t.Fatalf("%s: DeriveToken: %v", name, err)
		}
		if got == base {
			t.Fatalf("%s: token did not change", name)
		}
	}

	other := newTestCodec(t, []byte("another-secret-of-sufficient-len"))
	got, _ := other.DeriveToken(sampleTicket())
	if got == base {
		t.Fatal("different secrets produced the same token")
	}
}

func TestDeriveTokenInvalidTicket(t *testing.T) {
	c := newTestCodec(t, testSecret)
	cases := []model.Ticket{
		{Event: "E1", Holder: "A"},
		{ID: "T-1", Holder: "A"},
		{ID: "T-1", Event: "E1", Holder: "  "},
		{ID: "T-1\n", Event: "E1", Holder: "A"},
		{ID: string(bytes.Repeat([]byte("x"), maxTicketIDLen+1)), Event: "E1", Holder: "A"},
	}
	for i, tk := range cases {
		if _, err := c.DeriveToken(tk); !errors.Is(err, ErrInvalidTicketData) {
			t.Fatalf("case %d: expected ErrInvalidTicketData, got %v", i, err)
		}
	}
}

func TestNewCodecRejectsShortSecret(t *testing.T) {
	if _, err := NewCodec([]byte("short")); !errors.Is(err, ErrWeakSecret) {
		t.Fatalf("expected ErrWeakSecret, got %v", err)
	}
}

func TestPayloadRoundTripBothFormats(t *testing.T) {
	c := newTestCodec(t, testSecret)
	tk := sampleTicket()
	p, err := c.NewPayload(tk)
	if err != nil {
		t.Fatalf("NewPayload: %v", err)
	}
	text, err := c.EncodePayload(p, FormatText)
	if err != nil {
		t.Fatalf("EncodePayload text: %v", err)
	}
	compact, err := c.EncodePayload(p, FormatCompact)
	if err != nil {
		t.Fatalf("EncodePayload compact: %v", err)
	}
	if !bytes.HasPrefix(text, []byte(textPrefix)) {
		t.Fatalf("text payload missing prefix: %q", text)
	}
	if len(compact) >= len(text) {
		t.Fatalf("compact payload (%d) not smaller than text (%d)", len(compact), len(text))
	}
	for _, enc := range [][]byte{text, compact} {
		got, err := c.ParsePayload(enc)
		if err != nil {
			t.Fatalf("ParsePayload: %v", err)
		}
		if got != p {
			t.Fatalf("round trip mismatch: %+v vs %+v", got, p)
		}
		ok, err := c.Verify(tk, got)
		if err != nil || !ok {
			t.Fatalf("Verify = %v, %v", ok, err)
		}
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	c := newTestCodec(t, testSecret)
	tk := sampleTicket()
	p, _ := c.NewPayload(tk)

	forged := p
	forged.Token[0] ^= 0xff
	if ok, _ := c.Verify(tk, forged); ok {
		t.Fatal("forged token accepted")
	}
	moved := p
	moved.TicketID = "T-999"
	if ok, _ := c.Verify(tk, moved); ok {
		t.Fatal("payload for another ticket accepted")
	}
}

func TestParsePayloadRejectsGarbage(t *testing.T) {
	c := newTestCodec(t, testSecret)
	for _, in := range [][]byte{nil, []byte("TKT1.!!!"), []byte("hello"), {0x83, 0x01}} {
		if _, err := c.ParsePayload(in); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("ParsePayload(%q): expected ErrInvalidPayload, got %v", in, err)
		}
	}
}

func TestDocumentKeyStable(t *testing.T) {
	c := newTestCodec(t, testSecret)
	a := c.DocumentKey("T-100")
	if a != newTestCodec(t, testSecret).DocumentKey("T-100") {
		t.Fatal("document key not stable")
	}
	if a == c.DocumentKey("T-101") {
		t.Fatal("distinct ids share a document key")
	}
	if len(a) != 64 {
		t.Fatalf("unexpected key length %d", len(a))
	}
}

func TestDocumentKeyNeedsSecret(t *testing.T) {
	c := newTestCodec(t, testSecret)
	other := newTestCodec(t, []byte("another secret of at least 16 bytes"))
	if c.DocumentKey("T-1") == other.DocumentKey("T-1") {
		t.Fatal("document key does not depend on the secret")
	}
	// Without the secret, hashing candidate ids must not reproduce the key.
	sum := blake3.Sum256([]byte("T-1"))
	if c.DocumentKey("T-1") == hex.EncodeToString(sum[:]) {
		t.Fatal("document key is an unkeyed hash of the id")
	}
}

func TestTokenStringRoundTrip(t *testing.T) {
	c := newTestCodec(t, testSecret)
	tok, _ := c.DeriveToken(sampleTicket())
	back, err := ParseToken(tok.String())
	if err != nil || back != tok {
		t.Fatalf("ParseToken = %v, %v", back, err)
	}
}
