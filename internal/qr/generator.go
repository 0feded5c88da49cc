// Package qr renders verification payloads as QR code images.
package qr

import (
	"errors"
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

var (
	// ErrPayloadTooLarge is returned when the payload does not fit in the
	// largest QR version at the requested recovery level.  Callers retry
	// with a lower level or a compact payload.
	ErrPayloadTooLarge = errors.New("qr payload too large")

	// ErrEmptyPayload is returned for a zero-length payload.
	ErrEmptyPayload = errors.New("qr payload is empty")
)

// Level is the error-correction level of the code.
type Level int

const (
	Low Level = iota
	Medium
	High
	Highest
)

// ParseLevel accepts L/M/Q/H or low/medium/high/highest.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "l", "low":
		return Low, nil
	case "m", "medium":
		return Medium, nil
	case "q", "high":
		return High, nil
	case "h", "highest":
		return Highest, nil
	}
	return Medium, fmt.Errorf("unknown qr level %q", s)
}

func (l Level) String() string {
	switch l {
	case Low:
		return "L"
	case High:
		return "Q"
	case Highest:
		return "H"
	}
	return "M"
}

// Lower returns the next lower level and false when l is already Low.
func (l Level) Lower() (Level, bool) {
	if l <= Low {
		return Low, false
	}
	return l - 1, true
}

func (l Level) recovery() qrcode.RecoveryLevel {
	switch l {
	case Low:
		return qrcode.Low
	case High:
		return qrcode.High
	case Highest:
		return qrcode.Highest
	}
	return qrcode.Medium
}

// Image is an encoded QR code.
type Image struct {
	PNG     []byte
	Level   Level
	Version int // QR version (1-40) chosen for the payload
	Size    int // edge length in pixels
}

// DefaultSize is the PNG edge length used when Generator.Size is zero.
const DefaultSize = 320

// Generator turns payloads into PNG images.  The zero value is usable.
type Generator struct {
	Size int
}

// Encode renders payload at the given level.  Output is byte-identical for
// identical inputs.
func (g Generator) Encode(payload []byte, level Level) (Image, error) {
	if len(payload) == 0 {
		return Image{}, ErrEmptyPayload
	}
	size := g.Size
	if size <= 0 {
		size = DefaultSize
	}
	code, err := qrcode.New(string(payload), level.recovery())
	if err != nil {
		// go-qrcode only fails here when no version can hold the content.
		return Image{}, fmt.Errorf("%w: %d bytes at level %s: %v", ErrPayloadTooLarge, len(payload), level, err)
	}
	png, err := code.PNG(size)
	if err != nil {
		return Image{}, fmt.Errorf("qr png: %w", err)
	}
	return Image{PNG: png, Level: level, Version: code.VersionNumber, Size: size}, nil
}
