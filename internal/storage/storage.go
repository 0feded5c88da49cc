// Package storage persists rendered ticket documents and their
// generation records.  A document's location is a pure function of its
// ticket id and the document key secret, so writing the same ticket twice
// replaces the file in place.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/iliyamo/ticket-documents/internal/model"
	"github.com/iliyamo/ticket-documents/internal/repository"
)

var (
	// ErrNotFound is returned by Get when no complete record exists.
	ErrNotFound = errors.New("document not found")
	// ErrChecksumMismatch is returned when stored bytes no longer match
	// the checksum recorded at generation time.
	ErrChecksumMismatch = errors.New("document checksum mismatch")
)

// RecordStore is the part of the generation repository storage needs.
type RecordStore interface {
	Get(ctx context.Context, ticketID string) (model.GenerationRecord, error)
	Complete(ctx context.Context, ticketID, claimToken string, c repository.Completion) (model.GenerationRecord, error)
}

// RecordCache holds complete generation records in front of the
// database.  Implementations must treat failures as misses.
type RecordCache interface {
	Get(ctx context.Context, ticketID string) (model.GenerationRecord, bool)
	Set(ctx context.Context, rec model.GenerationRecord)
}

// Keyer names documents; *codec.Codec implements it.
type Keyer interface {
	DocumentKey(ticketID string) string
}

// Storage combines the file store with the generation records.
type Storage struct {
	files   *FileStore
	records RecordStore
	cache   RecordCache
	keys    Keyer
	log     zerolog.Logger
}

// New returns a Storage.  cache may be nil.
func New(files *FileStore, records RecordStore, cache RecordCache, keys Keyer, log zerolog.Logger) *Storage {
	return &Storage{files: files, records: records, cache: cache, keys: keys, log: log}
}

// PathFor returns the storage key of a ticket's document:
// <k[0:2]>/<k[2:4]>/<k>.pdf with k the ticket's document key.  The
// storage key never contains caller-supplied text.
func (s *Storage) PathFor(ticketID string) string {
	return pathFor(s.keys.DocumentKey(ticketID))
}

func pathFor(k string) string {
	return k[0:2] + "/" + k[2:4] + "/" + k + ".pdf"
}

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Exists returns the ticket's generation record, or nil if none exists.
// Complete records are served from the cache when possible.
func (s *Storage) Exists(ctx context.Context, ticketID string) (*model.GenerationRecord, error) {
	if s.cache != nil {
		if rec, ok := s.cache.Get(ctx, ticketID); ok && rec.IsComplete() {
			return &rec, nil
		}
	}
	rec, err := s.records.Get(ctx, ticketID)
	if errors.Is(err, repository.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load generation record: %w", err)
	}
	if rec.IsComplete() && s.cache != nil {
		s.cache.Set(ctx, rec)
	}
	return &rec, nil
}

// Put writes doc for the claim holder and marks the record complete.  The
// claim must carry the token returned by Claim; if another process took
// the claim over, the file is still written (it is byte-for-byte the same
// document) but repository.ErrClaimLost is returned.
func (s *Storage) Put(ctx context.Context, claim model.GenerationRecord, doc model.RenderedDocument) (model.GenerationRecord, error) {
	if doc.TicketID != claim.TicketID {
		return model.GenerationRecord{}, fmt.Errorf("storage: document for %q does not match claim for %q", doc.TicketID, claim.TicketID)
	}
	key, err := s.files.Write(ctx, s.PathFor(claim.TicketID), doc.PDF)
	if err != nil {
		return model.GenerationRecord{}, err
	}
	rec, err := s.records.Complete(ctx, claim.TicketID, claim.ClaimToken, repository.Completion{
		StoragePath: key,
		Checksum:    Checksum(doc.PDF),
		SizeBytes:   doc.SizeBytes(),
		EngineID:    doc.EngineInstanceID,
	})
	if err != nil {
		return model.GenerationRecord{}, fmt.Errorf("complete generation record: %w", err)
	}
	if s.cache != nil {
		s.cache.Set(ctx, rec)
	}
	s.log.Debug().Str("ticket_id", rec.TicketID).Str("path", key).
		Int64("size_bytes", rec.SizeBytes).Msg("document stored")
	return rec, nil
}

// Get returns the stored document and its record.  It fails with
// ErrNotFound unless a complete record exists, and with
// ErrChecksumMismatch if the file no longer matches the record.
func (s *Storage) Get(ctx context.Context, ticketID string) ([]byte, model.GenerationRecord, error) {
	rec, err := s.Exists(ctx, ticketID)
	if err != nil {
		return nil, model.GenerationRecord{}, err
	}
	if !rec.IsComplete() {
		return nil, model.GenerationRecord{}, ErrNotFound
	}
	return s.Read(ctx, *rec)
}

// Read loads the bytes of a complete record and verifies their checksum.
func (s *Storage) Read(ctx context.Context, rec model.GenerationRecord) ([]byte, model.GenerationRecord, error) {
	data, err := s.files.Read(ctx, rec.StoragePath)
	if err != nil {
		return nil, rec, err
	}
	if Checksum(data) != rec.Checksum {
		s.log.Error().Str("ticket_id", rec.TicketID).Str("path", rec.StoragePath).Msg("stored document checksum mismatch")
		return nil, rec, fmt.Errorf("%w: %s", ErrChecksumMismatch, rec.StoragePath)
	}
	return data, rec, nil
}
