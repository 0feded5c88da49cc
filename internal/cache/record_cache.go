// Package cache keeps complete generation records in Redis so repeated
// document requests skip the database.  Only complete records are cached:
// they never change again, so entries need no invalidation beyond a TTL.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/iliyamo/ticket-documents/internal/model"
)

// RecordCache stores generation records in Redis.  A nil client disables
// the cache: every Get misses and Set is a no-op.
type RecordCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	log    zerolog.Logger
}

// NewRecordCache returns a cache using keys "<prefix>:<ticket id>".
func NewRecordCache(rdb *redis.Client, prefix string, ttl time.Duration, log zerolog.Logger) *RecordCache {
	if prefix == "" {
		prefix = "ticketdoc:record"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RecordCache{rdb: rdb, prefix: prefix, ttl: ttl, log: log}
}

func (c *RecordCache) key(ticketID string) string { return c.prefix + ":" + ticketID }

// Get returns the cached record.  Redis errors are logged and reported as
// a miss.
func (c *RecordCache) Get(ctx context.Context, ticketID string) (model.GenerationRecord, bool) {
	if c == nil || c.rdb == nil {
		return model.GenerationRecord{}, false
	}
	bs, err := c.rdb.Get(ctx, c.key(ticketID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn().Err(err).Str("ticket_id", ticketID).Msg("record cache get failed")
		}
		return model.GenerationRecord{}, false
	}
	var rec model.GenerationRecord
	if err := json.Unmarshal(bs, &rec); err != nil || rec.TicketID != ticketID {
		return model.GenerationRecord{}, false
	}
	return rec, true
}

// Set caches rec if it is complete.
func (c *RecordCache) Set(ctx context.Context, rec model.GenerationRecord) {
	if c == nil || c.rdb == nil || !rec.IsComplete() {
		return
	}
	bs, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := c.rdb.SetEx(ctx, c.key(rec.TicketID), bs, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("ticket_id", rec.TicketID).Msg("record cache set failed")
	}
}
