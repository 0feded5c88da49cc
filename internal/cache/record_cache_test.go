package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/iliyamo/ticket-documents/internal/model"
)

func TestNilClientMisses(t *testing.T) {
	c := NewRecordCache(nil, "", 0, zerolog.Nop())
	c.Set(context.Background(), model.GenerationRecord{TicketID: "T-1", Status: model.StatusComplete})
	if _, ok := c.Get(context.Background(), "T-1"); ok {
		t.Fatal("nil client reported a hit")
	}
}

// redisClient connects to the Redis named by TEST_REDIS_ADDR or skips.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestRedisRoundTrip(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	c := NewRecordCache(rdb, "test:"+uuid.NewString(), time.Minute, zerolog.Nop())

	rec := model.GenerationRecord{
		TicketID:    "T-100",
		Status:      model.StatusComplete,
		StoragePath: "ab/cd/abcd.pdf",
		Checksum:    "deadbeef",
		SizeBytes:   42,
		UpdatedAt:   time.Now().UTC().Truncate(time.Second),
	}
	c.Set(ctx, rec)
	got, ok := c.Get(ctx, "T-100")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.StoragePath != rec.StoragePath || got.Checksum != rec.Checksum || !got.UpdatedAt.Equal(rec.UpdatedAt) {
		t.Fatalf("got %+v, want %+v", got, rec)
	}

	c.Set(ctx, model.GenerationRecord{TicketID: "T-101", Status: model.StatusPending})
	if _, ok := c.Get(ctx, "T-101"); ok {
		t.Fatal("pending record was cached")
	}
}
