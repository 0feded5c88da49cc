// Package config loads application configuration from environment
// variables.  A .env file in the working directory is read first when
// present; real environment variables take precedence over it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/iliyamo/ticket-documents/internal/qr"
)

// Database drivers.
const (
	DriverMySQL  = "mysql"
	DriverMemory = "memory"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.
type Config struct {
	Env  string // APP_ENV (development, production, ...)
	Port string // APP_PORT

	DBDriver          string        // DB_DRIVER: mysql (default) or memory
	DBUser            string        // DB_USER
	DBPass            string        // DB_PASS (empty allowed)
	DBHost            string        // DB_HOST
	DBPort            string        // DB_PORT
	DBName            string        // DB_NAME
	DBMaxOpenConns    int           // DB_MAX_OPEN_CONNS
	DBConnMaxLifetime time.Duration // DB_CONN_MAX_LIFETIME
	TicketSeedPath    string        // TICKET_SEED_FILE, memory driver only

	JWTSecret   string // JWT_SECRET, signs API access tokens
	TokenSecret string // TICKET_TOKEN_SECRET, keys the QR verification tokens

	Document  DocumentConfig
	Queue     QueueConfig
	RateLimit RateLimitConfig
}

// DocumentConfig tunes generation, rendering and storage.
type DocumentConfig struct {
	PoolSize          int           // POOL_SIZE
	MaxRenders        int           // ENGINE_MAX_RENDERS, 0 = never recycle
	RenderTimeout     time.Duration // RENDER_TIMEOUT
	AcquireTimeout    time.Duration // ACQUIRE_TIMEOUT
	LeaseTTL          time.Duration // LEASE_TTL
	GenerationTimeout time.Duration // GENERATION_TIMEOUT
	ShutdownGrace     time.Duration // SHUTDOWN_GRACE
	MaxAttempts       int           // MAX_ATTEMPTS
	StorageRoot       string        // STORAGE_ROOT
	RetryAfter        time.Duration // PENDING_RETRY_INTERVAL, sent as Retry-After
	PendingWait       time.Duration // PENDING_WAIT
	PollInterval      time.Duration // PENDING_POLL_INTERVAL
	ClaimStaleAfter   time.Duration // CLAIM_STALE_AFTER, 0 = never take over
	QRLevel           qr.Level      // QR_LEVEL: L, M, Q or H
	QRSize            int           // QR_SIZE in pixels
	PageWidthIn       float64       // PAGE_WIDTH_IN
	PageHeightIn      float64       // PAGE_HEIGHT_IN
	ChromePath        string        // CHROME_PATH, empty = search PATH
	ChromeNoSandbox   bool          // CHROME_NO_SANDBOX
	RecordCacheTTL    time.Duration // RECORD_CACHE_TTL
}

// QueueConfig configures RabbitMQ.  An empty URL disables messaging.
type QueueConfig struct {
	URL           string // RABBITMQ_URL (or AMQP_URL)
	ConsumeIssued bool   // CONSUME_TICKET_ISSUED
	Prefetch      int    // QUEUE_PREFETCH
}

// Load reads configuration values from the environment.  Every missing or
// malformed required variable is reported in the returned error.
func Load() (Config, error) {
	_ = godotenv.Load() // a missing .env is fine

	var e env
	cfg := Config{
		Env:               envStr("APP_ENV", "development"),
		Port:              envStr("APP_PORT", "8080"),
		DBDriver:          strings.ToLower(envStr("DB_DRIVER", DriverMySQL)),
		DBPass:            os.Getenv("DB_PASS"),
		DBMaxOpenConns:    envInt("DB_MAX_OPEN_CONNS", 25),
		DBConnMaxLifetime: envDur("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		TicketSeedPath:    os.Getenv("TICKET_SEED_FILE"),
		JWTSecret:         e.must("JWT_SECRET"),
		TokenSecret:       e.must("TICKET_TOKEN_SECRET"),
		Document: DocumentConfig{
			PoolSize:          e.mustInt("POOL_SIZE"),
			MaxRenders:        envInt("ENGINE_MAX_RENDERS", 500),
			RenderTimeout:     envDur("RENDER_TIMEOUT", 15*time.Second),
			AcquireTimeout:    envDur("ACQUIRE_TIMEOUT", 5*time.Second),
			LeaseTTL:          envDur("LEASE_TTL", time.Minute),
			GenerationTimeout: envDur("GENERATION_TIMEOUT", 60*time.Second),
			ShutdownGrace:     envDur("SHUTDOWN_GRACE", 20*time.Second),
			MaxAttempts:       envInt("MAX_ATTEMPTS", 3),
			StorageRoot:       e.must("STORAGE_ROOT"),
			RetryAfter:        envDur("PENDING_RETRY_INTERVAL", 2*time.Second),
			PendingWait:       envDur("PENDING_WAIT", 10*time.Second),
			PollInterval:      envDur("PENDING_POLL_INTERVAL", 500*time.Millisecond),
			ClaimStaleAfter:   envDur("CLAIM_STALE_AFTER", 5*time.Minute),
			QRSize:            envInt("QR_SIZE", qr.DefaultSize),
			PageWidthIn:       envFloat("PAGE_WIDTH_IN", 4),
			PageHeightIn:      envFloat("PAGE_HEIGHT_IN", 6),
			ChromePath:        os.Getenv("CHROME_PATH"),
			ChromeNoSandbox:   envBool("CHROME_NO_SANDBOX", false),
			RecordCacheTTL:    envDur("RECORD_CACHE_TTL", time.Hour),
		},
		Queue: QueueConfig{
			URL:           envStr("RABBITMQ_URL", os.Getenv("AMQP_URL")),
			ConsumeIssued: envBool("CONSUME_TICKET_ISSUED", true),
			Prefetch:      envInt("QUEUE_PREFETCH", 8),
		},
		RateLimit: LoadRateLimitConfig(),
	}

	level, err := qr.ParseLevel(envStr("QR_LEVEL", "Q"))
	if err != nil {
		e.fail("QR_LEVEL", err)
	}
	cfg.Document.QRLevel = level

	switch cfg.DBDriver {
	case DriverMySQL:
		cfg.DBUser = e.must("DB_USER")
		cfg.DBHost = e.must("DB_HOST")
		cfg.DBPort = e.must("DB_PORT")
		cfg.DBName = e.must("DB_NAME")
	case DriverMemory:
	default:
		e.fail("DB_DRIVER", fmt.Errorf("unknown driver %q", cfg.DBDriver))
	}

	if cfg.Document.PoolSize < 1 && e.ok("POOL_SIZE") {
		e.fail("POOL_SIZE", errors.New("must be at least 1"))
	}
	if cfg.Document.MaxAttempts < 1 {
		e.fail("MAX_ATTEMPTS", errors.New("must be at least 1"))
	}
	if d := cfg.Document; d.ClaimStaleAfter > 0 && d.ClaimStaleAfter <= d.GenerationTimeout {
		// A claim younger than one generation may still have a live holder.
		e.fail("CLAIM_STALE_AFTER", fmt.Errorf("must exceed GENERATION_TIMEOUT (%s) or be 0", d.GenerationTimeout))
	}
	if cfg.Document.PageWidthIn <= 0 || cfg.Document.PageHeightIn <= 0 {
		e.fail("PAGE_WIDTH_IN/PAGE_HEIGHT_IN", errors.New("must be positive"))
	}
	return cfg, e.err()
}

// IsDevelopment reports whether the app runs in development mode.
func (c Config) IsDevelopment() bool { return c.Env == "development" || c.Env == "dev" }

// env accumulates problems with required variables so Load can report
// all of them at once.
type env struct {
	problems []string
	failed   map[string]bool
}

// must retrieves the value of a required environment variable.
func (e *env) must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		e.fail(key, errors.New("missing required env var"))
	}
	return v
}

// mustInt is like must but converts the value into an integer.
func (e *env) mustInt(key string) int {
	s := e.must(key)
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		e.fail(key, fmt.Errorf("invalid int %q", s))
	}
	return n
}

func (e *env) fail(key string, err error) {
	if e.failed == nil {
		e.failed = make(map[string]bool)
	}
	e.failed[key] = true
	e.problems = append(e.problems, key+": "+err.Error())
}

func (e *env) ok(key string) bool { return !e.failed[key] }

func (e *env) err() error {
	if len(e.problems) == 0 {
		return nil
	}
	return fmt.Errorf("config: %s", strings.Join(e.problems, "; "))
}
