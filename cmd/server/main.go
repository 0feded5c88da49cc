package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/iliyamo/ticket-documents/internal/cache"
	"github.com/iliyamo/ticket-documents/internal/codec"
	"github.com/iliyamo/ticket-documents/internal/composer"
	"github.com/iliyamo/ticket-documents/internal/config"
	"github.com/iliyamo/ticket-documents/internal/database"
	"github.com/iliyamo/ticket-documents/internal/engine"
	"github.com/iliyamo/ticket-documents/internal/handler"
	"github.com/iliyamo/ticket-documents/internal/logging"
	"github.com/iliyamo/ticket-documents/internal/middleware"
	"github.com/iliyamo/ticket-documents/internal/notify"
	"github.com/iliyamo/ticket-documents/internal/qr"
	"github.com/iliyamo/ticket-documents/internal/queue"
	"github.com/iliyamo/ticket-documents/internal/repository"
	"github.com/iliyamo/ticket-documents/internal/router"
	"github.com/iliyamo/ticket-documents/internal/service"
	"github.com/iliyamo/ticket-documents/internal/storage"
)

// generationStore is what the mysql and memory generation repositories
// both provide.
type generationStore interface {
	storage.RecordStore
	service.Claimer
}

func main() {
	var (
		envFile = flag.String("env-file", "", "load variables from this file before the environment (default .env)")
		seed    = flag.String("seed", "", "YAML ticket seed for the memory driver (overrides TICKET_SEED_FILE)")
		migrate = flag.Bool("migrate", true, "create the generation_records table if it is missing")
	)
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			bootLog := logging.New("")
			bootLog.Fatal().Err(err).Str("file", *envFile).Msg("cannot read env file")
		}
	}
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("")
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	if *seed != "" {
		cfg.TicketSeedPath = *seed
	}
	log := logging.New(cfg.Env)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Records and tickets
	var (
		records generationStore
		tickets service.TicketSource
		db      *sql.DB
	)
	switch cfg.DBDriver {
	case config.DriverMemory:
		mem := repository.NewMemoryTicketRepo()
		if cfg.TicketSeedPath != "" {
			seeded, err := repository.LoadTicketSeed(cfg.TicketSeedPath)
			if err != nil {
				log.Fatal().Err(err).Msg("cannot load ticket seed")
			}
			for _, t := range seeded {
				mem.Put(t)
			}
		}
		log.Warn().Int("tickets", len(mem.IDs())).Msg("using in-memory records; generation state is lost on restart")
		records, tickets = repository.NewMemoryGenerationRepo(), mem
	default:
		db, err = database.Open(ctx, cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("cannot connect to database")
		}
		defer db.Close()
		if *migrate {
			if err := database.EnsureSchema(ctx, db); err != nil {
				log.Fatal().Err(err).Msg("cannot prepare schema")
			}
		}
		records, tickets = repository.NewGenerationRepo(db), repository.NewTicketRepo(db)
	}

	// Redis backs the record cache, the cross-process completion signal and
	// the rate limiter.  Without it each degrades on its own.
	rdb := config.NewRedisClient()
	var (
		recordCache storage.RecordCache
		notifier    notify.Notifier = notify.NewLocal()
	)
	if rdb != nil {
		defer rdb.Close()
		recordCache = cache.NewRecordCache(rdb, "", cfg.Document.RecordCacheTTL, log)
		rn := notify.NewRedis(rdb, "", log)
		go rn.Run(ctx)
		notifier = rn
	} else {
		log.Warn().Msg("redis unavailable; record cache, cross-process signals and rate limiting are off")
	}

	// Rendering
	tokens, err := codec.NewCodec([]byte(cfg.TokenSecret))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid TICKET_TOKEN_SECRET")
	}
	pool, err := engine.NewPool(engine.NewChromeFactory(engine.ChromeConfig{
		ExecPath:  cfg.Document.ChromePath,
		NoSandbox: cfg.Document.ChromeNoSandbox,
		Logger:    log,
	}), engine.Config{
		Size:       cfg.Document.PoolSize,
		LeaseTTL:   cfg.Document.LeaseTTL,
		MaxRenders: cfg.Document.MaxRenders,
		Logger:     log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("cannot create rendering pool")
	}
	comp, err := composer.New(composer.Config{
		PageWidthIn:   cfg.Document.PageWidthIn,
		PageHeightIn:  cfg.Document.PageHeightIn,
		RenderTimeout: cfg.Document.RenderTimeout,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid page configuration")
	}
	files, err := storage.NewFileStore(cfg.Document.StorageRoot)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot open storage root")
	}

	deps := service.Deps{
		Codec:    tokens,
		QR:       qr.Generator{Size: cfg.Document.QRSize},
		Pool:     pool,
		Composer: comp,
		Storage:  storage.New(files, records, recordCache, tokens, log),
		Records:  records,
		Tickets:  tickets,
		Notifier: notifier,
		Logger:   log,
	}
	if cfg.Queue.URL != "" {
		deps.Publisher = queue.NewPublisher(cfg.Queue.URL, log)
	}
	svc, err := service.New(service.Config{
		MaxAttempts:       cfg.Document.MaxAttempts,
		AcquireTimeout:    cfg.Document.AcquireTimeout,
		GenerationTimeout: cfg.Document.GenerationTimeout,
		PendingWait:       cfg.Document.PendingWait,
		PollInterval:      cfg.Document.PollInterval,
		ClaimStaleAfter:   cfg.Document.ClaimStaleAfter,
		QRLevel:           cfg.Document.QRLevel,
	}, deps)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot create document service")
	}

	if cfg.Queue.URL != "" && cfg.Queue.ConsumeIssued {
		go func() {
			err := queue.StartIssuedConsumer(ctx, queue.ConsumerConfig{
				URL:       cfg.Queue.URL,
				Prefetch:  cfg.Queue.Prefetch,
				Retryable: service.Retryable,
			}, func(ctx context.Context, ev queue.TicketIssuedEvent) error {
				return svc.Pregenerate(ctx, ev.TicketID)
			}, log)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("issued consumer stopped")
			}
		}()
	}

	e := newEcho(cfg, log, rdb, pool, svc)
	go func() {
		addr := ":" + cfg.Port
		log.Info().Str("addr", addr).Str("env", cfg.Env).Str("db", cfg.DBDriver).Msg("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdown(e, svc, pool, cfg.Document.ShutdownGrace, log)
}

func newEcho(cfg config.Config, log zerolog.Logger, rdb *redis.Client, pool *engine.Pool, svc *service.DocumentService) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(log))

	router.RegisterRoutes(e, pool)
	router.RegisterDocuments(e,
		handler.NewDocumentHandler(svc, cfg.Document.RetryAfter, log),
		cfg.JWTSecret,
		middleware.NewTokenBucket(cfg.RateLimit, rdb, log),
	)
	return e
}

// shutdown stops intake first, then lets in-flight generations finish
// before the engines go away.  All three share one grace period.
func shutdown(e *echo.Echo, svc *service.DocumentService, pool *engine.Pool, grace time.Duration, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := svc.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("generations still running at shutdown")
	}
	if err := pool.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("rendering pool shutdown")
	}
	log.Info().Msg("stopped")
}
