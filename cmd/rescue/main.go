package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/rescue-dispatch/internal/api"
	"github.com/LeventeLantos/rescue-dispatch/internal/cache"
	"github.com/LeventeLantos/rescue-dispatch/internal/client"
	"github.com/LeventeLantos/rescue-dispatch/internal/config"
	"github.com/LeventeLantos/rescue-dispatch/internal/conversation"
	"github.com/LeventeLantos/rescue-dispatch/internal/fanout"
	"github.com/LeventeLantos/rescue-dispatch/internal/hardware"
	"github.com/LeventeLantos/rescue-dispatch/internal/logger"
	"github.com/LeventeLantos/rescue-dispatch/internal/monitor"
	"github.com/LeventeLantos/rescue-dispatch/internal/queue"
	"github.com/LeventeLantos/rescue-dispatch/internal/repo"
	"github.com/LeventeLantos/rescue-dispatch/internal/scheduler"
	"github.com/LeventeLantos/rescue-dispatch/internal/session"
	"github.com/LeventeLantos/rescue-dispatch/internal/telemetry"
	"github.com/LeventeLantos/rescue-dispatch/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("rescue-dispatch stopped with error")
	}
	log.Info().Msg("rescue-dispatch stopped")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reporter, err := monitor.New(monitor.Options{
		DSN:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		Release:     cfg.Sentry.Release,
	})
	if err != nil {
		log.Error().Err(err).Msg("sentry disabled")
		reporter = &monitor.Reporter{}
	}
	defer reporter.Flush(2 * time.Second)

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.Redis.Address, err)
		}
	}

	var (
		q      queue.Queue
		dedupe cache.Deduper
	)
	if rdb != nil {
		q = queue.NewRedisQueue(rdb, cfg.Queue.Name, cfg.Queue.MaxAttempts)
		dedupe = cache.NewRedisDeduper(rdb, cfg.Queue.DedupeTTL)
	} else {
		log.Warn().Msg("REDIS_ADDR not set, queued messages will not survive a restart")
		q = queue.NewMemoryQueue(cfg.Queue.MaxAttempts)
		dedupe = cache.NewMemoryDeduper(cfg.Queue.DedupeTTL)
	}

	backend := client.NewBackendClient(cfg.Backend.URL, cfg.Backend.APIKey, cfg.Backend.Timeout, cfg.Backend.Attempts, log)
	chat := client.NewChatClient(cfg.Chat.URL, cfg.Chat.Timeout, cfg.Chat.Attempts, log)

	var store session.Store
	switch {
	case cfg.Session.Backend == config.SessionBackendChatAPI:
		store = chat
	case rdb != nil:
		store = session.NewRedisStore(rdb, cfg.Redis.TTL())
	default:
		log.Warn().Msg("sessions kept in process memory")
		store = session.NewMemoryStore()
	}

	bus := hardware.NewMQTTBus(hardware.Options{
		BrokerURL:      cfg.MQTT.BrokerURL,
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		QoS:            byte(cfg.MQTT.QoS),
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		HandlerTimeout: cfg.MQTT.HandlerTimeout,
	}, log)
	dispatcher := fanout.NewDispatcher(bus, cfg.MQTT.Root, log)

	engine := conversation.NewEngine(store, backend, chat, dispatcher, conversation.Options{
		Window:           cfg.Conversation.Window,
		StepDelay:        cfg.Fanout.StepDelay,
		TemplateName:     cfg.Chat.TemplateName,
		TemplateLanguage: cfg.Chat.TemplateLanguage,
		Concurrency:      cfg.Fanout.Concurrency,
	}, log).WithDeduper(dedupe)

	notifier := fanout.NewNotifier(chat, fanout.NewBroadcaster(cfg.Fanout.Concurrency, log), cfg.Fanout.StepDelay)
	router := telemetry.NewRouter(cfg.MQTT.Root, cfg.MQTT.Marker, backend, dispatcher, notifier, log)

	if cfg.MQTT.Enabled {
		if err := bus.Connect(ctx); err != nil {
			log.Warn().Err(err).Msg("mqtt not connected yet, retrying in background")
		}
		defer bus.Close()
		err := bus.Subscribe(ctx, router.Filter(), func(ctx context.Context, topic string, payload []byte) {
			if err := router.Handle(ctx, topic, payload); err != nil {
				log.Error().Err(err).Str("topic", topic).Msg("telemetry message failed")
			}
		})
		if err != nil {
			log.Warn().Err(err).Msg("telemetry subscription deferred until connected")
		}
	} else {
		log.Warn().Msg("MQTT_BROKER_URL not set, hardware telemetry and commands disabled")
	}

	var archive *repo.PostgresDeadLetterRepo
	if cfg.Postgres.Enabled {
		pg, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("postgres connect: %w", err)
		}
		defer pg.Close()
		archive = repo.NewPostgresDeadLetterRepo(pg)
		if err := archive.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	workers, err := worker.New(q, engine.Handle, cfg.Queue.Workers, cfg.Queue.DequeueTimeout, log)
	if err != nil {
		return err
	}
	workers.WithHooks(func(ctx context.Context, rec queue.Record) {
		reporter.DeadLetter(ctx, rec)
		if archive == nil {
			return
		}
		if err := archive.Archive(ctx, rec); err != nil {
			log.Error().Err(err).Str("record_id", rec.ID).Msg("dead letter archive failed")
		}
	}, reporter.Panic)

	sweeper, err := scheduler.New("reclaim", cfg.Queue.SweepInterval, scheduler.ReclaimJob(q, cfg.Queue.ProcessingTTL, log), log)
	if err != nil {
		return err
	}
	statsLogger, err := scheduler.New("stats", cfg.Queue.StatsInterval, scheduler.StatsJob(q, workers.Stats, log), log)
	if err != nil {
		return err
	}

	h := api.NewHandler(q, workers, log).
		WithVerifyToken(cfg.Server.WebhookVerifyToken).
		WithStats("conversation", func() any { return engine.Stats() }).
		WithStats("telemetry", func() any { return router.Stats() }).
		WithHealthCheck("backend", func(ctx context.Context) bool { return backend.Health(ctx) == nil }).
		WithHealthCheck("chat", func(ctx context.Context) bool { return chat.Health(ctx) == nil })
	if cfg.MQTT.Enabled {
		h.WithHealthCheck("mqtt", func(context.Context) bool { return bus.Connected() })
	}
	if archive != nil {
		h.WithArchive(archive)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(log, api.Router(h, cfg.Server.CORSAllowedOrigins)),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	workers.Start()
	sweeper.Start()
	statsLogger.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("addr", cfg.Server.Address).
			Bool("redis", cfg.Redis.Enabled).
			Bool("postgres", cfg.Postgres.Enabled).
			Bool("mqtt", cfg.MQTT.Enabled).
			Str("sessions", cfg.Session.Backend).
			Int("workers", cfg.Queue.Workers).
			Msg("rescue-dispatch starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		statsLogger.Stop()
		sweeper.Stop()
		workers.Stop()
		return err
	})
	return g.Wait()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func loggingMiddleware(log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		ev := log.Info()
		if rec.status >= http.StatusInternalServerError {
			ev = log.Error()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Int("bytes", rec.bytes).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
