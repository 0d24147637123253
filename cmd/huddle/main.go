package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"huddle/internal/app/auth"
	"huddle/internal/app/blob"
	"huddle/internal/app/directory"
	"huddle/internal/app/directwrite"
	"huddle/internal/app/docstore"
	"huddle/internal/app/hooks"
	"huddle/internal/app/identity"
	"huddle/internal/app/messaging"
	"huddle/internal/app/messaging/schema"
	appoutbox "huddle/internal/app/outbox"
	"huddle/internal/app/session"
	"huddle/internal/domain/team"
	"huddle/internal/infra/broker/kafka"
	"huddle/internal/infra/config"
	mongoinfra "huddle/internal/infra/db/mongo"
	ginserver "huddle/internal/infra/http/gin"
	"huddle/internal/infra/obs"
	"huddle/internal/infra/outbox"
	"huddle/internal/infra/security"
	"huddle/internal/infra/storage/memory"
	"huddle/internal/infra/storage/s3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger, err := obs.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		slog.Error("invalid log level", "error", err)
		os.Exit(1)
	}

	app, err := buildApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer app.close(logger)

	if path := os.Getenv("TEAM_FIXTURES"); path != "" {
		if err := app.loadTeamFixtures(ctx, path, logger); err != nil {
			logger.Warn("team fixtures load failed", "error", err, "path", path)
		}
	}

	if app.relay != nil {
		go func() {
			if err := app.relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox relay stopped", "error", err)
			}
		}()
	}

	go app.registry.Run(ctx, session.DefaultSweepInterval)

	server := ginserver.NewServer(cfg, obs.Middleware{Logger: logger, Metrics: app.metrics}, app.health, app.handlers)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	logger.Info("HTTP server starting", "addr", cfg.HTTPAddr, "messaging_mode", cfg.MessagingMode, "memory_stores", cfg.UseMemoryStores())
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("HTTP server stopped")
}

type application struct {
	handlers ginserver.Handlers
	health   obs.HealthHandlers
	metrics  *obs.Metrics
	registry *session.Registry
	teams    *directory.Teams
	relay    *outbox.Worker
	closers  []func(ctx context.Context) error
}

func buildApplication(ctx context.Context, cfg config.Config, logger *slog.Logger) (*application, error) {
	app := &application{
		metrics: obs.NewMetrics(),
		health:  obs.HealthHandlers{Checks: map[string]obs.Check{}},
	}

	var (
		store  docstore.Store
		blobs  blob.Store
		queue  appoutbox.Queue
		events appoutbox.Outbox
	)
	if cfg.UseMemoryStores() {
		mem := memory.NewDocStore(logger)
		app.onClose(func(context.Context) error { return mem.Close() })
		store = mem
		box := memory.NewOutbox()
		queue, events = box, box
		logger.Warn("MONGO_URI not set, running on in-memory stores")
	} else {
		client, err := mongoinfra.Connect(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		app.onClose(client.Close)
		docs := mongoinfra.NewDocStore(client.DB, logger)
		app.onClose(func(context.Context) error { return docs.Close() })
		if err := docs.EnsureIndexes(ctx, schema.Indexes()); err != nil {
			return nil, fmt.Errorf("ensure indexes: %w", err)
		}
		store = docs
		box, err := outbox.NewStore(ctx, client.DB)
		if err != nil {
			return nil, fmt.Errorf("outbox store: %w", err)
		}
		queue, events = box, box
		app.health.Checks["mongo"] = client.Ping
	}
	app.health.Checks["store"] = store.Ping

	if cfg.S3Endpoint != "" {
		bucket, err := s3.NewClient(s3.Options{
			Endpoint:       cfg.S3Endpoint,
			PublicEndpoint: cfg.S3PublicEndpoint,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			Bucket:         cfg.S3Bucket,
			UseSSL:         cfg.S3UseSSL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		blobs = bucket
		app.health.Checks["s3"] = bucket.Ping
	} else {
		blobs = memory.NewBlobStore()
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, "huddle")
		if err != nil {
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		app.onClose(func(context.Context) error { return producer.Close() })
		app.relay = &outbox.Worker{
			Queue:       queue,
			Producer:    producer,
			Interval:    cfg.OutboxPollInterval,
			TopicPrefix: cfg.KafkaTopicPrefix,
			Source:      "huddle/messaging",
			Backoff:     cfg.RetryBackoff,
			Logger:      logger.With("component", "outbox"),
		}
	} else {
		// Without a broker nothing drains the queue.
		events = nil
	}

	users := directory.NewUsers(store)
	app.teams = directory.NewTeams(store)
	authSvc := &auth.Service{
		Users:      users,
		Sessions:   auth.NewDocSessions(store),
		Passwords:  security.BcryptHasher{},
		Tokens:     security.TokenGenerator{},
		SessionTTL: cfg.SessionTTL,
		Logger:     logger.With("component", "auth"),
	}

	msgLogger := logger.With("component", "messaging")
	factory := func(p identity.Provider) (messaging.Service, error) {
		return messaging.New(cfg.MessagingMode, messaging.Deps{
			Identity:           p,
			Store:              store,
			Blobs:              blobs,
			Profiles:           users,
			Teams:              app.teams,
			Outbox:             events,
			Metrics:            app.metrics,
			Logger:             msgLogger,
			TypingTTL:          cfg.TypingTTL,
			MaxAttachmentBytes: cfg.MaxAttachmentBytes,
		})
	}
	fallback := directwrite.New(store, users, msgLogger)
	fallback.Outbox = events
	app.registry = session.NewRegistry(factory, fallback, logger.With("component", "session"))
	monitorLogger := logger.With("component", "connection")
	app.registry.Watch = func(c *session.Context) func() {
		userID := c.UserID()
		m := hooks.NewConnectionMonitor(c, cfg.ConnectionPollInterval, monitorLogger, func(st hooks.ConnectionState) {
			if st.Err != nil {
				monitorLogger.Warn("reconnect failed", "user_id", userID, "status", st.Status, "error", st.Err)
			}
		})
		m.Start()
		return m.Close
	}
	app.onClose(func(context.Context) error { return app.registry.Close() })

	app.handlers = ginserver.Handlers{
		Auth: ginserver.AuthHandler{Service: authSvc, Sessions: app.registry, Logger: logger},
		Messaging: ginserver.MessagingHandler{
			Sessions:           app.registry,
			Directory:          users,
			Limiter:            ginserver.NewSendLimiter(cfg.SendRateLimit, cfg.SendRateBurst),
			MaxAttachmentBytes: cfg.MaxAttachmentBytes,
			OriginPatterns:     cfg.CORSOrigins,
			Logger:             logger,
		},
		AuthMiddleware: ginserver.AuthMiddleware{Service: authSvc, Logger: logger}.Handle,
		Metrics:        app.metrics.Handler(),
	}
	return app, nil
}

func (a *application) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

// close runs the closers newest first so sessions stop before their stores.
func (a *application) close(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			logger.Warn("shutdown step failed", "error", err)
		}
	}
}

type teamFixture struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	CoachIDs  []string `json:"coach_ids"`
	PlayerIDs []string `json:"player_ids"`
	ParentIDs []string `json:"parent_ids"`
}

func (a *application) loadTeamFixtures(ctx context.Context, path string, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("team fixtures file not found, skipping", "path", path)
			return nil
		}
		return fmt.Errorf("read fixtures: %w", err)
	}
	var fixtures []teamFixture
	if err := json.Unmarshal(data, &fixtures); err != nil {
		return fmt.Errorf("decode fixtures: %w", err)
	}
	for _, fx := range fixtures {
		tm := team.Team{ID: fx.ID, Name: fx.Name, CoachIDs: fx.CoachIDs, PlayerIDs: fx.PlayerIDs, ParentIDs: fx.ParentIDs}
		if err := a.teams.Save(ctx, tm); err != nil {
			logger.Error("cannot store fixture team", "team_id", fx.ID, "error", err)
			continue
		}
		logger.Info("team fixture imported", "team_id", fx.ID)
	}
	return nil
}
