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

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/relaychat/internal/api"
	"github.com/lalith-99/relaychat/internal/auth"
	"github.com/lalith-99/relaychat/internal/blob"
	"github.com/lalith-99/relaychat/internal/config"
	"github.com/lalith-99/relaychat/internal/db"
	"github.com/lalith-99/relaychat/internal/delivery"
	"github.com/lalith-99/relaychat/internal/dispatch"
	"github.com/lalith-99/relaychat/internal/idempotency"
	"github.com/lalith-99/relaychat/internal/membership"
	"github.com/lalith-99/relaychat/internal/notify"
	"github.com/lalith-99/relaychat/internal/observ"
	"github.com/lalith-99/relaychat/internal/repository"
	"github.com/lalith-99/relaychat/internal/repository/memory"
	"github.com/lalith-99/relaychat/internal/repository/postgres"
	"github.com/lalith-99/relaychat/internal/session"
	"github.com/lalith-99/relaychat/internal/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// repos is the database collaborator, whichever backend serves it.
type repos struct {
	users      repository.UserRepository
	chats      repository.ChatRepository
	members    repository.MembershipRepository
	messages   repository.MessageRepository
	deliveries repository.DeliveryRepository
	health     api.Pinger
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------------------------------------------------------------
	// 1. Load config
	// ---------------------------------------------------------------
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	// ---------------------------------------------------------------
	// 3. Tracing (no-op unless OTEL_ENDPOINT is set)
	// ---------------------------------------------------------------
	shutdownTracing, err := observ.SetupTracing(ctx, cfg.OTelEndpoint, cfg.OTelServiceName, logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Database collaborator
	// ---------------------------------------------------------------
	var r repos
	switch cfg.DBBackend {
	case "postgres":
		database, err := db.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer database.Close()
		if err := database.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		pool := database.Pool()
		r = repos{
			users:      postgres.NewUserStore(pool),
			chats:      postgres.NewChatStore(pool),
			members:    postgres.NewMembershipStore(pool),
			messages:   postgres.NewMessageStore(pool),
			deliveries: postgres.NewDeliveryStore(pool),
			health:     database,
		}
	default:
		logger.Warn("using in-memory storage, data is lost on restart")
		store := memory.New()
		r = repos{
			users:      store.Users(),
			chats:      store.Chats(),
			members:    store.Members(),
			messages:   store.Messages(),
			deliveries: store.Deliveries(),
		}
	}

	// ---------------------------------------------------------------
	// 5. Idempotency store, notifier, blob store
	// ---------------------------------------------------------------
	var idem idempotency.Store
	if cfg.RedisURL != "" {
		rs, err := idempotency.NewRedisStore(ctx, cfg.RedisURL, cfg.IdempotencyTTL)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer rs.Close()
		idem = rs
		logger.Info("idempotency keys stored in redis")
	} else {
		idem = idempotency.NewMemoryStore(cfg.IdempotencyTTL, cfg.IdempotencyMaxEntries)
	}

	notifier, closeNotifier := notify.New(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer func() {
		if err := closeNotifier(); err != nil {
			logger.Warn("notifier close failed", zap.Error(err))
		}
	}()

	maxUpload, err := cfg.MaxUploadBytes()
	if err != nil {
		return err
	}
	blobs, err := blob.Open(cfg.BlobPath, maxUpload, cfg.Extensions(), logger)
	if err != nil {
		return err
	}
	defer blobs.Close()

	// ---------------------------------------------------------------
	// 6. Messaging core
	// ---------------------------------------------------------------
	registry := session.NewRegistry(1024, logger)
	members := membership.NewIndex(r.chats, r.members, logger)
	dispatcher := dispatch.New(dispatch.Deps{
		Registry:    registry,
		Members:     members,
		Tracker:     delivery.NewTracker(r.deliveries, logger, delivery.WithCacheSize(cfg.DeliveryCacheSize)),
		Messages:    r.messages,
		Idempotency: idem,
		Notifier:    notifier,
	}, dispatch.Config{
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
		ReorderTimeout: cfg.ReorderTimeout,
		NotifyTimeout:  cfg.NotifyTimeout,
	}, logger)

	manager := ws.NewManager(ws.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		MaxFrameBytes:     cfg.MaxFrameBytes,
		SendBuffer:        cfg.SendBuffer,
		MalformedLimit:    cfg.MalformedLimit,
		MalformedWindow:   cfg.MalformedWindow,
	}, auth.NewValidator(cfg.JWTSecret), registry, dispatcher, logger)

	// ---------------------------------------------------------------
	// 7. HTTP server
	// ---------------------------------------------------------------
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(otelgin.Middleware(cfg.OTelServiceName))
	router.Use(observ.HTTPMetricsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	api.Mount(router, api.Handlers{
		Auth:       api.NewAuthHandler(r.users, cfg.JWTSecret, cfg.TokenTTL, logger),
		Health:     api.NewHealthHandler(r.health, registry),
		Users:      api.NewUserHandler(r.users, registry, logger),
		Chats:      api.NewChatHandler(members, dispatcher, logger),
		Membership: api.NewMembershipHandler(members, logger),
		Messages:   api.NewMessageHandler(dispatcher, logger),
		Files:      api.NewFileHandler(blobs, maxUpload, logger),
		WebSocket:  manager.Handle,
	}, cfg.JWTSecret)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ---------------------------------------------------------------
	// 8. Run until a signal, then shut down in order:
	//    HTTP listener, websocket connections, in-flight notifications.
	// ---------------------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting relaychat",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env),
			zap.String("db_backend", cfg.DBBackend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return dispatcher.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := manager.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("websocket shutdown: %w", err))
		}
		dispatcher.Wait()
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
