package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mama165/sdk-go/logs"
	"github.com/vedran77/chatrelay/internal/broker"
	"github.com/vedran77/chatrelay/internal/config"
	"github.com/vedran77/chatrelay/internal/database"
	"github.com/vedran77/chatrelay/internal/repository"
	postgresrepo "github.com/vedran77/chatrelay/internal/repository/postgres"
	sqliterepo "github.com/vedran77/chatrelay/internal/repository/sqlite"
	"github.com/vedran77/chatrelay/internal/service"
	"github.com/vedran77/chatrelay/internal/session"
	"github.com/vedran77/chatrelay/internal/transport/http/handlers"
	"github.com/vedran77/chatrelay/internal/transport/http/middleware"
	"github.com/vedran77/chatrelay/internal/transport/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(cfg.LogLevel).With("node", cfg.ServerName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	// Broker
	bus, err := openBus(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("Closing broker...")
		_ = bus.Close()
	}()

	// Services
	registry := session.NewRegistry(bus, log)
	chatService := service.NewChatService(st.channels, st.messages, st.users, cfg.ServerName, log)
	chatService.SetNotifier(broker.NewFanout(bus, log))
	chatService.SetFanoutTimeout(cfg.BrokerTimeout)

	// Real-time delivery
	hub := ws.NewHub(log)
	go hub.Run(ctx)

	dispatcher := ws.NewDispatcher(hub, cfg.DedupWindow, log)
	consumeErr := make(chan error, 1)
	go func() { consumeErr <- dispatcher.Run(ctx, bus) }()

	// Handlers
	chatHandler := handlers.NewChatHandler(chatService, log)
	chatHandler.SetPresence(registry)
	wsHandler := ws.NewHandler(hub, chatService, registry, st.users, ws.Options{
		JWTSecret:             cfg.JWTSecret,
		RejectUnauthenticated: cfg.RejectUnauthenticated,
		SendBuffer:            cfg.SendBuffer,
	}, log)

	// Auth middleware
	auth := middleware.Auth(cfg.JWTSecret)

	// Routes
	mux := http.NewServeMux()

	// Public
	mux.HandleFunc("GET /health", chatHandler.Health)
	mux.HandleFunc("GET /api/v1/server", chatHandler.ServerName)

	// WebSocket (authenticates via ?token=)
	mux.Handle("GET /ws", wsHandler)

	// Protected
	mux.Handle("GET /api/v1/channels", auth(http.HandlerFunc(chatHandler.ListChannels)))

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           middleware.Logging(log)(middleware.CORS(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("Starting server", "addr", srv.Addr, "store", cfg.StoreDriver, "broker", cfg.Broker)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down...")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	case err := <-consumeErr:
		// Without its queue the node cannot deliver anything.
		if err != nil {
			runErr = fmt.Errorf("broker consumer stopped: %w", err)
		}
	}

	// Cancelling ctx stops the hub, which closes every connection.
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	// Publish what is still queued before the broker closes.
	if err := chatService.Close(shutdownCtx); err != nil {
		log.Warn("fanout shutdown", "error", err)
	}
	return runErr
}

type store struct {
	users    repository.UserRepository
	channels repository.ChannelRepository
	messages repository.MessageRepository
	close    func()
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (*store, error) {
	switch cfg.StoreDriver {
	case config.StoreSQLite:
		db, err := database.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite: %w", err)
		}
		log.Info("Opened SQLite store", "path", cfg.SQLitePath)
		return &store{
			users:    sqliterepo.NewUserRepo(db),
			channels: sqliterepo.NewChannelRepo(db),
			messages: sqliterepo.NewMessageRepo(db),
			close: func() {
				log.Info("Closing SQLite...")
				_ = db.Close()
			},
		}, nil

	default:
		pool, err := database.Connect(ctx, cfg.PostgresDSN())
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		log.Info("Connected to database")
		return &store{
			users:    postgresrepo.NewUserRepo(pool),
			channels: postgresrepo.NewChannelRepo(pool),
			messages: postgresrepo.NewMessageRepo(pool),
			close: func() {
				log.Info("Closing database pool...")
				pool.Close()
			},
		}, nil
	}
}

func openBus(ctx context.Context, cfg *config.Config, log *slog.Logger) (broker.Bus, error) {
	if cfg.Broker == config.BrokerMemory {
		log.Warn("Using in-memory broker: events stay on this node")
		return broker.NewExchange(log).Node(cfg.ServerName), nil
	}

	tries := uint(max(cfg.BrokerMaxRetries, 1))
	rmq, err := backoff.Retry(ctx, func() (*broker.RabbitMQ, error) {
		return broker.DialRabbitMQ(cfg.RabbitMQURL, cfg.ServerName, log)
	},
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("RabbitMQ not reachable, retrying", "in", next, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
	}
	log.Info("Connected to RabbitMQ", "queue", cfg.ServerName)

	policy := broker.DefaultRetryPolicy()
	policy.MaxTries = tries
	policy.MaxElapsed = cfg.BrokerTimeout
	return broker.NewRetrying(rmq, policy, log), nil
}
