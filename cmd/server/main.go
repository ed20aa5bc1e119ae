package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"membersite/internal/account"
	"membersite/internal/admin"
	"membersite/internal/auth"
	"membersite/internal/config"
	"membersite/internal/content"
	"membersite/internal/hub"
	"membersite/internal/logging"
	"membersite/internal/mail"
	"membersite/internal/metrics"
	"membersite/internal/middleware"
	"membersite/internal/password"
	"membersite/internal/server"
	"membersite/internal/session"
	"membersite/internal/store"
	"membersite/internal/validate"
	"membersite/internal/workflow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := logging.New(os.Stdout, cfg.LogLevel)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage, ping, closeStorage, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStorage()

	m := metrics.New()
	sessions := session.New(cfg.SessionTTL, cfg.SessionCapacity, session.WithObserver(m))

	hasher, err := password.NewHasher(password.DefaultConfig())
	if err != nil {
		return err
	}
	validator := validate.New(storage)

	gmail := mail.NewGmailClient(mail.GmailConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.OAuthRedirectURL,
		SMTPAddr:     cfg.SMTPAddr,
	})
	dispatcher := mail.NewDispatcher(gmail, storage, mail.DispatcherConfig{
		From:      cfg.MailFrom,
		QueueSize: cfg.MailQueueSize,
		Logger:    logger.With("component", "mail"),
		Recorder:  m,
	})
	defer dispatcher.Close()

	accounts := account.NewService(account.Deps{
		Storage:         storage,
		Sessions:        sessions,
		Hasher:          hasher,
		Validator:       validator,
		Notifier:        dispatcher,
		Logger:          logger.With("component", "account"),
		WorkflowOptions: []workflow.Option{workflow.WithRecorder(m)},
	}, account.Config{SiteName: cfg.SiteName, SupportContact: cfg.SupportContact})

	feed := hub.New()
	adminLogger := logger.With("component", "admin")

	limiter := middleware.NewRateLimiter(cfg.AuthRateLimit, time.Minute)
	defer limiter.Stop()

	router := server.NewRouter(server.Deps{
		Sessions:    sessions,
		Accounts:    accounts,
		Editor:      admin.NewEditor(storage, feed, adminLogger),
		MailAuth:    admin.NewMailAuth(gmail, storage, auth.DefaultTokenConfig(cfg.StateSecret), adminLogger),
		Mailing:     admin.NewMailing(storage, dispatcher, validator, adminLogger),
		Content:     content.NewService(storage, cfg.ImagesDir),
		Hub:         feed,
		Logger:      logger,
		Metrics:     m,
		RateLimiter: limiter,
		Ping:        ping,
	})

	return server.Run(ctx, cfg, router, logger)
}

// openStorage returns the configured backend, a health probe for it and a
// release func.
func openStorage(ctx context.Context, cfg config.Config, logger logging.Logger) (store.Storage, func(context.Context) error, func(), error) {
	if cfg.StoreDriver == "memory" {
		mem := store.NewMemoryWithOptions(store.DefaultSchema(), store.MemoryOptions{
			StateFile: cfg.MemoryStateFile,
			Logger:    logger.With("component", "store"),
		})
		logger.Warn(ctx, "using in-memory storage")
		return mem, nil, func() {}, nil
	}

	db, err := store.ConnectMySQL(ctx, cfg.DatabaseDSN, store.ConnectOptions{
		MaxRetries:    30,
		RetryInterval: 2 * time.Second,
		Logger:        logger.With("component", "store"),
	})
	if err != nil {
		return nil, nil, nil, err
	}
	if err := store.RunMigrations(ctx, db.DB); err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	return store.NewMySQL(db), db.PingContext, func() { _ = db.Close() }, nil
}
