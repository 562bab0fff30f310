// Mynah keeps an agent's memory in step with its account on a rate-limited feed.
//
// It periodically imports the account's home timeline and mentions into a
// sqlite store, and serves a small status API for operators.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/oklog/run"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-envconfig"
	"github.com/sethvargo/go-retry"
	_ "golang.org/x/crypto/x509roots/fallback"
	_ "modernc.org/sqlite"

	"github.com/jdholdren/mynah/internal/cache"
	"github.com/jdholdren/mynah/internal/migrations"
	"github.com/jdholdren/mynah/internal/mynah"
	"github.com/jdholdren/mynah/internal/remote"
	"github.com/jdholdren/mynah/internal/scheduler"
	"github.com/jdholdren/mynah/internal/server"
	"github.com/jdholdren/mynah/internal/session"
	"github.com/jdholdren/mynah/internal/sqlite"
	"github.com/jdholdren/mynah/internal/timeline"
	"github.com/jdholdren/mynah/logger"
)

type config struct {
	Database    string `env:"DATABASE, required"`
	FeedBaseURL string `env:"FEED_BASE_URL, required"`
	FeedToken   string `env:"FEED_TOKEN"`

	// The agent's own account on the remote.
	Account       string `env:"ACCOUNT, required"`
	AccountUserID string `env:"ACCOUNT_USER_ID, required"`
	AccountName   string `env:"ACCOUNT_NAME"`
	AgentID       string `env:"AGENT_ID, required"`

	PermalinkBase string `env:"PERMALINK_BASE, default=https://x.com"`
	Port          int    `env:"PORT, default=4444"`

	// Which format to use for logging: either text or json
	LoggerFormat string `env:"LOGGER_FORMAT, default=text"`

	// Without a redis address the cache lives in process.
	RedisAddr     string        `env:"REDIS_ADDR"`
	CacheSize     int           `env:"CACHE_SIZE, default=4096"`
	TimelineTTL   time.Duration `env:"TIMELINE_TTL, default=10s"`
	SearchTimeout time.Duration `env:"SEARCH_TIMEOUT, default=10s"`
	SyncInterval  time.Duration `env:"SYNC_INTERVAL, default=2m"`

	SchedulerMaxAttempts int           `env:"SCHEDULER_MAX_ATTEMPTS, default=0"`
	SchedulerMaxBackoff  time.Duration `env:"SCHEDULER_MAX_BACKOFF, default=0"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Parse the config
	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		log.Fatalf("error parsing config: %s", err)
	}

	slog.SetDefault(logger.New(cfg.LoggerFormat, os.Stderr))

	// Start the application
	if err := runMynah(ctx, cfg); err != nil {
		slog.Error("error running", "error", err)
		os.Exit(1)
	}
}

func runMynah(ctx context.Context, cfg config) error {
	ctx = logger.Ctx(ctx, slog.String("agent_id", cfg.AgentID))

	// Connect to the sqlite db
	dbx, err := sqlx.Open("sqlite", fmt.Sprintf("%s?_txlock=immediate&_journal_mode=WAL&_busy_timeout=5000", cfg.Database))
	if err != nil {
		return fmt.Errorf("error opening database: %s", err)
	}
	defer dbx.Close()

	// Migrate, always
	if err := migrations.Run(dbx); err != nil {
		return fmt.Errorf("error running migrations: %s", err)
	}
	repo := sqlite.New(dbx)

	store, err := newCache(ctx, cfg)
	if err != nil {
		return err
	}

	source := remote.NewClient(cfg.FeedBaseURL,
		remote.Config{PermalinkBase: cfg.PermalinkBase},
		remote.WithToken(cfg.FeedToken),
	)
	sessions := session.NewProvider(func(ctx context.Context, account string) (*session.Session, error) {
		// Only the configured account has credentials.
		if account != cfg.Account {
			return nil, fmt.Errorf("account %q is not configured: %w", account, mynah.ErrNotFound)
		}

		sched := scheduler.New(logger.Ctx(ctx, slog.String("account", account)),
			scheduler.WithMaxAttempts(cfg.SchedulerMaxAttempts),
			scheduler.WithMaxBackoff(cfg.SchedulerMaxBackoff),
		)
		client := timeline.NewClient(source, sched, store, timeline.ClientConfig{
			Namespace:     account,
			SearchTimeout: cfg.SearchTimeout,
			TimelineTTL:   cfg.TimelineTTL,
		})
		syncer := timeline.NewSynchronizer(client, repo, timeline.Account{
			Handle: cfg.Account,
			UserID: cfg.AccountUserID,
			Name:   cfg.AccountName,
		}, cfg.AgentID)

		return &session.Session{
			Account:   account,
			Scheduler: sched,
			Client:    client,
			Sync:      syncer,
		}, nil
	})
	defer sessions.Close()

	// The session outlives any one request, so it gets the process context.
	sess, err := sessions.Get(ctx, cfg.Account)
	if err != nil {
		return fmt.Errorf("error creating session: %w", err)
	}

	srv := server.NewServer(server.Config{Port: cfg.Port, AgentID: cfg.AgentID}, sessions, repo)

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	{
		loopCtx, stop := context.WithCancel(ctx)
		g.Add(func() error {
			return sess.Sync.Loop(loopCtx, cfg.SyncInterval)
		}, func(error) {
			stop()
		})
	}
	g.Add(func() error {
		slog.InfoContext(ctx, "serving status api", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error listening: %s", err)
		}

		return nil
	}, func(error) {
		downCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(downCtx); err != nil {
			slog.Error("error shutting down server", "error", err)
		}
	})

	err = g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) || errors.Is(err, context.Canceled) {
		slog.InfoContext(ctx, "shutting down", "reason", err)
		return nil
	}

	return err
}

// newCache connects to redis when one is configured, falling back to an
// in-process cache if it never answers.
func newCache(ctx context.Context, cfg config) (mynah.CacheStore, error) {
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

		// Retry until redis is ready, for a little while
		err := retry.Do(ctx, retry.WithMaxRetries(5, retry.NewFibonacci(time.Second)), func(ctx context.Context) error {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		if err == nil {
			slog.InfoContext(ctx, "caching in redis", "addr", cfg.RedisAddr)
			return cache.NewRedis(rdb, cache.WithPrefix("mynah:"+cfg.AgentID)), nil
		}

		slog.WarnContext(ctx, "redis unreachable, caching in process", "addr", cfg.RedisAddr, "error", err)
		rdb.Close()
	}

	lru, err := cache.NewLRU(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("error creating cache: %w", err)
	}

	return lru, nil
}
