// Command chainauth-server serves the chainauth HTTP API.
//
// Configuration comes from a YAML file (-config), CHAINAUTH_* environment
// variables (optionally seeded from .env and an AWS Secrets Manager secret)
// and the static user directory named by users_file.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/idatt2105/chainauth"
	"github.com/idatt2105/chainauth/broker"
	"github.com/idatt2105/chainauth/chain"
	"github.com/idatt2105/chainauth/internal/config"
	"github.com/idatt2105/chainauth/internal/directory"
	"github.com/idatt2105/chainauth/internal/httpapi"
	"github.com/idatt2105/chainauth/internal/logging"
	"github.com/idatt2105/chainauth/mailer"
	"github.com/idatt2105/chainauth/metrics/export/prometheus"
	"github.com/idatt2105/chainauth/middleware"
	"github.com/idatt2105/chainauth/password"
)

func main() {
	configPath := flag.String("config", "chainauth.yaml", "path to the YAML config file")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the config")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *envFile); err != nil {
		slog.Error("chainauth-server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, envFile string) error {
	bootLogger := logging.NewSlogLogger(nil)
	config.LoadEnv(ctx, bootLogger, envFile)

	srvCfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(srvCfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	base := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(base)
	logger := logging.NewSlogLogger(base)

	engineCfg, err := srvCfg.EngineConfig()
	if err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	hasher, err := password.NewArgon2(password.Config{
		Memory:           engineCfg.Password.Memory,
		Time:             engineCfg.Password.Time,
		Parallelism:      engineCfg.Password.Parallelism,
		SaltLength:       engineCfg.Password.SaltLength,
		KeyLength:        engineCfg.Password.KeyLength,
		MaxPasswordBytes: engineCfg.Password.MaxLength,
	})
	if err != nil {
		return fmt.Errorf("password hasher: %w", err)
	}

	dir, err := directory.LoadFile(srvCfg.UsersFile, hasher)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	logger.Info(ctx, "user directory loaded", "users", dir.Len())

	builder := chainauth.New().
		WithUserProvider(dir).
		WithPrincipalResolver(dir).
		WithPasswordHasher(hasher).
		WithLogger(logger)

	closers, err := wireStore(ctx, srvCfg, &engineCfg, builder, logger)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()
	if err != nil {
		return err
	}

	amqpClosers, err := wireMessaging(srvCfg, &engineCfg, builder, logger)
	closers = append(closers, amqpClosers...)
	if err != nil {
		return err
	}

	engine, err := builder.WithConfig(engineCfg).Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()

	report := engine.SecurityReport()
	logger.Info(ctx, "engine ready",
		"signing", report.SigningAlgorithm,
		"chain_store", report.ChainStore,
		"retention_covers_ttl", report.RetentionCoversTTL,
		"login_throttle", report.LoginThrottleActive,
		"password_reset", report.PasswordResetActive,
		"audit", report.AuditEnabled,
	)

	handler := httpapi.NewHandler(engine, httpapi.Options{
		TokenSource: middleware.TokenSource{Header: srvCfg.Token.Header, Scheme: srvCfg.Token.Scheme},
		AdminRole:   srvCfg.AdminRole,
		Metrics:     prometheus.NewExporter(engine).Handler(),
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:              srvCfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "listening", "addr", srvCfg.Addr, "store", srvCfg.Store)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info(shutdownCtx, "shutting down")
	return srv.Shutdown(shutdownCtx)
}

// wireStore attaches the chain store and the Redis client to b. In postgres
// mode Redis is optional; without it login throttling and password reset are
// turned off.
func wireStore(ctx context.Context, s config.Server, cfg *chainauth.Config, b *chainauth.Builder, logger logging.Logger) ([]func(), error) {
	var closers []func()

	var rdb redis.UniversalClient
	switch {
	case s.RedisAddr != "":
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{s.RedisAddr}})
		closers = append(closers, func() { _ = rdb.Close() })
	case s.Store == config.StoreMemory:
		mr, err := miniredis.Run()
		if err != nil {
			return closers, fmt.Errorf("start embedded redis: %w", err)
		}
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		closers = append(closers, mr.Close, func() { _ = rdb.Close() })
		logger.Warn(ctx, "using embedded in-memory redis; state is lost on restart", "addr", mr.Addr())
	}
	if rdb != nil {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return closers, fmt.Errorf("redis ping: %w", err)
		}
		b.WithRedis(rdb)
	}

	if s.Store != config.StorePostgres {
		return closers, nil
	}

	db, err := chain.OpenPostgres(ctx, s.PostgresDSN)
	if err != nil {
		return closers, fmt.Errorf("open postgres: %w", err)
	}
	closers = append(closers, func() { _ = db.Close() })
	if err := migrate(ctx, db); err != nil {
		return closers, err
	}
	b.WithChainStore(chain.NewPostgresStore(db))

	if rdb == nil {
		cfg.Security.EnableLoginThrottle = false
		cfg.PasswordReset.Enabled = false
		logger.Warn(ctx, "no redis configured; login throttling and password reset disabled")
	}
	return closers, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	if err := chain.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// wireMessaging picks the reset mailer and, when audit is enabled, the audit
// sink. Both publish to RabbitMQ when an AMQP URL is configured.
func wireMessaging(s config.Server, cfg *chainauth.Config, b *chainauth.Builder, logger logging.Logger) ([]func(), error) {
	var closers []func()

	if s.AMQP.URL == "" {
		if cfg.PasswordReset.Enabled {
			b.WithResetMailer(mailer.NewLogMailer(logger, s.ResetBaseURL))
		}
		if cfg.Audit.Enabled {
			b.WithAuditSink(chainauth.NewJSONWriterSink(os.Stdout))
		}
		return closers, nil
	}

	if cfg.PasswordReset.Enabled {
		conn, err := broker.Dial(s.AMQP.URL, s.AMQP.MailQueue)
		if err != nil {
			return closers, err
		}
		closers = append(closers, func() { _ = conn.Close() })
		m, err := mailer.NewAMQPMailer(conn.Channel, conn.Queue, s.ResetBaseURL)
		if err != nil {
			return closers, err
		}
		b.WithResetMailer(m)
	}

	if cfg.Audit.Enabled {
		conn, err := broker.Dial(s.AMQP.URL, s.AMQP.AuditQueue)
		if err != nil {
			return closers, err
		}
		closers = append(closers, func() { _ = conn.Close() })
		b.WithAuditSink(chainauth.NewAMQPSink(conn.Channel, conn.Queue, 0))
	}
	return closers, nil
}
