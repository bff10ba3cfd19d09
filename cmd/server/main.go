package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode"

	"go.uber.org/zap"

	"umspos/backend/internal/cache"
	"umspos/backend/internal/config"
	"umspos/backend/internal/events"
	"umspos/backend/internal/httpapi"
	"umspos/backend/internal/logger"
	"umspos/backend/internal/mailer"
	"umspos/backend/internal/metrics"
	"umspos/backend/internal/notify"
	"umspos/backend/internal/scheduler"
	"umspos/backend/internal/service"
	"umspos/backend/internal/store"
	"umspos/backend/internal/store/memory"
	pgstore "umspos/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer func() { _ = log.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal("invalid security configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 4)

	if cfg.DatabaseURL != "" {
		if cfg.MigrateOnStart {
			if err := migrateUp(cfg.DatabaseURL, log); err != nil {
				log.Fatal("database migration failed", zap.Error(err))
			}
		}
		pg, err := pgstore.New(startCtx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded(log)
		log.Info("repository: in-memory with demo data")
	}

	m := metrics.New()
	hub := notify.NewHub(log)

	dashboardCache := cache.DashboardCache(cache.NoopDashboardCache{})
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedisDashboardCache(client)
		if err := redisCache.Ping(startCtx); err != nil {
			log.Warn("redis unavailable, using noop cache and local notifications", zap.Error(err))
			_ = client.Close()
		} else {
			dashboardCache = redisCache
			hub.WithRedis(client)
			closers = append(closers, client.Close)
			log.Info("cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	}
	go func() {
		if err := hub.Run(ctx); err != nil {
			log.Error("notification relay stopped", zap.Error(err))
		}
	}()

	publisher := events.Publisher(events.NoopPublisher{})
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic}, log)
		if err != nil {
			log.Fatal("kafka publisher", zap.Error(err))
		}
		publisher = kafkaPublisher
		closers = append(closers, kafkaPublisher.Close)
		log.Info("events: kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	mail := mailer.Mailer(mailer.NoopMailer{Logger: log})
	if cfg.ResendAPIKey != "" {
		mail = mailer.NewResendMailer(mailer.ResendConfig{APIKey: cfg.ResendAPIKey, From: cfg.MailFrom, AppURL: cfg.AppURL}, log)
		log.Info("mailer: resend")
	}

	svc := service.New(service.Deps{
		Repo:    repo,
		Cache:   dashboardCache,
		Hub:     hub,
		Events:  publisher,
		Mailer:  mail,
		Metrics: m,
		Logger:  log,
	}, service.Options{
		SummaryCacheTTL:       cfg.SummaryCacheTTL(),
		LowStockThreshold:     cfg.LowStockThreshold,
		NotificationRetention: cfg.NotificationRetention(),
	})

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	created, err := auth.EnsureBootstrapAdmin(startCtx, cfg.BootstrapAdminPassword)
	if err != nil {
		log.Fatal("bootstrap admin", zap.Error(err))
	}
	if created {
		log.Info("bootstrap admin account created", zap.String("username", "admin"))
	}
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, m, log)

	jobs, err := scheduler.New(scheduler.Config{LowStockSpec: cfg.LowStockCron}, svc, m, log)
	if err != nil {
		log.Fatal("scheduler", zap.Error(err))
	}
	jobs.Start()

	// WriteTimeout stays zero so notification streams are not cut; the
	// stream handler manages its own deadline.
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          zap.NewStdLog(log.Named("http")),
	}

	go func() {
		log.Info("UMS POS backend listening", zap.String("addr", cfg.Address()), zap.String("env", cfg.AppEnv))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	if err := jobs.Stop(shutdownCtx); err != nil {
		log.Warn("scheduler did not stop cleanly", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Warn("close error", zap.Error(err))
		}
	}

	log.Info("server stopped")
}

func migrateUp(databaseURL string, log *zap.Logger) error {
	migrator, err := pgstore.NewMigrator(databaseURL, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := migrator.Close(); err != nil {
			log.Warn("close migrator", zap.Error(err))
		}
	}()
	return migrator.Up()
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.BootstrapAdminPassword != "" {
		if err := validatePasswordStrength(cfg.BootstrapAdminPassword); err != nil {
			return fmt.Errorf("BOOTSTRAP_ADMIN_PASSWORD is too weak: %w", err)
		}
	}
	return nil
}

// validatePasswordStrength rejects short passwords, passwords made of one
// repeated character and a handful of well-known defaults.
func validatePasswordStrength(password string) error {
	if len(password) < 10 {
		return fmt.Errorf("at least 10 characters required")
	}

	known := map[string]bool{
		"password123": true, "admin12345": true, "administrator": true,
		"1234567890": true, "qwertyuiop": true, "changeme123": true,
	}
	if known[strings.ToLower(password)] {
		return fmt.Errorf("common password not allowed")
	}

	allSame := true
	for i := 1; i < len(password); i++ {
		if password[i] != password[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("single repeated character not allowed")
	}

	var letters, digits bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			letters = true
		case unicode.IsDigit(r):
			digits = true
		}
	}
	if !letters || !digits {
		return fmt.Errorf("letters and digits required")
	}
	return nil
}
