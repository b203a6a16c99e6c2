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

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"spacebook/internal/api"
	"spacebook/internal/booking"
	"spacebook/internal/config"
	"spacebook/internal/events"
	"spacebook/internal/identity"
	"spacebook/internal/ledger"
	"spacebook/internal/lock"
	"spacebook/internal/metrics"
	"spacebook/internal/model"
	"spacebook/internal/session"
	"spacebook/internal/templates"
	"spacebook/shared/reminders"
)

func main() {
	cfg, err := config.Load(os.Getenv("SPACEBOOK_CONFIG_PATH"))
	if err != nil {
		bootLogger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var registry prometheus.Registerer
	if cfg.Monitoring.PrometheusEnabled {
		registry = prometheus.DefaultRegisterer
		metrics.Register(registry)
	}

	var rdb *redis.Client
	if cfg.Redis.Address != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
	}

	bus := events.NewEventBus()
	store, sqliteStore, err := openLedger(cfg, bus, rdb, &logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Ledger.Backend).Msg("open ledger error")
	}
	defer store.Close()

	var locker lock.Locker = lock.NewLocal()
	if cfg.Locking.Distributed {
		locker = lock.NewRedis(rdb, cfg.Redis.Prefix+":lock", cfg.LockTTL(), &logger)
	}

	directory := identity.NewDirectory(store, logger)
	if err := seedUsers(ctx, directory, cfg.Users); err != nil {
		logger.Fatal().Err(err).Msg("seed users error")
	}
	clock := model.RealClock{}

	notifier, closeNotifier, err := newNotifier(cfg, directory, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("create notifier error")
	}
	defer closeNotifier()

	reminderStore := reminders.NewStore(store, locker, clock)
	reminderMetrics := reminders.NewMetrics("spacebook", registry)
	sender := reminders.NewReminderSender(notifier, reminderStore, reminders.ReminderSenderConfig{
		RateLimiter: reminders.RateLimiterConfig{
			Rate:      cfg.Reminders.RatePerSecond,
			Burst:     cfg.Reminders.Burst,
			JitterMin: reminders.DefaultRateLimiterConfig().JitterMin,
			JitterMax: reminders.DefaultRateLimiterConfig().JitterMax,
		},
		Retry: reminders.RetryConfig{
			MaxRetries:  cfg.Reminders.MaxRetries,
			RetryDelays: cfg.ReminderRetryDelays(),
		},
	}, reminderMetrics, logger)
	scheduler := reminders.NewScheduler(reminders.SchedulerConfig{
		SweepInterval:    cfg.ReminderSweepInterval(),
		CleanupEnabled:   true,
		CleanupRetention: cfg.ReminderRetention(),
	}, reminderStore, sender, bus, clock, reminderMetrics, logger)
	reminderService := reminders.NewService(scheduler, logger)

	bookings := booking.NewManager(store, locker, reminderService, clock, logger)
	scheduler.SetReservationChecker(bookings)
	sessions := session.NewManager(reminderService, logger)

	server := api.NewServer(api.Deps{
		Bookings:  bookings,
		Templates: templates.NewStore(store, logger),
		Directory: directory,
		Sessions:  sessions,
		Bus:       bus,
		Clock:     clock,
	}, logger)

	go scheduler.Start(ctx)
	go startHealthServer(ctx, cfg.Monitoring.HealthCheckPort, store, &logger)
	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, &logger)
	}
	if sqliteStore != nil {
		go ledger.NewBackupService(sqliteStore, cfg.Backup, &logger).Start(ctx)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.ReadTimeout(),
		WriteTimeout: cfg.WriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctxShutdown); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	logger.Info().Str("address", cfg.Server.Address).Str("backend", cfg.Ledger.Backend).Msg("spacebook started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server error")
	}

	scheduler.Stop()
	logger.Info().Msg("spacebook stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Logging.Pretty {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// openLedger returns the configured ledger, plus the SQLite handle when
// that backend is used so it can be backed up.
func openLedger(cfg *config.Config, bus *events.EventBus, rdb *redis.Client, logger *zerolog.Logger) (ledger.Ledger, *ledger.SQLite, error) {
	switch cfg.Ledger.Backend {
	case config.BackendMemory:
		return ledger.NewMemory(bus), nil, nil
	case config.BackendRedis:
		l := ledger.NewRedis(rdb, ledger.RedisConfig{
			Prefix: cfg.Redis.Prefix,
			Indexes: map[string][]string{
				model.CollectionBookings:      {model.FieldSpace, model.FieldUserID},
				model.CollectionTemplates:     {model.FieldUserID},
				reminders.CollectionReminders: reminders.IndexedFields,
			},
		}, logger)
		return l, nil, nil
	default:
		l, err := ledger.NewSQLite(cfg.Ledger.Path, bus, logger)
		if err != nil {
			return nil, nil, err
		}
		return l, l, nil
	}
}

// seedUsers writes configured profiles that are not in the directory yet.
func seedUsers(ctx context.Context, directory *identity.Directory, seeds []config.UserSeed) error {
	for _, u := range seeds {
		_, err := directory.Get(ctx, u.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, identity.ErrUserNotFound) {
			return err
		}
		if err := directory.Put(ctx, &identity.User{
			ID:             u.ID,
			Email:          u.Email,
			DisplayName:    u.DisplayName,
			TelegramChatID: u.TelegramChatID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func newNotifier(cfg *config.Config, directory *identity.Directory, logger zerolog.Logger) (reminders.Notifier, func() error, error) {
	noop := func() error { return nil }
	switch {
	case cfg.Telegram.Enabled:
		bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
		if err != nil {
			return nil, nil, err
		}
		bot.Debug = cfg.Telegram.Debug
		logger.Info().Str("bot", bot.Self.UserName).Msg("telegram delivery enabled")
		return reminders.NewTelegramNotifier(bot, directory), noop, nil
	case cfg.AMQP.Enabled:
		notifier, closeConn, err := reminders.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Queue)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("queue", cfg.AMQP.Queue).Msg("amqp delivery enabled")
		return notifier, closeConn, nil
	default:
		return reminders.NewLogNotifier(logger), noop, nil
	}
}

func startHealthServer(ctx context.Context, port int, store ledger.Ledger, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		ctxPing, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := store.Ping(ctxPing); err != nil {
			http.Error(w, "ledger not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("health server error")
	}
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
