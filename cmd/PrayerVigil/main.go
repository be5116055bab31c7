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

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/natindo/PrayerVigil/internal/bot"
	"github.com/natindo/PrayerVigil/internal/config"
	"github.com/natindo/PrayerVigil/internal/database"
	"github.com/natindo/PrayerVigil/internal/google"
	"github.com/natindo/PrayerVigil/internal/memstore"
	"github.com/natindo/PrayerVigil/internal/models"
	"github.com/natindo/PrayerVigil/internal/prayer"
	"github.com/natindo/PrayerVigil/internal/scheduler"
	"github.com/natindo/PrayerVigil/internal/services"
	"github.com/natindo/PrayerVigil/internal/web"
)

func main() {
	configPath := pflag.String("config", "", "Path to YAML config file")
	pflag.Parse()

	// 1. Читаем конфиг (файл + env)
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("PrayerVigil stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("PrayerVigil exited")
}

func setupLogger(c config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if c.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func run(ctx context.Context, cfg *config.Config) error {
	// 2. Хранилище
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	resolver, err := newResolver(cfg.Prayer)
	if err != nil {
		return err
	}
	quiet, err := cfg.QuietHours()
	if err != nil {
		return err
	}

	// 3. Сервисы
	detector := &services.Detector{
		Store:          store,
		Resolver:       resolver,
		ChunkDays:      cfg.Prayer.ChunkDays,
		SeverityBuffer: cfg.Conflicts.SeverityBufferMinutes,
	}
	notifyScheduler := &services.Scheduler{
		Store:       store,
		BatchWindow: cfg.Notify.BatchWindow,
		NoiseGate:   cfg.Notify.NoiseGate,
		QuietHours:  quiet,
	}
	lifecycle := &services.Lifecycle{Store: store}
	autopilot := &services.Autopilot{
		Store:        store,
		Scheduler:    notifyScheduler,
		ShiftMinutes: cfg.Autopilot.ShiftMinutes,
		BatchLimit:   cfg.Autopilot.BatchLimit,
	}
	commands := &services.Commands{Store: store}
	writeBack := &services.WriteBack{
		Store:    store,
		Tokens:   &google.TokenSource{Store: store, Config: google.NewConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.TokenURL)},
		Calendar: google.NewClient(cfg.Google.APIBase, nil),
	}
	if !cfg.GoogleEnabled() {
		slog.Warn("Google OAuth client is not configured, write-back will fail token refresh")
	}
	dispatcher := &services.Dispatcher{
		Store:      store,
		Sender:     services.LogSender{},
		PrayerPre:  time.Duration(cfg.Notify.PrayerPreMinutes) * time.Minute,
		PrayerPost: time.Duration(cfg.Notify.PrayerPostMinutes) * time.Minute,
	}

	// 4. Telegram: команды и доставка уведомлений
	if cfg.TelegramEnabled() {
		api, err := bot.NewBot(cfg.Telegram.Token, cfg.Telegram.Debug)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		b := bot.New(api, bot.Services{
			Store:     store,
			Detector:  detector,
			Lifecycle: lifecycle,
			Autopilot: autopilot,
			Commands:  commands,
		})
		dispatcher.Sender = b

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := api.GetUpdatesChan(u)
		defer api.StopReceivingUpdates()
		go b.Run(ctx, updates)
	} else {
		slog.Info("Telegram token not set, notifications go to the log")
	}

	// 5. Периодические проходы
	if cfg.Scheduler.Enabled {
		sweeps := &scheduler.Sweeps{
			Store:          store,
			Detector:       detector,
			Autopilot:      autopilot,
			Scheduler:      notifyScheduler,
			Dispatcher:     dispatcher,
			WriteBack:      writeBack,
			HorizonDays:    cfg.Scheduler.HorizonDays,
			DispatchLimit:  cfg.Notify.DispatchLimit,
			WritebackLimit: cfg.Writeback.BatchLimit,
		}
		runner, err := scheduler.New(sweeps.Jobs(scheduler.Specs{
			Detect:    cfg.Scheduler.Detect,
			Autopilot: cfg.Scheduler.Autopilot,
			Flush:     cfg.Scheduler.Flush,
			Dispatch:  cfg.Scheduler.Dispatch,
			Writeback: cfg.Scheduler.Writeback,
		}))
		if err != nil {
			return err
		}
		runner.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			runner.Stop(stopCtx)
		}()
	}

	// 6. HTTP
	srv := web.NewServer(web.Deps{
		Store:         store,
		Detector:      detector,
		Lifecycle:     lifecycle,
		Autopilot:     autopilot,
		Scheduler:     notifyScheduler,
		Dispatcher:    dispatcher,
		WriteBack:     writeBack,
		Commands:      commands,
		InternalToken: cfg.InternalToken,
	})
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "listen", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (services.Store, func(), error) {
	if cfg.Storage.Driver == "memory" {
		store := memstore.New()
		token := cfg.Memory.APIToken
		if token == "" {
			token = uuid.NewString()
		}
		owner := uuid.New()
		store.PutProfile(models.Profile{
			OwnerID:          owner,
			Timezone:         cfg.Memory.Timezone,
			AutopilotEnabled: true,
			RespectPrayer:    true,
			APIToken:         token,
		})
		slog.Warn("Using in-memory store, data is lost on restart", "owner", owner, "api_token", token)
		return store, func() {}, nil
	}

	pool, err := database.ConnectPostgres(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := database.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	slog.Info("Connected to PostgreSQL")
	return database.NewStore(pool), pool.Close, nil
}

func newResolver(c config.PrayerConfig) (prayer.Resolver, error) {
	switch c.Source {
	case "timetable":
		r, err := prayer.LoadTimetable(c.TimetablePath)
		if err != nil {
			return nil, fmt.Errorf("load prayer timetable: %w", err)
		}
		return r, nil
	case "ics":
		return prayer.NewICSResolver(c.ICSURL, nil), nil
	default:
		return prayer.NoneResolver{}, nil
	}
}
