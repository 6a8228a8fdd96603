package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/guardsys/guard/internal/broadcast"
	"github.com/guardsys/guard/internal/camera"
	"github.com/guardsys/guard/internal/config"
	"github.com/guardsys/guard/internal/detect"
	"github.com/guardsys/guard/internal/notify"
	"github.com/guardsys/guard/internal/pipeline"
	"github.com/guardsys/guard/internal/screenshot"
	"github.com/guardsys/guard/internal/store"
)

// Application holds all wired components.
type Application struct {
	cfg         *config.Config
	logger      *zap.Logger
	coordinator *pipeline.Coordinator
	hub         *broadcast.Hub
	server      *broadcast.Server
	events      store.Store
	detector    detect.Detector
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	app, err := NewApplication(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build application", zap.Error(err))
	}

	if err := app.Run(); err != nil {
		logger.Fatal("application error", zap.Error(err))
	}
}

// NewApplication wires every component from the configuration.
func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	events, err := store.New(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("create event store: %w", err)
	}

	shots, err := screenshot.New(cfg.Screenshots, logger)
	if err != nil {
		return nil, fmt.Errorf("create screenshot storage: %w", err)
	}

	var detector detect.Detector
	if cfg.Detector.ModelPath != "" {
		detector, err = detect.NewDNNDetector(detect.DNNConfig{
			ModelPath:           cfg.Detector.ModelPath,
			InputSize:           cfg.Detector.InputSize,
			ConfidenceThreshold: cfg.Detector.ConfidenceThreshold,
			ClassNames:          cfg.Detector.ClassNames,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("load detection model: %w", err)
		}
	} else {
		logger.Warn("no detection model configured, running capture and streaming only")
	}

	rule := detect.Rule{
		ClassNames: cfg.Detector.FallClassNames,
		ClassIndex: cfg.Detector.FallClassIndex,
	}

	notifier := notify.NewNotifier(buildChannels(cfg.Notify), notify.StaticSource(cfg.Notify.Users),
		cfg.Notify.Cooldown, logger)

	coordinator := pipeline.NewCoordinator(cfg.Pipeline, cfg.Camera,
		camera.New(logger), detector, rule, events, notifier, nil, shots, logger)

	hub := broadcast.NewHub(cfg.Stream, coordinator, logger)
	coordinator.SetAlertSink(hub)

	server := broadcast.NewServer(cfg.Stream, hub, coordinator, events, logger)

	return &Application{
		cfg:         cfg,
		logger:      logger,
		coordinator: coordinator,
		hub:         hub,
		server:      server,
		events:      events,
		detector:    detector,
	}, nil
}

// buildChannels instantiates only the transports that have credentials.
func buildChannels(cfg config.NotifyConfig) []notify.Channel {
	var channels []notify.Channel
	if cfg.SMTP.Username != "" {
		channels = append(channels, notify.NewEmailChannel(cfg.SMTP))
	}
	if cfg.Twilio.AccountSID != "" {
		channels = append(channels, notify.NewSMSChannel(cfg.Twilio))
	}
	if cfg.Telegram.BotToken != "" {
		channels = append(channels, notify.NewTelegramChannel(cfg.Telegram))
	}
	return channels
}

// Run starts everything and blocks until a termination signal.
func (app *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.coordinator.StartCapture(ctx); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	if app.detector != nil {
		if err := app.coordinator.StartDetection(); err != nil {
			return fmt.Errorf("start detection: %w", err)
		}
	}
	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("start broadcast: %w", err)
	}

	go app.retentionLoop(ctx)

	serverErr := make(chan error, 1)
	go func() { serverErr <- app.server.Start() }()

	app.logger.Info("guard running",
		zap.String("addr", app.cfg.Stream.Addr),
		zap.String("store_mode", app.events.Mode()),
		zap.Bool("detection", app.detector != nil))

	select {
	case <-ctx.Done():
		app.logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	app.shutdown()
	return nil
}

// retentionLoop removes events past the retention window once a day.
func (app *Application) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := app.coordinator.RetentionCutoff(time.Now())
			removed, err := app.events.CleanupOlderThan(ctx, app.cfg.Pipeline.UserID, cutoff)
			if err != nil {
				app.logger.Error("retention cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				app.logger.Info("retention cleanup done",
					zap.Int("removed", removed),
					zap.Time("cutoff", cutoff))
			}
		}
	}
}

// shutdown tears components down in dependency order.
func (app *Application) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.server.Shutdown(shutdownCtx); err != nil {
		app.logger.Warn("http shutdown failed", zap.Error(err))
	}
	app.hub.Stop()
	app.coordinator.StopDetection()
	if err := app.coordinator.StopCapture(); err != nil {
		app.logger.Warn("capture stop failed", zap.Error(err))
	}
	if app.detector != nil {
		if err := app.detector.Close(); err != nil {
			app.logger.Warn("detector close failed", zap.Error(err))
		}
	}
	if err := app.events.Close(); err != nil {
		app.logger.Warn("store close failed", zap.Error(err))
	}
	app.logger.Info("guard stopped")
}
