package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"gate-controller/internal/backend"
	"gate-controller/internal/board"
	"gate-controller/internal/camera"
	"gate-controller/internal/config"
	"gate-controller/internal/consensus"
	"gate-controller/internal/db"
	"gate-controller/internal/extraction"
	"gate-controller/internal/hardware"
	httphandler "gate-controller/internal/http"
	"gate-controller/internal/inference"
	"gate-controller/internal/metrics"
	"gate-controller/internal/repository"
	"gate-controller/internal/service"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("load config")
	}

	log := newLogger(cfg.Log)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("gate controller stopped")
	}
	log.Info().Msg("gate controller stopped")
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.Pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	statusBoard := board.New(cfg.Board.Capacity, log)

	cameraOpts := camera.Options{Attempts: cfg.Camera.Attempts, RetryDelay: cfg.Camera.RetryDelay}
	capturer := camera.NewClient(&http.Client{Timeout: cfg.Camera.CaptureTimeout}, cameraOpts, log)
	streamer := camera.NewClient(&http.Client{}, cameraOpts, log)

	models := inference.NewClient(&http.Client{Timeout: cfg.Inference.Timeout}, cfg.Inference.BaseURL, log)
	detector := consensus.NewDetectionVoter(models.Detector(), consensus.DetectionOptions{
		Options:         consensus.Options{Attempts: cfg.Inference.DetectionAttempts, Workers: cfg.Inference.DetectionWorkers},
		Label:           cfg.Inference.PlateLabel,
		MinConfidence:   cfg.Inference.MinDetectionConf,
		CenterTolerance: cfg.Inference.CenterTolerance,
	}, log)
	reader := consensus.NewReadingVoter(models.Reader(), consensus.ReadingOptions{
		Options:               consensus.Options{Attempts: cfg.Inference.ReadingAttempts, Workers: cfg.Inference.ReadingWorkers},
		MinFragmentConfidence: cfg.Inference.MinFragmentConf,
	}, log)
	pipeline := extraction.NewPipeline(detector, reader, extraction.Config{
		CropMargin:   cfg.Inference.CropMargin,
		MinReadWidth: cfg.Inference.MinReadWidth,
		DenoiseSigma: cfg.Inference.DenoiseSigma,
		SharpenSigma: cfg.Inference.SharpenSigma,
	}, log)

	api := backend.NewClient(&http.Client{Timeout: cfg.Backend.Timeout}, backend.Config{
		BaseURL:  cfg.Backend.BaseURL,
		Email:    cfg.Backend.Email,
		Password: cfg.Backend.Password,
	}, log)

	deps := service.GateDeps{
		Capturer:  capturer,
		Streamer:  streamer,
		Extractor: pipeline,
		Backend:   api,
		Notifier:  statusBoard,
	}

	var journal *service.JournalService
	if cfg.Database.Enabled {
		gdb, err := db.New(ctx, db.Config{
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			Migrate:         cfg.Database.Migrate,
		}, log)
		if err != nil {
			return err
		}
		defer func() {
			if err := db.Close(gdb); err != nil {
				log.Warn().Err(err).Msg("close database")
			}
		}()

		journal = service.NewJournalService(repository.NewGateRepository(gdb), log)
		deps.Journal = journal
		go journal.RunRetention(ctx, cfg.Journal.RetentionDays, cfg.Journal.CleanupInterval)
	} else {
		log.Warn().Msg("database disabled, gate outcomes are not journaled")
	}

	gate := service.NewGateService(deps, service.GateOptions{
		CleanupDelay:   cfg.Jobs.CleanupDelay,
		QueueSize:      cfg.Jobs.QueueSize,
		JournalTimeout: cfg.Journal.WriteTimeout,
		StopTimeout:    cfg.Jobs.StopTimeout,
	}, log)

	gateErr := make(chan error, 1)
	go func() {
		gateErr <- gate.Run(ctx)
	}()

	listener := hardware.NewListener(hardware.Config{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		QoS:      cfg.MQTT.QoS,
		Topics:   hardware.Topics{Card: cfg.MQTT.CardTopic, Camera: cfg.MQTT.CameraTopic},
	}, gate, log)
	if err := listener.Start(ctx); err != nil {
		stop()
		<-gateErr
		return err
	}
	defer listener.Stop()

	gin.SetMode(gin.ReleaseMode)
	router := httphandler.NewRouter(cfg.Server.AllowedOrigins, log)

	// Keep the journal interface nil when there is no database.
	var journalReader httphandler.JournalReader
	if journal != nil {
		journalReader = journal
	}
	handler := httphandler.NewHandler(gate, statusBoard, journalReader, registry, cfg, log)
	handler.Register(router, httphandler.AuthMiddleware(cfg.Auth.JWTSecret, cfg.Auth.Issuer))

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-srvErr:
		log.Error().Err(runErr).Msg("http server failed")
	case runErr = <-gateErr:
		log.Error().Err(runErr).Msg("gate service exited")
		gateErr = nil
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}
	if gateErr != nil {
		if err := <-gateErr; err != nil {
			log.Warn().Err(err).Msg("gate service shutdown")
		}
	}
	return runErr
}
