package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Brownie44l1/cxr-api/internal/config"
	"github.com/Brownie44l1/cxr-api/internal/handlers"
	"github.com/Brownie44l1/cxr-api/internal/history"
	"github.com/Brownie44l1/cxr-api/internal/metrics"
	"github.com/Brownie44l1/cxr-api/internal/model"
	"github.com/Brownie44l1/cxr-api/internal/server"
	"github.com/Brownie44l1/cxr-api/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := utils.InitLogger(cfg.Server.Mode); err != nil {
			return err
		}
		defer utils.Sync()

		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := utils.Logger

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	classifier := model.NewClassifier(cfg.Model, logger.Named("model"))
	defer classifier.Close()
	// Warm up in the background; requests block on the same load.
	go func() { _ = classifier.Load() }()

	opts := []handlers.Option{handlers.WithMetrics(m)}
	if cfg.History.Enabled {
		store := history.NewStore(cfg.Redis, cfg.History)
		defer store.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := store.Ping(pingCtx); err != nil {
			logger.Warn("redis unavailable, history writes will fail", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		cancel()

		recorder := history.NewRecorder(store, cfg.History.Workers, cfg.History.ThumbnailSize, logger.Named("history"), m)
		defer recorder.Stop()
		opts = append(opts, handlers.WithHistory(store, recorder))
	}

	h := handlers.NewHandler(classifier, cfg.GradCAM, cfg.Upload, opts...)
	srv := server.NewServer(cfg, h, reg)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", cfg.Server.Port),
			zap.Bool("gradcam", cfg.GradCAM.Enabled),
			zap.String("gradcam_layer", cfg.GradCAM.LayerName))
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	return srv.Stop(context.Background())
}
