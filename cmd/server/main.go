package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/report-pipeline/api/handlers"
	"github.com/feichai0017/report-pipeline/api/routes"
	"github.com/feichai0017/report-pipeline/config"
	"github.com/feichai0017/report-pipeline/internal/pipeline"
	"github.com/feichai0017/report-pipeline/internal/utils/validator"
	"github.com/feichai0017/report-pipeline/pkg/logger"
)

func main() {
	cfg, err := config.Load(os.Getenv("REPORT_CONFIG"))
	if err != nil {
		panic(err)
	}

	// init logger
	log, err := logger.NewLogger(
		logger.WithLevel(cfg.Logging.Level),
		logger.WithEncoding(cfg.Logging.Encoding),
		logger.WithOutputPaths(cfg.Logging.OutputPaths),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// init pipeline
	p, err := pipeline.New(ctx, cfg, pipeline.Deps{}, log)
	if err != nil {
		log.Fatal("Failed to build pipeline", logger.Error(err))
	}
	if err := p.Start(ctx); err != nil {
		log.Fatal("Failed to start pipeline", logger.Error(err))
	}

	// init handlers
	v := validator.NewDocumentValidator(log, &validator.ValidatorConfig{
		MaxFileSize:  cfg.Upload.MaxSize,
		AllowedTypes: validator.DefaultConfig().AllowedTypes,
		MaxPageCount: cfg.Upload.MaxPages,
	})
	h := handlers.NewHandlers(p, v, log)
	r := gin.New()
	r.Use(gin.Recovery())
	routes.SetupRoutes(r, h, routes.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Layout:         p.Layout,
		Logger:         log,
	})

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	// start server
	go func() {
		log.Info("Server starting", logger.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", logger.Error(err))
			cancel()
		}
	}()

	// wait for interrupt signal to gracefully shut down the server
	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.Error(err))
	}
	if err := p.Stop(); err != nil {
		log.Error("Pipeline stopped with errors", logger.Error(err))
	}
}
