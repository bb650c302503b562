package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/omnii/recall/internal/engine"
	"github.com/omnii/recall/internal/logger"
	"github.com/omnii/recall/internal/metrics"
	"github.com/omnii/recall/internal/schedule"
	"github.com/omnii/recall/internal/server"
	"github.com/omnii/recall/internal/temporal"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New("recall")
	b, err := openBackends(ctx, cfg, log, m)
	if err != nil {
		return err
	}
	defer b.Close()

	scorer := temporal.NewScorer(cfg.Temporal)
	eng := engine.New(b.graph, engine.Options{Config: cfg.Memory, Scorer: scorer, Logger: log})
	c := newCache(b, cfg, log, m)
	c.StartSweeper(cfg.Cache.SweepInterval)
	defer c.Stop()

	srv := server.New(server.Deps{
		Engine:      eng,
		Cache:       c,
		Scorer:      scorer,
		Analyzer:    schedule.NewAnalyzer(scorer, cfg.Slots),
		Prioritizer: schedule.NewPrioritizer(cfg.Actions, cfg.Temporal.Priorities),
		Logger:      log,
		Metrics:     m,
	}, server.Options{
		Version:        VersionString(),
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	addr := cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("recall serving", "addr", addr, "graph", cfg.Graph.Backend, "cache", cfg.Cache.Backend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
