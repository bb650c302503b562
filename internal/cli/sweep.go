package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/omnii/recall/internal/logger"
	"github.com/omnii/recall/internal/metrics"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one cache reclamation pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := logger.New(cfg.Log.Mode)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()

		m := metrics.New("recall")
		b, err := openBackends(ctx, cfg, log, m)
		if err != nil {
			return err
		}
		defer b.Close()

		n, err := newCache(b, cfg, log, m).Sweep(ctx)
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired entries\n", n)
		return nil
	},
}
