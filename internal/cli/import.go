package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/omnii/recall/internal/engine"
	"github.com/omnii/recall/internal/ingest"
	"github.com/omnii/recall/internal/logger"
	"github.com/omnii/recall/internal/memory"
	"github.com/omnii/recall/internal/metrics"
	"github.com/omnii/recall/internal/temporal"
)

var (
	importUser    string
	importChannel string
	importRemote  string
)

var importCmd = &cobra.Command{
	Use:   "import <export.jsonl>",
	Short: "Ingest messages from a JSONL export",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func init() {
	importCmd.Flags().StringVar(&importUser, "user", "", "user id for lines without one")
	importCmd.Flags().StringVar(&importChannel, "channel", "chat", "channel for lines without one")
	importCmd.Flags().StringVar(&importRemote, "remote", "", "post to a running server at this URL instead of opening the store")
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return err
	}
	defer log.Sync()

	msgs, bad, err := ingest.ReadFile(args[0], ingest.Defaults{UserID: importUser, Channel: memory.Channel(importChannel)})
	if err != nil {
		return err
	}
	for _, le := range bad {
		log.Warn("skipping malformed line", "line", le.Line, "error", le.Err)
	}

	ctx := cmd.Context()
	var sink ingest.Sink
	if importRemote != "" {
		hs := ingest.NewHTTPSink(importRemote)
		if !hs.Healthy(ctx) {
			return fmt.Errorf("server at %s is not healthy", importRemote)
		}
		sink = hs
	} else {
		b, err := openBackends(ctx, cfg, log, metrics.New("recall"))
		if err != nil {
			return err
		}
		defer b.Close()
		sink = ingest.EngineSink{Engine: engine.New(b.graph, engine.Options{
			Config: cfg.Memory,
			Scorer: temporal.NewScorer(cfg.Temporal),
			Logger: log,
		})}
	}

	sum, err := ingest.Run(ctx, msgs, sink, log)
	sum.Skipped = len(bad)
	if perr := printJSON(cmd, sum); perr != nil && err == nil {
		err = perr
	}
	return err
}

