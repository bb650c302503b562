package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/omnii/recall/internal/schedule"
	"github.com/omnii/recall/internal/temporal"
)

var scoreAt string

var scoreCmd = &cobra.Command{
	Use:   "score <RFC3339 timestamp>",
	Short: "Score the temporal relevance of a timestamp",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ts, err := time.Parse(time.RFC3339, args[0])
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		ref, err := parseAt(scoreAt)
		if err != nil {
			return err
		}
		return printJSON(cmd, temporal.NewScorer(cfg.Temporal).Score(ts, ref))
	},
}

var (
	slotsEvents string
	slotsMin    int
	slotsTZ     string
	slotsAt     string
)

var slotsCmd = &cobra.Command{
	Use:   "slots",
	Short: "Find free time between busy events read from a JSON file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var events []schedule.Event
		if slotsEvents != "" {
			raw, err := os.ReadFile(slotsEvents)
			if err != nil {
				return fmt.Errorf("read events: %w", err)
			}
			if err := json.Unmarshal(raw, &events); err != nil {
				return fmt.Errorf("parse events: %w", err)
			}
		}
		ref, err := parseAt(slotsAt)
		if err != nil {
			return err
		}
		scorer := temporal.NewScorer(cfg.Temporal)
		an, err := schedule.NewAnalyzer(scorer, cfg.Slots).FindFreeSlots(events, slotsMin, slotsTZ, ref)
		if err != nil {
			return err
		}
		return printJSON(cmd, an)
	},
}

func init() {
	scoreCmd.Flags().StringVar(&scoreAt, "at", "", "reference time (RFC3339, default now)")

	slotsCmd.Flags().StringVar(&slotsEvents, "events", "", "JSON file with an array of {id,title,start,end}")
	slotsCmd.Flags().IntVar(&slotsMin, "min", 30, "minimum slot length in minutes")
	slotsCmd.Flags().StringVar(&slotsTZ, "tz", "UTC", "IANA timezone for slot grading")
	slotsCmd.Flags().StringVar(&slotsAt, "at", "", "reference time (RFC3339, default now)")
}

func parseAt(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse --at: %w", err)
	}
	return t.UTC(), nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
