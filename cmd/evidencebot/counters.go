package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Jawbreaker1/EvidenceBot/internal/events"
)

var eventsPath string

var countersCmd = &cobra.Command{
	Use:   "counters",
	Short: "render counters from a recorded event stream",
	RunE:  runCounters,
}

func init() {
	countersCmd.Flags().StringVar(&eventsPath, "events", "", "events.jsonl path (required)")
}

func runCounters(cmd *cobra.Command, args []string) error {
	if eventsPath == "" {
		return fmt.Errorf("--events is required")
	}
	recorded, err := events.ReadEvents(eventsPath)
	if err != nil {
		return err
	}
	if err := events.ValidateMonotonicSequences(recorded); err != nil {
		logger.Warn("event stream has sequence gaps", zap.Error(err))
	}
	counters := events.Collect(recorded)
	fmt.Println(counters.Render())
	return nil
}
