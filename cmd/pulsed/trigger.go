package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/socialpulse/pulsed/pkg/config"
	"github.com/socialpulse/pulsed/pkg/ledger"
	"github.com/socialpulse/pulsed/pkg/trigger"
)

var (
	triggerQuery     string
	triggerPlatforms []string
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Trigger a one-off analysis run",
	Long: `Create a run in the ledger and fire the external workflow without
starting the server. A running serve process sharing the same ledger
picks the run up and reconciles it.`,
	RunE: runTrigger,
}

func init() {
	triggerCmd.Flags().StringVar(&triggerQuery, "query", "",
		"search query to analyze")
	triggerCmd.Flags().StringSliceVar(&triggerPlatforms, "platforms", nil,
		"platforms to search (e.g. tiktok,youtube)")

	rootCmd.AddCommand(triggerCmd)
}

func runTrigger(cmd *cobra.Command, args []string) error {
	if len(cfgFiles) == 0 {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := context.Background()

	store, err := ledger.NewStore(log, &cfg.Ledger)
	if err != nil {
		return fmt.Errorf("creating ledger: %w", err)
	}

	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("starting ledger: %w", err)
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Ledger stop error")
		}
	}()

	trig := trigger.New(log, store, cfg.Workflow.WebhookURL, nil)

	payload := trigger.NewPayload(triggerQuery, triggerPlatforms)

	runID, err := trig.Run(ctx, payload)
	if err != nil {
		return fmt.Errorf("triggering run: %w", err)
	}

	trig.Wait()

	fmt.Printf("run_id: %s\n", runID)

	return nil
}
