package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tkarro/veemeeter/internal/api"
	"github.com/tkarro/veemeeter/internal/coordinator"
	"github.com/tkarro/veemeeter/internal/database"
	"github.com/tkarro/veemeeter/internal/publisher"
)

var (
	publishBackfill bool
	publishLimit    int
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish sensor values to Home Assistant",
	Long: `Derives the cumulative and daily sensor values from the archived readings
and publishes them to Home Assistant. With --backfill, pushes every archived
reading that has not been published yet, oldest first, so dashboards can be
rebuilt after an outage.`,
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().BoolVar(&publishBackfill, "backfill", false, "publish unpublished archived readings instead of the current snapshot")
	publishCmd.Flags().IntVar(&publishLimit, "limit", 0, "limit number of backfilled readings (0 = no limit)")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	fmt.Printf("=== Publish started at %s ===\n", time.Now().Format("2006-01-02 15:04:05 MST"))

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.MeterNr == "" {
		return fmt.Errorf("no meter configured (run 'veemeeter setup' first)")
	}

	logger, err := buildLogger()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	deviceID := cfg.SupplyPointID
	if deviceID == "" {
		deviceID = cfg.MeterNr
	}

	pub, err := publisher.New(cfg.MQTT, cfg.HomeAssistant, deviceID, cfg.Address, logger)
	if err != nil {
		return fmt.Errorf("creating publisher: %w", err)
	}
	defer pub.Close()

	db, err := openDB()
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if publishBackfill {
		return backfill(pub, db, cfg.MeterNr)
	}

	coord := coordinator.New(api.New(cfg.APIKey), cfg.MeterNr, cfg.GetRetainedCap(), logger)
	if err := seedFromArchive(coord, db, cfg.MeterNr, cfg.GetRetainedCap()); err != nil {
		return err
	}

	snap, err := coord.Recompute()
	if err != nil {
		return fmt.Errorf("no publishable data in the archive (run 'veemeeter fetch' first): %w", err)
	}

	if err := pub.PublishDiscovery(); err != nil {
		return fmt.Errorf("publishing discovery configs: %w", err)
	}
	if err := pub.PublishSnapshot(snap); err != nil {
		return fmt.Errorf("publishing snapshot: %w", err)
	}

	printSnapshot(snap)
	return nil
}

func backfill(pub *publisher.Publisher, db *database.DB, meterNr string) error {
	stored, err := db.ListUnpublished(meterNr)
	if err != nil {
		return fmt.Errorf("listing unpublished readings: %w", err)
	}
	if len(stored) == 0 {
		fmt.Println("No unpublished readings")
		return nil
	}

	if publishLimit > 0 && len(stored) > publishLimit {
		stored = stored[:publishLimit]
		fmt.Printf("Limiting to %d readings (--limit flag)\n", publishLimit)
	}

	fmt.Printf("Publishing %d readings...\n", len(stored))
	published := 0
	for i, sr := range stored {
		total, ok := sr.Reading.Total()
		if !ok {
			continue
		}
		fmt.Printf("[%d/%d] %s (%.3f m³)... ", i+1, len(stored),
			sr.Reading.Timestamp.Local().Format("2006-01-02 15:04"), total)

		if err := pub.PublishReading(total, sr.Reading.Timestamp, meterNr); err != nil {
			fmt.Printf("FAILED: %v\n", err)
			continue
		}

		if err := db.MarkPublished(sr.ID); err != nil {
			fmt.Printf("✓ (warning: failed to mark as published: %v)\n", err)
		} else {
			fmt.Printf("✓\n")
		}
		published++
	}

	fmt.Printf("Successfully published %d/%d readings\n", published, len(stored))
	return nil
}
