package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tkarro/veemeeter/internal/api"
	"github.com/tkarro/veemeeter/internal/coordinator"
	"github.com/tkarro/veemeeter/internal/database"
	"github.com/tkarro/veemeeter/pkg/models"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Run one poll cycle and archive the readings",
	Long: `Fetches smart meter readings since the newest archived reading (or a
two-week window on first run), stores them in the local database, and prints
the derived sensor values.`,
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	fmt.Printf("=== Fetch started at %s ===\n", time.Now().Format("2006-01-02 15:04:05 MST"))

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := buildLogger()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	db, err := openDB()
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	client := api.New(cfg.APIKey)
	coord := coordinator.New(client, cfg.MeterNr, cfg.GetRetainedCap(), logger)

	if err := seedFromArchive(coord, db, cfg.MeterNr, cfg.GetRetainedCap()); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	snap, err := coord.Refresh(ctx)
	if err != nil {
		return err
	}

	if err := db.InsertReadings(cfg.MeterNr, coord.Retained()); err != nil {
		return fmt.Errorf("archiving readings: %w", err)
	}

	printSnapshot(snap)
	return nil
}

// seedFromArchive preloads the coordinator with the archived reading window
// so the daily baseline survives process restarts
func seedFromArchive(coord *coordinator.Coordinator, db *database.DB, meterNr string, cap int) error {
	stored, err := db.RecentReadings(meterNr, cap)
	if err != nil {
		return fmt.Errorf("loading archived readings: %w", err)
	}
	readings := make([]models.Reading, 0, len(stored))
	for _, sr := range stored {
		readings = append(readings, sr.Reading)
	}
	coord.Seed(readings)
	return nil
}

func printSnapshot(snap *coordinator.Snapshot) {
	fmt.Printf("✓ Cumulative consumption: %.3f m³ (reading at %s)\n",
		snap.CumulativeTotal, snap.LastReadingAt.Local().Format("2006-01-02 15:04"))
	fmt.Printf("✓ Daily usage: %.3f m³ (baseline at %s)\n",
		snap.DailyUsage, snap.DailyBaselineAt.Local().Format("2006-01-02 15:04"))
	if snap.PartialDay {
		fmt.Println("  Note: no reading before local midnight yet; daily usage covers a partial day")
	}
	if snap.Anomalous {
		fmt.Println("  Note: meter total decreased (rollover or correction); daily usage clamped to 0")
	}
}
