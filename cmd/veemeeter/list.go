package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tkarro/veemeeter/internal/database"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived meter readings",
	RunE:  runList,
}

func init() {
	listCmd.Flags().IntVar(&listLimit, "limit", 48, "number of most recent readings to show (0 = all)")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.MeterNr == "" {
		return fmt.Errorf("no meter configured (run 'veemeeter setup' first)")
	}

	db, err := openDB()
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	var stored []database.StoredReading
	if listLimit > 0 {
		rows, err := db.RecentReadings(cfg.MeterNr, listLimit)
		if err != nil {
			return fmt.Errorf("listing readings: %w", err)
		}
		stored = rows
	} else {
		rows, err := db.ListReadings(cfg.MeterNr)
		if err != nil {
			return fmt.Errorf("listing readings: %w", err)
		}
		stored = rows
	}

	if len(stored) == 0 {
		fmt.Printf("No readings archived for meter %s (run 'veemeeter fetch')\n", cfg.MeterNr)
		return nil
	}

	fmt.Printf("\nReadings for meter %s:\n", cfg.MeterNr)
	fmt.Println("------------------------------------------------------------")
	fmt.Printf("%-17s  %12s  %s\n", "Timestamp", "Total (m³)", "Age")
	fmt.Println("------------------------------------------------------------")
	for _, sr := range stored {
		total, ok := sr.Reading.Total()
		totalStr := "-"
		if ok {
			totalStr = fmt.Sprintf("%.3f", total)
		}
		ts := sr.Reading.Timestamp.Local()
		fmt.Printf("%-17s  %12s  %s\n", ts.Format("2006-01-02 15:04"), totalStr, humanize.Time(ts))
	}
	fmt.Println("------------------------------------------------------------")
	fmt.Printf("%d reading(s)\n", len(stored))

	return nil
}
