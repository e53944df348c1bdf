package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tkarro/veemeeter/internal/api"
)

var metersCmd = &cobra.Command{
	Use:   "meters",
	Short: "List the smart water meters visible to the configured API key",
	RunE:  runMeters,
}

func init() {
	rootCmd.AddCommand(metersCmd)
}

func runMeters(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.APIKey == "" {
		return fmt.Errorf("no API key configured (run 'veemeeter setup' first)")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
	defer cancel()

	client := api.New(cfg.APIKey)

	points, err := client.SmartSupplyPoints(ctx)
	if errors.Is(err, api.ErrNoSmartMeter) {
		fmt.Println("No smart meters on this account")
		return nil
	}
	if err != nil {
		return fmt.Errorf("listing supply points: %w", err)
	}

	overview, err := client.GetOverviewReadings(ctx)
	if err != nil {
		return fmt.Errorf("fetching reading overview: %w", err)
	}
	lastByMeter := make(map[string]string)
	for _, item := range overview {
		if item.LastReading == nil {
			continue
		}
		when := ""
		if item.LastReadingDate != nil {
			when = fmt.Sprintf(" (%s)", humanize.Time(*item.LastReadingDate))
		}
		lastByMeter[item.MeterNr] = fmt.Sprintf("%.3f m³%s", *item.LastReading, when)
	}

	fmt.Printf("\nSmart meters:\n")
	fmt.Println("--------------------------------------------------------------")
	for _, sp := range points {
		marker := " "
		if sp.MeterNr == cfg.MeterNr {
			marker = "*"
		}
		fmt.Printf("%s %-15s  %s\n", marker, sp.MeterNr, sp.Address)
		if last, ok := lastByMeter[sp.MeterNr]; ok {
			fmt.Printf("    last reading: %s\n", last)
		}
	}
	fmt.Println("--------------------------------------------------------------")
	fmt.Printf("%d smart meter(s); * marks the configured one\n", len(points))

	return nil
}
