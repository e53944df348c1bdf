package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tkarro/veemeeter/internal/api"
	"github.com/tkarro/veemeeter/pkg/models"
)

var (
	setupAPIKey string
	setupMeter  string
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Validate an API key and bind the collector to a smart meter",
	Long: `Validates the API key against the Tallinna Vesi self-service API, discovers
the account's smart water meters, and saves the selection to the config file.

Setup fails before anything is written when the key is rejected or when the
account has no smart meter. If the account exposes several smart meters, pick
one with --meter.

Create an API key in the Tallinna Vesi self-service portal under
Settings -> API access.`,
	RunE: runSetup,
}

func init() {
	setupCmd.Flags().StringVar(&setupAPIKey, "api-key", "", "API key from the self-service portal (required)")
	setupCmd.Flags().StringVar(&setupMeter, "meter", "", "meter number to bind to (required only with multiple smart meters)")
	setupCmd.MarkFlagRequired("api-key")
	rootCmd.AddCommand(setupCmd)
}

func runSetup(cmd *cobra.Command, args []string) error {
	apiKey := strings.TrimSpace(setupAPIKey)
	if apiKey == "" {
		return fmt.Errorf("--api-key must not be empty")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
	defer cancel()

	client := api.New(apiKey)

	fmt.Println("Validating API key and discovering smart meters...")
	points, err := client.SmartSupplyPoints(ctx)
	switch {
	case errors.Is(err, api.ErrNoSmartMeter):
		return fmt.Errorf("this account has no smart water meter; only smart meters can be polled automatically")
	case api.IsAuthError(err):
		return fmt.Errorf("the API key was rejected; generate a new one in the self-service portal and try again")
	case err != nil:
		return fmt.Errorf("could not reach the Tallinna Vesi API: %w", err)
	}

	selected, err := selectSupplyPoint(points, setupMeter)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cfg.APIKey = apiKey
	cfg.MeterNr = selected.MeterNr
	cfg.SupplyPointID = selected.SupplyPointID
	cfg.Address = selected.Address

	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Printf("✓ Bound to %s\n", selected.DisplayName())
	fmt.Printf("✓ Configuration saved to %s\n", getConfigPath())
	fmt.Println("\nNext steps: configure mqtt/home_assistant in the config file, then run 'veemeeter run'")
	return nil
}

// selectSupplyPoint resolves which discovered supply point to bind to. A
// single smart meter is selected automatically; multiple meters require an
// explicit --meter choice.
func selectSupplyPoint(points []models.SupplyPoint, meterNr string) (models.SupplyPoint, error) {
	if meterNr != "" {
		for _, sp := range points {
			if sp.MeterNr == meterNr {
				return sp, nil
			}
		}
		return models.SupplyPoint{}, fmt.Errorf("meter %s is not a smart meter on this account (run 'veemeeter meters' to list them)", meterNr)
	}

	if len(points) == 1 {
		return points[0], nil
	}

	var names []string
	for _, sp := range points {
		names = append(names, "  "+sp.DisplayName())
	}
	return models.SupplyPoint{}, fmt.Errorf("account has %d smart meters, pick one with --meter:\n%s",
		len(points), strings.Join(names, "\n"))
}
