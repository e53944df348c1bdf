package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tkarro/veemeeter/internal/api"
	"github.com/tkarro/veemeeter/internal/coordinator"
	"github.com/tkarro/veemeeter/internal/publisher"
)

var runInterval time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the meter on an interval and publish to Home Assistant",
	Long: `Runs the collector as a daemon: an immediate poll cycle, then one per
interval (hourly by default, matching the cadence of the meter data). Each
successful cycle is archived and published. The daemon exits when the API key
is rejected, since retrying with a known-bad key would never succeed.`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().DurationVar(&runInterval, "interval", 0, "poll interval override, e.g. 5m (default from config, 1h)")
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
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

	var pub *publisher.Publisher
	if cfg.MQTT.Enabled || cfg.HomeAssistant.Enabled {
		deviceID := cfg.SupplyPointID
		if deviceID == "" {
			deviceID = cfg.MeterNr
		}
		deviceName := cfg.Address

		pub, err = publisher.New(cfg.MQTT, cfg.HomeAssistant, deviceID, deviceName, logger)
		if err != nil {
			return fmt.Errorf("creating publisher: %w", err)
		}
		defer pub.Close()

		if err := pub.PublishDiscovery(); err != nil {
			return fmt.Errorf("publishing discovery configs: %w", err)
		}
	} else {
		logger.Warn("no publishing target enabled; polling and archiving only")
	}

	interval := cfg.GetPollInterval()
	if runInterval > 0 {
		interval = runInterval
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("collector started",
		zap.String("meter_nr", cfg.MeterNr),
		zap.Duration("interval", interval))

	cycle := func() error {
		cycleCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()

		snap, err := coord.Refresh(cycleCtx)
		if err != nil {
			if errors.Is(err, coordinator.ErrReauthRequired) {
				return err
			}
			// Transient failure: previous values stay published, the
			// next tick retries
			return nil
		}

		if err := db.InsertReadings(cfg.MeterNr, coord.Retained()); err != nil {
			logger.Error("archiving readings failed", zap.Error(err))
		}
		if pub != nil {
			if err := pub.PublishSnapshot(snap); err != nil {
				logger.Error("publishing snapshot failed", zap.Error(err))
			}
		}
		return nil
	}

	if err := cycle(); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
			if err := cycle(); err != nil {
				return err
			}
		}
	}
}
