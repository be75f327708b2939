package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	worldmodel "github.com/sensorium/worldmodel"
	"github.com/sensorium/worldmodel/am"
	"github.com/sensorium/worldmodel/logger"
	"github.com/sensorium/worldmodel/version"
)

var rootCmd = &cobra.Command{
	Use:   "worldmodeld",
	Short: "World model store daemon",
	Long: `worldmodeld - versioned world model store with remote synchronization.

The daemon maintains the local entity store, journals writes durably, and
keeps the store synchronized with the remote document backend. Writes made
while the backend is unreachable are queued and replayed on reconnect.

Examples:
  worldmodeld start                        # Start with default config discovery
  worldmodeld start --config ./wm.toml     # Start with an explicit config file
  worldmodeld config                       # Show the effective configuration`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the world model store in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
			cfg.Sync.Workers = workers
		}

		if err := logger.Initialize(cfg.Log.JSON); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer logger.Cleanup()

		model, err := worldmodel.Open(cfg, logger.Logger)
		if err != nil {
			return err
		}

		fmt.Printf("worldmodeld started\n")
		fmt.Printf("  Backend: %s (%s/%s)\n", cfg.Backend.URL, cfg.Backend.ProjectID, cfg.Backend.Collection)
		fmt.Printf("  Journal: %s\n", cfg.Journal.Path)
		fmt.Printf("  Workers: %d\n", cfg.Sync.Workers)
		fmt.Printf("  Shutdown policy: %s\n", cfg.Sync.ShutdownPolicy)
		fmt.Printf("\nPress Ctrl+C to shut down\n\n")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		fmt.Printf("\nShutting down (%s policy)...\n", cfg.Sync.ShutdownPolicy)

		// Leave headroom past the drain timeout so the engine can finish
		// its final batch before we give up on it.
		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Sync.DrainTimeoutSeconds)*time.Second+5*time.Second)
		defer cancel()
		if err := model.Close(ctx); err != nil {
			return err
		}

		fmt.Println("worldmodeld stopped")
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		credPath, credErr := cfg.ResolveCredentials()

		fmt.Printf("backend.url:             %s\n", cfg.Backend.URL)
		fmt.Printf("backend.project_id:      %s\n", cfg.Backend.ProjectID)
		fmt.Printf("backend.collection:      %s\n", cfg.Backend.Collection)
		fmt.Printf("journal.path:            %s\n", cfg.Journal.Path)
		fmt.Printf("sync.workers:            %d\n", cfg.Sync.Workers)
		fmt.Printf("sync.poll_interval:      %ds\n", cfg.Sync.PollIntervalSeconds)
		fmt.Printf("sync.probe_interval:     %ds\n", cfg.Sync.ProbeIntervalSeconds)
		fmt.Printf("sync.backoff:            %dms..%dms\n", cfg.Sync.BackoffBaseMS, cfg.Sync.BackoffMaxMS)
		fmt.Printf("sync.shutdown_policy:    %s\n", cfg.Sync.ShutdownPolicy)
		fmt.Printf("sync.drain_timeout:      %ds\n", cfg.Sync.DrainTimeoutSeconds)
		if credErr != nil {
			fmt.Printf("credentials:             UNRESOLVED (%v)\n", credErr)
		} else {
			fmt.Printf("credentials:             %s\n", credPath)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version and build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()
		fmt.Println(info.String())
		fmt.Printf("  go:       %s\n", info.GoVersion)
		fmt.Printf("  platform: %s\n", info.Platform)
	},
}

func loadConfig(cmd *cobra.Command) (*am.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return am.LoadFromFile(path)
	}
	return am.Load()
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: ./worldmodel.toml, ~/.config/sensorium/)")
	startCmd.Flags().Int("workers", 0, "Override the number of sync workers")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
