package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/trailbound/kapp/pkg/api"
	"github.com/trailbound/kapp/pkg/config"
	"github.com/trailbound/kapp/pkg/dkg"
	"github.com/trailbound/kapp/pkg/log"
	"github.com/trailbound/kapp/pkg/metrics"
	"github.com/trailbound/kapp/pkg/service"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	serverAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kapp",
	Short: "KAPP - Knowledge-asset publishing pipeline",
	Long: `KAPP is a durable publishing service for knowledge assets.

Registered content is queued, assigned a blockchain wallet, and
published to the OriginTrail DKG by a pool of workers with retry
accounting, stuck-asset rescue, and a full admin API.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"KAPP version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8080",
		"address of the running KAPP server")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(assetCmd)
	rootCmd.AddCommand(walletCmd)
	rootCmd.AddCommand(queueCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the publishing pipeline and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
			LogDir:     cfg.LogDir,
		})
		metrics.SetVersion(Version)

		svc, err := service.New(cfg, dkg.NewHTTPClient(cfg.DKGEndpoint))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		if err := svc.Start(ctx); err != nil {
			return err
		}

		apiServer := api.NewServer(svc, cfg.ListenAddr)
		errCh := make(chan error, 1)
		go func() {
			errCh <- apiServer.Start()
		}()

		fmt.Printf("KAPP is running on %s. Press Ctrl+C to stop.\n", cfg.ListenAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			if err != nil {
				fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := apiServer.Stop(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "API shutdown error: %v\n", err)
		}
		cancel()
		svc.Stop()

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
}
