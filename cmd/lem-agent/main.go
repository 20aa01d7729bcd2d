package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lem-app/lem/internal/config"
	"github.com/lem-app/lem/internal/logging"
	"github.com/lem-app/lem/internal/tunnel"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "lem-agent",
	Short:   "Lem host agent",
	Long:    `The host agent keeps a signaling channel open, accepts tunnel connections from browsers over WebRTC or the relay, and serves them against the local service.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("lem-agent %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAgent() {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "agent",
	})

	envPath := config.LoadEnvFile()
	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "agent",
	})

	watcher, err := config.NewWatcher(envPath)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher")
	} else if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start config watcher")
	}
	defer watcher.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Info().Msg("Received shutdown signal")
		cancel()
	}()

	agent := tunnel.NewAgent(cfg, logger)
	if err := agent.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Agent exited with error")
	}
}
