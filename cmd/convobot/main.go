package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GitFitCode/discord-convo-bot/pkg/convobot"
	"github.com/GitFitCode/discord-convo-bot/pkg/logging"
	"github.com/GitFitCode/discord-convo-bot/pkg/runner"
)

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "convobot",
		Short:         "Relay Discord voice channels to a realtime speech model",
		Version:       runner.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "convobot.yaml", "path to the YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the config file, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := convobot.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if _, err := convobot.DefaultProviders().BuildRealtime(cfg.Realtime.Provider, cfg, convobot.SessionInfo{}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: realtime=%s floor=%s\n", cfg.Realtime.Provider, cfg.Capture.FloorPolicy())
			return nil
		},
	})
	return root
}

func run(ctx context.Context, configPath string) error {
	cfg, err := convobot.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := logging.InitLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	engine, err := convobot.NewEngine(convobot.EngineOptions{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := engine.Run(ctx); err != nil {
		logger.Error("engine_stopped_with_error", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "convobot:", err)
		os.Exit(1)
	}
}
