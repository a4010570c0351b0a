package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/dukerupert/keygate/internal/config"
	"github.com/dukerupert/keygate/internal/logging"
)

func main() {
	if err := newRootCommand().Run(context.Background(), os.Args); err != nil {
		slog.Error("keygate", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygate",
		Usage: "License issuance, activation and update distribution service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "keygate.yaml",
				Usage:   "YAML config file (ignored when missing)",
				Sources: cli.EnvVars("KEYGATE_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			sweepCommand(),
			productCommand(),
			licenseCommand(),
			adminCommand(),
			backupCommand(),
			checkCommand(),
		},
	}
}

func loadConfig(cmd *cli.Command) (config.Config, *slog.Logger, error) {
	cfg, err := config.LoadOptional(cmd.String("config"))
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)
	return cfg, logger, nil
}

// withApp loads configuration, builds the services, runs fn and tears
// everything down.
func withApp(ctx context.Context, cmd *cli.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close", "error", err)
		}
	}()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
