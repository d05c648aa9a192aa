// Command licensed runs the entitlement service and offers administrative
// commands that work directly against the configured store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/Micka420-collab/CRM-SERV-sub000/internal/app"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/config"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/infrastructure"
	"github.com/Micka420-collab/CRM-SERV-sub000/pkg/contracts"
)

var flagConfig = &cli.StringFlag{
	Name:    "config",
	Usage:   "Path to a YAML config file",
	EnvVars: []string{config.ConfigFileEnv},
}

var flagEnvFile = &cli.StringFlag{
	Name:  "env-file",
	Value: ".env",
	Usage: "Dotenv file loaded before the environment is read; ignored when missing",
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		slog.Error("licensed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "licensed",
		Usage:          "License entitlement service",
		Version:        contracts.Version,
		DefaultCommand: "serve",
		Flags:          []cli.Flag{flagConfig, flagEnvFile},
		Commands: []*cli.Command{
			serveCommand(),
			issueCommand(),
			showCommand(),
			activationsCommand(),
			statusCommand("revoke", "Revoke a license permanently"),
			statusCommand("suspend", "Suspend a license"),
			statusCommand("reinstate", "Lift a suspension"),
			renewCommand(),
			releaseCommand(),
			keygenCommand(),
		},
	}
}

// loadConfig reads the dotenv file, the YAML file and the environment
func loadConfig(cCtx *cli.Context) (*config.Config, error) {
	if path := cCtx.String(flagEnvFile.Name); path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	if path := cCtx.String(flagConfig.Name); path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}

// setup loads the configuration and installs the process logger
func setup(cCtx *cli.Context) (*config.Config, *infrastructure.Logging, error) {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return nil, nil, err
	}
	logging, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP entitlement service",
		Action: func(cCtx *cli.Context) error {
			cfg, logging, err := setup(cCtx)
			if err != nil {
				return err
			}
			defer logging.Close()

			application, err := app.New(cCtx.Context, cfg, app.WithLogger(logging.Logger))
			if err != nil {
				return fmt.Errorf("initialize application: %w", err)
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				if err := application.Close(closeCtx); err != nil {
					logging.Logger.Error("close failed", slog.String("error", err.Error()))
				}
			}()

			return application.Run(cCtx.Context)
		},
	}
}
