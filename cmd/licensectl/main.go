// Command licensectl is the client side of licensing: it identifies the
// machine and checks, activates and releases license keys.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"

	"github.com/Micka420-collab/CRM-SERV-sub000/internal/config"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/infrastructure"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/license"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/licensekey"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/offline"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/security"
	"github.com/Micka420-collab/CRM-SERV-sub000/pkg/contracts"
)

// Exit codes of the check family of commands
const (
	exitDenied       = 2
	exitNotActivated = 3
	exitUnlicensed   = 4
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

var flagKey = &cli.StringFlag{
	Name:     "key",
	Usage:    "License key",
	EnvVars:  []string{"LICENSING_LICENSE_KEY"},
	Required: true,
}

var flagVerbose = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "Log to stderr at debug level",
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		var exit cli.ExitCoder
		if errors.As(err, &exit) {
			if msg := err.Error(); msg != "" {
				fmt.Fprintln(os.Stderr, msg)
			}
			os.Exit(exit.ExitCode())
		}
		slog.Error("licensectl failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "licensectl",
		Usage:          "License client",
		Version:        contracts.Version,
		DefaultCommand: "check",
		Flags:          []cli.Flag{flagConfig, flagEnvFile, flagVerbose},
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			fingerprintCommand(),
			checkCommand(),
			activateCommand(),
			heartbeatCommand(),
			deactivateCommand(),
			watchCommand(),
			verifyKeyCommand(),
		},
	}
}

// env is what every command works with
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	fp     *security.Fingerprinter
}

func newEnv(cCtx *cli.Context) (*env, error) {
	if path := cCtx.String(flagEnvFile.Name); path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	var (
		cfg *config.Config
		err error
	)
	if path := cCtx.String(flagConfig.Name); path != "" {
		cfg, err = config.LoadFrom(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	// stdout carries command output, so logs go to the error writer
	logCfg := config.LoggingConfig{Level: "warn", Format: "text", Output: "stdout"}
	if cCtx.Bool(flagVerbose.Name) {
		logCfg.Level = "debug"
	}
	logging, err := infrastructure.NewLogger(logCfg, cCtx.App.ErrWriter)
	if err != nil {
		return nil, err
	}

	return &env{
		cfg:    cfg,
		logger: logging.Logger,
		fp:     security.NewFingerprinter(filepath.Join(cfg.Client.DataDir, cfg.Client.FingerprintFile), logging.Logger),
	}, nil
}

// codec returns the key codec when a signing secret is configured
func (e *env) codec() (*licensekey.Codec, error) {
	if e.cfg.Signing.Secret == "" {
		return nil, nil
	}
	return licensekey.NewCodec(e.cfg.Signing)
}

func (e *env) orchestrator(ctx context.Context) (*license.Orchestrator, error) {
	hardwareID, err := e.fp.Fingerprint(ctx)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}
	if _, err := e.fp.CheckDrift(ctx); err != nil {
		e.logger.DebugContext(ctx, "drift check skipped", slog.String("error", err.Error()))
	}

	cache, err := offline.NewCache(e.cfg.Client, hardwareID, e.logger)
	if err != nil {
		return nil, err
	}
	metrics, err := license.NewMetrics(otel.Meter(infrastructure.InstrumentationName))
	if err != nil {
		return nil, err
	}

	opts := []license.Option{license.WithMetrics(metrics)}
	if e.cfg.Client.ServerURL != "" {
		opts = append(opts, license.WithClient(license.NewClient(e.cfg.Client,
			license.WithUserAgent(e.cfg.Client.UserAgent))))
	}
	codec, err := e.codec()
	if err != nil {
		return nil, err
	}
	if codec != nil {
		opts = append(opts, license.WithCodec(codec))
	}
	return license.NewOrchestrator(e.cfg.Client, hardwareID, cache, e.logger, opts...), nil
}

// report prints r and turns an unlicensed result into an exit code
func report(cCtx *cli.Context, r license.Result) error {
	fmt.Fprintln(cCtx.App.Writer, r.String())
	switch r.Status {
	case license.StatusActive, license.StatusOfflineTrusted:
		return nil
	case license.StatusDenied:
		return cli.Exit("", exitDenied)
	case license.StatusNotActivated:
		return cli.Exit("", exitNotActivated)
	default:
		return cli.Exit("", exitUnlicensed)
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}
