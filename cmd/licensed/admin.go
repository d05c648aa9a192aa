package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/Micka420-collab/CRM-SERV-sub000/internal/app"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/config"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/entitlement"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/licensekey"
)

var errMemoryStore = errors.New("administrative commands need a persistent store: set store.driver to postgres or mongo")

var flagKey = &cli.StringFlag{
	Name:     "key",
	Required: true,
	Usage:    "License key",
}

var flagExpires = &cli.StringFlag{
	Name:  "expires",
	Usage: "Expiry as YYYY-MM-DD or RFC 3339; empty means perpetual",
}

// withService opens the configured store for the duration of fn
func withService(cCtx *cli.Context, fn func(ctx context.Context, svc *entitlement.Service) error) error {
	cfg, logging, err := setup(cCtx)
	if err != nil {
		return err
	}
	defer logging.Close()

	if cfg.Store.Driver == config.DriverMemory {
		return errMemoryStore
	}
	ctx := cCtx.Context
	store, err := app.OpenStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	return fn(ctx, entitlement.NewService(store, cfg.Entitlement, logging.Logger))
}

func issueCommand() *cli.Command {
	return &cli.Command{
		Name:  "issue",
		Usage: "Issue a server-managed license",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true, Usage: "Owning user ID"},
			&cli.StringFlag{Name: "plan", Required: true, Usage: "Plan name"},
			&cli.StringSliceFlag{Name: "feature", Usage: "Feature flag, repeatable"},
			&cli.IntFlag{Name: "seats", Usage: "Maximum concurrent activations; 0 uses the configured default"},
			&cli.StringFlag{Name: "key", Usage: "Explicit key; generated when empty"},
			flagExpires,
		},
		Action: func(cCtx *cli.Context) error {
			expiresAt, err := parseExpiry(cCtx.String(flagExpires.Name))
			if err != nil {
				return err
			}
			return withService(cCtx, func(ctx context.Context, svc *entitlement.Service) error {
				lic, err := svc.IssueLicense(ctx, entitlement.IssueParams{
					Key:            cCtx.String("key"),
					UserID:         cCtx.String("user"),
					Plan:           cCtx.String("plan"),
					Features:       cCtx.StringSlice("feature"),
					MaxActivations: cCtx.Int("seats"),
					ExpiresAt:      expiresAt,
				})
				if err != nil {
					return err
				}
				return printJSON(cCtx.App.Writer, lic.View())
			})
		},
	}
}

func showCommand() *cli.Command {
	return &cli.Command{
		Name:  "show",
		Usage: "Show a license",
		Flags: []cli.Flag{flagKey},
		Action: func(cCtx *cli.Context) error {
			return withService(cCtx, func(ctx context.Context, svc *entitlement.Service) error {
				lic, err := svc.GetLicense(ctx, cCtx.String(flagKey.Name))
				if err != nil {
					return err
				}
				return printJSON(cCtx.App.Writer, lic.View())
			})
		},
	}
}

func activationsCommand() *cli.Command {
	return &cli.Command{
		Name:  "activations",
		Usage: "List the activations of a license",
		Flags: []cli.Flag{flagKey},
		Action: func(cCtx *cli.Context) error {
			return withService(cCtx, func(ctx context.Context, svc *entitlement.Service) error {
				rows, err := svc.ListActivations(ctx, cCtx.String(flagKey.Name))
				if err != nil {
					return err
				}
				views := make([]any, 0, len(rows))
				for _, a := range rows {
					views = append(views, a.View())
				}
				return printJSON(cCtx.App.Writer, views)
			})
		},
	}
}

// statusCommand builds revoke, suspend and reinstate
func statusCommand(name, usage string) *cli.Command {
	flags := []cli.Flag{flagKey}
	if name != "reinstate" {
		flags = append(flags, &cli.StringFlag{Name: "reason", Usage: "Recorded with the transition"})
	}
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: flags,
		Action: func(cCtx *cli.Context) error {
			return withService(cCtx, func(ctx context.Context, svc *entitlement.Service) error {
				key := cCtx.String(flagKey.Name)
				var (
					lic *entitlement.License
					err error
				)
				switch name {
				case "revoke":
					lic, err = svc.Revoke(ctx, key, cCtx.String("reason"))
				case "suspend":
					lic, err = svc.Suspend(ctx, key, cCtx.String("reason"))
				default:
					lic, err = svc.Reinstate(ctx, key)
				}
				if err != nil {
					return err
				}
				return printJSON(cCtx.App.Writer, lic.View())
			})
		},
	}
}

func renewCommand() *cli.Command {
	return &cli.Command{
		Name:  "renew",
		Usage: "Set a new expiry and reactivate an expired license",
		Flags: []cli.Flag{flagKey, flagExpires},
		Action: func(cCtx *cli.Context) error {
			expiresAt, err := parseExpiry(cCtx.String(flagExpires.Name))
			if err != nil {
				return err
			}
			return withService(cCtx, func(ctx context.Context, svc *entitlement.Service) error {
				lic, err := svc.Renew(ctx, cCtx.String(flagKey.Name), expiresAt)
				if err != nil {
					return err
				}
				return printJSON(cCtx.App.Writer, lic.View())
			})
		},
	}
}

func releaseCommand() *cli.Command {
	return &cli.Command{
		Name:  "release",
		Usage: "Free the seat held by a machine",
		Flags: []cli.Flag{
			flagKey,
			&cli.StringFlag{Name: "hardware-id", Required: true, Usage: "Machine fingerprint"},
		},
		Action: func(cCtx *cli.Context) error {
			return withService(cCtx, func(ctx context.Context, svc *entitlement.Service) error {
				remaining, err := svc.Deactivate(ctx, cCtx.String(flagKey.Name), cCtx.String("hardware-id"))
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cCtx.App.Writer, "released, %d seat(s) still in use\n", remaining)
				return err
			})
		},
	}
}

// keygenCommand mints a self-signed key offline with the configured signing secret
func keygenCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "Mint a self-signed license key",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "tier", Required: true, Usage: "Tier code, e.g. PRO"},
			&cli.StringFlag{Name: "fingerprint", Usage: "Bind the key to this machine; empty means any machine"},
			&cli.StringFlag{Name: "id", Usage: "License ID; generated when empty"},
			flagExpires,
		},
		Action: func(cCtx *cli.Context) error {
			cfg, err := loadConfig(cCtx)
			if err != nil {
				return err
			}
			if cfg.Signing.Secret == "" {
				return errors.New("signing.secret is not configured")
			}
			codec, err := licensekey.NewCodec(cfg.Signing)
			if err != nil {
				return err
			}
			expiresAt, err := parseExpiry(cCtx.String(flagExpires.Name))
			if err != nil {
				return err
			}
			key, err := codec.Generate(licensekey.Options{
				LicenseID:   strings.ToUpper(cCtx.String("id")),
				Tier:        strings.ToUpper(cCtx.String("tier")),
				Fingerprint: cCtx.String("fingerprint"),
				ExpiresAt:   expiresAt,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cCtx.App.Writer, key)
			return err
		},
	}
}

// parseExpiry accepts a date or an RFC 3339 timestamp. A bare date is
// midnight UTC.
func parseExpiry(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid expiry %q: want YYYY-MM-DD or RFC 3339", s)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
