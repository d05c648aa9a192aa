package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/Micka420-collab/CRM-SERV-sub000/internal/license"
)

func fingerprintCommand() *cli.Command {
	return &cli.Command{
		Name:  "fingerprint",
		Usage: "Print this machine's hardware fingerprint",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "reset", Usage: "Forget the pinned fingerprint and compute it again"},
			&cli.BoolFlag{Name: "check-drift", Usage: "Compare the pinned fingerprint with the current hardware"},
		},
		Action: func(cCtx *cli.Context) error {
			e, err := newEnv(cCtx)
			if err != nil {
				return err
			}
			ctx := cCtx.Context
			if cCtx.Bool("reset") {
				if err := e.fp.Reset(ctx); err != nil {
					return err
				}
			}
			if cCtx.Bool("check-drift") {
				d, err := e.fp.CheckDrift(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cCtx.App.Writer, d.Stored)
				if d.Detected {
					fmt.Fprintf(cCtx.App.Writer, "drift: current hardware computes %s\n", d.Current)
				}
				return nil
			}
			fp, err := e.fp.Fingerprint(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cCtx.App.Writer, fp)
			return nil
		},
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Validate the key, falling back to the offline cache when the server is unreachable",
		Flags: []cli.Flag{flagKey},
		Action: func(cCtx *cli.Context) error {
			e, err := newEnv(cCtx)
			if err != nil {
				return err
			}
			orch, err := e.orchestrator(cCtx.Context)
			if err != nil {
				return err
			}
			return report(cCtx, orch.Check(cCtx.Context, cCtx.String(flagKey.Name)))
		},
	}
}

func activateCommand() *cli.Command {
	return &cli.Command{
		Name:  "activate",
		Usage: "Claim a seat of the license for this machine",
		Flags: []cli.Flag{
			flagKey,
			&cli.StringFlag{Name: "machine-name", Usage: "Label shown in the activation list; defaults to the hostname"},
		},
		Action: func(cCtx *cli.Context) error {
			e, err := newEnv(cCtx)
			if err != nil {
				return err
			}
			orch, err := e.orchestrator(cCtx.Context)
			if err != nil {
				return err
			}
			name := cCtx.String("machine-name")
			if name == "" {
				name = hostname()
			}
			return report(cCtx, orch.Activate(cCtx.Context, cCtx.String(flagKey.Name), name))
		},
	}
}

func heartbeatCommand() *cli.Command {
	return &cli.Command{
		Name:  "heartbeat",
		Usage: "Send one liveness report",
		Flags: []cli.Flag{flagKey},
		Action: func(cCtx *cli.Context) error {
			e, err := newEnv(cCtx)
			if err != nil {
				return err
			}
			orch, err := e.orchestrator(cCtx.Context)
			if err != nil {
				return err
			}
			return report(cCtx, orch.Heartbeat(cCtx.Context, cCtx.String(flagKey.Name)))
		},
	}
}

func deactivateCommand() *cli.Command {
	return &cli.Command{
		Name:  "deactivate",
		Usage: "Release this machine's seat and clear the offline cache",
		Flags: []cli.Flag{flagKey},
		Action: func(cCtx *cli.Context) error {
			e, err := newEnv(cCtx)
			if err != nil {
				return err
			}
			orch, err := e.orchestrator(cCtx.Context)
			if err != nil {
				return err
			}
			remaining, err := orch.Deactivate(cCtx.Context, cCtx.String(flagKey.Name))
			if err != nil {
				return err
			}
			fmt.Fprintf(cCtx.App.Writer, "deactivated, %d seat(s) still in use\n", remaining)
			return nil
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Send heartbeats until interrupted or the license is denied",
		Flags: []cli.Flag{flagKey},
		Action: func(cCtx *cli.Context) error {
			e, err := newEnv(cCtx)
			if err != nil {
				return err
			}
			orch, err := e.orchestrator(cCtx.Context)
			if err != nil {
				return err
			}
			var last license.Result
			err = orch.Watch(cCtx.Context, cCtx.String(flagKey.Name), func(r license.Result) {
				last = r
				fmt.Fprintln(cCtx.App.Writer, r.String())
			})
			if cCtx.Context.Err() != nil {
				return nil
			}
			if err != nil && last.Status != "" {
				return report(cCtx, last)
			}
			return err
		},
	}
}

// verifyKeyCommand checks a self-signed key offline without touching the cache
func verifyKeyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify-key",
		Usage: "Verify a self-signed key against this machine",
		Flags: []cli.Flag{flagKey},
		Action: func(cCtx *cli.Context) error {
			e, err := newEnv(cCtx)
			if err != nil {
				return err
			}
			codec, err := e.codec()
			if err != nil {
				return err
			}
			if codec == nil {
				return fmt.Errorf("signing.secret is not configured")
			}
			key := strings.TrimSpace(cCtx.String(flagKey.Name))
			hardwareID, err := e.fp.Fingerprint(cCtx.Context)
			if err != nil {
				return err
			}
			grant, err := license.NewSignedKeySource(codec, key, nil).Validate(cCtx.Context, hardwareID)
			if err != nil {
				if d, ok := license.AsDenial(err); ok {
					fmt.Fprintln(cCtx.App.Writer, d.Error())
					return cli.Exit("", exitDenied)
				}
				return err
			}
			return report(cCtx, license.Result{Status: license.StatusActive, Source: grant.Source, Grant: grant})
		},
	}
}
