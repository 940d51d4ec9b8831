package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/meridian-social/meridian/session"
	"github.com/meridian-social/meridian/syntax"

	"github.com/urfave/cli/v2"
)

var cmdLogin = &cli.Command{
	Name:      "login",
	Usage:     "establish a session with password auth",
	ArgsUsage: `<handle-or-did>`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "password",
			Usage:    "app password for the account",
			Required: true,
			EnvVars:  []string{"MERIDIAN_AUTH_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "auth-factor-token",
			Usage:   "second-factor token (emailed code), when required",
			EnvVars: []string{"MERIDIAN_AUTH_FACTOR_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "pds-host",
			Usage:   "method, hostname, and port of PDS instance; skips identity resolution",
			EnvVars: []string{"MERIDIAN_PDS_HOST"},
		},
	},
	Action: runLogin,
}

func runLogin(cctx *cli.Context) error {
	ctx := context.Background()
	username := cctx.Args().First()
	if username == "" {
		return fmt.Errorf("need to provide account handle or DID as an argument")
	}

	mgr := newSessionManager(cctx.String("pds-host"))
	err := mgr.LoginWithPassword(ctx, username, cctx.String("password"), cctx.String("auth-factor-token"))
	if errors.Is(err, session.ErrAuthFactorRequired) {
		return fmt.Errorf("%w (re-run with --auth-factor-token)", err)
	}
	if err != nil {
		return err
	}

	snap := mgr.Store().Snapshot()
	if err := persistAuthSession(snap.Data()); err != nil {
		return err
	}
	fmt.Printf("logged in as %s (%s)\n", username, snap.DID)
	return nil
}

var cmdStatus = &cli.Command{
	Name:   "status",
	Usage:  "show the persisted session, verifying it against the server",
	Action: runStatus,
}

func runStatus(cctx *cli.Context) error {
	ctx := context.Background()

	data, err := loadAuthSession()
	if err != nil {
		return err
	}

	mgr := newSessionManager(data.Service)
	if err := mgr.ResumeSession(ctx, *data); err != nil {
		return fmt.Errorf("persisted session is not usable: %w", err)
	}
	defer mgr.Logout(ctx)

	snap := mgr.Store().Snapshot()
	out := map[string]string{
		"did":     snap.DID.String(),
		"service": snap.Service,
		"status":  "valid",
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

var cmdRefresh = &cli.Command{
	Name:   "refresh",
	Usage:  "rotate the persisted session tokens",
	Action: runRefresh,
}

func runRefresh(cctx *cli.Context) error {
	ctx := context.Background()

	data, err := loadAuthSession()
	if err != nil {
		return err
	}

	mgr := newSessionManager(data.Service)
	if err := mgr.ResumeSession(ctx, *data); err != nil {
		return err
	}
	if err := mgr.RefreshNow(ctx); err != nil {
		return err
	}

	snap := mgr.Store().Snapshot()
	if err := persistAuthSession(snap.Data()); err != nil {
		return err
	}
	fmt.Printf("session refreshed for %s\n", snap.DID)
	return nil
}

var cmdLogout = &cli.Command{
	Name:   "logout",
	Usage:  "end the persisted session",
	Action: runLogout,
}

func runLogout(cctx *cli.Context) error {
	ctx := context.Background()

	data, err := loadAuthSession()
	if errors.Is(err, ErrNoAuthSession) {
		fmt.Println("no session to log out")
		return nil
	}
	if err != nil {
		return err
	}

	mgr := newSessionManager(data.Service)
	if err := mgr.ResumeSession(ctx, *data); err != nil {
		// the session is already dead server-side; still drop the local state
		slog.Warn("session no longer valid; removing local state", "err", err)
		return wipeAuthSession()
	}
	if err := mgr.Logout(ctx); err != nil {
		return err
	}
	if err := wipeAuthSession(); err != nil {
		return err
	}
	fmt.Println("logged out")
	return nil
}

func newSessionManager(service string) *session.Manager {
	return session.NewManager(nil, session.Callbacks{
		OnCredentialsUpdated: func(did syntax.DID, svc string, creds session.AccessCredentials) {
			// keep the on-disk session in step with rotated tokens
			if err := persistAuthSession(creds.Data()); err != nil {
				slog.Error("persisting refreshed session failed", "err", err, "did", did)
			}
		},
	}, session.Config{Service: service})
}
