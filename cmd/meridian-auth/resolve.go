package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meridian-social/meridian/identity"
	"github.com/meridian-social/meridian/syntax"

	"github.com/urfave/cli/v2"
)

var cmdResolve = &cli.Command{
	Name:      "resolve",
	Usage:     "lookup identity metadata for a handle or DID",
	ArgsUsage: `<handle-or-did>`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "plc-host",
			Usage:   "method, hostname, and port of PLC directory",
			Value:   identity.DefaultPLCURL,
			EnvVars: []string{"MERIDIAN_PLC_HOST"},
		},
		&cli.BoolFlag{
			Name:  "did-only",
			Usage: "print only the resolved DID, not the full identity",
		},
	},
	Action: runResolve,
}

func runResolve(cctx *cli.Context) error {
	ctx := context.Background()
	s := cctx.Args().First()
	if s == "" {
		return fmt.Errorf("need to provide handle or DID as an argument")
	}

	base := identity.BaseDirectory{PLCURL: cctx.String("plc-host")}
	dir := identity.NewCacheDirectory(&base, 100, 0, 0)

	var ident *identity.Identity
	if did, err := syntax.ParseDID(s); err == nil {
		ident, err = dir.LookupDID(ctx, did)
		if err != nil {
			return err
		}
	} else {
		handle, err := syntax.ParseHandle(s)
		if err != nil {
			return fmt.Errorf("not a valid handle or DID: %s", s)
		}
		ident, err = dir.LookupHandle(ctx, handle)
		if err != nil {
			return err
		}
	}

	if cctx.Bool("did-only") {
		fmt.Println(ident.DID)
		return nil
	}

	b, err := json.MarshalIndent(ident, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
