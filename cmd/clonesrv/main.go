// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Command clonesrv is C5 wired to a process: it loads the §6
// configuration file pair, opens the clonelog sink, builds a
// server.Server, and runs it until an interrupt or a fatal
// dual-active/dual-passive condition is observed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/erigontech/clonecache/base"
	"github.com/erigontech/clonecache/bstar"
	"github.com/erigontech/clonecache/cloneconfig"
	"github.com/erigontech/clonecache/clonelog"
	"github.com/erigontech/clonecache/server"
)

func main() {
	app := &cli.App{
		Name:  "clonesrv",
		Usage: "replicated key/value cache server with Binary Star failover",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "path to the global configuration file (§6)",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug-level logging",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "clonesrv:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	configPath := c.String("config")

	var unknownKeys [][2]string
	cfg, err := cloneconfig.Load(configPath, func(file, key, value string) {
		unknownKeys = append(unknownKeys, [2]string{file, key})
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := clonelog.New(clonelog.Options{Path: cfg.Global.LogPath, Debug: c.Bool("debug")})
	defer log.Sync() //nolint:errcheck

	for _, u := range unknownKeys {
		log.Warnw("unknown configuration key, ignored", "file", u[0], "key", u[1])
	}

	log.Infow("loaded configuration", "cluster", cfg.Global.ClusterName, "primary", cfg.Global.Primary, "bases", cfg.Global.BaseIDs)

	scfg := server.Config{
		ClusterName: cfg.Global.ClusterName,
		ServerType:  cfg.Global.ServerType,
		BstarLocal:  cfg.Global.BstarLocal,
		BstarRemote: cfg.Global.BstarRemote,
	}
	if cfg.Global.Primary {
		scfg.Initial = bstar.StatePrimary
	} else {
		scfg.Initial = bstar.StateBackup
	}

	for _, id := range cfg.Global.BaseIDs {
		bc, ok := cfg.Bases[id]
		if !ok {
			return fmt.Errorf("base %s: no %s.%s config file found", id, configPath, id)
		}
		scfg.Bases = append(scfg.Bases, baseConfig(id, cfg.Global.Primary, bc))
	}

	srv, err := server.New(scfg, log)
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	defer srv.Close() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infow("clonesrv running")
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	log.Infow("clonesrv shutting down")
	return nil
}

// baseConfig picks this process's peer address/port from the two
// candidate pairs the config file carries (one per role, §6): if we
// are the primary, our peer is the configured backup, and vice versa.
func baseConfig(id string, weArePrimary bool, bc cloneconfig.BaseConfig) base.Config {
	peerHost, peerPort := bc.AddressBackup, bc.PortBackup
	if !weArePrimary {
		peerHost, peerPort = bc.AddressPrimary, bc.PortPrimary
	}
	if peerPort == 0 {
		peerPort = bc.Peer
	}
	return base.Config{
		BaseID:      id,
		BindHost:    "0.0.0.0",
		Port:        bc.Port,
		PeerHost:    peerHost,
		PeerPort:    peerPort,
		DatabaseDir: bc.DatabasePath,
		CacheIDs:    bc.CacheIDs,
	}
}
