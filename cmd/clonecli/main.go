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

// Command clonecli is a thin shell over C6's clientagent.Agent: connect
// to one or two replicas, then get or set a single key and exit. It
// carries no durable config of its own — every replica is named on the
// command line, matching clone_connect's public API shape (§6 Client
// API).
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/erigontech/clonecache/clientagent"
	"github.com/erigontech/clonecache/clonelog"
)

func main() {
	app := &cli.App{
		Name:  "clonecli",
		Usage: "query or update a clonesrv replicated cache",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:     "server",
				Aliases:  []string{"s"},
				Usage:    "host:port of a replica's Base (repeat for primary+backup, §4.6)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "cache",
				Aliases:  []string{"id"},
				Usage:    "cache id to operate on",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "subtree",
				Usage: "restrict snapshot/update delivery to this key prefix",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "how long get waits for bootstrap before reading the key",
				Value: 5 * time.Second,
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "print the current value of a key",
				ArgsUsage: "<key>",
				Action:    runGet,
			},
			{
				Name:      "set",
				Usage:     "write a key (empty value deletes it)",
				ArgsUsage: "<key> [value]",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "ttl", Usage: "expiry in seconds from now, 0 = no expiry"},
				},
				Action: runSet,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "clonecli:", err)
		os.Exit(1)
	}
}

func connectAgent(c *cli.Context) (*clientagent.Agent, error) {
	log := clonelog.New(clonelog.Options{})
	cacheID := c.String("cache")
	agent := clientagent.New(context.Background(), clientagent.Config{CacheIDs: []string{cacheID}}, log)
	if subtree := c.String("subtree"); subtree != "" {
		agent.Subtree(subtree)
	}
	for _, s := range c.StringSlice("server") {
		host, portStr, err := splitHostPort(s)
		if err != nil {
			agent.Close() //nolint:errcheck
			return nil, err
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			agent.Close() //nolint:errcheck
			return nil, fmt.Errorf("server %q: invalid port: %w", s, err)
		}
		agent.Connect(host, port)
	}
	return agent, nil
}

func splitHostPort(s string) (host, port string, err error) {
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("server %q: expected host:port", s)
	}
	return s[:idx], s[idx+1:], nil
}

func runGet(c *cli.Context) error {
	if c.Args().Len() < 1 {
		return fmt.Errorf("usage: clonecli get --server ... --cache ... <key>")
	}
	key := c.Args().First()

	agent, err := connectAgent(c)
	if err != nil {
		return err
	}
	defer agent.Close() //nolint:errcheck

	time.Sleep(c.Duration("timeout"))
	fmt.Println(agent.Get(c.String("cache"), key))
	return nil
}

func runSet(c *cli.Context) error {
	if c.Args().Len() < 1 {
		return fmt.Errorf("usage: clonecli set --server ... --cache ... <key> [value]")
	}
	key := c.Args().First()
	value := ""
	if c.Args().Len() > 1 {
		value = c.Args().Get(1)
	}

	agent, err := connectAgent(c)
	if err != nil {
		return err
	}
	defer agent.Close() //nolint:errcheck

	time.Sleep(200 * time.Millisecond) // pause after CONNECT, which only records the replicas; the SET dials each collector itself
	agent.Set(c.String("cache"), key, value, c.Int("ttl"))
	time.Sleep(200 * time.Millisecond)
	return nil
}
