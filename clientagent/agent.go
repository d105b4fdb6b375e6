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

// Package clientagent implements C6: the client's background worker
// managing up to two replica ServerRecords, bootstrapping an initial
// snapshot, tracking live updates, and failing over on heartbeat loss
// (§4.6). original_source/levelDbCache/clone.c carries only the public
// C API shape (clone_new/clone_connect/clone_set/...) — its worker
// body was never retrieved — so the state machine below is built
// directly from spec.md §4.6, in the teacher's own goroutine+channel
// idiom (erigon-lib's stage-loop actors) rather than clone.c's zloop.
package clientagent

import (
	"context"
	"net"
	"strconv"

	"go.uber.org/zap"
)

// Config names the cache partitions this agent cares about (mirroring
// the server's per-base "cacheids" config key, §6) and the listener
// callbacks fired as snapshot/update entries arrive.
type Config struct {
	CacheIDs        []string
	OnSnapshotEntry func(cacheID, key, value string)
	OnUpdate        func(cacheID, key, value string)
}

// Agent is the synchronous public surface: clone_connect, clone_subtree,
// clone_set, clone_get (§6 Client API), each implemented as a command
// sent to the background worker with a "ready" acknowledgement — a
// buffered channel standing in for the original's inproc pipe (§5: the
// application and worker are two cooperative actors that communicate
// over a private paired transport).
type Agent struct {
	cmdCh  chan command
	cancel context.CancelFunc
	done   chan struct{}
}

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdSubtree
	cmdSet
	cmdGet
)

type command struct {
	kind commandKind

	host string
	port int

	subtree string

	cacheID, key, value string
	ttlSeconds          int

	reply chan string // GET's value, or closed with "" for ack-only commands
}

// New starts the worker goroutine and returns a ready-to-use Agent.
// Call Close to stop it.
func New(ctx context.Context, cfg Config, log *zap.SugaredLogger) *Agent {
	ctx, cancel := context.WithCancel(ctx)
	w := newWorker(cfg, log)
	a := &Agent{cmdCh: w.cmdCh, cancel: cancel, done: make(chan struct{})}
	go func() {
		w.run(ctx)
		close(a.done)
	}()
	return a
}

func (a *Agent) send(cmd command) string {
	cmd.reply = make(chan string, 1)
	a.cmdCh <- cmd
	return <-cmd.reply
}

// Connect registers a replica at host:port (its Base port — snapshot on
// port, publisher on port+1, collector on port+2, §4.3/§6). At most two
// servers are meaningful per §4.6; additional calls are accepted but
// only the first two participate in failover.
func (a *Agent) Connect(host string, port int) {
	a.send(command{kind: cmdConnect, host: host, port: port})
}

// Subtree restricts future snapshot/update delivery to keys with this
// byte prefix (§4.6, forwarded on the wire per SPEC_FULL.md open
// question #1).
func (a *Agent) Subtree(prefix string) {
	a.send(command{kind: cmdSubtree, subtree: prefix})
}

// Set publishes a SET (or, with an empty value, a DELETE) to every
// known replica's collector port; ttlSeconds of 0 means no expiry
// (§4.6 SET fan-out).
func (a *Agent) Set(cacheID, key, value string, ttlSeconds int) {
	a.send(command{kind: cmdSet, cacheID: cacheID, key: key, value: value, ttlSeconds: ttlSeconds})
}

// Get returns the locally cached value for (cacheID, key), or "" if
// absent — it never blocks on the network (§4.6: reads come from the
// worker's own replicated map).
func (a *Agent) Get(cacheID, key string) string {
	return a.send(command{kind: cmdGet, cacheID: cacheID, key: key})
}

// Close stops the worker and waits for it to exit.
func (a *Agent) Close() error {
	a.cancel()
	<-a.done
	return nil
}

func addr(host string, port int) string { return net.JoinHostPort(host, strconv.Itoa(port)) }
