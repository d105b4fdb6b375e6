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

// Package server implements C5: it ties one or more Bases to a single
// shared BinaryStar FSM and drives the reactor that answers snapshot
// requests, collects client writes, flushes expired entries, emits
// heartbeats, and runs the active/passive role-transition handlers of
// §4.5. Grounded on the single clonesrv_t driving N bases in
// original_source/levelDbCache/clonesrv.c.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/erigontech/clonecache/base"
	"github.com/erigontech/clonecache/bstar"
	"github.com/erigontech/clonecache/kvmsg"
	"github.com/erigontech/clonecache/memcache"
	"github.com/erigontech/clonecache/transport"
)

// ttlFlushInterval and hugzInterval are TTL_MS/HEARTBEAT_MS from §4.5.
const (
	ttlFlushInterval = time.Second
	hugzInterval     = time.Second
	dialTimeout      = 3 * time.Second
)

// Config describes one clonesrv process: its cluster identity, static
// PRIMARY/BACKUP role, the BinaryStar state-channel pair, and the set
// of Bases it owns (§6 configuration keys).
type Config struct {
	ClusterName string
	ServerType  string
	Initial     bstar.State // StatePrimary or StateBackup, from "primary" config key
	BstarLocal  string
	BstarRemote string
	Bases       []base.Config
}

// Server is C5: N Bases sharing one BinaryStar FSM.
type Server struct {
	cfg    Config
	log    *zap.SugaredLogger
	bstar  *bstar.BStar
	bases  []*base.Base
	active bool // current FSM role, mirrored for the TTL-flush gate

	mu sync.Mutex // serializes handler execution, standing in for §5's single reactor thread
}

// New binds every configured Base and the shared BinaryStar channel.
func New(cfg Config, log *zap.SugaredLogger) (*Server, error) {
	bs, err := bstar.New(cfg.Initial, cfg.BstarLocal, cfg.BstarRemote, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("server: bstar: %w", err)
	}

	bases := make([]*base.Base, 0, len(cfg.Bases))
	for _, bc := range cfg.Bases {
		b, err := base.New(bc)
		if err != nil {
			for _, prev := range bases {
				_ = prev.Close()
			}
			_ = bs.Close()
			return nil, fmt.Errorf("server: base %s: %w", bc.BaseID, err)
		}
		bases = append(bases, b)
	}

	s := &Server{cfg: cfg, log: log, bstar: bs, bases: bases}

	if cfg.Initial == bstar.StatePrimary {
		// §3 Lifecycle: the primary's MemCaches are live from the start
		// (an empty map, or recovered from durable storage below) —
		// only the primary, because the backup's maps stay nil until
		// its first snapshot bootstrap.
		for _, b := range bases {
			for id := range b.Memcaches {
				mc, err := memcache.New(id, memcachePath(b, id))
				if err != nil {
					log.Warnw("durable store open failed, continuing with empty map", "cacheid", id, "err", err)
				}
				b.Memcaches[id] = mc
			}
		}
	}

	bs.FSM.SetHandlers(s.onNewActive, s.onNewPassive)
	return s, nil
}

func memcachePath(b *base.Base, cacheID string) string {
	return b.Config().DatabaseDir + "/" + cacheID
}

// Run starts every background loop (heartbeat timer, peer-state
// tracker, TTL flush, HUGZ emission, and per-Base request dispatch)
// and blocks until ctx is cancelled or a fatal FSM condition (§4.4
// dual-active/dual-passive) is observed.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	fatalCh := make(chan error, 1)
	s.bstar.OnFatal(func(err error) {
		s.log.Errorw("fatal binary-star condition, reactor must stop", "err", err)
		select {
		case fatalCh <- err:
		default:
		}
	})

	g.Go(func() error { s.bstar.RunHeartbeatTimer(ctx); return nil })
	g.Go(func() error { return s.runPeerStateLoop(ctx) })
	g.Go(func() error { return s.runTTLFlush(ctx) })
	g.Go(func() error { return s.runHUGZ(ctx) })
	for _, b := range s.bases {
		b := b
		g.Go(func() error { return s.runSnapshotLoop(ctx, b) })
		g.Go(func() error { return s.runCollectorLoop(ctx, b) })
		g.Go(func() error { return s.runPeerUpdateLoop(ctx, b) })
	}
	g.Go(func() error {
		select {
		case err := <-fatalCh:
			return err
		case <-ctx.Done():
			return nil
		}
	})

	return g.Wait()
}

func (s *Server) runSnapshotLoop(ctx context.Context, b *base.Base) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req, ok := <-b.SnapshotEndpoint.Requests():
			if !ok {
				return nil
			}
			s.mu.Lock()
			s.handleSnapshotRequest(req, b)
			s.mu.Unlock()
		}
	}
}

// runPeerStateLoop drives the BinaryStar FSM from the peer's state
// channel on the Server's own goroutine, the same way runSnapshotLoop
// drives it from a snapshot request: the blocking receive happens
// outside s.mu, but ApplyPeerEvent — and whatever onNewActive/
// onNewPassive transition it may trigger — runs with s.mu held, so it
// can never race the other loops' locked access to b.Memcaches.
func (s *Server) runPeerStateLoop(ctx context.Context) error {
	for {
		pf, err := s.bstar.ReceivePeerFrame(ctx)
		if err != nil {
			return err
		}
		s.mu.Lock()
		err = s.bstar.ApplyPeerEvent(pf)
		s.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

func (s *Server) runCollectorLoop(ctx context.Context, b *base.Base) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req, ok := <-b.CollectorEndpoint.Requests():
			if !ok {
				return nil
			}
			s.mu.Lock()
			s.handleCollector(req, b)
			s.mu.Unlock()
		}
	}
}

func (s *Server) runTTLFlush(ctx context.Context) error {
	t := time.NewTicker(ttlFlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.mu.Lock()
			if s.active {
				for _, b := range s.bases {
					s.flushExpired(b)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Server) runHUGZ(ctx context.Context) error {
	t := time.NewTicker(hugzInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.mu.Lock()
			for _, b := range s.bases {
				s.sendHUGZ(b)
			}
			s.mu.Unlock()
		}
	}
}

func (s *Server) flushExpired(b *base.Base) {
	now := time.Now()
	for _, mc := range b.Memcaches {
		if mc == nil {
			continue
		}
		mc.FlushExpired(now, func(msg *kvmsg.KVMessage) {
			b.PublisherEndpoint.Publish(wireFrames(msg))
		})
	}
}

func (s *Server) sendHUGZ(b *base.Base) {
	for id, mc := range b.Memcaches {
		if mc == nil {
			continue
		}
		hugz := kvmsg.New(mc.Sequence())
		hugz.SetKey("HUGZ")
		hugz.SetProp(kvmsg.PropCacheID, id)
		b.PublisherEndpoint.Publish(wireFrames(hugz))
	}
}

// wireFrames encodes msg into its five-frame wire form for Publish,
// which takes raw frames rather than a kvmsg.FrameSink.
func wireFrames(msg *kvmsg.KVMessage) [][]byte {
	var sink collectFrames
	_ = msg.Send(&sink)
	return sink.frames
}

type collectFrames struct{ frames [][]byte }

func (c *collectFrames) SendMultipart(frames [][]byte) error {
	c.frames = frames
	return nil
}

// requestSink adapts a transport.Request so kvmsg.KVMessage.Send can
// stream a reply back over the connection it arrived on.
type requestSink struct{ req *transport.Request }

func (r *requestSink) SendMultipart(frames [][]byte) error { return r.req.Reply(frames) }

// Close releases the shared BinaryStar channel and every Base, in turn
// closing their MemCaches' durable stores.
func (s *Server) Close() error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	note(s.bstar.Close())
	for _, b := range s.bases {
		note(b.Close())
	}
	return firstErr
}
