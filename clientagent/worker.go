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

package clientagent

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/erigontech/clonecache/kvmsg"
	"github.com/erigontech/clonecache/transport"
)

// serverTTL is SERVER_TTL from §5: no bytes within this window means
// the current server is presumed dead and we fail over.
const serverTTL = 5 * time.Second

// maxSnapshotRequests bounds snapshot attempts against one server within
// one INITIAL/SYNCING episode; once they are used up, stepInitial fails
// over to the next replica (§4.6).
const maxSnapshotRequests = 2

type state int

const (
	stateInitial state = iota
	stateSyncing
	stateActive
)

// serverRecord is the client-side ServerRecord of §3.
type serverRecord struct {
	host                 string
	port                 int
	snapshotRequestsSent int
	expiry               time.Time
}

func (r *serverRecord) snapshotAddr() string   { return addr(r.host, r.port) }
func (r *serverRecord) subscriberAddr() string { return addr(r.host, r.port+1) }
func (r *serverRecord) collectorAddr() string  { return addr(r.host, r.port+2) }

// clientCache is the worker's local mirror of one server-side MemCache
// partition. A nil kv map means "not yet bootstrapped" (§4.6).
type clientCache struct {
	kv       map[string]*kvmsg.KVMessage
	sequence uint64
}

type worker struct {
	log    *zap.SugaredLogger
	cmdCh  chan command
	cfg    Config

	state   state
	subtree string

	servers []*serverRecord
	current int

	caches map[string]*clientCache

	subscriber *transport.Subscriber
	collectors map[string]*transport.Dealer // addr -> dealer, lazily dialed for SET fan-out
}

func newWorker(cfg Config, log *zap.SugaredLogger) *worker {
	caches := make(map[string]*clientCache, len(cfg.CacheIDs))
	for _, id := range cfg.CacheIDs {
		caches[id] = nil
	}
	return &worker{
		log:        log,
		cmdCh:      make(chan command, 16),
		cfg:        cfg,
		caches:     caches,
		collectors: map[string]*transport.Dealer{},
	}
}

func (w *worker) run(ctx context.Context) {
	defer w.closeSubscriber()
	defer w.closeCollectors()

	for {
		if ctx.Err() != nil {
			return
		}
		switch w.state {
		case stateInitial:
			if !w.stepInitial(ctx) {
				return
			}
		case stateSyncing:
			if !w.stepSyncing(ctx) {
				return
			}
		case stateActive:
			if !w.stepActive(ctx) {
				return
			}
		}
	}
}

// drainCommands processes every command currently queued without
// blocking, used between network steps so SET/GET/CONNECT are never
// starved by a busy bootstrap or tracking loop.
func (w *worker) drainCommands(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case cmd := <-w.cmdCh:
			w.handleCommand(cmd)
		default:
			return true
		}
	}
}

// stepInitial waits for at least one registered server and a cache
// still needing bootstrap, then starts SYNCING — standing in for "on
// first poll event from the current server while state=INITIAL" (§4.6),
// since our transport has no persistent INITIAL-phase socket to poll.
func (w *worker) stepInitial(ctx context.Context) bool {
	if len(w.servers) > 0 && w.needsBootstrap() {
		cur := w.servers[w.current]
		if cur.snapshotRequestsSent < maxSnapshotRequests {
			w.state = stateSyncing
			return true
		}
		w.failover()
	}
	select {
	case <-ctx.Done():
		return false
	case cmd := <-w.cmdCh:
		w.handleCommand(cmd)
		return true
	case <-time.After(100 * time.Millisecond):
		return true
	}
}

func (w *worker) needsBootstrap() bool {
	for _, c := range w.caches {
		if c == nil {
			return true
		}
	}
	return false
}

// stepSyncing performs one bootstrap attempt against the current
// server (§4.6 Bootstrap/Snapshot consumption). A failure here does not
// immediately fail over — the caller retries on the next loop, bounded
// by maxSnapshotRequests, after which stepInitial fails over to the
// next replica.
func (w *worker) stepSyncing(ctx context.Context) bool {
	if !w.drainCommands(ctx) {
		return false
	}
	if len(w.servers) == 0 {
		w.state = stateInitial
		return true
	}
	cur := w.servers[w.current]
	cur.snapshotRequestsSent++

	if err := w.bootstrap(cur); err != nil {
		w.log.Warnw("snapshot bootstrap failed", "server", cur.host, "err", err)
		if cur.snapshotRequestsSent >= maxSnapshotRequests {
			w.state = stateInitial
		}
		return true
	}

	if err := w.openSubscriber(cur); err != nil {
		w.log.Warnw("subscribe to active server failed", "server", cur.host, "err", err)
		w.state = stateInitial
		return true
	}
	cur.expiry = time.Now().Add(serverTTL)
	w.state = stateActive
	return true
}

// bootstrap dials the server's snapshot endpoint, issues GETSNAPSHOT
// (with the configured subtree as a second frame, per SPEC_FULL.md open
// question #1) and consumes BEGINMEMCACHE .. ENDSNAPSHOT.
func (w *worker) bootstrap(rec *serverRecord) error {
	dealer, err := transport.Dial(rec.snapshotAddr(), serverTTL)
	if err != nil {
		return err
	}
	defer dealer.Close()

	frames := [][]byte{[]byte("GETSNAPSHOT")}
	if w.subtree != "" {
		frames = append(frames, []byte(w.subtree))
	}
	if err := dealer.SendMultipart(frames); err != nil {
		return err
	}
	_ = dealer.SetDeadline(time.Now().Add(serverTTL))

	var curID string
	for {
		msg, err := kvmsg.Recv(dealer)
		if err != nil {
			return err
		}
		switch msg.Key() {
		case "BEGINMEMCACHE":
			id := msg.GetProp(kvmsg.PropCacheID)
			if w.caches[id] == nil {
				w.caches[id] = &clientCache{kv: map[string]*kvmsg.KVMessage{}}
			} else {
				w.caches[id].kv = map[string]*kvmsg.KVMessage{}
			}
			w.caches[id].sequence = msg.Sequence()
			curID = id
		case "ENDSNAPSHOT":
			if curID != "" {
				w.caches[curID].sequence = msg.Sequence()
			}
			return nil
		default:
			if curID == "" || w.caches[curID] == nil {
				continue
			}
			w.caches[curID].kv[msg.Key()] = msg
			if w.cfg.OnSnapshotEntry != nil {
				w.cfg.OnSnapshotEntry(curID, msg.Key(), string(msg.Body()))
			}
		}
	}
}

func (w *worker) openSubscriber(rec *serverRecord) error {
	sub, err := transport.DialSub(rec.subscriberAddr(), serverTTL)
	if err != nil {
		return err
	}
	w.closeSubscriber()
	w.subscriber = sub
	return nil
}

// stepActive tracks live updates from the current server, refreshing
// its expiry on every inbound frame and failing over on timeout (§4.6
// Live tracking / Failover).
func (w *worker) stepActive(ctx context.Context) bool {
	if !w.drainCommands(ctx) {
		return false
	}
	cur := w.servers[w.current]

	_ = w.subscriber.SetDeadline(time.Now().Add(200 * time.Millisecond))
	frames, err := w.subscriber.RecvMultipart()
	if err != nil {
		if time.Now().After(cur.expiry) {
			w.failover()
		}
		return true
	}
	msg, err := kvmsg.DecodeFrames(frames)
	if err != nil {
		return true
	}
	cur.expiry = time.Now().Add(serverTTL)

	if msg.Key() == "HUGZ" {
		return true
	}
	if w.subtree != "" && !strings.HasPrefix(msg.Key(), w.subtree) {
		return true
	}
	id := msg.GetProp(kvmsg.PropCacheID)
	c := w.caches[id]
	if c == nil {
		return true
	}
	if msg.Sequence() > c.sequence {
		c.sequence = msg.Sequence()
		if msg.IsDelete() {
			delete(c.kv, msg.Key())
		} else {
			c.kv[msg.Key()] = msg
		}
		if w.cfg.OnUpdate != nil {
			w.cfg.OnUpdate(id, msg.Key(), string(msg.Body()))
		}
	} else {
		w.log.Debugw("dropping out-of-sequence update", "cacheid", id, "key", msg.Key())
	}
	return true
}

// failover advances to the next replica, wipes every cache's map to
// nil, and returns to INITIAL so the next loop re-bootstraps (§4.6).
func (w *worker) failover() {
	w.log.Warnw("server presumed dead, failing over", "server", w.servers[w.current].host)
	w.closeSubscriber()
	w.current = (w.current + 1) % min(len(w.servers), 2)
	for id := range w.caches {
		w.caches[id] = nil
	}
	w.servers[w.current].snapshotRequestsSent = 0
	w.state = stateInitial
}

func (w *worker) closeSubscriber() {
	if w.subscriber != nil {
		_ = w.subscriber.Close()
		w.subscriber = nil
	}
}

func (w *worker) closeCollectors() {
	for _, d := range w.collectors {
		_ = d.Close()
	}
	w.collectors = map[string]*transport.Dealer{}
}

func (w *worker) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdConnect:
		w.servers = append(w.servers, &serverRecord{host: cmd.host, port: cmd.port})
		close(cmd.reply)
	case cmdSubtree:
		w.subtree = cmd.subtree
		close(cmd.reply)
	case cmdSet:
		w.handleSet(cmd)
		close(cmd.reply)
	case cmdGet:
		cmd.reply <- w.handleGet(cmd)
	}
}

// handleSet publishes one KVMessage to every known replica's collector
// endpoint (§4.6 SET fan-out). The active server accepts it immediately;
// passive servers buffer it in their pending queue.
func (w *worker) handleSet(cmd command) {
	msg := kvmsg.New(0)
	msg.SetKey(cmd.key)
	msg.NewUUID()
	msg.SetProp(kvmsg.PropCacheID, cmd.cacheID)
	if cmd.ttlSeconds > 0 {
		msg.SetProp(kvmsg.PropTTL, strconv.Itoa(cmd.ttlSeconds))
	}
	if cmd.value != "" {
		msg.SetBody([]byte(cmd.value))
	}

	for _, rec := range w.servers {
		collectorAddr := rec.collectorAddr()
		d, ok := w.collectors[collectorAddr]
		if !ok {
			var err error
			d, err = transport.Dial(collectorAddr, time.Second)
			if err != nil {
				w.log.Warnw("set: dial collector failed", "addr", collectorAddr, "err", err)
				continue
			}
			w.collectors[collectorAddr] = d
		}
		if err := msg.Send(d); err != nil {
			w.log.Warnw("set: send to collector failed", "addr", collectorAddr, "err", err)
			_ = d.Close()
			delete(w.collectors, collectorAddr)
		}
	}
}

func (w *worker) handleGet(cmd command) string {
	c := w.caches[cmd.cacheID]
	if c == nil {
		return ""
	}
	msg, ok := c.kv[cmd.key]
	if !ok {
		return ""
	}
	return string(msg.Body())
}

