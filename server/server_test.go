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

package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/erigontech/clonecache/base"
	"github.com/erigontech/clonecache/bstar"
	"github.com/erigontech/clonecache/kvmsg"
	"github.com/erigontech/clonecache/memcache"
	"github.com/erigontech/clonecache/transport"
)

func newTestServer(t *testing.T, initial bstar.State) (*Server, *base.Base) {
	t.Helper()
	return newTestServerWithCaches(t, initial, []string{"c0"})
}

func newTestServerWithCaches(t *testing.T, initial bstar.State, cacheIDs []string) (*Server, *base.Base) {
	t.Helper()
	localAddr := "127.0.0.1:0"
	// bstar needs a remote to dial; point it at a throwaway listener so
	// New succeeds, then close that listener — runPeerStateLoop is never
	// started by these unit tests.
	placeholder, err := transport.ListenPub(localAddr)
	require.NoError(t, err)
	remote := placeholder.Addr().String()

	bCfg := base.Config{
		BaseID:      "b0",
		BindHost:    "127.0.0.1",
		Port:        freeBasePort(t),
		PeerHost:    "127.0.0.1",
		PeerPort:    0,
		DatabaseDir: t.TempDir(),
		CacheIDs:    cacheIDs,
	}
	b, err := base.New(bCfg)
	require.NoError(t, err)

	bs, err := bstar.New(initial, "127.0.0.1:0", remote, time.Second)
	require.NoError(t, err)
	_ = placeholder.Close()

	s := &Server{
		cfg:   Config{ClusterName: "test", ServerType: "unit"},
		log:   zap.NewNop().Sugar(),
		bstar: bs,
		bases: []*base.Base{b},
	}
	bs.FSM.SetHandlers(s.onNewActive, s.onNewPassive)

	for id := range b.Memcaches {
		mc, err := memcache.New(id, memcachePath(b, id))
		require.NoError(t, err)
		b.Memcaches[id] = mc
	}
	return s, b
}

// freeBasePort returns an ephemeral port for a test Base. base.New binds
// the publisher and collector at Port+1 and Port+2, so Port 0 would put
// them on the fixed ports 1 and 2.
func freeBasePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestHandleCollectorActiveStoresAndPublishes(t *testing.T) {
	s, b := newTestServer(t, bstar.StatePrimary)
	require.NoError(t, s.bstar.FSM.Apply(bstar.EventPeerBackup, time.Now())) // -> ACTIVE

	sub, err := transport.DialSub(b.PublisherEndpoint.Addr().String(), time.Second)
	require.NoError(t, err)
	defer sub.Close()
	time.Sleep(20 * time.Millisecond)

	msg := kvmsg.New(0)
	msg.SetKey("alpha")
	msg.SetBody([]byte("1"))
	msg.SetProp(kvmsg.PropCacheID, "c0")

	mc := b.Memcaches["c0"]
	s.handleCollectorActive(msg, b, mc)

	require.Equal(t, uint64(1), mc.Sequence())
	stored, ok := mc.Get("alpha")
	require.True(t, ok)
	require.Equal(t, []byte("1"), stored.Body())

	_ = sub.SetDeadline(time.Now().Add(time.Second))
	frames, err := sub.RecvMultipart()
	require.NoError(t, err)
	got, err := kvmsg.DecodeFrames(frames)
	require.NoError(t, err)
	require.Equal(t, "alpha", got.Key())
	require.Equal(t, uint64(1), got.Sequence())
}

func TestHandleCollectorPassiveEnqueues(t *testing.T) {
	s, b := newTestServer(t, bstar.StateBackup)
	require.Equal(t, bstar.StateBackup, s.bstar.FSM.State())

	msg := kvmsg.New(0)
	msg.SetKey("k")
	msg.SetBody([]byte("v"))
	msg.SetProp(kvmsg.PropCacheID, "c0")
	msg.NewUUID()

	mc := b.Memcaches["c0"]
	s.handleCollector(transport.Request{Frames: [][]byte{}}, b) // no-op, malformed
	require.Equal(t, 0, mc.PendingLen())

	// Exercise the passive branch through handleCollector's FSM state
	// check. The role-transition handlers are cleared first so the move
	// to PASSIVE does not wipe b.Memcaches.
	s.bstar.FSM.SetHandlers(nil, nil)
	require.NoError(t, s.bstar.FSM.Apply(bstar.EventPeerActive, time.Now())) // -> PASSIVE
	s.handleCollector(transport.Request{Frames: wireFrames(msg)}, b)
	require.Equal(t, 1, mc.PendingLen())
}

func TestHandleSnapshotRequestStreamsSubtreeFiltered(t *testing.T) {
	s, b := newTestServer(t, bstar.StatePrimary)
	require.NoError(t, s.bstar.FSM.Apply(bstar.EventPeerBackup, time.Now())) // -> ACTIVE

	mc := b.Memcaches["c0"]
	for _, k := range []string{"a/1", "a/2", "b/1"} {
		msg := kvmsg.New(mc.NextSequence())
		msg.SetKey(k)
		msg.SetBody([]byte("v"))
		msg.Store(mc)
	}

	dealer, err := transport.Dial(b.SnapshotEndpoint.Addr().String(), time.Second)
	require.NoError(t, err)
	defer dealer.Close()
	require.NoError(t, dealer.SendMultipart([][]byte{[]byte("GETSNAPSHOT"), []byte("a/")}))

	req := <-b.SnapshotEndpoint.Requests()
	s.handleSnapshotRequest(req, b)

	var keys []string
	for {
		frames, err := dealer.RecvMultipart()
		require.NoError(t, err)
		msg, err := kvmsg.DecodeFrames(frames)
		require.NoError(t, err)
		if msg.Key() == "ENDSNAPSHOT" {
			break
		}
		if msg.Key() != "BEGINMEMCACHE" {
			keys = append(keys, msg.Key())
		}
	}
	require.ElementsMatch(t, []string{"a/1", "a/2"}, keys)
}

func TestOnNewActiveDrainsPending(t *testing.T) {
	s, b := newTestServer(t, bstar.StateBackup)
	mc := b.Memcaches["c0"]

	msg := kvmsg.New(0)
	msg.SetKey("queued")
	msg.SetBody([]byte("x"))
	msg.NewUUID()
	mc.EnqueuePending(msg)
	require.Equal(t, 1, mc.PendingLen())

	s.onNewActive()

	require.Equal(t, 0, mc.PendingLen())
	stored, ok := mc.Get("queued")
	require.True(t, ok)
	require.Equal(t, []byte("x"), stored.Body())
}

func TestOnNewPassiveWipesMemCaches(t *testing.T) {
	s, b := newTestServer(t, bstar.StatePrimary)
	mc := b.Memcaches["c0"]
	msg := kvmsg.New(mc.NextSequence())
	msg.SetKey("k")
	msg.SetBody([]byte("v"))
	msg.Store(mc)
	require.Equal(t, 1, mc.Len())

	s.onNewPassive()

	require.Nil(t, b.Memcaches["c0"])
	require.False(t, s.active)
}

// TestBootstrapFromPeerCommitsEveryCachePartition guards against
// regressing to committing only the last BEGINMEMCACHE..ENDSNAPSHOT run
// streamed for a Base configured with 2+ cacheids.
func TestBootstrapFromPeerCommitsEveryCachePartition(t *testing.T) {
	cacheIDs := []string{"c0", "c1"}
	primary, primaryBase := newTestServerWithCaches(t, bstar.StatePrimary, cacheIDs)
	require.NoError(t, primary.bstar.FSM.Apply(bstar.EventPeerBackup, time.Now())) // -> ACTIVE

	for _, id := range cacheIDs {
		mc := primaryBase.Memcaches[id]
		msg := kvmsg.New(mc.NextSequence())
		msg.SetKey(id + "-key")
		msg.SetBody([]byte(id + "-value"))
		msg.Store(mc)
	}

	snapAddr := primaryBase.SnapshotEndpoint.Addr().(*net.TCPAddr)

	passiveBase, err := base.New(base.Config{
		BaseID:      "b0",
		BindHost:    "127.0.0.1",
		Port:        freeBasePort(t),
		PeerHost:    "127.0.0.1",
		PeerPort:    snapAddr.Port,
		DatabaseDir: t.TempDir(),
		CacheIDs:    cacheIDs,
	})
	require.NoError(t, err)
	defer passiveBase.Close()

	passive := &Server{log: zap.NewNop().Sugar()}

	go func() {
		req := <-primaryBase.SnapshotEndpoint.Requests()
		primary.mu.Lock()
		primary.handleSnapshotRequest(req, primaryBase)
		primary.mu.Unlock()
	}()

	require.NoError(t, passive.bootstrapFromPeer(passiveBase))

	for _, id := range cacheIDs {
		mc := passiveBase.Memcaches[id]
		require.NotNilf(t, mc, "cache %s must be committed into Memcaches, not just the last partition streamed", id)
		got, ok := mc.Get(id + "-key")
		require.True(t, ok)
		require.Equal(t, []byte(id+"-value"), got.Body())
	}
}

// TestRunPeerStateLoopAppliesUnderLock guards against the FSM's
// onActive/onPassive handlers (which read/write Base.Memcaches) firing
// without Server.mu held, which would race the other reactor loops'
// locked access to the same map.
func TestRunPeerStateLoopAppliesUnderLock(t *testing.T) {
	pub, err := transport.ListenPub("127.0.0.1:0")
	require.NoError(t, err)
	defer pub.Close()

	bs, err := bstar.New(bstar.StatePrimary, "127.0.0.1:0", pub.Addr().String(), time.Second)
	require.NoError(t, err)
	defer bs.Close()

	s := &Server{
		cfg:   Config{ClusterName: "test", ServerType: "unit"},
		log:   zap.NewNop().Sugar(),
		bstar: bs,
	}

	lockHeld := make(chan bool, 1)
	bs.FSM.SetHandlers(func() {
		acquired := s.mu.TryLock()
		if acquired {
			s.mu.Unlock()
		}
		lockHeld <- !acquired
	}, func() {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.runPeerStateLoop(ctx) }()

	time.Sleep(20 * time.Millisecond) // let the subscriber register, per transport's accept-loop timing
	pub.Publish([][]byte{[]byte("2")}) // EventPeerBackup, PRIMARY -> ACTIVE

	select {
	case held := <-lockHeld:
		require.True(t, held, "onActive handler must run with Server.mu held")
	case <-time.After(2 * time.Second):
		t.Fatal("peer-state transition handler was never invoked")
	}

	require.Equal(t, bstar.StateActive, s.bstar.FSM.State())
}
