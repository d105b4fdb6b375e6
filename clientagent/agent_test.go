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
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/erigontech/clonecache/kvmsg"
	"github.com/erigontech/clonecache/transport"
)

// fakeServer stands in for one Base's three client-facing endpoints
// (snapshot/publisher/collector, §4.3) without pulling in the server
// package, so clientagent's tests stay focused on the worker's own
// state machine.
type fakeServer struct {
	host string
	port int

	snap *transport.Router
	pub  *transport.Publisher
	coll *transport.Router
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	snap, err := transport.Listen("127.0.0.1:0")
	require.NoError(t, err)
	_, snapPortStr, err := net.SplitHostPort(snap.Addr().String())
	require.NoError(t, err)
	snapPort, err := strconv.Atoi(snapPortStr)
	require.NoError(t, err)

	pub, err := transport.ListenPub(net.JoinHostPort("127.0.0.1", strconv.Itoa(snapPort+1)))
	require.NoError(t, err)
	coll, err := transport.Listen(net.JoinHostPort("127.0.0.1", strconv.Itoa(snapPort+2)))
	require.NoError(t, err)

	fs := &fakeServer{host: "127.0.0.1", port: snapPort, snap: snap, pub: pub, coll: coll}
	t.Cleanup(func() {
		_ = snap.Close()
		_ = pub.Close()
		_ = coll.Close()
	})
	return fs
}

// serveOneSnapshot answers exactly one GETSNAPSHOT with a single cache
// containing the given key/value pairs, mimicking send_snapshot.
func (fs *fakeServer) serveOneSnapshot(t *testing.T, cacheID string, kv map[string]string) {
	t.Helper()
	go func() {
		req := <-fs.snap.Requests()
		begin := kvmsg.New(0)
		begin.SetKey("BEGINMEMCACHE")
		begin.SetProp(kvmsg.PropCacheID, cacheID)
		_ = begin.Send(replyAdapter{&req})

		var seq uint64
		for k, v := range kv {
			seq++
			msg := kvmsg.New(seq)
			msg.SetKey(k)
			msg.SetBody([]byte(v))
			_ = msg.Send(replyAdapter{&req})
		}

		end := kvmsg.New(seq)
		end.SetKey("ENDSNAPSHOT")
		_ = end.Send(replyAdapter{&req})
	}()
}

type replyAdapter struct{ req *transport.Request }

func (r replyAdapter) SendMultipart(frames [][]byte) error { return r.req.Reply(frames) }

func TestAgentConnectBootstrapAndGet(t *testing.T) {
	fs := newFakeServer(t)
	fs.serveOneSnapshot(t, "c0", map[string]string{"alpha": "1"})

	var gotEntries []string
	cfg := Config{
		CacheIDs: []string{"c0"},
		OnSnapshotEntry: func(cacheID, key, value string) {
			gotEntries = append(gotEntries, cacheID+"/"+key+"="+value)
		},
	}
	a := New(context.Background(), cfg, zap.NewNop().Sugar())
	defer a.Close()

	a.Connect(fs.host, fs.port)

	require.Eventually(t, func() bool {
		return a.Get("c0", "alpha") == "1"
	}, 2*time.Second, 10*time.Millisecond)

	require.Contains(t, gotEntries, "c0/alpha=1")
}

func TestAgentGetMissingReturnsEmpty(t *testing.T) {
	cfg := Config{CacheIDs: []string{"c0"}}
	a := New(context.Background(), cfg, zap.NewNop().Sugar())
	defer a.Close()

	require.Equal(t, "", a.Get("c0", "nope"))
	require.Equal(t, "", a.Get("unknown-cache", "nope"))
}

func TestAgentSetFansOutToCollector(t *testing.T) {
	fs := newFakeServer(t)
	fs.serveOneSnapshot(t, "c0", map[string]string{})

	cfg := Config{CacheIDs: []string{"c0"}}
	a := New(context.Background(), cfg, zap.NewNop().Sugar())
	defer a.Close()

	a.Connect(fs.host, fs.port)
	require.Eventually(t, func() bool {
		return a.Get("c0", "__never__") == "" // wait until bootstrap has had a chance to run
	}, time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := <-fs.coll.Requests()
		msg, err := kvmsg.DecodeFrames(req.Frames)
		require.NoError(t, err)
		require.Equal(t, "beta", msg.Key())
		require.Equal(t, []byte("2"), msg.Body())
	}()

	a.Set("c0", "beta", "2", 0)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("collector never received SET")
	}
}

func TestAgentClose(t *testing.T) {
	a := New(context.Background(), Config{}, zap.NewNop().Sugar())
	require.NoError(t, a.Close())
}
