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

package memcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/clonecache/kvmsg"
)

func newTestMemCache(t *testing.T) *MemCache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "c0.db")
	mc, err := New("c0", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mc.Close() })
	return mc
}

func TestSetThenSequenceInvariant(t *testing.T) {
	mc := newTestMemCache(t)
	seq := mc.NextSequence()
	msg := kvmsg.New(seq)
	msg.SetKey("alpha")
	msg.SetBody([]byte("1"))
	msg.Store(mc)

	got, ok := mc.Get("alpha")
	require.True(t, ok)
	require.LessOrEqual(t, got.Sequence(), mc.Sequence())
}

func TestDeleteRemovesKey(t *testing.T) {
	mc := newTestMemCache(t)
	seq := mc.NextSequence()
	msg := kvmsg.New(seq)
	msg.SetKey("alpha")
	msg.SetBody([]byte("1"))
	msg.Store(mc)

	seq = mc.NextSequence()
	del := kvmsg.New(seq)
	del.SetKey("alpha")
	del.Store(mc)

	_, ok := mc.Get("alpha")
	require.False(t, ok)
}

func TestAscendSubtreePrefix(t *testing.T) {
	mc := newTestMemCache(t)
	for _, k := range []string{"a/1", "a/2", "b/1"} {
		seq := mc.NextSequence()
		msg := kvmsg.New(seq)
		msg.SetKey(k)
		msg.SetBody([]byte("v"))
		msg.Store(mc)
	}
	var got []string
	mc.AscendSubtree("a/", func(m *kvmsg.KVMessage) bool {
		got = append(got, m.Key())
		return true
	})
	require.Equal(t, []string{"a/1", "a/2"}, got)
}

func TestRecoverFromDurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c0.db")
	mc, err := New("c0", path)
	require.NoError(t, err)
	seq := mc.NextSequence()
	msg := kvmsg.New(seq)
	msg.SetKey("alpha")
	msg.SetBody([]byte("1"))
	msg.Store(mc)
	require.NoError(t, mc.Close())

	mc2, err := New("c0", path)
	require.NoError(t, err)
	defer mc2.Close()
	recovered, err := mc2.RecoverFromDurable()
	require.NoError(t, err)
	require.True(t, recovered)
	require.Equal(t, seq, mc2.Sequence())
	got, ok := mc2.Get("alpha")
	require.True(t, ok)
	require.Equal(t, "1", string(got.Body()))
}

func TestFlushExpiredPublishesTombstone(t *testing.T) {
	mc := newTestMemCache(t)
	now := time.Now()
	seq := mc.NextSequence()
	msg := kvmsg.New(seq)
	msg.SetKey("eph")
	msg.SetBody([]byte("x"))
	msg.SetProp(kvmsg.PropTTL, "1")
	msg.Store(mc)

	var published []*kvmsg.KVMessage
	mc.FlushExpired(now.Add(2*time.Millisecond), func(m *kvmsg.KVMessage) {
		published = append(published, m)
	})

	require.Len(t, published, 1)
	require.Equal(t, "1", published[0].GetProp(kvmsg.PropTTLDone))
	_, ok := mc.Get("eph")
	require.False(t, ok)
}

func TestPendingDedupOnMatchingUUID(t *testing.T) {
	mc := newTestMemCache(t)
	a := kvmsg.New(1)
	a.SetKey("k")
	a.SetBody([]byte("v"))
	a.NewUUID()
	mc.EnqueuePending(a)
	require.Equal(t, 1, mc.PendingLen())

	// same UUID arrives again via the peer bus: already-pending entry
	// is consumed and the incoming message discarded (it is NOT
	// appended again).
	dup := a.Duplicate()
	mc.EnqueuePending(dup)
	require.Equal(t, 0, mc.PendingLen())
}

func TestPendingTTLDoneNeverQueued(t *testing.T) {
	mc := newTestMemCache(t)
	m := kvmsg.New(1)
	m.SetKey("k")
	m.SetProp(kvmsg.PropTTLDone, "1")
	mc.EnqueuePending(m)
	require.Equal(t, 0, mc.PendingLen())
}

func TestApplyIfNewerRejectsStaleSequence(t *testing.T) {
	mc := newTestMemCache(t)
	first := kvmsg.New(5)
	first.SetKey("k")
	first.SetBody([]byte("v5"))
	require.True(t, mc.ApplyIfNewer(first))
	require.Equal(t, uint64(5), mc.Sequence())

	stale := kvmsg.New(3)
	stale.SetKey("k")
	stale.SetBody([]byte("v3"))
	require.False(t, mc.ApplyIfNewer(stale))

	got, ok := mc.Get("k")
	require.True(t, ok)
	require.Equal(t, "v5", string(got.Body()))
}

func TestApplyIfNewerAppliesDelete(t *testing.T) {
	mc := newTestMemCache(t)
	set := kvmsg.New(1)
	set.SetKey("k")
	set.SetBody([]byte("v"))
	require.True(t, mc.ApplyIfNewer(set))

	del := kvmsg.New(2)
	del.SetKey("k")
	require.True(t, mc.ApplyIfNewer(del))

	_, ok := mc.Get("k")
	require.False(t, ok)
}

func TestStagedDurableBootstrapCommitsOnEndSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c0.db")
	mc, err := New("c0", path)
	require.NoError(t, err)
	defer mc.Close()

	require.NoError(t, mc.BeginStagedDurable())

	entry := kvmsg.New(0)
	entry.SetKey("alpha")
	entry.SetBody([]byte("1"))
	require.NoError(t, mc.ApplyBootstrapEntry(entry))

	require.NoError(t, mc.CommitStagedDurable())
	require.NoError(t, mc.FinishBootstrap(7))

	require.Equal(t, uint64(7), mc.Sequence())
	got, ok := mc.Get("alpha")
	require.True(t, ok)
	require.Equal(t, "1", string(got.Body()))

	// the committed store is durable: reopening recovers it.
	require.NoError(t, mc.Close())
	mc2, err := New("c0", path)
	require.NoError(t, err)
	defer mc2.Close()
	recovered, err := mc2.RecoverFromDurable()
	require.NoError(t, err)
	require.True(t, recovered)
	got2, ok := mc2.Get("alpha")
	require.True(t, ok)
	require.Equal(t, "1", string(got2.Body()))
}

func TestApplyBootstrapEntryWithoutBeginErrors(t *testing.T) {
	mc := newTestMemCache(t)
	entry := kvmsg.New(0)
	entry.SetKey("alpha")
	entry.SetBody([]byte("1"))
	require.Error(t, mc.ApplyBootstrapEntry(entry))
}

func TestCommitStagedDurableWithoutBeginErrors(t *testing.T) {
	mc := newTestMemCache(t)
	require.Error(t, mc.CommitStagedDurable())
}

func TestResetWipesMapAndDurableStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c0.db")
	mc, err := New("c0", path)
	require.NoError(t, err)

	seq := mc.NextSequence()
	msg := kvmsg.New(seq)
	msg.SetKey("k")
	msg.SetBody([]byte("v"))
	msg.Store(mc)
	require.Equal(t, 1, mc.Len())

	require.NoError(t, mc.Reset())
	require.Equal(t, 0, mc.Len())
	require.Equal(t, uint64(0), mc.Sequence())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestDrainPendingAssignsFreshSequenceAndEmptiesQueue(t *testing.T) {
	mc := newTestMemCache(t)
	a := kvmsg.New(0)
	a.SetKey("k1")
	a.SetBody([]byte("v1"))
	a.NewUUID()
	mc.EnqueuePending(a)
	b := kvmsg.New(0)
	b.SetKey("k2")
	b.SetBody([]byte("v2"))
	b.NewUUID()
	mc.EnqueuePending(b)

	var published []*kvmsg.KVMessage
	mc.DrainPending(func(m *kvmsg.KVMessage) { published = append(published, m) })

	require.Equal(t, 0, mc.PendingLen())
	require.Len(t, published, 2)
	require.Less(t, published[0].Sequence(), published[1].Sequence())
	_, ok := mc.Get("k1")
	require.True(t, ok)
}
