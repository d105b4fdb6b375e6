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

// Package memcache implements C2: one cache partition's hot in-memory
// map, its durable mirror, and the passive-role pending queue.
package memcache

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/erigontech/clonecache/kvmsg"
	"github.com/erigontech/clonecache/numeric"
)

// PublishFunc hands a message to whatever bus should carry it onward
// (the Base publisher, in production). Kept as a plain func type
// rather than an interface so tests can pass a closure appending to a
// slice.
type PublishFunc func(*kvmsg.KVMessage)

type item struct {
	key string
	msg *kvmsg.KVMessage
}

func less(a, b item) bool { return a.key < b.key }

// MemCache is one cache partition: {cacheId, map, sequence, pending,
// durableStore} per §3.
type MemCache struct {
	cacheID     string
	durablePath string

	mu       sync.Mutex
	tree     *btree.BTreeG[item]
	sequence uint64
	pending  []*kvmsg.KVMessage
	durable  *durableStore
	staging  *durableStore
}

// New creates a MemCache with an empty in-memory map and opens (or
// creates) its durable mirror at durablePath. This is the primary's
// startup path (§3 Lifecycle: "created at server start for the
// primary, empty map").
func New(cacheID, durablePath string) (*MemCache, error) {
	d, err := openDurable(durablePath)
	if err != nil {
		// §7: durable-store open failure logs and continues with an
		// empty in-memory map; writes are attempted later and may
		// re-fail. The caller (server) is expected to log this.
		return &MemCache{
			cacheID:     cacheID,
			durablePath: durablePath,
			tree:        btree.NewG(32, less),
		}, err
	}
	return &MemCache{
		cacheID:     cacheID,
		durablePath: durablePath,
		tree:        btree.NewG(32, less),
		durable:     d,
	}, nil
}

// CacheID returns the partition identifier.
func (mc *MemCache) CacheID() string { return mc.cacheID }

// Sequence returns the current monotonic watermark.
func (mc *MemCache) Sequence() uint64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.sequence
}

// NextSequence bumps and returns the new sequence. Callers must call
// this before Set/Delete so the durable SEQUENCENUMBER write reflects
// the bumped value (§8 invariant: durable SEQUENCENUMBER == sequence
// after any successful store).
func (mc *MemCache) NextSequence() uint64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	seq, overflow := numeric.SafeAdd(mc.sequence, 1)
	if overflow {
		panic("memcache: sequence counter overflowed 64 bits")
	}
	mc.sequence = seq
	return seq
}

// Set implements kvmsg.Hash: insert-or-replace key, mirrored to the
// durable store with the current sequence (§4.2 store).
func (mc *MemCache) Set(key string, msg *kvmsg.KVMessage) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.tree.ReplaceOrInsert(item{key: key, msg: msg})
	mc.persistLocked(key, msg.Body())
}

// Delete implements kvmsg.Hash.
func (mc *MemCache) Delete(key string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.tree.Delete(item{key: key})
	mc.persistDeleteLocked(key)
}

func (mc *MemCache) persistLocked(key string, body []byte) {
	if mc.durable == nil {
		return
	}
	if err := mc.durable.put(key, body); err != nil {
		return // §7: transient I/O, caller logs via the server's handler
	}
	_ = mc.durable.putSequenceNumber(mc.sequence)
}

func (mc *MemCache) persistDeleteLocked(key string) {
	if mc.durable == nil {
		return
	}
	if err := mc.durable.delete(key); err != nil {
		return
	}
	_ = mc.durable.putSequenceNumber(mc.sequence)
}

// Get returns the stored message for key, if present.
func (mc *MemCache) Get(key string) (*kvmsg.KVMessage, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	it, ok := mc.tree.Get(item{key: key})
	if !ok {
		return nil, false
	}
	return it.msg, true
}

// Len reports the number of live keys.
func (mc *MemCache) Len() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.tree.Len()
}

// AscendSubtree calls fn for every entry whose key has subtree as a
// byte-exact prefix (§4.5). An empty subtree matches all keys. Entries
// are visited in ascending key order — the reason MemCache keeps its
// map in a btree rather than a plain Go map (SPEC_FULL.md DOMAIN
// STACK).
func (mc *MemCache) AscendSubtree(subtree string, fn func(*kvmsg.KVMessage) bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.tree.AscendGreaterOrEqual(item{key: subtree}, func(it item) bool {
		if !strings.HasPrefix(it.key, subtree) {
			return false
		}
		return fn(it.msg)
	})
}

// RecoverFromDurable rebuilds the in-memory map from the durable store
// at primary startup (§4.2). If SEQUENCENUMBER is absent this is a
// fresh store and RecoverFromDurable is a no-op returning (false, nil).
func (mc *MemCache) RecoverFromDurable() (recovered bool, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.durable == nil {
		return false, nil
	}
	seq, ok := mc.durable.sequenceNumber()
	if !ok {
		return false, nil
	}
	err = mc.durable.iterate(func(key string, value []byte) error {
		// Resolved open question (SPEC_FULL.md #3): explicitly insert
		// each recovered key, rather than relying on kvmsg.Store's
		// elide-on-empty-body behavior.
		msg := kvmsg.New(seq)
		msg.SetKey(key)
		msg.SetBody(append([]byte(nil), value...))
		mc.tree.ReplaceOrInsert(item{key: key, msg: msg})
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("memcache: recover %s: %w", mc.cacheID, err)
	}
	mc.sequence = seq
	return true, nil
}

// FlushExpired iterates the map for entries whose ttl property has
// passed and deletes them, publishing a ttld=1 tombstone for each
// (§4.2). now is passed in rather than read from time.Now so tests are
// deterministic.
func (mc *MemCache) FlushExpired(now time.Time, publish PublishFunc) {
	nowMs := now.UnixMilli()

	var expired []string
	mc.mu.Lock()
	mc.tree.Ascend(func(it item) bool {
		ttl := it.msg.GetProp(kvmsg.PropTTL)
		if ttl == "" {
			return true
		}
		v, ok := numeric.ParseUint64(ttl)
		if ok && int64(v) <= nowMs {
			expired = append(expired, it.key)
		}
		return true
	})
	mc.mu.Unlock()

	for _, key := range expired {
		seq, overflow := numeric.SafeAdd(mc.Sequence(), 1)
		if overflow {
			panic("memcache: sequence counter overflowed 64 bits")
		}
		mc.mu.Lock()
		mc.sequence = seq
		mc.mu.Unlock()

		tomb := kvmsg.New(seq)
		tomb.SetKey(key)
		tomb.SetProp(kvmsg.PropCacheID, mc.cacheID)
		tomb.SetProp(kvmsg.PropTTLDone, "1")
		if publish != nil {
			publish(tomb)
		}
		tomb.Store(mc) // empty body -> Delete(key)
	}
}

// EnqueuePending implements the passive-side pending-dedup rule
// s_was_pending (§4.2): if msg's UUID matches an already-queued entry,
// that entry is consumed (the active already accepted the write) and
// msg is dropped; otherwise msg is appended. ttld=1 messages are never
// queued.
func (mc *MemCache) EnqueuePending(msg *kvmsg.KVMessage) {
	if msg.GetProp(kvmsg.PropTTLDone) == "1" {
		return
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	id := msg.UUID()
	for i, p := range mc.pending {
		if p.UUID() == id {
			mc.pending = append(mc.pending[:i], mc.pending[i+1:]...)
			return
		}
	}
	mc.pending = append(mc.pending, msg)
}

// DrainPending applies every queued update in FIFO order on a
// passive→active role transition, assigning each a fresh sequence and
// publishing before storing (§4.2, §4.5 s_new_active).
func (mc *MemCache) DrainPending(publish PublishFunc) {
	mc.mu.Lock()
	queue := mc.pending
	mc.pending = nil
	mc.mu.Unlock()

	for _, msg := range queue {
		seq := mc.NextSequence()
		msg.SetSequence(seq)
		if publish != nil {
			publish(msg)
		}
		msg.Store(mc)
	}
}

// PendingLen reports the current pending-queue depth (used by tests
// asserting §8's "pending queue is empty after role transition").
func (mc *MemCache) PendingLen() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.pending)
}

// DurablePath returns the backing bbolt file path.
func (mc *MemCache) DurablePath() string { return mc.durablePath }

// Reset wipes the in-memory map and drops the durable store, per
// s_new_passive (§4.5): "For each MemCache: wipe in-memory map, drop
// durable store." A fresh durable store is put in place by
// BeginStagedDurable and CommitStagedDurable once the snapshot is staged.
func (mc *MemCache) Reset() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.tree = btree.NewG(32, less)
	mc.sequence = 0
	mc.pending = nil
	if mc.durable == nil {
		return nil
	}
	err := mc.durable.destroy()
	mc.durable = nil
	return err
}

// StagePath returns the sibling path used to stage a fresh durable
// store during passive bootstrap (SPEC_FULL.md open question #2): a
// crash before CommitStagedDurable leaves the partial data only at this
// path, never half-written at the live path. The previous live store is
// not kept: Reset has already removed it.
func (mc *MemCache) StagePath() string { return mc.durablePath + ".sync" }

// BeginStagedDurable opens a fresh durable store at StagePath(),
// discarding any stale leftover from a previous interrupted sync, and
// holds it internally so callers never need to name the unexported
// durableStore type.
func (mc *MemCache) BeginStagedDurable() error {
	_ = os.Remove(mc.StagePath())
	d, err := openDurable(mc.StagePath())
	if err != nil {
		return err
	}
	mc.mu.Lock()
	mc.staging = d
	mc.mu.Unlock()
	return nil
}

// ApplyBootstrapEntry inserts one snapshot entry into both the
// in-memory map and the staged durable store during passive bootstrap,
// before the staged store is committed (§4.5 s_new_passive).
func (mc *MemCache) ApplyBootstrapEntry(msg *kvmsg.KVMessage) error {
	mc.mu.Lock()
	mc.tree.ReplaceOrInsert(item{key: msg.Key(), msg: msg})
	staged := mc.staging
	mc.mu.Unlock()
	if staged == nil {
		return fmt.Errorf("memcache: %s: ApplyBootstrapEntry without BeginStagedDurable", mc.cacheID)
	}
	return staged.put(msg.Key(), msg.Body())
}

// FinishBootstrap records the partition's watermark (the sequence its
// BEGINMEMCACHE carried) and writes it to the (already
// staged-and-committed) durable store.
func (mc *MemCache) FinishBootstrap(seq uint64) error {
	mc.mu.Lock()
	mc.sequence = seq
	d := mc.durable
	mc.mu.Unlock()
	if d == nil {
		return nil
	}
	return d.putSequenceNumber(seq)
}

// CommitStagedDurable atomically swaps the staged store begun by
// BeginStagedDurable in as the live durable store: close it, rename
// over durablePath, reopen.
func (mc *MemCache) CommitStagedDurable() error {
	mc.mu.Lock()
	staged := mc.staging
	mc.staging = nil
	mc.mu.Unlock()
	if staged == nil {
		return fmt.Errorf("memcache: %s: CommitStagedDurable without BeginStagedDurable", mc.cacheID)
	}
	if err := staged.close(); err != nil {
		return fmt.Errorf("memcache: close staged store: %w", err)
	}
	mc.mu.Lock()
	oldDurable := mc.durable
	mc.durable = nil
	mc.mu.Unlock()
	if oldDurable != nil {
		_ = oldDurable.close()
	}
	_ = os.Remove(mc.durablePath)
	if err := os.Rename(staged.path, mc.durablePath); err != nil {
		return fmt.Errorf("memcache: commit staged store: %w", err)
	}
	d, err := openDurable(mc.durablePath)
	if err != nil {
		return fmt.Errorf("memcache: reopen committed store: %w", err)
	}
	mc.mu.Lock()
	mc.durable = d
	mc.mu.Unlock()
	return nil
}

// ApplyIfNewer updates the in-memory map (and durable mirror) from a
// peer-originated update only if its sequence is newer than the
// locally known watermark, mirroring the original subscriber's
// "apply if more recent than our map" rule alongside the pending-queue
// dedup of EnqueuePending (§4.5 s_subscriber equivalent).
func (mc *MemCache) ApplyIfNewer(msg *kvmsg.KVMessage) bool {
	mc.mu.Lock()
	if msg.Sequence() <= mc.sequence {
		mc.mu.Unlock()
		return false
	}
	mc.sequence = msg.Sequence()
	mc.mu.Unlock()
	msg.Store(mc)
	return true
}

// Close releases the durable store handle (server shutdown).
func (mc *MemCache) Close() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.durable == nil {
		return nil
	}
	return mc.durable.close()
}
