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

package bstar

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/erigontech/clonecache/transport"
)

// HeartbeatInterval is HEARTBEAT_MS from §4.4.
const HeartbeatInterval = time.Second

// BStar wires an FSM to the state-channel transport: a Publisher the
// local process announces its state on, and a Subscriber connected to
// the peer's equivalent publisher. This channel is deliberately
// separate from a Base's update bus (§6: "BinaryStar state channel
// uses a separate configured local/remote pair").
type BStar struct {
	FSM *FSM

	statePub *transport.Publisher
	peerSub  *transport.Subscriber

	onFatal func(error)
}

// New creates a BStar bound to localAddr for its own state
// announcements, dialing remoteAddr to track the peer.
func New(initial State, localAddr, remoteAddr string, dialTimeout time.Duration) (*BStar, error) {
	pub, err := transport.ListenPub(localAddr)
	if err != nil {
		return nil, fmt.Errorf("bstar: listen %s: %w", localAddr, err)
	}
	sub, err := transport.DialSub(remoteAddr, dialTimeout)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("bstar: dial peer %s: %w", remoteAddr, err)
	}
	return &BStar{
		FSM:      NewFSM(initial),
		statePub: pub,
		peerSub:  sub,
	}, nil
}

// OnFatal registers a callback fired when the FSM observes a
// dual-active or dual-passive condition. Per §7 this must result in a
// high-severity log and reactor shutdown; BStar itself does not call
// os.Exit, it only reports.
func (b *BStar) OnFatal(fn func(error)) { b.onFatal = fn }

// HandleSnapshotRequest drives the FSM with EventSnapshotRequest and
// reports whether the caller may proceed to stream a reply. On
// rejection the caller must drop the inbound request without replying
// (§4.4, §7).
func (b *BStar) HandleSnapshotRequest(now time.Time) (accepted bool) {
	err := b.FSM.Apply(EventSnapshotRequest, now)
	return err == nil
}

// PublishHeartbeat emits the current state as an ASCII decimal frame
// on the state-pub socket (§4.4: "every HEARTBEAT_MS ... publishes its
// current state as a text integer").
func (b *BStar) PublishHeartbeat() {
	s := strconv.Itoa(int(b.FSM.State()))
	b.statePub.Publish([][]byte{[]byte(s)})
}

// RunHeartbeatTimer blocks, publishing a heartbeat every
// HeartbeatInterval until ctx is done. Run this in its own goroutine
// from the owning Server's reactor (§5: "every timer ... registered
// declaratively with the reactor").
func (b *BStar) RunHeartbeatTimer(ctx context.Context) {
	t := time.NewTicker(HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.PublishHeartbeat()
		}
	}
}

// PeerFrame is one decoded state-channel announcement from the peer,
// ready to drive the FSM via ApplyPeerEvent.
type PeerFrame struct {
	Event Event
	Now   time.Time
}

// ReceivePeerFrame blocks until one state frame arrives from the peer,
// ctx is done, or the connection fails irrecoverably. It performs no
// FSM mutation: the owning reactor must call ApplyPeerEvent with the
// result while holding whatever lock serializes its handler execution,
// so the onActive/onPassive callbacks ApplyPeerEvent may trigger run
// under that same lock (§5's single-threaded-per-actor discipline) —
// the same reason runSnapshotLoop calls handleSnapshotRequest under
// the Server's mutex rather than letting BStar drive the FSM on its
// own goroutine.
func (b *BStar) ReceivePeerFrame(ctx context.Context) (PeerFrame, error) {
	for {
		select {
		case <-ctx.Done():
			return PeerFrame{}, ctx.Err()
		default:
		}
		_ = b.peerSub.SetDeadline(time.Now().Add(HeartbeatInterval * 3))
		frames, err := b.peerSub.RecvMultipart()
		if err != nil {
			if ctx.Err() != nil {
				return PeerFrame{}, ctx.Err()
			}
			continue // transient I/O (§7): log and continue
		}
		if len(frames) != 1 {
			continue
		}
		v, convErr := strconv.Atoi(string(frames[0]))
		if convErr != nil {
			continue
		}
		return PeerFrame{Event: Event(v), Now: time.Now()}, nil
	}
}

// ApplyPeerEvent drives the FSM with a frame received via
// ReceivePeerFrame: it refreshes peerExpiry regardless of whether the
// FSM accepts the resulting event (§3 invariant, §4.4), then applies
// the event. The caller must already hold its serializing lock — this
// may synchronously invoke the FSM's onActive/onPassive handlers.
func (b *BStar) ApplyPeerEvent(pf PeerFrame) error {
	b.FSM.NotePeerAlive(pf.Now, HeartbeatInterval)
	if err := b.FSM.Apply(pf.Event, pf.Now); err != nil {
		if err == ErrDualActive || err == ErrDualPassive {
			if b.onFatal != nil {
				b.onFatal(err)
			}
			return err
		}
		// ErrRejected: drop silently (§7) and keep polling.
	}
	return nil
}

// PeerExpired reports whether the peer is currently considered dead
// (now >= peerExpiry), used by callers that want to gate behavior
// without driving an event (e.g. deciding whether a snapshot request
// would be rejected before even sending one).
func (b *BStar) PeerExpired(now time.Time) bool {
	return !now.Before(b.FSM.PeerExpiry())
}

// Close releases the state-channel sockets.
func (b *BStar) Close() error {
	var firstErr error
	if err := b.statePub.Close(); err != nil {
		firstErr = err
	}
	if err := b.peerSub.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
