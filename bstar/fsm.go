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

// Package bstar implements C4, the Binary Star failover state machine:
// four states, five events, and the transition table of spec.md §4.4.
package bstar

import (
	"errors"
	"sync"
	"time"
)

// State is the FSM's runtime state. Values match the wire encoding of
// §6 ("a single frame containing the ASCII decimal of the enum
// {1,2,3,4}").
type State int

const (
	StatePrimary State = 1
	StateBackup  State = 2
	StateActive  State = 3
	StatePassive State = 4
)

func (s State) String() string {
	switch s {
	case StatePrimary:
		return "PRIMARY"
	case StateBackup:
		return "BACKUP"
	case StateActive:
		return "ACTIVE"
	case StatePassive:
		return "PASSIVE"
	default:
		return "UNKNOWN"
	}
}

// Event drives the FSM. The PeerX events share their wire value with
// the State they announce — a peer state frame int(frame) is already a
// valid Event.
type Event int

const (
	EventPeerPrimary     Event = 1
	EventPeerBackup      Event = 2
	EventPeerActive      Event = 3
	EventPeerPassive     Event = 4
	EventSnapshotRequest Event = 5
)

// ErrRejected is returned when the transition table says to silently
// drop the inbound message (§4.4, §7: "rejected by silent drop").
var ErrRejected = errors.New("bstar: transition rejected")

// ErrDualActive and ErrDualPassive are fatal per §4.4/§7: the driving
// loop must treat the process as unrecoverable.
var (
	ErrDualActive  = errors.New("bstar: peer announced ACTIVE while we are ACTIVE (split brain)")
	ErrDualPassive = errors.New("bstar: peer announced PASSIVE while we are PASSIVE (split brain)")
)

// FSM is the state machine plus its peer-liveness clock. It holds no
// transport references — BStar (bstar.go) drives it from the reactor
// loop and owns the sockets.
type FSM struct {
	mu         sync.Mutex
	state      State
	peerExpiry time.Time
	fatal      bool

	onActive  func()
	onPassive func()
}

// NewFSM creates an FSM in initial (PRIMARY or BACKUP, from static
// configuration per §3).
func NewFSM(initial State) *FSM {
	if initial != StatePrimary && initial != StateBackup {
		panic("bstar: initial state must be PRIMARY or BACKUP")
	}
	return &FSM{state: initial}
}

// SetHandlers registers the activeHandler/passiveHandler callbacks
// fired on a successful transition into ACTIVE or PASSIVE. Only one
// fires per transition (§3 invariant).
func (f *FSM) SetHandlers(onActive, onPassive func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onActive = onActive
	f.onPassive = onPassive
}

// State returns the current state.
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Fatal reports whether a dual-active/dual-passive condition has been
// observed; once true the owning reactor must stop.
func (f *FSM) Fatal() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fatal
}

// PeerExpiry returns the deadline after which the peer is considered
// dead (§4.4).
func (f *FSM) PeerExpiry() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peerExpiry
}

// NotePeerAlive refreshes peerExpiry — called whenever any peer state
// frame arrives (§3 invariant), independent of whether the frame's
// event is accepted or rejected by the table.
func (f *FSM) NotePeerAlive(now time.Time, heartbeatInterval time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peerExpiry = now.Add(2 * heartbeatInterval)
}

// Apply drives the FSM with event at time now, per the §4.4 transition
// table. It returns ErrRejected, ErrDualActive, or ErrDualPassive for
// the listed rejections; all other (state, event) pairs are no-ops
// that succeed, per "all unlisted pairs are no-ops that succeed".
func (f *FSM) Apply(event Event, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case StatePrimary:
		switch event {
		case EventPeerBackup:
			f.state = StateActive
			f.fireActiveLocked()
		case EventPeerActive:
			f.state = StatePassive
			f.firePassiveLocked()
		case EventSnapshotRequest:
			if now.Before(f.peerExpiry) {
				return ErrRejected
			}
			f.state = StateActive
			f.fireActiveLocked()
		}

	case StateBackup:
		switch event {
		case EventPeerActive:
			f.state = StatePassive
			f.firePassiveLocked()
		case EventSnapshotRequest:
			return ErrRejected
		}

	case StateActive:
		if event == EventPeerActive {
			f.fatal = true
			return ErrDualActive
		}
		// EventSnapshotRequest while already ACTIVE: unlisted pair,
		// succeeds as a no-op (the snapshot handler still fires —
		// see BStar.HandleSnapshotRequest).

	case StatePassive:
		switch event {
		case EventPeerPrimary, EventPeerBackup:
			f.state = StateActive
			f.fireActiveLocked()
		case EventPeerPassive:
			f.fatal = true
			return ErrDualPassive
		case EventSnapshotRequest:
			if now.Before(f.peerExpiry) {
				return ErrRejected
			}
			f.state = StateActive
			f.fireActiveLocked()
		}
	}
	return nil
}

func (f *FSM) fireActiveLocked() {
	h := f.onActive
	if h == nil {
		return
	}
	f.mu.Unlock()
	h()
	f.mu.Lock()
}

func (f *FSM) firePassiveLocked() {
	h := f.onPassive
	if h == nil {
		return
	}
	f.mu.Unlock()
	h()
	f.mu.Lock()
}
