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

// Package base implements C3: a collection of MemCaches exposing one
// snapshot endpoint, one publisher, one collector, and one
// peer-subscriber (§4.3).
package base

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/erigontech/clonecache/memcache"
	"github.com/erigontech/clonecache/transport"
)

// Config describes how one Base binds its four endpoints, following
// §6's port convention: snapshot on Port, publisher on Port+1,
// collector on Port+2, with a separate peer pair for the BinaryStar
// state channel handled by the bstar package, not here.
type Config struct {
	BaseID      string
	BindHost    string // host portion used for all three listeners
	Port        int
	PeerHost    string
	PeerPort    int // peer's Port (we subscribe to PeerPort+1)
	DatabaseDir string
	CacheIDs    []string
}

// Base ties together a Base's MemCaches and its four endpoints (§4.3).
type Base struct {
	cfg Config

	// Memcaches may be nil for a cache id not yet bootstrapped (§3:
	// "created ... on first snapshot for the backup"). Access is
	// single-threaded from the owning Server's reactor loop.
	Memcaches map[string]*memcache.MemCache

	SnapshotEndpoint  *transport.Router
	PublisherEndpoint *transport.Publisher
	CollectorEndpoint *transport.Router
	peerSub           *transport.Subscriber
}

func addr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// New binds the three local endpoints (snapshot, publisher, collector)
// and constructs an empty Memcaches map keyed by cfg.CacheIDs; the
// peer-subscriber is connected separately via SubscribeToPeer once the
// FSM decides this Base should track its peer (§4.5 s_new_passive).
func New(cfg Config) (*Base, error) {
	snap, err := transport.Listen(addr(cfg.BindHost, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("base %s: snapshot listen: %w", cfg.BaseID, err)
	}
	pub, err := transport.ListenPub(addr(cfg.BindHost, cfg.Port+1))
	if err != nil {
		_ = snap.Close()
		return nil, fmt.Errorf("base %s: publisher listen: %w", cfg.BaseID, err)
	}
	coll, err := transport.Listen(addr(cfg.BindHost, cfg.Port+2))
	if err != nil {
		_ = snap.Close()
		_ = pub.Close()
		return nil, fmt.Errorf("base %s: collector listen: %w", cfg.BaseID, err)
	}

	mcs := make(map[string]*memcache.MemCache, len(cfg.CacheIDs))
	for _, id := range cfg.CacheIDs {
		mcs[id] = nil
	}

	return &Base{
		cfg:               cfg,
		Memcaches:         mcs,
		SnapshotEndpoint:  snap,
		PublisherEndpoint: pub,
		CollectorEndpoint: coll,
	}, nil
}

// BaseID returns the configured identifier.
func (b *Base) BaseID() string { return b.cfg.BaseID }

// Config returns the binding configuration this Base was built with.
func (b *Base) Config() Config { return b.cfg }

// SubscribeToPeer connects this Base's peer-subscriber to the peer
// Base's publisher, at PeerPort+1 (§4.3).
func (b *Base) SubscribeToPeer(timeout time.Duration) error {
	sub, err := transport.DialSub(addr(b.cfg.PeerHost, b.cfg.PeerPort+1), timeout)
	if err != nil {
		return fmt.Errorf("base %s: subscribe to peer: %w", b.cfg.BaseID, err)
	}
	b.peerSub = sub
	return nil
}

// PeerSubscriber returns the current peer subscriber connection, or
// nil if UnsubscribeFromPeer was called (or SubscribeToPeer never
// succeeded).
func (b *Base) PeerSubscriber() *transport.Subscriber { return b.peerSub }

// UnsubscribeFromPeer disconnects from the peer's publisher — done on
// the passive→active transition (§4.5 s_new_active: "Stop subscribing
// to peer").
func (b *Base) UnsubscribeFromPeer() error {
	if b.peerSub == nil {
		return nil
	}
	err := b.peerSub.Close()
	b.peerSub = nil
	return err
}

// Close tears down all endpoints and every owned MemCache.
func (b *Base) Close() error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	note(b.SnapshotEndpoint.Close())
	note(b.PublisherEndpoint.Close())
	note(b.CollectorEndpoint.Close())
	if b.peerSub != nil {
		note(b.peerSub.Close())
	}
	for _, mc := range b.Memcaches {
		if mc != nil {
			note(mc.Close())
		}
	}
	return firstErr
}
