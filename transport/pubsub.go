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

package transport

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// subscriberBacklog bounds how far behind a slow subscriber can fall
// before Publisher drops it — mirrors ZeroMQ PUB's "slow subscriber
// gets disconnected" behavior and keeps Publish non-blocking, which §5
// requires of every reactor handler.
const subscriberBacklog = 256

// Publisher is the fan-out side of the update bus: every accepted
// update and every heartbeat is broadcast to all connected
// subscribers (§4.3).
type Publisher struct {
	ln net.Listener

	mu   sync.Mutex
	subs map[*conn]chan [][]byte
}

// ListenPub binds addr and begins accepting subscriber connections.
func ListenPub(addr string) (*Publisher, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen-pub %s: %w", addr, err)
	}
	p := &Publisher{ln: ln, subs: map[*conn]chan [][]byte{}}
	go p.acceptLoop()
	return p, nil
}

func (p *Publisher) acceptLoop() {
	for {
		nc, err := p.ln.Accept()
		if err != nil {
			return
		}
		c := newConn(nc)
		ch := make(chan [][]byte, subscriberBacklog)
		p.mu.Lock()
		p.subs[c] = ch
		p.mu.Unlock()
		go p.writeLoop(c, ch)
	}
}

func (p *Publisher) writeLoop(c *conn, ch chan [][]byte) {
	defer func() {
		p.mu.Lock()
		delete(p.subs, c)
		p.mu.Unlock()
		c.Close()
	}()
	for frames := range ch {
		if err := c.SendMultipart(frames); err != nil {
			return
		}
	}
}

// Publish broadcasts frames to every currently connected subscriber.
// It never blocks on a slow reader: if a subscriber's backlog is full
// its connection is torn down instead of stalling the caller.
func (p *Publisher) Publish(frames [][]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c, ch := range p.subs {
		select {
		case ch <- frames:
		default:
			close(ch)
			delete(p.subs, c)
		}
	}
}

// Addr returns the bound local address.
func (p *Publisher) Addr() net.Addr { return p.ln.Addr() }

// Close stops accepting and disconnects all subscribers.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for c, ch := range p.subs {
		close(ch)
		delete(p.subs, c)
	}
	p.mu.Unlock()
	return p.ln.Close()
}

// Subscriber is the receive side of the update bus.
type Subscriber struct {
	*conn
}

// DialSub connects to a Publisher bound at addr.
func DialSub(addr string, timeout time.Duration) (*Subscriber, error) {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("transport: dial-sub %s: %w", addr, err)
	}
	return &Subscriber{conn: newConn(nc)}, nil
}

// SetDeadline bounds how long Recv waits before returning an error —
// the client agent and BinaryStar's peer tracker use this to detect a
// dead publisher (§5 heartbeat/peer-expiry timeouts).
func (s *Subscriber) SetDeadline(t time.Time) error {
	return s.nc.SetDeadline(t)
}

// Close disconnects from the publisher.
func (s *Subscriber) Close() error { return s.conn.Close() }
