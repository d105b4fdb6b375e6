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
	"sync/atomic"
)

// Request is one inbound multipart message on a Router, tagged with
// the identity of the connection it arrived on so the reactor can
// route a reply (or, for the collector endpoint, simply ignore it).
type Request struct {
	Identity string
	Frames   [][]byte

	router *Router
	conn   *conn
}

// Reply sends frames back over the same connection Request arrived on
// — this is what lets the snapshot endpoint stream BEGINMEMCACHE /
// entries / ENDSNAPSHOT back to one caller (§4.5) without replying to
// every connected client.
func (r *Request) Reply(frames [][]byte) error {
	return r.conn.SendMultipart(frames)
}

// Router is the server side of the identity-routed request/reply
// pattern: it accepts many persistent client connections and surfaces
// each inbound multipart message tagged with the connection's
// identity, matching ZeroMQ ROUTER semantics without requiring a
// separate identity frame on the wire (the TCP connection itself is
// the identity).
type Router struct {
	ln       net.Listener
	requests chan Request
	nextID   uint64

	mu     sync.Mutex
	closed bool
}

// Listen binds addr and begins accepting connections.
func Listen(addr string) (*Router, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	r := &Router{
		ln:       ln,
		requests: make(chan Request, 64),
	}
	go r.acceptLoop()
	return r, nil
}

func (r *Router) acceptLoop() {
	for {
		nc, err := r.ln.Accept()
		if err != nil {
			return
		}
		id := fmt.Sprintf("%s#%d", nc.RemoteAddr(), atomic.AddUint64(&r.nextID, 1))
		go r.readLoop(id, newConn(nc))
	}
}

func (r *Router) readLoop(id string, c *conn) {
	defer c.Close()
	for {
		frames, err := c.RecvMultipart()
		if err != nil {
			return
		}
		req := Request{Identity: id, Frames: frames, router: r, conn: c}
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return
		}
		r.requests <- req
	}
}

// Requests returns the channel of inbound requests. The reactor owning
// this Router must drain it on every poll tick — per §5, "no handler
// may block", so handlers should never stall consuming this channel.
func (r *Router) Requests() <-chan Request { return r.requests }

// Addr returns the bound local address (useful when binding to :0 in
// tests).
func (r *Router) Addr() net.Addr { return r.ln.Addr() }

// Close stops accepting and releases the listener. In-flight
// connections are closed as their read loops notice.
func (r *Router) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.ln.Close()
}
