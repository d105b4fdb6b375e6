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
	"time"
)

// Dealer is the client side of Router: one persistent connection used
// to send requests (GETSNAPSHOT, a collector write) and, for the
// snapshot channel, to read the streamed reply.
type Dealer struct {
	*conn
}

// Dial connects to a Router bound at addr.
func Dial(addr string, timeout time.Duration) (*Dealer, error) {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return &Dealer{conn: newConn(nc)}, nil
}

// SetDeadline forwards to the underlying net.Conn so callers can bound
// how long they wait for a snapshot reply (§5 SERVER_TTL).
func (d *Dealer) SetDeadline(t time.Time) error {
	return d.nc.SetDeadline(t)
}

// Close closes the underlying connection.
func (d *Dealer) Close() error { return d.conn.Close() }
