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

// Package transport implements the socket patterns spec.md §1/§6 name
// as an external collaborator: a ROUTER/DEALER pair for identity-routed
// request/reply (snapshot requests, client SETs) and a PUB/SUB fan-out
// bus (replica updates, heartbeats, BinaryStar state frames).
//
// The pack's retrieval set offers no library that reproduces both
// patterns without cgo (a ZeroMQ binding) or protoc-generated stubs
// (gRPC) — see DESIGN.md. What follows is a minimal, from-scratch
// implementation over length-prefixed TCP frames, in the same spirit as
// the teacher's own hand-rolled wire framing elsewhere in its p2p and
// snapshot-download code.
package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// maxFrameLen guards against a corrupt or hostile peer driving an
// unbounded allocation.
const maxFrameLen = 64 << 20

// writeMultipart writes a multipart message as a uint32 frame count
// followed by each frame as a uint32 length prefix plus payload.
func writeMultipart(w io.Writer, frames [][]byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(frames)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	for _, f := range frames {
		binary.BigEndian.PutUint32(hdr[:], uint32(len(f)))
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
		if len(f) == 0 {
			continue
		}
		if _, err := w.Write(f); err != nil {
			return err
		}
	}
	if bw, ok := w.(*bufio.Writer); ok {
		return bw.Flush()
	}
	return nil
}

// readMultipart is the inverse of writeMultipart.
func readMultipart(r io.Reader) ([][]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > 1<<16 {
		return nil, fmt.Errorf("transport: implausible frame count %d", n)
	}
	frames := make([][]byte, n)
	for i := range frames {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		flen := binary.BigEndian.Uint32(hdr[:])
		if flen > maxFrameLen {
			return nil, fmt.Errorf("transport: frame %d too large (%d bytes)", i, flen)
		}
		if flen == 0 {
			continue
		}
		buf := make([]byte, flen)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		frames[i] = buf
	}
	return frames, nil
}

// conn pairs a net.Conn with buffered I/O and satisfies
// kvmsg.FrameSink/FrameSource.
type conn struct {
	nc net.Conn
	r  *bufio.Reader
	w  *bufio.Writer
}

func newConn(nc net.Conn) *conn {
	return &conn{nc: nc, r: bufio.NewReader(nc), w: bufio.NewWriter(nc)}
}

func (c *conn) SendMultipart(frames [][]byte) error {
	return writeMultipart(c.w, frames)
}

func (c *conn) RecvMultipart() ([][]byte, error) {
	return readMultipart(c.r)
}

func (c *conn) Close() error { return c.nc.Close() }
