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

package kvmsg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// memPipe is an in-process FrameSink+FrameSource used to test Send/Recv
// without a real transport.Socket.
type memPipe struct {
	frames [][]byte
}

func (p *memPipe) SendMultipart(frames [][]byte) error {
	p.frames = frames
	return nil
}

func (p *memPipe) RecvMultipart() ([][]byte, error) {
	return p.frames, nil
}

func TestSendRecvRoundTrip(t *testing.T) {
	m := New(42)
	m.SetKey("alpha")
	m.SetBody([]byte("value"))
	m.SetProp("cacheidstr", "c0")
	m.SetProp("ttl", "1000")
	m.NewUUID()

	pipe := &memPipe{}
	require.NoError(t, m.Send(pipe))

	got, err := Recv(pipe)
	require.NoError(t, err)
	require.True(t, m.Equal(got), "round-trip mismatch: sent %v got %v", m, got)
}

func TestRecvWrongFrameCount(t *testing.T) {
	pipe := &memPipe{frames: [][]byte{[]byte("only one")}}
	_, err := Recv(pipe)
	require.Error(t, err)
}

func TestRecvBadSequenceFrame(t *testing.T) {
	pipe := &memPipe{frames: [][]byte{
		[]byte("k"), []byte("short"), make([]byte, 16), nil, nil,
	}}
	_, err := Recv(pipe)
	require.Error(t, err)
}

func TestEmptyPropsRoundTrip(t *testing.T) {
	m := New(1)
	m.SetKey("k")
	pipe := &memPipe{}
	require.NoError(t, m.Send(pipe))
	got, err := Recv(pipe)
	require.NoError(t, err)
	require.Empty(t, got.props)
	require.True(t, m.Equal(got))
}
