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
	"encoding/binary"
	"fmt"
	"strings"
)

// FrameSink is anything that can emit a multi-frame message — the
// transport package's sockets satisfy this without kvmsg importing
// transport.
type FrameSink interface {
	SendMultipart(frames [][]byte) error
}

// FrameSource is the receive half of FrameSink.
type FrameSource interface {
	RecvMultipart() ([][]byte, error)
}

// NumFrames is the fixed frame count of a KVMessage on the wire: KEY,
// SEQUENCE, UUID, PROPERTIES, BODY (§6).
const NumFrames = 5

// Send emits all five frames in order over sink, each a separate
// atomic frame; empty/absent frames go out as zero-length (§4.1).
func (m *KVMessage) Send(sink FrameSink) error {
	seqBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBuf, m.sequence)

	frames := [][]byte{
		[]byte(m.key),
		seqBuf,
		m.uuid[:],
		[]byte(encodeProps(m.props)),
		m.body,
	}
	if err := sink.SendMultipart(frames); err != nil {
		return fmt.Errorf("kvmsg: send: %w", err)
	}
	return nil
}

// Recv reads exactly five frames from source and reconstructs a
// KVMessage. It fails if the source did not deliver exactly NumFrames
// frames — "fails if the multi-frame indicator is inconsistent" (§4.1).
func Recv(source FrameSource) (*KVMessage, error) {
	frames, err := source.RecvMultipart()
	if err != nil {
		return nil, fmt.Errorf("kvmsg: recv: %w", err)
	}
	return DecodeFrames(frames)
}

// DecodeFrames reconstructs a KVMessage from an already-read frame set,
// for callers (the server's collector handler) that received the
// frames as part of a transport.Request rather than off a FrameSource.
func DecodeFrames(frames [][]byte) (*KVMessage, error) {
	if len(frames) != NumFrames {
		return nil, fmt.Errorf("kvmsg: recv: expected %d frames, got %d", NumFrames, len(frames))
	}
	m := &KVMessage{}
	m.key = string(frames[0])
	if len(frames[1]) != 8 {
		return nil, fmt.Errorf("kvmsg: recv: sequence frame must be 8 bytes, got %d", len(frames[1]))
	}
	m.sequence = binary.BigEndian.Uint64(frames[1])
	if len(frames[2]) != 0 {
		if len(frames[2]) != 16 {
			return nil, fmt.Errorf("kvmsg: recv: uuid frame must be 16 bytes, got %d", len(frames[2]))
		}
		copy(m.uuid[:], frames[2])
	}
	m.props = decodeProps(string(frames[3]))
	if len(frames[4]) > 0 {
		m.body = append([]byte(nil), frames[4]...)
	}
	return m, nil
}

// encodeProps concatenates "name=value" entries, each newline
// terminated, matching §4.1's wire encoding.
func encodeProps(props []string) string {
	if len(props) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range props {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	return b.String()
}

// decodeProps splits the newline-terminated property blob back into
// the in-memory "name=value" list, preserving order.
func decodeProps(blob string) []string {
	if blob == "" {
		return nil
	}
	lines := strings.Split(blob, "\n")
	props := make([]string, 0, len(lines))
	for _, l := range lines {
		if l == "" {
			continue
		}
		props = append(props, l)
	}
	return props
}
