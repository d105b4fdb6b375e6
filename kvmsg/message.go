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

// Package kvmsg implements the self-describing key/value wire message:
// an ordered tuple of {key, sequence, uuid, properties, body} sent as
// five frames over the transport package's sockets.
package kvmsg

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Well-known property names.
const (
	PropCacheID = "cacheidstr"
	PropTTL     = "ttl"
	PropTTLDone = "ttld"
)

// MaxKeyLen is the wire limit on the KEY frame (§3).
const MaxKeyLen = 255

// MaxPropValueLen is the wire limit on a single property value (§3).
const MaxPropValueLen = 255

// KVMessage is the in-memory form of the five-frame wire record.
// The zero value is not ready for use; call New.
type KVMessage struct {
	key      string
	sequence uint64
	uuid     [16]byte
	props    []string // "name=value", last-set-wins order preserved by rewrite-in-place
	body     []byte
}

// New returns an empty message stamped with seq.
func New(seq uint64) *KVMessage {
	return &KVMessage{sequence: seq}
}

// Key returns the KEY frame.
func (m *KVMessage) Key() string { return m.key }

// SetKey sets the KEY frame. Keys longer than MaxKeyLen are truncated
// rather than rejected — callers that need to enforce the limit up
// front should check len(key) themselves.
func (m *KVMessage) SetKey(key string) {
	if len(key) > MaxKeyLen {
		key = key[:MaxKeyLen]
	}
	m.key = key
}

// Sequence returns the SEQUENCE frame.
func (m *KVMessage) Sequence() uint64 { return m.sequence }

// SetSequence sets the SEQUENCE frame.
func (m *KVMessage) SetSequence(seq uint64) { m.sequence = seq }

// UUID returns the 16-byte UUID frame.
func (m *KVMessage) UUID() [16]byte { return m.uuid }

// SetUUID sets the UUID frame to an explicit value (used when
// replaying a message received from a peer).
func (m *KVMessage) SetUUID(id [16]byte) { m.uuid = id }

// NewUUID stamps a fresh random UUID (used by clients originating a
// SET so the passive-side pending queue can dedup it later).
func (m *KVMessage) NewUUID() {
	id := uuid.New()
	copy(m.uuid[:], id[:])
}

// Body returns the BODY frame. A present-but-empty body and an absent
// body are indistinguishable here by design — §3's SET/DELETE
// invariant treats them the same way.
func (m *KVMessage) Body() []byte { return m.body }

// SetBody sets the BODY frame.
func (m *KVMessage) SetBody(body []byte) { m.body = body }

// IsDelete reports whether this message represents a DELETE of Key()
// per §3: "absent/empty body means DELETE of KEY".
func (m *KVMessage) IsDelete() bool { return len(m.body) == 0 }

// GetProp returns the value of a property, or "" if undefined —
// "retrieving an undefined property yields the empty string (never an
// error)" (§4.1).
func (m *KVMessage) GetProp(name string) string {
	prefix := name + "="
	for _, p := range m.props {
		if strings.HasPrefix(p, prefix) {
			return p[len(prefix):]
		}
	}
	return ""
}

// SetProp replaces any existing entry with the same name (scan, remove,
// append), giving last-write-wins semantics for duplicate sets (§4.1).
// value is truncated to MaxPropValueLen.
func (m *KVMessage) SetProp(name, value string) {
	if len(value) > MaxPropValueLen {
		value = value[:MaxPropValueLen]
	}
	prefix := name + "="
	out := m.props[:0]
	for _, p := range m.props {
		if !strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	m.props = append(out, prefix+value)
}

// Duplicate returns a deep copy of m.
func (m *KVMessage) Duplicate() *KVMessage {
	dup := &KVMessage{
		key:      m.key,
		sequence: m.sequence,
		uuid:     m.uuid,
	}
	if m.props != nil {
		dup.props = append([]string(nil), m.props...)
	}
	if m.body != nil {
		dup.body = append([]byte(nil), m.body...)
	}
	return dup
}

// String implements a terse debug dump, standing in for the original's
// kvmsg_dump (see SPEC_FULL.md, Supplemented features).
func (m *KVMessage) String() string {
	return fmt.Sprintf("kvmsg{key=%q seq=%d body=%dB props=%d}", m.key, m.sequence, len(m.body), len(m.props))
}

// Equal reports field-for-field equality, used by round-trip tests.
// Property order matters here because SetProp already normalizes it to
// last-write-wins order.
func (m *KVMessage) Equal(o *KVMessage) bool {
	if m.key != o.key || m.sequence != o.sequence || m.uuid != o.uuid {
		return false
	}
	if len(m.props) != len(o.props) {
		return false
	}
	for i := range m.props {
		if m.props[i] != o.props[i] {
			return false
		}
	}
	if len(m.body) != len(o.body) {
		return false
	}
	for i := range m.body {
		if m.body[i] != o.body[i] {
			return false
		}
	}
	return true
}
