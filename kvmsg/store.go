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

// Hash is the minimal map contract kvmsg.Store needs. memcache.MemCache
// satisfies it; tests can use a plain map[string]*KVMessage-backed
// fake.
type Hash interface {
	Set(key string, msg *KVMessage)
	Delete(key string)
}

// Store applies m to hash per §4.1: a present non-empty body is an
// insert-or-replace of Key(); an absent/empty body deletes Key().
func (m *KVMessage) Store(hash Hash) {
	if m.IsDelete() {
		hash.Delete(m.key)
		return
	}
	hash.Set(m.key, m)
}
