// Copyright 2017 The go-ethereum Authors
// (original work)
// Copyright 2024 The Erigon Authors
// (modifications)
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

// Package numeric holds the small sequence/counter arithmetic shared by
// memcache and server: parsing the durable SEQUENCENUMBER watermark and
// advancing it without silently wrapping.
package numeric

import (
	"math/bits"
	"strconv"
)

// ParseUint64 parses s as a decimal integer. The empty string parses as
// zero, matching an absent durable SEQUENCENUMBER entry.
func ParseUint64(s string) (uint64, bool) {
	if s == "" {
		return 0, true
	}
	v, err := strconv.ParseUint(s, 10, 64)
	return v, err == nil
}

// MustParseUint64 parses s as an integer and panics if the string is
// invalid. It suits only values this process itself wrote; nothing in
// this module calls it.
func MustParseUint64(s string) uint64 {
	v, ok := ParseUint64(s)
	if !ok {
		panic("invalid unsigned 64 bit integer: " + s)
	}
	return v
}

// SafeAdd returns x+y and whether the addition overflowed 64 bits.
// A sequence number is never allowed to wrap silently (§3 invariant a:
// "sequence is monotonically non-decreasing, never replayed downward").
func SafeAdd(x, y uint64) (uint64, bool) {
	sum, carryOut := bits.Add64(x, y, 0)
	return sum, carryOut != 0
}
