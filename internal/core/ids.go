// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

/*

Records are addressed by a fixed width Key. Clients normally derive it from a
human readable name by hashing, which also spreads keys uniformly over the key
space so that key range iteration partitions nicely:

  Key = SHA-512(name)             64 bytes
        xx xx xx xx xx xx ... xx
        |---------|
         Short() prints these 6 bytes, the rest is only shown by String()

A group is a replica set: a record written with groups {1, 2, 3} is stored
on one record server of each of those groups. Groups are identified by a
small integer.

*/

// KeySize is the width of Key in bytes.
const KeySize = 64

// Key identifies a record.
type Key [KeySize]byte

// GroupID identifies a replica group.
type GroupID uint32

// ErrInvalidID is returned when parsing an invalid id.
var ErrInvalidID = errors.New("invalid id format")

// KeyFromName derives the key of a record from its name.
func KeyFromName(name string) Key {
	return Key(sha512.Sum512([]byte(name)))
}

// ParseKey parses the hex encoding of a key. Input shorter than the full key
// is zero padded on the right, the same way partial ids are accepted by
// command line tools.
func ParseKey(s string) (Key, error) {
	var k Key
	if len(s) == 0 || len(s) > 2*KeySize {
		return k, ErrInvalidID
	}
	if len(s)%2 == 1 {
		s += "0"
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, ErrInvalidID
	}
	copy(k[:], b)
	return k, nil
}

// Compare returns an integer comparing two keys lexicographically.
func (k Key) Compare(o Key) int {
	return bytes.Compare(k[:], o[:])
}

// Less reports whether k sorts before o.
func (k Key) Less(o Key) bool {
	return k.Compare(o) < 0
}

// IsZero reports whether every byte of k is zero.
func (k Key) IsZero() bool {
	return k == Key{}
}

// String returns the full hex encoding of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Short returns an abbreviated form of the key suitable for logging.
func (k Key) Short() string {
	return hex.EncodeToString(k[:6])
}

// KeyRange is an inclusive range of keys.
type KeyRange struct {
	Begin, End Key
}

// Contains reports whether k falls into [r.Begin, r.End].
func (r KeyRange) Contains(k Key) bool {
	return r.Begin.Compare(k) <= 0 && k.Compare(r.End) <= 0
}

// IsZero reports whether both bounds are zero.
func (r KeyRange) IsZero() bool {
	return r.Begin.IsZero() && r.End.IsZero()
}

// String returns a human readable representation of the range.
func (r KeyRange) String() string {
	return fmt.Sprintf("[%s, %s]", r.Begin.Short(), r.End.Short())
}

// String returns a human readable group id.
func (g GroupID) String() string {
	return fmt.Sprintf("%d", g)
}

// GroupsString formats a list of groups like "[1 2 3]".
func GroupsString(groups []GroupID) string {
	parts := make([]string, len(groups))
	for i, g := range groups {
		parts[i] = g.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}
