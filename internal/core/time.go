// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"fmt"
	"time"
)

// Timestamp is a record timestamp with nanosecond resolution. It is the unit
// of compare-and-swap: a write with an older timestamp than the stored record
// is refused when IOFlagCASTimestamp is set.
type Timestamp struct {
	Sec  uint64
	Nsec uint64
}

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return FromTime(time.Now())
}

// FromTime converts a time.Time.
func FromTime(t time.Time) Timestamp {
	return Timestamp{Sec: uint64(t.Unix()), Nsec: uint64(t.Nanosecond())}
}

// Time converts back to a time.Time.
func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t.Sec), int64(t.Nsec))
}

// Compare returns -1, 0 or 1 depending on whether t is before, equal to or
// after o.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Sec < o.Sec:
		return -1
	case t.Sec > o.Sec:
		return 1
	case t.Nsec < o.Nsec:
		return -1
	case t.Nsec > o.Nsec:
		return 1
	}
	return 0
}

// After reports whether t is strictly newer than o.
func (t Timestamp) After(o Timestamp) bool {
	return t.Compare(o) > 0
}

// IsZero reports whether the timestamp is unset.
func (t Timestamp) IsZero() bool {
	return t.Sec == 0 && t.Nsec == 0
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%s.%06d", t.Time().UTC().Format("2006-01-02 15:04:05"), t.Nsec/1000)
}
