/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package clock

import (
	"errors"
	"time"
)

// SeqNumNone is the sequence number reported by event sources that have
// no sequence number concept.
const SeqNumNone = ^uint32(0)

// ErrNoEvent is returned by ReadEvent when no timed event is pending.
var ErrNoEvent = errors.New("no event pending")

// Clock is a local reference clock that can be read, compared against
// the system clock and disciplined. The system clock and NIC hardware
// clocks both implement it. Handles are registered once and remain
// valid for the process lifetime; implementations serialize their own
// adjustments.
type Clock interface {
	// Name is the human readable clock name, e.g. "system" or "/dev/ptp2(eth0)"
	Name() string

	// HardwareID uniquely identifies the underlying hardware
	HardwareID() string

	// IsSystem reports whether this is the system realtime clock
	IsSystem() bool

	// Time reads the current time of the clock
	Time() (time.Time, error)

	// CompareToSys returns the offset of this clock from the system
	// clock, i.e. clock time minus system time
	CompareToSys() (time.Duration, error)

	// AdjustFrequency adjusts the clock frequency in parts per billion
	AdjustFrequency(freqPPB float64) error

	// AdjustTime steps the clock by the given offset
	AdjustTime(offset time.Duration) error

	// FrequencyCorrection returns the persisted long-term frequency
	// correction for this clock in ppb
	FrequencyCorrection() float64

	// SaveFrequencyCorrection persists the given frequency correction
	SaveFrequencyCorrection(freqPPB float64) error

	// MaxFrequencyAdjustment returns the maximum frequency adjustment
	// the clock supports, in ppb
	MaxFrequencyAdjustment() float64

	// EnableEvents enables the timed-event source bound to the clock
	EnableEvents() error

	// DisableEvents disables the timed-event source bound to the clock
	DisableEvents() error

	// EventFD returns the file descriptor delivering timed events, or
	// -1 if events must be polled via ReadEvent
	EventFD() int

	// ReadEvent returns the next pending timed event as a sequence
	// number and a hardware timestamp. Returns ErrNoEvent when no
	// event is pending; sources without sequence numbers report
	// SeqNumNone.
	ReadEvent() (seq uint32, ts time.Time, err error)
}
