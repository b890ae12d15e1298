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
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// maximum frequency adjustment the kernel accepts for the system clock
const sysMaxFreqAdjPPB = 500000.0

var errNoEventSource = errors.New("system clock has no timed-event source")

// SystemClock is the CLOCK_REALTIME system clock
type SystemClock struct {
	mu       sync.Mutex
	store    correctionStore
	freqCorr float64
}

// NewSystemClock returns the system clock handle, loading any persisted
// frequency correction from stateDir.
func NewSystemClock(stateDir string) *SystemClock {
	c := &SystemClock{store: correctionStore{dir: stateDir}}
	c.freqCorr = c.store.load(c.HardwareID())
	return c
}

// Name implements Clock
func (c *SystemClock) Name() string { return "system" }

// HardwareID implements Clock
func (c *SystemClock) HardwareID() string { return "system" }

// IsSystem implements Clock
func (c *SystemClock) IsSystem() bool { return true }

// Time implements Clock
func (c *SystemClock) Time() (time.Time, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &ts); err != nil {
		return time.Time{}, err
	}
	return time.Unix(ts.Sec, ts.Nsec), nil
}

// CompareToSys implements Clock. The system clock compared to itself is
// always zero.
func (c *SystemClock) CompareToSys() (time.Duration, error) { return 0, nil }

// AdjustFrequency implements Clock
func (c *SystemClock) AdjustFrequency(freqPPB float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, err := AdjFreqPPB(unix.CLOCK_REALTIME, freqPPB)
	return checkState(c.Name(), state, err)
}

// AdjustTime implements Clock
func (c *SystemClock) AdjustTime(offset time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, err := Step(unix.CLOCK_REALTIME, offset)
	return checkState(c.Name(), state, err)
}

// FrequencyCorrection implements Clock
func (c *SystemClock) FrequencyCorrection() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freqCorr
}

// SaveFrequencyCorrection implements Clock
func (c *SystemClock) SaveFrequencyCorrection(freqPPB float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freqCorr = freqPPB
	return c.store.save(c.HardwareID(), freqPPB)
}

// MaxFrequencyAdjustment implements Clock
func (c *SystemClock) MaxFrequencyAdjustment() float64 { return sysMaxFreqAdjPPB }

// EnableEvents implements Clock
func (c *SystemClock) EnableEvents() error { return errNoEventSource }

// DisableEvents implements Clock
func (c *SystemClock) DisableEvents() error { return nil }

// EventFD implements Clock
func (c *SystemClock) EventFD() int { return -1 }

// ReadEvent implements Clock
func (c *SystemClock) ReadEvent() (uint32, time.Time, error) {
	return SeqNumNone, time.Time{}, errNoEventSource
}
