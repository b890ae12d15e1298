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
	"fmt"
	"sync"
	"time"

	"github.com/andy-bower/sfptpd/phc"
)

// PHCClock is the hardware clock of a network interface, exposed as a
// /dev/ptpN device. Timed events are the device's external timestamp
// channel.
type PHCClock struct {
	mu       sync.Mutex
	iface    string
	dev      *phc.Device
	maxFreq  float64
	store    correctionStore
	freqCorr float64
}

// NewPHCClock opens the hardware clock behind the named interface
func NewPHCClock(iface string, stateDir string) (*PHCClock, error) {
	ok, err := phc.SupportsHWTimestamps(iface)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("interface %s does not support hardware timestamping", iface)
	}
	dev, err := phc.FromIface(iface)
	if err != nil {
		return nil, err
	}
	maxFreq, err := dev.MaxFreqAdjPPB()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("reading caps of %s clock: %w", iface, err)
	}
	c := &PHCClock{
		iface:   iface,
		dev:     dev,
		maxFreq: maxFreq,
		store:   correctionStore{dir: stateDir},
	}
	c.freqCorr = c.store.load(c.HardwareID())
	return c, nil
}

// Name implements Clock
func (c *PHCClock) Name() string {
	return fmt.Sprintf("%s(%s)", c.dev.File().Name(), c.iface)
}

// HardwareID implements Clock
func (c *PHCClock) HardwareID() string { return c.iface }

// IsSystem implements Clock
func (c *PHCClock) IsSystem() bool { return false }

// Time implements Clock
func (c *PHCClock) Time() (time.Time, error) { return c.dev.Time() }

// CompareToSys implements Clock
func (c *PHCClock) CompareToSys() (time.Duration, error) { return c.dev.SysOffset() }

// AdjustFrequency implements Clock
func (c *PHCClock) AdjustFrequency(freqPPB float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, err := AdjFreqPPB(c.dev.ClockID(), freqPPB)
	return checkState(c.Name(), state, err)
}

// AdjustTime implements Clock
func (c *PHCClock) AdjustTime(offset time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, err := Step(c.dev.ClockID(), offset)
	return checkState(c.Name(), state, err)
}

// FrequencyCorrection implements Clock
func (c *PHCClock) FrequencyCorrection() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freqCorr
}

// SaveFrequencyCorrection implements Clock
func (c *PHCClock) SaveFrequencyCorrection(freqPPB float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freqCorr = freqPPB
	return c.store.save(c.HardwareID(), freqPPB)
}

// MaxFrequencyAdjustment implements Clock
func (c *PHCClock) MaxFrequencyAdjustment() float64 { return c.maxFreq }

// EnableEvents implements Clock
func (c *PHCClock) EnableEvents() error { return c.dev.EnableExtts() }

// DisableEvents implements Clock
func (c *PHCClock) DisableEvents() error { return c.dev.DisableExtts() }

// EventFD implements Clock
func (c *PHCClock) EventFD() int { return c.dev.FD() }

// ReadEvent implements Clock. External timestamp events carry no
// sequence number.
func (c *PHCClock) ReadEvent() (uint32, time.Time, error) {
	ts, err := c.dev.ReadExtts()
	if err != nil {
		if phc.IsNoEvent(err) {
			return SeqNumNone, time.Time{}, ErrNoEvent
		}
		return SeqNumNone, time.Time{}, err
	}
	return SeqNumNone, ts, nil
}

// Close releases the underlying device
func (c *PHCClock) Close() error { return c.dev.Close() }
