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

package clockfeed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andy-bower/sfptpd/clock"
)

type fakeClock struct {
	name    string
	system  bool
	offset  time.Duration
	cmpErr  error
	freqPPB float64
}

func (f *fakeClock) Name() string                            { return f.name }
func (f *fakeClock) HardwareID() string                      { return f.name }
func (f *fakeClock) IsSystem() bool                          { return f.system }
func (f *fakeClock) Time() (time.Time, error)                { return time.Now(), nil }
func (f *fakeClock) CompareToSys() (time.Duration, error)    { return f.offset, f.cmpErr }
func (f *fakeClock) AdjustFrequency(ppb float64) error       { f.freqPPB = ppb; return nil }
func (f *fakeClock) AdjustTime(time.Duration) error          { return nil }
func (f *fakeClock) FrequencyCorrection() float64            { return 0 }
func (f *fakeClock) SaveFrequencyCorrection(float64) error   { return nil }
func (f *fakeClock) MaxFrequencyAdjustment() float64         { return 100000 }
func (f *fakeClock) EnableEvents() error                     { return nil }
func (f *fakeClock) DisableEvents() error                    { return nil }
func (f *fakeClock) EventFD() int                            { return -1 }
func (f *fakeClock) ReadEvent() (uint32, time.Time, error) {
	return clock.SeqNumNone, time.Time{}, clock.ErrNoEvent
}

func TestAddClockClampsPeriod(t *testing.T) {
	f := NewFeed(-2)
	c := &fakeClock{name: "phc0"}

	require.NoError(t, f.addClock(c, -4))
	require.Equal(t, -2, f.active[0].pollPeriodLog2)

	require.ErrorIs(t, f.addClock(c, -2), ErrDuplicateClock)
}

func TestSampleInvariants(t *testing.T) {
	f := NewFeed(-2)
	c := &fakeClock{name: "phc0", offset: 1500 * time.Nanosecond}
	require.NoError(t, f.addClock(c, -2))

	for i := 0; i < 40; i++ {
		prev := f.active[0].ring.writeCounter.Load()
		f.poll()
		wc := f.active[0].ring.writeCounter.Load()
		require.Equal(t, prev+1, wc)

		sample := f.active[0].ring.samples[(wc-1)&(Capacity-1)]
		require.Equal(t, wc-1, sample.Seq)
		require.NoError(t, sample.Err)
		require.Equal(t, c.offset, sample.Snapshot.Sub(sample.System))
	}
}

func TestSampleCadence(t *testing.T) {
	f := NewFeed(-2)
	slow := &fakeClock{name: "slow"}
	fast := &fakeClock{name: "fast"}
	require.NoError(t, f.addClock(slow, 0))
	require.NoError(t, f.addClock(fast, -2))

	for i := 0; i < 8; i++ {
		f.poll()
	}

	// the slow source runs at a quarter of the module cadence
	require.Equal(t, uint64(8), f.findSource(fast).ring.writeCounter.Load())
	require.Equal(t, uint64(2), f.findSource(slow).ring.writeCounter.Load())
}

func TestCompare(t *testing.T) {
	f := NewFeed(-2)
	c := &fakeClock{name: "phc0", offset: 42 * time.Microsecond}
	require.NoError(t, f.addClock(c, -2))

	sub, err := f.subscribe(c)
	require.NoError(t, err)

	_, err = Compare(sub, nil)
	require.ErrorIs(t, err, ErrNoSamples)

	f.poll()
	r, err := Compare(sub, nil)
	require.NoError(t, err)
	require.Equal(t, c.offset, r.Diff)
	require.Equal(t, c.offset, r.T1.Sub(r.T2))
}

func TestCompareTwoSources(t *testing.T) {
	f := NewFeed(-2)
	c1 := &fakeClock{name: "phc0", offset: 500 * time.Nanosecond}
	c2 := &fakeClock{name: "phc1", offset: 200 * time.Nanosecond}
	require.NoError(t, f.addClock(c1, -2))
	require.NoError(t, f.addClock(c2, -2))

	sub1, err := f.subscribe(c1)
	require.NoError(t, err)
	sub2, err := f.subscribe(c2)
	require.NoError(t, err)

	f.poll()
	r, err := Compare(sub1, sub2)
	require.NoError(t, err)
	require.Equal(t, 300*time.Nanosecond, r.Diff)
}

func TestCompareSystemToSystem(t *testing.T) {
	r, err := Compare(nil, nil)
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), r.Diff)
}

func TestCompareSamplingError(t *testing.T) {
	f := NewFeed(-2)
	boom := errors.New("no such device")
	c := &fakeClock{name: "phc0", cmpErr: boom}
	require.NoError(t, f.addClock(c, -2))

	sub, err := f.subscribe(c)
	require.NoError(t, err)

	f.poll()
	_, err = Compare(sub, nil)
	require.ErrorIs(t, err, boom)
}

func TestRequireFresh(t *testing.T) {
	f := NewFeed(-2)
	c := &fakeClock{name: "phc0"}
	require.NoError(t, f.addClock(c, -2))

	sub, err := f.subscribe(c)
	require.NoError(t, err)

	f.poll()
	_, err = Compare(sub, nil)
	require.NoError(t, err)

	sub.RequireFresh()
	_, err = Compare(sub, nil)
	require.ErrorIs(t, err, ErrStale)

	f.poll()
	_, err = Compare(sub, nil)
	require.NoError(t, err)

	// the freshness floor never moves backwards
	floor := sub.minCounter
	sub.RequireFresh()
	require.GreaterOrEqual(t, sub.minCounter, floor)
}

func TestMaxAge(t *testing.T) {
	f := NewFeed(-2)
	c := &fakeClock{name: "phc0"}
	require.NoError(t, f.addClock(c, -2))

	sub, err := f.subscribe(c)
	require.NoError(t, err)
	sub.SetMaxAge(0)

	f.poll()
	_, err = Compare(sub, nil)
	require.ErrorIs(t, err, ErrStale)

	sub.SetMaxAge(time.Minute)
	_, err = Compare(sub, nil)
	require.NoError(t, err)
}

func TestMaxAgeDiff(t *testing.T) {
	f := NewFeed(-2)
	c1 := &fakeClock{name: "phc0"}
	c2 := &fakeClock{name: "phc1"}
	require.NoError(t, f.addClock(c1, -2))
	require.NoError(t, f.addClock(c2, -2))

	sub1, err := f.subscribe(c1)
	require.NoError(t, err)
	sub2, err := f.subscribe(c2)
	require.NoError(t, err)

	f.poll()
	sub1.SetMaxAgeDiff(time.Hour)
	_, err = Compare(sub1, sub2)
	require.NoError(t, err)

	// both samples are captured in the same cycle, so a tight bound
	// still passes while a zero bound cannot
	sub2.SetMaxAgeDiff(0)
	_, err = Compare(sub1, sub2)
	require.ErrorIs(t, err, ErrStale)
}

func TestOverrun(t *testing.T) {
	f := NewFeed(-2)
	c := &fakeClock{name: "phc0"}
	require.NoError(t, f.addClock(c, -2))

	sub, err := f.subscribe(c)
	require.NoError(t, err)

	f.poll()

	// lap the reader between its slot copy and counter re-check
	testHookPostSnapshot = func() {
		testHookPostSnapshot = nil
		for i := 0; i < Capacity; i++ {
			f.poll()
		}
	}
	defer func() { testHookPostSnapshot = nil }()

	_, err = Compare(sub, nil)
	require.ErrorIs(t, err, ErrOverrun)

	// with the writer quiet again the read succeeds
	_, err = Compare(sub, nil)
	require.NoError(t, err)
}

func TestRemoveClockLifecycle(t *testing.T) {
	f := NewFeed(-2)
	c := &fakeClock{name: "phc0"}
	require.NoError(t, f.addClock(c, -2))

	sub, err := f.subscribe(c)
	require.NoError(t, err)

	f.poll()
	require.NoError(t, f.removeClock(c))
	require.Len(t, f.active, 0)
	require.Len(t, f.inactive, 1)

	_, err = Compare(sub, nil)
	require.ErrorIs(t, err, ErrSourceRemoved)

	// releasing the last subscription reaps the source
	require.NoError(t, f.unsubscribe(sub))
	require.Len(t, f.inactive, 0)

	require.ErrorIs(t, f.removeClock(c), ErrUnknownClock)
}

func TestSubscribeUnknownClock(t *testing.T) {
	f := NewFeed(-2)
	_, err := f.subscribe(&fakeClock{name: "phc9"})
	require.ErrorIs(t, err, ErrUnknownClock)
}

func TestEventSubscriberCapacity(t *testing.T) {
	f := NewFeed(-2)

	chans := make([]chan struct{}, MaxEventSubscribers)
	for i := range chans {
		chans[i] = make(chan struct{}, 1)
		require.NoError(t, f.subscribeEvents(chans[i]))
	}
	extra := make(chan struct{}, 1)
	require.ErrorIs(t, f.subscribeEvents(extra), ErrEventCapacity)

	f.poll()
	for _, ch := range chans {
		select {
		case <-ch:
		default:
			t.Fatal("expected cycle-complete event")
		}
	}

	require.NoError(t, f.unsubscribeEvents(chans[0]))
	require.NoError(t, f.subscribeEvents(extra))
}

func TestRunLoop(t *testing.T) {
	// exercise the message-driven surface with the worker goroutine
	f := NewFeed(-8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.Run(ctx)
	}()

	c := &fakeClock{name: "phc0", offset: time.Microsecond}
	require.NoError(t, f.AddClock(c, -8))
	f.Start()

	sub, err := f.Subscribe(c)
	require.NoError(t, err)
	require.NotNil(t, sub)

	// the system clock gets a null subscription
	sys, err := f.Subscribe(&fakeClock{name: "system", system: true})
	require.NoError(t, err)
	require.Nil(t, sys)

	deadline := time.After(2 * time.Second)
	for {
		r, err := Compare(sub, nil)
		if err == nil {
			require.Equal(t, time.Microsecond, r.Diff)
			break
		}
		select {
		case <-deadline:
			t.Fatalf("no sample produced: %v", err)
		case <-time.After(5 * time.Millisecond):
		}
	}

	require.NoError(t, f.Unsubscribe(sub))
	cancel()
	<-done
}
