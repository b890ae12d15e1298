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

// Package clockfeed converts on-demand clock comparisons into a steady
// cadence of cached samples. A single worker goroutine samples every
// registered clock against the system clock on a fixed tick and writes
// the result into a per-source ring; subscribers read the most recent
// sample lock-free through handles that enforce freshness and age
// bounds.
package clockfeed

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/andy-bower/sfptpd/clock"
)

const (
	samplesLog2 = 4
	// Capacity is the number of samples retained per source
	Capacity = 1 << samplesLog2

	// MaxEventSubscribers is the fixed size of the cycle-event
	// subscriber table
	MaxEventSubscribers = 4
)

// Read-side contract failures. Callers treat all of them as "skip this
// iteration".
var (
	// ErrNoSamples means the source has not produced any sample yet
	ErrNoSamples = errors.New("clockfeed: no samples yet obtained")
	// ErrStale means the freshest sample does not satisfy the
	// subscription's freshness or age bounds
	ErrStale = errors.New("clockfeed: sample is stale")
	// ErrOverrun means the writer lapped the reader while it was
	// reading the latest slot
	ErrOverrun = errors.New("clockfeed: sample lost while reading")
	// ErrSourceRemoved means the source was removed from the feed
	ErrSourceRemoved = errors.New("clockfeed: source removed")
	// ErrUnknownClock means the clock has no source in the feed
	ErrUnknownClock = errors.New("clockfeed: unknown clock")
	// ErrEventCapacity means the cycle-event subscriber table is full.
	// It is fatal to the requester.
	ErrEventCapacity = errors.New("clockfeed: event subscriber table full")
	// ErrDuplicateClock means the clock already has a source
	ErrDuplicateClock = errors.New("clockfeed: clock already added")
)

// Sample is one ring entry: a reconstructed reading of the source clock
// paired with the system and monotonic capture timestamps.
type Sample struct {
	Seq      uint64
	Err      error
	Mono     time.Time
	System   time.Time
	Snapshot time.Time
}

// ring is the single-writer/multi-reader sample buffer. The write
// counter is published after each completed write and re-checked by
// readers to detect overrun.
type ring struct {
	samples      [Capacity]Sample
	writeCounter atomic.Uint64
}

type source struct {
	clock          clock.Clock
	pollPeriodLog2 int
	cycles         uint64
	ring           ring
	subscribers    int
	inactive       atomic.Bool
}

// Subscription is a reader handle for one source. It is owned by the
// subscribing worker and must not be shared between goroutines.
type Subscription struct {
	source      *source
	readCounter int64
	minCounter  int64
	maxAge      time.Duration
	maxAgeDiff  time.Duration
	hasMaxAge   bool
	hasAgeDiff  bool
}

// Reading is the result of a successful comparison
type Reading struct {
	// Diff is sub1 minus sub2 (or minus the system clock)
	Diff time.Duration
	// T1 is the reconstructed reading of the source clock
	T1 time.Time
	// T2 is the system timestamp of the sample (sub2's reconstructed
	// clock reading for a two-source comparison)
	T2 time.Time
	// Mono is the monotonic capture timestamp (the older of the two
	// for a two-source comparison)
	Mono time.Time
}

type msgID int

const (
	msgRun msgID = iota + 1
	msgAddClock
	msgRemoveClock
	msgSubscribe
	msgUnsubscribe
	msgSubscribeEvents
	msgUnsubscribeEvents
)

type message struct {
	id             msgID
	clock          clock.Clock
	pollPeriodLog2 int
	sub            *Subscription
	events         chan<- struct{}
	reply          chan reply
}

type reply struct {
	sub *Subscription
	err error
}

// Feed is the process-wide clock feed service. All mutation happens on
// the worker goroutine driven by Run; the exported methods are
// synchronous messages to it.
type Feed struct {
	pollPeriodLog2 int
	msgs           chan message
	done           chan struct{}

	// state below is owned by the worker goroutine
	active    []*source
	inactive  []*source
	eventSubs [MaxEventSubscribers]chan<- struct{}
	running   bool
}

// PollInterval converts a log2 seconds period to a duration
func PollInterval(log2 int) time.Duration {
	return time.Duration(math.Ldexp(float64(time.Second), log2))
}

// NewFeed creates the clock feed service with the given global log2
// poll period. Run must be started before any synchronous call.
func NewFeed(pollPeriodLog2 int) *Feed {
	return &Feed{
		pollPeriodLog2: pollPeriodLog2,
		msgs:           make(chan message),
		done:           make(chan struct{}),
	}
}

// Run executes the feed worker until the context is cancelled
func (f *Feed) Run(ctx context.Context) error {
	interval := PollInterval(f.pollPeriodLog2)
	log.Debugf("clockfeed: set poll interval to %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			f.shutdown()
			return nil
		case <-ticker.C:
			f.poll()
		case m := <-f.msgs:
			f.handle(m)
		}
	}
}

func (f *Feed) handle(m message) {
	switch m.id {
	case msgRun:
		f.running = true
		m.reply <- reply{}
	case msgAddClock:
		m.reply <- reply{err: f.addClock(m.clock, m.pollPeriodLog2)}
	case msgRemoveClock:
		m.reply <- reply{err: f.removeClock(m.clock)}
	case msgSubscribe:
		sub, err := f.subscribe(m.clock)
		m.reply <- reply{sub: sub, err: err}
	case msgUnsubscribe:
		m.reply <- reply{err: f.unsubscribe(m.sub)}
	case msgSubscribeEvents:
		m.reply <- reply{err: f.subscribeEvents(m.events)}
	case msgUnsubscribeEvents:
		m.reply <- reply{err: f.unsubscribeEvents(m.events)}
	}
}

// poll samples every active source that is due this cycle, then emits a
// cycle-complete event to each registered subscriber.
func (f *Feed) poll() {
	for _, s := range f.active {
		cadence := uint(s.pollPeriodLog2 - f.pollPeriodLog2)
		cadenceMask := uint64(1)<<cadence - 1
		if s.cycles&cadenceMask == 0 {
			wc := s.ring.writeCounter.Load()
			rec := &s.ring.samples[wc&(Capacity-1)]

			diff, err := s.clock.CompareToSys()
			rec.Seq = wc
			rec.Err = err
			rec.Mono = time.Now()
			rec.System = rec.Mono.Round(0)
			if err == nil {
				rec.Snapshot = rec.System.Add(diff)
			} else {
				rec.Snapshot = time.Time{}
			}

			s.ring.writeCounter.Store(wc + 1)
		}
		s.cycles++
	}

	// Sit out an event if there is back-pressure
	for _, ch := range f.eventSubs {
		if ch != nil {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

func (f *Feed) addClock(c clock.Clock, pollPeriodLog2 int) error {
	for _, s := range f.active {
		if s.clock == c {
			log.Errorf("clockfeed: clock %s already added", c.Name())
			return ErrDuplicateClock
		}
	}
	if pollPeriodLog2 < f.pollPeriodLog2 {
		log.Errorf("clockfeed: requested poll rate for %s (%d) exceeds global limit of %d",
			c.Name(), pollPeriodLog2, f.pollPeriodLog2)
		pollPeriodLog2 = f.pollPeriodLog2
	}
	s := &source{clock: c, pollPeriodLog2: pollPeriodLog2}
	f.active = append(f.active, s)
	log.Debugf("clockfeed: added source %s with log2 sync interval %d", c.Name(), pollPeriodLog2)
	return nil
}

func (f *Feed) removeClock(c clock.Clock) error {
	for i, s := range f.active {
		if s.clock == c {
			f.active = append(f.active[:i], f.active[i+1:]...)
			s.inactive.Store(true)
			f.inactive = append(f.inactive, s)
			log.Debugf("clockfeed: marked source inactive: %s", c.Name())
			f.reap(s)
			return nil
		}
	}
	log.Errorf("clockfeed: cannot remove inactive clock %s", c.Name())
	return ErrUnknownClock
}

func (f *Feed) findSource(c clock.Clock) *source {
	for _, s := range f.active {
		if s.clock == c {
			return s
		}
	}
	for _, s := range f.inactive {
		if s.clock == c {
			return s
		}
	}
	return nil
}

func (f *Feed) subscribe(c clock.Clock) (*Subscription, error) {
	s := f.findSource(c)
	if s == nil {
		log.Errorf("clockfeed: non-existent clock subscribed to: %s", c.Name())
		return nil, ErrUnknownClock
	}
	if s.inactive.Load() {
		log.Warningf("clockfeed: subscribed to inactive source %s", c.Name())
	}
	s.subscribers++
	return &Subscription{source: s, readCounter: -1, minCounter: -1}, nil
}

func (f *Feed) unsubscribe(sub *Subscription) error {
	if sub == nil || sub.source == nil {
		return nil
	}
	s := sub.source
	sub.source = nil
	if s.subscribers == 0 {
		log.Errorf("clockfeed: non-existent clock subscription")
		return ErrUnknownClock
	}
	s.subscribers--
	f.reap(s)
	return nil
}

// reap frees an inactive source once the last subscription is released
func (f *Feed) reap(s *source) {
	if !s.inactive.Load() || s.subscribers > 0 {
		return
	}
	for i, z := range f.inactive {
		if z == s {
			f.inactive = append(f.inactive[:i], f.inactive[i+1:]...)
			log.Debugf("clockfeed: removing source %s", s.clock.Name())
			return
		}
	}
}

func (f *Feed) subscribeEvents(ch chan<- struct{}) error {
	for i := range f.eventSubs {
		if f.eventSubs[i] == nil {
			f.eventSubs[i] = ch
			return nil
		}
	}
	return ErrEventCapacity
}

func (f *Feed) unsubscribeEvents(ch chan<- struct{}) error {
	for i := range f.eventSubs {
		if f.eventSubs[i] == ch {
			f.eventSubs[i] = nil
			return nil
		}
	}
	log.Debugf("clockfeed: non-subscriber event unsubscription request ignored")
	return nil
}

func (f *Feed) shutdown() {
	log.Infof("clockfeed: shutting down")
	for _, s := range f.active {
		s.inactive.Store(true)
		f.inactive = append(f.inactive, s)
	}
	f.active = nil
	remaining := 0
	for _, s := range f.inactive {
		if s.subscribers > 0 {
			remaining++
		}
	}
	if remaining > 0 {
		log.Warningf("clockfeed: %d clock source subscribers remaining on shutdown", remaining)
	}
	close(f.done)
}

func (f *Feed) call(m message) reply {
	m.reply = make(chan reply, 1)
	select {
	case f.msgs <- m:
		return <-m.reply
	case <-f.done:
		return reply{err: ErrSourceRemoved}
	}
}

// Start moves the feed into the running phase
func (f *Feed) Start() {
	f.call(message{id: msgRun})
}

// AddClock registers a clock to be sampled every 2^pollPeriodLog2
// seconds. Periods shorter than the feed's global period are clamped.
// Adding the same clock twice is an error.
func (f *Feed) AddClock(c clock.Clock, pollPeriodLog2 int) error {
	return f.call(message{id: msgAddClock, clock: c, pollPeriodLog2: pollPeriodLog2}).err
}

// RemoveClock moves the clock's source to the inactive list; it is
// freed once the last subscription is released.
func (f *Feed) RemoveClock(c clock.Clock) error {
	return f.call(message{id: msgRemoveClock, clock: c}).err
}

// Subscribe returns a read handle for the given clock's feed. The
// system clock has no feed; callers get a nil subscription which all
// read-side operations treat as "the system clock".
func (f *Feed) Subscribe(c clock.Clock) (*Subscription, error) {
	if c.IsSystem() {
		return nil, nil
	}
	r := f.call(message{id: msgSubscribe, clock: c})
	return r.sub, r.err
}

// Unsubscribe releases a subscription, possibly reclaiming an inactive
// source.
func (f *Feed) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return nil
	}
	return f.call(message{id: msgUnsubscribe, sub: sub}).err
}

// SubscribeEvents registers a channel to receive a notification after
// each completed sampling cycle. The table is fixed-size; exceeding it
// is fatal to the requester.
func (f *Feed) SubscribeEvents(ch chan<- struct{}) error {
	return f.call(message{id: msgSubscribeEvents, events: ch}).err
}

// UnsubscribeEvents removes a cycle-event registration
func (f *Feed) UnsubscribeEvents(ch chan<- struct{}) error {
	return f.call(message{id: msgUnsubscribeEvents, events: ch}).err
}
