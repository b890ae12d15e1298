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
	"time"

	log "github.com/sirupsen/logrus"
)

// testHookPostSnapshot, when set, runs between the slot copy and the
// write-counter re-read so tests can provoke an overrun deterministically
var testHookPostSnapshot func()

// RequireFresh arranges for the next read to fail with ErrStale unless
// a sample newer than the last read one has been produced.
func (sub *Subscription) RequireFresh() {
	if sub == nil {
		return
	}
	sub.minCounter = sub.readCounter + 1
}

// SetMaxAge bounds the age of samples returned through this
// subscription, measured against the monotonic clock.
func (sub *Subscription) SetMaxAge(maxAge time.Duration) {
	if sub == nil {
		return
	}
	sub.maxAge = maxAge
	sub.hasMaxAge = true
}

// SetMaxAgeDiff bounds the capture-time difference between the two
// samples of a two-subscription comparison.
func (sub *Subscription) SetMaxAgeDiff(maxAgeDiff time.Duration) {
	if sub == nil {
		return
	}
	sub.maxAgeDiff = maxAgeDiff
	sub.hasAgeDiff = true
}

// compareToSys reads the freshest sample of the subscribed source. The
// ring is written by the feed worker only; readers detect a lapping
// writer by re-reading the write counter after copying the slot.
func (sub *Subscription) compareToSys(r *Reading) error {
	s := sub.source
	if s == nil || s.inactive.Load() {
		return ErrSourceRemoved
	}

	w1 := s.ring.writeCounter.Load()
	if w1 == 0 {
		log.Errorf("clockfeed: no samples yet obtained from %s", s.clock.Name())
		return ErrNoSamples
	}

	sample := s.ring.samples[(w1-1)&(Capacity-1)]

	if sample.Err != nil {
		return sample.Err
	}

	if testHookPostSnapshot != nil {
		testHookPostSnapshot()
	}

	w2 := s.ring.writeCounter.Load()
	if w2 >= w1+Capacity-1 {
		log.Warningf("clockfeed %s: last sample lost while reading - reader too slow? %d > %d + %d",
			s.clock.Name(), w2, w1, Capacity-1)
		return ErrOverrun
	}

	if int64(w1) < sub.minCounter {
		log.Warningf("clockfeed %s: old sample (%d) when fresh one (%d) requested",
			s.clock.Name(), w1, sub.minCounter)
		return ErrStale
	}
	if sub.hasMaxAge && time.Since(sample.Mono) > sub.maxAge {
		log.Warningf("clockfeed %s: sample too old", s.clock.Name())
		return ErrStale
	}

	r.Diff = sample.Snapshot.Sub(sample.System)
	r.T1 = sample.Snapshot
	r.T2 = sample.System
	r.Mono = sample.Mono
	sub.readCounter = int64(w1)
	return nil
}

// Compare reads both subscriptions and returns the offset of sub1's
// clock from sub2's. A nil subscription stands for the system clock; a
// comparison of two nil subscriptions is trivially zero.
func Compare(sub1, sub2 *Subscription) (Reading, error) {
	var r1, r2 Reading

	var maxAgeDiff time.Duration
	haveAgeDiff := false
	if sub1 != nil && sub2 != nil {
		if sub1.hasAgeDiff {
			maxAgeDiff = sub1.maxAgeDiff
			haveAgeDiff = true
		}
		if sub2.hasAgeDiff && (!haveAgeDiff || sub2.maxAgeDiff < maxAgeDiff) {
			maxAgeDiff = sub2.maxAgeDiff
			haveAgeDiff = true
		}
	}

	if sub1 != nil {
		if err := sub1.compareToSys(&r1); err != nil {
			return Reading{}, err
		}
	}
	mono1 := r1.Mono
	if sub2 != nil {
		if err := sub2.compareToSys(&r2); err != nil {
			return Reading{}, err
		}
		r1.Diff -= r2.Diff
		r1.T2 = r2.T1
		if sub1 == nil {
			r1.Mono = r2.Mono
		} else if r2.Mono.Before(r1.Mono) {
			r1.Mono = r2.Mono
		}
	}

	if haveAgeDiff {
		ageDiff := mono1.Sub(r2.Mono)
		if ageDiff < 0 {
			ageDiff = -ageDiff
		}
		if ageDiff >= maxAgeDiff {
			log.Warningf("clockfeed %s-%s: too big an age difference between samples",
				sub1.source.clock.Name(), sub2.source.clock.Name())
			return Reading{}, ErrStale
		}
	}

	return r1, nil
}
