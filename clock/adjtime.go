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
	"time"

	"golang.org/x/sys/unix"
)

// PPBToTimexPPM is what we use to convert PPB to PPM.
// man clock_adjtime(2):
// In struct timex, freq, ppsfreq, and stabil are ppm (parts per million) with a 16-bit fractional part.
// To convert value where 2^16=65536 is 1 ppm to ppb or back, we need this multiplier
const PPBToTimexPPM = 65.536

// FrequencyPPB reads device frequency in PPB
func FrequencyPPB(clockid int32) (freqPPB float64, state int, err error) {
	tx := &unix.Timex{}
	state, err = unix.ClockAdjtime(clockid, tx)
	// man(2) clock_adjtime, turn ppm to ppb
	return float64(tx.Freq) / PPBToTimexPPM, state, err
}

// AdjFreqPPB adjusts clock frequency in PPB
func AdjFreqPPB(clockid int32, freqPPB float64) (state int, err error) {
	tx := &unix.Timex{
		Modes: unix.ADJ_FREQUENCY,
		Freq:  int64(freqPPB * PPBToTimexPPM),
	}
	return unix.ClockAdjtime(clockid, tx)
}

// Step steps clock by given step
func Step(clockid int32, step time.Duration) (state int, err error) {
	sign := 1
	if step < 0 {
		sign = -1
		step = step * -1
	}
	tx := &unix.Timex{
		Modes: unix.ADJ_SETOFFSET | unix.ADJ_NANO,
	}
	// we have to add a second to the nsec value if it's negative,
	// and then subtract it from the sec value
	sec := int64(sign) * int64(step/time.Second)
	nsec := int64(sign) * int64(step%time.Second)
	if nsec < 0 {
		sec--
		nsec += int64(time.Second)
	}
	tx.Time.Sec = sec
	tx.Time.Usec = nsec
	return unix.ClockAdjtime(clockid, tx)
}

// checkState turns a clock_adjtime state into an error when the clock
// is not in the TIME_OK state
func checkState(name string, state int, err error) error {
	if err != nil {
		return err
	}
	if state != unix.TIME_OK {
		return fmt.Errorf("clock %q state %d is not TIME_OK", name, state)
	}
	return nil
}
