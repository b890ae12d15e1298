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

package filter

import "math"

// Peirce filter window bounds. Below PeirceMinSamples buffered samples
// the filter accepts everything while it learns the distribution.
const (
	PeirceMinSamples = 5
	PeirceMaxSamples = 60
)

// Peirce rejects outliers using Peirce's criterion over a rolling
// window of samples. Rejected samples are fed back into the window
// attenuated by the adaption factor: 0 keeps the mean untouched, 1
// stores the outlier unchanged.
type Peirce struct {
	samples  []float64
	adaption float64
	next     int
	count    int
}

// NewPeirce creates an outlier filter with the given window size and
// adaption factor in [0,1]
func NewPeirce(size int, adaption float64) *Peirce {
	if size < PeirceMinSamples {
		size = PeirceMinSamples
	}
	if size > PeirceMaxSamples {
		size = PeirceMaxSamples
	}
	return &Peirce{samples: make([]float64, size), adaption: adaption}
}

func (p *Peirce) store(value float64) {
	p.samples[p.next] = value
	p.next = (p.next + 1) % len(p.samples)
	if p.count < len(p.samples) {
		p.count++
	}
}

func (p *Peirce) meanStddev() (mean, stddev float64) {
	for i := 0; i < p.count; i++ {
		mean += p.samples[i]
	}
	mean /= float64(p.count)
	var sq float64
	for i := 0; i < p.count; i++ {
		d := p.samples[i] - mean
		sq += d * d
	}
	stddev = math.Sqrt(sq / float64(p.count))
	return mean, stddev
}

// Update tests a sample against the criterion. Outliers are stored
// attenuated and reported with ErrOutlier; the caller should skip its
// servo update for that sample.
func (p *Peirce) Update(value float64) error {
	if p.count < PeirceMinSamples {
		p.store(value)
		return nil
	}

	mean, stddev := p.meanStddev()
	threshold := peirceDeviation(p.count) * stddev
	if dev := math.Abs(value - mean); stddev > 0 && dev > threshold {
		p.store(mean + p.adaption*(value-mean))
		return ErrOutlier
	}

	p.store(value)
	return nil
}

// Reset clears the sample window
func (p *Peirce) Reset() {
	p.next = 0
	p.count = 0
}

// peirceDeviation computes the maximum allowable deviation, in units of
// the sample standard deviation, for rejecting one doubtful
// observation from n samples. This is Gould's iterative formulation of
// Peirce's criterion.
func peirceDeviation(n int) float64 {
	if n < 3 {
		return math.Inf(1)
	}
	nf := float64(n)
	// one doubtful observation, one unknown quantity (the mean)
	k := 1.0
	m := 1.0

	q := math.Pow(k, k/nf) * math.Pow(nf-k, (nf-k)/nf) / nf
	rNew, rOld := 1.0, 0.0
	x2 := 0.0
	for math.Abs(rNew-rOld) > nf*2e-16 {
		ldiv := math.Pow(rNew, k)
		if ldiv == 0 {
			ldiv = 1e-6
		}
		lambda := math.Pow(math.Pow(q, nf)/ldiv, 1/(nf-k))
		x2 = 1 + (nf-m-k)/k*(1-lambda*lambda)
		if x2 < 0 {
			x2 = 0
			rOld = rNew
		} else {
			rOld = rNew
			rNew = math.Exp((x2-1)/2) * math.Erfc(math.Sqrt(x2/2))
		}
	}
	return math.Sqrt(x2)
}
