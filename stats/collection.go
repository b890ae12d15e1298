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

package stats

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/eclesh/welford"
	log "github.com/sirupsen/logrus"
)

// SeriesType selects how a series aggregates updates
type SeriesType int

// Series types
const (
	// TypeRange tracks mean/min/max of a measured value
	TypeRange SeriesType = iota
	// TypeCount accumulates event counts
	TypeCount
)

// Definition describes one series of a collection
type Definition struct {
	Key      string
	Type     SeriesType
	Unit     string
	Decimals int
}

type rangeSeries struct {
	stats     *welford.Stats
	min, max  float64
	qualified uint64
	total     uint64
}

// Collection is a named set of per-period statistics series. It is
// owned by a single module goroutine. Closing a period snapshots the
// accumulated series and starts the next period clean.
type Collection struct {
	name        string
	defs        []Definition
	ranges      map[string]*rangeSeries
	counts      map[string]uint64
	periodStart time.Time
	periodEnd   time.Time
	closed      *periodReport
}

// NewCollection creates a statistics collection from series definitions
func NewCollection(name string, defs []Definition) *Collection {
	c := &Collection{name: name, defs: defs}
	c.reset()
	return c
}

// reset clears the live accumulators for a new period
func (c *Collection) reset() {
	c.ranges = make(map[string]*rangeSeries)
	c.counts = make(map[string]uint64)
	for _, d := range c.defs {
		if d.Type == TypeRange {
			c.ranges[d.Key] = &rangeSeries{stats: welford.New()}
		} else {
			c.counts[d.Key] = 0
		}
	}
	c.periodStart = time.Time{}
}

// UpdateRange records a measurement for a range series. Only qualified
// samples contribute to the aggregates; unqualified ones count towards
// the total so the coverage ratio is reported.
func (c *Collection) UpdateRange(key string, value float64, now time.Time, qualified bool) {
	r, ok := c.ranges[key]
	if !ok {
		log.Errorf("stats %s: unknown range series %q", c.name, key)
		return
	}
	if c.periodStart.IsZero() {
		c.periodStart = now
	}
	r.total++
	if !qualified {
		return
	}
	if r.qualified == 0 || value < r.min {
		r.min = value
	}
	if r.qualified == 0 || value > r.max {
		r.max = value
	}
	r.stats.Add(value)
	r.qualified++
}

// Count returns the accumulated value of a count series
func (c *Collection) Count(key string) uint64 { return c.counts[key] }

// UpdateCount adds to a count series
func (c *Collection) UpdateCount(key string, delta uint64) {
	if _, ok := c.counts[key]; !ok {
		log.Errorf("stats %s: unknown count series %q", c.name, key)
		return
	}
	c.counts[key] += delta
}

// periodReport is the on-disk shape of a closed period
type periodReport struct {
	Instance string              `json:"instance"`
	Start    string              `json:"period-start"`
	End      string              `json:"period-end"`
	Ranges   []rangeReport       `json:"ranges"`
	Counts   []countReport       `json:"counts"`
}

type rangeReport struct {
	Key       string  `json:"key"`
	Unit      string  `json:"unit,omitempty"`
	Samples   uint64  `json:"samples"`
	Qualified uint64  `json:"qualified"`
	Mean      float64 `json:"mean"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Stddev    float64 `json:"stddev"`
}

type countReport struct {
	Key   string `json:"key"`
	Count uint64 `json:"count"`
}

// snapshot renders the live accumulators into a report for the period
// ending at the given time
func (c *Collection) snapshot(end time.Time) *periodReport {
	report := &periodReport{
		Start: c.periodStart.Format(time.RFC3339),
		End:   end.Format(time.RFC3339),
	}
	for _, d := range c.defs {
		switch d.Type {
		case TypeRange:
			r := c.ranges[d.Key]
			rr := rangeReport{
				Key:       d.Key,
				Unit:      d.Unit,
				Samples:   r.total,
				Qualified: r.qualified,
			}
			if r.qualified > 0 {
				rr.Mean = round(r.stats.Mean(), d.Decimals)
				rr.Min = round(r.min, d.Decimals)
				rr.Max = round(r.max, d.Decimals)
				rr.Stddev = round(r.stats.Stddev(), d.Decimals)
			}
			report.Ranges = append(report.Ranges, rr)
		case TypeCount:
			report.Counts = append(report.Counts, countReport{Key: d.Key, Count: c.counts[d.Key]})
		}
	}
	return report
}

// EndPeriod closes the current statistics period at the given time:
// the accumulated series are snapshotted for Dump and the next period
// starts clean. Closing an already-closed period at the same time
// again is a no-op.
func (c *Collection) EndPeriod(end time.Time) {
	if c.closed != nil && c.periodEnd.Equal(end) {
		return
	}
	c.periodEnd = end
	c.closed = c.snapshot(end)
	c.reset()
}

// Dump writes the last closed period to a JSON file named after the
// instance under dir. Without a closed period the live series are
// written as they stand.
func (c *Collection) Dump(dir, instance string) error {
	report := c.closed
	if report == nil {
		report = c.snapshot(c.periodEnd)
	}
	report.Instance = instance

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("stats-%s.json", instance))
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func round(v float64, decimals int) float64 {
	scale := 1.0
	for i := 0; i < decimals; i++ {
		scale *= 10
	}
	return math.Round(v*scale) / scale
}
