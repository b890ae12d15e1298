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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testDefs = []Definition{
	{Key: "offset", Type: TypeRange, Unit: "ns", Decimals: 3},
	{Key: "steps", Type: TypeCount},
}

func TestCollectionRange(t *testing.T) {
	c := NewCollection("test", testDefs)
	now := time.Now()

	c.UpdateRange("offset", 10, now, true)
	c.UpdateRange("offset", 20, now, true)
	c.UpdateRange("offset", 30, now, true)
	// unqualified samples count towards the total only
	c.UpdateRange("offset", 1e9, now, false)

	c.UpdateCount("steps", 2)
	require.Equal(t, uint64(2), c.Count("steps"))

	c.EndPeriod(now.Add(time.Minute))

	dir := t.TempDir()
	require.NoError(t, c.Dump(dir, "inst0"))

	data, err := os.ReadFile(filepath.Join(dir, "stats-inst0.json"))
	require.NoError(t, err)
	require.Contains(t, string(data), `"mean": 20`)
	require.Contains(t, string(data), `"min": 10`)
	require.Contains(t, string(data), `"max": 30`)
	require.Contains(t, string(data), `"samples": 4`)
	require.Contains(t, string(data), `"qualified": 3`)
}

func TestCollectionDumpIdempotent(t *testing.T) {
	c := NewCollection("test", testDefs)
	now := time.Now()
	c.UpdateRange("offset", 42, now, true)
	c.UpdateCount("steps", 1)

	end := now.Add(time.Minute)
	dir := t.TempDir()

	c.EndPeriod(end)
	require.NoError(t, c.Dump(dir, "inst0"))
	first, err := os.ReadFile(filepath.Join(dir, "stats-inst0.json"))
	require.NoError(t, err)

	// closing the same period twice yields the same on-disk content
	c.EndPeriod(end)
	require.NoError(t, c.Dump(dir, "inst0"))
	second, err := os.ReadFile(filepath.Join(dir, "stats-inst0.json"))
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestCollectionPeriodsAreDistinct(t *testing.T) {
	c := NewCollection("test", testDefs)
	now := time.Now()

	c.UpdateRange("offset", 10, now, true)
	c.UpdateRange("offset", 20, now, true)
	c.UpdateRange("offset", 30, now, true)
	c.UpdateCount("steps", 2)

	dir := t.TempDir()
	c.EndPeriod(now.Add(time.Minute))
	require.NoError(t, c.Dump(dir, "inst0"))

	data, err := os.ReadFile(filepath.Join(dir, "stats-inst0.json"))
	require.NoError(t, err)
	require.Contains(t, string(data), `"samples": 3`)
	require.Contains(t, string(data), `"count": 2`)

	// closing the period starts the next one clean
	require.Equal(t, uint64(0), c.Count("steps"))

	c.UpdateRange("offset", 100, now.Add(2*time.Minute), true)
	c.UpdateCount("steps", 1)

	c.EndPeriod(now.Add(3 * time.Minute))
	require.NoError(t, c.Dump(dir, "inst0"))

	data, err = os.ReadFile(filepath.Join(dir, "stats-inst0.json"))
	require.NoError(t, err)
	// only the second period's samples are reported
	require.Contains(t, string(data), `"samples": 1`)
	require.Contains(t, string(data), `"mean": 100`)
	require.Contains(t, string(data), `"count": 1`)
}

func TestCollectionUnknownSeries(t *testing.T) {
	c := NewCollection("test", testDefs)
	// unknown keys are ignored, not fatal
	c.UpdateRange("nope", 1, time.Now(), true)
	c.UpdateCount("nope", 1)
	require.Equal(t, uint64(0), c.Count("nope"))
}
