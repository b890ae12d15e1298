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
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/process"
)

var procStartTime = time.Now()

// SysStats gathers process and Go runtime statistics
type SysStats struct {
	memstats *runtime.MemStats
}

// CollectRuntimeStats gathers cpu, mem, gc statistics
func (s *SysStats) CollectRuntimeStats() (map[string]int64, error) {
	stats := make(map[string]int64)
	m := &runtime.MemStats{}
	runtime.ReadMemStats(m)

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	stats["process.alive_since"] = procStartTime.Unix()
	stats["process.uptime"] = time.Now().Unix() - procStartTime.Unix()

	if val, err := proc.Percent(0); err == nil {
		stats["process.cpu_permil"] = int64(val * 1000)
	}
	if val, err := proc.MemoryInfo(); err == nil {
		stats["process.rss"] = int64(val.RSS)
		stats["process.vms"] = int64(val.VMS)
	}
	if val, err := proc.NumFDs(); err == nil {
		stats["process.num_fds"] = int64(val)
	}
	if val, err := proc.NumThreads(); err == nil {
		stats["process.num_threads"] = int64(val)
	}

	stats["runtime.gc.total_pause_ns"] = int64(m.PauseTotalNs)
	stats["runtime.gc.num_gc"] = int64(m.NumGC)
	stats["runtime.mem.heap_alloc"] = int64(m.HeapAlloc)
	stats["runtime.mem.heap_objects"] = int64(m.HeapObjects)
	stats["runtime.goroutines"] = int64(runtime.NumGoroutine())

	s.memstats = m
	return stats, nil
}

// Report publishes collected runtime stats into the monitoring server
func (s *SysStats) Report(server *Server) error {
	collected, err := s.CollectRuntimeStats()
	if err != nil {
		return fmt.Errorf("collecting runtime stats: %w", err)
	}
	for k, v := range collected {
		server.SetCounter(k, v)
	}
	return nil
}
