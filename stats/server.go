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
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Server exposes daemon counters and per-instance real-time stats over
// HTTP: JSON on / and prometheus gauges on /metrics.
type Server struct {
	mux      sync.Mutex
	counters map[string]int64
	rt       map[string]*RTRecord

	registry *prometheus.Registry
	offset   *prometheus.GaugeVec
	freqAdj  *prometheus.GaugeVec
	inSync   *prometheus.GaugeVec
}

// NewServer creates a monitoring server
func NewServer() *Server {
	s := &Server{
		counters: map[string]int64{},
		rt:       map[string]*RTRecord{},
		registry: prometheus.NewRegistry(),
	}
	s.offset = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sfptpd_offset_from_master_ns",
		Help: "filtered offset from master in nanoseconds",
	}, []string{"instance"})
	s.freqAdj = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sfptpd_freq_adjustment_ppb",
		Help: "applied frequency adjustment in parts per billion",
	}, []string{"instance"})
	s.inSync = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sfptpd_synchronized",
		Help: "1 when the instance is converged within its sync threshold",
	}, []string{"instance"})
	s.registry.MustRegister(s.offset, s.freqAdj, s.inSync)
	return s
}

// SetCounter sets a counter to the provided value
func (s *Server) SetCounter(key string, val int64) {
	s.mux.Lock()
	s.counters[key] = val
	s.mux.Unlock()
}

// UpdateCounterBy increments a counter
func (s *Server) UpdateCounterBy(key string, count int64) {
	s.mux.Lock()
	s.counters[key] += count
	s.mux.Unlock()
}

// Counters returns a copy of all counters
func (s *Server) Counters() map[string]int64 {
	ret := make(map[string]int64)
	s.mux.Lock()
	for k, v := range s.counters {
		ret[k] = v
	}
	s.mux.Unlock()
	return ret
}

// SetRTRecord publishes the latest real-time record for an instance
func (s *Server) SetRTRecord(rec *RTRecord) {
	s.mux.Lock()
	s.rt[rec.Instance] = rec
	s.mux.Unlock()

	labels := prometheus.Labels{"instance": rec.Instance}
	s.offset.With(labels).Set(rec.OffsetNS)
	s.freqAdj.With(labels).Set(rec.FreqAdjPPB)
	inSync := 0.0
	if rec.Synchronized {
		inSync = 1.0
	}
	s.inSync.With(labels).Set(inSync)
}

// RTRecord returns the latest real-time record for an instance
func (s *Server) RTRecord(instance string) (*RTRecord, bool) {
	s.mux.Lock()
	defer s.mux.Unlock()
	rec, ok := s.rt[instance]
	return rec, ok
}

func (s *Server) handleRequest(w http.ResponseWriter, _ *http.Request) {
	s.mux.Lock()
	report := struct {
		Counters  map[string]int64     `json:"counters"`
		Instances map[string]*RTRecord `json:"instances"`
	}{Counters: s.counters, Instances: s.rt}
	data, err := json.Marshal(report)
	s.mux.Unlock()
	if err != nil {
		log.Errorf("stats: marshalling report: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// Start runs the monitoring http server; it does not return until the
// listener fails
func (s *Server) Start(monitoringPort int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", monitoringPort)
	log.Infof("stats: starting monitoring server on %s", addr)
	return http.ListenAndServe(addr, mux)
}
