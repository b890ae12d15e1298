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

package config

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andy-bower/sfptpd/syncmodule"
)

func TestLoadFull(t *testing.T) {
	data := []byte(`
[general]
clock_control = step-at-startup
state_path = /tmp/sfptpd-test
monitoring_port = 9999
clock_poll_period_log2 = -3

[gps0]
sync_module = shm
interface = eth0
priority = 10
shm_source_type = pps
time_of_day = ntp0
master_clock_class = holdover
master_time_source = gps
master_accuracy = 100
master_traceability = time freq
steps_removed = 2
shm_delay = 150.5
pid_filter_p = 0.1
pid_filter_i = 0.01
outlier_filter_type = std-dev
outlier_filter_size = 30
outlier_filter_adaption = 0.5
fir_filter_size = 8
sync_threshold = 500
`)

	cfg, err := LoadData(data)
	require.NoError(t, err)

	require.Equal(t, ClockCtrlStepAtStartup, cfg.General.ClockControl)
	require.Equal(t, "/tmp/sfptpd-test", cfg.General.StatePath)
	require.Equal(t, 9999, cfg.General.MonitoringPort)
	require.Equal(t, -3, cfg.General.ClockPollPeriodLog2)

	require.Len(t, cfg.SHM, 1)
	inst := cfg.SHM[0]
	require.Equal(t, "gps0", inst.Name)
	require.Equal(t, "eth0", inst.Interface)
	require.Equal(t, uint(10), inst.Priority)
	require.Equal(t, "pps", inst.SourceType)
	require.Equal(t, "ntp0", inst.TimeOfDay)
	require.Equal(t, syncmodule.ClockClassHoldover, inst.MasterClockClass)
	require.Equal(t, syncmodule.TimeSourceGPS, inst.MasterTimeSource)
	require.Equal(t, 100.0, inst.MasterAccuracy)
	require.True(t, inst.MasterTimeTraceable)
	require.True(t, inst.MasterFreqTraceable)
	require.Equal(t, uint(2), inst.StepsRemoved)
	require.Equal(t, 150.5, inst.PropagationDelay)
	require.Equal(t, 0.1, inst.PIDFilterKP)
	require.Equal(t, 0.01, inst.PIDFilterKI)
	require.Equal(t, OutlierFilterStdDev, inst.OutlierFilterType)
	require.Equal(t, 30, inst.OutlierFilterSize)
	require.Equal(t, 0.5, inst.OutlierFilterAdaption)
	require.Equal(t, 8, inst.FIRFilterSize)
	require.Equal(t, 500.0, inst.SyncThreshold)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadData([]byte("[gps0]\nsync_module = shm\ninterface = eth1\n"))
	require.NoError(t, err)

	require.Equal(t, ClockCtrlSlewAndStep, cfg.General.ClockControl)
	inst := cfg.SHM[0]
	require.Equal(t, uint(DefaultPriority), inst.Priority)
	require.Equal(t, "complete", inst.SourceType)
	require.True(t, math.IsInf(inst.MasterAccuracy, 1))
	require.Equal(t, DefaultPIDFilterKP, inst.PIDFilterKP)
	require.Equal(t, OutlierFilterStdDev, inst.OutlierFilterType)
	require.Equal(t, DefaultFIRFilterSize, inst.FIRFilterSize)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []string{
		"[gps0]\nsync_module = shm\npid_filter_p = 1.5\n",
		"[gps0]\nsync_module = shm\npid_filter_i = -0.1\n",
		"[gps0]\nsync_module = shm\noutlier_filter_size = 3\n",
		"[gps0]\nsync_module = shm\noutlier_filter_size = 100\n",
		"[gps0]\nsync_module = shm\noutlier_filter_adaption = 2\n",
		"[gps0]\nsync_module = shm\nfir_filter_size = 0\n",
		"[gps0]\nsync_module = shm\nshm_source_type = bogus\n",
		"[gps0]\nsync_module = shm\nmaster_clock_class = bogus\n",
		"[gps0]\nsync_module = shm\nmaster_time_source = bogus\n",
		"[gps0]\nsync_module = shm\nmaster_traceability = sideways\n",
		"[gps0]\nsync_module = bogus\n",
		"[general]\nclock_control = bogus\n",
	}
	for _, data := range cases {
		_, err := LoadData([]byte(data))
		require.Error(t, err, "config %q", data)
	}
}

func TestLoadUnknownAccuracy(t *testing.T) {
	cfg, err := LoadData([]byte("[gps0]\nsync_module = shm\nmaster_accuracy = unknown\n"))
	require.NoError(t, err)
	require.True(t, math.IsInf(cfg.SHM[0].MasterAccuracy, 1))
}
