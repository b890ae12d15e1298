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

package phc

import (
	"errors"
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// number of samples we request from the PTP_SYS_OFFSET_EXTENDED ioctl
const sysoffSamples = 9

// extts event channel we use for timed events
const exttsChannel = 0

// Device is a PHC device exposed as /dev/ptpN
type Device struct {
	file *os.File
}

// Open opens the PHC device at the given path. Event reads are
// non-blocking; callers poll the fd for readiness.
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(int(f.Fd()), true); err != nil {
		f.Close()
		return nil, fmt.Errorf("setting %s non-blocking: %w", path, err)
	}
	return &Device{file: f}, nil
}

// FromIface opens the PHC device associated with the given interface
func FromIface(iface string) (*Device, error) {
	path, err := IfaceToPHCDevice(iface)
	if err != nil {
		return nil, err
	}
	return Open(path)
}

// Close closes the underlying device
func (dev *Device) Close() error { return dev.file.Close() }

// File returns the underlying device file
func (dev *Device) File() *os.File { return dev.file }

// FD returns the file descriptor of the device
func (dev *Device) FD() int { return int(dev.file.Fd()) }

// ClockID returns the dynamic posix clock id of the device
func (dev *Device) ClockID() int32 { return FDToClockID(dev.file.Fd()) }

// Time reads the current time of the PHC
func (dev *Device) Time() (time.Time, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(dev.ClockID(), &ts); err != nil {
		return time.Time{}, err
	}
	return time.Unix(ts.Sec, ts.Nsec), nil
}

// MaxFreqAdjPPB reads the maximum frequency adjustment the device
// supports. Falls back to the linuxptp default when the device reports
// nothing.
func (dev *Device) MaxFreqAdjPPB() (float64, error) {
	caps, err := unix.IoctlPtpClockGetcaps(dev.FD())
	if err != nil {
		return 0, err
	}
	if caps.Max_adj == 0 {
		return DefaultMaxClockFreqPPB, nil
	}
	return float64(caps.Max_adj), nil
}

// SysOffset measures the offset of the PHC from the system clock using
// the PTP_SYS_OFFSET_EXTENDED ioctl, picking the reading with the
// shortest system-clock read window.
func (dev *Device) SysOffset() (time.Duration, error) {
	ext, err := unix.IoctlPtpSysOffsetExtended(dev.FD(), sysoffSamples)
	if err != nil {
		return 0, fmt.Errorf("PTP_SYS_OFFSET_EXTENDED on %s: %w", dev.file.Name(), err)
	}
	if ext.Samples == 0 {
		return 0, fmt.Errorf("no samples from %s", dev.file.Name())
	}
	best := time.Duration(0)
	bestDelay := time.Duration(1<<63 - 1)
	for i := uint32(0); i < ext.Samples; i++ {
		t1 := ptpClockTime(ext.Ts[i][0])
		phct := ptpClockTime(ext.Ts[i][1])
		t2 := ptpClockTime(ext.Ts[i][2])
		delay := t2.Sub(t1)
		if delay < 0 || delay >= bestDelay {
			continue
		}
		bestDelay = delay
		best = phct.Sub(t1.Add(delay / 2))
	}
	return best, nil
}

// EnableExtts enables external timestamp events on the event channel
func (dev *Device) EnableExtts() error {
	req := &unix.PtpExttsRequest{
		Index: exttsChannel,
		Flags: unix.PTP_ENABLE_FEATURE | unix.PTP_RISING_EDGE,
	}
	if err := unix.IoctlPtpExttsRequest(dev.FD(), req); err != nil {
		return fmt.Errorf("PTP_EXTTS_REQUEST enable on %s: %w", dev.file.Name(), err)
	}
	return nil
}

// DisableExtts disables external timestamp events on the event channel
func (dev *Device) DisableExtts() error {
	req := &unix.PtpExttsRequest{Index: exttsChannel}
	if err := unix.IoctlPtpExttsRequest(dev.FD(), req); err != nil {
		return fmt.Errorf("PTP_EXTTS_REQUEST disable on %s: %w", dev.file.Name(), err)
	}
	return nil
}

// ReadExtts reads one pending external timestamp event without
// blocking. Returns unix.EAGAIN when no event is queued.
func (dev *Device) ReadExtts() (time.Time, error) {
	var ev unix.PtpExttsEvent
	buf := make([]byte, unsafe.Sizeof(ev))
	n, err := unix.Read(dev.FD(), buf)
	if err != nil {
		return time.Time{}, err
	}
	if n != len(buf) {
		return time.Time{}, fmt.Errorf("short extts read from %s: %d bytes", dev.file.Name(), n)
	}
	ev = *(*unix.PtpExttsEvent)(unsafe.Pointer(&buf[0]))
	return ptpClockTime(ev.T), nil
}

// IsNoEvent reports whether the error from ReadExtts means no pending event
func IsNoEvent(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

func ptpClockTime(t unix.PtpClockTime) time.Time {
	return time.Unix(t.Sec, int64(t.Nsec))
}
