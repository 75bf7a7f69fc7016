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

// Package phc gives access to the PTP hardware clock of a network card:
// discovery of the /dev/ptpN device behind an interface and the usual
// clock operations against it.
package phc

import (
	"fmt"
	"os"
	"time"

	"github.com/timetools/ptpd/clock"
	"golang.org/x/sys/unix"
)

// DefaultMaxClockFreqPPB value came from linuxptp project (clockadj.c)
const DefaultMaxClockFreqPPB = 500000.0

// IfaceToPHCDevice returns path to PHC device associated with given network card iface
func IfaceToPHCDevice(iface string) (string, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return "", fmt.Errorf("failed to create socket for ioctl: %w", err)
	}
	defer unix.Close(fd)
	info, err := unix.IoctlGetEthtoolTsInfo(fd, iface)
	if err != nil {
		return "", fmt.Errorf("getting interface %s info: %w", iface, err)
	}
	if info.Phc_index < 0 {
		return "", fmt.Errorf("%s: no PHC support", iface)
	}
	return fmt.Sprintf("/dev/ptp%d", info.Phc_index), nil
}

// FDToClockID converts file descriptor number to clockID.
// see man(3) clock_gettime, clock_settime
func FDToClockID(fd uintptr) int32 {
	return int32((int(^fd) << 3) | 3)
}

// Device is a PHC device exposed as a dynamic posix clock
type Device struct {
	f *os.File
}

// Open returns a Device for the given /dev/ptpN path
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening PHC device %q: %w", path, err)
	}
	return FromFile(f), nil
}

// FromFile wraps an already opened PHC device file
func FromFile(f *os.File) *Device {
	return &Device{f: f}
}

// ClockID of the device, to be used with clock_adjtime
func (dev *Device) ClockID() int32 {
	return FDToClockID(dev.f.Fd())
}

// File returns the underlying device file
func (dev *Device) File() *os.File {
	return dev.f
}

// Close closes the underlying device
func (dev *Device) Close() error {
	return dev.f.Close()
}

// Time reads the current PHC time
func (dev *Device) Time() (time.Time, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(dev.ClockID(), &ts); err != nil {
		return time.Time{}, fmt.Errorf("failed clock_gettime on %q: %w", dev.f.Name(), err)
	}
	return time.Unix(ts.Unix()), nil
}

// FrequencyPPB reads the device frequency in PPB
func (dev *Device) FrequencyPPB() (float64, error) {
	freqPPB, state, err := clock.FrequencyPPB(dev.ClockID())
	if err == nil && state != unix.TIME_OK {
		return freqPPB, fmt.Errorf("clock %q state %d is not TIME_OK", dev.f.Name(), state)
	}
	return freqPPB, err
}

// AdjFreqPPB adjusts the device frequency in PPB
func (dev *Device) AdjFreqPPB(freqPPB float64) error {
	state, err := clock.AdjFreqPPB(dev.ClockID(), freqPPB)
	if err == nil && state != unix.TIME_OK {
		return fmt.Errorf("clock %q state %d is not TIME_OK", dev.f.Name(), state)
	}
	return err
}

// Step steps the device clock by given step
func (dev *Device) Step(step time.Duration) error {
	state, err := clock.Step(dev.ClockID(), step)
	if err == nil && state != unix.TIME_OK {
		return fmt.Errorf("clock %q state %d is not TIME_OK", dev.f.Name(), state)
	}
	return err
}

// MaxFreqAdjPPB reads the maximum frequency adjustment the device
// supports. Falls back to a linuxptp-compatible default when the
// driver reports nothing.
func (dev *Device) MaxFreqAdjPPB() (float64, error) {
	caps, err := unix.IoctlPtpClockGetcaps(int(dev.f.Fd()))
	if err != nil {
		return 0, fmt.Errorf("getting clock capabilities of %q: %w", dev.f.Name(), err)
	}
	if caps.Max_adj == 0 {
		return DefaultMaxClockFreqPPB, nil
	}
	return float64(caps.Max_adj), nil
}
