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

package timestamp

import (
	"encoding/binary"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// from include/uapi/linux/net_tstamp.h
const (
	// HWTSTAMP_TX_ON
	hwtstampTXON int32 = 0x00000001
	// HWTSTAMP_FILTER_ALL
	hwtstampFilterAll int32 = 0x00000001
	// HWTSTAMP_FILTER_PTP_V2_EVENT
	hwtstampFilterPTPv2Event int32 = 0x0000000c
)

// Knobs for the bounded TX timestamp retrieval loop. PTP correctness
// depends on accurate send timestamps, so we poll the error queue
// several times before declaring the timestamp unavailable.
var (
	// AttemptsTXTS is how many times we check the error queue for a TX timestamp
	AttemptsTXTS = 10
	// TimeoutTXTS is how long a single poll for the TX timestamp may take
	TimeoutTXTS = 50 * time.Millisecond
)

// ErrNoTXTimestamp is returned when the OS did not produce a TX timestamp
// within the configured retry budget. The packet itself was sent.
var ErrNoTXTimestamp = fmt.Errorf("no TX timestamp found")

// unix.Cmsghdr size differs depending on platform
var cmsgHeaderSize = binary.Size(unix.Cmsghdr{})

var timestamping = unix.SO_TIMESTAMPING_NEW

func init() {
	// kernels older than 5 don't support unix.SO_TIMESTAMPING_NEW
	var uname unix.Utsname
	if err := unix.Uname(&uname); err == nil {
		if uname.Release[0] < '5' {
			timestamping = unix.SO_TIMESTAMPING
		}
	}
}

// ifreq is a struct for ioctl ethernet manipulation syscalls
type ifreq struct {
	name [unix.IFNAMSIZ]byte
	data uintptr
}

// from include/uapi/linux/net_tstamp.h
type hwtstampConfig struct {
	flags    int32
	txType   int32
	rxFilter int32
}

// byteToTime converts a LittleEndian __kernel_timespec into time.Time
func byteToTime(data []byte) (time.Time, error) {
	sec := int64(binary.LittleEndian.Uint64(data[0:8]))
	nsec := int64(binary.LittleEndian.Uint64(data[8:]))
	return time.Unix(sec, nsec), nil
}

/*
scmDataToTimestamp parses the SocketControlMessage Data field into a
Timestamp. The structure carries up to three timespecs; most timestamps
are passed in ts[0], hardware timestamps in ts[2]. Whichever slot is
non-zero determines the Source.
*/
func scmDataToTimestamp(data []byte) (Timestamp, error) {
	// 2 x 64bit ints
	size := 16
	// hardware timestamps first
	ts, err := byteToTime(data[size*2 : size*3])
	if err != nil {
		return Timestamp{}, err
	}
	// can't use ts.IsZero here: time.Unix(0, 0) reports IsZero() == false
	if ts.UnixNano() != 0 {
		return Timestamp{Time: ts, Source: HW}, nil
	}
	ts, err = byteToTime(data[0:size])
	if err != nil {
		return Timestamp{}, err
	}
	if ts.UnixNano() == 0 {
		return Timestamp{}, fmt.Errorf("got zero timestamp")
	}
	return Timestamp{Time: ts, Source: SW}, nil
}

// scmTimestamp is a trimmed-down ParseSocketControlMessage that only
// looks for the timestamping message type
func scmTimestamp(b []byte) (Timestamp, error) {
	mlen := 0
	for i := 0; i < len(b); i += mlen {
		h := (*unix.Cmsghdr)(unsafe.Pointer(&b[i]))
		mlen = int(h.Len)

		// when we ask for SO_TIMESTAMPING_NEW some kernels still answer with SO_TIMESTAMPING
		if h.Level == unix.SOL_SOCKET && (int(h.Type) == unix.SO_TIMESTAMPING_NEW || int(h.Type) == unix.SO_TIMESTAMPING) {
			return scmDataToTimestamp(b[i+cmsgHeaderSize : i+mlen])
		}
	}
	return Timestamp{}, fmt.Errorf("failed to find timestamp in socket control message")
}

func ioctlHWTstamp(fd int, ifname string, filter int32) error {
	hw := &hwtstampConfig{
		flags:    0,
		txType:   hwtstampTXON,
		rxFilter: filter,
	}

	i := &ifreq{data: uintptr(unsafe.Pointer(hw))}
	copy(i.name[:unix.IFNAMSIZ-1], ifname)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.SIOCSHWTSTAMP, uintptr(unsafe.Pointer(i))); errno != 0 {
		return fmt.Errorf("failed to run ioctl SIOCSHWTSTAMP: %s (%d)", unix.ErrnoName(errno), errno)
	}
	return nil
}

// EnableSWTimestamps enables SW timestamps (TX and RX) on the socket
func EnableSWTimestamps(connFd int) error {
	flags := unix.SOF_TIMESTAMPING_TX_SOFTWARE |
		unix.SOF_TIMESTAMPING_RX_SOFTWARE |
		unix.SOF_TIMESTAMPING_SOFTWARE |
		unix.SOF_TIMESTAMPING_OPT_TSONLY // timestamp comes as a cmsg alongside an empty packet
	if err := unix.SetsockoptInt(connFd, unix.SOL_SOCKET, timestamping, flags); err != nil {
		return err
	}

	return unix.SetsockoptInt(connFd, unix.SOL_SOCKET, unix.SO_SELECT_ERR_QUEUE, 1)
}

// EnableHWTimestamps enables HW timestamps (TX and RX) on the socket.
// Requires privilege to run the SIOCSHWTSTAMP ioctl against the NIC.
func EnableHWTimestamps(connFd int, iface string) error {
	if err := ioctlHWTstamp(connFd, iface, hwtstampFilterAll); err != nil {
		if err := ioctlHWTstamp(connFd, iface, hwtstampFilterPTPv2Event); err != nil {
			return err
		}
	}

	flags := unix.SOF_TIMESTAMPING_TX_HARDWARE |
		unix.SOF_TIMESTAMPING_RX_HARDWARE |
		unix.SOF_TIMESTAMPING_RAW_HARDWARE |
		unix.SOF_TIMESTAMPING_OPT_TSONLY
	if err := unix.SetsockoptInt(connFd, unix.SOL_SOCKET, timestamping, flags); err != nil {
		return err
	}

	return unix.SetsockoptInt(connFd, unix.SOL_SOCKET, unix.SO_SELECT_ERR_QUEUE, 1)
}

// EnableTimestamps enables timestamps of the preferred source on the
// socket, degrading from HW to SW rather than failing: hardware support
// is driver-dependent and must never be a hard assumption. Returns the
// source actually in effect.
func EnableTimestamps(preferred Source, connFd int, iface string) (Source, error) {
	switch preferred {
	case HW:
		if err := EnableHWTimestamps(connFd, iface); err == nil {
			return HW, nil
		}
		fallthrough
	case SW:
		if err := EnableSWTimestamps(connFd); err != nil {
			return "", fmt.Errorf("enabling SW timestamps: %w", err)
		}
		return SW, nil
	default:
		return "", fmt.Errorf("unknown timestamp source %q", preferred)
	}
}

// ReadPacketWithRXTimestamp returns byte packet and the RX timestamp
func ReadPacketWithRXTimestamp(connFd int) ([]byte, unix.Sockaddr, Timestamp, error) {
	buf := make([]byte, PayloadSizeBytes)
	oob := make([]byte, ControlSizeBytes)

	n, sa, ts, err := ReadPacketWithRXTimestampBuf(connFd, buf, oob)
	return buf[:n], sa, ts, err
}

// ReadPacketWithRXTimestampBuf reads a packet into buf and returns the number of
// bytes copied, the peer address and the RX timestamp. oob can be reused afterwards.
func ReadPacketWithRXTimestampBuf(connFd int, buf, oob []byte) (int, unix.Sockaddr, Timestamp, error) {
	n, oobn, _, saddr, err := unix.Recvmsg(connFd, buf, oob, 0)
	if err != nil {
		return 0, nil, Timestamp{}, fmt.Errorf("failed to read timestamp: %w", err)
	}

	ts, err := scmTimestamp(oob[:oobn])
	return n, saddr, ts, err
}

func waitForTXTS(connFd int, timeout time.Duration) error {
	fds := []unix.PollFd{{Fd: int32(connFd), Events: unix.POLLPRI, Revents: 0}}
	if _, err := unix.Poll(fds, int(timeout.Milliseconds())); err != nil {
		return err
	}
	return nil
}

// recvoob receives only the OOB data of a MSG_ERRQUEUE message,
// which is all we care about when fishing for TX timestamps
func recvoob(connFd int, oob []byte) (oobn int, err error) {
	var msg unix.Msghdr
	msg.Control = &oob[0]
	msg.SetControllen(len(oob))
	_, _, e1 := unix.Syscall(unix.SYS_RECVMSG, uintptr(connFd), uintptr(unsafe.Pointer(&msg)), uintptr(unix.MSG_ERRQUEUE))
	if e1 != 0 {
		return 0, e1
	}
	return int(msg.Controllen), nil
}

// ReadTXTimestampBuf returns the TX timestamp of the last sent packet.
// Both buffers can be reused after it returns.
//
// Sometimes we end up with more than one TX timestamp in the error queue.
// We must drain it completely, otherwise we read a shifted queue forever:
// Sync goes out, we read the timestamp of the previous Sync.
func ReadTXTimestampBuf(connFd int, oob, toob []byte) (Timestamp, int, error) {
	var oobn int
	txfound := false

	attempts := 0
	for ; attempts < AttemptsTXTS; attempts++ {
		if !txfound {
			// wait for the poll event, ignore the error
			_ = waitForTXTS(connFd, TimeoutTXTS)
		}

		tn, err := recvoob(connFd, toob)
		if err != nil {
			if txfound {
				// we've seen a valid TX timestamp and the queue is now empty
				break
			}
			continue
		}
		// found one, but keep draining in case there is a newer one
		txfound = true
		oobn = tn
		copy(oob, toob)
	}

	if !txfound {
		return Timestamp{}, attempts, fmt.Errorf("%w after %d tries", ErrNoTXTimestamp, AttemptsTXTS)
	}
	ts, err := scmTimestamp(oob[:oobn])
	return ts, attempts, err
}

// ReadTXTimestamp returns the TX timestamp of the last sent packet
func ReadTXTimestamp(connFd int) (Timestamp, int, error) {
	oob := make([]byte, ControlSizeBytes)
	toob := make([]byte, ControlSizeBytes)

	return ReadTXTimestampBuf(connFd, oob, toob)
}
