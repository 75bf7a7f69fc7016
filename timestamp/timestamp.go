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

// Package timestamp provides HW and SW packet timestamping support
// on top of the SO_TIMESTAMPING socket machinery.
package timestamp

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// Source tells where a timestamp was captured
type Source string

// Supported timestamp sources, in order of preference
const (
	// HW is a timestamp captured by the NIC
	HW Source = "hardware"
	// SW is a kernel timestamp, lower confidence
	SW Source = "software"
)

// Timestamp is a point in time annotated with where it came from.
// Consumers treat SW timestamps as lower-confidence than HW ones.
type Timestamp struct {
	Time   time.Time
	Source Source
}

// IsZero reports whether the timestamp was never captured
func (t Timestamp) IsZero() bool {
	return t.Time.IsZero()
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%s (%s)", t.Time, t.Source)
}

const (
	// ControlSizeBytes is a size of a control message buffer.
	// If the read fails we may end up with multiple timestamps in the buffer
	// which is best to read right away
	ControlSizeBytes = 128
	// PayloadSizeBytes is enough for any PTP packet
	PayloadSizeBytes = 128
)

// ConnFd returns file descriptor of a connection
func ConnFd(conn *net.UDPConn) (int, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var intfd int
	err = sc.Control(func(fd uintptr) {
		intfd = int(fd)
	})
	if err != nil {
		return -1, err
	}
	return intfd, nil
}

// IPToSockaddr converts IP + port into a socket address
func IPToSockaddr(ip net.IP, port int) unix.Sockaddr {
	if ip.To4() != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip.To4())
		return sa
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa
}

// SockaddrToIP converts socket address to an IP
func SockaddrToIP(sa unix.Sockaddr) net.IP {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return sa.Addr[0:]
	case *unix.SockaddrInet6:
		return sa.Addr[0:]
	}
	return nil
}

// SockaddrToPort returns the port of a socket address
func SockaddrToPort(sa unix.Sockaddr) int {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return sa.Port
	case *unix.SockaddrInet6:
		return sa.Port
	}
	return 0
}
