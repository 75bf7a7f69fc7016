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

// Package transport is the timestamped packet I/O layer of one port.
// It owns the PTP event and general UDP sockets of one interface:
// event traffic goes through the kernel timestamping machinery so
// every datagram in or out gets a precise HW or SW timestamp, general
// traffic takes the ordinary path.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/timetools/ptpd/timestamp"
	"golang.org/x/sys/unix"
)

// PTP well-known ports and the IPv4 primary multicast group,
// IEEE 1588 Annex C/D
const (
	PortEvent   = 319
	PortGeneral = 320
)

// DefaultDestinationAddress is the PTP primary IPv4 multicast group
var DefaultDestinationAddress = net.ParseIP("224.0.1.129")

// ErrClosed is returned by I/O on a transport after Close
var ErrClosed = errors.New("transport is closed")

// Config describes one transport to open
type Config struct {
	// Iface is the network interface to bind to
	Iface string
	// Timestamping is the preferred timestamp source; HW silently
	// degrades to SW when the NIC cannot do it
	Timestamping timestamp.Source
	// DestinationAddress is where Send and SendGeneral deliver to.
	// Defaults to the PTP primary multicast group.
	DestinationAddress net.IP
	// EventPort and GeneralPort default to the well-known 319/320.
	// Overriding them needs no privilege, which tests rely on.
	EventPort   int
	GeneralPort int
	// DSCP marks outgoing traffic, 0 leaves the default
	DSCP int
}

// Packet is one inbound datagram annotated at the transport boundary
type Packet struct {
	Data []byte
	TS   timestamp.Timestamp
	Addr net.IP
}

// Transport owns the two sockets of one port
type Transport struct {
	iface     string
	source    timestamp.Source
	econn     *net.UDPConn
	gconn     *net.UDPConn
	eFd       int
	dst       net.IP
	eventPort int
	genPort   int
	closed    atomic.Bool
	readBuf   []byte
	oobBuf    []byte
	txBuf     []byte
	txTmp     []byte
}

// Open binds the event and general sockets on iface and enables
// timestamping on the event one. Needs privilege for HW timestamping;
// lack of HW support degrades to SW rather than failing.
func Open(cfg *Config) (*Transport, error) {
	ip, err := ifaceIP(cfg.Iface)
	if err != nil {
		return nil, err
	}
	dst := cfg.DestinationAddress
	if dst == nil {
		dst = DefaultDestinationAddress
	}
	eventPort := cfg.EventPort
	if eventPort == 0 {
		eventPort = PortEvent
	}
	genPort := cfg.GeneralPort
	if genPort == 0 {
		genPort = PortGeneral
	}

	// a socket bound to the unicast address never sees group traffic,
	// so multicast operation binds the wildcard and scopes delivery to
	// the interface via the membership ifindex below
	bindIP := ip
	if dst.IsMulticast() {
		bindIP = net.IPv4zero
		if dst.To4() == nil {
			bindIP = net.IPv6zero
		}
	}

	econn, err := net.ListenUDP("udp", &net.UDPAddr{IP: bindIP, Port: eventPort})
	if err != nil {
		return nil, fmt.Errorf("binding to event socket on %s: %w", cfg.Iface, err)
	}
	eFd, err := timestamp.ConnFd(econn)
	if err != nil {
		econn.Close()
		return nil, err
	}

	preferred := cfg.Timestamping
	if preferred == "" {
		preferred = timestamp.HW
	}
	source, err := timestamp.EnableTimestamps(preferred, eFd, cfg.Iface)
	if err != nil {
		econn.Close()
		return nil, fmt.Errorf("enabling timestamps on %s: %w", cfg.Iface, err)
	}

	gconn, err := net.ListenUDP("udp", &net.UDPAddr{IP: bindIP, Port: genPort})
	if err != nil {
		econn.Close()
		return nil, fmt.Errorf("binding to general socket on %s: %w", cfg.Iface, err)
	}

	t := &Transport{
		iface:     cfg.Iface,
		source:    source,
		econn:     econn,
		gconn:     gconn,
		eFd:       eFd,
		dst:       dst,
		eventPort: eventPort,
		genPort:   genPort,
		readBuf:   make([]byte, timestamp.PayloadSizeBytes),
		oobBuf:    make([]byte, timestamp.ControlSizeBytes),
		txBuf:     make([]byte, timestamp.ControlSizeBytes),
		txTmp:     make([]byte, timestamp.ControlSizeBytes),
	}

	if cfg.DSCP > 0 {
		for _, fd := range []int{eFd, mustFd(gconn)} {
			if err := enableDSCP(fd, ip, cfg.DSCP); err != nil {
				t.Close()
				return nil, fmt.Errorf("setting DSCP on %s: %w", cfg.Iface, err)
			}
		}
	}

	if dst.IsMulticast() {
		if err := t.joinMulticast(cfg.Iface, dst); err != nil {
			t.Close()
			return nil, err
		}
	}
	return t, nil
}

// Source reports the timestamp source actually in effect
func (t *Transport) Source() timestamp.Source {
	return t.source
}

// Send transmits an event message and returns its TX timestamp,
// recovered from the socket error queue. The error queue can lag the
// send, so the read inside is a bounded retry loop.
func (t *Transport) Send(b []byte) (timestamp.Timestamp, error) {
	if t.closed.Load() {
		return timestamp.Timestamp{}, ErrClosed
	}
	if _, err := t.econn.WriteToUDP(b, &net.UDPAddr{IP: t.dst, Port: t.eventPort}); err != nil {
		return timestamp.Timestamp{}, t.ioError(err)
	}
	ts, _, err := timestamp.ReadTXTimestampBuf(t.eFd, t.txBuf, t.txTmp)
	if err != nil {
		return timestamp.Timestamp{}, fmt.Errorf("getting TX timestamp on %s: %w", t.iface, err)
	}
	return ts, nil
}

// SendGeneral transmits a general message, no timestamp involved
func (t *Transport) SendGeneral(b []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if _, err := t.gconn.WriteToUDP(b, &net.UDPAddr{IP: t.dst, Port: t.genPort}); err != nil {
		return t.ioError(err)
	}
	return nil
}

// pollTick bounds how long a Receive can outlive a Close
const pollTick = 200 * time.Millisecond

// Receive blocks until an event datagram arrives and returns it with
// its RX timestamp. The socket stays non-blocking: we poll for
// readability in short rounds so a concurrent Close is noticed.
func (t *Transport) Receive() (*Packet, error) {
	for {
		if t.closed.Load() {
			return nil, ErrClosed
		}
		fds := []unix.PollFd{{Fd: int32(t.eFd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(pollTick.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, t.ioError(err)
		}
		if n == 0 || fds[0].Revents&unix.POLLIN == 0 {
			continue
		}
		rn, saddr, ts, rerr := timestamp.ReadPacketWithRXTimestampBuf(t.eFd, t.readBuf, t.oobBuf)
		if rerr != nil {
			if errors.Is(rerr, unix.EAGAIN) {
				continue
			}
			return nil, t.ioError(rerr)
		}
		data := make([]byte, rn)
		copy(data, t.readBuf[:rn])
		return &Packet{Data: data, TS: ts, Addr: timestamp.SockaddrToIP(saddr)}, nil
	}
}

// ReceiveGeneral blocks until a general datagram arrives. General
// messages carry their timestamps in the payload, the kernel receive
// time is only a low-confidence annotation.
func (t *Transport) ReceiveGeneral() (*Packet, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	buf := make([]byte, timestamp.PayloadSizeBytes)
	n, addr, err := t.gconn.ReadFromUDP(buf)
	if err != nil {
		return nil, t.ioError(err)
	}
	return &Packet{
		Data: buf[:n],
		TS:   timestamp.Timestamp{Time: time.Now(), Source: timestamp.SW},
		Addr: addr.IP,
	}, nil
}

// Close releases both sockets. Blocked receives return ErrClosed.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	eerr := t.econn.Close()
	gerr := t.gconn.Close()
	if eerr != nil {
		return eerr
	}
	return gerr
}

func (t *Transport) ioError(err error) error {
	if t.closed.Load() {
		return ErrClosed
	}
	return fmt.Errorf("I/O on %s: %w", t.iface, err)
}

// joinMulticast subscribes both sockets to the group on iface and pins
// their multicast egress to the same interface. The wildcard-bound
// sockets are additionally tied to the device where privilege allows;
// the membership ifindex already scopes delivery without it.
func (t *Transport) joinMulticast(iface string, group net.IP) error {
	nif, err := net.InterfaceByName(iface)
	if err != nil {
		return fmt.Errorf("looking up %s for multicast join: %w", iface, err)
	}
	for _, conn := range []*net.UDPConn{t.econn, t.gconn} {
		fd := mustFd(conn)
		if err := unix.BindToDevice(fd, iface); err != nil {
			log.Warningf("binding socket to %s: %v", iface, err)
		}
		if group4 := group.To4(); group4 != nil {
			mreq := &unix.IPMreqn{Ifindex: int32(nif.Index)}
			copy(mreq.Multiaddr[:], group4)
			if err := unix.SetsockoptIPMreqn(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
				return fmt.Errorf("joining %s on %s: %w", group, iface, err)
			}
			if err := unix.SetsockoptIPMreqn(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_IF, &unix.IPMreqn{Ifindex: int32(nif.Index)}); err != nil {
				return fmt.Errorf("setting multicast egress to %s: %w", iface, err)
			}
			continue
		}
		mreq := &unix.IPv6Mreq{Interface: uint32(nif.Index)}
		copy(mreq.Multiaddr[:], group.To16())
		if err := unix.SetsockoptIPv6Mreq(fd, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, mreq); err != nil {
			return fmt.Errorf("joining %s on %s: %w", group, iface, err)
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_IF, nif.Index); err != nil {
			return fmt.Errorf("setting multicast egress to %s: %w", iface, err)
		}
	}
	return nil
}

// enableDSCP sets the IP Differentiated Services Code Point on the
// socket. DSCP occupies the upper 6 bits of the TOS byte.
func enableDSCP(connFd int, ip net.IP, dscp int) error {
	if ip.To4() == nil {
		return unix.SetsockoptInt(connFd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, dscp<<2)
	}
	return unix.SetsockoptInt(connFd, unix.IPPROTO_IP, unix.IP_TOS, dscp<<2)
}

// ifaceIP returns the first usable unicast address of the interface
func ifaceIP(iface string) (net.IP, error) {
	nif, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("looking up interface %s: %w", iface, err)
	}
	addrs, err := nif.Addrs()
	if err != nil {
		return nil, fmt.Errorf("listing addresses of %s: %w", iface, err)
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLinkLocalUnicast() {
			continue
		}
		return ipnet.IP, nil
	}
	return nil, fmt.Errorf("no usable address on interface %s", iface)
}

func mustFd(conn *net.UDPConn) int {
	fd, err := timestamp.ConnFd(conn)
	if err != nil {
		return -1
	}
	return fd
}
