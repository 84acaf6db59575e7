// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package udpio binds the UDP socket(s) and runs the receiver task (§4.I,
// §5): a 100ms-deadline recvfrom loop handing every datagram to the packet
// processor, and a thin Sender the processor/scheduler use to write back
// out. One receiver suffices; ListenN additionally supports §5's permitted
// multi-receiver optimization, binding several SO_REUSEPORT sockets so
// independent Receiver goroutines avoid contending on a single fd.
package udpio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/bridgemesh/relaynode/internal/addr"
)

// readDeadline bounds a single recvfrom call so the receiver loop notices
// context cancellation within 100ms, per §5's "Suspension points".
const readDeadline = 100 * time.Millisecond

// maxDatagram is comfortably larger than any packet the data plane accepts
// (header.Size + MTU, or a route-request chain of several tokens).
const maxDatagram = 4096

// Handler processes one inbound datagram; implemented by
// internal/processor.Processor.
type Handler interface {
	HandlePacket(from addr.Address, buf []byte)
}

// Conn wraps a bound UDP socket as both the receiver's source and the
// Sender the processor and scheduler write through.
type Conn struct {
	conn *net.UDPConn
	log  *slog.Logger
}

// Listen binds addr (a "host:port" literal) for UDP and returns a Conn.
func Listen(bindAddr string, log *slog.Logger) (*Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &Conn{conn: conn, log: log}, nil
}

// ListenN binds n independent sockets to bindAddr using SO_REUSEPORT
// (§5's permitted multi-receiver optimization) so n Receivers can each
// block in their own recvfrom without contending on one fd's lock. n<=1
// or a platform without reuseport support (see reuseport_other.go)
// falls back to a single plain socket.
func ListenN(bindAddr string, n int, log *slog.Logger) ([]*Conn, error) {
	if n <= 1 || !reusePortSupported {
		c, err := Listen(bindAddr, log)
		if err != nil {
			return nil, err
		}
		return []*Conn{c}, nil
	}

	lc := net.ListenConfig{Control: reusePortControl}
	conns := make([]*Conn, 0, n)
	for i := 0; i < n; i++ {
		pc, err := lc.ListenPacket(context.Background(), "udp", bindAddr)
		if err != nil {
			for _, c := range conns {
				c.Close()
			}
			return nil, fmt.Errorf("udpio: reuseport listener %d/%d: %w", i+1, n, err)
		}
		udpConn, ok := pc.(*net.UDPConn)
		if !ok {
			pc.Close()
			for _, c := range conns {
				c.Close()
			}
			return nil, fmt.Errorf("udpio: unexpected PacketConn type %T", pc)
		}
		conns = append(conns, &Conn{conn: udpConn, log: log})
	}
	return conns, nil
}

// Close releases the underlying socket.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Send implements processor.Sender and scheduler.Sender.
func (c *Conn) Send(to addr.Address, packet []byte) error {
	ua := to.UDPAddr()
	if ua == nil {
		return errNoDestination
	}
	_, err := c.conn.WriteToUDP(packet, ua)
	return err
}

var errNoDestination = errors.New("udpio: no destination address")

// Receiver is the suture.Service running the §5 receive loop.
type Receiver struct {
	Conn    *Conn
	Handler Handler
	Log     *slog.Logger
}

// NewReceiver returns a Receiver reading from conn and dispatching every
// datagram to handler.
func NewReceiver(conn *Conn, handler Handler, log *slog.Logger) *Receiver {
	return &Receiver{Conn: conn, Handler: handler, Log: log}
}

// Serve implements suture.Service.
func (r *Receiver) Serve(ctx context.Context) error {
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := r.Conn.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return err
		}
		n, peer, err := r.Conn.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if r.Log != nil {
				r.Log.Debug("recvfrom error", "error", err)
			}
			continue
		}

		from := addr.FromUDPAddr(peer)
		r.Handler.HandlePacket(from, buf[:n])
	}
}
