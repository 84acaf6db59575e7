// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package addr

import (
	"encoding/binary"
	"net"
)

// UDPAddr converts a to a *net.UDPAddr for use with a UDP socket. A None
// address converts to nil.
func (a Address) UDPAddr() *net.UDPAddr {
	switch a.Kind {
	case IPv4:
		return &net.UDPAddr{IP: net.IPv4(a.IP4[0], a.IP4[1], a.IP4[2], a.IP4[3]), Port: int(a.Port)}
	case IPv6:
		ip := make(net.IP, 16)
		for i, g := range a.IP6 {
			binary.BigEndian.PutUint16(ip[2*i:2*i+2], g)
		}
		return &net.UDPAddr{IP: ip, Port: int(a.Port)}
	default:
		return nil
	}
}

// FromUDPAddr converts a resolved UDP peer address into the relay's tagged
// Address, the inverse of UDPAddr.
func FromUDPAddr(u *net.UDPAddr) Address {
	if u == nil {
		return Address{}
	}
	if ip4 := u.IP.To4(); ip4 != nil {
		return Address{Kind: IPv4, IP4: [4]byte{ip4[0], ip4[1], ip4[2], ip4[3]}, Port: uint16(u.Port)}
	}
	ip16 := u.IP.To16()
	if ip16 == nil {
		return Address{}
	}
	var groups [8]uint16
	for i := range groups {
		groups[i] = binary.BigEndian.Uint16(ip16[2*i : 2*i+2])
	}
	return Address{Kind: IPv6, IP6: groups, Port: uint16(u.Port)}
}
