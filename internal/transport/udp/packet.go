// SPDX-License-Identifier: MIT
package udp

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Packet is a decoded spectrum datagram.
type Packet struct {
	Sequence   uint32
	Timestamp  time.Time
	Magnitudes []float32
}

// DecodePacket parses a datagram produced by UDPPublisher.
func DecodePacket(b []byte) (Packet, error) {
	if len(b) < HeaderSize {
		return Packet{}, fmt.Errorf("udp: packet too short: %d bytes", len(b))
	}
	count := int(binary.BigEndian.Uint16(b[12:14]))
	if want := HeaderSize + 4*count; len(b) != want {
		return Packet{}, fmt.Errorf("udp: packet length %d, want %d for %d magnitudes", len(b), want, count)
	}

	p := Packet{
		Sequence:   binary.BigEndian.Uint32(b[0:4]),
		Timestamp:  time.Unix(0, int64(binary.BigEndian.Uint64(b[4:12]))),
		Magnitudes: make([]float32, count),
	}
	for i := range count {
		off := HeaderSize + 4*i
		p.Magnitudes[i] = math.Float32frombits(binary.BigEndian.Uint32(b[off : off+4]))
	}
	return p, nil
}
