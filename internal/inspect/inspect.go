// Package inspect turns delivered frames into short human-readable
// summaries for the management tap.
package inspect

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"tuntap/codec"
	"tuntap/config"
	"tuntap/ethertype"
)

const ethernetHeaderLen = 14

// Summary describes one frame.
type Summary struct {
	Time      time.Time `json:"time"`
	Direction string    `json:"direction"`
	Length    int       `json:"length"`
	EtherType string    `json:"ethertype"`
	Protocol  int       `json:"protocol,omitempty"`
	Src       string    `json:"src,omitempty"`
	Dst       string    `json:"dst,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Inspector knows how frames of one interface are laid out.
type Inspector struct {
	Mode  config.Mode
	Codec codec.Codec
}

// Summarize describes frame as delivered to consumers (after decoding).
func (in Inspector) Summarize(direction string, frame []byte) Summary {
	s := Summary{Time: time.Now().UTC(), Direction: direction, Length: len(frame)}
	et, payload, err := in.Codec.Split(frame)
	if err != nil {
		s.Error = err.Error()
		return s
	}
	if in.Mode == config.ModeTAP {
		if len(payload) < ethernetHeaderLen {
			s.EtherType = fmt.Sprintf("0x%04x", et)
			s.Error = "truncated ethernet header"
			return s
		}
		dst := net.HardwareAddr(payload[0:6])
		src := net.HardwareAddr(payload[6:12])
		et = binary.BigEndian.Uint16(payload[12:14])
		s.Src, s.Dst = src.String(), dst.String()
		payload = payload[ethernetHeaderLen:]
	}
	s.EtherType = fmt.Sprintf("0x%04x", et)

	switch et {
	case ethertype.IPv4:
		h, err := ipv4.ParseHeader(payload)
		if err != nil {
			s.Error = err.Error()
			return s
		}
		s.Protocol = h.Protocol
		s.Src, s.Dst = h.Src.String(), h.Dst.String()
	case ethertype.IPv6:
		h, err := ipv6.ParseHeader(payload)
		if err != nil {
			s.Error = err.Error()
			return s
		}
		s.Protocol = h.NextHeader
		s.Src, s.Dst = h.Src.String(), h.Dst.String()
	}
	return s
}
