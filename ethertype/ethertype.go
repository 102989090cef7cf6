// Package ethertype maps 16-bit ethertype values to compact 8-bit identifiers
// and back. The identifier of an ethertype is its position in the ordered list
// the table was built from.
package ethertype

import (
	"errors"
	"fmt"
)

// MaxTypes is the size of the identifier space.
const MaxTypes = 256

const (
	IPv4 uint16 = 0x0800
	ARP  uint16 = 0x0806
	IPv6 uint16 = 0x86DD
)

// KnownTypes is the compiled-in ordered list used by Default. Entry 0 is the
// reserved "unknown" ethertype so that unmapped values and id 0 agree.
var KnownTypes = []uint16{
	0x0000, // unknown
	IPv4,
	ARP,
	0x0842, // wake-on-lan
	0x22F3, // TRILL
	0x22EA, // SRP
	0x6002, // DEC MOP RC
	0x6003, // DECnet phase IV
	0x6004, // DEC LAT
	0x8035, // RARP
	0x809B, // AppleTalk
	0x80F3, // AARP
	0x8100, // 802.1Q VLAN
	0x8102, // SLPP
	0x8103, // VLACP
	0x8137, // IPX
	0x8204, // QNX Qnet
	IPv6,
	0x8808, // ethernet flow control
	0x8809, // slow protocols (LACP)
	0x8819, // CobraNet
	0x8847, // MPLS unicast
	0x8848, // MPLS multicast
	0x8863, // PPPoE discovery
	0x8864, // PPPoE session
	0x887B, // HomePlug 1.0 MME
	0x888E, // EAPOL
	0x8892, // PROFINET
	0x889A, // HyperSCSI
	0x88A2, // ATA over Ethernet
	0x88A4, // EtherCAT
	0x88A8, // 802.1ad QinQ
	0x88AB, // Ethernet Powerlink
	0x88B8, // GOOSE
	0x88B9, // GSE management
	0x88BA, // sampled values
	0x88BF, // MikroTik RoMON
	0x88CC, // LLDP
	0x88CD, // SERCOS III
	0x88E1, // HomePlug Green PHY
	0x88E3, // media redundancy protocol
	0x88E5, // MACsec
	0x88E7, // provider backbone bridges
	0x88F7, // PTP
	0x88F8, // NC-SI
	0x88FB, // parallel redundancy protocol
	0x8902, // CFM / Y.1731
	0x8906, // FCoE
	0x8914, // FCoE initialization
	0x8915, // RoCE
	0x891D, // TTEthernet
	0x893A, // IEEE 1905.1
	0x892F, // HSR
	0x9000, // loopback
	0x9100, // VLAN double tagging
	0xF1C1, // 802.1CB redundancy tag
}

// Table is an immutable bidirectional ethertype/identifier mapping.
type Table struct {
	toID   [1 << 16]uint8
	toType [MaxTypes]uint16
	count  int
}

// New builds a table from an ordered list. The list may hold at most
// MaxTypes entries and must not repeat an ethertype.
func New(types []uint16) (*Table, error) {
	if len(types) == 0 {
		return nil, errors.New("ethertype list is empty")
	}
	if len(types) > MaxTypes {
		return nil, fmt.Errorf("ethertype list has %d entries, limit is %d", len(types), MaxTypes)
	}
	t := &Table{count: len(types)}
	seen := make(map[uint16]struct{}, len(types))
	for i, et := range types {
		if _, dup := seen[et]; dup {
			return nil, fmt.Errorf("duplicate ethertype 0x%04x at index %d", et, i)
		}
		seen[et] = struct{}{}
		t.toType[i] = et
		t.toID[et] = uint8(i)
	}
	return t, nil
}

// Default builds the table from KnownTypes.
func Default() *Table {
	t, err := New(KnownTypes)
	if err != nil {
		panic(err)
	}
	return t
}

// ID returns the identifier for an ethertype, 0 when it is not in the table.
func (t *Table) ID(ethertype uint16) uint8 {
	return t.toID[ethertype]
}

// Type returns the ethertype for an identifier, 0 for ids past the populated range.
func (t *Table) Type(id uint8) uint16 {
	if int(id) >= t.count {
		return 0
	}
	return t.toType[id]
}

// Len reports how many identifiers are populated.
func (t *Table) Len() int {
	return t.count
}

// Contains reports whether the ethertype has its own identifier.
func (t *Table) Contains(ethertype uint16) bool {
	id := t.toID[ethertype]
	return t.toType[id] == ethertype && int(id) < t.count
}
