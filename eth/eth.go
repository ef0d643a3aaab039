// Package eth implements ethernet addressing and receive filtering for
// virtual switch ports.
package eth

import (
	"errors"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/virtnet/vswitch/pkt"
)

const (
	AddrLen   = 6
	HeaderLen = 14
)

var ErrShortFrame = errors.New("frame too short for an ethernet header")

// Address is an ethernet MAC address.
type Address [AddrLen]byte

// Broadcast is the all-ones address.
var Broadcast = Address{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (a Address) String() string {
	return net.HardwareAddr(a[:]).String()
}

func (a Address) IsBroadcast() bool {
	return a == Broadcast
}

// IsMulticast reports whether the group bit is set. Broadcast addresses are
// multicast too; check IsBroadcast first when the distinction matters.
func (a Address) IsMulticast() bool {
	return a[0]&1 != 0
}

func (a Address) IsUnicast() bool {
	return a[0]&1 == 0
}

// ParseAddress parses a textual MAC address.
func ParseAddress(s string) (Address, error) {
	var a Address
	hw, err := net.ParseMAC(s)
	if err != nil {
		return a, err
	}
	if len(hw) != AddrLen {
		return a, errors.New("not a 48-bit MAC address")
	}
	copy(a[:], hw)
	return a, nil
}

// Header is the parsed ethernet header of a frame, including the 802.1Q tag
// when one is present.
type Header struct {
	Dst  Address
	Src  Address
	Type uint16
	VLAN uint16
}

// ParseHeader decodes the ethernet header at the start of the packet's frame.
func ParseHeader(h *pkt.Handle) (*Header, error) {
	n := h.FrameLen()
	if n < HeaderLen {
		return nil, ErrShortFrame
	}
	if n > HeaderLen+4 {
		n = HeaderLen + 4
	}
	buf := make([]byte, n)
	if err := h.CopyBytesOut(buf, 0); err != nil {
		return nil, err
	}

	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(buf, gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}

	hdr := &Header{Type: uint16(eth.EthernetType)}
	copy(hdr.Dst[:], eth.DstMAC)
	copy(hdr.Src[:], eth.SrcMAC)

	if eth.EthernetType == layers.EthernetTypeDot1Q && len(buf) >= HeaderLen+4 {
		var dot1q layers.Dot1Q
		if err := dot1q.DecodeFromBytes(buf[HeaderLen:], gopacket.NilDecodeFeedback); err == nil {
			hdr.VLAN = dot1q.VLANIdentifier
			hdr.Type = uint16(dot1q.Type)
		}
	}
	return hdr, nil
}
