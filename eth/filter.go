package eth

import (
	"hash/crc32"

	"github.com/virtnet/vswitch/pkt"
)

// FilterFlag selects which frame classes a Filter accepts.
type FilterFlag uint32

const (
	FilterUnicast   FilterFlag = 0x1
	FilterMulticast FilterFlag = 0x2
	FilterAllMulti  FilterFlag = 0x4
	FilterBroadcast FilterFlag = 0x8
	FilterPromisc   FilterFlag = 0x10
	// FilterUseLADRF matches multicast frames against the logical address
	// hash instead of the exact address list.
	FilterUseLADRF FilterFlag = 0x20
)

// LADRF is a lance-style 64-bit logical address hash. The top six bits of a
// multicast address's frame CRC select one bit.
type LADRF [2]uint32

func ladrfBit(a Address) uint32 {
	return crc32.ChecksumIEEE(a[:]) >> 26
}

// Add sets the hash bit for a.
func (l *LADRF) Add(a Address) {
	bit := ladrfBit(a)
	l[bit>>5] |= 1 << (bit & 31)
}

// Test reports whether a's hash bit is set.
func (l *LADRF) Test(a Address) bool {
	bit := ladrfBit(a)
	return l[bit>>5]&(1<<(bit&31)) != 0
}

// Stats counts frames per destination class.
type Stats struct {
	Unicast   uint64
	Multicast uint64
	Broadcast uint64
}

// Filter decides which frames a port receives, by destination class and
// address. Counters split accepted and rejected frames per class.
type Filter struct {
	Flags       FilterFlag
	UnicastAddr Address

	multicastAddrs []Address
	ladrf          LADRF

	Passed  Stats
	Blocked Stats
}

// NewFilter returns a filter accepting the given classes, delivering unicast
// frames addressed to unicastAddr.
func NewFilter(flags FilterFlag, unicastAddr Address) *Filter {
	return &Filter{Flags: flags, UnicastAddr: unicastAddr}
}

// SetMulticastAddrs replaces the multicast address list and rebuilds the
// logical address hash from it.
func (f *Filter) SetMulticastAddrs(addrs []Address) {
	f.multicastAddrs = append([]Address(nil), addrs...)
	f.ladrf = LADRF{}
	for _, a := range addrs {
		f.ladrf.Add(a)
	}
}

// MulticastAddrs returns the current multicast address list.
func (f *Filter) MulticastAddrs() []Address {
	return f.multicastAddrs
}

func (f *Filter) acceptsMulticast(dst Address) bool {
	if f.Flags&FilterAllMulti != 0 {
		return true
	}
	if f.Flags&FilterMulticast == 0 {
		return false
	}
	if f.Flags&FilterUseLADRF != 0 {
		return f.ladrf.Test(dst)
	}
	for _, a := range f.multicastAddrs {
		if a == dst {
			return true
		}
	}
	return false
}

// Accepts reports whether a frame addressed to dst passes the filter, and
// accounts the decision.
func (f *Filter) Accepts(dst Address) bool {
	var pass bool
	var passed, blocked *uint64

	switch {
	case dst.IsBroadcast():
		pass = f.Flags&FilterBroadcast != 0
		passed, blocked = &f.Passed.Broadcast, &f.Blocked.Broadcast
	case dst.IsMulticast():
		pass = f.acceptsMulticast(dst)
		passed, blocked = &f.Passed.Multicast, &f.Blocked.Multicast
	default:
		pass = f.Flags&FilterUnicast != 0 && dst == f.UnicastAddr
		passed, blocked = &f.Passed.Unicast, &f.Blocked.Unicast
	}

	if f.Flags&FilterPromisc != 0 {
		pass = true
	}
	if pass {
		*passed++
	} else {
		*blocked++
	}
	return pass
}

// FRP is a port's frame routing policy: the filters applied on its output
// and input paths plus its VLAN.
type FRP struct {
	OutputFilter *Filter
	InputFilter  *Filter
	VLANID       uint16
}

// DestinationFilter moves every packet whose destination address the filter
// rejects from list to filtered. Frames too short to carry an ethernet
// header are rejected as well. Order is preserved in both lists.
func DestinationFilter(f *Filter, list, filtered *pkt.List) {
	filterList(f, list, filtered, func(hdr *Header) Address { return hdr.Dst })
}

// SourceFilter moves every packet whose source address the filter rejects
// from list to filtered. A port's input filter uses this to drop frames the
// attached client may not send from.
func SourceFilter(f *Filter, list, filtered *pkt.List) {
	filterList(f, list, filtered, func(hdr *Header) Address { return hdr.Src })
}

func filterList(f *Filter, list, filtered *pkt.List, addr func(*Header) Address) {
	for h := list.Head(); h != nil; {
		next := list.Next(h)
		hdr, err := ParseHeader(h)
		if err != nil || !f.Accepts(addr(hdr)) {
			list.Remove(h)
			filtered.AddToTail(h)
		}
		h = next
	}
}
