// Package pkt implements reference-counted packet buffers.
//
// A packet is split in two: a shared Descriptor holding the frame metadata,
// the buffer geometry and the reference count, and one Handle per reference.
// The handle created by Alloc is the master; Clone and PartialCopy create
// additional handles against the same descriptor. Write privilege follows
// the reference structure:
//
//   - descriptor fields (VLAN, source port, completion data) are writable
//     only through the master handle while no clones exist
//   - buffer fields and frame bytes are writable through the master while it
//     is the only reference, or through any handle holding a private buffer
//     descriptor from a partial copy
//
// Mutators return ErrNotWritable when the handle lacks the privilege; there
// are no silent failure modes.
package pkt

import (
	"errors"
	"sync/atomic"

	"github.com/virtnet/vswitch/stress"
)

// PortID identifies a port on a virtual network device. The zero value is
// never a valid port.
type PortID uint32

const InvalidPortID PortID = 0

var (
	ErrNoResources   = errors.New("out of packet resources")
	ErrNotWritable   = errors.New("packet handle lacks write privilege")
	ErrSGLimit       = errors.New("scatter-gather array exhausted")
	ErrInvalidAddr   = errors.New("address not mapped")
	ErrOutOfRange    = errors.New("offset beyond buffer")
	ErrNeedsComplete = errors.New("packet is flagged for completion notification")
)

// DefaultSGElems is the fragment capacity every freshly allocated packet
// buffer descriptor starts with.
const DefaultSGElems = 8

// CopyAll asks PartialCopy for a private copy of the whole frame.
const CopyAll = ^uint32(0)

// SGElem is one buffer fragment. Fragments never span a page boundary.
type SGElem struct {
	Addr uint64
	Len  uint32
}

// BufDescriptor describes the buffer backing a frame: its fragments and the
// frame geometry within it. Normally shared by all handles of a packet;
// partial copies carry a private one.
type BufDescriptor struct {
	bufLen      uint32
	frameLen    uint32
	headroomLen uint32
	sg          []SGElem
}

// Descriptor is the per-packet state shared by every handle.
type Descriptor struct {
	refCount atomic.Int32
	master   *Handle
	notify   bool
	vlanID   uint16
	srcPort  PortID
	ioData   any
	clientSG []SGElem
	buf      BufDescriptor
}

// Handle is one reference to a packet.
type Handle struct {
	next, prev *Handle
	list       *List

	desc *Descriptor
	buf  *BufDescriptor // &desc.buf, or private after a partial copy

	frame          []byte // mapped prefix of the frame data
	frameMappedLen uint32

	privateBuf bool
	privBase   uint64
	privSize   int

	// master handle's backing allocation
	base     uint64
	baseSize int
}

// Alloc returns a fresh packet with the requested headroom and size bytes of
// buffer. The frame length starts at zero; AppendBytes or SetFrameLen claim
// buffer space for frame data.
func Alloc(headroom, size uint32) (*Handle, error) {
	if stress.Hit(stress.PktAllocFail) {
		return nil, ErrNoResources
	}

	d := &Descriptor{}
	h := &Handle{desc: d, buf: &d.buf}
	d.master = h
	d.refCount.Store(1)
	d.buf.sg = make([]SGElem, 0, DefaultSGElems)
	d.buf.headroomLen = headroom

	if headroom+size > 0 {
		base, backing := Memory().alloc(int(headroom + size))
		h.base = base
		h.baseSize = int(headroom + size)
		if size > 0 {
			h.frame = backing[headroom:]
			h.frameMappedLen = size
			if err := h.AppendFrag(base+uint64(headroom), size); err != nil {
				Memory().free(base, h.baseSize)
				return nil, err
			}
		}
	}

	return h, nil
}

// IsMaster reports whether h is the handle created by Alloc.
func (h *Handle) IsMaster() bool {
	return h.desc.master == h
}

// RefCount returns the packet's current reference count.
func (h *Handle) RefCount() int {
	return int(h.desc.refCount.Load())
}

// DescWritable reports whether h may modify descriptor-shared fields. Only
// the master may, and only while no clones are outstanding.
func (h *Handle) DescWritable() bool {
	return h.IsMaster() && h.RefCount() <= 1
}

// BufDescWritable reports whether h may modify its buffer descriptor.
func (h *Handle) BufDescWritable() bool {
	return h.privateBuf || h.DescWritable()
}

// BufWritable reports whether h may modify frame bytes.
func (h *Handle) BufWritable() bool {
	return h.privateBuf || (h.IsMaster() && h.RefCount() == 1)
}

// HasPrivateBuf reports whether h carries a private buffer descriptor from a
// partial copy.
func (h *Handle) HasPrivateBuf() bool {
	return h.privateBuf
}

func (h *Handle) VLAN() uint16      { return h.desc.vlanID }
func (h *Handle) SrcPortID() PortID { return h.desc.srcPort }

// SetVLAN tags the packet with a VLAN ID.
func (h *Handle) SetVLAN(vlan uint16) error {
	if !h.DescWritable() {
		return ErrNotWritable
	}
	h.desc.vlanID = vlan
	return nil
}

// SetSrcPortID records the port the packet originated on. Completion
// notifications are routed back to this port.
func (h *Handle) SetSrcPortID(id PortID) error {
	if !h.DescWritable() {
		return ErrNotWritable
	}
	h.desc.srcPort = id
	return nil
}

// SetCompletionData attaches client context for the completion notification
// and flags the packet so the final release routes the master back to the
// source port's notify chain.
func (h *Handle) SetCompletionData(data any) error {
	if !h.DescWritable() {
		return ErrNotWritable
	}
	h.desc.ioData = data
	h.desc.notify = true
	return nil
}

// ClearCompletionData removes the completion context and flag.
func (h *Handle) ClearCompletionData() error {
	if !h.DescWritable() {
		return ErrNotWritable
	}
	h.desc.ioData = nil
	h.desc.notify = false
	return nil
}

// CompletionData returns the context set by SetCompletionData.
func (h *Handle) CompletionData() any { return h.desc.ioData }

// NeedsCompletion reports whether the packet is flagged for completion
// notification.
func (h *Handle) NeedsCompletion() bool { return h.desc.notify }

// SetClientSG records the client's own scatter-gather view of the frame.
func (h *Handle) SetClientSG(sg []SGElem) error {
	if !h.DescWritable() {
		return ErrNotWritable
	}
	h.desc.clientSG = sg
	return nil
}

// ClientSG returns the scatter-gather view recorded by SetClientSG.
func (h *Handle) ClientSG() []SGElem { return h.desc.clientSG }

func (h *Handle) BufLen() uint32      { return h.buf.bufLen }
func (h *Handle) FrameLen() uint32    { return h.buf.frameLen }
func (h *Handle) HeadroomLen() uint32 { return h.buf.headroomLen }

// FrameMappedLen returns how many leading frame bytes are directly mapped
// for this handle.
func (h *Handle) FrameMappedLen() uint32 { return h.frameMappedLen }

// FrameMapped returns the mapped prefix of the frame data. The caller must
// hold buffer write privilege to modify it; use CopyBytesIn for checked
// writes.
func (h *Handle) FrameMapped() []byte {
	return h.frame[:h.frameMappedLen]
}

// SG returns the packet's fragments.
func (h *Handle) SG() []SGElem { return h.buf.sg }

// SetFrameLen sets the frame data length within the buffer.
func (h *Handle) SetFrameLen(n uint32) error {
	if !h.BufDescWritable() {
		return ErrNotWritable
	}
	if n > h.buf.bufLen {
		return ErrOutOfRange
	}
	h.buf.frameLen = n
	return nil
}

// IncFrameLen grows the frame by n bytes of already-present buffer space.
func (h *Handle) IncFrameLen(n uint32) error {
	if !h.BufDescWritable() {
		return ErrNotWritable
	}
	if h.buf.bufLen-h.buf.frameLen < n {
		return ErrOutOfRange
	}
	h.buf.frameLen += n
	return nil
}

// DecFrameLen shrinks the frame by n bytes.
func (h *Handle) DecFrameLen(n uint32) error {
	if !h.BufDescWritable() {
		return ErrNotWritable
	}
	if h.buf.frameLen < n {
		return ErrOutOfRange
	}
	h.buf.frameLen -= n
	return nil
}

// SetHeadroomLen adjusts the headroom accounting.
func (h *Handle) SetHeadroomLen(n uint32) error {
	if !h.BufDescWritable() {
		return ErrNotWritable
	}
	h.buf.headroomLen = n
	return nil
}

// AppendFrag adds a buffer fragment, splitting it at page boundaries so no
// fragment spans a page. Returns ErrSGLimit if the fragment capacity runs
// out before the whole range is appended.
func (h *Handle) AppendFrag(addr uint64, size uint32) error {
	if !h.BufDescWritable() {
		return ErrNotWritable
	}
	if stress.Hit(stress.PktAppendFragFail) {
		return ErrNoResources
	}

	for size > 0 && len(h.buf.sg) < cap(h.buf.sg) {
		sub := uint32(PageSize - (addr & PageMask))
		if sub > size {
			sub = size
		}
		h.buf.sg = append(h.buf.sg, SGElem{Addr: addr, Len: sub})
		h.buf.bufLen += sub
		size -= sub
		addr += uint64(sub)
	}

	if size > 0 {
		return ErrSGLimit
	}
	return nil
}

// copyFromSG copies n bytes starting at offset out of the fragment list.
func copyFromSG(sg []SGElem, dst []byte, offset uint32) error {
	if stress.Hit(stress.PktCopyFromMemFail) {
		return ErrInvalidAddr
	}
	i, elemOff := sgIndexFromOffset(sg, offset)
	remaining := dst
	for len(remaining) > 0 && i < len(sg) {
		n := int(sg[i].Len - elemOff)
		if n > len(remaining) {
			n = len(remaining)
		}
		src, err := Memory().Map(sg[i].Addr+uint64(elemOff), n)
		if err != nil {
			return err
		}
		copy(remaining, src)
		remaining = remaining[n:]
		elemOff = 0
		i++
	}
	if len(remaining) > 0 {
		return ErrOutOfRange
	}
	return nil
}

// copyToSG copies src into the fragment list starting at offset.
func copyToSG(sg []SGElem, src []byte, offset uint32) error {
	if stress.Hit(stress.PktCopyToMemFail) {
		return ErrInvalidAddr
	}
	i, elemOff := sgIndexFromOffset(sg, offset)
	remaining := src
	for len(remaining) > 0 && i < len(sg) {
		n := int(sg[i].Len - elemOff)
		if n > len(remaining) {
			n = len(remaining)
		}
		dst, err := Memory().Map(sg[i].Addr+uint64(elemOff), n)
		if err != nil {
			return err
		}
		copy(dst, remaining)
		remaining = remaining[n:]
		elemOff = 0
		i++
	}
	if len(remaining) > 0 {
		return ErrOutOfRange
	}
	return nil
}

// sgIndexFromOffset locates the fragment and intra-fragment offset holding
// the byte at offset.
func sgIndexFromOffset(sg []SGElem, offset uint32) (int, uint32) {
	i := 0
	for i < len(sg) && offset >= sg[i].Len {
		offset -= sg[i].Len
		i++
	}
	return i, offset
}

// CopyBytesOut copies len(dst) frame bytes starting at offset into dst.
func (h *Handle) CopyBytesOut(dst []byte, offset uint32) error {
	if stress.Hit(stress.PktCopyBytesOutFail) {
		return ErrNoResources
	}
	if h.frameMappedLen >= offset+uint32(len(dst)) {
		copy(dst, h.frame[offset:])
		return nil
	}
	return copyFromSG(h.buf.sg, dst, offset)
}

// CopyBytesIn copies src into the frame starting at offset. The frame length
// is not adjusted; see AppendBytes.
func (h *Handle) CopyBytesIn(src []byte, offset uint32) error {
	if !h.BufWritable() {
		return ErrNotWritable
	}
	if stress.Hit(stress.PktCopyBytesInFail) {
		return ErrNoResources
	}
	if h.frameMappedLen >= offset+uint32(len(src)) {
		copy(h.frame[offset:], src)
		return nil
	}
	return copyToSG(h.buf.sg, src, offset)
}

// AppendBytes copies src onto the end of the frame and grows the frame
// length accordingly.
func (h *Handle) AppendBytes(src []byte) error {
	if !h.BufDescWritable() || !h.BufWritable() {
		return ErrNotWritable
	}
	if err := h.CopyBytesIn(src, h.buf.frameLen); err != nil {
		return err
	}
	return h.IncFrameLen(uint32(len(src)))
}

// Clone returns a new handle sharing the descriptor and buffer. The clone
// holds read privilege only.
func (h *Handle) Clone() (*Handle, error) {
	if stress.Hit(stress.PktCloneFail) {
		return nil, ErrNoResources
	}
	return h.PartialCopy(0, 0)
}

// FrameCopy returns a handle with a private copy of the entire frame.
func (h *Handle) FrameCopy() (*Handle, error) {
	if stress.Hit(stress.PktFrameCopyFail) {
		return nil, ErrNoResources
	}
	return h.PartialCopy(0, CopyAll)
}

// PartialCopy duplicates the handle. With numBytes zero the result is a pure
// clone sharing the buffer. Otherwise the first numBytes of the frame are
// copied into a private buffer the new handle may modify, while the rest of
// the frame remains shared. The private region never copies less than the
// source's own private region, never more than the frame, and keeps at least
// the source's headroom.
func (h *Handle) PartialCopy(headroom, numBytes uint32) (*Handle, error) {
	if stress.Hit(stress.PktPartialCopyFail) {
		return nil, ErrNoResources
	}

	d := h.desc
	d.refCount.Add(1)
	dup := &Handle{
		desc:           d,
		buf:            h.buf,
		frame:          h.frame,
		frameMappedLen: h.frameMappedLen,
	}

	if h.privateBuf {
		// the source considers its mapped prefix private and free to
		// modify, so our copy must cover at least that much
		if numBytes < h.frameMappedLen {
			numBytes = h.frameMappedLen
		}
	}
	if numBytes > h.buf.frameLen {
		numBytes = h.buf.frameLen
	}
	if headroom < h.buf.headroomLen {
		headroom = h.buf.headroomLen
	}

	if numBytes > 0 {
		if err := dup.makePrivateHdr(h, headroom, numBytes); err != nil {
			d.refCount.Add(-1)
			dup.free()
			return nil, err
		}
	}
	return dup, nil
}

// makePrivateHdr gives dup a private buffer descriptor whose leading
// numBytes are a private copy of the frame head, followed by the shared
// remainder of the source fragments.
func (dup *Handle) makePrivateHdr(src *Handle, headroom, numBytes uint32) error {
	if stress.Hit(stress.PktPrivateHdrFail) {
		return ErrNoResources
	}

	// the source's own view: for a partial copy of a partial copy this
	// includes the source's private head, not the master's original bytes
	shared := src.buf

	// room for the private fragment plus a possible extra page split
	sgCap := cap(shared.sg) + 2
	priv := &BufDescriptor{sg: make([]SGElem, 0, sgCap)}

	base, backing := Memory().alloc(int(headroom + numBytes))
	frame := backing[headroom:]

	if numBytes <= src.frameMappedLen {
		copy(frame, src.frame[:numBytes])
	} else {
		if err := copyFromSG(shared.sg, frame, 0); err != nil {
			Memory().free(base, int(headroom+numBytes))
			return err
		}
	}

	dup.buf = priv
	dup.frame = frame
	dup.frameMappedLen = numBytes
	dup.privateBuf = true
	dup.privBase = base
	dup.privSize = int(headroom + numBytes)
	priv.headroomLen = headroom

	if err := dup.AppendFrag(base+uint64(headroom), numBytes); err != nil {
		return err
	}

	// skip the privately copied bytes and share the rest of the source
	i, elemOff := sgIndexFromOffset(shared.sg, numBytes)
	for ; i < len(shared.sg); i++ {
		if len(priv.sg) == cap(priv.sg) {
			return ErrSGLimit
		}
		priv.sg = append(priv.sg, SGElem{
			Addr: shared.sg[i].Addr + uint64(elemOff),
			Len:  shared.sg[i].Len - elemOff,
		})
		elemOff = 0
	}
	priv.bufLen = shared.bufLen
	priv.frameLen = shared.frameLen

	return nil
}

// CopyWithDescriptor returns a fully independent copy: a new master handle
// with its own descriptor, buffer and frame bytes. VLAN and source port are
// carried over; the completion flag is not.
func (h *Handle) CopyWithDescriptor() (*Handle, error) {
	dup, err := Alloc(h.HeadroomLen(), h.FrameLen())
	if err != nil {
		return nil, err
	}
	data := make([]byte, h.FrameLen())
	if err := h.CopyBytesOut(data, 0); err != nil {
		dup.ReleaseOrComplete()
		return nil, err
	}
	if err := dup.AppendBytes(data); err != nil {
		dup.ReleaseOrComplete()
		return nil, err
	}
	dup.desc.vlanID = h.desc.vlanID
	dup.desc.srcPort = h.desc.srcPort
	return dup, nil
}

// free returns the handle's memory to the arena.
func (h *Handle) free() {
	if h.privateBuf {
		Memory().free(h.privBase, h.privSize)
		h.privateBuf = false
	}
	if h.IsMaster() && h.baseSize > 0 {
		Memory().free(h.base, h.baseSize)
		h.baseSize = 0
	}
}

// ReleaseOrComplete drops one reference. Non-master handles are freed
// immediately; the master lingers until the last reference drops. If the
// last reference drops on a packet flagged for completion notification, the
// master is revived with a reference count of one and returned so the caller
// can deliver it to the source port's notify chain. Otherwise nil.
func (h *Handle) ReleaseOrComplete() *Handle {
	d := h.desc
	master := d.master
	notify := d.notify

	prev := d.refCount.Add(-1) + 1

	if h != master {
		h.free()
	}

	if prev == 1 {
		// sole owner here, safe to touch the descriptor
		if notify {
			d.refCount.Store(1)
			return master
		}
		master.free()
	}

	return nil
}

// Release drops one reference to a packet that must not need completion
// notification. Dropping the last reference of a flagged packet is refused;
// such packets go through ReleaseOrComplete so the notification isn't lost.
func (h *Handle) Release() error {
	if h.desc.notify && h.RefCount() == 1 {
		return ErrNeedsComplete
	}
	h.ReleaseOrComplete()
	return nil
}
