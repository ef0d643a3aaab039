package pkt

import "github.com/virtnet/vswitch/stress"

// NoLimit makes CloneN clone every packet in the source list.
const NoLimit = -1

// List is an intrusive doubly-linked list of packet handles. A handle is on
// at most one list at a time. The zero value is an empty list.
//
// MayModify tells consumers whether they may remove or reorder entries; code
// handed a list with MayModify false must clone before changing it.
type List struct {
	head, tail *Handle
	count      int
	MayModify  bool
}

func (l *List) Count() int    { return l.count }
func (l *List) Empty() bool   { return l.count == 0 }
func (l *List) Head() *Handle { return l.head }
func (l *List) Tail() *Handle { return l.tail }

// Next returns the entry after h, or nil at the end of the list.
func (l *List) Next(h *Handle) *Handle { return h.next }

// Prev returns the entry before h, or nil at the head of the list.
func (l *List) Prev(h *Handle) *Handle { return h.prev }

// AddToHead prepends h.
func (l *List) AddToHead(h *Handle) {
	h.list = l
	h.prev = nil
	h.next = l.head
	if l.head != nil {
		l.head.prev = h
	} else {
		l.tail = h
	}
	l.head = h
	l.count++
}

// AddToTail appends h.
func (l *List) AddToTail(h *Handle) {
	h.list = l
	h.next = nil
	h.prev = l.tail
	if l.tail != nil {
		l.tail.next = h
	} else {
		l.head = h
	}
	l.tail = h
	l.count++
}

// InsertBefore places h immediately before target.
func (l *List) InsertBefore(target, h *Handle) {
	if target.prev == nil {
		l.AddToHead(h)
		return
	}
	h.list = l
	h.prev = target.prev
	h.next = target
	target.prev.next = h
	target.prev = h
	l.count++
}

// InsertAfter places h immediately after target.
func (l *List) InsertAfter(target, h *Handle) {
	if target.next == nil {
		l.AddToTail(h)
		return
	}
	h.list = l
	h.next = target.next
	h.prev = target
	target.next.prev = h
	target.next = h
	l.count++
}

// Remove unlinks h from the list.
func (l *List) Remove(h *Handle) {
	if h.prev != nil {
		h.prev.next = h.next
	} else {
		l.head = h.next
	}
	if h.next != nil {
		h.next.prev = h.prev
	} else {
		l.tail = h.prev
	}
	h.next = nil
	h.prev = nil
	h.list = nil
	l.count--
}

// Replace swaps repl into old's position. old is unlinked.
func (l *List) Replace(old, repl *Handle) {
	repl.list = l
	repl.prev = old.prev
	repl.next = old.next
	if old.prev != nil {
		old.prev.next = repl
	} else {
		l.head = repl
	}
	if old.next != nil {
		old.next.prev = repl
	} else {
		l.tail = repl
	}
	old.next = nil
	old.prev = nil
	old.list = nil
}

// Split moves entry and everything after it into second, preserving order.
// second is reset first.
func (l *List) Split(entry *Handle, second *List) {
	*second = List{MayModify: l.MayModify}
	for h := entry; h != nil; {
		next := h.next
		l.Remove(h)
		second.AddToTail(h)
		h = next
	}
}

// Join appends every entry of other, leaving other empty.
func (l *List) Join(other *List) {
	for !other.Empty() {
		h := other.Head()
		other.Remove(h)
		l.AddToTail(h)
	}
}

// AppendN moves up to n entries from the head of src to the tail of l.
func (l *List) AppendN(src *List, n int) {
	for i := 0; i < n && !src.Empty(); i++ {
		h := src.Head()
		src.Remove(h)
		l.AddToTail(h)
	}
}

// ReleaseAll releases every packet in the list. Packets whose last reference
// would drop while flagged for completion are left out of the release and
// remain in the list; callers holding such packets use completion delivery
// instead.
func (l *List) ReleaseAll() {
	for h := l.Head(); h != nil; {
		next := h.next
		if h.Release() == nil {
			l.Remove(h)
		}
		h = next
	}
}

// CloneN fills dst with clones of up to limit packets from l. All or
// nothing: if any clone fails the partial destination is released and the
// error returned. dst is reset first.
func (l *List) CloneN(dst *List, limit int) error {
	if stress.Hit(stress.PktListCloneFail) {
		return ErrNoResources
	}
	*dst = List{}
	for h := l.Head(); h != nil; h = h.next {
		if limit >= 0 && dst.count == limit {
			break
		}
		clone, err := h.Clone()
		if err != nil {
			dst.ReleaseAll()
			return err
		}
		dst.AddToTail(clone)
	}
	return nil
}

// Clone fills dst with a clone of every packet in l.
func (l *List) Clone(dst *List) error {
	return l.CloneN(dst, NoLimit)
}

// Copy fills dst with fully independent copies of every packet in l, in
// order. All or nothing, like CloneN.
func (l *List) Copy(dst *List) error {
	if stress.Hit(stress.PktListCopyFail) {
		return ErrNoResources
	}
	*dst = List{}
	for h := l.Head(); h != nil; h = h.next {
		dup, err := h.CopyWithDescriptor()
		if err != nil {
			dst.ReleaseAll()
			return err
		}
		dst.AddToTail(dup)
	}
	return nil
}
