package pkt

import (
	"sync"

	"github.com/virtnet/vswitch/stress"
)

const (
	// PageSize bounds every scatter-gather fragment: no fragment may span
	// a page boundary.
	PageSize = 4096
	PageMask = PageSize - 1
)

// Mem is a page-granular buffer arena. It hands out stable addresses for
// packet buffers and maps fragment address ranges back to their bytes, the
// way a machine-address space plus a transient kernel mapping would.
// Addresses from one Mem are meaningless to another.
type Mem struct {
	mu    sync.RWMutex
	pages map[uint64][]byte
	next  uint64
}

// NewMem returns an empty arena. Address 0 is never issued so it can serve
// as an invalid address.
func NewMem() *Mem {
	return &Mem{
		pages: make(map[uint64][]byte),
		next:  PageSize,
	}
}

// alloc reserves size bytes of contiguous address space and returns the base
// address plus the backing bytes. The backing is one contiguous slice even
// when it covers several pages.
func (m *Mem) alloc(size int) (uint64, []byte) {
	if size <= 0 {
		return 0, nil
	}
	npages := (size + PageSize - 1) / PageSize
	backing := make([]byte, npages*PageSize)

	m.mu.Lock()
	base := m.next
	m.next += uint64(npages * PageSize)
	for i := 0; i < npages; i++ {
		m.pages[base+uint64(i*PageSize)] = backing[i*PageSize : (i+1)*PageSize]
	}
	m.mu.Unlock()

	return base, backing[:size]
}

// free returns the address range starting at base to the arena. Stale
// fragment addresses into the range will fail to map afterwards.
func (m *Mem) free(base uint64, size int) {
	if size <= 0 {
		return
	}
	npages := (size + PageSize - 1) / PageSize
	m.mu.Lock()
	for i := 0; i < npages; i++ {
		delete(m.pages, base+uint64(i*PageSize))
	}
	m.mu.Unlock()
}

// Map resolves n bytes at addr. The range must sit within one page, which
// every fragment produced by AppendFrag does. Returns ErrInvalidAddr for
// addresses the arena never issued (or already freed), and for any mapping
// when the kseg fault is armed.
func (m *Mem) Map(addr uint64, n int) ([]byte, error) {
	if stress.Hit(stress.KsegFail) {
		return nil, ErrInvalidAddr
	}
	if addr == 0 || n < 0 {
		return nil, ErrInvalidAddr
	}
	off := int(addr & PageMask)
	if off+n > PageSize {
		return nil, ErrInvalidAddr
	}
	m.mu.RLock()
	page, ok := m.pages[addr&^uint64(PageMask)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidAddr
	}
	return page[off : off+n], nil
}

var defaultMem = NewMem()

// Memory returns the process-wide packet buffer arena.
func Memory() *Mem {
	return defaultMem
}
