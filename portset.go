package vswitch

import (
	"fmt"
	"math/bits"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/virtnet/vswitch/eth"
	"github.com/virtnet/vswitch/pkt"
	"github.com/virtnet/vswitch/stress"
	"github.com/virtnet/vswitch/uplink"
	"github.com/virtnet/vswitch/world"
)

const (
	// DefaultNumPortsets sizes the registry; 7 set-index bits.
	DefaultNumPortsets = 128
	// PortIdxBits is the width of a PortID's port-index field.
	PortIdxBits = 9
	// MaxPortsPerSet follows from the port-index width.
	MaxPortsPerSet = 1 << PortIdxBits

	maxPortsetNameLen = 31
)

// Guard proves the holder has the portset locked, shared or exclusive.
type Guard interface {
	portset() *Portset
}

// Excl is the exclusive lock token. Port state-machine transitions demand
// it, making the locking precondition unforgeable: only LockExcl mints one.
type Excl struct {
	ps *Portset
}

func (e *Excl) portset() *Portset {
	if e == nil {
		return nil
	}
	return e.ps
}

// Shared is the shared lock token held across data-path dispatch.
type Shared struct {
	ps *Portset
}

func (s *Shared) portset() *Portset {
	if s == nil {
		return nil
	}
	return s.ps
}

// Behavior is the hook table a portset implementation installs. Nil hooks
// are skipped.
type Behavior struct {
	Dispatch         func(g Guard, list *pkt.List, src *Port) error
	Deactivate       func(e *Excl)
	PortConnect      func(e *Excl, p *Port) error
	PortDisconnect   func(e *Excl, p *Port) error
	PortEnable       func(e *Excl, p *Port) error
	PortDisable      func(e *Excl, p *Port, force bool) error
	PortEthFRPUpdate func(e *Excl, p *Port, frp *eth.FRP) error
	UplinkConnect    func(e *Excl, devName string) (pkt.PortID, error)
	UplinkDisconnect func(e *Excl, devName string) error
}

// Portset owns a power-of-two array of ports and the behavior dispatching
// between them.
type Portset struct {
	registry *Registry
	l        *logrus.Logger
	idx      int

	mu sync.RWMutex

	name          string
	active        bool
	ports         []*Port
	portIdxMask   uint32
	portgen       uint32
	numPortsInUse int

	behavior     Behavior
	behaviorData any

	uplinkMaxHdrSize uint32
}

func (ps *Portset) Name() string       { return ps.name }
func (ps *Portset) NumPorts() int      { return len(ps.ports) }
func (ps *Portset) NumPortsInUse() int { return ps.numPortsInUse }
func (ps *Portset) IsActive() bool     { return ps.active }

// BehaviorData returns the state the behavior attached at activation.
func (ps *Portset) BehaviorData() any { return ps.behaviorData }

// UplinkMaxHdrSize returns the largest packet headroom any uplink on this
// portset wants.
func (ps *Portset) UplinkMaxHdrSize() uint32 { return ps.uplinkMaxHdrSize }

// LockExcl takes the portset's exclusive lock and mints the token the
// state-machine operations require.
func (ps *Portset) LockExcl() *Excl {
	ps.mu.Lock()
	return &Excl{ps: ps}
}

// UnlockExcl releases the exclusive lock and invalidates the token.
func (ps *Portset) UnlockExcl(e *Excl) {
	if e == nil || e.ps != ps {
		panic("vswitch: unlock with foreign lock token")
	}
	e.ps = nil
	ps.mu.Unlock()
}

// LockShared takes the shared lock for data-path dispatch.
func (ps *Portset) LockShared() *Shared {
	ps.mu.RLock()
	return &Shared{ps: ps}
}

// UnlockShared releases the shared lock and invalidates the token.
func (ps *Portset) UnlockShared(s *Shared) {
	if s == nil || s.ps != ps {
		panic("vswitch: unlock with foreign lock token")
	}
	s.ps = nil
	ps.mu.RUnlock()
}

// SetBehavior installs the behavior hook table and its private state.
func (ps *Portset) SetBehavior(e *Excl, b Behavior, data any) error {
	if e == nil || e.ps != ps {
		return ErrLockRequired
	}
	ps.behavior = b
	ps.behaviorData = data
	return nil
}

func (ps *Portset) portIndex(id pkt.PortID) int {
	return int(uint32(id) & ps.portIdxMask)
}

// encodePortID builds a PortID from the generation counter: the set index
// occupies the top bits, the port index the bottom bits, and the generation
// fills whatever remains in the middle.
func (ps *Portset) encodePortID(gen uint32) pkt.PortID {
	r := ps.registry
	return pkt.PortID((gen &^ (r.setIdxMask << r.idxShift)) | uint32(ps.idx)<<r.idxShift)
}

// lookup resolves a PortID to its port slot under either lock. The full ID
// must match the port's current one; a generation mismatch means the ID is
// stale.
func (ps *Portset) lookup(id pkt.PortID) (*Port, error) {
	if id == pkt.InvalidPortID {
		return nil, ErrInvalidHandle
	}
	if !ps.active {
		return nil, ErrNotActive
	}
	p := ps.ports[ps.portIndex(id)]
	if p.flags&PortInUse == 0 {
		return nil, ErrDisconnected
	}
	if p.id != id {
		return nil, ErrStalePortID
	}
	return p, nil
}

// ConnectPort claims the first available slot, bumping the generation
// counter so recycled slots get fresh IDs. The behavior's connect hook runs
// after the port-level connect; a hook failure rolls the connect back.
func (ps *Portset) ConnectPort(e *Excl) (*Port, error) {
	if e == nil || e.ps != ps {
		return nil, ErrLockRequired
	}
	if !ps.active {
		return nil, ErrNotActive
	}
	if stress.Hit(stress.PortsetConnectPortFail) {
		return nil, ErrNoResources
	}

	for range ps.ports {
		ps.portgen++
		id := ps.encodePortID(ps.portgen)
		if id == pkt.InvalidPortID {
			ps.portgen++
			id = ps.encodePortID(ps.portgen)
		}
		p := ps.ports[ps.portIndex(id)]
		if p.flags&PortInUse != 0 {
			continue
		}
		if err := p.Connect(e, id); err != nil {
			return nil, err
		}
		if ps.behavior.PortConnect != nil {
			if err := ps.behavior.PortConnect(e, p); err != nil {
				ps.disconnectPort(e, p)
				return nil, err
			}
		}
		ps.numPortsInUse++
		return p, nil
	}
	return nil, ErrNoResources
}

// DisconnectPort releases the port holding the given ID.
func (ps *Portset) DisconnectPort(e *Excl, id pkt.PortID) error {
	if e == nil || e.ps != ps {
		return ErrLockRequired
	}
	if id == pkt.InvalidPortID {
		return ErrInvalidHandle
	}
	if !ps.active {
		return ErrBadParam
	}
	p, err := ps.lookup(id)
	if err != nil {
		return ErrDisconnected
	}

	if p.IsEnabled() {
		if err := p.Disable(e, true); err != nil {
			return err
		}
	}
	if ps.behavior.PortDisconnect != nil {
		if err := ps.behavior.PortDisconnect(e, p); err != nil {
			return err
		}
	}
	if err := ps.disconnectPort(e, p); err != nil {
		return err
	}
	ps.numPortsInUse--
	return nil
}

func (ps *Portset) disconnectPort(e *Excl, p *Port) error {
	return p.Disconnect(e)
}

// EnablePort is Port.Enable's single notification to the portset. A hook
// failure force-disables the port before propagating.
func (ps *Portset) EnablePort(e *Excl, p *Port) error {
	if e == nil || e.ps != ps {
		return ErrLockRequired
	}
	if stress.Hit(stress.PortsetEnablePortFail) {
		_ = p.Disable(e, true)
		return ErrNoResources
	}
	if ps.behavior.PortEnable != nil {
		if err := ps.behavior.PortEnable(e, p); err != nil {
			_ = p.Disable(e, true)
			return err
		}
	}
	return nil
}

// DisablePort lets the behavior drain a port. ErrBusy without force means
// outstanding work; the caller retries.
func (ps *Portset) DisablePort(e *Excl, p *Port, force bool) error {
	if e == nil || e.ps != ps {
		return ErrLockRequired
	}
	if stress.Hit(stress.PortsetDisablePortFail) && !force {
		return ErrBusy
	}
	if ps.behavior.PortDisable != nil {
		return ps.behavior.PortDisable(e, p, force)
	}
	return nil
}

// UpdatePortEthFRP forwards a frame-routing-policy change to the behavior so
// it can rebuild the port's filter stages.
func (ps *Portset) UpdatePortEthFRP(e *Excl, p *Port, frp *eth.FRP) error {
	if e == nil || e.ps != ps {
		return ErrLockRequired
	}
	if ps.behavior.PortEthFRPUpdate != nil {
		return ps.behavior.PortEthFRPUpdate(e, p, frp)
	}
	return nil
}

// Input hands an input list to the behavior's dispatch.
func (ps *Portset) Input(g Guard, src *Port, list *pkt.List) error {
	if g == nil || g.portset() != ps {
		return ErrLockRequired
	}
	if ps.behavior.Dispatch == nil {
		return nil
	}
	return ps.behavior.Dispatch(g, list, src)
}

// ConnectUplink asks the behavior to bind the named device as the portset's
// uplink, returning the uplink port's ID.
func (ps *Portset) ConnectUplink(e *Excl, devName string) (pkt.PortID, error) {
	if e == nil || e.ps != ps {
		return pkt.InvalidPortID, ErrLockRequired
	}
	if ps.behavior.UplinkConnect == nil {
		return pkt.InvalidPortID, ErrBadParam
	}
	return ps.behavior.UplinkConnect(e, devName)
}

// DisconnectUplink tears the named uplink down.
func (ps *Portset) DisconnectUplink(e *Excl, devName string) error {
	if e == nil || e.ps != ps {
		return ErrLockRequired
	}
	if ps.behavior.UplinkDisconnect == nil {
		return ErrBadParam
	}
	return ps.behavior.UplinkDisconnect(e, devName)
}

func (ps *Portset) updateUplinkHdrSize() {
	var hdr uint32
	for _, p := range ps.ports {
		if p.uplinkHdrSize > hdr {
			hdr = p.uplinkHdrSize
		}
	}
	ps.uplinkMaxHdrSize = hdr
}

// Status renders the portset and every connected port.
func (ps *Portset) Status() string {
	var b strings.Builder
	fmt.Fprintf(&b, "portset %q ports %d in use %d uplink hdr %d\n",
		ps.name, len(ps.ports), ps.numPortsInUse, ps.uplinkMaxHdrSize)
	for _, p := range ps.ports {
		if p.flags&PortInUse != 0 {
			b.WriteString(p.Status())
		}
	}
	return b.String()
}

// Registry is the process-wide table of portsets. PortIDs carry the set
// index in their top bits so any ID resolves to its portset without help.
type Registry struct {
	l       *logrus.Logger
	worlds  *world.Registry
	uplinks *uplink.Registry

	mu         sync.Mutex
	sets       []*Portset
	setIdxMask uint32
	idxShift   uint32
}

// NewRegistry sizes the portset table; numPortsets is rounded up to a power
// of two.
func NewRegistry(l *logrus.Logger, worlds *world.Registry, uplinks *uplink.Registry, numPortsets int) *Registry {
	if numPortsets <= 0 {
		numPortsets = DefaultNumPortsets
	}
	n := ceilPow2(uint32(numPortsets))
	r := &Registry{
		l:          l,
		worlds:     worlds,
		uplinks:    uplinks,
		sets:       make([]*Portset, n),
		setIdxMask: n - 1,
		idxShift:   31 - uint32(bits.TrailingZeros32(n)),
	}
	return r
}

// Worlds returns the world registry ports associate against.
func (r *Registry) Worlds() *world.Registry { return r.worlds }

// Uplinks returns the uplink device registry.
func (r *Registry) Uplinks() *uplink.Registry { return r.uplinks }

func ceilPow2(v uint32) uint32 {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len32(v-1)
}

// Activate brings a named portset into service with room for numPorts ports
// (rounded up to a power of two).
func (r *Registry) Activate(name string, numPorts int) (*Portset, error) {
	if name == "" || len(name) > maxPortsetNameLen {
		return nil, ErrBadParam
	}
	if numPorts <= 0 || numPorts > MaxPortsPerSet {
		return nil, ErrBadParam
	}
	if stress.Hit(stress.PortsetActivateFail) {
		return nil, ErrNoResources
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	slot := -1
	for i, ps := range r.sets {
		if ps != nil && ps.active && ps.name == name {
			return nil, ErrExists
		}
		if slot < 0 && (ps == nil || !ps.active) {
			slot = i
		}
	}
	if slot < 0 {
		return nil, ErrNoResources
	}

	ps := r.sets[slot]
	if ps == nil {
		ps = &Portset{registry: r, l: r.l, idx: slot}
		r.sets[slot] = ps
	}

	n := int(ceilPow2(uint32(numPorts)))
	if stress.Hit(stress.PortsetActivateMemFail) {
		return nil, ErrNoResources
	}
	ps.name = name
	ps.ports = make([]*Port, n)
	ps.portIdxMask = uint32(n - 1)
	ps.numPortsInUse = 0
	ps.behavior = Behavior{}
	ps.behaviorData = nil
	ps.uplinkMaxHdrSize = 0
	for i := range ps.ports {
		ps.ports[i] = &Port{ps: ps, idx: i, l: r.l, id: pkt.InvalidPortID}
	}
	// the generation counter is deliberately not reset so IDs from an
	// earlier activation stay stale
	ps.active = true

	r.l.WithField("portset", name).WithField("ports", n).Info("portset activated")
	return ps, nil
}

// Deactivate force-disconnects every port, runs the behavior's deactivate
// hook and retires the portset. The slot and its generation counter stay
// for the next activation.
func (r *Registry) Deactivate(ps *Portset) error {
	e := ps.LockExcl()
	defer ps.UnlockExcl(e)

	if !ps.active {
		return ErrNotActive
	}
	for _, p := range ps.ports {
		if p.flags&PortInUse == 0 {
			continue
		}
		if err := ps.DisconnectPort(e, p.id); err != nil {
			r.l.WithField("port", p.id).WithError(err).Error("failed to disconnect port on deactivate")
		}
	}
	if ps.behavior.Deactivate != nil {
		ps.behavior.Deactivate(e)
	}
	ps.behavior = Behavior{}
	ps.behaviorData = nil
	ps.active = false
	r.l.WithField("portset", ps.name).Info("portset deactivated")
	return nil
}

// FindByName returns the active portset with the given name.
func (r *Registry) FindByName(name string) (*Portset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ps := range r.sets {
		if ps != nil && ps.active && ps.name == name {
			return ps, nil
		}
	}
	return nil, ErrNotFound
}

func (r *Registry) setForID(id pkt.PortID) (*Portset, error) {
	if id == pkt.InvalidPortID {
		return nil, ErrInvalidHandle
	}
	idx := (uint32(id) >> r.idxShift) & r.setIdxMask
	r.mu.Lock()
	ps := r.sets[idx]
	r.mu.Unlock()
	if ps == nil || !ps.active {
		return nil, ErrNotActive
	}
	return ps, nil
}

// GetPort resolves a PortID under the owning portset's shared lock. The
// caller releases with ReleasePort.
func (r *Registry) GetPort(id pkt.PortID) (*Port, *Shared, error) {
	ps, err := r.setForID(id)
	if err != nil {
		return nil, nil, err
	}
	g := ps.LockShared()
	p, err := ps.lookup(id)
	if err != nil {
		ps.UnlockShared(g)
		return nil, nil, err
	}
	return p, g, nil
}

// ReleasePort drops the guard from GetPort.
func (r *Registry) ReleasePort(g *Shared) {
	g.ps.UnlockShared(g)
}

// GetPortExcl resolves a PortID under the exclusive lock, for state changes.
// The caller releases with ReleasePortExcl.
func (r *Registry) GetPortExcl(id pkt.PortID) (*Port, *Excl, error) {
	ps, err := r.setForID(id)
	if err != nil {
		return nil, nil, err
	}
	e := ps.LockExcl()
	p, err := ps.lookup(id)
	if err != nil {
		ps.UnlockExcl(e)
		return nil, nil, err
	}
	return p, e, nil
}

// ReleasePortExcl drops the token from GetPortExcl.
func (r *Registry) ReleasePortExcl(e *Excl) {
	e.ps.UnlockExcl(e)
}

// completeList routes leftover packets back to their source ports' notify
// chains. Only ports of the currently guarded portset can be reached without
// re-locking; packets from elsewhere have their completion dropped.
func (r *Registry) completeList(g Guard, list *pkt.List) {
	ps := g.portset()
	for h := list.Head(); h != nil; {
		next := list.Next(h)
		list.Remove(h)

		var one pkt.List
		one.AddToTail(h)
		src, err := ps.lookup(h.SrcPortID())
		if err == nil {
			src.IOComplete(&one)
		} else {
			dropCompletion(&one)
		}
		h = next
	}
}

func dropCompletion(list *pkt.List) {
	for h := list.Head(); h != nil; {
		next := list.Next(h)
		list.Remove(h)
		if m := h.ReleaseOrComplete(); m != nil {
			if m.ClearCompletionData() == nil {
				m.ReleaseOrComplete()
			}
		}
		h = next
	}
}
