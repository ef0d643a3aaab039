package vswitch

import (
	"fmt"
	"strings"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/virtnet/vswitch/eth"
	"github.com/virtnet/vswitch/pkt"
	"github.com/virtnet/vswitch/stress"
	"github.com/virtnet/vswitch/world"
)

// PortFlag is one bit of a port's state word. The name-to-bit mapping is
// part of the diagnostic surface.
type PortFlag uint32

const (
	PortInUse          PortFlag = 0x1
	PortEnabled        PortFlag = 0x2
	PortDisablePending PortFlag = 0x4
	PortWorldAssoc     PortFlag = 0x8
)

func (f PortFlag) String() string {
	var names []string
	if f&PortInUse != 0 {
		names = append(names, "IN_USE")
	}
	if f&PortEnabled != 0 {
		names = append(names, "ENABLED")
	}
	if f&PortDisablePending != 0 {
		names = append(names, "DISABLE_PENDING")
	}
	if f&PortWorldAssoc != 0 {
		names = append(names, "WORLD_ASSOC")
	}
	if len(names) == 0 {
		return "FREE"
	}
	return strings.Join(names, "|")
}

// ClientStats counts traffic from the attached client's point of view: tx is
// what the client sent into the switch, rx what the switch delivered to it.
type ClientStats struct {
	TxPackets metrics.Counter
	TxBytes   metrics.Counter
	RxPackets metrics.Counter
	RxBytes   metrics.Counter
}

// PortImpl carries implementation-specific hooks a behavior hangs on a port,
// such as the hub's uplink bring-up. The disable hook must leave itself
// unarmed when it succeeds or when the disable is forced.
type PortImpl struct {
	Enable  func(p *Port) error
	Disable func(p *Port, force bool) error
	Data    any
}

// Port is one attachment point on a virtual switch. State-machine methods
// require the owning portset's exclusive lock token; the data path methods
// run concurrently under a shared guard.
type Port struct {
	ps  *Portset
	idx int
	l   *logrus.Logger

	flags PortFlag
	id    pkt.PortID

	inputChain  IOChain
	outputChain IOChain
	notifyChain IOChain

	ethFRP eth.FRP
	worlds []*world.Handle
	impl   PortImpl

	uplinkHdrSize uint32
	stats         ClientStats
}

func (p *Port) ID() pkt.PortID    { return p.id }
func (p *Port) Index() int        { return p.idx }
func (p *Port) Flags() PortFlag   { return p.flags }
func (p *Port) Portset() *Portset { return p.ps }
func (p *Port) IsInUse() bool     { return p.flags&PortInUse != 0 }
func (p *Port) IsEnabled() bool   { return p.flags&PortEnabled != 0 }

// IsInputActive reports whether input may still flow: enabled, or mid-disable
// so in-flight input drains through the chains.
func (p *Port) IsInputActive() bool {
	return p.flags&(PortEnabled|PortDisablePending) != 0
}

// IsOutputActive reports whether the port accepts output.
func (p *Port) IsOutputActive() bool {
	return p.flags&PortEnabled != 0
}

// EthFRP returns the port's current frame routing policy.
func (p *Port) EthFRP() eth.FRP { return p.ethFRP }

// NumWorlds returns how many worlds are associated.
func (p *Port) NumWorlds() int { return len(p.worlds) }

// SetImpl installs behavior hooks on the port.
func (p *Port) SetImpl(e *Excl, impl PortImpl) error {
	if err := p.checkExcl(e); err != nil {
		return err
	}
	p.impl = impl
	return nil
}

// Impl returns the port's implementation hooks.
func (p *Port) Impl() *PortImpl { return &p.impl }

// SetUplinkHdrSize records the packet headroom the port's uplink device
// wants; the portset tracks the maximum across its ports.
func (p *Port) SetUplinkHdrSize(e *Excl, n uint32) error {
	if err := p.checkExcl(e); err != nil {
		return err
	}
	p.uplinkHdrSize = n
	p.ps.updateUplinkHdrSize()
	return nil
}

func (p *Port) checkExcl(e *Excl) error {
	if e == nil || e.ps != p.ps {
		return ErrLockRequired
	}
	return nil
}

func (p *Port) checkGuard(g Guard) error {
	if g == nil || g.portset() != p.ps {
		return ErrLockRequired
	}
	return nil
}

// Connect claims the port slot and assigns its ID. Fails with ErrBusy if the
// slot is already in use.
func (p *Port) Connect(e *Excl, id pkt.PortID) error {
	if err := p.checkExcl(e); err != nil {
		return err
	}
	if p.flags&PortInUse != 0 {
		return ErrBusy
	}
	if stress.Hit(stress.PortConnectFail) {
		return ErrNoResources
	}

	p.flags = PortInUse
	p.id = id
	p.inputChain.Init(id)
	p.outputChain.Init(id)
	p.notifyChain.Init(id)
	p.ethFRP = eth.FRP{}
	p.impl = PortImpl{}
	p.uplinkHdrSize = 0
	p.registerStats()

	p.l.WithField("port", id).Debug("port connected")
	return nil
}

func (p *Port) registerStats() {
	prefix := fmt.Sprintf("portset.%s.port%d.", p.ps.name, p.idx)
	p.stats.TxPackets = metrics.GetOrRegisterCounter(prefix+"tx_packets", nil)
	p.stats.TxBytes = metrics.GetOrRegisterCounter(prefix+"tx_bytes", nil)
	p.stats.RxPackets = metrics.GetOrRegisterCounter(prefix+"rx_packets", nil)
	p.stats.RxBytes = metrics.GetOrRegisterCounter(prefix+"rx_bytes", nil)
}

// Enable brings a connected port into service. The implementation hook runs
// first; the portset is notified exactly once after it succeeds. The port is
// marked enabled only when every step succeeded.
func (p *Port) Enable(e *Excl) error {
	if err := p.checkExcl(e); err != nil {
		return err
	}
	if p.flags&PortInUse == 0 {
		return ErrInvalidHandle
	}
	if stress.Hit(stress.PortEnableFail) {
		return ErrNoResources
	}

	if p.impl.Enable != nil {
		if err := p.impl.Enable(p); err != nil {
			return err
		}
	}
	if err := p.ps.EnablePort(e, p); err != nil {
		return err
	}
	p.flags |= PortEnabled
	p.l.WithField("port", p.id).Debug("port enabled")
	return nil
}

// Disable takes the port out of service. The enabled bit clears immediately
// so no new output starts; DisablePending keeps input draining. Without
// force, outstanding work makes the portset report ErrBusy and the port
// stays mid-disable for the caller to retry.
func (p *Port) Disable(e *Excl, force bool) error {
	if err := p.checkExcl(e); err != nil {
		return err
	}
	if p.flags&PortInUse == 0 {
		return ErrInvalidHandle
	}

	p.flags |= PortDisablePending
	p.flags &^= PortEnabled

	var err error
	if p.impl.Disable != nil {
		err = p.impl.Disable(p, force)
	}
	ok := err == nil || force
	if ok && p.impl.Disable != nil {
		// the hook must have disarmed itself
		return ErrCorrupt
	}

	if ok {
		if derr := p.ps.DisablePort(e, p, force); derr != nil && !force {
			return derr
		}
		p.inputChain.Release()
		p.outputChain.Release()
		p.notifyChain.Release()
		p.flags &^= PortDisablePending
		p.l.WithField("port", p.id).Debug("port disabled")
	}
	return err
}

// Disconnect reverses Connect: drops world associations and resets the slot
// for reuse. The stale ID check in the portset relies on the ID clearing.
func (p *Port) Disconnect(e *Excl) error {
	if err := p.checkExcl(e); err != nil {
		return err
	}
	if p.flags&PortInUse == 0 {
		return ErrInvalidHandle
	}

	if p.flags&PortWorldAssoc != 0 {
		if err := p.DisassociateVmmWorld(e, world.InvalidID); err != nil {
			return err
		}
	}

	p.l.WithField("port", p.id).Debug("port disconnected")
	p.flags = 0
	p.id = pkt.InvalidPortID
	p.impl = PortImpl{}
	p.ethFRP = eth.FRP{}
	p.uplinkHdrSize = 0
	return nil
}

// AssociateVmmWorldGroup attaches the full vcpu group of the given world to
// the port and records the port on the group. An invalid world ID is a
// no-op, matching the "no attribution" configuration.
func (p *Port) AssociateVmmWorldGroup(e *Excl, id world.ID) error {
	if err := p.checkExcl(e); err != nil {
		return err
	}
	if stress.Hit(stress.PortWorldAssocFail) {
		return ErrNoResources
	}
	if id == world.InvalidID {
		return nil
	}

	w, err := p.ps.registry.worlds.Find(id)
	if err != nil {
		return fmt.Errorf("%w: world %d", ErrNotFound, id)
	}
	defer w.Release()

	g := w.Group()
	if g == nil {
		return fmt.Errorf("%w: world %d is not a VMM world", ErrBadParam, id)
	}
	if err := g.AddPortID(p.id); err != nil {
		return fmt.Errorf("%w: %d ports already on VMM group", ErrLimitExceeded, world.MaxGroupNetPorts)
	}

	p.worlds = g.Members()
	p.flags |= PortWorldAssoc
	return nil
}

// AssociateCOSWorld attaches a single host world to the port.
func (p *Port) AssociateCOSWorld(e *Excl, id world.ID) error {
	if err := p.checkExcl(e); err != nil {
		return err
	}
	if stress.Hit(stress.PortWorldAssocFail) {
		return ErrNoResources
	}

	w, err := p.ps.registry.worlds.Find(id)
	if err != nil {
		return fmt.Errorf("%w: world %d", ErrNotFound, id)
	}
	if w.Kind() != world.KindHost {
		w.Release()
		return fmt.Errorf("%w: world %d is not a host world", ErrBadParam, id)
	}

	p.worlds = []*world.Handle{w}
	p.flags |= PortWorldAssoc
	return nil
}

// DisassociateVmmWorld removes one associated world, or all of them when id
// is invalid. Removing a named world must drop exactly one entry; finding
// none is an internal-consistency failure. When the last world of a VMM
// group leaves, the port is removed from the group's port list.
func (p *Port) DisassociateVmmWorld(e *Excl, id world.ID) error {
	if err := p.checkExcl(e); err != nil {
		return err
	}
	if p.flags&PortWorldAssoc == 0 || len(p.worlds) == 0 {
		return ErrInvalidHandle
	}

	group := p.worlds[0].Group()

	if id == world.InvalidID {
		for _, w := range p.worlds {
			w.Release()
		}
		p.worlds = nil
	} else {
		removed := false
		for i, w := range p.worlds {
			if w.ID() == id {
				p.worlds = append(p.worlds[:i], p.worlds[i+1:]...)
				w.Release()
				removed = true
				break
			}
		}
		if !removed {
			return fmt.Errorf("%w: world %d not associated with port %d", ErrCorrupt, id, p.id)
		}
	}

	if len(p.worlds) == 0 {
		p.flags &^= PortWorldAssoc
		if group != nil {
			if err := group.RemovePortID(p.id); err != nil {
				return fmt.Errorf("%w: port %d missing from VMM group", ErrCorrupt, p.id)
			}
		}
	}
	return nil
}

// UpdateEthFRP replaces the port's frame routing policy and lets the
// behavior rebuild the filter stages.
func (p *Port) UpdateEthFRP(e *Excl, frp eth.FRP) error {
	if err := p.checkExcl(e); err != nil {
		return err
	}
	if p.flags&PortInUse == 0 {
		return ErrInvalidHandle
	}
	p.ethFRP = frp
	return p.ps.UpdatePortEthFRP(e, p, &frp)
}

// corruptFirst flips a byte in the first frame of the list, exercising the
// consumers' checksum/validation paths under fault injection.
func corruptFirst(list *pkt.List) {
	h := list.Head()
	if h == nil || h.FrameLen() == 0 {
		return
	}
	b := make([]byte, 1)
	if h.CopyBytesOut(b, 0) != nil {
		return
	}
	b[0] ^= 0xff
	_ = h.CopyBytesIn(b, 0)
}

func listBytes(list *pkt.List) int64 {
	var n int64
	for h := list.Head(); h != nil; h = list.Next(h) {
		n += int64(h.FrameLen())
	}
	return n
}

// Input feeds a packet list from the attached client into the switch. The
// shared portset guard is taken for the duration of the dispatch.
func (p *Port) Input(list *pkt.List) error {
	g := p.ps.LockShared()
	defer p.ps.UnlockShared(g)
	return p.InputResume(g, nil, list)
}

// InputOne feeds a single packet.
func (p *Port) InputOne(h *pkt.Handle) error {
	var list pkt.List
	list.AddToTail(h)
	return p.Input(&list)
}

// InputResume drives the input chain from after prev and hands the
// survivors to the portset's dispatch. Whatever remains in the list is
// funneled to IOComplete on every exit path; the caller's list is empty on
// return.
func (p *Port) InputResume(g Guard, prev *IOChainLink, list *pkt.List) error {
	if err := p.checkGuard(g); err != nil {
		return err
	}
	list.MayModify = true

	var err error
	if p.IsInputActive() && !stress.Hit(stress.PortInputResumeFail) {
		if stress.Hit(stress.PortInputCorrupt) {
			corruptFirst(list)
		}
		p.stats.TxPackets.Inc(int64(list.Count()))
		p.stats.TxBytes.Inc(listBytes(list))
		err = p.inputChain.Resume(p, prev, list)
		if err == nil {
			err = p.ps.Input(g, p, list)
		}
	}

	p.IOComplete(list)
	return err
}

// Output drives the port's output chain over the list. The list stays with
// the caller; consumers take what they deliver.
func (p *Port) Output(g Guard, list *pkt.List) error {
	if err := p.checkGuard(g); err != nil {
		return err
	}
	if !p.IsOutputActive() {
		return ErrDisconnected
	}
	if stress.Hit(stress.PortOutputCorrupt) {
		corruptFirst(list)
	}
	p.stats.RxPackets.Inc(int64(list.Count()))
	p.stats.RxBytes.Inc(listBytes(list))
	return p.outputChain.Start(p, list)
}

// OutputResume re-enters the output chain after prev, outside the normal
// input-driven path, so it completes any leftover packets itself.
func (p *Port) OutputResume(g Guard, prev *IOChainLink, list *pkt.List) error {
	if err := p.checkGuard(g); err != nil {
		return err
	}
	err := p.outputChain.Resume(p, prev, list)
	p.ps.registry.completeList(g, list)
	return err
}

// IOComplete routes every packet in the list through release-or-complete.
// Packets wanting completion notification are batched through the notify
// chain; the list is empty on return.
func (p *Port) IOComplete(list *pkt.List) {
	var notify pkt.List
	for h := list.Head(); h != nil; {
		next := list.Next(h)
		list.Remove(h)
		if m := h.ReleaseOrComplete(); m != nil {
			notify.AddToTail(m)
		}
		h = next
	}
	if notify.Empty() {
		return
	}

	notify.MayModify = true
	if err := p.notifyChain.Start(p, &notify); err != nil && p.l.IsLevelEnabled(logrus.DebugLevel) {
		p.l.WithField("port", p.id).WithError(err).Debug("notify chain failed")
	}

	// no notify stage claimed these; drop the obligation and free them
	for h := notify.Head(); h != nil; {
		next := notify.Next(h)
		notify.Remove(h)
		if h.ClearCompletionData() == nil {
			h.ReleaseOrComplete()
		}
		h = next
	}
}

// InputChain exposes the input chain for stage registration.
func (p *Port) InputChain() *IOChain { return &p.inputChain }

// OutputChain exposes the output chain for stage registration.
func (p *Port) OutputChain() *IOChain { return &p.outputChain }

// NotifyChain exposes the completion chain for stage registration.
func (p *Port) NotifyChain() *IOChain { return &p.notifyChain }

// Status renders the port's diagnostic dump: flags, policy counters and the
// three chains.
func (p *Port) Status() string {
	var b strings.Builder
	fmt.Fprintf(&b, "port %d idx %d flags %s worlds %d\n", p.id, p.idx, p.flags, len(p.worlds))
	if f := p.ethFRP.OutputFilter; f != nil {
		fmt.Fprintf(&b, "output filter passed %+v blocked %+v\n", f.Passed, f.Blocked)
	}
	if f := p.ethFRP.InputFilter; f != nil {
		fmt.Fprintf(&b, "input filter passed %+v blocked %+v\n", f.Passed, f.Blocked)
	}
	fmt.Fprintf(&b, "input chain:\n%s", p.inputChain.Status())
	fmt.Fprintf(&b, "output chain:\n%s", p.outputChain.Status())
	fmt.Fprintf(&b, "notify chain:\n%s", p.notifyChain.Status())
	if p.stats.TxPackets != nil {
		fmt.Fprintf(&b, "client tx %d pkts %d bytes, rx %d pkts %d bytes\n",
			p.stats.TxPackets.Count(), p.stats.TxBytes.Count(),
			p.stats.RxPackets.Count(), p.stats.RxBytes.Count())
	}
	return b.String()
}
