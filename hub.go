package vswitch

import (
	"errors"
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/virtnet/vswitch/eth"
	"github.com/virtnet/vswitch/pkt"
	"github.com/virtnet/vswitch/stress"
	"github.com/virtnet/vswitch/uplink"
)

const (
	destFilterStage = "eth-dest-filter"
	srcFilterStage  = "eth-src-filter"
)

// Hub is the simplest portset behavior: flood every frame to every other
// output-active port, plus at most one uplink, never back to the source.
type Hub struct {
	l  *logrus.Logger
	ps *Portset

	uplinkPortID pkt.PortID
	uplinkDev    string
	connected    bool

	dispatches metrics.Counter
	deliveries metrics.Counter
}

// ActivateHub installs the hub behavior on an active portset.
func ActivateHub(l *logrus.Logger, ps *Portset) (*Hub, error) {
	if stress.Hit(stress.HubActivateFail) {
		return nil, ErrNoResources
	}
	h := &Hub{
		l:            l,
		ps:           ps,
		uplinkPortID: pkt.InvalidPortID,
		dispatches:   metrics.GetOrRegisterCounter("hub."+ps.Name()+".dispatches", nil),
		deliveries:   metrics.GetOrRegisterCounter("hub."+ps.Name()+".deliveries", nil),
	}

	e := ps.LockExcl()
	defer ps.UnlockExcl(e)
	err := ps.SetBehavior(e, Behavior{
		Dispatch:         h.dispatch,
		Deactivate:       h.deactivate,
		PortConnect:      h.portConnect,
		PortDisconnect:   h.portDisconnect,
		PortEthFRPUpdate: h.portEthFRPUpdate,
		UplinkConnect:    h.uplinkConnect,
		UplinkDisconnect: h.uplinkDisconnect,
	}, h)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Connected reports whether the uplink device is up.
func (h *Hub) Connected() bool { return h.connected }

// UplinkPortID returns the uplink port's ID, or the invalid ID when no
// uplink is allocated.
func (h *Hub) UplinkPortID() pkt.PortID { return h.uplinkPortID }

// UplinkDevName returns the bound device name, empty when none.
func (h *Hub) UplinkDevName() string { return h.uplinkDev }

// dispatch floods the list. The source port and the uplink slot are the two
// excluded indices; with no connected uplink the exclusion sits one past the
// last port and excludes nothing. Normal ports all see the same list, so
// MayModify is cleared for the fan-out and restored before the uplink stage.
// The uplink runs last and is allowed to mutate.
func (h *Hub) dispatch(g Guard, list *pkt.List, src *Port) error {
	ps := h.ps
	h.dispatches.Inc(1)

	srcIdx := ps.portIndex(src.id)
	uplinkIdx := len(ps.ports)
	if h.connected {
		uplinkIdx = ps.portIndex(h.uplinkPortID)
	}

	first, second := srcIdx, uplinkIdx
	if second < first {
		first, second = second, first
	}

	saved := list.MayModify
	list.MayModify = false
	h.outputRange(g, list, 0, first)
	h.outputRange(g, list, first+1, second)
	h.outputRange(g, list, second+1, len(ps.ports))
	list.MayModify = saved

	if h.connected && uplinkIdx != srcIdx {
		h.portOutput(g, list, ps.ports[uplinkIdx])
	}
	return nil
}

// A hub has no per-port state to set up or tear down; the connect and
// disconnect hooks only record the event.
func (h *Hub) portConnect(e *Excl, p *Port) error {
	h.l.WithField("port", p.ID()).Debug("hub port connected")
	return nil
}

func (h *Hub) portDisconnect(e *Excl, p *Port) error {
	h.l.WithField("port", p.ID()).Debug("hub port disconnected")
	return nil
}

func (h *Hub) outputRange(g Guard, list *pkt.List, from, to int) {
	for i := from; i < to; i++ {
		h.portOutput(g, list, h.ps.ports[i])
	}
}

func (h *Hub) portOutput(g Guard, list *pkt.List, p *Port) {
	if !p.IsOutputActive() {
		return
	}
	if stress.Hit(stress.HubPortOutputFail) {
		return
	}
	if err := p.Output(g, list); err != nil {
		if h.l.IsLevelEnabled(logrus.DebugLevel) {
			h.l.WithField("port", p.id).WithError(err).Debug("hub output failed")
		}
		return
	}
	h.deliveries.Inc(1)
}

// portEthFRPUpdate rebuilds the port's filter stages from its policy. A
// promiscuous filter needs no stage at all.
func (h *Hub) portEthFRPUpdate(e *Excl, p *Port, frp *eth.FRP) error {
	if err := p.OutputChain().RemoveCall(destFilterStage); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := p.InputChain().RemoveCall(srcFilterStage); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if f := frp.OutputFilter; f != nil && f.Flags&eth.FilterPromisc == 0 {
		if _, err := p.OutputChain().InsertCall(RankFilter, destFilterStage, destFilterFn, f, true, nil); err != nil {
			return err
		}
	}
	if f := frp.InputFilter; f != nil && f.Flags&eth.FilterPromisc == 0 {
		if _, err := p.InputChain().InsertCall(RankFilter, srcFilterStage, srcFilterFn, f, true, nil); err != nil {
			return err
		}
	}
	return nil
}

// destFilterFn drops frames the receiving port's filter rejects. It runs on
// the output path where the list is this port's private clone, so rejected
// frames are simply released.
func destFilterFn(port *Port, list *pkt.List, data any) error {
	f := data.(*eth.Filter)
	var filtered pkt.List
	eth.DestinationFilter(f, list, &filtered)
	dropCompletion(&filtered)
	return nil
}

// srcFilterFn drops frames the attached client may not send. Rejected
// frames complete back to the client.
func srcFilterFn(port *Port, list *pkt.List, data any) error {
	f := data.(*eth.Filter)
	var filtered pkt.List
	eth.SourceFilter(f, list, &filtered)
	port.IOComplete(&filtered)
	return nil
}

// uplinkConnect binds the named device as the hub's uplink. A device that
// is declared but not yet present leaves the port allocated-disconnected;
// the link-up notification finishes the bring-up later.
func (h *Hub) uplinkConnect(e *Excl, devName string) (pkt.PortID, error) {
	if h.uplinkDev != "" {
		return pkt.InvalidPortID, ErrExists
	}
	if stress.Hit(stress.HubUplinkConnectFail) {
		return pkt.InvalidPortID, ErrNoResources
	}

	port, err := h.ps.ConnectPort(e)
	if err != nil {
		return pkt.InvalidPortID, err
	}
	id := port.ID()

	hdrSize, rerr := h.ps.registry.uplinks.Register(devName, id, h.uplinkNotify)
	switch {
	case rerr == nil:
		h.uplinkDev = devName
		h.uplinkPortID = id
		h.connected = true
		if err := port.SetUplinkHdrSize(e, hdrSize); err != nil {
			return pkt.InvalidPortID, err
		}
		if err := port.Enable(e); err != nil {
			_ = h.ps.registry.uplinks.Unregister(devName, id)
			_ = h.ps.DisconnectPort(e, id)
			h.resetUplink()
			return pkt.InvalidPortID, err
		}
		h.l.WithField("device", devName).WithField("port", id).Info("hub uplink connected")
		return id, nil

	case errors.Is(rerr, uplink.ErrDeviceNotPresent):
		h.uplinkDev = devName
		h.uplinkPortID = id
		h.connected = false
		h.l.WithField("device", devName).WithField("port", id).Info("hub uplink allocated, device absent")
		return id, nil

	default:
		_ = h.ps.DisconnectPort(e, id)
		return pkt.InvalidPortID, fmt.Errorf("registering uplink %s: %w", devName, rerr)
	}
}

// uplinkNotify runs on device arrival and departure. The uplink registry
// holds no locks when it calls, so the portset lock is taken here.
func (h *Hub) uplinkNotify(portID pkt.PortID, ev uplink.Event, pktHdrSize uint32) {
	e := h.ps.LockExcl()
	defer h.ps.UnlockExcl(e)

	if h.uplinkPortID != portID {
		return
	}
	p, err := h.ps.lookup(portID)
	if err != nil {
		h.l.WithField("port", portID).WithError(err).Error("uplink notify for unknown port")
		return
	}

	switch ev {
	case uplink.Up:
		h.connected = true
		_ = p.SetUplinkHdrSize(e, pktHdrSize)
		if !p.IsEnabled() {
			if err := p.Enable(e); err != nil {
				h.l.WithField("port", portID).WithError(err).Error("failed to enable uplink port")
			}
		}
		h.l.WithField("device", h.uplinkDev).Info("hub uplink up")
	case uplink.Down:
		h.connected = false
		_ = p.SetUplinkHdrSize(e, 0)
		h.l.WithField("device", h.uplinkDev).Info("hub uplink down")
	}
}

// uplinkDisconnect tears the named uplink down completely.
func (h *Hub) uplinkDisconnect(e *Excl, devName string) error {
	if h.uplinkDev == "" || h.uplinkDev != devName {
		return ErrNotFound
	}
	_ = h.ps.registry.uplinks.Unregister(devName, h.uplinkPortID)
	err := h.ps.DisconnectPort(e, h.uplinkPortID)
	h.resetUplink()
	h.l.WithField("device", devName).Info("hub uplink disconnected")
	return err
}

func (h *Hub) resetUplink() {
	h.uplinkDev = ""
	h.uplinkPortID = pkt.InvalidPortID
	h.connected = false
}

// deactivate releases the hub's uplink state. The ports are already
// disconnected by the portset teardown; only the device claim remains.
func (h *Hub) deactivate(e *Excl) {
	if h == nil {
		return
	}
	if h.uplinkDev != "" {
		_ = h.ps.registry.uplinks.Unregister(h.uplinkDev, h.uplinkPortID)
		h.resetUplink()
	}
}
