// Package uplink tracks physical network devices and the switch ports bound
// to them. A port may register for a device before the device exists; the
// link-up notification fires once the device arrives.
package uplink

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/virtnet/vswitch/pkt"
)

var (
	ErrDeviceNotPresent = errors.New("uplink device not present")
	ErrDeviceInUse      = errors.New("uplink device already claimed")
	ErrNotRegistered    = errors.New("no registration for uplink device")
)

// Event is a link state transition.
type Event int

const (
	Up Event = iota
	Down
)

func (e Event) String() string {
	if e == Up {
		return "up"
	}
	return "down"
}

// NotifyFunc receives link transitions for a registered port. On Up,
// pktHdrSize is the headroom the device wants on transmitted packets; on
// Down it is zero.
type NotifyFunc func(portID pkt.PortID, ev Event, pktHdrSize uint32)

type consumer struct {
	portID pkt.PortID
	notify NotifyFunc
}

type device struct {
	name       string
	present    bool
	pktHdrSize uint32
	consumer   *consumer
}

// Registry is the process-wide uplink device table.
type Registry struct {
	mu      sync.Mutex
	l       *logrus.Logger
	devices map[string]*device
}

func NewRegistry(l *logrus.Logger) *Registry {
	return &Registry{l: l, devices: make(map[string]*device)}
}

// Register claims the named device for a port. If the device is present its
// packet header size is returned. If not, the claim is remembered and
// ErrDeviceNotPresent returned; the notify callback fires with Up once the
// device arrives. The callback runs without registry locks held beyond the
// registry's own.
func (r *Registry) Register(name string, portID pkt.PortID, notify NotifyFunc) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[name]
	if !ok {
		d = &device{name: name}
		r.devices[name] = d
	}
	if d.consumer != nil {
		return 0, ErrDeviceInUse
	}
	d.consumer = &consumer{portID: portID, notify: notify}

	if !d.present {
		return 0, ErrDeviceNotPresent
	}
	return d.pktHdrSize, nil
}

// Unregister drops a port's claim on the named device.
func (r *Registry) Unregister(name string, portID pkt.PortID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[name]
	if !ok || d.consumer == nil || d.consumer.portID != portID {
		return ErrNotRegistered
	}
	d.consumer = nil
	if !d.present {
		delete(r.devices, name)
	}
	return nil
}

// DeviceConnected declares the named device present. A registered consumer
// is told the link is up.
func (r *Registry) DeviceConnected(name string, pktHdrSize uint32) {
	r.mu.Lock()
	d, ok := r.devices[name]
	if !ok {
		d = &device{name: name}
		r.devices[name] = d
	}
	d.present = true
	d.pktHdrSize = pktHdrSize
	c := d.consumer
	r.mu.Unlock()

	r.l.WithField("device", name).Info("uplink device connected")
	if c != nil {
		c.notify(c.portID, Up, pktHdrSize)
	}
}

// DeviceDisconnected declares the named device gone. A registered consumer
// is told the link is down; the registration itself survives so a later
// reconnect brings the link back up.
func (r *Registry) DeviceDisconnected(name string) {
	r.mu.Lock()
	d, ok := r.devices[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	d.present = false
	d.pktHdrSize = 0
	c := d.consumer
	if c == nil {
		delete(r.devices, name)
	}
	r.mu.Unlock()

	r.l.WithField("device", name).Info("uplink device disconnected")
	if c != nil {
		c.notify(c.portID, Down, 0)
	}
}

// Present reports whether the named device is currently connected.
func (r *Registry) Present(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[name]
	return ok && d.present
}
