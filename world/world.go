// Package world tracks the execution contexts that attach to virtual switch
// ports: VMM worlds grouped per virtual machine, and host worlds for
// console-side clients.
package world

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/virtnet/vswitch/pkt"
)

// ID identifies a world. Zero is never a valid world.
type ID uint32

const InvalidID ID = 0

const (
	// MaxVCPUs bounds the member count of a VMM group.
	MaxVCPUs = 32
	// MaxGroupNetPorts bounds how many ports a VMM group may have
	// associated at once.
	MaxGroupNetPorts = 8
)

var (
	ErrNotFound      = errors.New("no such world")
	ErrExists        = errors.New("world already registered")
	ErrBusy          = errors.New("world still referenced")
	ErrPortLimit     = errors.New("VMM group port limit reached")
	ErrNotAssociated = errors.New("port not associated with group")
	ErrGroupFull     = errors.New("VMM group has no room for another vcpu")
)

// Kind distinguishes VMM worlds from host worlds.
type Kind int

const (
	KindVMM Kind = iota
	KindHost
)

func (k Kind) String() string {
	if k == KindHost {
		return "host"
	}
	return "vmm"
}

// Handle is a referenced world. Holders obtained through Find or Members own
// one reference and release it with Release.
type Handle struct {
	id    ID
	name  string
	kind  Kind
	group *VMMGroup
	refs  atomic.Int32
}

func (h *Handle) ID() ID         { return h.id }
func (h *Handle) Name() string   { return h.name }
func (h *Handle) Kind() Kind     { return h.kind }
func (h *Handle) RefCount() int  { return int(h.refs.Load()) }
func (h *Handle) String() string { return fmt.Sprintf("%s:%d(%s)", h.kind, h.id, h.name) }

// Group returns the VMM group a VMM world belongs to, nil for host worlds.
func (h *Handle) Group() *VMMGroup { return h.group }

// Release drops the caller's reference.
func (h *Handle) Release() {
	h.refs.Add(-1)
}

func (h *Handle) retain() *Handle {
	h.refs.Add(1)
	return h
}

// VMMGroup is the set of vcpu worlds of one virtual machine, plus the ports
// the machine has associated.
type VMMGroup struct {
	mu      sync.Mutex
	members []*Handle
	portIDs []pkt.PortID
}

// Members returns the group's worlds, a reference held on each. The caller
// releases every handle when done.
func (g *VMMGroup) Members() []*Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Handle, 0, len(g.members))
	for _, w := range g.members {
		out = append(out, w.retain())
	}
	return out
}

// AddPortID records a port association on the group.
func (g *VMMGroup) AddPortID(id pkt.PortID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.portIDs) >= MaxGroupNetPorts {
		return ErrPortLimit
	}
	g.portIDs = append(g.portIDs, id)
	return nil
}

// RemovePortID drops a port association. Exactly one entry must match.
func (g *VMMGroup) RemovePortID(id pkt.PortID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, p := range g.portIDs {
		if p == id {
			g.portIDs = append(g.portIDs[:i], g.portIDs[i+1:]...)
			return nil
		}
	}
	return ErrNotAssociated
}

// PortIDs returns the group's current port associations.
func (g *VMMGroup) PortIDs() []pkt.PortID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]pkt.PortID(nil), g.portIDs...)
}

// Registry is the process-wide world table.
type Registry struct {
	mu     sync.Mutex
	worlds map[ID]*Handle
}

func NewRegistry() *Registry {
	return &Registry{worlds: make(map[ID]*Handle)}
}

// NewVMMGroup returns an empty VMM group.
func (r *Registry) NewVMMGroup() *VMMGroup {
	return &VMMGroup{}
}

// NewVMMWorld registers a vcpu world as a member of group.
func (r *Registry) NewVMMWorld(id ID, name string, group *VMMGroup) (*Handle, error) {
	group.mu.Lock()
	if len(group.members) >= MaxVCPUs {
		group.mu.Unlock()
		return nil, ErrGroupFull
	}
	group.mu.Unlock()

	w := &Handle{id: id, name: name, kind: KindVMM, group: group}
	r.mu.Lock()
	if _, ok := r.worlds[id]; ok {
		r.mu.Unlock()
		return nil, ErrExists
	}
	r.worlds[id] = w
	r.mu.Unlock()

	group.mu.Lock()
	group.members = append(group.members, w)
	group.mu.Unlock()
	return w, nil
}

// NewHostWorld registers a host world.
func (r *Registry) NewHostWorld(id ID, name string) (*Handle, error) {
	w := &Handle{id: id, name: name, kind: KindHost}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.worlds[id]; ok {
		return nil, ErrExists
	}
	r.worlds[id] = w
	return w, nil
}

// Find looks a world up by ID and returns it with a reference held.
func (r *Registry) Find(id ID) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.worlds[id]
	if !ok {
		return nil, ErrNotFound
	}
	return w.retain(), nil
}

// Remove unregisters a world. Fails while references are outstanding.
func (r *Registry) Remove(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.worlds[id]
	if !ok {
		return ErrNotFound
	}
	if w.refs.Load() != 0 {
		return ErrBusy
	}
	if g := w.group; g != nil {
		g.mu.Lock()
		for i, m := range g.members {
			if m == w {
				g.members = append(g.members[:i], g.members[i+1:]...)
				break
			}
		}
		g.mu.Unlock()
	}
	delete(r.worlds, id)
	return nil
}
