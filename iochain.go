package vswitch

import (
	"fmt"
	"strings"

	"github.com/virtnet/vswitch/pkt"
	"github.com/virtnet/vswitch/stress"
)

// IOChainRank orders the stages of a chain. Lower ranks run first; within a
// rank, the most recently inserted stage runs first.
type IOChainRank int

const (
	RankPreFilter IOChainRank = iota
	RankFilter
	RankPostFilter
	RankQueue
	RankPostQueue
	RankTerminal
	numRanks
)

func (r IOChainRank) String() string {
	switch r {
	case RankPreFilter:
		return "prefilter"
	case RankFilter:
		return "filter"
	case RankPostFilter:
		return "postfilter"
	case RankQueue:
		return "queue"
	case RankPostQueue:
		return "postqueue"
	case RankTerminal:
		return "terminal"
	}
	return "unknown"
}

// IOChainFn processes a packet list. A stage may consume packets by removing
// them from the list; packets it leaves in place travel on to the next stage.
// Returning an error aborts the traversal.
type IOChainFn func(port *Port, list *pkt.List, data any) error

// IOChainLink is one registered stage.
type IOChainLink struct {
	rank IOChainRank
	name string
	fn   IOChainFn
	data any

	// modifiesList declares that fn removes or mutates list entries, which
	// forces a clone when the incoming list is shared read-only.
	modifiesList bool

	onRemove func(data any)
}

func (l *IOChainLink) Name() string      { return l.name }
func (l *IOChainLink) Rank() IOChainRank { return l.rank }

// IOChainStats are best-effort diagnostic counters. They are written without
// synchronization on the hot path; exact values are not correctness-critical.
type IOChainStats struct {
	Starts       uint64
	Resumes      uint64
	Errors       uint64
	PktsStarted  uint64
	PktsPassed   uint64
	PktsFiltered uint64
	PktsQueued   uint64
	PktsDropped  uint64
}

// IOChain is a ranked pipeline of stages driven over packet lists.
type IOChain struct {
	portID pkt.PortID
	ranks  [numRanks][]*IOChainLink

	// flattened traversal order, rebuilt on insert/remove
	links []*IOChainLink

	modifiesPktList int
	stats           IOChainStats
}

// Init resets the chain for a port.
func (c *IOChain) Init(portID pkt.PortID) {
	*c = IOChain{portID: portID}
}

// InsertCall registers a stage at the given rank, ahead of the stages already
// there. Stage names are unique per chain; they are the removal handle. At
// most one Terminal stage may exist.
func (c *IOChain) InsertCall(rank IOChainRank, name string, fn IOChainFn, data any, modifiesList bool, onRemove func(any)) (*IOChainLink, error) {
	if rank < 0 || rank >= numRanks || fn == nil || name == "" {
		return nil, ErrBadParam
	}
	if stress.Hit(stress.IOChainInsertFail) {
		return nil, ErrNoResources
	}
	if rank == RankTerminal && len(c.ranks[RankTerminal]) > 0 {
		return nil, ErrExists
	}
	for _, l := range c.links {
		if l.name == name {
			return nil, ErrExists
		}
	}

	link := &IOChainLink{
		rank:         rank,
		name:         name,
		fn:           fn,
		data:         data,
		modifiesList: modifiesList,
		onRemove:     onRemove,
	}
	c.ranks[rank] = append([]*IOChainLink{link}, c.ranks[rank]...)
	if modifiesList {
		c.modifiesPktList++
	}
	c.rebuild()
	return link, nil
}

// RemoveCall unregisters the stage with the given name and runs its removal
// callback.
func (c *IOChain) RemoveCall(name string) error {
	for rank := range c.ranks {
		for i, l := range c.ranks[rank] {
			if l.name != name {
				continue
			}
			c.ranks[rank] = append(c.ranks[rank][:i], c.ranks[rank][i+1:]...)
			if l.modifiesList {
				c.modifiesPktList--
			}
			c.rebuild()
			if l.onRemove != nil {
				l.onRemove(l.data)
			}
			return nil
		}
	}
	return ErrNotFound
}

func (c *IOChain) rebuild() {
	c.links = c.links[:0]
	for rank := range c.ranks {
		c.links = append(c.links, c.ranks[rank]...)
	}
}

// Release tears the chain down, removing every stage.
func (c *IOChain) Release() {
	for _, l := range c.links {
		if l.onRemove != nil {
			l.onRemove(l.data)
		}
	}
	c.Init(c.portID)
}

// Start drives the list through the whole chain.
func (c *IOChain) Start(port *Port, list *pkt.List) error {
	return c.Resume(port, nil, list)
}

// Resume continues a traversal after prev, or from the first stage when prev
// is nil. If any stage declares list modification and the list is shared
// read-only, the stages run over a clone; clones left over at the end are
// released. Packets a stage consumes are attributed by the stage's rank;
// whatever survives a successful traversal counts as passed.
func (c *IOChain) Resume(port *Port, prev *IOChainLink, list *pkt.List) error {
	if prev == nil {
		c.stats.Starts++
		c.stats.PktsStarted += uint64(list.Count())
	} else {
		c.stats.Resumes++
	}

	if stress.Hit(stress.IOChainResumeFail) {
		c.stats.Errors++
		return ErrNoResources
	}

	start := 0
	if prev != nil {
		start = -1
		for i, l := range c.links {
			if l == prev {
				start = i + 1
				break
			}
		}
		if start < 0 {
			return ErrNotFound
		}
	}

	work := list
	cloned := false
	if c.modifiesPktList > 0 && !list.MayModify {
		var dup pkt.List
		if err := list.Clone(&dup); err != nil {
			c.stats.Errors++
			return err
		}
		dup.MayModify = true
		work = &dup
		cloned = true
	}

	for _, link := range c.links[start:] {
		before := work.Count()
		if err := link.fn(port, work, link.data); err != nil {
			c.stats.Errors++
			c.stats.PktsDropped += uint64(work.Count())
			if cloned {
				work.ReleaseAll()
			}
			return err
		}
		consumed := uint64(before - work.Count())
		switch link.rank {
		case RankTerminal:
			c.stats.PktsPassed += consumed
		case RankFilter:
			c.stats.PktsFiltered += consumed
		case RankQueue:
			c.stats.PktsQueued += consumed
		default:
			c.stats.PktsDropped += consumed
		}
	}

	c.stats.PktsPassed += uint64(work.Count())
	if cloned {
		work.ReleaseAll()
	}
	return nil
}

// Stats returns a snapshot of the chain counters.
func (c *IOChain) Stats() IOChainStats { return c.stats }

// NumLinks returns how many stages are registered.
func (c *IOChain) NumLinks() int { return len(c.links) }

// Status renders the chain's stages and counters for diagnostic dumps.
func (c *IOChain) Status() string {
	var b strings.Builder
	for _, l := range c.links {
		fmt.Fprintf(&b, "  %s:%s\n", l.rank, l.name)
	}
	s := c.stats
	fmt.Fprintf(&b, "  starts %d resumes %d errors %d\n", s.Starts, s.Resumes, s.Errors)
	fmt.Fprintf(&b, "  pkts started %d passed %d filtered %d queued %d dropped %d\n",
		s.PktsStarted, s.PktsPassed, s.PktsFiltered, s.PktsQueued, s.PktsDropped)
	return b.String()
}
