// Package stress provides deterministic fault injection for exercising
// failure paths that are otherwise nearly impossible to reach in tests:
// allocation failures, copy failures, chain insertion failures and so on.
//
// Each injection point in the code names an Option and asks Hit(opt) before
// doing its real work. With no injector installed every Hit is a cheap
// atomic load and a miss. Tests (or a config file) install an Injector that
// arms individual options with a period N, firing on every Nth hit.
package stress

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Option names a single injection point.
type Option int

const (
	PktAllocFail Option = iota
	PktCloneFail
	PktFrameCopyFail
	PktPartialCopyFail
	PktPrivateHdrFail
	PktCopyBytesInFail
	PktCopyBytesOutFail
	PktAppendFragFail
	PktCopyToMemFail
	PktCopyFromMemFail
	KsegFail
	PktListCloneFail
	PktListCopyFail
	IOChainInsertFail
	IOChainResumeFail
	PortConnectFail
	PortEnableFail
	PortWorldAssocFail
	PortInputResumeFail
	PortInputCorrupt
	PortOutputCorrupt
	PortsetActivateFail
	PortsetActivateMemFail
	PortsetConnectPortFail
	PortsetEnablePortFail
	PortsetDisablePortFail
	HubActivateFail
	HubPortOutputFail
	HubUplinkConnectFail

	numOptions int = iota
)

var optionNames = map[string]Option{
	"pkt_alloc_fail":            PktAllocFail,
	"pkt_clone_fail":            PktCloneFail,
	"pkt_frame_copy_fail":       PktFrameCopyFail,
	"pkt_partial_copy_fail":     PktPartialCopyFail,
	"pkt_private_hdr_fail":      PktPrivateHdrFail,
	"pkt_copy_bytes_in_fail":    PktCopyBytesInFail,
	"pkt_copy_bytes_out_fail":   PktCopyBytesOutFail,
	"pkt_append_frag_fail":      PktAppendFragFail,
	"pkt_copy_to_mem_fail":      PktCopyToMemFail,
	"pkt_copy_from_mem_fail":    PktCopyFromMemFail,
	"kseg_fail":                 KsegFail,
	"pktlist_clone_fail":        PktListCloneFail,
	"pktlist_copy_fail":         PktListCopyFail,
	"iochain_insert_fail":       IOChainInsertFail,
	"iochain_resume_fail":       IOChainResumeFail,
	"port_connect_fail":         PortConnectFail,
	"port_enable_fail":          PortEnableFail,
	"port_world_assoc_fail":     PortWorldAssocFail,
	"port_input_resume_fail":    PortInputResumeFail,
	"port_input_corrupt":        PortInputCorrupt,
	"port_output_corrupt":       PortOutputCorrupt,
	"portset_activate_fail":     PortsetActivateFail,
	"portset_activate_mem_fail": PortsetActivateMemFail,
	"portset_connect_port_fail": PortsetConnectPortFail,
	"portset_enable_port_fail":  PortsetEnablePortFail,
	"portset_disable_port_fail": PortsetDisablePortFail,
	"hub_activate_fail":         HubActivateFail,
	"hub_port_output_fail":      HubPortOutputFail,
	"hub_uplink_connect_fail":   HubUplinkConnectFail,
}

// String returns the config-file name of the option.
func (o Option) String() string {
	for name, opt := range optionNames {
		if opt == o {
			return name
		}
	}
	return "unknown"
}

type trigger struct {
	period uint64 // fire every Nth hit, 0 means disarmed
	hits   atomic.Uint64
}

// Injector holds the armed triggers. The zero value has everything disarmed.
type Injector struct {
	mu       sync.Mutex
	triggers [numOptions]*trigger
}

// NewInjector returns an Injector with every option disarmed.
func NewInjector() *Injector {
	return &Injector{}
}

// Arm makes opt fire on every period-th hit. A period of 0 disarms it.
func (inj *Injector) Arm(opt Option, period uint64) {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	if period == 0 {
		inj.triggers[opt] = nil
		return
	}
	inj.triggers[opt] = &trigger{period: period}
}

// Hits reports how many times opt has been consulted since it was armed.
func (inj *Injector) Hits(opt Option) uint64 {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	if t := inj.triggers[opt]; t != nil {
		return t.hits.Load()
	}
	return 0
}

func (inj *Injector) hit(opt Option) bool {
	inj.mu.Lock()
	t := inj.triggers[opt]
	inj.mu.Unlock()
	if t == nil {
		return false
	}
	n := t.hits.Add(1)
	return n%t.period == 0
}

// The process-wide injector. Installed explicitly by Enable and removed by
// Disable, typically around a test or from main at startup.
var active atomic.Pointer[Injector]

// Enable installs inj as the process-wide injector.
func Enable(inj *Injector) {
	active.Store(inj)
}

// Disable removes the process-wide injector, disarming everything.
func Disable() {
	active.Store(nil)
}

// Hit reports whether the named fault should fire now. Injection points call
// this on their failure seams.
func Hit(opt Option) bool {
	inj := active.Load()
	if inj == nil {
		return false
	}
	return inj.hit(opt)
}

// Config is the subset of the config layer stress needs. Matches config.C.
type Config interface {
	GetMap(k string, d map[string]any) map[string]any
}

// FromConfig builds an injector from the "stress" config map, where each key
// is an option name and each value the firing period. Unknown names are
// logged and skipped.
func FromConfig(l *logrus.Logger, c Config) *Injector {
	inj := NewInjector()
	m := c.GetMap("stress", nil)
	for name, v := range m {
		opt, ok := optionNames[name]
		if !ok {
			l.WithField("option", name).Warn("Unknown stress option")
			continue
		}
		period, ok := toUint64(v)
		if !ok {
			l.WithField("option", name).Warn("Invalid stress period")
			continue
		}
		inj.Arm(opt, period)
		l.WithField("option", name).WithField("period", period).
			Info("Armed stress option")
	}
	return inj
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case uint64:
		return n, true
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	}
	return 0, false
}
