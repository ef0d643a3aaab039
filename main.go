package vswitch

import (
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"

	"github.com/virtnet/vswitch/config"
	"github.com/virtnet/vswitch/stress"
	"github.com/virtnet/vswitch/uplink"
	"github.com/virtnet/vswitch/util"
	"github.com/virtnet/vswitch/world"
)

type m map[string]any

// Main assembles the whole service from config: the registries, one hub
// backed portset per configured switch, and the metrics sink.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (*Control, error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.NewContextualError("Failed to configure the logger", nil, err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	if c.GetMap("stress", nil) != nil {
		stress.Enable(stress.FromConfig(l, c))
	}

	devices, err := parseUplinkDevices(c)
	if err != nil {
		return nil, util.NewContextualError("Could not parse uplinks", nil, err)
	}

	switches, err := parseSwitches(c)
	if err != nil {
		return nil, util.NewContextualError("Could not parse switches", nil, err)
	}

	registry := NewRegistry(l, world.NewRegistry(), uplink.NewRegistry(l),
		c.GetInt("limits.portsets", DefaultNumPortsets))

	// devices declared in config are present from boot; drivers report the
	// rest at runtime through DeviceConnected
	for _, d := range devices {
		registry.Uplinks().DeviceConnected(d.name, d.pktHdrSize)
	}

	sets := make([]*Portset, 0, len(switches))
	for _, sw := range switches {
		ps, aerr := registry.Activate(sw.name, sw.ports)
		if aerr != nil {
			return nil, util.NewContextualError("Failed to activate portset", m{"switch": sw.name}, aerr)
		}

		if _, herr := ActivateHub(l, ps); herr != nil {
			return nil, util.NewContextualError("Failed to activate hub", m{"switch": sw.name}, herr)
		}

		if sw.uplink != "" {
			e := ps.LockExcl()
			id, uerr := ps.ConnectUplink(e, sw.uplink)
			ps.UnlockExcl(e)
			if uerr != nil {
				return nil, util.NewContextualError("Failed to connect uplink", m{"switch": sw.name, "device": sw.uplink}, uerr)
			}
			l.WithField("switch", sw.name).WithField("device", sw.uplink).
				WithField("port", id).Info("Uplink configured")
		}

		sets = append(sets, ps)
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.NewContextualError("Failed to start stats emission", nil, err)
	}

	return newControl(l, c, registry, sets, statsStart), nil
}

type switchConfig struct {
	name   string
	ports  int
	uplink string
}

func parseSwitches(c *config.C) ([]switchConfig, error) {
	r := c.Get("switches")
	if r == nil {
		return nil, nil
	}

	rs, ok := r.([]any)
	if !ok {
		return nil, fmt.Errorf("switches is not an array")
	}

	switches := make([]switchConfig, 0, len(rs))
	for i, e := range rs {
		f, ok := e.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("entry %v in switches is invalid", i+1)
		}

		name, ok := f["name"].(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("entry %v.name in switches is not set", i+1)
		}

		ports := 32
		if rp, ok := f["ports"]; ok {
			p, err := strconv.Atoi(fmt.Sprintf("%v", rp))
			if err != nil || p < 1 {
				return nil, fmt.Errorf("entry %v.ports in switches is invalid: %v", i+1, rp)
			}
			ports = p
		}

		uplinkDev := ""
		if ru, ok := f["uplink"]; ok {
			uplinkDev = fmt.Sprintf("%v", ru)
		}

		switches = append(switches, switchConfig{name: name, ports: ports, uplink: uplinkDev})
	}

	return switches, nil
}

type uplinkDevice struct {
	name       string
	pktHdrSize uint32
}

func parseUplinkDevices(c *config.C) ([]uplinkDevice, error) {
	r := c.Get("uplinks")
	if r == nil {
		return nil, nil
	}

	rs, ok := r.([]any)
	if !ok {
		return nil, fmt.Errorf("uplinks is not an array")
	}

	devices := make([]uplinkDevice, 0, len(rs))
	for i, e := range rs {
		f, ok := e.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("entry %v in uplinks is invalid", i+1)
		}

		name, ok := f["name"].(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("entry %v.name in uplinks is not set", i+1)
		}

		var hdrSize uint32
		if rh, ok := f["pkt_hdr_size"]; ok {
			h, err := strconv.Atoi(fmt.Sprintf("%v", rh))
			if err != nil || h < 0 {
				return nil, fmt.Errorf("entry %v.pkt_hdr_size in uplinks is invalid: %v", i+1, rh)
			}
			hdrSize = uint32(h)
		}

		devices = append(devices, uplinkDevice{name: name, pktHdrSize: hdrSize})
	}

	return devices, nil
}
