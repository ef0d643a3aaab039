package vswitch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirupsen/logrus"

	"github.com/virtnet/vswitch/config"
	"github.com/virtnet/vswitch/test"
)

func TestMainAssemblesSwitches(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString(`
logging:
  level: debug
uplinks:
  - name: vmnic0
    pkt_hdr_size: 16
switches:
  - name: vswitch0
    ports: 8
    uplink: vmnic0
  - name: vswitch1
    ports: 4
`))

	ctrl, err := Main(c, false, "test", l)
	require.NoError(t, err)

	ps, err := ctrl.Registry().FindByName("vswitch0")
	require.NoError(t, err)
	assert.Equal(t, 8, ps.NumPorts())

	h, ok := ps.BehaviorData().(*Hub)
	require.True(t, ok)
	assert.True(t, h.Connected())
	assert.Equal(t, "vmnic0", h.UplinkDevName())
	assert.Equal(t, uint32(16), ps.UplinkMaxHdrSize())

	ps1, err := ctrl.Registry().FindByName("vswitch1")
	require.NoError(t, err)
	h1, ok := ps1.BehaviorData().(*Hub)
	require.True(t, ok)
	assert.False(t, h1.Connected())

	ctrl.Stop()
	assert.False(t, ps.IsActive())
	assert.False(t, ps1.IsActive())
}

func TestMainRejectsBadConfig(t *testing.T) {
	l := test.NewLogger()

	c := config.NewC(l)
	require.NoError(t, c.LoadString("switches:\n  - ports: 8\n"))
	_, err := Main(c, false, "test", l)
	assert.Error(t, err)

	c = config.NewC(l)
	require.NoError(t, c.LoadString("switches: notalist\n"))
	_, err = Main(c, false, "test", l)
	assert.Error(t, err)

	c = config.NewC(l)
	require.NoError(t, c.LoadString("uplinks:\n  - name: vmnic0\n    pkt_hdr_size: nope\n"))
	_, err = Main(c, false, "test", l)
	assert.Error(t, err)

	c = config.NewC(l)
	require.NoError(t, c.LoadString("logging:\n  level: bogus\n"))
	_, err = Main(c, false, "test", l)
	assert.Error(t, err)
}

func TestConfigureLogger(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)

	require.NoError(t, c.LoadString("logging:\n  level: warning\n  format: json\n"))
	require.NoError(t, configLogger(l, c))
	assert.Equal(t, logrus.WarnLevel, l.Level)
	_, ok := l.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)

	require.NoError(t, c.LoadString("logging:\n  format: xml\n"))
	assert.Error(t, configLogger(l, c))
}
