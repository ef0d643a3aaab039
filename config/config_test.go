package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtnet/vswitch/test"
)

func TestConfig_Load(t *testing.T) {
	l := test.NewLogger()
	dir, err := os.MkdirTemp("", "config-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	// files merge in lexical order, later files win
	require.NoError(t, os.WriteFile(filepath.Join(dir, "01.yml"), []byte("outer:\n  inner: hi\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02.yml"), []byte("outer:\n  inner: override\nnew: hi\n"), 0o644))
	// non-yaml files in the directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("not config"), 0o644))

	c := NewC(l)
	require.NoError(t, c.Load(dir))
	assert.Equal(t, "override", c.GetString("outer.inner", ""))
	assert.Equal(t, "hi", c.GetString("new", ""))

	c = NewC(l)
	assert.Error(t, c.Load(filepath.Join(dir, "missing")))
}

func TestConfig_LoadString(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	assert.Error(t, c.LoadString(""))
	assert.Error(t, c.LoadString(" invalid yaml"))
	require.NoError(t, c.LoadString("outer:\n  inner: hi"))
	assert.Equal(t, "hi", c.GetString("outer.inner", ""))
}

func TestConfig_Get(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	c.Settings["switch"] = map[string]any{"ports": "32"}
	assert.Equal(t, "32", c.Get("switch.ports"))

	inner := []map[string]any{{"device": "vmnic0"}}
	c.Settings["switch"] = map[string]any{"uplinks": inner}
	assert.EqualValues(t, inner, c.Get("switch.uplinks"))

	assert.Nil(t, c.Get("switch.nope"))
	assert.False(t, c.IsSet("switch.nope"))
}

func TestConfig_TypedGetters(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	require.NoError(t, c.LoadString(
		"num: 32\nneg: -1\ndur: 30s\nslice:\n  - one\n  - two\nm:\n  k: v\n"))

	assert.Equal(t, 32, c.GetInt("num", 0))
	assert.Equal(t, 7, c.GetInt("missing", 7))
	assert.Equal(t, uint32(32), c.GetUint32("num", 0))
	assert.Equal(t, uint32(9), c.GetUint32("neg", 9))
	assert.Equal(t, 30*time.Second, c.GetDuration("dur", 0))
	assert.Equal(t, []string{"one", "two"}, c.GetStringSlice("slice", nil))
	assert.Equal(t, map[string]any{"k": "v"}, c.GetMap("m", nil))
}

func TestConfig_GetBool(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	for raw, want := range map[any]bool{
		true: true, "true": true, false: false, "false": false,
		"Y": true, "yEs": true, "N": false, "nO": false,
	} {
		c.Settings["bool"] = raw
		assert.Equal(t, want, c.GetBool("bool", !want))
	}
}

func TestConfig_HasChanged(t *testing.T) {
	l := test.NewLogger()

	// no reload has occurred yet
	c := NewC(l)
	c.Settings["test"] = "hi"
	assert.False(t, c.HasChanged(""))

	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "no"}
	assert.True(t, c.HasChanged("test"))
	assert.True(t, c.HasChanged(""))

	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "hi"}
	assert.False(t, c.HasChanged("test"))
	assert.False(t, c.HasChanged(""))
}

func TestConfig_ReloadConfigString(t *testing.T) {
	l := test.NewLogger()
	done := make(chan bool, 1)

	c := NewC(l)
	require.NoError(t, c.LoadString("outer:\n  inner: hi"))
	assert.True(t, c.InitialLoad())
	assert.False(t, c.HasChanged("outer.inner"))

	c.RegisterReloadCallback(func(c *C) {
		done <- true
	})

	require.NoError(t, c.ReloadConfigString("outer:\n  inner: ho"))
	assert.False(t, c.InitialLoad())
	assert.True(t, c.HasChanged("outer.inner"))
	assert.True(t, c.HasChanged("outer"))
	assert.True(t, c.HasChanged(""))

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("reload callback was not invoked")
	}
}
