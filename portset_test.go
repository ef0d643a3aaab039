package vswitch

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtnet/vswitch/pkt"
	"github.com/virtnet/vswitch/stress"
	"github.com/virtnet/vswitch/test"
	"github.com/virtnet/vswitch/uplink"
	"github.com/virtnet/vswitch/world"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	l := test.NewLogger()
	return NewRegistry(l, world.NewRegistry(), uplink.NewRegistry(l), DefaultNumPortsets)
}

func TestActivateValidation(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Activate("", 8)
	assert.ErrorIs(t, err, ErrBadParam)
	_, err = r.Activate("way-too-long-portset-name-over-the-limit", 8)
	assert.ErrorIs(t, err, ErrBadParam)
	_, err = r.Activate("vswitch0", 0)
	assert.ErrorIs(t, err, ErrBadParam)
	_, err = r.Activate("vswitch0", MaxPortsPerSet+1)
	assert.ErrorIs(t, err, ErrBadParam)

	ps, err := r.Activate("vswitch0", 5)
	require.NoError(t, err)
	// rounded up to a power of two
	assert.Equal(t, 8, ps.NumPorts())

	_, err = r.Activate("vswitch0", 8)
	assert.ErrorIs(t, err, ErrExists)

	found, err := r.FindByName("vswitch0")
	require.NoError(t, err)
	assert.Same(t, ps, found)
}

func TestActivateExhaustsSlots(t *testing.T) {
	l := test.NewLogger()
	r := NewRegistry(l, world.NewRegistry(), uplink.NewRegistry(l), 2)
	_, err := r.Activate("a", 4)
	require.NoError(t, err)
	_, err = r.Activate("b", 4)
	require.NoError(t, err)
	_, err = r.Activate("c", 4)
	assert.ErrorIs(t, err, ErrNoResources)
}

func TestPortIDBitLayout(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Activate("first", 8)
	require.NoError(t, err)
	ps, err := r.Activate("second", 8)
	require.NoError(t, err)

	e := ps.LockExcl()
	p, err := ps.ConnectPort(e)
	ps.UnlockExcl(e)
	require.NoError(t, err)

	id := uint32(p.ID())
	// set index in the top 7 bits (128 portsets), port index in the
	// bottom bits, generation in between
	assert.Equal(t, uint32(1), id>>24)
	assert.Equal(t, ps.portIndex(p.ID()), int(id&7))
	assert.NotEqual(t, pkt.InvalidPortID, p.ID())
}

func TestPortIDStaleAfterReconnect(t *testing.T) {
	r := newTestRegistry(t)
	ps, err := r.Activate("vswitch0", 4)
	require.NoError(t, err)

	e := ps.LockExcl()
	p, err := ps.ConnectPort(e)
	require.NoError(t, err)
	oldID := p.ID()
	require.NoError(t, ps.DisconnectPort(e, oldID))

	// refill every slot so one of the new ports occupies the old slot
	var newIDs []pkt.PortID
	for i := 0; i < ps.NumPorts(); i++ {
		np, err := ps.ConnectPort(e)
		require.NoError(t, err)
		newIDs = append(newIDs, np.ID())
	}
	ps.UnlockExcl(e)

	for _, id := range newIDs {
		assert.NotEqual(t, oldID, id)
	}

	_, _, err = r.GetPort(oldID)
	assert.ErrorIs(t, err, ErrStalePortID)
}

func TestGetPortLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	ps, err := r.Activate("vswitch0", 4)
	require.NoError(t, err)

	e := ps.LockExcl()
	p, err := ps.ConnectPort(e)
	require.NoError(t, err)
	id := p.ID()
	ps.UnlockExcl(e)

	got, g, err := r.GetPort(id)
	require.NoError(t, err)
	assert.Same(t, p, got)
	r.ReleasePort(g)

	gotExcl, ex, err := r.GetPortExcl(id)
	require.NoError(t, err)
	assert.Same(t, p, gotExcl)
	r.ReleasePortExcl(ex)

	_, _, err = r.GetPort(pkt.InvalidPortID)
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

func TestConnectPortExhaustion(t *testing.T) {
	r := newTestRegistry(t)
	ps, err := r.Activate("vswitch0", 4)
	require.NoError(t, err)

	e := ps.LockExcl()
	defer ps.UnlockExcl(e)

	for i := 0; i < ps.NumPorts(); i++ {
		_, err := ps.ConnectPort(e)
		require.NoError(t, err)
	}
	assert.Equal(t, ps.NumPorts(), ps.NumPortsInUse())

	_, err = ps.ConnectPort(e)
	assert.ErrorIs(t, err, ErrNoResources)
}

func TestConnectPortRollbackOnBehaviorFailure(t *testing.T) {
	r := newTestRegistry(t)
	ps, err := r.Activate("vswitch0", 4)
	require.NoError(t, err)

	e := ps.LockExcl()
	defer ps.UnlockExcl(e)

	require.NoError(t, ps.SetBehavior(e, Behavior{
		PortConnect: func(e *Excl, p *Port) error { return ErrNoResources },
	}, nil))

	_, err = ps.ConnectPort(e)
	assert.ErrorIs(t, err, ErrNoResources)
	assert.Equal(t, 0, ps.NumPortsInUse())
	for _, p := range ps.ports {
		assert.False(t, p.IsInUse())
	}
}

func TestDisconnectPortErrors(t *testing.T) {
	r := newTestRegistry(t)
	ps, err := r.Activate("vswitch0", 4)
	require.NoError(t, err)

	e := ps.LockExcl()
	defer ps.UnlockExcl(e)

	assert.ErrorIs(t, ps.DisconnectPort(e, pkt.InvalidPortID), ErrInvalidHandle)

	p, err := ps.ConnectPort(e)
	require.NoError(t, err)
	unknown := pkt.PortID(uint32(p.ID()) ^ 0x00010000) // same slot, other generation
	assert.ErrorIs(t, ps.DisconnectPort(e, unknown), ErrDisconnected)

	id := p.ID()
	require.NoError(t, ps.DisconnectPort(e, id))
	assert.ErrorIs(t, ps.DisconnectPort(e, id), ErrDisconnected)
}

func TestDeactivateDisconnectsPorts(t *testing.T) {
	r := newTestRegistry(t)
	ps, err := r.Activate("vswitch0", 4)
	require.NoError(t, err)

	e := ps.LockExcl()
	p, err := ps.ConnectPort(e)
	require.NoError(t, err)
	require.NoError(t, p.Enable(e))
	ps.UnlockExcl(e)

	deactivated := false
	e = ps.LockExcl()
	require.NoError(t, ps.SetBehavior(e, Behavior{
		Deactivate: func(e *Excl) { deactivated = true },
	}, nil))
	ps.UnlockExcl(e)

	require.NoError(t, r.Deactivate(ps))
	assert.True(t, deactivated)
	assert.False(t, ps.IsActive())
	assert.Equal(t, 0, ps.NumPortsInUse())

	_, err = r.FindByName("vswitch0")
	assert.ErrorIs(t, err, ErrNotFound)

	// reactivation reuses the slot but keeps the generation counter, so
	// pre-deactivation IDs cannot resolve
	ps2, err := r.Activate("vswitch0", 4)
	require.NoError(t, err)
	assert.Same(t, ps, ps2)
}

func TestActivateFaultInjection(t *testing.T) {
	r := newTestRegistry(t)

	inj := stress.NewInjector()
	inj.Arm(stress.PortsetActivateFail, 1)
	stress.Enable(inj)
	defer stress.Disable()

	_, err := r.Activate("vswitch0", 4)
	assert.ErrorIs(t, err, ErrNoResources)
}

func TestUplinkHdrSizeTracking(t *testing.T) {
	r := newTestRegistry(t)
	ps, err := r.Activate("vswitch0", 4)
	require.NoError(t, err)

	e := ps.LockExcl()
	defer ps.UnlockExcl(e)

	a, err := ps.ConnectPort(e)
	require.NoError(t, err)
	b, err := ps.ConnectPort(e)
	require.NoError(t, err)

	require.NoError(t, a.SetUplinkHdrSize(e, 16))
	require.NoError(t, b.SetUplinkHdrSize(e, 64))
	assert.Equal(t, uint32(64), ps.UplinkMaxHdrSize())

	require.NoError(t, b.SetUplinkHdrSize(e, 0))
	assert.Equal(t, uint32(16), ps.UplinkMaxHdrSize())
}

func TestLockTokenValidation(t *testing.T) {
	r := newTestRegistry(t)
	ps1, err := r.Activate("one", 4)
	require.NoError(t, err)
	ps2, err := r.Activate("two", 4)
	require.NoError(t, err)

	e2 := ps2.LockExcl()
	defer ps2.UnlockExcl(e2)

	// a token from another portset must be rejected
	_, err = ps1.ConnectPort(e2)
	assert.ErrorIs(t, err, ErrLockRequired)

	e1 := ps1.LockExcl()
	p, err := ps1.ConnectPort(e1)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Enable(e2), ErrLockRequired)
	ps1.UnlockExcl(e1)

	// a released token no longer works
	assert.ErrorIs(t, p.Enable(e1), ErrLockRequired)
}

func TestPortsetStatus(t *testing.T) {
	r := newTestRegistry(t)
	ps, err := r.Activate("vswitch0", 4)
	require.NoError(t, err)

	e := ps.LockExcl()
	p, err := ps.ConnectPort(e)
	require.NoError(t, err)
	ps.UnlockExcl(e)

	s := ps.Status()
	assert.Contains(t, s, `portset "vswitch0"`)
	assert.Contains(t, s, fmt.Sprintf("port %d", p.ID()))
	assert.Contains(t, s, "IN_USE")
}
