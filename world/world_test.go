package world

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtnet/vswitch/pkt"
)

func TestRegistryFindRelease(t *testing.T) {
	r := NewRegistry()
	g := r.NewVMMGroup()
	w, err := r.NewVMMWorld(100, "vm1.vcpu0", g)
	require.NoError(t, err)
	assert.Equal(t, KindVMM, w.Kind())
	assert.Same(t, g, w.Group())

	_, err = r.NewVMMWorld(100, "dup", g)
	assert.ErrorIs(t, err, ErrExists)

	found, err := r.Find(100)
	require.NoError(t, err)
	assert.Same(t, w, found)
	assert.Equal(t, 1, w.RefCount())

	_, err = r.Find(999)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, r.Remove(100), ErrBusy)
	found.Release()
	require.NoError(t, r.Remove(100))
	_, err = r.Find(100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHostWorld(t *testing.T) {
	r := NewRegistry()
	w, err := r.NewHostWorld(2, "console")
	require.NoError(t, err)
	assert.Equal(t, KindHost, w.Kind())
	assert.Nil(t, w.Group())
}

func TestGroupMembers(t *testing.T) {
	r := NewRegistry()
	g := r.NewVMMGroup()
	for i := ID(1); i <= 4; i++ {
		_, err := r.NewVMMWorld(i, "vcpu", g)
		require.NoError(t, err)
	}

	members := g.Members()
	require.Len(t, members, 4)
	for _, m := range members {
		assert.Equal(t, 1, m.RefCount())
		m.Release()
	}
}

func TestGroupMemberLimit(t *testing.T) {
	r := NewRegistry()
	g := r.NewVMMGroup()
	for i := 0; i < MaxVCPUs; i++ {
		_, err := r.NewVMMWorld(ID(i+1), "vcpu", g)
		require.NoError(t, err)
	}
	_, err := r.NewVMMWorld(ID(MaxVCPUs+1), "vcpu", g)
	assert.ErrorIs(t, err, ErrGroupFull)
}

func TestGroupPortAssociations(t *testing.T) {
	r := NewRegistry()
	g := r.NewVMMGroup()

	for i := 0; i < MaxGroupNetPorts; i++ {
		require.NoError(t, g.AddPortID(pkt.PortID(i+1)))
	}
	assert.ErrorIs(t, g.AddPortID(pkt.PortID(99)), ErrPortLimit)
	assert.Len(t, g.PortIDs(), MaxGroupNetPorts)

	require.NoError(t, g.RemovePortID(pkt.PortID(3)))
	assert.ErrorIs(t, g.RemovePortID(pkt.PortID(3)), ErrNotAssociated)
	assert.Len(t, g.PortIDs(), MaxGroupNetPorts-1)
}

func TestRemoveDropsGroupMembership(t *testing.T) {
	r := NewRegistry()
	g := r.NewVMMGroup()
	_, err := r.NewVMMWorld(1, "vcpu0", g)
	require.NoError(t, err)
	_, err = r.NewVMMWorld(2, "vcpu1", g)
	require.NoError(t, err)

	require.NoError(t, r.Remove(1))
	members := g.Members()
	require.Len(t, members, 1)
	assert.Equal(t, ID(2), members[0].ID())
	members[0].Release()
}
