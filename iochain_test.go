package vswitch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtnet/vswitch/pkt"
	"github.com/virtnet/vswitch/stress"
)

func chainList(t *testing.T, n int) *pkt.List {
	t.Helper()
	var l pkt.List
	for i := 0; i < n; i++ {
		h, err := pkt.Alloc(0, 64)
		require.NoError(t, err)
		require.NoError(t, h.AppendBytes([]byte{byte(i)}))
		l.AddToTail(h)
	}
	l.MayModify = true
	return &l
}

func traceStage(trace *[]string, name string) IOChainFn {
	return func(port *Port, list *pkt.List, data any) error {
		*trace = append(*trace, name)
		return nil
	}
}

func TestIOChainRankOrder(t *testing.T) {
	var c IOChain
	c.Init(1)

	var trace []string
	_, err := c.InsertCall(RankTerminal, "term", traceStage(&trace, "term"), nil, false, nil)
	require.NoError(t, err)
	_, err = c.InsertCall(RankPreFilter, "pre", traceStage(&trace, "pre"), nil, false, nil)
	require.NoError(t, err)
	_, err = c.InsertCall(RankQueue, "queue", traceStage(&trace, "queue"), nil, false, nil)
	require.NoError(t, err)
	_, err = c.InsertCall(RankFilter, "filter", traceStage(&trace, "filter"), nil, false, nil)
	require.NoError(t, err)

	list := chainList(t, 1)
	require.NoError(t, c.Start(nil, list))
	assert.Equal(t, []string{"pre", "filter", "queue", "term"}, trace)
	list.ReleaseAll()
}

func TestIOChainFrontInsertWithinRank(t *testing.T) {
	var c IOChain
	c.Init(1)

	var trace []string
	_, err := c.InsertCall(RankFilter, "older", traceStage(&trace, "older"), nil, false, nil)
	require.NoError(t, err)
	_, err = c.InsertCall(RankFilter, "newer", traceStage(&trace, "newer"), nil, false, nil)
	require.NoError(t, err)

	list := chainList(t, 1)
	require.NoError(t, c.Start(nil, list))
	assert.Equal(t, []string{"newer", "older"}, trace)
	list.ReleaseAll()
}

func TestIOChainSingleTerminal(t *testing.T) {
	var c IOChain
	c.Init(1)

	_, err := c.InsertCall(RankTerminal, "a", traceStage(new([]string), "a"), nil, false, nil)
	require.NoError(t, err)
	_, err = c.InsertCall(RankTerminal, "b", traceStage(new([]string), "b"), nil, false, nil)
	assert.ErrorIs(t, err, ErrExists)
}

func TestIOChainRemoveByName(t *testing.T) {
	var c IOChain
	c.Init(1)

	removed := false
	_, err := c.InsertCall(RankFilter, "stage", traceStage(new([]string), "stage"), "priv", false,
		func(data any) {
			assert.Equal(t, "priv", data)
			removed = true
		})
	require.NoError(t, err)
	require.Equal(t, 1, c.NumLinks())

	require.NoError(t, c.RemoveCall("stage"))
	assert.True(t, removed)
	assert.Equal(t, 0, c.NumLinks())
	assert.ErrorIs(t, c.RemoveCall("stage"), ErrNotFound)
}

func TestIOChainResumeAfterLink(t *testing.T) {
	var c IOChain
	c.Init(1)

	var trace []string
	link, err := c.InsertCall(RankFilter, "filter", traceStage(&trace, "filter"), nil, false, nil)
	require.NoError(t, err)
	_, err = c.InsertCall(RankQueue, "queue", traceStage(&trace, "queue"), nil, false, nil)
	require.NoError(t, err)

	list := chainList(t, 1)
	require.NoError(t, c.Resume(nil, link, list))
	assert.Equal(t, []string{"queue"}, trace)
	assert.Equal(t, uint64(1), c.Stats().Resumes)
	assert.Equal(t, uint64(0), c.Stats().Starts)
	list.ReleaseAll()
}

func TestIOChainConsumptionAttribution(t *testing.T) {
	var c IOChain
	c.Init(1)

	eat := func(n int) IOChainFn {
		return func(port *Port, list *pkt.List, data any) error {
			for i := 0; i < n; i++ {
				h := list.Head()
				list.Remove(h)
				require.NoError(t, h.Release())
			}
			return nil
		}
	}

	_, err := c.InsertCall(RankFilter, "filter", eat(2), nil, true, nil)
	require.NoError(t, err)
	_, err = c.InsertCall(RankQueue, "queue", eat(1), nil, true, nil)
	require.NoError(t, err)
	_, err = c.InsertCall(RankPostQueue, "drop", eat(1), nil, true, nil)
	require.NoError(t, err)

	list := chainList(t, 6)
	require.NoError(t, c.Start(nil, list))

	s := c.Stats()
	assert.Equal(t, uint64(6), s.PktsStarted)
	assert.Equal(t, uint64(2), s.PktsFiltered)
	assert.Equal(t, uint64(1), s.PktsQueued)
	assert.Equal(t, uint64(1), s.PktsDropped)
	// the two survivors pass
	assert.Equal(t, uint64(2), s.PktsPassed)
	list.ReleaseAll()
}

func TestIOChainStageErrorAborts(t *testing.T) {
	var c IOChain
	c.Init(1)

	boom := errors.New("boom")
	var trace []string
	_, err := c.InsertCall(RankFilter, "fail", func(port *Port, list *pkt.List, data any) error {
		return boom
	}, nil, false, nil)
	require.NoError(t, err)
	_, err = c.InsertCall(RankQueue, "after", traceStage(&trace, "after"), nil, false, nil)
	require.NoError(t, err)

	list := chainList(t, 3)
	assert.ErrorIs(t, c.Start(nil, list), boom)
	assert.Empty(t, trace)

	s := c.Stats()
	assert.Equal(t, uint64(1), s.Errors)
	assert.Equal(t, uint64(3), s.PktsDropped)
	list.ReleaseAll()
}

func TestIOChainCloneOnModify(t *testing.T) {
	var c IOChain
	c.Init(1)

	sawModifiable := false
	_, err := c.InsertCall(RankFilter, "eater", func(port *Port, list *pkt.List, data any) error {
		sawModifiable = list.MayModify
		h := list.Head()
		list.Remove(h)
		require.NoError(t, h.Release())
		return nil
	}, nil, true, nil)
	require.NoError(t, err)

	list := chainList(t, 3)
	list.MayModify = false
	require.NoError(t, c.Start(nil, list))

	// the stage ran over a modifiable clone; the caller's list is intact
	assert.True(t, sawModifiable)
	assert.Equal(t, 3, list.Count())
	for h := list.Head(); h != nil; h = list.Next(h) {
		assert.Equal(t, 1, h.RefCount())
	}
	list.MayModify = true
	list.ReleaseAll()
}

func TestIOChainCloneFailureCounts(t *testing.T) {
	var c IOChain
	c.Init(1)

	_, err := c.InsertCall(RankFilter, "eater", func(port *Port, list *pkt.List, data any) error {
		return nil
	}, nil, true, nil)
	require.NoError(t, err)

	inj := stress.NewInjector()
	inj.Arm(stress.PktListCloneFail, 1)
	stress.Enable(inj)
	defer stress.Disable()

	list := chainList(t, 2)
	list.MayModify = false
	assert.ErrorIs(t, c.Start(nil, list), pkt.ErrNoResources)
	assert.Equal(t, uint64(1), c.Stats().Errors)

	stress.Disable()
	list.MayModify = true
	list.ReleaseAll()
}

func TestIOChainReleaseRunsRemoveHooks(t *testing.T) {
	var c IOChain
	c.Init(1)

	removed := 0
	hook := func(any) { removed++ }
	_, err := c.InsertCall(RankFilter, "a", traceStage(new([]string), "a"), nil, false, hook)
	require.NoError(t, err)
	_, err = c.InsertCall(RankQueue, "b", traceStage(new([]string), "b"), nil, false, hook)
	require.NoError(t, err)

	c.Release()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, c.NumLinks())
}
