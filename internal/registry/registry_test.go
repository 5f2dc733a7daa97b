package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

func newNode(t *testing.T, r *Registry, name string, slots int) types.NodeHandle {
	t.Helper()
	h, err := r.AddNode(&types.Node{Name: name, Slots: slots, Daemon: types.RankInvalid})
	require.NoError(t, err)
	return h
}

func TestJobTable(t *testing.T) {
	r := New(types.RootName)

	j1 := r.CreateJob()
	j2 := r.CreateJob()
	assert.Equal(t, types.JobID(1), j1.ID)
	assert.Equal(t, types.JobID(2), j2.ID)

	err := r.AddJob(types.NewJob(2))
	assert.ErrorIs(t, err, ErrDuplicateJob)

	require.NoError(t, r.AddJob(types.NewJob(types.DaemonJob)))
	jobs := r.Jobs()
	require.Len(t, jobs, 3)
	assert.Equal(t, types.DaemonJob, jobs[0].ID)

	got, ok := r.Job(1)
	assert.True(t, ok)
	assert.Same(t, j1, got)

	require.NoError(t, r.RemoveJob(1))
	_, ok = r.Job(1)
	assert.False(t, ok)
	assert.ErrorIs(t, r.RemoveJob(1), ErrJobNotFound)
}

func TestNodePoolDuplicate(t *testing.T) {
	r := New(types.RootName)
	newNode(t, r, "a", 2)
	_, err := r.AddNode(&types.Node{Name: "a"})
	assert.ErrorIs(t, err, ErrDuplicateNode)

	h, n, ok := r.NodeByName("a")
	require.True(t, ok)
	assert.Equal(t, types.NodeStateUp, n.State)
	assert.Equal(t, 1, r.NodeRefs(h))
}

func TestNodeRefCounting(t *testing.T) {
	r := New(types.RootName)
	nh := newNode(t, r, "a", 4)
	job := r.CreateJob()

	require.NoError(t, r.AddNodeToMap(job, nh))
	require.NoError(t, r.AddNodeToMap(job, nh)) // 只持有一次
	assert.Equal(t, 2, r.NodeRefs(nh))

	ph := r.NewProc(&types.Proc{Name: types.ProcName{Job: job.ID, Rank: 0}})
	job.SetProcAt(0, ph)
	require.NoError(t, r.AttachProc(ph, nh))
	assert.Equal(t, 3, r.NodeRefs(nh))

	node, err := r.Node(nh)
	require.NoError(t, err)
	assert.Equal(t, 1, node.NumProcs)
	assert.Equal(t, 1, node.SlotsInUse)

	// 節點離開池之後，JobMap 與 proc 仍持有參考
	require.NoError(t, r.RemoveFromPool(nh))
	assert.Equal(t, 2, r.NodeRefs(nh))
	_, _, ok := r.NodeByName("a")
	assert.False(t, ok)
	_, err = r.Node(nh)
	assert.NoError(t, err)

	// job 釋放時最後的參考一起釋放，handle 失效
	require.NoError(t, r.RemoveJob(job.ID))
	assert.Equal(t, 0, r.NodeRefs(nh))
	_, err = r.Node(nh)
	assert.ErrorIs(t, err, ErrStaleHandle)

	_, err = r.Proc(ph)
	assert.ErrorIs(t, err, ErrStaleHandle)
}

func TestStaleHandleAfterReuse(t *testing.T) {
	r := New(types.RootName)
	h1 := r.NewProc(&types.Proc{Name: types.ProcName{Job: 1, Rank: 0}})
	require.NoError(t, r.ReleaseProc(h1))

	h2 := r.NewProc(&types.Proc{Name: types.ProcName{Job: 1, Rank: 1}})
	assert.Equal(t, h1.Index, h2.Index)
	assert.NotEqual(t, h1.Gen, h2.Gen)

	_, err := r.Proc(h1)
	assert.ErrorIs(t, err, ErrStaleHandle)
	p, err := r.Proc(h2)
	require.NoError(t, err)
	assert.Equal(t, types.Rank(1), p.Name.Rank)

	_, err = r.Proc(types.ProcHandle{})
	assert.ErrorIs(t, err, ErrStaleHandle)
}

func TestAttachMovesProc(t *testing.T) {
	r := New(types.RootName)
	a := newNode(t, r, "a", 2)
	b := newNode(t, r, "b", 2)
	ph := r.NewProc(&types.Proc{})

	require.NoError(t, r.AttachProc(ph, a))
	require.NoError(t, r.AttachProc(ph, b))

	na, _ := r.Node(a)
	nb, _ := r.Node(b)
	assert.Equal(t, 0, na.NumProcs)
	assert.Empty(t, na.Procs)
	assert.Equal(t, 1, nb.NumProcs)
	assert.Equal(t, 1, r.NodeRefs(a))
	assert.Equal(t, 2, r.NodeRefs(b))

	p, _ := r.Proc(ph)
	assert.Equal(t, b, p.Node)

	require.NoError(t, r.DetachProc(ph))
	assert.Equal(t, 0, nb.NumProcs)
	assert.Equal(t, types.NoNode, p.Node)
}

func TestLocalChildren(t *testing.T) {
	r := New(types.DaemonName(1))
	job := types.NewJob(3)
	require.NoError(t, r.AddJob(job))

	var handles []types.ProcHandle
	for i := 0; i < 3; i++ {
		p := &types.Proc{Name: types.ProcName{Job: 3, Rank: types.Rank(i)}, Flags: types.ProcFlagLocal}
		h := r.NewProc(p)
		job.SetProcAt(types.Rank(i), h)
		r.AddLocalChild(h)
		r.AddLocalChild(h)
		handles = append(handles, h)
	}
	other := r.NewProc(&types.Proc{Name: types.ProcName{Job: 4, Rank: 0}, Flags: types.ProcFlagAlive})
	r.AddLocalChild(other)

	assert.Len(t, r.LocalChildren(), 4)
	procs := r.LocalChildrenOf(3)
	require.Len(t, procs, 3)
	for i, p := range procs {
		assert.Equal(t, types.Rank(i), p.Name.Rank)
	}
	assert.False(t, r.AnyLocalChildAlive(3))
	assert.True(t, r.AnyLocalChildAlive(types.JobIDWildcard))

	p, h, ok := r.LookupProc(types.ProcName{Job: 3, Rank: 1})
	require.True(t, ok)
	assert.Equal(t, handles[1], h)
	assert.Equal(t, types.Rank(1), p.Name.Rank)

	r.RemoveLocalChildren(3)
	assert.Equal(t, []types.ProcHandle{other}, r.LocalChildren())
}

func TestRuntimeFlagsExitStatus(t *testing.T) {
	f := NewRuntimeFlags()
	assert.False(t, f.UpdateExitStatus(0))
	assert.True(t, f.UpdateExitStatus(3))
	assert.False(t, f.UpdateExitStatus(9))
	assert.Equal(t, 3, f.ExitStatus())

	assert.True(t, f.AbnormalTermOrdered.CompareAndSwap(false, true))
	assert.False(t, f.AbnormalTermOrdered.CompareAndSwap(false, true))
}

func TestSnapshot(t *testing.T) {
	r := New(types.RootName)
	nh := newNode(t, r, "a", 2)
	job := r.CreateJob()
	job.NumProcs = 1
	p := &types.Proc{Name: types.ProcName{Job: job.ID, Rank: 0}, State: types.ProcStateRunning}
	p.Attrs.Set(types.AttrLocale, "numa0")
	ph := r.NewProc(p)
	job.SetProcAt(0, ph)
	require.NoError(t, r.AttachProc(ph, nh))
	r.Runtime().UpdateExitStatus(5)

	data := r.Snapshot("master", time.UnixMilli(1000))
	assert.Equal(t, int64(1000), data.TakenAt)
	assert.Equal(t, 5, data.ExitStatus)
	require.Len(t, data.Jobs, 1)
	require.Len(t, data.Jobs[0].Procs, 1)
	assert.Equal(t, "a", data.Jobs[0].Procs[0].Node)
	assert.Equal(t, "numa0", data.Jobs[0].Procs[0].Locale)
	require.Len(t, data.Nodes, 1)
	assert.Equal(t, 2, data.Nodes[0].Refs)
}
