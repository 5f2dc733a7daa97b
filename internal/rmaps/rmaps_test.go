package rmaps

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/gridlaunch/internal/registry"
	"github.com/ChuLiYu/gridlaunch/internal/topology"
	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

// ============================================================================
// helpers
// ============================================================================

type cluster struct {
	reg   *registry.Registry
	topo  *topology.Registry
	names []string
}

func newCluster(t *testing.T, slots int, names ...string) *cluster {
	t.Helper()
	c := &cluster{reg: registry.New(types.RootName), topo: topology.NewRegistry(), names: names}
	for _, name := range names {
		_, err := c.reg.AddNode(&types.Node{Name: name, Slots: slots, Daemon: types.RankInvalid})
		require.NoError(t, err)
	}
	return c
}

func (c *cluster) node(t *testing.T, name string) *types.Node {
	t.Helper()
	_, n, ok := c.reg.NodeByName(name)
	require.True(t, ok, name)
	return n
}

func (c *cluster) framework(opts Options) *Framework {
	opts.NoVM = true
	return New(c.reg, c.topo, opts)
}

func (c *cluster) job(policy types.MappingPolicy, np ...int) *types.Job {
	job := c.reg.CreateJob()
	for i, n := range np {
		job.Apps = append(job.Apps, &types.AppContext{Index: i, App: "a.out", NumProcs: n})
	}
	job.Map.Mapping = policy
	return job
}

// ranksByNode 節點名稱 → 依序的 rank
func (c *cluster) ranksByNode(t *testing.T, job *types.Job) map[string][]types.Rank {
	t.Helper()
	out := make(map[string][]types.Rank)
	for rank, ph := range job.Procs {
		p, err := c.reg.Proc(ph)
		require.NoError(t, err)
		require.Equal(t, types.Rank(rank), p.Name.Rank)
		n, err := c.reg.Node(p.Node)
		require.NoError(t, err)
		out[n.Name] = append(out[n.Name], p.Name.Rank)
	}
	return out
}

// counts 每個節點上 job 的行程數，依 cluster 節點順序
func (c *cluster) counts(t *testing.T, job *types.Job) []int {
	t.Helper()
	byNode := c.ranksByNode(t, job)
	out := make([]int, len(c.names))
	for i, name := range c.names {
		out[i] = len(byNode[name])
	}
	return out
}

func (c *cluster) locale(t *testing.T, job *types.Job, rank types.Rank) (string, string) {
	t.Helper()
	ph, ok := job.ProcAt(rank)
	require.True(t, ok)
	p, err := c.reg.Proc(ph)
	require.NoError(t, err)
	n, err := c.reg.Node(p.Node)
	require.NoError(t, err)
	loc, _ := p.Attrs.GetString(types.AttrLocale)
	return n.Name, loc
}

// ============================================================================
// framework
// ============================================================================

func TestScenarioBySlotVersusByNode(t *testing.T) {
	t.Run("byslot fills node A first", func(t *testing.T) {
		c := newCluster(t, 4, "A", "B")
		job := c.job(types.MapBySlot, 4)
		require.NoError(t, c.framework(Options{}).MapJob(job))

		want := map[string][]types.Rank{"A": {0, 1, 2, 3}}
		if diff := cmp.Diff(want, c.ranksByNode(t, job)); diff != "" {
			t.Fatalf("placement mismatch (-want +got):\n%s", diff)
		}
		assert.Equal(t, RoundRobinName, job.Map.LastMapper)
		assert.True(t, job.Flags.Has(types.JobFlagMapDone))
		assert.Equal(t, 4, job.NumProcs)
		assert.Len(t, job.Map.Nodes, 1)
	})

	t.Run("bynode splits two and two", func(t *testing.T) {
		c := newCluster(t, 4, "A", "B")
		job := c.job(types.MapByNode, 4)
		require.NoError(t, c.framework(Options{}).MapJob(job))
		assert.Equal(t, []int{2, 2}, c.counts(t, job))
		assert.Len(t, job.Map.Nodes, 2)
	})
}

func TestByNodeBalance(t *testing.T) {
	tests := []struct {
		np   int
		want []int
	}{
		{np: 1, want: []int{1, 0, 0}},
		{np: 2, want: []int{1, 1, 0}},
		{np: 3, want: []int{1, 1, 1}},
		{np: 5, want: []int{2, 2, 1}},
		{np: 7, want: []int{3, 2, 2}},
		{np: 11, want: []int{4, 4, 3}},
		{np: 12, want: []int{4, 4, 4}},
	}
	for _, tt := range tests {
		c := newCluster(t, 4, "n0", "n1", "n2")
		job := c.job(types.MapByNode, tt.np)
		require.NoError(t, c.framework(Options{}).MapJob(job), "np=%d", tt.np)

		got := c.counts(t, job)
		assert.Equal(t, tt.want, got, "np=%d", tt.np)
		lo, hi := got[0], got[0]
		for _, v := range got {
			lo, hi = min(lo, v), max(hi, v)
		}
		if tt.np >= 3 {
			assert.LessOrEqual(t, hi-lo, 1, "np=%d", tt.np)
		}
	}
}

func TestByNodeRespectsSlotsMax(t *testing.T) {
	c := newCluster(t, 2, "A", "B")
	for _, name := range c.names {
		c.node(t, name).SlotsMax = 3
	}
	job := c.job(types.MapByNode, 8)
	err := c.framework(Options{}).MapJob(job)
	require.ErrorIs(t, err, ErrNotEnoughSlots)
	assert.LessOrEqual(t, c.node(t, "A").NumProcs, 3)
	assert.LessOrEqual(t, c.node(t, "B").NumProcs, 3)
}

func TestBySlotOversubscription(t *testing.T) {
	tests := []struct {
		name       string
		policy     types.MappingPolicy
		slotsGiven bool
		wantErr    error
	}{
		{name: "forbidden", policy: types.MapBySlot | types.MapNoOversubscribe, wantErr: ErrNotEnoughSlots},
		{name: "allowed by default", policy: types.MapBySlot},
		{name: "given slots need permission", policy: types.MapBySlot, slotsGiven: true, wantErr: ErrOversubscribed},
		{name: "given slots with permission", policy: types.MapBySlot | types.MapSubscribeGiven, slotsGiven: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCluster(t, 4, "A", "B")
			if tt.slotsGiven {
				c.node(t, "A").Flags.Set(types.NodeFlagSlotsGiven)
				c.node(t, "B").Flags.Set(types.NodeFlagSlotsGiven)
			}
			job := c.job(tt.policy, 10)
			err := c.framework(Options{}).MapJob(job)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []int{5, 5}, c.counts(t, job))
			assert.True(t, job.Flags.Has(types.JobFlagOversubscribed))
			assert.True(t, c.node(t, "A").Flags.Has(types.NodeFlagOversubscribed))
		})
	}
}

func TestBySlotUnevenOversubscription(t *testing.T) {
	c := newCluster(t, 2, "A", "B")
	job := c.job(types.MapBySlot, 7)
	require.NoError(t, c.framework(Options{}).MapJob(job))
	// 4 in the first pass, 3 left: the first node takes the extra one
	assert.Equal(t, []int{4, 3}, c.counts(t, job))
}

func TestDefaultProcCountUsesFreeSlots(t *testing.T) {
	c := newCluster(t, 3, "A", "B")
	job := c.job(types.MapBySlot, 0)
	job.Attrs.Set(types.AttrPesPerProc, 1)
	require.NoError(t, c.framework(Options{}).MapJob(job))
	assert.Equal(t, 6, job.NumProcs)
	assert.Equal(t, 6, job.Apps[0].NumProcs)
}

func TestPesPerProcReducesSlots(t *testing.T) {
	c := newCluster(t, 4, "A", "B")
	job := c.job(types.MapBySlot, 0)
	job.Attrs.Set(types.AttrPesPerProc, 2)
	require.NoError(t, c.framework(Options{}).MapJob(job))
	assert.Equal(t, []int{2, 2}, c.counts(t, job))
}

func TestRankByNode(t *testing.T) {
	c := newCluster(t, 2, "A", "B")
	job := c.job(types.MapBySlot, 4)
	job.Map.Ranking = types.RankByNode
	require.NoError(t, c.framework(Options{}).MapJob(job))

	want := map[string][]types.Rank{"A": {0, 2}, "B": {1, 3}}
	if diff := cmp.Diff(want, c.ranksByNode(t, job)); diff != "" {
		t.Fatalf("ranks mismatch (-want +got):\n%s", diff)
	}
}

func TestLocalRanks(t *testing.T) {
	c := newCluster(t, 2, "A", "B")
	job := c.job(types.MapBySlot, 4)
	require.NoError(t, c.framework(Options{}).MapJob(job))

	var local, nodeRanks []int
	for _, ph := range job.Procs {
		p, err := c.reg.Proc(ph)
		require.NoError(t, err)
		local = append(local, p.LocalRank)
		nodeRanks = append(nodeRanks, p.NodeRank)
		assert.Equal(t, types.ProcStateInit, p.State)
		assert.True(t, p.Flags.Has(types.ProcFlagUpdated))
	}
	assert.Equal(t, []int{0, 1, 0, 1}, local)
	assert.Equal(t, []int{0, 1, 0, 1}, nodeRanks)

	// a second job on the same nodes continues node ranks but restarts local ranks
	job2 := c.job(types.MapBySlot|types.MapSubscribeGiven, 1)
	require.NoError(t, c.framework(Options{}).MapJob(job2))
	p, err := c.reg.Proc(job2.Procs[0])
	require.NoError(t, err)
	assert.Equal(t, 0, p.LocalRank)
	assert.Equal(t, 2, p.NodeRank)
}

func TestMapperSelection(t *testing.T) {
	t.Run("unknown requested mapper", func(t *testing.T) {
		c := newCluster(t, 2, "A")
		job := c.job(types.MapBySlot, 1)
		job.Map.ReqMapper = "seq"
		err := c.framework(Options{}).MapJob(job)
		assert.ErrorIs(t, err, ErrNoMapperAccepted)
	})

	t.Run("no usable nodes", func(t *testing.T) {
		c := newCluster(t, 2, "A", "B")
		c.node(t, "A").State = types.NodeStateDown
		c.node(t, "B").State = types.NodeStateNotIncluded
		job := c.job(types.MapBySlot, 1)
		err := c.framework(Options{}).MapJob(job)
		assert.ErrorIs(t, err, ErrNoNodes)
	})

	t.Run("do-not-use is skipped once and reset", func(t *testing.T) {
		c := newCluster(t, 2, "A", "B")
		c.node(t, "A").State = types.NodeStateDoNotUse
		job := c.job(types.MapBySlot, 2)
		require.NoError(t, c.framework(Options{}).MapJob(job))
		assert.Equal(t, []int{0, 2}, c.counts(t, job))
		assert.Equal(t, types.NodeStateUp, c.node(t, "A").State)
	})

	t.Run("host list keeps user order", func(t *testing.T) {
		c := newCluster(t, 2, "A", "B", "C")
		job := c.job(types.MapBySlot, 3)
		job.Apps[0].Hosts = []string{"C", "A"}
		require.NoError(t, c.framework(Options{}).MapJob(job))
		want := map[string][]types.Rank{"C": {0, 1}, "A": {2}}
		if diff := cmp.Diff(want, c.ranksByNode(t, job)); diff != "" {
			t.Fatalf("placement mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("daemon required without novm", func(t *testing.T) {
		c := newCluster(t, 2, "A")
		job := c.job(types.MapBySlot, 1)
		err := New(c.reg, c.topo, Options{}).MapJob(job)
		assert.ErrorIs(t, err, ErrNoNodes)
	})

	t.Run("mapped flags are cleared", func(t *testing.T) {
		c := newCluster(t, 2, "A", "B")
		job := c.job(types.MapByNode, 2)
		require.NoError(t, c.framework(Options{}).MapJob(job))
		assert.False(t, c.node(t, "A").Flags.Has(types.NodeFlagMapped))
		assert.False(t, c.node(t, "B").Flags.Has(types.NodeFlagMapped))
	})
}

// ============================================================================
// by-object / by-cpulist
// ============================================================================

func TestByObject(t *testing.T) {
	c := newCluster(t, 4, "A", "B")
	c.topo.Set("flat4", topology.Flat(4))
	c.node(t, "A").Topology = "flat4"
	c.node(t, "B").Topology = "flat4"

	job := c.job(types.MapByCore, 6)
	require.NoError(t, c.framework(Options{}).MapJob(job))
	assert.Equal(t, []int{4, 2}, c.counts(t, job))

	node, loc := c.locale(t, job, 3)
	assert.Equal(t, "A", node)
	assert.Equal(t, "core:3", loc)
	node, loc = c.locale(t, job, 5)
	assert.Equal(t, "B", node)
	assert.Equal(t, "core:1", loc)
}

func TestByObjectFallsBackToBySlot(t *testing.T) {
	c := newCluster(t, 4, "A", "B")
	c.topo.Set("flat4", topology.Flat(4))
	c.node(t, "A").Topology = "flat4"

	job := c.job(types.MapByNUMA, 6)
	require.NoError(t, c.framework(Options{}).MapJob(job))
	assert.Equal(t, types.MapBySlot, job.Map.Mapping.Mapper())
	assert.Equal(t, []int{4, 2}, c.counts(t, job))

	_, loc := c.locale(t, job, 0)
	assert.Equal(t, topology.RootLocale, loc)
}

func TestByCPUList(t *testing.T) {
	c := newCluster(t, 4, "A", "B")
	job := c.job(types.MapByCPUList, 3)
	job.Attrs.Set(types.AttrCPUList, "0,2")
	require.NoError(t, c.framework(Options{}).MapJob(job))
	assert.Equal(t, []int{2, 1}, c.counts(t, job))

	var locs []string
	for r := types.Rank(0); r < 3; r++ {
		_, loc := c.locale(t, job, r)
		locs = append(locs, loc)
	}
	assert.Equal(t, []string{"core:0", "core:2", "core:0"}, locs)

	bad := c.job(types.MapByCPUList, 1)
	assert.Error(t, c.framework(Options{}).MapJob(bad))
}

// ============================================================================
// mindist
// ============================================================================

func twoSocket(t *testing.T, devices ...topology.DeviceSpec) topology.Oracle {
	t.Helper()
	o, err := topology.NewStatic(topology.StaticSpec{
		Packages:       2,
		NUMAPerPackage: 1,
		CoresPerNUMA:   4,
		ThreadsPerCore: 1,
		Devices:        devices,
	})
	require.NoError(t, err)
	return o
}

// noNUMA 兩個 package 但沒有 NUMA 資訊
func noNUMA(t *testing.T) topology.Oracle {
	t.Helper()
	o, err := topology.NewStatic(topology.StaticSpec{
		Packages:     2,
		CoresPerNUMA: 4,
		Devices:      []topology.DeviceSpec{{Name: "mlx5_0", Kind: "ib"}},
	})
	require.NoError(t, err)
	return o
}

func distCluster(t *testing.T, slots int, o topology.Oracle, names ...string) *cluster {
	t.Helper()
	c := newCluster(t, slots, names...)
	c.topo.Set("node", o)
	for _, name := range names {
		c.node(t, name).Topology = "node"
	}
	return c
}

func distJob(c *cluster, policy types.MappingPolicy, np int) *types.Job {
	job := c.job(types.MapByDist|policy, np)
	job.Attrs.Set(types.AttrDistDevice, "mlx5_0")
	return job
}

// localeCounts (node, locale) → 行程數
func localeCounts(t *testing.T, c *cluster, job *types.Job) map[string]int {
	t.Helper()
	out := make(map[string]int)
	for r := range job.Procs {
		node, loc := c.locale(t, job, types.Rank(r))
		out[node+"/"+loc]++
	}
	return out
}

func TestMinDistSpan(t *testing.T) {
	tests := []struct {
		np   int
		want map[string]int
	}{
		{np: 6, want: map[string]int{"A/numa:1": 2, "A/numa:0": 2, "B/numa:1": 1, "B/numa:0": 1}},
		{np: 10, want: map[string]int{"A/numa:1": 3, "A/numa:0": 3, "B/numa:1": 2, "B/numa:0": 2}},
		{np: 3, want: map[string]int{"A/numa:1": 1, "A/numa:0": 1, "B/numa:1": 1}},
	}
	for _, tt := range tests {
		// device sits on numa 1, so numa 1 is traversed first on every node
		c := distCluster(t, 8, twoSocket(t, topology.DeviceSpec{Name: "mlx5_0", Kind: "ib", NUMA: 1}), "A", "B")
		job := distJob(c, types.MapSpan, tt.np)
		require.NoError(t, c.framework(Options{}).MapJob(job), "np=%d", tt.np)
		assert.Equal(t, MinDistName, job.Map.LastMapper)
		if diff := cmp.Diff(tt.want, localeCounts(t, c, job)); diff != "" {
			t.Errorf("np=%d locale mismatch (-want +got):\n%s", tt.np, diff)
		}
	}
}

func TestMinDistByNode(t *testing.T) {
	c := distCluster(t, 8, twoSocket(t, topology.DeviceSpec{Name: "mlx5_0", NUMA: 0}), "A", "B")
	job := distJob(c, 0, 6)
	require.NoError(t, c.framework(Options{}).MapJob(job))

	want := map[string]int{"A/numa:0": 4, "A/numa:1": 2}
	if diff := cmp.Diff(want, localeCounts(t, c, job)); diff != "" {
		t.Fatalf("locale mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, job.Map.Nodes, 1)
}

func TestFillRegions(t *testing.T) {
	tests := []struct {
		npus []int
		n    int
		want []int
	}{
		{npus: []int{4, 4}, n: 6, want: []int{4, 2}},
		{npus: []int{2, 2}, n: 7, want: []int{4, 3}},
		{npus: []int{0, 0, 0}, n: 4, want: []int{2, 1, 1}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, fillRegions(tt.npus, tt.n))
	}
}

func TestMinDistRevertsToBySlot(t *testing.T) {
	tests := []struct {
		name string
		topo topology.Oracle
	}{
		{
			name: "several matching devices",
			topo: twoSocket(t,
				topology.DeviceSpec{Name: "mlx5_0", Kind: "ib", NUMA: 0},
				topology.DeviceSpec{Name: "mlx5_1", Kind: "ib", NUMA: 1}),
		},
		{name: "device not found", topo: twoSocket(t)},
		{name: "no numa information", topo: noNUMA(t)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := distCluster(t, 4, tt.topo, "A", "B")
			job := c.job(types.MapByDist, 4)
			job.Attrs.Set(types.AttrDistDevice, "ib")
			require.NoError(t, c.framework(Options{}).MapJob(job))
			assert.Equal(t, types.MapBySlot, job.Map.Mapping.Mapper())
			assert.Equal(t, RoundRobinName, job.Map.LastMapper)
			assert.Equal(t, []int{4, 0}, c.counts(t, job))
		})
	}

	t.Run("single package", func(t *testing.T) {
		o, err := topology.NewStatic(topology.StaticSpec{
			Packages: 1, NUMAPerPackage: 2, CoresPerNUMA: 2,
			Devices: []topology.DeviceSpec{{Name: "mlx5_0", NUMA: 0}},
		})
		require.NoError(t, err)
		c := distCluster(t, 4, o, "A")
		job := distJob(c, 0, 2)
		require.NoError(t, c.framework(Options{}).MapJob(job))
		assert.Equal(t, RoundRobinName, job.Map.LastMapper)
	})

	t.Run("missing device attribute is fatal", func(t *testing.T) {
		c := distCluster(t, 4, twoSocket(t), "A")
		job := c.job(types.MapByDist, 2)
		assert.Error(t, c.framework(Options{}).MapJob(job))
	})
}

// ============================================================================
// resilient
// ============================================================================

func writeGroups(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fault-groups")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseFaultGroups(t *testing.T) {
	c := newCluster(t, 1, "a1", "a2", "b1")
	path := writeGroups(t, "a1, a2,ghost\r\n\nb1,b1")
	groups, err := LoadFaultGroups(path, c.reg)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Len(t, groups[0].Nodes, 2)
	assert.Equal(t, 0, groups[0].ID)
	assert.Len(t, groups[1].Nodes, 1)
	assert.Equal(t, 2, groups[1].ID)

	_, err = LoadFaultGroups(filepath.Join(t.TempDir(), "missing"), c.reg)
	assert.ErrorIs(t, err, ErrBadFaultGroups)
}

func TestResilientInitialPlacement(t *testing.T) {
	c := newCluster(t, 2, "a1", "a2", "b1", "b2", "c1", "c2")
	path := writeGroups(t, "a1,a2\nb1,b2\nc1,c2\n")
	job := c.job(types.MapBySlot, 6)
	fw := c.framework(Options{FaultGroupFile: path})
	require.NoError(t, fw.MapJob(job))

	assert.Equal(t, ResilientName, job.Map.LastMapper)
	assert.Equal(t, []int{1, 1, 1, 1, 1, 1}, c.counts(t, job))

	// the first three copies land in three different groups
	var first []string
	for r := types.Rank(0); r < 3; r++ {
		node, _ := c.locale(t, job, r)
		first = append(first, node)
	}
	assert.Equal(t, []string{"a1", "b1", "c1"}, first)
}

func TestResilientRequiresProcCount(t *testing.T) {
	c := newCluster(t, 2, "a1", "b1")
	job := c.job(types.MapBySlot, 0)
	err := c.framework(Options{FaultGroupFile: writeGroups(t, "a1\nb1\n")}).MapJob(job)
	assert.Error(t, err)
}

// restart 將 rank 標記為 RESTART 並重新映射
func restart(t *testing.T, c *cluster, fw *Framework, job *types.Job, rank types.Rank) string {
	t.Helper()
	ph, ok := job.ProcAt(rank)
	require.True(t, ok)
	p, err := c.reg.Proc(ph)
	require.NoError(t, err)
	p.State = types.ProcStateRestart
	job.Flags.Set(types.JobFlagRestart)
	require.NoError(t, fw.MapJob(job))
	job.Flags.Unset(types.JobFlagRestart)

	assert.Equal(t, types.ProcStateInit, p.State)
	node, _ := c.locale(t, job, rank)
	return node
}

func TestResilientRestartNoRicochet(t *testing.T) {
	c := newCluster(t, 1, "A", "B", "C", "D")
	fw := c.framework(Options{})
	job := c.job(types.MapBySlot, 2)
	require.NoError(t, fw.MapJob(job))
	require.Equal(t, []int{1, 1, 0, 0}, c.counts(t, job))

	assert.Equal(t, "C", restart(t, c, fw, job, 0))
	assert.Equal(t, ResilientName, job.Map.LastMapper)

	ph, _ := job.ProcAt(0)
	p, err := c.reg.Proc(ph)
	require.NoError(t, err)
	prior, ok := p.Attrs.GetNode(types.AttrPriorNode)
	require.True(t, ok)
	a, _, _ := c.reg.NodeByName("A")
	assert.Equal(t, a, prior)
	assert.Equal(t, 0, p.LocalRank)
	assert.Equal(t, 0, c.node(t, "A").NumProcs)

	// A is empty again but it is the prior node, so D wins
	assert.Equal(t, "D", restart(t, c, fw, job, 0))
}

func TestResilientRestartAvoidsPeers(t *testing.T) {
	c := newCluster(t, 2, "A", "B", "C")
	fw := c.framework(Options{})

	job := c.job(types.MapByNode, 2)
	require.NoError(t, fw.MapJob(job))
	require.Equal(t, []int{1, 1, 0}, c.counts(t, job))

	other := c.job(types.MapBySlot, 1)
	other.Apps[0].Hosts = []string{"C"}
	require.NoError(t, fw.MapJob(other))

	// B hosts a peer, C only hosts another job
	assert.Equal(t, "C", restart(t, c, fw, job, 0))
}

func TestResilientRestartLastResort(t *testing.T) {
	c := newCluster(t, 2, "A", "B")
	fw := c.framework(Options{})
	job := c.job(types.MapByNode, 2)
	require.NoError(t, fw.MapJob(job))

	assert.Equal(t, "A", restart(t, c, fw, job, 0))
}

func TestResilientRestartWithFaultGroups(t *testing.T) {
	c := newCluster(t, 2, "A", "B", "C", "D")
	fw := c.framework(Options{FaultGroupFile: writeGroups(t, "A,B\nC,D\n")})
	job := c.job(types.MapBySlot, 2)
	require.NoError(t, fw.MapJob(job))
	// initial placement: one copy per group
	assert.Equal(t, []int{1, 0, 1, 0}, c.counts(t, job))

	// the group holding A is excluded; D is the lightest node of the other group
	assert.Equal(t, "D", restart(t, c, fw, job, 0))
}
