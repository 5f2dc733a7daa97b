package rmaps

import (
	"fmt"

	"github.com/ChuLiYu/gridlaunch/internal/topology"
	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

// ============================================================================
// mindist mapper - 依與裝置的 NUMA 距離放置
// ============================================================================
//
// 兩種模式:
//   - span:   所有節點的所有區域視為一個平面池，floor(N/R) 平均分配，
//             餘數依序給前 N mod R 個區域
//   - bynode: 逐節點填滿，節點內依距離順序填到每個區域的處理器數，
//             超出的部分再以平均加餘數分攤到該節點的區域
//
// 任何節點有多個（或零個）符合的裝置、沒有 NUMA 資訊、只有一個 package，
// 整個 job 改為 byslot 並交給下一個 mapper。

// MinDistName mapper 名稱
const MinDistName = "mindist"

// MinDist NUMA 距離感知的放置
type MinDist struct {
	*base
}

// NewMinDist 建立 mindist mapper
func NewMinDist(b *base) *MinDist {
	return &MinDist{base: b}
}

// Name 實作 Mapper
func (m *MinDist) Name() string { return MinDistName }

// nodeRegions 一個節點與其依距離排序的區域
type nodeRegions struct {
	c       candidate
	regions []topology.Region
	npus    []int
	total   int
}

// MapJob 實作 Mapper
func (m *MinDist) MapJob(job *types.Job) (Result, error) {
	if job.Flags.Has(types.JobFlagRestart) || declinedByRequest(job, m.Name()) {
		return TryNext, nil
	}
	if job.Map.Mapping.Mapper() != types.MapByDist {
		return TryNext, nil
	}
	device, ok := job.Attrs.GetString(types.AttrDistDevice)
	if !ok || device == "" {
		return Fatal, fmt.Errorf("mindist mapping requires the %s attribute", types.AttrDistDevice)
	}
	cpuset, _ := job.Attrs.GetString(types.AttrCpuset)
	hwt := job.Attrs.GetBool(types.AttrHwtCPUs)
	log := m.log.With("mapper", m.Name(), "job", job.ID, "device", device)

	if len(job.Apps) > 1 {
		for _, app := range job.Apps {
			if app.NumProcs == 0 {
				return Fatal, fmt.Errorf("mindist: app %d has no process count in a multi-app job", app.Index)
			}
		}
	}

	// 先檢查所有 app 的候選節點，任何一個不適用就整體退回 byslot
	type appPlan struct {
		app      *types.AppContext
		nodes    []nodeRegions
		numSlots int
	}
	plans := make([]appPlan, 0, len(job.Apps))
	for _, app := range job.Apps {
		cands, numSlots, err := m.targetNodes(job, app)
		if err != nil {
			return Fatal, err
		}
		nodes := make([]nodeRegions, 0, len(cands))
		for _, c := range cands {
			nr, reason := m.inspect(c, device, cpuset, hwt)
			if reason != "" {
				log.Info("reverting to byslot", "node", c.node.Name, "reason", reason)
				job.Map.Mapping = job.Map.Mapping.WithMapper(types.MapBySlot)
				return TryNext, nil
			}
			nodes = append(nodes, nr)
		}
		plans = append(plans, appPlan{app: app, nodes: nodes, numSlots: numSlots})
	}

	job.Map.LastMapper = m.Name()
	job.NumProcs = 0
	span := job.Map.Mapping.HasDirective(types.MapSpan)
	for _, pl := range plans {
		np := pl.app.NumProcs
		if np == 0 {
			np = pl.numSlots
			pl.app.NumProcs = np
		}
		if np == 0 {
			return Fatal, fmt.Errorf("%w: app %d (%s) has no free slots", ErrNotEnoughSlots, pl.app.Index, pl.app.App)
		}
		oversubscribed, err := enoughSlots(job, pl.app, pl.numSlots, np)
		if err != nil {
			return Fatal, err
		}
		if span || oversubscribed {
			err = m.mapSpan(job, pl.app, pl.nodes, np)
		} else {
			err = m.mapByNode(job, pl.app, pl.nodes, np)
		}
		if err != nil {
			return Fatal, err
		}
		job.NumProcs += np
	}
	return Success, nil
}

// inspect 取得節點的區域資訊；回傳非空字串表示此節點不適用 mindist
func (m *MinDist) inspect(c candidate, device, cpuset string, hwt bool) (nodeRegions, string) {
	o := m.oracle(c.node)
	if o == nil {
		return nodeRegions{}, "no topology"
	}
	regions, ndev := o.NUMARegions(device)
	switch {
	case ndev > 1:
		return nodeRegions{}, fmt.Sprintf("%d devices match", ndev)
	case ndev == 0:
		return nodeRegions{}, "device not found"
	case len(regions) == 0:
		return nodeRegions{}, "no numa information"
	case o.NumPackages() <= 1:
		return nodeRegions{}, "single package"
	}
	nr := nodeRegions{c: c, regions: regions, npus: make([]int, len(regions))}
	for i, r := range regions {
		nr.npus[i] = o.CPUs(r.ID, cpuset, hwt)
		nr.total += nr.npus[i]
	}
	return nr, ""
}

// mapSpan 所有區域平面化後平均分配
func (m *MinDist) mapSpan(job *types.Job, app *types.AppContext, nodes []nodeRegions, numProcs int) error {
	total := 0
	for _, nr := range nodes {
		total += len(nr.regions)
	}
	counts := spread(numProcs, total)

	k := 0
	for _, nr := range nodes {
		for i, r := range nr.regions {
			want := counts[k]
			k++
			if want == 0 {
				continue
			}
			if want > nr.npus[i] {
				if job.Map.Mapping.HasDirective(types.MapNoOversubscribe) {
					return fmt.Errorf("%w: node %s numa %d has %d cpus for %d procs",
						ErrOversubscribed, nr.c.node.Name, r.ID, nr.npus[i], want)
				}
				nr.c.node.Flags.Set(types.NodeFlagOversubscribed)
				job.Flags.Set(types.JobFlagOversubscribed)
			}
			if err := m.placeIn(job, app, nr.c, r, want); err != nil {
				return err
			}
		}
	}
	return nil
}

// mapByNode 逐節點填滿
func (m *MinDist) mapByNode(job *types.Job, app *types.AppContext, nodes []nodeRegions, numProcs int) error {
	mapped := 0
	for _, nr := range nodes {
		if mapped == numProcs {
			break
		}
		if nr.c.node.Slots <= nr.c.node.SlotsInUse {
			continue
		}
		toAssign := min(nr.c.node.SlotsAvailable, numProcs-mapped)
		if toAssign <= 0 {
			continue
		}
		counts := fillRegions(nr.npus, toAssign)
		for i, r := range nr.regions {
			if counts[i] == 0 {
				continue
			}
			if err := m.placeIn(job, app, nr.c, r, counts[i]); err != nil {
				return err
			}
		}
		mapped += toAssign
	}
	if mapped < numProcs {
		return fmt.Errorf("%w: app %d (%s): %d procs left unplaced", ErrNotEnoughSlots, app.Index, app.App, numProcs-mapped)
	}
	return nil
}

// fillRegions 依序填滿每個區域的處理器數，超出的部分平均分攤，餘數給前面的區域
func fillRegions(npus []int, n int) []int {
	counts := make([]int, len(npus))
	left := n
	for i, npu := range npus {
		take := min(npu, left)
		counts[i] = take
		left -= take
	}
	if left > 0 {
		for i, extra := range spread(left, len(npus)) {
			counts[i] += extra
		}
	}
	return counts
}

func (m *MinDist) placeIn(job *types.Job, app *types.AppContext, c candidate, r topology.Region, count int) error {
	locale := topology.Locale(topology.ObjNUMA, r.ID)
	for i := 0; i < count; i++ {
		_, p, err := m.setupProc(job, c, app)
		if err != nil {
			return err
		}
		p.Attrs.Set(types.AttrLocale, locale)
	}
	return checkOversubscribed(job, c.node)
}

// AssignLocations 實作 Mapper；補上缺少的 locale，依距離順序填到每個區域的容量
func (m *MinDist) AssignLocations(job *types.Job) (Result, error) {
	if !isMapper(job, m.Name()) {
		return TryNext, nil
	}
	device, _ := job.Attrs.GetString(types.AttrDistDevice)
	cpuset, _ := job.Attrs.GetString(types.AttrCpuset)
	hwt := job.Attrs.GetBool(types.AttrHwtCPUs)

	for _, nh := range job.Map.Nodes {
		n, err := m.reg.Node(nh)
		if err != nil {
			return Fatal, err
		}
		procs := m.jobProcsOn(job, n)
		var missing []*types.Proc
		used := make(map[string]int)
		for _, p := range procs {
			if loc, ok := p.Attrs.GetString(types.AttrLocale); ok {
				used[loc]++
			} else {
				missing = append(missing, p)
			}
		}
		if len(missing) == 0 {
			continue
		}
		nr, reason := m.inspect(candidate{h: nh, node: n}, device, cpuset, hwt)
		if reason != "" {
			for _, p := range missing {
				p.Attrs.Set(types.AttrLocale, topology.RootLocale)
			}
			continue
		}
		for i, r := range nr.regions {
			loc := topology.Locale(topology.ObjNUMA, r.ID)
			for used[loc] < nr.npus[i] && len(missing) > 0 {
				missing[0].Attrs.Set(types.AttrLocale, loc)
				missing = missing[1:]
				used[loc]++
			}
		}
		// 容量不足的部分放在最近的區域
		for _, p := range missing {
			p.Attrs.Set(types.AttrLocale, topology.Locale(topology.ObjNUMA, nr.regions[0].ID))
		}
	}
	return Success, nil
}
