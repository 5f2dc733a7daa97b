package rmaps

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/gridlaunch/internal/topology"
	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

// ============================================================================
// Round-robin mapper
// ============================================================================
//
// 子模式:
//   - byslot:    先填滿每個節點的 slots 再換下一個
//   - bynode:    先在節點間平均分配
//   - bycpulist: 依 CPUList 屬性，每個列出的 cpu 一個行程
//   - byobject:  每個硬體物件一個行程，拓撲沒有該物件時退回 byslot

// RoundRobinName mapper 名稱
const RoundRobinName = "round_robin"

var errNoObjects = errors.New("no objects of the requested type")

// RoundRobin 輪詢放置
type RoundRobin struct {
	*base
}

// NewRoundRobin 建立 round-robin mapper
func NewRoundRobin(b *base) *RoundRobin {
	return &RoundRobin{base: b}
}

// Name 實作 Mapper
func (m *RoundRobin) Name() string { return RoundRobinName }

// MapJob 實作 Mapper
func (m *RoundRobin) MapJob(job *types.Job) (Result, error) {
	if job.Flags.Has(types.JobFlagRestart) {
		return TryNext, nil
	}
	if declinedByRequest(job, m.Name()) {
		return TryNext, nil
	}
	policy := job.Map.Mapping
	if policy.Mapper() == types.MapByDist {
		return TryNext, nil
	}
	job.Map.LastMapper = m.Name()
	log := m.log.With("mapper", m.Name(), "job", job.ID)

	job.NumProcs = 0
	for _, app := range job.Apps {
		nodes, numSlots, err := m.targetNodes(job, app)
		if err != nil {
			return Fatal, err
		}
		np := app.NumProcs
		if np == 0 {
			np = numSlots
			app.NumProcs = np
		}
		if np == 0 {
			return Fatal, fmt.Errorf("%w: app %d (%s) has no free slots", ErrNotEnoughSlots, app.Index, app.App)
		}
		log.Debug("mapping app", "app", app.Index, "policy", policy, "slots", numSlots, "procs", np, "nodes", len(nodes))

		switch {
		case policy.Mapper() == types.MapByNode:
			err = m.byNode(job, app, nodes, numSlots, np)
		case policy.Mapper() == types.MapByCPUList:
			err = m.byCPUList(job, app, nodes, np)
		case policy.IsObjectMapper():
			err = m.byObject(job, app, nodes, numSlots, np, objectType(policy))
			if errors.Is(err, errNoObjects) {
				log.Info("topology lacks requested objects, falling back to byslot", "object", objectType(policy))
				job.Map.Mapping = policy.WithMapper(types.MapBySlot)
				err = m.bySlot(job, app, nodes, numSlots, np)
			}
		default:
			err = m.bySlot(job, app, nodes, numSlots, np)
		}
		if err != nil {
			return Fatal, err
		}
		job.NumProcs += np
	}
	return Success, nil
}

// AssignLocations 實作 Mapper；byobject 在映射時已決定位置，其餘放在整台機器
func (m *RoundRobin) AssignLocations(job *types.Job) (Result, error) {
	if !isMapper(job, m.Name()) {
		return TryNext, nil
	}
	for _, nh := range job.Map.Nodes {
		n, err := m.reg.Node(nh)
		if err != nil {
			return Fatal, err
		}
		for _, p := range m.jobProcsOn(job, n) {
			if !p.Attrs.Has(types.AttrLocale) {
				p.Attrs.Set(types.AttrLocale, topology.RootLocale)
			}
		}
	}
	return Success, nil
}

// place 在節點上建立 count 個行程並做超額配置檢查
func (m *RoundRobin) place(job *types.Job, app *types.AppContext, c candidate, count int, locale func(i int) string) error {
	for i := 0; i < count; i++ {
		_, p, err := m.setupProc(job, c, app)
		if err != nil {
			return err
		}
		if locale != nil {
			p.Attrs.Set(types.AttrLocale, locale(i))
		}
	}
	return checkOversubscribed(job, c.node)
}

// bySlot 第一輪每個節點取用可用 slots；不足時第二輪以平均加餘數的方式超額配置
func (m *RoundRobin) bySlot(job *types.Job, app *types.AppContext, nodes []candidate, numSlots, numProcs int) error {
	if _, err := enoughSlots(job, app, numSlots, numProcs); err != nil {
		return err
	}

	remaining := numProcs
	for _, c := range nodes {
		if remaining == 0 {
			return nil
		}
		if c.node.Slots <= c.node.SlotsInUse {
			continue
		}
		take := min(c.node.SlotsAvailable, remaining)
		if take <= 0 {
			continue
		}
		if err := m.place(job, app, c, take, nil); err != nil {
			return err
		}
		remaining -= take
	}
	if remaining == 0 {
		return nil
	}

	// 所有 slots 都用完了，平均分攤剩下的行程
	nnodes := len(nodes)
	extra := remaining / nnodes
	nxtra := 0
	addOne := false
	if remaining%nnodes != 0 {
		nxtra = remaining - extra*nnodes
		extra++
		addOne = true
	}

	for remaining > 0 {
		progress := false
		for _, c := range nodes {
			if remaining == 0 {
				break
			}
			n := c.node
			if n.SlotsMax > 0 && n.SlotsInUse >= n.SlotsMax {
				continue
			}
			if addOne {
				if nxtra == 0 {
					extra--
					addOne = false
				} else {
					nxtra--
				}
			}
			take := extra
			if n.Slots > n.SlotsInUse {
				take = n.Slots - n.SlotsInUse + extra
			}
			if n.SlotsMax > 0 {
				take = min(take, n.SlotsMax-n.SlotsInUse)
			}
			take = min(take, remaining)
			if take <= 0 {
				continue
			}
			if err := m.place(job, app, c, take, nil); err != nil {
				return err
			}
			remaining -= take
			progress = true
		}
		if !progress {
			if extra == 0 {
				// 均分已用盡，之後每輪每個節點一個
				extra = 1
				continue
			}
			return fmt.Errorf("%w: app %d (%s): %d procs left unplaced", ErrNotEnoughSlots, app.Index, app.App, remaining)
		}
	}
	return nil
}

// byNode 每輪計算平均值與餘數，前 nxtra 個節點多放一個
func (m *RoundRobin) byNode(job *types.Job, app *types.AppContext, nodes []candidate, numSlots, numProcs int) error {
	oversubscribed, err := enoughSlots(job, app, numSlots, numProcs)
	if err != nil {
		return err
	}

	mapped := 0
	active := len(nodes)
	for mapped < numProcs && active > 0 {
		left := numProcs - mapped
		navg := left / active
		if navg == 0 {
			navg = 1
		}
		extra := 0
		nxtra := 0
		addOne := false
		if rem := left - navg*active; rem > 0 {
			extra = rem / active
			if rem%active != 0 {
				nxtra = left - (navg+extra)*active
				extra++
				addOne = true
			}
		}

		active = 0
		for _, c := range nodes {
			if mapped == numProcs {
				break
			}
			n := c.node
			if n.SlotsMax > 0 && n.SlotsMax <= n.SlotsInUse {
				continue
			}
			var take int
			if oversubscribed {
				origExtra, origAddOne, origNxtra := extra, addOne, nxtra
				if addOne {
					if nxtra == 0 {
						extra--
						addOne = false
					} else {
						nxtra--
					}
				}
				take = navg + extra
				if n.SlotsMax > 0 && n.SlotsMax < n.SlotsInUse+take {
					take = n.SlotsMax - n.SlotsInUse
					if take <= 0 {
						extra, addOne, nxtra = origExtra, origAddOne, origNxtra
						continue
					}
				}
			} else {
				if n.Slots <= n.SlotsInUse {
					continue
				}
				if addOne {
					if nxtra == 0 {
						extra--
						addOne = false
					} else {
						nxtra--
					}
				}
				take = navg + extra
				if n.SlotsAvailable < take {
					take = n.SlotsAvailable
				}
				if take == 0 {
					continue
				}
			}
			take = min(take, numProcs-mapped)
			active++
			if err := m.place(job, app, c, take, nil); err != nil {
				return err
			}
			mapped += take
		}
	}

	// 剩下的行程每個節點一個，直到放完
	for mapped < numProcs {
		progress := false
		for _, c := range nodes {
			if mapped == numProcs {
				break
			}
			n := c.node
			if n.SlotsMax > 0 && n.SlotsMax <= n.SlotsInUse {
				continue
			}
			if err := m.place(job, app, c, 1, nil); err != nil {
				return err
			}
			mapped++
			progress = true
		}
		if !progress {
			return fmt.Errorf("%w: app %d (%s): %d procs left unplaced", ErrNotEnoughSlots, app.Index, app.App, numProcs-mapped)
		}
	}
	return nil
}

// byCPUList 每個節點依序在列出的 cpu 上各放一個行程；放不完時再繞一輪（需允許超額配置）
func (m *RoundRobin) byCPUList(job *types.Job, app *types.AppContext, nodes []candidate, numProcs int) error {
	list, ok := job.Attrs.GetString(types.AttrCPUList)
	if !ok || list == "" {
		return fmt.Errorf("bycpulist mapping requires the %s attribute", types.AttrCPUList)
	}
	cpus, err := topology.ParseCPUList(list)
	if err != nil {
		return err
	}
	obj := topology.ObjCore
	if job.Attrs.GetBool(types.AttrHwtCPUs) {
		obj = topology.ObjHWThread
	}

	mapped := 0
	for pass := 0; mapped < numProcs; pass++ {
		if pass > 0 && job.Map.Mapping.HasDirective(types.MapNoOversubscribe) {
			return fmt.Errorf("%w: app %d (%s): cpu list %q holds %d procs",
				ErrNotEnoughSlots, app.Index, app.App, list, mapped)
		}
		progress := false
		for _, c := range nodes {
			if mapped == numProcs {
				break
			}
			n := c.node
			if n.SlotsMax > 0 && n.SlotsMax <= n.SlotsInUse {
				continue
			}
			take := min(len(cpus), numProcs-mapped)
			if n.SlotsMax > 0 {
				take = min(take, n.SlotsMax-n.SlotsInUse)
			}
			if take <= 0 {
				continue
			}
			err := m.place(job, app, c, take, func(i int) string { return topology.Locale(obj, cpus[i]) })
			if err != nil {
				return err
			}
			mapped += take
			progress = true
		}
		if !progress {
			return fmt.Errorf("%w: app %d (%s): %d procs left unplaced", ErrNotEnoughSlots, app.Index, app.App, numProcs-mapped)
		}
	}
	return nil
}

// byObject 非 span 模式：每個節點放滿可用 slots，節點內依物件輪流；
// span 模式：把所有節點的物件視為一個大池平均分配。
func (m *RoundRobin) byObject(job *types.Job, app *types.AppContext, nodes []candidate, numSlots, numProcs int, obj topology.ObjType) error {
	nobjs := make([]int, len(nodes))
	total := 0
	for i, c := range nodes {
		if o := m.oracle(c.node); o != nil {
			nobjs[i] = o.NumObjects(obj)
		}
		total += nobjs[i]
	}
	if total == 0 {
		return errNoObjects
	}
	if _, err := enoughSlots(job, app, numSlots, numProcs); err != nil {
		return err
	}
	if job.Map.Mapping.HasDirective(types.MapSpan) {
		return m.byObjectSpan(job, app, nodes, nobjs, total, numProcs, obj)
	}

	mapped := 0
	for second := false; mapped < numProcs; second = true {
		progress := false
		for i, c := range nodes {
			if mapped == numProcs {
				break
			}
			if nobjs[i] == 0 {
				continue
			}
			n := c.node
			start := 0
			nprocs := n.SlotsAvailable
			if nprocs < 1 {
				if !second {
					continue
				}
				if n.SlotsMax > 0 && n.SlotsMax <= n.SlotsInUse {
					continue
				}
				nprocs = 1
				start = n.NumProcs % nobjs[i]
			} else if n.SlotsMax > 0 && n.SlotsInUse+nprocs > n.SlotsMax {
				nprocs = n.SlotsMax - n.SlotsInUse
				if nprocs <= 0 {
					continue
				}
			}
			nprocs = min(nprocs, numProcs-mapped)
			k := nobjs[i]
			err := m.place(job, app, c, nprocs, func(j int) string { return topology.Locale(obj, (start+j)%k) })
			if err != nil {
				return err
			}
			mapped += nprocs
			progress = true
		}
		if !progress {
			return fmt.Errorf("%w: app %d (%s): %d procs left unplaced", ErrNotEnoughSlots, app.Index, app.App, numProcs-mapped)
		}
	}
	return nil
}

func (m *RoundRobin) byObjectSpan(job *types.Job, app *types.AppContext, nodes []candidate, nobjs []int, total, numProcs int, obj topology.ObjType) error {
	navg := numProcs / total
	if navg == 0 {
		navg = 1
	}
	nxtra := numProcs - navg*total

	mapped := 0
	for mapped < numProcs {
		progress := false
		for i, c := range nodes {
			for o := 0; o < nobjs[i] && mapped < numProcs; o++ {
				n := c.node
				if n.SlotsMax > 0 && n.SlotsMax <= n.SlotsInUse {
					break
				}
				take := navg
				if nxtra > 0 {
					take++
					nxtra--
				}
				take = min(take, numProcs-mapped)
				locale := topology.Locale(obj, o)
				if err := m.place(job, app, c, take, func(int) string { return locale }); err != nil {
					return err
				}
				mapped += take
				progress = true
			}
		}
		if !progress {
			return fmt.Errorf("%w: app %d (%s): %d procs left unplaced", ErrNotEnoughSlots, app.Index, app.App, numProcs-mapped)
		}
	}
	return nil
}

// objectType 將 mapping policy 轉為拓撲物件類型
func objectType(p types.MappingPolicy) topology.ObjType {
	switch p.Mapper() {
	case types.MapByHWThread:
		return topology.ObjHWThread
	case types.MapByCore:
		return topology.ObjCore
	case types.MapByL1Cache:
		return topology.ObjL1Cache
	case types.MapByL2Cache:
		return topology.ObjL2Cache
	case types.MapByL3Cache:
		return topology.ObjL3Cache
	case types.MapBySocket:
		return topology.ObjPackage
	case types.MapByNUMA:
		return topology.ObjNUMA
	}
	return topology.ObjMachine
}
