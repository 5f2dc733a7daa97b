package rmaps

import (
	"fmt"
	"math"

	"github.com/ChuLiYu/gridlaunch/internal/topology"
	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

// ============================================================================
// resilient mapper - 故障域感知放置
// ============================================================================
//
// 只在兩種情況接手:
//   1. 初始放置且有故障群組檔
//   2. job 帶 RESTART 旗標，重新放置 RESTART 狀態的行程
//
// 初始放置: 每個行程選「未使用、有候選節點、平均負載最低」的群組，
// 放在群組內負載最低的節點；群組用完後剩下的行程在候選節點間輪流，
// 每次選負載最低者。
//
// 重啟放置: 有群組時排除包含目前節點的群組；沒有群組時依序偏好
// 空節點、排除前一個節點、排除已有同 job 行程的節點，最後才退回原處。

// ResilientName mapper 名稱
const ResilientName = "resilient"

// Resilient 故障域感知的 mapper
type Resilient struct {
	*base
	file string

	loaded bool
	groups []*FaultGroup
}

// NewResilient 建立 resilient mapper；file 為空時只處理重啟
func NewResilient(b *base, file string) *Resilient {
	return &Resilient{base: b, file: file}
}

// Name 實作 Mapper
func (m *Resilient) Name() string { return ResilientName }

// FaultGroups 已載入的群組
func (m *Resilient) FaultGroups() []*FaultGroup { return m.groups }

// loadGroups 第一次使用時讀取群組檔，之後不再重讀
func (m *Resilient) loadGroups() error {
	if m.loaded {
		return nil
	}
	m.loaded = true
	if m.file == "" {
		return nil
	}
	groups, err := LoadFaultGroups(m.file, m.reg)
	if err != nil {
		return err
	}
	m.groups = groups
	m.log.Info("fault groups loaded", "file", m.file, "groups", len(groups))
	return nil
}

// MapJob 實作 Mapper
func (m *Resilient) MapJob(job *types.Job) (Result, error) {
	restart := job.Flags.Has(types.JobFlagRestart)
	if !restart {
		if declinedByRequest(job, m.Name()) || m.file == "" {
			return TryNext, nil
		}
	}
	job.Map.LastMapper = m.Name()
	if err := m.loadGroups(); err != nil {
		return Fatal, err
	}
	if !restart {
		if err := m.mapToGroups(job); err != nil {
			return Fatal, err
		}
		return Success, nil
	}
	if err := m.remap(job); err != nil {
		return Fatal, err
	}
	return Success, nil
}

// AssignLocations 實作 Mapper；resilient 只放到節點層級
func (m *Resilient) AssignLocations(job *types.Job) (Result, error) {
	if !isMapper(job, m.Name()) {
		return TryNext, nil
	}
	for _, nh := range job.Map.Nodes {
		n, err := m.reg.Node(nh)
		if err != nil {
			continue
		}
		for _, p := range m.jobProcsOn(job, n) {
			if !p.Attrs.Has(types.AttrLocale) {
				p.Attrs.Set(types.AttrLocale, topology.RootLocale)
			}
		}
	}
	return Success, nil
}

// usable 節點必須是 UP 且 daemon 在執行中
func (m *Resilient) usable(n *types.Node) bool {
	if n.State != types.NodeStateUp {
		return false
	}
	if m.novm {
		return true
	}
	if !n.HasDaemon() {
		return false
	}
	d, _, ok := m.reg.LookupProc(types.DaemonName(n.Daemon))
	return !ok || d.State == types.ProcStateRunning
}

// ============================================================================
// 初始放置
// ============================================================================

func (m *Resilient) mapToGroups(job *types.Job) error {
	job.NumProcs = 0
	for _, app := range job.Apps {
		if app.NumProcs == 0 {
			return fmt.Errorf("resilient mapping requires an explicit process count for app %d (%s)", app.Index, app.App)
		}
		all, _, err := m.targetNodes(job, app)
		if err != nil {
			return err
		}
		var cands []candidate
		byHandle := make(map[types.NodeHandle]candidate)
		for _, c := range all {
			if m.usable(c.node) {
				cands = append(cands, c)
				byHandle[c.h] = c
			}
		}
		if len(cands) == 0 {
			return fmt.Errorf("%w: no live daemons for app %d (%s)", ErrNoNodes, app.Index, app.App)
		}

		for _, g := range m.groups {
			g.used = false
			g.included = false
			for _, h := range g.Nodes {
				if _, ok := byHandle[h]; ok {
					g.included = true
					break
				}
			}
		}

		cursor := 0
		for j := 0; j < app.NumProcs; j++ {
			target := m.lightestGroup(func(g *FaultGroup) bool { return !g.used && g.included })

			var c candidate
			if target == nil {
				// 群組用完了，剩下的行程不再提供容錯
				c, cursor = leastLoadedFrom(cands, cursor)
			} else {
				c = m.lightestMember(target, func(h types.NodeHandle) (candidate, bool) {
					c, ok := byHandle[h]
					return c, ok
				})
			}
			m.log.Debug("placing proc", "job", job.ID, "app", app.Index, "group", groupID(target), "node", c.node.Name)

			if _, _, err := m.setupProc(job, c, app); err != nil {
				return err
			}
			if err := checkOversubscribed(job, c.node); err != nil {
				return err
			}
			if target != nil {
				target.used = true
			}
		}
		job.NumProcs += app.NumProcs
	}
	return nil
}

// lightestGroup 符合條件且平均負載最低的群組；平手時取先出現者
func (m *Resilient) lightestGroup(ok func(*FaultGroup) bool) *FaultGroup {
	var (
		target  *FaultGroup
		minLoad = math.MaxFloat64
	)
	for _, g := range m.groups {
		if !ok(g) {
			continue
		}
		load := g.avgLoad(m.reg)
		if load < 0 {
			continue
		}
		if load < minLoad {
			minLoad = load
			target = g
		}
	}
	return target
}

// lightestMember 群組中負載最低的可用節點
func (m *Resilient) lightestMember(g *FaultGroup, resolve func(types.NodeHandle) (candidate, bool)) candidate {
	var (
		best  candidate
		found bool
	)
	for _, h := range g.Nodes {
		c, ok := resolve(h)
		if !ok {
			continue
		}
		if !found || c.node.NumProcs < best.node.NumProcs {
			best = c
			found = true
		}
	}
	return best
}

// leastLoadedFrom 由 cursor 開始找負載最低的節點，回傳節點與下一個 cursor
func leastLoadedFrom(cands []candidate, cursor int) (candidate, int) {
	n := len(cands)
	best := cursor % n
	for k := 1; k < n; k++ {
		i := (cursor + k) % n
		if cands[i].node.NumProcs < cands[best].node.NumProcs {
			best = i
		}
	}
	return cands[best], (best + 1) % n
}

func groupID(g *FaultGroup) int {
	if g == nil {
		return -1
	}
	return g.ID
}

// ============================================================================
// 重啟放置
// ============================================================================

func (m *Resilient) remap(job *types.Job) error {
	for _, ph := range job.Procs {
		p, err := m.reg.Proc(ph)
		if err != nil || p.State != types.ProcStateRestart {
			continue
		}
		if p.AppIdx < 0 || p.AppIdx >= len(job.Apps) {
			return fmt.Errorf("proc %s refers to unknown app %d", p.Name, p.AppIdx)
		}
		app := job.Apps[p.AppIdx]
		current := p.Node

		var dest candidate
		switch {
		case !current.Valid():
			// 新加入的行程：放在行程最少的節點
			cands, _, err := m.targetNodes(job, app)
			if err != nil {
				p.State = types.ProcStateMigrating
				return err
			}
			dest = cands[0]
			for _, c := range cands[1:] {
				if c.node.NumProcs < dest.node.NumProcs {
					dest = c
				}
			}
		default:
			var ok bool
			if len(m.groups) > 0 {
				dest, ok = m.groupTarget(current)
			}
			if !ok {
				dest, err = m.newNode(job, app, p, current)
				if err != nil {
					return err
				}
			}
		}

		if err := m.relocate(job, ph, p, current, dest); err != nil {
			return err
		}
		m.log.Info("proc re-placed", "proc", p.Name, "node", dest.node.Name)
	}
	return nil
}

// groupTarget 排除包含 current 的群組後，取平均負載最低群組中負載最低的節點
func (m *Resilient) groupTarget(current types.NodeHandle) (candidate, bool) {
	target := m.lightestGroup(func(g *FaultGroup) bool { return !g.contains(current) })
	if target == nil {
		return candidate{}, false
	}
	c := m.lightestMember(target, func(h types.NodeHandle) (candidate, bool) {
		n, err := m.reg.Node(h)
		if err != nil || !m.usable(n) {
			return candidate{}, false
		}
		return candidate{h: h, node: n}, true
	})
	return c, c.node != nil
}

// newNode 沒有故障群組時的候選搜尋：
// 空節點優先；不回到前一個節點；避開已有同 job 行程的節點；都不行時退回原處。
func (m *Resilient) newNode(job *types.Job, app *types.AppContext, p *types.Proc, current types.NodeHandle) (candidate, error) {
	cands, _, err := m.targetNodes(job, app)
	if err != nil {
		return candidate{}, err
	}
	if len(cands) == 1 {
		return cands[0], nil
	}

	prior, hasPrior := p.Attrs.GetNode(types.AttrPriorNode)
	var empty, busy []candidate
	for _, c := range cands {
		if c.h == current || (hasPrior && c.h == prior) {
			continue
		}
		if c.node.NumProcs == 0 {
			empty = append(empty, c)
		} else {
			busy = append(busy, c)
		}
	}
	if len(empty) > 0 {
		return empty[0], nil
	}
	for _, c := range busy {
		if m.hostsPeer(job, c.node) {
			continue
		}
		return c, nil
	}

	if hasPrior {
		if n, err := m.reg.Node(prior); err == nil {
			return candidate{h: prior, node: n}, nil
		}
	}
	n, err := m.reg.Node(current)
	if err != nil {
		return candidate{}, fmt.Errorf("%w: no node for %s", ErrNoNodes, p.Name)
	}
	return candidate{h: current, node: n}, nil
}

func (m *Resilient) hostsPeer(job *types.Job, n *types.Node) bool {
	return len(m.jobProcsOn(job, n)) > 0
}

// relocate 將行程附加到新節點並重設為 INIT
func (m *Resilient) relocate(job *types.Job, ph types.ProcHandle, p *types.Proc, current types.NodeHandle, dest candidate) error {
	if current.Valid() && current != dest.h {
		p.Attrs.Set(types.AttrPriorNode, current)
	}
	p.Attrs.Delete(types.AttrLocale)
	p.LocalRank = -1
	p.NodeRank = -1

	if err := m.reg.AttachProc(ph, dest.h); err != nil {
		return fmt.Errorf("attach %s to %s: %w", p.Name, dest.node.Name, err)
	}
	if err := m.addToMap(job, dest); err != nil {
		return err
	}

	p.State = types.ProcStateInit
	p.Parent = dest.node.Daemon
	p.Pid = 0
	p.Flags.Unset(types.ProcFlagAlive | types.ProcFlagAborted | types.ProcFlagRecorded |
		types.ProcFlagTerminated | types.ProcFlagWaitpid | types.ProcFlagIOFComplete)
	p.Flags.Set(types.ProcFlagUpdated)

	m.updateLocalRanks(job, dest.h)
	return nil
}
