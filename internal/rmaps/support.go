package rmaps

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/ChuLiYu/gridlaunch/internal/registry"
	"github.com/ChuLiYu/gridlaunch/internal/topology"
	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

// ============================================================================
// 共用支援函式
// ============================================================================
//
// 所有 mapper 共用同一個 base：候選節點清單、建立 proc、超額配置檢查、
// local/node rank 更新。這些都只在 reactor 上執行。

// candidate 一個可用節點
type candidate struct {
	h    types.NodeHandle
	node *types.Node
}

type base struct {
	reg  *registry.Registry
	topo *topology.Registry
	novm bool
	log  *slog.Logger
}

// oracle 節點的拓撲；沒有設定或找不到時回傳 nil
func (b *base) oracle(n *types.Node) topology.Oracle {
	if b.topo == nil || n.Topology == "" {
		return nil
	}
	o, err := b.topo.Get(n.Topology)
	if err != nil {
		b.log.Warn("node topology not registered", "node", n.Name, "topology", n.Topology)
		return nil
	}
	return o
}

// pesPerProc 每個行程佔用的 cpu 數，至少為 1
func pesPerProc(job *types.Job) int {
	if v, ok := job.Attrs.GetInt(types.AttrPesPerProc); ok && v > 1 {
		return v
	}
	return 1
}

// targetNodes 回傳 app 可用的節點與可用 slot 總數。
//
// 過濾規則:
//   - DOWN / NOT_INCLUDED 不使用；DO_NOT_USE 本次略過並重設為 UP
//   - 沒有 daemon 的節點略過（novm 除外）
//   - 已達 slots_max 的節點略過
//   - 禁止超額配置時略過已滿的節點
//   - MapNoUseLocal 時略過 root 所在節點
//
// app.Hosts 非空時只考慮列出的主機，並保持使用者給的順序。
func (b *base) targetNodes(job *types.Job, app *types.AppContext) ([]candidate, int, error) {
	var handles []types.NodeHandle
	if len(app.Hosts) > 0 {
		seen := make(map[types.NodeHandle]bool)
		for _, host := range app.Hosts {
			h, _, ok := b.reg.NodeByName(host)
			if !ok {
				return nil, 0, fmt.Errorf("%w: host %q is not in the allocation", ErrNoNodes, host)
			}
			if !seen[h] {
				seen[h] = true
				handles = append(handles, h)
			}
		}
	} else {
		handles = b.reg.PoolNodes()
	}

	policy := job.Map.Mapping
	pes := pesPerProc(job)
	var (
		out      []candidate
		numSlots int
	)
	for _, h := range handles {
		n, err := b.reg.Node(h)
		if err != nil {
			continue
		}
		switch n.State {
		case types.NodeStateDown, types.NodeStateNotIncluded:
			continue
		case types.NodeStateDoNotUse:
			n.State = types.NodeStateUp
			continue
		}
		if !b.novm && !n.HasDaemon() {
			continue
		}
		if policy.HasDirective(types.MapNoUseLocal) && n.Flags.Has(types.NodeFlagLocal) {
			continue
		}
		if n.SlotsMax > 0 && n.SlotsInUse >= n.SlotsMax {
			continue
		}
		if policy.HasDirective(types.MapNoOversubscribe) && n.Slots <= n.SlotsInUse {
			continue
		}

		n.SlotsAvailable = 0
		if free := n.Slots - n.SlotsInUse; free > 0 {
			n.SlotsAvailable = free / pes
		}
		numSlots += n.SlotsAvailable
		out = append(out, candidate{h: h, node: n})
	}

	if len(out) == 0 {
		return nil, 0, fmt.Errorf("%w: app %d (%s)", ErrNoNodes, app.Index, app.App)
	}
	return out, numSlots, nil
}

// setupProc 在節點上建立一個尚未排名的行程
func (b *base) setupProc(job *types.Job, c candidate, app *types.AppContext) (types.ProcHandle, *types.Proc, error) {
	p := &types.Proc{
		Name:      types.ProcName{Job: job.ID, Rank: types.RankInvalid},
		State:     types.ProcStateInit,
		AppIdx:    app.Index,
		Parent:    c.node.Daemon,
		LocalRank: -1,
		NodeRank:  -1,
	}
	p.Flags.Set(types.ProcFlagUpdated)

	ph := b.reg.NewProc(p)
	if err := b.reg.AttachProc(ph, c.h); err != nil {
		_ = b.reg.ReleaseProc(ph)
		return types.NoProc, nil, fmt.Errorf("attach proc to %s: %w", c.node.Name, err)
	}
	if err := b.addToMap(job, c); err != nil {
		return types.NoProc, nil, err
	}
	if c.node.SlotsAvailable > 0 {
		c.node.SlotsAvailable--
	}
	app.Procs = append(app.Procs, ph)
	return ph, p, nil
}

// addToMap 節點第一次被使用時放入 JobMap
func (b *base) addToMap(job *types.Job, c candidate) error {
	if c.node.Flags.Has(types.NodeFlagMapped) && job.Map.HasNode(c.h) {
		return nil
	}
	c.node.Flags.Set(types.NodeFlagMapped)
	if err := b.reg.AddNodeToMap(job, c.h); err != nil {
		return fmt.Errorf("add %s to map: %w", c.node.Name, err)
	}
	return nil
}

// checkOversubscribed 節點行程數超過 slots 時標記超額配置。
// slots 由使用者明確給定時，必須有 SubscribeGiven 且沒有 NoOversubscribe 才允許。
func checkOversubscribed(job *types.Job, n *types.Node) error {
	if n.Slots >= n.NumProcs && (n.SlotsMax == 0 || n.SlotsMax >= n.NumProcs) {
		return nil
	}
	policy := job.Map.Mapping
	if policy.HasDirective(types.MapNoOversubscribe) {
		return fmt.Errorf("%w: node %s has %d procs for %d slots", ErrOversubscribed, n.Name, n.NumProcs, n.Slots)
	}
	if n.Flags.Has(types.NodeFlagSlotsGiven) && !policy.HasDirective(types.MapSubscribeGiven) {
		return fmt.Errorf("%w: node %s has %d procs for %d given slots", ErrOversubscribed, n.Name, n.NumProcs, n.Slots)
	}
	n.Flags.Set(types.NodeFlagOversubscribed)
	job.Flags.Set(types.JobFlagOversubscribed)
	return nil
}

// enoughSlots 可用 slots 不足且禁止超額配置時回傳錯誤；否則回報是否需要超額配置
func enoughSlots(job *types.Job, app *types.AppContext, numSlots, numProcs int) (oversubscribed bool, err error) {
	if numSlots >= numProcs {
		return false, nil
	}
	if job.Map.Mapping.HasDirective(types.MapNoOversubscribe) {
		return true, fmt.Errorf("%w: app %d (%s) needs %d, %d available",
			ErrNotEnoughSlots, app.Index, app.App, numProcs, numSlots)
	}
	return true, nil
}

// jobProcsOn 節點上屬於 job 的行程（依節點名冊順序）
func (b *base) jobProcsOn(job *types.Job, n *types.Node) []*types.Proc {
	var out []*types.Proc
	for _, ph := range n.Procs {
		p, err := b.reg.Proc(ph)
		if err != nil || p.Name.Job != job.ID {
			continue
		}
		out = append(out, p)
	}
	return out
}

// updateLocalRanks 為尚未取得 local/node rank 的行程補上編號；
// 既有編號不變，重啟的行程因此拿到目的節點上的下一個編號。
func (b *base) updateLocalRanks(job *types.Job, nh types.NodeHandle) {
	n, err := b.reg.Node(nh)
	if err != nil {
		return
	}

	maxNodeRank := -1
	var all []*types.Proc
	for _, ph := range n.Procs {
		p, err := b.reg.Proc(ph)
		if err != nil {
			continue
		}
		all = append(all, p)
		if p.NodeRank > maxNodeRank {
			maxNodeRank = p.NodeRank
		}
	}

	mine := b.jobProcsOn(job, n)
	sort.SliceStable(mine, func(i, j int) bool { return mine[i].Name.Rank < mine[j].Name.Rank })
	maxLocal := -1
	for _, p := range mine {
		if p.LocalRank > maxLocal {
			maxLocal = p.LocalRank
		}
	}
	for _, p := range mine {
		if p.LocalRank < 0 {
			maxLocal++
			p.LocalRank = maxLocal
		}
	}
	for _, p := range all {
		if p.NodeRank < 0 {
			maxNodeRank++
			p.NodeRank = maxNodeRank
		}
	}
}

// spread 將 n 平均分給 k 個對象；餘數依序給前面的對象
func spread(n, k int) []int {
	if k <= 0 {
		return nil
	}
	out := make([]int, k)
	avg, extra := n/k, n%k
	for i := range out {
		out[i] = avg
		if i < extra {
			out[i]++
		}
	}
	return out
}
