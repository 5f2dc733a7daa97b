// ============================================================================
// gridlaunch Registry - 行程範圍的實體登錄表
// ============================================================================
//
// Package: internal/registry
// 文件: registry.go
// 功能: 保存 job 表、節點池、proc arena 與本地子行程清單
//
// 設計:
//   以 arena 方式儲存：registry 擁有所有 Job/Node/Proc，
//   實體之間以 id 或 (index, generation) handle 互相參照。
//   槽位被回收時世代遞增，舊 handle 解析時回傳 ErrStaleHandle，
//   不會指到被重用的槽位。
//
// 節點參考計數:
//   - 節點池本身持有 1
//   - 每個使用該節點的 JobMap 持有 1
//   - 每個常駐的 proc 持有 1
//   最後一個參考釋放時槽位才會回收。
//
// 並發:
//   所有變更都在 reactor goroutine 上發生；RWMutex 只保護底層陣列
//   與 map 的成長，讓其他 goroutine 可以安全地解析 handle。
//
// ============================================================================

package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// job id 重複
	ErrDuplicateJob = errors.New("job already exists")
	// job 不存在
	ErrJobNotFound = errors.New("job not found")
	// 節點名稱重複
	ErrDuplicateNode = errors.New("node already in pool")
	// 節點不存在
	ErrNodeNotFound = errors.New("node not found")
	// handle 指向的槽位已被回收
	ErrStaleHandle = errors.New("stale handle")
)

type nodeSlot struct {
	node   *types.Node
	gen    uint32
	refs   int
	inPool bool
}

type procSlot struct {
	proc *types.Proc
	gen  uint32
}

// Registry 行程範圍的實體登錄表
type Registry struct {
	mu sync.RWMutex

	self    types.ProcName
	jobs    map[types.JobID]*types.Job
	nextJob types.JobID

	nodes     []nodeSlot
	freeNodes []int

	procs     []procSlot
	freeProcs []int

	localChildren []types.ProcHandle

	runtime *RuntimeFlags
}

// New 建立一個空的 registry；self 為本行程的名稱
func New(self types.ProcName) *Registry {
	return &Registry{
		self:    self,
		jobs:    make(map[types.JobID]*types.Job),
		nextJob: 1,
		runtime: NewRuntimeFlags(),
	}
}

// Self 本行程名稱
func (r *Registry) Self() types.ProcName { return r.self }

// Runtime 全域執行旗標
func (r *Registry) Runtime() *RuntimeFlags { return r.runtime }

// ============================================================================
// Jobs
// ============================================================================

// CreateJob 配置新的 job id 並登錄一個空 job
func (r *Registry) CreateJob() *types.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		id := r.nextJob
		r.nextJob++
		if _, exists := r.jobs[id]; exists || id == types.DaemonJob {
			continue
		}
		job := types.NewJob(id)
		r.jobs[id] = job
		return job
	}
}

// AddJob 登錄一個已建立的 job（daemon 端收到 launch 訊息時使用）
func (r *Registry) AddJob(job *types.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	r.jobs[job.ID] = job
	if job.ID >= r.nextJob && job.ID < types.JobIDWildcard {
		r.nextJob = job.ID + 1
	}
	return nil
}

// Job 依 id 查詢；不存在時回傳 nil, false
func (r *Registry) Job(id types.JobID) (*types.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	return job, ok
}

// Jobs 依 id 排序的所有 job
func (r *Registry) Jobs() []*types.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// RemoveJob 釋放 job：所有 proc 自節點名冊移除並回收，
// JobMap 持有的節點參考一併釋放。
func (r *Registry) RemoveJob(id types.JobID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	seen := make(map[types.ProcHandle]bool)
	release := func(h types.ProcHandle) {
		if !h.Valid() || seen[h] {
			return
		}
		seen[h] = true
		r.releaseProcLocked(h)
	}
	for _, h := range job.Procs {
		release(h)
	}
	// 尚未分配 rank 的 proc 只掛在 app 上
	for _, app := range job.Apps {
		for _, h := range app.Procs {
			release(h)
		}
		app.Procs = nil
	}
	job.Procs = nil

	if job.Map != nil {
		for _, nh := range job.Map.Nodes {
			r.releaseNodeLocked(nh)
		}
		job.Map.Nodes = nil
	}

	r.localChildren = filterHandles(r.localChildren, func(h types.ProcHandle) bool {
		return !seen[h]
	})
	delete(r.jobs, id)
	return nil
}

// ============================================================================
// Procs
// ============================================================================

// NewProc 將 p 放入 arena 並回傳 handle；p 尚未附加到任何節點
func (r *Registry) NewProc(p *types.Proc) types.ProcHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.Node == (types.NodeHandle{}) {
		p.Node = types.NoNode
	}
	if n := len(r.freeProcs); n > 0 {
		idx := r.freeProcs[n-1]
		r.freeProcs = r.freeProcs[:n-1]
		slot := &r.procs[idx]
		slot.proc = p
		return types.ProcHandle{Index: idx, Gen: slot.gen}
	}
	r.procs = append(r.procs, procSlot{proc: p, gen: 1})
	return types.ProcHandle{Index: len(r.procs) - 1, Gen: 1}
}

// Proc 解析 handle
func (r *Registry) Proc(h types.ProcHandle) (*types.Proc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.procLocked(h)
}

func (r *Registry) procLocked(h types.ProcHandle) (*types.Proc, error) {
	if h.Index < 0 || h.Index >= len(r.procs) {
		return nil, ErrStaleHandle
	}
	slot := r.procs[h.Index]
	if slot.proc == nil || slot.gen != h.Gen {
		return nil, ErrStaleHandle
	}
	return slot.proc, nil
}

// LookupProc 依名稱查找 proc（經由 job 的 rank 陣列）
func (r *Registry) LookupProc(name types.ProcName) (*types.Proc, types.ProcHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[name.Job]
	if !ok {
		return nil, types.NoProc, false
	}
	h, ok := job.ProcAt(name.Rank)
	if !ok {
		return nil, types.NoProc, false
	}
	p, err := r.procLocked(h)
	if err != nil {
		return nil, types.NoProc, false
	}
	return p, h, true
}

// ReleaseProc 將 proc 自節點移除並回收槽位
func (r *Registry) ReleaseProc(h types.ProcHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.procLocked(h); err != nil {
		return err
	}
	r.releaseProcLocked(h)
	r.localChildren = filterHandles(r.localChildren, func(c types.ProcHandle) bool { return c != h })
	return nil
}

func (r *Registry) releaseProcLocked(h types.ProcHandle) {
	p, err := r.procLocked(h)
	if err != nil {
		return
	}
	r.detachLocked(h, p)
	slot := &r.procs[h.Index]
	slot.proc = nil
	slot.gen++
	r.freeProcs = append(r.freeProcs, h.Index)
}

// AttachProc 將 proc 放到節點上：加入名冊、NumProcs 與 SlotsInUse 遞增、
// 節點參考加一。proc 已在其他節點時先 detach。
func (r *Registry) AttachProc(ph types.ProcHandle, nh types.NodeHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.procLocked(ph)
	if err != nil {
		return err
	}
	node, err := r.nodeLocked(nh)
	if err != nil {
		return err
	}
	if p.Node == nh {
		return nil
	}
	r.detachLocked(ph, p)

	node.Procs = append(node.Procs, ph)
	node.NumProcs++
	node.SlotsInUse++
	r.nodes[nh.Index].refs++
	p.Node = nh
	return nil
}

// DetachProc 將 proc 自目前節點的名冊移除
func (r *Registry) DetachProc(ph types.ProcHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.procLocked(ph)
	if err != nil {
		return err
	}
	r.detachLocked(ph, p)
	return nil
}

func (r *Registry) detachLocked(ph types.ProcHandle, p *types.Proc) {
	if !p.Node.Valid() {
		return
	}
	nh := p.Node
	p.Node = types.NoNode
	node, err := r.nodeLocked(nh)
	if err != nil {
		return
	}
	before := len(node.Procs)
	node.Procs = filterHandles(node.Procs, func(h types.ProcHandle) bool { return h != ph })
	if len(node.Procs) == before {
		return
	}
	node.NumProcs--
	if node.SlotsInUse > 0 {
		node.SlotsInUse--
	}
	r.releaseNodeLocked(nh)
}

// ============================================================================
// Nodes
// ============================================================================

// AddNode 將節點加入節點池；池本身持有一個參考
func (r *Registry) AddNode(n *types.Node) (types.NodeHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, slot := range r.nodes {
		if slot.node != nil && slot.inPool && slot.node.Name == n.Name {
			return types.NoNode, fmt.Errorf("%w: %s", ErrDuplicateNode, n.Name)
		}
	}
	if n.State == types.NodeStateUndef {
		n.State = types.NodeStateUp
	}

	if k := len(r.freeNodes); k > 0 {
		idx := r.freeNodes[k-1]
		r.freeNodes = r.freeNodes[:k-1]
		slot := &r.nodes[idx]
		slot.node = n
		slot.refs = 1
		slot.inPool = true
		return types.NodeHandle{Index: idx, Gen: slot.gen}, nil
	}
	r.nodes = append(r.nodes, nodeSlot{node: n, gen: 1, refs: 1, inPool: true})
	return types.NodeHandle{Index: len(r.nodes) - 1, Gen: 1}, nil
}

// Node 解析節點 handle
func (r *Registry) Node(h types.NodeHandle) (*types.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodeLocked(h)
}

func (r *Registry) nodeLocked(h types.NodeHandle) (*types.Node, error) {
	if h.Index < 0 || h.Index >= len(r.nodes) {
		return nil, ErrStaleHandle
	}
	slot := r.nodes[h.Index]
	if slot.node == nil || slot.gen != h.Gen {
		return nil, ErrStaleHandle
	}
	return slot.node, nil
}

// NodeByName 依名稱或別名在節點池中查找
func (r *Registry) NodeByName(name string) (types.NodeHandle, *types.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i, slot := range r.nodes {
		if slot.node != nil && slot.inPool && slot.node.Matches(name) {
			return types.NodeHandle{Index: i, Gen: slot.gen}, slot.node, true
		}
	}
	return types.NoNode, nil, false
}

// PoolNodes 節點池內所有節點，依槽位順序
func (r *Registry) PoolNodes() []types.NodeHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.NodeHandle, 0, len(r.nodes))
	for i, slot := range r.nodes {
		if slot.node != nil && slot.inPool {
			out = append(out, types.NodeHandle{Index: i, Gen: slot.gen})
		}
	}
	return out
}

// RetainNode 增加一個參考（JobMap 使用節點時呼叫）
func (r *Registry) RetainNode(h types.NodeHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.nodeLocked(h); err != nil {
		return err
	}
	r.nodes[h.Index].refs++
	return nil
}

// ReleaseNode 釋放一個參考；最後一個參考釋放時回收槽位
func (r *Registry) ReleaseNode(h types.NodeHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.nodeLocked(h); err != nil {
		return err
	}
	r.releaseNodeLocked(h)
	return nil
}

func (r *Registry) releaseNodeLocked(h types.NodeHandle) {
	if _, err := r.nodeLocked(h); err != nil {
		return
	}
	slot := &r.nodes[h.Index]
	slot.refs--
	if slot.refs > 0 {
		return
	}
	slot.node = nil
	slot.refs = 0
	slot.inPool = false
	slot.gen++
	r.freeNodes = append(r.freeNodes, h.Index)
}

// RemoveFromPool 節點離開節點池；仍被 JobMap 或 proc 參考時，
// 物件保留到最後一個參考釋放為止。
func (r *Registry) RemoveFromPool(h types.NodeHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.nodeLocked(h); err != nil {
		return err
	}
	slot := &r.nodes[h.Index]
	if !slot.inPool {
		return nil
	}
	slot.inPool = false
	r.releaseNodeLocked(h)
	return nil
}

// NodeRefs 目前的參考數（槽位失效時為 0）
func (r *Registry) NodeRefs(h types.NodeHandle) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, err := r.nodeLocked(h); err != nil {
		return 0
	}
	return r.nodes[h.Index].refs
}

// AddNodeToMap 節點第一次被 job 使用時加入 JobMap 並持有參考
func (r *Registry) AddNodeToMap(job *types.Job, h types.NodeHandle) error {
	if job.Map == nil {
		job.Map = &types.JobMap{DaemonVpidStart: types.RankInvalid}
	}
	if job.Map.HasNode(h) {
		return nil
	}
	if err := r.RetainNode(h); err != nil {
		return err
	}
	job.Map.Nodes = append(job.Map.Nodes, h)
	return nil
}

// ============================================================================
// Local children
// ============================================================================

// AddLocalChild 將 proc 加入本地子行程清單
func (r *Registry) AddLocalChild(h types.ProcHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.localChildren {
		if c == h {
			return
		}
	}
	r.localChildren = append(r.localChildren, h)
}

// LocalChildren 本地子行程清單的副本，依加入順序
func (r *Registry) LocalChildren() []types.ProcHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]types.ProcHandle(nil), r.localChildren...)
}

// LocalChildrenOf 屬於 job 的本地子行程
func (r *Registry) LocalChildrenOf(job types.JobID) []*types.Proc {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.Proc
	for _, h := range r.localChildren {
		p, err := r.procLocked(h)
		if err != nil {
			continue
		}
		if job == types.JobIDWildcard || p.Name.Job == job {
			out = append(out, p)
		}
	}
	return out
}

// RemoveLocalChildren 將 job 的行程自本地子行程清單移除
func (r *Registry) RemoveLocalChildren(job types.JobID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localChildren = filterHandles(r.localChildren, func(h types.ProcHandle) bool {
		p, err := r.procLocked(h)
		return err == nil && p.Name.Job != job
	})
}

// AnyLocalChildAlive reports whether a local child of job (or of any job for
// the wildcard) still carries the ALIVE flag.
func (r *Registry) AnyLocalChildAlive(job types.JobID) bool {
	for _, p := range r.LocalChildrenOf(job) {
		if p.Flags.Has(types.ProcFlagAlive) {
			return true
		}
	}
	return false
}

// ============================================================================
// Snapshot
// ============================================================================

// Snapshot 產生 status 命令使用的唯讀檢視。必須在 reactor 上呼叫。
func (r *Registry) Snapshot(role string, now time.Time) *types.SnapshotData {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data := &types.SnapshotData{
		SchemaVer:  types.SnapshotSchemaVersion,
		TakenAt:    now.UnixMilli(),
		Role:       role,
		ExitStatus: r.runtime.ExitStatus(),
	}

	ids := make([]types.JobID, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, k int) bool { return ids[i] < ids[k] })

	for _, id := range ids {
		job := r.jobs[id]
		js := types.JobSummary{
			ID:            job.ID,
			State:         job.State,
			NumProcs:      job.NumProcs,
			NumTerminated: job.NumTerminated,
			ExitCode:      job.ExitCode,
		}
		if job.Map != nil {
			js.Mapper = job.Map.LastMapper
		}
		for _, h := range job.Procs {
			p, err := r.procLocked(h)
			if err != nil {
				continue
			}
			ps := types.ProcSummary{
				Rank:     p.Name.Rank,
				Pid:      p.Pid,
				State:    p.State,
				ExitCode: p.ExitCode,
			}
			if node, err := r.nodeLocked(p.Node); err == nil {
				ps.Node = node.Name
			}
			ps.Locale, _ = p.Attrs.GetString(types.AttrLocale)
			js.Procs = append(js.Procs, ps)
		}
		data.Jobs = append(data.Jobs, js)
	}

	for _, slot := range r.nodes {
		if slot.node == nil {
			continue
		}
		n := slot.node
		data.Nodes = append(data.Nodes, types.NodeSummary{
			Name:       n.Name,
			State:      n.State,
			Slots:      n.Slots,
			SlotsMax:   n.SlotsMax,
			SlotsInUse: n.SlotsInUse,
			NumProcs:   n.NumProcs,
			Daemon:     n.Daemon,
			Refs:       slot.refs,
		})
	}
	return data
}

func filterHandles(in []types.ProcHandle, keep func(types.ProcHandle) bool) []types.ProcHandle {
	out := in[:0]
	for _, h := range in {
		if keep(h) {
			out = append(out, h)
		}
	}
	return out
}
