// ============================================================================
// gridlaunch State Machine Engine
// ============================================================================
//
// Package: internal/state
// 文件: engine.go
// 功能: 將「發生了什麼」與「該做什麼」解耦，並為同時就緒的反應提供全序
//
// 模型:
//   - 每個角色（master / daemon）各自建立一個 Engine，內含 job 與 proc
//     兩張依狀態值排序的表，表項為 (state, priority, handler)
//   - Activate 只負責查表並排入一個帶優先級的單次事件；
//     真正的處理在 reactor goroutine 上依序執行
//   - 優先級: Error > Msg > Sys > Info；同一優先級內依 activate 順序 (FIFO)
//   - handler 不可被搶佔，可以再次 Activate 任意次數
//
// 查表規則:
//   1. 精確匹配 state
//   2. state 高於 ERROR 時退回 ERROR 表項
//   3. ANY 萬用表項
//   4. 都沒有時記錄錯誤並丟棄
//
//   事件在 activate 當下就綁定 handler，之後重新註冊不影響已排隊的事件。
//
// ============================================================================

package state

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

// Priority 事件優先級
type Priority int

const (
	PriorityInfo Priority = iota
	PrioritySys
	PriorityMsg
	PriorityError
)

func (p Priority) String() string {
	switch p {
	case PriorityInfo:
		return "info"
	case PrioritySys:
		return "sys"
	case PriorityMsg:
		return "msg"
	case PriorityError:
		return "error"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Role 執行角色；每個角色使用獨立的狀態表
type Role int

const (
	RoleMaster Role = iota
	RoleDaemon
)

func (r Role) String() string {
	if r == RoleDaemon {
		return "daemon"
	}
	return "master"
}

// JobEvent job 狀態事件
type JobEvent struct {
	Job   types.JobID
	State types.JobState
}

// ProcEvent proc 狀態事件
type ProcEvent struct {
	Proc  types.ProcName
	State types.ProcState
}

// JobHandler 處理 job 狀態事件
type JobHandler func(ev JobEvent)

// ProcHandler 處理 proc 狀態事件
type ProcHandler func(ev ProcEvent)

// Observer 接收 engine 的觀測資料（metrics 實作）
type Observer interface {
	ObserveActivation(kind, state string)
	ObserveDropped(kind, state string)
	ObserveDispatch(priority string, wait, run time.Duration)
	ObserveQueueDepth(depth int)
}

type nopObserver struct{}

func (nopObserver) ObserveActivation(string, string)                     {}
func (nopObserver) ObserveDropped(string, string)                        {}
func (nopObserver) ObserveDispatch(string, time.Duration, time.Duration) {}
func (nopObserver) ObserveQueueDepth(int)                                {}

// Tracer 在 handler 執行前收到每個被分派的狀態事件（journal 實作）
type Tracer interface {
	TraceJob(ev JobEvent)
	TraceProc(ev ProcEvent)
}

// Option 設定 Engine 的選項
type Option func(*Engine)

// WithLogger 指定 logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithObserver 指定觀測者
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.obs = o
		}
	}
}

// WithTracer 指定事件追蹤者；nil 表示不追蹤
func WithTracer(t Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// Engine 狀態機與單執行緒 reactor
type Engine struct {
	role Role

	tmu   sync.RWMutex
	jobs  *table[types.JobState, JobHandler]
	procs *table[types.ProcState, ProcHandler]

	qmu   sync.Mutex
	queue eventQueue
	seq   uint64

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once

	log    *slog.Logger
	obs    Observer
	tracer Tracer
}

// NewEngine 建立指定角色的 engine，表格初始為空
func NewEngine(role Role, opts ...Option) *Engine {
	e := &Engine{
		role:   role,
		jobs:   newTable[types.JobState, JobHandler](),
		procs:  newTable[types.ProcState, ProcHandler](),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		log:    slog.Default().With("component", "state", "role", role.String()),
		obs:    nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Role 目前角色
func (e *Engine) Role() Role { return e.role }

// ============================================================================
// 註冊
// ============================================================================

// RegisterJobState 新增或取代 state 的表項。後註冊者勝出；
// 元件初始化順序因此是硬性相依。
func (e *Engine) RegisterJobState(state types.JobState, pri Priority, h JobHandler) {
	e.tmu.Lock()
	prev, replaced := e.jobs.set(state, pri, h)
	e.tmu.Unlock()
	if replaced {
		e.log.Debug("job state handler replaced", "state", state, "old_priority", prev.priority, "priority", pri)
	}
}

// RegisterProcState 新增或取代 proc state 的表項
func (e *Engine) RegisterProcState(state types.ProcState, pri Priority, h ProcHandler) {
	e.tmu.Lock()
	prev, replaced := e.procs.set(state, pri, h)
	e.tmu.Unlock()
	if replaced {
		e.log.Debug("proc state handler replaced", "state", state, "old_priority", prev.priority, "priority", pri)
	}
}

// RemoveJobState 移除表項
func (e *Engine) RemoveJobState(state types.JobState) bool {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	return e.jobs.remove(state)
}

// RemoveProcState 移除表項
func (e *Engine) RemoveProcState(state types.ProcState) bool {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	return e.procs.remove(state)
}

// JobStates 已註冊的 job 狀態（遞增）
func (e *Engine) JobStates() []types.JobState {
	e.tmu.RLock()
	defer e.tmu.RUnlock()
	return e.jobs.states()
}

// ProcStates 已註冊的 proc 狀態（遞增）
func (e *Engine) ProcStates() []types.ProcState {
	e.tmu.RLock()
	defer e.tmu.RUnlock()
	return e.procs.states()
}

// ============================================================================
// Activation
// ============================================================================

// ActivateJob 排入 job 狀態事件；找不到處理函式時記錄並丟棄
func (e *Engine) ActivateJob(job types.JobID, state types.JobState) {
	e.tmu.RLock()
	ent, ok := e.jobs.get(state)
	if !ok && state > types.JobStateError && state != types.JobStateAny {
		ent, ok = e.jobs.get(types.JobStateError)
	}
	if !ok {
		ent, ok = e.jobs.get(types.JobStateAny)
	}
	e.tmu.RUnlock()

	if !ok {
		e.log.Error("no handler for job state, event dropped", "job", job, "state", state)
		e.obs.ObserveDropped("job", state.String())
		return
	}
	e.obs.ObserveActivation("job", state.String())

	h := ent.handler
	ev := JobEvent{Job: job, State: state}
	e.enqueue(ent.priority, "job "+state.String(), func() {
		if e.tracer != nil {
			e.tracer.TraceJob(ev)
		}
		h(ev)
	})
}

// ActivateProc 排入 proc 狀態事件；找不到處理函式時記錄並丟棄
func (e *Engine) ActivateProc(name types.ProcName, state types.ProcState) {
	e.tmu.RLock()
	ent, ok := e.procs.get(state)
	if !ok && state > types.ProcStateError && state != types.ProcStateAny {
		ent, ok = e.procs.get(types.ProcStateError)
	}
	if !ok {
		ent, ok = e.procs.get(types.ProcStateAny)
	}
	e.tmu.RUnlock()

	if !ok {
		e.log.Error("no handler for proc state, event dropped", "proc", name, "state", state)
		e.obs.ObserveDropped("proc", state.String())
		return
	}
	e.obs.ObserveActivation("proc", state.String())

	h := ent.handler
	ev := ProcEvent{Proc: name, State: state}
	e.enqueue(ent.priority, "proc "+state.String(), func() {
		if e.tracer != nil {
			e.tracer.TraceProc(ev)
		}
		h(ev)
	})
}

// Post 將非狀態性的工作（計時器到期、網路回呼）排入 reactor
func (e *Engine) Post(pri Priority, name string, fn func()) {
	e.enqueue(pri, name, fn)
}

func (e *Engine) enqueue(pri Priority, name string, fn func()) {
	e.qmu.Lock()
	e.seq++
	heap.Push(&e.queue, &event{priority: pri, seq: e.seq, name: name, fn: fn, queuedAt: time.Now()})
	depth := e.queue.Len()
	e.qmu.Unlock()

	e.obs.ObserveQueueDepth(depth)
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) pop() *event {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	if e.queue.Len() == 0 {
		return nil
	}
	return heap.Pop(&e.queue).(*event)
}

// Pending 目前排隊中的事件數
func (e *Engine) Pending() int {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	return e.queue.Len()
}

// ============================================================================
// Reactor
// ============================================================================

// Run 在呼叫者的 goroutine 上執行 reactor，直到 ctx 取消或 Stop。
// 同一時間只能有一個 Run 或 RunPending。
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("reactor started")
	defer e.log.Info("reactor stopped")

	for {
		for {
			if e.stopped() {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			ev := e.pop()
			if ev == nil {
				break
			}
			e.dispatch(ev)
		}

		select {
		case <-e.wake:
		case <-e.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunPending 同步執行所有排隊中的事件（包含執行期間新增的），回傳執行數量
func (e *Engine) RunPending() int {
	n := 0
	for !e.stopped() {
		ev := e.pop()
		if ev == nil {
			break
		}
		e.dispatch(ev)
		n++
	}
	return n
}

// Stop 讓 reactor 在目前的 handler 結束後返回；可重複呼叫
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Done 在 Stop 之後關閉
func (e *Engine) Done() <-chan struct{} { return e.stopCh }

func (e *Engine) stopped() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

func (e *Engine) dispatch(ev *event) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("handler panicked", "event", ev.name, "panic", r)
		}
		e.obs.ObserveDispatch(ev.priority.String(), start.Sub(ev.queuedAt), time.Since(start))
	}()
	ev.fn()
}
