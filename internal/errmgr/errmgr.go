// ============================================================================
// gridlaunch Error Manager
// ============================================================================
//
// Package: internal/errmgr
// 文件: errmgr.go
// 功能: 錯誤類 job/proc 狀態的處理政策：忽略、上報或終止
//
// 變體:
//   - Daemon:   只擁有本節點的行程，所有決定都上報給 root
//   - Root:     擁有完整的 job 表，決定 job abort 與最終結束碼
//   - Detector: daemon 間的心跳環，偵測失聯的 daemon
//
// 所有 handler 都在 reactor 上執行；唯一會從其他 goroutine 進入的是
// Abort 與 abort 計時器，兩者都只透過原子旗標與 Post 與 reactor 互動。
//
// ============================================================================

package errmgr

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/ChuLiYu/gridlaunch/internal/messaging"
	"github.com/ChuLiYu/gridlaunch/internal/registry"
	"github.com/ChuLiYu/gridlaunch/internal/state"
	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

const (
	// DefaultAbortTimeout abort 送出後自行結束前的等待時間
	DefaultAbortTimeout = 5 * time.Second
	// DefaultExitCode 通訊錯誤等沒有行程結束碼可用時的結束碼
	DefaultExitCode = 1
)

var (
	// ErrMissingDependency 建構時缺少必要的協作者
	ErrMissingDependency = errors.New("errmgr: missing dependency")
)

// Killer 終止本地行程；targets 可包含萬用名稱
type Killer interface {
	KillLocalProcs(targets []types.ProcName) error
}

// Cleaner 清除 job 的 session 目錄；JobIDWildcard 清除全部
type Cleaner interface {
	Cleanup(job types.JobID) error
}

// PLM root 端的行程啟動管理
type PLM interface {
	// TerminateProcs 下令終止 job 的所有行程
	TerminateProcs(job types.JobID) error
	// SpawnResponse 回覆 spawn 發起者
	SpawnResponse(job *types.Job)
}

// Exiter 結束行程；測試時替換
type Exiter func(code int)

// Observer 接收 error manager 的觀測資料（metrics 實作）
type Observer interface {
	ObserveReport(kind string)
	ObserveAbort(job types.JobID, state string)
}

type nopObserver struct{}

func (nopObserver) ObserveReport(string)             {}
func (nopObserver) ObserveAbort(types.JobID, string) {}

// Deps 各變體共用的協作者
type Deps struct {
	Registry  *registry.Registry
	Engine    *state.Engine
	Messenger messaging.Messenger
	Routes    *messaging.Routes
	Killer    Killer
	Cleaner   Cleaner
	Exit      Exiter
	// PLM 只有 root 需要
	PLM PLM
}

func (d Deps) validate(needPLM bool) error {
	switch {
	case d.Registry == nil:
		return fmt.Errorf("%w: registry", ErrMissingDependency)
	case d.Engine == nil:
		return fmt.Errorf("%w: engine", ErrMissingDependency)
	case d.Messenger == nil:
		return fmt.Errorf("%w: messenger", ErrMissingDependency)
	case d.Routes == nil:
		return fmt.Errorf("%w: routes", ErrMissingDependency)
	case needPLM && d.PLM == nil:
		return fmt.Errorf("%w: plm", ErrMissingDependency)
	}
	return nil
}

// Option 設定選項
type Option func(*options)

type options struct {
	log            *slog.Logger
	clock          clock.Clock
	abortTimeout   time.Duration
	abortOnNonZero bool
	pid            int
	obs            Observer
}

func defaultOptions() options {
	return options{
		log:          slog.Default().With("component", "errmgr"),
		clock:        clock.New(),
		abortTimeout: DefaultAbortTimeout,
		obs:          nopObserver{},
	}
}

// WithLogger 指定 logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithClock 指定時鐘（測試使用 clock.NewMock）
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithAbortTimeout 覆寫 abort 計時器長度
func WithAbortTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.abortTimeout = d
		}
	}
}

// WithAbortOnNonZero 任何行程非零結束時 abort 整個 job
func WithAbortOnNonZero(v bool) Option {
	return func(o *options) { o.abortOnNonZero = v }
}

// WithPid 本行程的 OS pid（放進 abort 報告）
func WithPid(pid int) Option {
	return func(o *options) { o.pid = pid }
}

// WithObserver 指定觀測者
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.obs = obs
		}
	}
}

// base 各變體共用的欄位與輔助函式
type base struct {
	options
	reg    *registry.Registry
	eng    *state.Engine
	msgr   messaging.Messenger
	routes *messaging.Routes
	killer Killer
	clean  Cleaner
	exit   Exiter

	abort *abortTimer
}

// abortTimer abort 之後的自我結束計時器
type abortTimer struct {
	quitting *atomic.Bool
	mu       sync.Mutex
	timer    *clock.Timer
}

func newBase(d Deps, opts []Option) base {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	b := base{
		options: o,
		reg:     d.Registry,
		eng:     d.Engine,
		msgr:    d.Messenger,
		routes:  d.Routes,
		killer:  d.Killer,
		clean:   d.Cleaner,
		exit:    d.Exit,
		abort:   &abortTimer{quitting: atomic.NewBool(false)},
	}
	if b.exit == nil {
		b.exit = func(int) {}
	}
	return b
}

// forcedTerminate 保存結束碼並啟動 FORCED_EXIT；後續由 controller 停止 reactor
func (b *base) forcedTerminate(code int) {
	b.reg.Runtime().UpdateExitStatus(code)
	b.eng.ActivateJob(types.DaemonJob, types.JobStateForcedExit)
}

// armAbortTimer 啟動 abort 計時器。到期時在 reactor 上以 Error 優先級結束行程，
// 所以即使訊息層卡住，等待時間也不會超過 abortTimeout。
func (b *base) armAbortTimer(code int) {
	b.abort.mu.Lock()
	defer b.abort.mu.Unlock()
	if b.abort.timer != nil {
		return
	}
	b.abort.timer = b.clock.AfterFunc(b.abortTimeout, func() {
		b.eng.Post(state.PriorityError, "abort-timeout", func() {
			b.log.Error("no termination order received, exiting", "timeout", b.abortTimeout)
			b.quit(code)
		})
	})
}

// Close 停止尚未到期的 abort 計時器；reactor 結束後呼叫
func (b *base) Close() {
	b.abort.mu.Lock()
	defer b.abort.mu.Unlock()
	if b.abort.timer != nil {
		b.abort.timer.Stop()
	}
}

// quit 終止所有本地行程、清除 session 並結束；只執行一次
func (b *base) quit(code int) {
	if !b.abort.quitting.CompareAndSwap(false, true) {
		return
	}
	b.abort.mu.Lock()
	if b.abort.timer != nil {
		b.abort.timer.Stop()
	}
	b.abort.mu.Unlock()

	b.killAll()
	b.cleanup(types.JobIDWildcard)
	b.exit(code)
}

// killAll 終止所有本地行程
func (b *base) killAll() {
	if b.killer == nil {
		return
	}
	if err := b.killer.KillLocalProcs([]types.ProcName{types.WildcardName}); err != nil {
		b.log.Error("kill local procs failed", "error", err)
	}
}

// cleanup 清除 session 目錄；失敗只記錄
func (b *base) cleanup(job types.JobID) {
	if b.clean == nil {
		return
	}
	if err := b.clean.Cleanup(job); err != nil {
		b.log.Warn("session cleanup failed", "job", job, "error", err)
	}
}

// send 上報不重試；送不到時由 lifeline 偵測接手
func (b *base) send(dest types.ProcName, buf *messaging.Buffer, tag messaging.Tag, kind string) {
	b.obs.ObserveReport(kind)
	b.msgr.Send(dest, buf, tag, func(err error, dest types.ProcName, tag messaging.Tag) {
		if err != nil {
			b.log.Warn("report not delivered", "kind", kind, "dest", dest, "tag", tag, "error", err)
		}
	})
}

// allLocalTerminated 沒有仍存活的本地子行程
func (b *base) allLocalTerminated() bool {
	return !b.reg.AnyLocalChildAlive(types.JobIDWildcard)
}

// RecordTermination 將行程計入 job 的終止數；RECORDED 旗標防止重複計數
func RecordTermination(job *types.Job, p *types.Proc) bool {
	p.Flags.Unset(types.ProcFlagAlive)
	if p.Flags.Has(types.ProcFlagRecorded) {
		return false
	}
	p.Flags.Set(types.ProcFlagRecorded)
	job.NumTerminated++
	return true
}

// bookkeepingDone I/O 轉送結束、waitpid 已觸發且尚未計數
func bookkeepingDone(p *types.Proc) bool {
	return p.Flags.Has(types.ProcFlagIOFComplete) &&
		p.Flags.Has(types.ProcFlagWaitpid) &&
		!p.Flags.Has(types.ProcFlagRecorded)
}
