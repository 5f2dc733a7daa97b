// ============================================================================
// gridlaunch 控制器 - 單一角色的組裝與生命週期
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 為一個角色（root 或 daemon）組裝所有模組並驅動 reactor
//
// 架構設計:
//   Controller 是每個行程的「大腦」，負責協調以下組件：
//   - Registry:  job / proc / node 實體表
//   - Engine:    狀態機與單執行緒 reactor
//   - Messenger: loopback 或 gRPC transport
//   - errmgr:    root 或 daemon 變體的錯誤處理政策
//   - rmaps:     root 端的 mapper framework
//   - odls:      daemon 端的本地行程控制
//   - journal / snapshot / metrics: 持久化與觀測
//
// 核心循環 (errgroup):
//   1. Reactor      - eng.Run，所有狀態只在這裡修改
//   2. Snapshot     - 每 SnapshotInterval 寫一次快照
//   3. Daemon 回報  - daemon 啟動後向 root 回報自己（帶重試）
//
// 註冊順序:
//   預設 handler 表先註冊，error manager 後註冊；同一狀態後註冊者勝出，
//   所以錯誤狀態一律由 error manager 處理。
//
// 結束:
//   DAEMONS_TERMINATED 或 FORCED_EXIT 停止 reactor；Wait 等待所有循環結束後
//   依序關閉 detector、本地行程、transport、journal、session（multierr）。
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/gridlaunch/internal/errmgr"
	"github.com/ChuLiYu/gridlaunch/internal/messaging"
	"github.com/ChuLiYu/gridlaunch/internal/odls"
	"github.com/ChuLiYu/gridlaunch/internal/registry"
	"github.com/ChuLiYu/gridlaunch/internal/rmaps"
	"github.com/ChuLiYu/gridlaunch/internal/session"
	"github.com/ChuLiYu/gridlaunch/internal/snapshot"
	"github.com/ChuLiYu/gridlaunch/internal/state"
	"github.com/ChuLiYu/gridlaunch/internal/storage/journal"
	"github.com/ChuLiYu/gridlaunch/internal/topology"
	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

var log = slog.Default()

// DefaultMaxRestarts 可恢復 job 中單一行程的重啟上限
const DefaultMaxRestarts = 3

var (
	ErrNoTransport    = errors.New("controller: no transport configured")
	ErrInvalidVpid    = errors.New("controller: daemon vpid must be >= 1")
	ErrAlreadyStarted = errors.New("controller: already started")
	ErrNotMaster      = errors.New("controller: jobs can only be submitted to the master")
	ErrStopped        = errors.New("controller: stopped")
	ErrNoApps         = errors.New("controller: job has no apps")
)

// Config 控制器配置
type Config struct {
	Role state.Role
	// Vpid daemon 的 rank（>= 1）；root 忽略
	Vpid types.Rank
	// NodeName daemon 所在節點，回報給 root
	NodeName string

	// root: 節點池與 mapper
	Nodes      []*types.Node
	Topologies *topology.Registry
	Mapping    rmaps.Options
	// ExpectDaemons 全部回報後 VM 才就緒；0 表示 VM 立即就緒
	ExpectDaemons int
	// ExitWhenIdle 最後一個應用 job 結束後拆除 daemon 樹
	ExitWhenIdle bool
	// MaxRestarts 0 使用 DefaultMaxRestarts；負數表示不限
	MaxRestarts int

	// error manager
	AbortTimeout   time.Duration
	AbortOnNonZero bool
	// Heartbeat nil 表示不啟用心跳環
	Heartbeat *errmgr.DetectorConfig

	// daemon: 本地行程
	SessionBase string
	KillGrace   time.Duration
	Output      io.Writer

	// 持久化；路徑為空表示不啟用
	JournalPath      string
	JournalBuffer    int
	JournalFlush     time.Duration
	SnapshotPath     string
	SnapshotInterval time.Duration
}

// TransportFunc 建立 transport；回呼必須排入 poster（engine）
type TransportFunc func(p messaging.Poster, dir *messaging.Directory) (messaging.Messenger, error)

// Observer 控制器使用的觀測者（*metrics.Collector 實作）
type Observer interface {
	state.Observer
	rmaps.Observer
	errmgr.Observer
	SetActiveJobs(n int)
	SetExitStatus(code int)
}

// Option 設定選項
type Option func(*Controller)

// WithTransport 指定 transport 工廠（必要）
func WithTransport(f TransportFunc) Option {
	return func(c *Controller) { c.newTransport = f }
}

// WithObserver 指定 metrics
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.obs = o }
}

// WithClock 指定時鐘
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clk = clk }
}

// WithLogger 指定 logger；各元件在其上加 component
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.base = l }
}

// 可選的 transport 能力
type (
	starter interface{ Start() error }
	addresser interface{ Addr() string }
	retrier   interface {
		DeliverWithRetry(ctx context.Context, dest types.ProcName, buf *messaging.Buffer, tag messaging.Tag) error
	}
	aborter interface {
		Register()
		Abort(code int, msg string)
		Close()
	}
)

// JobSpec 提交給 master 的 job
type JobSpec struct {
	Apps    []*types.AppContext
	Mapping types.MappingPolicy
	Ranking types.RankingPolicy
	// Mapper 指定 mapper 名稱；空字串由 framework 依序嘗試
	Mapper string
	Flags  types.JobFlags
	Attrs  types.Attributes
	// Originator 非 nil 時 launch 結果會送回這個行程
	Originator *types.ProcName
	Source     string
}

// JobResult job 結束（或啟動失敗）時送出的結果
type JobResult struct {
	Job      types.JobID
	State    types.JobState
	ExitCode int
	NumProcs int
}

// Controller 一個角色的協調器
type Controller struct {
	cfg          Config
	base         *slog.Logger
	log          *slog.Logger
	clk          clock.Clock
	obs          Observer
	newTransport TransportFunc

	reg    *registry.Registry
	eng    *state.Engine
	dir    *messaging.Directory
	routes *messaging.Routes
	msgr   messaging.Messenger
	em     aborter

	// root
	mapper  *rmaps.Framework
	pending []types.JobID
	vmReady bool
	waiters map[types.JobID]chan JobResult

	// daemon
	odls     *odls.Launcher
	detector *errmgr.Detector

	session *session.Dir
	journal *journal.Journal
	snaps   *snapshot.Manager

	mu       sync.Mutex
	started  bool
	group    *errgroup.Group
	cancel   context.CancelFunc
	runDone  chan struct{}
	bg       sync.WaitGroup
	waitOnce sync.Once
	waitErr  error
}

// New 建立控制器；Start 之前不會處理任何事件
func New(cfg Config, opts ...Option) (*Controller, error) {
	c := &Controller{
		cfg:     cfg,
		clk:     clock.New(),
		dir:     messaging.NewDirectory(),
		routes:  messaging.NewRoutes(),
		waiters: make(map[types.JobID]chan JobResult),
		runDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.newTransport == nil {
		return nil, ErrNoTransport
	}

	self := types.RootName
	if cfg.Role == state.RoleDaemon {
		if cfg.Vpid == types.RootRank || cfg.Vpid == types.RankInvalid || cfg.Vpid == types.RankWildcard {
			return nil, fmt.Errorf("%w: %s", ErrInvalidVpid, cfg.Vpid)
		}
		self = types.DaemonName(cfg.Vpid)
	}
	if c.base == nil {
		c.base = log
	}
	c.base = c.base.With("role", cfg.Role.String(), "self", self.String())
	c.log = c.base.With("component", "controller")
	if c.cfg.MaxRestarts == 0 {
		c.cfg.MaxRestarts = DefaultMaxRestarts
	}
	c.reg = registry.New(self)

	if err := c.openStorage(); err != nil {
		return nil, err
	}

	engOpts := []state.Option{state.WithLogger(c.base.With("component", "state"))}
	if c.obs != nil {
		engOpts = append(engOpts, state.WithObserver(c.obs))
	}
	if c.journal != nil {
		engOpts = append(engOpts, state.WithTracer(&journalTracer{j: c.journal, reg: c.reg, log: c.log}))
	}
	c.eng = state.NewEngine(cfg.Role, engOpts...)

	msgr, err := c.newTransport(c.eng, c.dir)
	if err != nil {
		c.closeStorage()
		return nil, fmt.Errorf("create transport: %w", err)
	}
	c.msgr = msgr
	c.watchSendFailures()

	if err := c.buildRole(); err != nil {
		_ = c.msgr.Close()
		c.closeStorage()
		return nil, err
	}
	return c, nil
}

func (c *Controller) openStorage() error {
	var err error
	if c.session, err = session.New(c.cfg.SessionBase); err != nil {
		return err
	}
	if c.cfg.JournalPath != "" {
		jopts := []journal.Option{journal.WithClock(c.clk)}
		if c.cfg.JournalBuffer > 0 {
			jopts = append(jopts, journal.WithBufferSize(c.cfg.JournalBuffer))
		}
		if c.cfg.JournalFlush > 0 {
			jopts = append(jopts, journal.WithFlushInterval(c.cfg.JournalFlush))
		}
		if c.journal, err = journal.Open(c.cfg.JournalPath, jopts...); err != nil {
			_ = c.session.CleanupAll()
			return fmt.Errorf("open journal: %w", err)
		}
	}
	if c.cfg.SnapshotPath != "" {
		c.snaps = snapshot.NewManager(c.cfg.SnapshotPath)
	}
	return nil
}

func (c *Controller) closeStorage() {
	if c.journal != nil {
		_ = c.journal.Close()
	}
	_ = c.session.CleanupAll()
}

// watchSendFailures 把送不到的訊息轉成 UNABLE_TO_SEND_MSG，由 error manager 決定
func (c *Controller) watchSendFailures() {
	onFail := func(dest types.ProcName) {
		if c.cfg.Role == state.RoleDaemon && dest != types.RootName {
			// 與其他 daemon 的心跳失敗由 detector 判定
			return
		}
		c.eng.ActivateProc(dest, types.ProcStateUnableToSendMsg)
	}
	switch m := c.msgr.(type) {
	case *messaging.Loopback:
		m.OnSendFailure = onFail
	case *messaging.GRPC:
		m.OnSendFailure = onFail
	}
}

// buildRole 建立 daemon job 與角色專屬的元件
func (c *Controller) buildRole() error {
	self := c.reg.Self()
	dj := types.NewJob(types.DaemonJob)
	dj.State = types.JobStateRunning
	if err := c.reg.AddJob(dj); err != nil {
		return err
	}
	sp := &types.Proc{Name: self, Pid: os.Getpid(), State: types.ProcStateRunning, Node: types.NoNode, Parent: types.RootRank}
	sp.Flags.Set(types.ProcFlagAlive)
	dj.SetProcAt(self.Rank, c.reg.NewProc(sp))
	dj.NumProcs = 1

	emOpts := []errmgr.Option{
		errmgr.WithLogger(c.base.With("component", "errmgr")),
		errmgr.WithClock(c.clk),
		errmgr.WithAbortTimeout(c.cfg.AbortTimeout),
		errmgr.WithAbortOnNonZero(c.cfg.AbortOnNonZero),
		errmgr.WithPid(os.Getpid()),
	}
	if c.obs != nil {
		emOpts = append(emOpts, errmgr.WithObserver(c.obs))
	}
	deps := errmgr.Deps{
		Registry:  c.reg,
		Engine:    c.eng,
		Messenger: c.msgr,
		Routes:    c.routes,
		Cleaner:   c.session,
		Exit:      c.exit,
	}

	if c.cfg.Role == state.RoleMaster {
		topo := c.cfg.Topologies
		if topo == nil {
			topo = topology.NewRegistry()
		}
		for _, n := range c.cfg.Nodes {
			// 節點上的 daemon 回報之前不能放置行程
			n.Daemon = types.RankInvalid
			if _, err := c.reg.AddNode(n); err != nil {
				return fmt.Errorf("add node %s: %w", n.Name, err)
			}
		}
		mopts := []rmaps.Option{rmaps.WithLogger(c.base.With("component", "rmaps"))}
		if c.obs != nil {
			mopts = append(mopts, rmaps.WithObserver(c.obs))
		}
		c.mapper = rmaps.New(c.reg, topo, c.cfg.Mapping, mopts...)
		c.vmReady = c.cfg.ExpectDaemons == 0

		deps.PLM = plm{c}
		root, err := errmgr.NewRoot(deps, emOpts...)
		if err != nil {
			return err
		}
		c.em = root
		return nil
	}

	lopts := []odls.Option{odls.WithSession(c.session), odls.WithLogger(c.base.With("component", "odls"))}
	if c.cfg.Output != nil {
		lopts = append(lopts, odls.WithOutput(c.cfg.Output))
	}
	if c.cfg.KillGrace > 0 {
		lopts = append(lopts, odls.WithKillGrace(c.cfg.KillGrace))
	}
	c.odls = odls.New(c.reg, c.eng, lopts...)
	deps.Killer = c.odls
	dm, err := errmgr.NewDaemon(deps, emOpts...)
	if err != nil {
		return err
	}
	c.em = dm
	return nil
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 註冊 handler 表並啟動 reactor 與背景循環；不會阻塞
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true

	if c.cfg.Role == state.RoleMaster {
		c.registerRoot()
	} else {
		c.registerDaemon()
	}
	c.em.Register()

	if s, ok := c.msgr.(starter); ok {
		if err := s.Start(); err != nil {
			return fmt.Errorf("start transport: %w", err)
		}
	}
	if c.cfg.Role == state.RoleMaster {
		c.msgr.Receive(messaging.TagPLM, c.rootRecv)
	} else {
		c.msgr.Receive(messaging.TagDaemon, c.daemonRecv)
	}

	ctx, c.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(c.runDone)
		defer c.cancel()
		return c.eng.Run(gctx)
	})
	if c.snaps != nil {
		g.Go(func() error {
			return c.snaps.Loop(gctx, c.clk, c.cfg.SnapshotInterval, c.takeSnapshot)
		})
	}
	if c.cfg.Role == state.RoleDaemon {
		g.Go(func() error {
			c.reportToRoot(gctx)
			return nil
		})
	}
	c.group = g
	c.log.Info("controller started", "addr", c.Addr())
	return nil
}

// Stop 停止 reactor 並拆除所有資源；可重複呼叫
func (c *Controller) Stop() error {
	c.eng.Stop()
	return c.Wait()
}

// Wait 等待 reactor 結束（DAEMONS_TERMINATED、FORCED_EXIT 或 Stop），然後拆除資源
func (c *Controller) Wait() error {
	c.waitOnce.Do(func() {
		c.mu.Lock()
		g := c.group
		c.mu.Unlock()

		var errs error
		if g != nil {
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				errs = multierr.Append(errs, err)
			}
		}
		c.waitErr = multierr.Append(errs, c.teardown())
	})
	return c.waitErr
}

// teardown 只在 reactor 結束後執行
func (c *Controller) teardown() error {
	var errs error
	status := c.reg.Runtime().ExitStatus()

	c.em.Close()
	if c.detector != nil {
		c.detector.Stop()
	}
	if c.odls != nil {
		errs = multierr.Append(errs, c.odls.KillLocalProcs([]types.ProcName{types.WildcardName}))
		c.odls.Wait()
	}
	c.bg.Wait()

	for id, ch := range c.waiters {
		res := JobResult{Job: id, State: types.JobStateForcedExit, ExitCode: status}
		if job, ok := c.reg.Job(id); ok {
			res.NumProcs = job.NumProcs
		}
		ch <- res
		delete(c.waiters, id)
	}

	errs = multierr.Append(errs, c.msgr.Close())
	if c.journal != nil {
		_, err := c.journal.Append(journal.Entry{
			Kind:     journal.KindExit,
			Job:      types.JobIDInvalid,
			Rank:     types.RankInvalid,
			ExitCode: status,
		})
		errs = multierr.Append(errs, err)
		errs = multierr.Append(errs, c.journal.Close())
	}
	errs = multierr.Append(errs, c.session.CleanupAll())
	if c.obs != nil {
		c.obs.SetExitStatus(status)
	}
	c.log.Info("controller stopped", "exit_status", status)
	return errs
}

// exit error manager 決定結束時呼叫（在 reactor 上）
func (c *Controller) exit(code int) {
	c.reg.Runtime().UpdateExitStatus(code)
	c.eng.Stop()
}

// Abort 異常終止；可以從任何 goroutine 呼叫
func (c *Controller) Abort(code int, msg string) {
	c.em.Abort(code, msg)
}

// ExitStatus 保存的結束碼
func (c *Controller) ExitStatus() int { return c.reg.Runtime().ExitStatus() }

// Self 本行程名稱
func (c *Controller) Self() types.ProcName { return c.reg.Self() }

// Addr transport 的監聽位址；loopback 為空字串
func (c *Controller) Addr() string {
	if a, ok := c.msgr.(addresser); ok {
		return a.Addr()
	}
	return ""
}

// Directory daemon 位址表
func (c *Controller) Directory() *messaging.Directory { return c.dir }

// Snapshot 目前的唯讀檢視；reactor 結束後直接讀取
func (c *Controller) Snapshot(ctx context.Context) (*types.SnapshotData, error) {
	return c.takeSnapshot(ctx)
}

func (c *Controller) takeSnapshot(ctx context.Context) (*types.SnapshotData, error) {
	select {
	case <-c.runDone:
		return c.snapshotNow(), nil
	default:
	}
	ch := make(chan *types.SnapshotData, 1)
	c.eng.Post(state.PriorityInfo, "snapshot", func() { ch <- c.snapshotNow() })
	select {
	case data := <-ch:
		return data, nil
	case <-c.runDone:
		return c.snapshotNow(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Controller) snapshotNow() *types.SnapshotData {
	data := c.reg.Snapshot(c.cfg.Role.String(), c.clk.Now())
	if c.journal != nil {
		data.LastSeq = c.journal.LastSeq()
	}
	return data
}

// ============================================================================
// Submit
// ============================================================================

// Submit 排入一個新的 job；結果在 job 結束或啟動失敗時送出
func (c *Controller) Submit(spec JobSpec) (<-chan JobResult, error) {
	if c.cfg.Role != state.RoleMaster {
		return nil, ErrNotMaster
	}
	if len(spec.Apps) == 0 {
		return nil, ErrNoApps
	}
	select {
	case <-c.eng.Done():
		return nil, ErrStopped
	default:
	}
	ch := make(chan JobResult, 1)
	c.eng.Post(state.PrioritySys, "submit", func() { c.submit(spec, ch) })
	return ch, nil
}

func (c *Controller) submit(spec JobSpec, ch chan JobResult) {
	rt := c.reg.Runtime()
	if rt.TermOrdered.Load() || rt.AbnormalTermOrdered.Load() {
		ch <- JobResult{Job: types.JobIDInvalid, State: types.JobStateCannotLaunch, ExitCode: errmgr.DefaultExitCode}
		return
	}

	job := BuildJob(c.reg, spec)
	c.waiters[job.ID] = ch
	c.updateActiveJobs()

	c.log.Info("job submitted", "job", job.ID, "apps", len(job.Apps), "procs", job.NumProcs)
	c.eng.ActivateJob(job.ID, types.JobStateInit)
}

// BuildJob 在 registry 中建立 job 並套用 JobSpec；不觸發任何狀態
func BuildJob(reg *registry.Registry, spec JobSpec) *types.Job {
	job := reg.CreateJob()
	for i, app := range spec.Apps {
		app.Index = i
		job.NumProcs += app.NumProcs
	}
	job.Apps = spec.Apps
	job.Map.Mapping = spec.Mapping
	job.Map.Ranking = spec.Ranking
	job.Map.ReqMapper = spec.Mapper
	job.Flags = spec.Flags
	for k, v := range spec.Attrs {
		job.Attrs.Set(k, v)
	}
	if spec.Originator != nil {
		job.Originator = *spec.Originator
	}
	if spec.Source != "" {
		job.Attrs.Set(types.AttrSpawnSource, spec.Source)
	}
	return job
}

// respond 把結果交給等待中的提交者（至多一次）
func (c *Controller) respond(job *types.Job) {
	ch, ok := c.waiters[job.ID]
	if !ok {
		return
	}
	delete(c.waiters, job.ID)
	ch <- JobResult{Job: job.ID, State: job.State, ExitCode: job.ExitCode, NumProcs: job.NumProcs}
}

func (c *Controller) updateActiveJobs() {
	if c.obs != nil {
		c.obs.SetActiveJobs(c.appJobs())
	}
}

// appJobs 目前的應用 job 數（不含 daemon job）
func (c *Controller) appJobs() int {
	n := 0
	for _, job := range c.reg.Jobs() {
		if job.ID != types.DaemonJob {
			n++
		}
	}
	return n
}

// ============================================================================
// 共用輔助
// ============================================================================

// send 送出命令；失敗只記錄，連線中斷由 OnSendFailure 處理
func (c *Controller) send(dest types.ProcName, buf *messaging.Buffer, tag messaging.Tag) {
	c.msgr.Send(dest, buf, tag, func(err error, dest types.ProcName, tag messaging.Tag) {
		if err != nil {
			c.log.Warn("send failed", "dest", dest, "tag", tag, "error", err)
		}
	})
}

// lookup 以名稱取得 job 與 proc
func (c *Controller) lookup(name types.ProcName) (*types.Job, *types.Proc, bool) {
	job, ok := c.reg.Job(name.Job)
	if !ok {
		return nil, nil, false
	}
	p, _, ok := c.reg.LookupProc(name)
	if !ok {
		return job, nil, false
	}
	return job, p, true
}

// iofComplete I/O 轉送結束；waitpid 也已觸發時行程結束
func (c *Controller) iofComplete(ev state.ProcEvent) {
	_, p, ok := c.lookup(ev.Proc)
	if !ok {
		return
	}
	p.Flags.Set(types.ProcFlagIOFComplete)
	// 異常結束可能先到：狀態已是錯誤狀態也要進入 TERMINATED，只由 RECORDED 防止重複
	if p.Flags.Has(types.ProcFlagWaitpid) && !p.Flags.Has(types.ProcFlagRecorded) {
		c.eng.ActivateProc(ev.Proc, types.ProcStateTerminated)
	}
}

// ============================================================================
// Journal tracer
// ============================================================================

// journalTracer 每個被分派的狀態事件寫一筆 journal
type journalTracer struct {
	j   *journal.Journal
	reg *registry.Registry
	log *slog.Logger
}

func (t *journalTracer) TraceJob(ev state.JobEvent) {
	e := journal.Entry{Kind: journal.KindJob, Job: ev.Job, Rank: types.RankInvalid, State: ev.State.String()}
	if job, ok := t.reg.Job(ev.Job); ok {
		e.ExitCode = job.ExitCode
	}
	t.append(e)
}

func (t *journalTracer) TraceProc(ev state.ProcEvent) {
	e := journal.Entry{Kind: journal.KindProc, Job: ev.Proc.Job, Rank: ev.Proc.Rank, State: ev.State.String()}
	if p, _, ok := t.reg.LookupProc(ev.Proc); ok {
		e.ExitCode = p.ExitCode
	}
	t.append(e)
}

func (t *journalTracer) append(e journal.Entry) {
	if _, err := t.j.Append(e); err != nil {
		t.log.Warn("journal append failed", "kind", e.Kind, "job", e.Job, "error", err)
	}
}
