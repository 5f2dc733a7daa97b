package controller

import (
	"fmt"
	"sort"

	"github.com/ChuLiYu/gridlaunch/internal/errmgr"
	"github.com/ChuLiYu/gridlaunch/internal/messaging"
	"github.com/ChuLiYu/gridlaunch/internal/registry"
	"github.com/ChuLiYu/gridlaunch/internal/state"
	"github.com/ChuLiYu/gridlaunch/internal/storage/journal"
	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

// ============================================================================
// Root 預設 handler 表
// ============================================================================
//
//	INIT → (VM 就緒) MAP → MAP_COMPLETE → LAUNCH_APPS → RUNNING
//	proc RUNNING 全部回報 → job RUNNING
//	proc IOF_COMPLETE + WAITPID_FIRED → TERMINATED → 計數 → job TERMINATED
//	最後一個 job 結束 → ALL_JOBS_COMPLETE → daemon job TERMINATED（拆除）
//	所有路由消失 → DAEMONS_TERMINATED → 停止 reactor

func (c *Controller) registerRoot() {
	e := c.eng
	e.RegisterJobState(types.JobStateInit, state.PrioritySys, c.rootJobInit)
	e.RegisterJobState(types.JobStateMap, state.PrioritySys, c.rootMap)
	e.RegisterJobState(types.JobStateMapComplete, state.PrioritySys, c.rootMapComplete)
	e.RegisterJobState(types.JobStateLaunchApps, state.PrioritySys, c.rootLaunchApps)
	e.RegisterJobState(types.JobStateRunning, state.PrioritySys, c.rootJobRunning)
	e.RegisterJobState(types.JobStateDaemonsReported, state.PrioritySys, c.rootVMReady)
	e.RegisterJobState(types.JobStateTerminated, state.PrioritySys, c.rootJobTerminated)
	e.RegisterJobState(types.JobStateAllJobsComplete, state.PrioritySys, c.rootAllJobsComplete)
	e.RegisterJobState(types.JobStateDaemonsTerminated, state.PrioritySys, c.finish)
	e.RegisterJobState(types.JobStateForcedExit, state.PriorityError, c.forcedExit)

	e.RegisterProcState(types.ProcStateRunning, state.PriorityMsg, c.rootProcRunning)
	e.RegisterProcState(types.ProcStateRegistered, state.PriorityMsg, c.rootProcRegistered)
	e.RegisterProcState(types.ProcStateIOFComplete, state.PriorityMsg, c.iofComplete)
	e.RegisterProcState(types.ProcStateWaitpidFired, state.PriorityMsg, c.rootWaitpidFired)
	e.RegisterProcState(types.ProcStateTerminated, state.PriorityMsg, c.rootProcTerminated)
}

// ============================================================================
// Job 生命週期
// ============================================================================

func (c *Controller) rootJobInit(ev state.JobEvent) {
	job, ok := c.reg.Job(ev.Job)
	if !ok {
		return
	}
	job.State = types.JobStateInit
	if !c.vmReady {
		c.log.Info("waiting for daemons before mapping", "job", job.ID)
		c.pending = append(c.pending, job.ID)
		return
	}
	c.eng.ActivateJob(job.ID, types.JobStateMap)
}

// rootVMReady 所有 daemon 回報：廣播位址表並放行等待中的 job
func (c *Controller) rootVMReady(ev state.JobEvent) {
	if c.vmReady {
		return
	}
	c.vmReady = true

	entries := make(map[types.Rank]string)
	for _, vpid := range c.daemonRanks() {
		addr, _ := c.dir.Lookup(types.DaemonName(vpid))
		entries[vpid] = addr
	}
	c.log.Info("all daemons reported", "daemons", len(entries))
	for vpid := range entries {
		c.send(types.DaemonName(vpid), messaging.PackDirectory(entries), messaging.TagDaemon)
	}

	pending := c.pending
	c.pending = nil
	for _, id := range pending {
		c.eng.ActivateJob(id, types.JobStateMap)
	}
}

func (c *Controller) rootMap(ev state.JobEvent) {
	job, ok := c.reg.Job(ev.Job)
	if !ok {
		return
	}
	restart := job.Flags.Has(types.JobFlagRestart)
	if !restart {
		job.State = types.JobStateMap
	}
	if err := c.mapper.MapJob(job); err != nil {
		c.log.Error("mapping failed", "job", job.ID, "restart", restart, "error", err)
		if job.ExitCode == 0 {
			job.ExitCode = errmgr.DefaultExitCode
		}
		c.reg.Runtime().UpdateExitStatus(job.ExitCode)
		c.eng.ActivateJob(job.ID, types.JobStateMapFailed)
		return
	}
	c.journalPlacement(job)
	c.eng.ActivateJob(job.ID, types.JobStateMapComplete)
}

// journalPlacement 每個放置過的行程記一筆 MAPPED（State 欄位放節點名稱）
func (c *Controller) journalPlacement(job *types.Job) {
	if c.journal == nil {
		return
	}
	for _, h := range job.Procs {
		p, err := c.reg.Proc(h)
		if err != nil || !p.Flags.Has(types.ProcFlagUpdated) {
			continue
		}
		node := ""
		if n, err := c.reg.Node(p.Node); err == nil {
			node = n.Name
		}
		if _, err := c.journal.Append(journal.Entry{
			Kind:  journal.KindMapped,
			Job:   job.ID,
			Rank:  p.Name.Rank,
			State: node,
		}); err != nil {
			c.log.Warn("journal append failed", "job", job.ID, "error", err)
			return
		}
	}
}

func (c *Controller) rootMapComplete(ev state.JobEvent) {
	job, ok := c.reg.Job(ev.Job)
	if !ok {
		return
	}
	if !job.Flags.Has(types.JobFlagRestart) {
		job.State = types.JobStateMapComplete
	}
	c.eng.ActivateJob(job.ID, types.JobStateLaunchApps)
}

// rootLaunchApps 每個 daemon 送一則 CmdAddLocalProcs，只包含新放置（UPDATED）的行程
func (c *Controller) rootLaunchApps(ev state.JobEvent) {
	job, ok := c.reg.Job(ev.Job)
	if !ok {
		return
	}
	byDaemon := make(map[types.Rank][]*types.Proc)
	for _, h := range job.Procs {
		p, err := c.reg.Proc(h)
		if err != nil || !p.Flags.Has(types.ProcFlagUpdated) {
			continue
		}
		p.Flags.Unset(types.ProcFlagUpdated)
		byDaemon[p.Parent] = append(byDaemon[p.Parent], p)
	}
	if !job.Flags.Has(types.JobFlagRestart) {
		job.State = types.JobStateLaunchApps
	}
	job.Flags.Unset(types.JobFlagRestart)

	vpids := make([]types.Rank, 0, len(byDaemon))
	for v := range byDaemon {
		vpids = append(vpids, v)
	}
	sort.Slice(vpids, func(i, k int) bool { return vpids[i] < vpids[k] })
	for _, vpid := range vpids {
		procs := byDaemon[vpid]
		c.send(types.DaemonName(vpid), messaging.PackLaunch(job, procs), messaging.TagDaemon)
		job.NumLaunched += len(procs)
	}
	c.log.Info("launch sent", "job", job.ID, "daemons", len(vpids), "procs", job.NumLaunched)
}

func (c *Controller) rootJobRunning(ev state.JobEvent) {
	job, ok := c.reg.Job(ev.Job)
	if !ok {
		return
	}
	job.State = types.JobStateRunning
	c.log.Info("job running", "job", job.ID, "procs", job.NumProcs)
	if orig := job.Originator; orig.Job != types.JobIDInvalid {
		c.send(orig, messaging.PackLaunchResponse(0, job.ID), messaging.TagLaunchResp)
	}
}

func (c *Controller) rootJobTerminated(ev state.JobEvent) {
	if ev.Job == types.DaemonJob {
		c.orderTeardown()
		return
	}
	job, ok := c.reg.Job(ev.Job)
	if !ok {
		return
	}
	job.State = types.JobStateTerminated
	if job.ExitCode != 0 {
		c.reg.Runtime().UpdateExitStatus(job.ExitCode)
	}
	c.log.Info("job terminated", "job", job.ID, "exit_code", job.ExitCode,
		"procs", job.NumProcs, "nonzero", countNonzero(job))
	c.respond(job)

	if err := c.reg.RemoveJob(job.ID); err != nil {
		c.log.Warn("release job failed", "job", job.ID, "error", err)
	}
	c.updateActiveJobs()

	if c.cfg.ExitWhenIdle && c.appJobs() == 0 {
		c.eng.ActivateJob(types.DaemonJob, types.JobStateAllJobsComplete)
	}
}

func countNonzero(job *types.Job) int {
	n, _ := job.Attrs.GetInt(types.AttrNumNonzeroExit)
	return n
}

func (c *Controller) rootAllJobsComplete(ev state.JobEvent) {
	c.log.Info("all jobs complete")
	c.eng.ActivateJob(types.DaemonJob, types.JobStateTerminated)
}

// orderTeardown 命令所有 daemon 結束；只執行一次
func (c *Controller) orderTeardown() {
	rt := c.reg.Runtime()
	if !rt.TermOrdered.CompareAndSwap(false, true) {
		return
	}
	n := 0
	for _, vpid := range c.daemonRanks() {
		if !c.routes.Has(vpid) {
			continue
		}
		buf := messaging.NewBuffer()
		buf.PackCmd(messaging.CmdExit)
		c.send(types.DaemonName(vpid), buf, messaging.TagDaemon)
		n++
	}
	c.log.Info("tearing down daemons", "daemons", n)
	if c.routes.NumRoutes() == 0 {
		c.eng.ActivateJob(types.DaemonJob, types.JobStateDaemonsTerminated)
	}
}

// finish 所有 daemon 已結束
func (c *Controller) finish(ev state.JobEvent) {
	rt := c.reg.Runtime()
	if !rt.Finalizing.CompareAndSwap(false, true) {
		return
	}
	c.log.Info("daemons terminated", "exit_status", rt.ExitStatus())
	c.eng.Stop()
}

func (c *Controller) forcedExit(ev state.JobEvent) {
	rt := c.reg.Runtime()
	rt.Finalizing.Store(true)
	c.log.Error("forced exit", "exit_status", rt.ExitStatus())
	if c.odls != nil {
		if err := c.odls.KillLocalProcs([]types.ProcName{types.WildcardName}); err != nil {
			c.log.Warn("kill local procs failed", "error", err)
		}
	}
	c.eng.Stop()
}

// daemonRanks 已回報的 daemon（不含 root），遞增
func (c *Controller) daemonRanks() []types.Rank {
	dj, ok := c.reg.Job(types.DaemonJob)
	if !ok {
		return nil
	}
	var out []types.Rank
	for rank, h := range dj.Procs {
		if rank == int(types.RootRank) || !h.Valid() {
			continue
		}
		out = append(out, types.Rank(rank))
	}
	return out
}

// ============================================================================
// Proc 生命週期
// ============================================================================

func (c *Controller) rootProcRunning(ev state.ProcEvent) {
	if ev.Proc.IsDaemon() {
		return
	}
	job, p, ok := c.lookup(ev.Proc)
	if !ok {
		return
	}
	p.State = types.ProcStateRunning
	p.Flags.Set(types.ProcFlagAlive)
	if p.Flags.Has(types.ProcFlagReported) {
		// 重啟後的行程不重複計數
		return
	}
	p.Flags.Set(types.ProcFlagReported)
	job.NumReported++
	if job.State < types.JobStateRunning && job.NumReported >= job.NumProcs {
		c.eng.ActivateJob(job.ID, types.JobStateRunning)
	}
}

func (c *Controller) rootProcRegistered(ev state.ProcEvent) {
	if _, p, ok := c.lookup(ev.Proc); ok {
		p.Flags.Set(types.ProcFlagReg)
	}
}

// rootWaitpidFired 可恢復 job 的異常行程改為重啟，其他行程 I/O 也結束時計為終止
func (c *Controller) rootWaitpidFired(ev state.ProcEvent) {
	job, p, ok := c.lookup(ev.Proc)
	if !ok {
		return
	}
	p.Flags.Set(types.ProcFlagWaitpid)
	if c.restartable(job, p) {
		c.restart(job, p)
		return
	}
	if p.Flags.Has(types.ProcFlagIOFComplete) && !p.Flags.Has(types.ProcFlagRecorded) {
		c.eng.ActivateProc(ev.Proc, types.ProcStateTerminated)
	}
}

func (c *Controller) restartable(job *types.Job, p *types.Proc) bool {
	rt := c.reg.Runtime()
	if job.ID == types.DaemonJob || rt.TermOrdered.Load() || rt.AbnormalTermOrdered.Load() {
		return false
	}
	if !job.Flags.Has(types.JobFlagRecoverable) && !job.Attrs.GetBool(types.AttrContinuousOp) {
		return false
	}
	return p.State.IsError() && p.State != types.ProcStateKilledByCmd && p.State != types.ProcStateCannotRestart
}

// restart 把行程標記為 RESTART 並重新 MAP；超過上限時以 CANNOT_RESTART 結束
func (c *Controller) restart(job *types.Job, p *types.Proc) {
	n := p.Attrs.Incr(types.AttrRestarts)
	if c.cfg.MaxRestarts >= 0 && n > c.cfg.MaxRestarts {
		code := p.ExitCode
		if code == 0 {
			code = errmgr.DefaultExitCode
		}
		c.log.Error("restart limit reached", "proc", p.Name, "restarts", n-1, "exit_code", code)
		p.State = types.ProcStateCannotRestart
		if job.ExitCode == 0 {
			job.ExitCode = code
		}
		c.reg.Runtime().UpdateExitStatus(code)
		p.Flags.Set(types.ProcFlagIOFComplete)
		c.eng.ActivateProc(p.Name, types.ProcStateTerminated)
		return
	}
	c.log.Info("restarting proc", "proc", p.Name, "attempt", n, "state", p.State)
	p.State = types.ProcStateRestart
	job.Flags.Set(types.JobFlagRestart)
	c.eng.ActivateJob(job.ID, types.JobStateMap)
}

func (c *Controller) rootProcTerminated(ev state.ProcEvent) {
	if ev.Proc.IsDaemon() {
		c.daemonGone(ev.Proc.Rank)
		return
	}
	job, p, ok := c.lookup(ev.Proc)
	if !ok {
		return
	}
	if !p.State.IsError() {
		p.State = types.ProcStateTerminated
	}
	p.Flags.Set(types.ProcFlagTerminated)
	if !errmgr.RecordTermination(job, p) {
		return
	}
	if job.AllTerminated() {
		c.eng.ActivateJob(job.ID, types.JobStateTerminated)
	}
}

// daemonGone daemon 回報自己結束
func (c *Controller) daemonGone(vpid types.Rank) {
	if vpid == types.RootRank {
		return
	}
	name := types.DaemonName(vpid)
	if _, p, ok := c.lookup(name); ok {
		p.State = types.ProcStateTerminated
		p.Flags.Unset(types.ProcFlagAlive)
	}
	c.routes.RouteLost(vpid)
	rt := c.reg.Runtime()
	if !rt.TermOrdered.Load() {
		// 沒有下令拆除就結束：視為失聯
		c.log.Error("daemon exited unexpectedly", "daemon", name)
		c.eng.ActivateProc(name, types.ProcStateCommFailed)
		return
	}
	if c.routes.NumRoutes() == 0 {
		c.eng.ActivateJob(types.DaemonJob, types.JobStateDaemonsTerminated)
	}
}

// ============================================================================
// PLM 接收 (TagPLM)
// ============================================================================

func (c *Controller) rootRecv(src types.ProcName, _ messaging.Tag, buf *messaging.Buffer) {
	cmd, err := buf.UnpackCmd()
	if err != nil {
		c.log.Warn("bad plm message", "src", src, "error", err)
		return
	}
	switch cmd {
	case messaging.CmdUpdateProcState:
		c.updateProcStates(src, buf)
	case messaging.CmdDaemonReport:
		c.daemonReported(buf)
	default:
		c.log.Warn("unexpected plm command", "src", src, "cmd", cmd)
	}
}

// updateProcStates 套用狀態報告；已計數的行程與來自前一個 daemon 的報告忽略
func (c *Controller) updateProcStates(src types.ProcName, buf *messaging.Buffer) {
	for buf.Remaining() > 0 {
		id, procs, err := messaging.UnpackStateUpdate(buf)
		if err != nil {
			c.log.Warn("bad state update", "src", src, "error", err)
			return
		}
		if _, ok := c.reg.Job(id); !ok {
			c.log.Debug("state update for unknown job ignored", "job", id, "src", src)
			continue
		}
		for _, st := range procs {
			name := types.ProcName{Job: id, Rank: st.Rank}
			_, p, ok := c.lookup(name)
			if !ok || p.Flags.Has(types.ProcFlagRecorded) {
				continue
			}
			daemon := name.IsDaemon()
			if !daemon && src.IsDaemon() && p.Parent != src.Rank {
				// 重啟後原 daemon 的遲到報告
				continue
			}
			if !daemon && st.State.IsTerminal() && p.Flags.Has(types.ProcFlagWaitpid) {
				continue
			}
			if st.Pid != 0 {
				p.Pid = st.Pid
			}
			p.ExitCode = st.ExitCode
			p.State = st.State
			if !daemon && st.State.IsTerminal() {
				p.Flags.Set(types.ProcFlagIOFComplete | types.ProcFlagWaitpid)
			}
			c.eng.ActivateProc(name, st.State)
		}
	}
}

// daemonReported 登錄 daemon：節點、daemon proc、位址與路由
func (c *Controller) daemonReported(buf *messaging.Buffer) {
	r, err := messaging.UnpackDaemonReport(buf)
	if err != nil {
		c.log.Warn("bad daemon report", "error", err)
		return
	}
	if r.Rank == types.RootRank || r.Rank == types.RankInvalid {
		c.log.Warn("daemon report with invalid rank", "rank", r.Rank)
		return
	}
	dj, _ := c.reg.Job(types.DaemonJob)
	if h, ok := dj.ProcAt(r.Rank); ok {
		if p, err := c.reg.Proc(h); err == nil && p.Flags.Has(types.ProcFlagAlive) {
			c.log.Warn("duplicate daemon report", "daemon", r.Rank, "node", r.Node)
			return
		}
	}

	node, err := c.daemonNode(r.Node)
	if err != nil {
		c.log.Error("cannot register daemon node", "node", r.Node, "error", err)
		return
	}
	node.Daemon = r.Rank
	node.Flags.Set(types.NodeFlagDaemonLaunched)

	name := types.DaemonName(r.Rank)
	p := &types.Proc{Name: name, State: types.ProcStateRunning, Node: types.NoNode, Parent: types.RootRank}
	p.Flags.Set(types.ProcFlagAlive | types.ProcFlagReported)
	dj.SetProcAt(r.Rank, c.reg.NewProc(p))
	dj.NumProcs++
	dj.NumDaemonsReported++

	if r.Address != "" {
		c.dir.Set(name, r.Address)
	}
	c.routes.AddRoute(r.Rank)
	c.log.Info("daemon reported", "daemon", name, "node", r.Node, "addr", r.Address)
	c.eng.ActivateProc(name, types.ProcStateRunning)

	if !c.vmReady && dj.NumDaemonsReported >= c.cfg.ExpectDaemons {
		c.eng.ActivateJob(types.DaemonJob, types.JobStateDaemonsReported)
	}
}

// daemonNode 節點池中的節點；不在池中時以一個 slot 加入
func (c *Controller) daemonNode(name string) (*types.Node, error) {
	if _, n, ok := c.reg.NodeByName(name); ok {
		return n, nil
	}
	n := &types.Node{Name: name, Slots: 1, Daemon: types.RankInvalid}
	if _, err := c.reg.AddNode(n); err != nil {
		return nil, err
	}
	return n, nil
}

// ============================================================================
// errmgr.PLM
// ============================================================================

// plm root 端給 error manager 的行程啟動管理介面
type plm struct{ c *Controller }

var _ errmgr.PLM = plm{}

// TerminateProcs 對每個負責該 job 行程的 daemon 送出終止命令
func (m plm) TerminateProcs(id types.JobID) error {
	c := m.c
	job, ok := c.reg.Job(id)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrJobNotFound, id)
	}
	daemons := make(map[types.Rank]bool)
	for _, h := range job.Procs {
		p, err := c.reg.Proc(h)
		if err != nil || p.Parent == types.RankInvalid || !c.routes.Has(p.Parent) {
			continue
		}
		daemons[p.Parent] = true
	}
	vpids := make([]types.Rank, 0, len(daemons))
	for v := range daemons {
		vpids = append(vpids, v)
	}
	sort.Slice(vpids, func(i, k int) bool { return vpids[i] < vpids[k] })

	targets := []types.ProcName{{Job: id, Rank: types.RankWildcard}}
	for _, vpid := range vpids {
		c.send(types.DaemonName(vpid), messaging.PackKill(targets), messaging.TagDaemon)
	}
	c.log.Info("terminating job procs", "job", id, "daemons", len(vpids))
	return nil
}

// SpawnResponse 啟動失敗時提早回覆提交者
func (m plm) SpawnResponse(job *types.Job) {
	m.c.respond(job)
}
