package controller

import (
	"context"
	"os"

	"github.com/ChuLiYu/gridlaunch/internal/errmgr"
	"github.com/ChuLiYu/gridlaunch/internal/messaging"
	"github.com/ChuLiYu/gridlaunch/internal/state"
	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

// ============================================================================
// Daemon 預設 handler 表
// ============================================================================
//
// daemon 只擁有本地行程：
//   - RUNNING 時回報 root
//   - IOF_COMPLETE 與 WAITPID_FIRED 都到齊時進入 TERMINATED，
//     之後由 error manager 計數並在 job 沒有存活行程時送出完整報告
//   - DAEMONS_TERMINATED 回報自己結束後停止 reactor

func (c *Controller) registerDaemon() {
	e := c.eng
	e.RegisterJobState(types.JobStateDaemonsTerminated, state.PrioritySys, c.daemonExit)
	e.RegisterJobState(types.JobStateForcedExit, state.PriorityError, c.forcedExit)

	e.RegisterProcState(types.ProcStateRunning, state.PriorityMsg, c.daemonProcRunning)
	e.RegisterProcState(types.ProcStateIOFComplete, state.PriorityMsg, c.iofComplete)
	e.RegisterProcState(types.ProcStateWaitpidFired, state.PriorityMsg, c.daemonWaitpidFired)
}

// reportToRoot 啟動後向 root 回報；送不到時交給 error manager
func (c *Controller) reportToRoot(ctx context.Context) {
	self := c.reg.Self()
	buf := messaging.PackDaemonReport(messaging.DaemonReport{
		Rank:    self.Rank,
		Node:    c.cfg.NodeName,
		Address: c.Addr(),
	})

	r, ok := c.msgr.(retrier)
	if !ok {
		c.eng.Post(state.PrioritySys, "daemon-report", func() {
			c.send(types.RootName, buf, messaging.TagPLM)
		})
		return
	}
	if err := r.DeliverWithRetry(ctx, types.RootName, buf, messaging.TagPLM); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.log.Error("cannot reach root", "error", err)
		c.eng.ActivateProc(types.RootName, types.ProcStateFailedToConnect)
		return
	}
	c.log.Info("reported to root", "node", c.cfg.NodeName)
}

func (c *Controller) daemonProcRunning(ev state.ProcEvent) {
	job, p, ok := c.lookup(ev.Proc)
	if !ok || !p.Flags.Has(types.ProcFlagLocal) {
		return
	}
	job.NumReported++
	buf := messaging.NewBuffer()
	buf.PackCmd(messaging.CmdUpdateProcState)
	messaging.PackStateUpdate(buf, job.ID, []messaging.ProcStatus{messaging.StatusOf(p)})
	c.send(types.RootName, buf, messaging.TagPLM)
}

func (c *Controller) daemonWaitpidFired(ev state.ProcEvent) {
	_, p, ok := c.lookup(ev.Proc)
	if !ok {
		return
	}
	p.Flags.Set(types.ProcFlagWaitpid)
	if p.Flags.Has(types.ProcFlagIOFComplete) && !p.Flags.Has(types.ProcFlagRecorded) {
		c.eng.ActivateProc(ev.Proc, types.ProcStateTerminated)
	}
}

// daemonExit 回報自己結束，送出完成後停止 reactor
func (c *Controller) daemonExit(ev state.JobEvent) {
	rt := c.reg.Runtime()
	if !rt.Finalizing.CompareAndSwap(false, true) {
		return
	}
	self := c.reg.Self()
	buf := messaging.NewBuffer()
	buf.PackCmd(messaging.CmdUpdateProcState)
	messaging.PackStateUpdate(buf, types.DaemonJob, []messaging.ProcStatus{{
		Rank:     self.Rank,
		Pid:      os.Getpid(),
		State:    types.ProcStateTerminated,
		ExitCode: rt.ExitStatus(),
	}})
	c.log.Info("daemon exiting", "exit_status", rt.ExitStatus())
	c.msgr.Send(types.RootName, buf, messaging.TagPLM, func(err error, _ types.ProcName, _ messaging.Tag) {
		if err != nil {
			c.log.Warn("exit report not delivered", "error", err)
		}
		c.eng.Stop()
	})
}

// ============================================================================
// Daemon 接收 (TagDaemon)
// ============================================================================

func (c *Controller) daemonRecv(src types.ProcName, _ messaging.Tag, buf *messaging.Buffer) {
	cmd, err := buf.UnpackCmd()
	if err != nil {
		c.log.Warn("bad daemon command", "src", src, "error", err)
		return
	}
	switch cmd {
	case messaging.CmdAddLocalProcs:
		c.addLocalProcs(buf)
	case messaging.CmdKillLocalProcs:
		targets, err := messaging.UnpackKill(buf)
		if err != nil {
			c.log.Warn("bad kill command", "error", err)
			return
		}
		if err := c.odls.KillLocalProcs(targets); err != nil {
			c.log.Warn("kill local procs failed", "error", err)
		}
	case messaging.CmdExit:
		c.exitOrdered()
	case messaging.CmdDirectory:
		c.directory(buf)
	default:
		c.log.Warn("unexpected daemon command", "src", src, "cmd", cmd)
	}
}

// addLocalProcs 建立（或更新）job 與本地行程並啟動
func (c *Controller) addLocalProcs(buf *messaging.Buffer) {
	l, err := messaging.UnpackLaunch(buf)
	if err != nil {
		c.log.Error("bad launch message", "error", err)
		return
	}
	if c.reg.Runtime().TermOrdered.Load() {
		c.log.Warn("launch ignored during teardown", "job", l.Job)
		return
	}
	self := c.reg.Self()

	job, ok := c.reg.Job(l.Job)
	if !ok {
		job = types.NewJob(l.Job)
		job.Flags = l.Flags
		job.State = types.JobStateLaunchApps
		if err := c.reg.AddJob(job); err != nil {
			c.log.Error("cannot add job", "job", l.Job, "error", err)
			return
		}
	} else {
		// 重啟：允許再送一次失敗報告
		job.Attrs.Delete(types.AttrFailNotified)
	}
	job.Apps = l.Apps

	var spawn []*types.Proc
	for _, lp := range l.Procs {
		if lp.Parent != self.Rank {
			continue
		}
		name := types.ProcName{Job: l.Job, Rank: lp.Rank}
		p, _, exists := c.reg.LookupProc(name)
		if exists {
			if p.Flags.Has(types.ProcFlagRecorded) {
				job.NumTerminated--
			}
			p.Flags = 0
			p.Pid = 0
			p.ExitCode = 0
		} else {
			p = &types.Proc{Name: name, Node: types.NoNode}
			h := c.reg.NewProc(p)
			job.SetProcAt(lp.Rank, h)
			c.reg.AddLocalChild(h)
			job.NumLocalProcs++
			job.NumProcs++
		}
		p.State = types.ProcStateInit
		p.Parent = self.Rank
		p.AppIdx = lp.AppIdx
		p.LocalRank = lp.LocalRank
		p.NodeRank = lp.NodeRank
		if lp.Locale != "" {
			p.Attrs.Set(types.AttrLocale, lp.Locale)
		} else {
			p.Attrs.Delete(types.AttrLocale)
		}
		p.Flags.Set(types.ProcFlagLocal)
		spawn = append(spawn, p)
	}
	job.NumLaunched += len(spawn)
	c.log.Info("launching local procs", "job", job.ID, "procs", len(spawn))

	for _, p := range spawn {
		var app *types.AppContext
		if p.AppIdx >= 0 && p.AppIdx < len(job.Apps) {
			app = job.Apps[p.AppIdx]
		}
		if err := c.odls.Spawn(p, app); err != nil {
			c.log.Error("spawn failed", "proc", p.Name, "error", err)
		}
	}
}

// exitOrdered root 下令結束：終止本地行程，全部結束後回報
func (c *Controller) exitOrdered() {
	rt := c.reg.Runtime()
	if !rt.TermOrdered.CompareAndSwap(false, true) {
		return
	}
	if c.detector != nil {
		c.detector.Stop()
	}
	if c.odls.NumLive() == 0 {
		c.eng.ActivateJob(types.DaemonJob, types.JobStateDaemonsTerminated)
		return
	}
	c.log.Info("exit ordered, killing local procs", "live", c.odls.NumLive())
	if err := c.odls.KillLocalProcs([]types.ProcName{types.WildcardName}); err != nil {
		c.log.Warn("kill local procs failed", "error", err)
	}
	// 正常結束的行程不會經過 error manager 的拆除路徑：等所有子行程回收
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		c.odls.Wait()
		c.eng.Post(state.PrioritySys, "local-procs-reaped", func() {
			c.eng.ActivateJob(types.DaemonJob, types.JobStateDaemonsTerminated)
		})
	}()
}

// directory 記錄其他 daemon 的位址並啟動心跳環
func (c *Controller) directory(buf *messaging.Buffer) {
	entries, err := messaging.UnpackDirectory(buf)
	if err != nil {
		c.log.Warn("bad directory", "error", err)
		return
	}
	for vpid, addr := range entries {
		if addr != "" {
			c.dir.Set(types.DaemonName(vpid), addr)
		}
	}
	if c.cfg.Heartbeat == nil || c.detector != nil || len(entries) < 2 {
		return
	}
	cfg := *c.cfg.Heartbeat
	cfg.NumDaemons = len(entries)
	opts := []errmgr.Option{errmgr.WithClock(c.clk), errmgr.WithLogger(c.base.With("component", "heartbeat"))}
	if c.obs != nil {
		opts = append(opts, errmgr.WithObserver(c.obs))
	}
	c.detector = errmgr.NewDetector(cfg, c.reg.Self().Rank, c.eng, c.msgr, opts...)
	c.detector.Start()
	c.log.Info("heartbeat started", "daemons", cfg.NumDaemons, "observing", c.detector.Observing())
}
