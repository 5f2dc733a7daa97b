package errmgr

import (
	"log/slog"

	"github.com/ChuLiYu/gridlaunch/internal/messaging"
	"github.com/ChuLiYu/gridlaunch/internal/state"
	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

// ============================================================================
// Daemon 變體
// ============================================================================

// Daemon 節點 daemon 的 error manager；只處理本地行程，決定一律上報給 root
type Daemon struct {
	base
}

// NewDaemon 建立 daemon 變體；Register 之後才會接手狀態
func NewDaemon(d Deps, opts ...Option) (*Daemon, error) {
	if err := d.validate(false); err != nil {
		return nil, err
	}
	dm := &Daemon{base: newBase(d, opts)}
	dm.log = dm.log.With("variant", "daemon")
	return dm, nil
}

// Register 在 engine 上註冊錯誤處理；必須在預設表之後呼叫
func (d *Daemon) Register() {
	d.eng.RegisterJobState(types.JobStateError, state.PriorityError, d.jobErrors)
	d.eng.RegisterProcState(types.ProcStateCommFailed, state.PriorityMsg, d.procErrors)
	d.eng.RegisterProcState(types.ProcStateError, state.PriorityError, d.procErrors)
	d.eng.RegisterProcState(types.ProcStateTerminated, state.PriorityMsg, d.procErrors)
}

// ============================================================================
// Abort
// ============================================================================

// Abort 自行異常結束。重複呼叫不做任何事。
// 先送出 CALLED_ABORT 報告給 root，然後一定會啟動計時器：
// 如果在時限內沒有收到終止命令，自行終止本地行程並結束。
// 可以從任何 goroutine 呼叫。
func (d *Daemon) Abort(code int, msg string) {
	rt := d.reg.Runtime()
	if !rt.AbnormalTermOrdered.CompareAndSwap(false, true) {
		d.log.Debug("abort already in progress", "code", code)
		return
	}
	self := d.reg.Self()
	d.log.Error("aborting", "code", code, "reason", msg)
	rt.UpdateExitStatus(code)

	buf := messaging.NewBuffer()
	buf.PackCmd(messaging.CmdUpdateProcState)
	messaging.PackStateUpdate(buf, self.Job, []messaging.ProcStatus{{
		Rank:     self.Rank,
		Pid:      d.pid,
		State:    types.ProcStateCalledAbort,
		ExitCode: code,
	}})
	d.obs.ObserveReport("abort")
	d.msgr.Send(types.RootName, buf, messaging.TagPLM, func(err error, dest types.ProcName, _ messaging.Tag) {
		if err != nil {
			d.log.Error("abort report not delivered, exiting now", "dest", dest, "error", err)
			d.quit(code)
		}
	})

	d.armAbortTimer(code)
}

// ============================================================================
// Job 錯誤
// ============================================================================

func (d *Daemon) jobErrors(ev state.JobEvent) {
	if d.reg.Runtime().Finalizing.Load() {
		return
	}
	log := d.log.With("job", ev.Job, "state", ev.State)

	job, ok := d.reg.Job(ev.Job)
	if !ok {
		log.Error("job error for unknown job, forcing exit")
		d.forcedTerminate(DefaultExitCode)
		return
	}
	job.State = ev.State

	switch ev.State {
	case types.JobStateFailedToStart:
		// 行程根本沒有啟動，不會有 I/O 或 waitpid 事件
		for _, p := range d.reg.LocalChildrenOf(job.ID) {
			p.Flags.Set(types.ProcFlagIOFComplete | types.ProcFlagWaitpid)
		}
	case types.JobStateCommFailed:
		log.Error("lost communication, killing local procs")
		d.killAll()
		d.forcedTerminate(DefaultExitCode)
		return
	case types.JobStateHeartbeatFailed:
		return
	}

	log.Info("reporting job state")
	d.send(types.RootName, d.jobReport(job), messaging.TagPLM, "job-state")
}

// jobReport 本地所有屬於 job 的行程，依本地子行程清單順序
func (d *Daemon) jobReport(job *types.Job) *messaging.Buffer {
	children := d.reg.LocalChildrenOf(job.ID)
	procs := make([]messaging.ProcStatus, 0, len(children))
	for _, p := range children {
		procs = append(procs, messaging.StatusOf(p))
	}
	buf := messaging.NewBuffer()
	buf.PackCmd(messaging.CmdUpdateProcState)
	messaging.PackStateUpdate(buf, job.ID, procs)
	return buf
}

// procReport 單一行程的報告
func procReport(job types.JobID, p *types.Proc) *messaging.Buffer {
	buf := messaging.NewBuffer()
	buf.PackCmd(messaging.CmdUpdateProcState)
	messaging.PackStateUpdate(buf, job, []messaging.ProcStatus{messaging.StatusOf(p)})
	return buf
}

// ============================================================================
// Proc 錯誤
// ============================================================================

func (d *Daemon) procErrors(ev state.ProcEvent) {
	rt := d.reg.Runtime()
	log := d.log.With("proc", ev.Proc, "state", ev.State)

	if rt.Finalizing.Load() {
		log.Debug("finalizing, ignoring proc state")
		return
	}

	switch ev.State {
	case types.ProcStateHeartbeatFailed:
		// 交給 root 決定
		return
	case types.ProcStateLifelineLost,
		types.ProcStateUnableToSendMsg,
		types.ProcStateNoPathToTarget,
		types.ProcStatePeerUnknown,
		types.ProcStateFailedToConnect:
		log.Error("communication tree broken, terminating")
		rt.UpdateExitStatus(DefaultExitCode)
		d.killAll()
		d.forcedTerminate(DefaultExitCode)
		return
	}

	job, ok := d.reg.Job(ev.Proc.Job)
	if !ok {
		log.Debug("proc state for unknown job ignored")
		return
	}

	if ev.State == types.ProcStateCommFailed {
		d.commFailed(ev, log)
		return
	}

	p, _, ok := d.reg.LookupProc(ev.Proc)
	if !ok {
		log.Error("proc state for unknown child, forcing exit")
		d.forcedTerminate(DefaultExitCode)
		return
	}
	if !p.Flags.Has(types.ProcFlagLocal) {
		return
	}

	switch {
	case ev.State == types.ProcStateTermNonZero:
		p.State = ev.State
		d.notifyOnce(job, p)
		if bookkeepingDone(p) {
			d.eng.ActivateProc(ev.Proc, types.ProcStateTerminated)
		}

	case ev.State == types.ProcStateFailedToStart || ev.State == types.ProcStateFailedToLaunch:
		p.State = ev.State
		RecordTermination(job, p)
		if job.NumTerminated >= job.NumLocalProcs {
			js := types.JobStateFailedToStart
			if ev.State == types.ProcStateFailedToLaunch {
				js = types.JobStateFailedToLaunch
			}
			d.eng.ActivateJob(job.ID, js)
		}

	case ev.State > types.ProcStateTerminated:
		p.State = ev.State
		if rt.TermOrdered.Load() {
			// 拆除已下令：只做本地計數
			RecordTermination(job, p)
			if d.allLocalTerminated() && d.routes.NumRoutes() == 0 {
				d.eng.ActivateJob(types.DaemonJob, types.JobStateDaemonsTerminated)
			}
			return
		}
		d.notifyOnce(job, p)
		if bookkeepingDone(p) {
			d.eng.ActivateProc(ev.Proc, types.ProcStateTerminated)
		}

	case ev.State == types.ProcStateTerminated:
		d.terminated(job, p, log)
	}
}

// commFailed 與某個 peer 的連線中斷
func (d *Daemon) commFailed(ev state.ProcEvent, log *slog.Logger) {
	if ev.Proc == d.reg.Self() {
		return
	}
	if !ev.Proc.IsDaemon() {
		// 與本地行程斷線等同行程結束：走 waitpid 路徑，終止計數只在一處
		p, _, ok := d.reg.LookupProc(ev.Proc)
		if !ok {
			d.forcedTerminate(DefaultExitCode)
			return
		}
		if !p.Flags.Has(types.ProcFlagLocal) {
			return
		}
		p.Flags.Set(types.ProcFlagIOFComplete)
		d.eng.ActivateProc(ev.Proc, types.ProcStateWaitpidFired)
		return
	}
	if d.reg.Runtime().TermOrdered.Load() && d.allLocalTerminated() && d.routes.NumRoutes() == 0 {
		log.Debug("last route gone during teardown")
		d.eng.ActivateJob(types.DaemonJob, types.JobStateDaemonsTerminated)
	}
}

// notifyOnce 每個 job 只送一次異常終止報告
func (d *Daemon) notifyOnce(job *types.Job, p *types.Proc) {
	if job.Attrs.GetBool(types.AttrFailNotified) {
		return
	}
	job.Attrs.Set(types.AttrFailNotified, true)
	d.log.Info("reporting abnormal termination", "proc", p.Name, "state", p.State, "exit_code", p.ExitCode)
	d.send(types.RootName, procReport(job.ID, p), messaging.TagPLM, "proc-failure")
}

// terminated 行程正常結束；job 沒有存活行程時送出完整報告並釋放 job。
// 這是 daemon 端唯一釋放 job 的路徑。
func (d *Daemon) terminated(job *types.Job, p *types.Proc, log *slog.Logger) {
	if !p.State.IsError() {
		p.State = types.ProcStateTerminated
	}
	if !RecordTermination(job, p) {
		return
	}
	p.Flags.Set(types.ProcFlagTerminated)

	if d.reg.AnyLocalChildAlive(job.ID) {
		return
	}

	buf := d.jobReport(job)
	d.reg.RemoveLocalChildren(job.ID)
	d.cleanup(job.ID)
	if err := d.reg.RemoveJob(job.ID); err != nil {
		d.log.Warn("release job failed", "job", job.ID, "error", err)
	}
	log.Info("all local procs terminated, reporting", "job", job.ID)
	d.send(types.RootName, buf, messaging.TagPLM, "job-complete")
}
