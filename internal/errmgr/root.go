package errmgr

import (
	"github.com/ChuLiYu/gridlaunch/internal/messaging"
	"github.com/ChuLiYu/gridlaunch/internal/state"
	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

// ============================================================================
// Root 變體
// ============================================================================
//
// root 擁有完整的 job 表，是唯一決定 job abort 與結束碼的地方。
// 第一個異常終止的行程決定 job 的結束碼，之後的失敗只做記錄（job ABORTED 旗標）。

// Root root coordinator 的 error manager
type Root struct {
	base
	plm PLM
}

// NewRoot 建立 root 變體
func NewRoot(d Deps, opts ...Option) (*Root, error) {
	if err := d.validate(true); err != nil {
		return nil, err
	}
	r := &Root{base: newBase(d, opts), plm: d.PLM}
	r.log = r.log.With("variant", "root")
	return r, nil
}

// Register 在 engine 上註冊錯誤處理；必須在預設表之後呼叫
func (r *Root) Register() {
	r.eng.RegisterJobState(types.JobStateError, state.PriorityError, r.jobErrors)
	r.eng.RegisterProcState(types.ProcStateError, state.PriorityError, r.procErrors)
	r.eng.RegisterProcState(types.ProcStateCommFailed, state.PriorityMsg, r.procErrors)
}

// Abort 終止所有 job 並結束。重複呼叫不做任何事；計時器與 daemon 變體相同。
func (r *Root) Abort(code int, msg string) {
	rt := r.reg.Runtime()
	if !rt.AbnormalTermOrdered.CompareAndSwap(false, true) {
		return
	}
	r.log.Error("aborting", "code", code, "reason", msg)
	if code == 0 {
		code = DefaultExitCode
	}
	rt.UpdateExitStatus(code)
	r.eng.Post(state.PriorityError, "root-abort", func() {
		r.terminateAll()
		r.eng.ActivateJob(types.DaemonJob, types.JobStateTerminated)
	})
	r.armAbortTimer(code)
}

// terminateAll 下令終止所有應用 job 的行程
func (r *Root) terminateAll() {
	for _, job := range r.reg.Jobs() {
		if job.ID == types.DaemonJob {
			continue
		}
		if err := r.plm.TerminateProcs(job.ID); err != nil {
			r.log.Warn("terminate procs failed", "job", job.ID, "error", err)
		}
	}
}

// ============================================================================
// Job 錯誤
// ============================================================================

func (r *Root) jobErrors(ev state.JobEvent) {
	if r.reg.Runtime().Finalizing.Load() {
		return
	}
	log := r.log.With("job", ev.Job, "state", ev.State)

	job, ok := r.reg.Job(ev.Job)
	if !ok {
		log.Error("job error for unknown job, forcing exit")
		r.forcedTerminate(DefaultExitCode)
		return
	}
	job.State = ev.State
	r.obs.ObserveAbort(job.ID, ev.State.String())

	if job.ID == types.DaemonJob {
		// daemon 樹本身失效：所有 daemon 視為已結束
		log.Error("daemon job failed, tearing down")
		r.terminateAll()
		job.NumTerminated = job.NumProcs
		r.eng.ActivateJob(types.DaemonJob, types.JobStateTerminated)
		return
	}

	log.Error("job failed", "exit_code", job.ExitCode)
	if orig := job.Originator; orig.Job != types.JobIDInvalid {
		status := job.ExitCode
		if status == 0 {
			status = DefaultExitCode
		}
		r.send(orig, messaging.PackLaunchResponse(status, job.ID), messaging.TagLaunchResp, "launch-response")
	}
	if err := r.plm.TerminateProcs(job.ID); err != nil {
		log.Warn("terminate procs failed", "error", err)
	}
	r.plm.SpawnResponse(job)

	if isLaunchFailure(ev.State) {
		r.eng.ActivateJob(job.ID, types.JobStateTerminated)
	}
}

// isLaunchFailure 行程從未開始執行的 job 狀態
func isLaunchFailure(s types.JobState) bool {
	switch s {
	case types.JobStateFailedToStart,
		types.JobStateNeverLaunched,
		types.JobStateFailedToLaunch,
		types.JobStateAllocFailed,
		types.JobStateMapFailed,
		types.JobStateCannotLaunch:
		return true
	}
	return false
}

// ============================================================================
// Proc 錯誤
// ============================================================================

func (r *Root) procErrors(ev state.ProcEvent) {
	rt := r.reg.Runtime()
	if rt.Finalizing.Load() {
		return
	}
	log := r.log.With("proc", ev.Proc, "state", ev.State)

	job, ok := r.reg.Job(ev.Proc.Job)
	if !ok {
		log.Debug("proc state for unknown job ignored")
		return
	}
	p, _, ok := r.reg.LookupProc(ev.Proc)

	if ev.State == types.ProcStateCommFailed {
		r.commFailed(ev, job, p)
		return
	}
	if !ok {
		log.Debug("proc state for unknown proc ignored")
		return
	}
	if p.State < types.ProcStateTerminated {
		p.State = ev.State
	}

	if ev.Proc.IsDaemon() && rt.TermOrdered.Load() {
		r.routes.RouteLost(ev.Proc.Rank)
		r.checkDaemonsTerminated()
		return
	}

	if job.Attrs.GetBool(types.AttrContinuousOp) || job.Flags.Has(types.JobFlagRecoverable) {
		// 保留 job，等待之後重新放置
		log.Info("recoverable job, proc will be re-placed")
		if !p.Flags.Has(types.ProcFlagLocal) {
			p.Flags.Set(types.ProcFlagIOFComplete)
		}
		r.eng.ActivateProc(ev.Proc, types.ProcStateWaitpidFired)
		return
	}

	switch ev.State {
	case types.ProcStateAborted,
		types.ProcStateAbortedBySig,
		types.ProcStateTermWOSync,
		types.ProcStateCalledAbort,
		types.ProcStateSensorBound,
		types.ProcStateHeartbeatFailed:
		if ev.State == types.ProcStateHeartbeatFailed && ev.Proc.IsDaemon() {
			r.routes.RouteLost(ev.Proc.Rank)
		}
		r.abortJob(job, p, jobStateFor(ev.State), p.ExitCode)

	case types.ProcStateFailedToStart, types.ProcStateFailedToLaunch:
		r.abortJob(job, p, jobStateFor(ev.State), p.ExitCode)

	case types.ProcStateTermNonZero:
		job.Attrs.Incr(types.AttrNumNonzeroExit)
		if job.ExitCode == 0 {
			job.ExitCode = p.ExitCode
		}
		rt.UpdateExitStatus(p.ExitCode)
		if r.abortOnNonZero {
			r.abortJob(job, p, types.JobStateNonZeroTerm, p.ExitCode)
		}

	case types.ProcStateUnableToSendMsg:
		if ev.Proc.IsDaemon() {
			log.Error("cannot reach daemon, tearing down")
			rt.UpdateExitStatus(DefaultExitCode)
			r.eng.ActivateJob(types.DaemonJob, types.JobStateDaemonsTerminated)
		}
	}

	if p.Flags.Has(types.ProcFlagWaitpid) {
		r.eng.ActivateProc(ev.Proc, types.ProcStateWaitpidFired)
	}
}

// commFailed 只關心 daemon 的連線；應用行程的斷線由其 daemon 處理
func (r *Root) commFailed(ev state.ProcEvent, job *types.Job, p *types.Proc) {
	if !ev.Proc.IsDaemon() || ev.Proc == r.reg.Self() {
		return
	}
	rt := r.reg.Runtime()
	if p != nil {
		p.Flags.Unset(types.ProcFlagAlive)
		p.State = types.ProcStateCommFailed
	}
	if rt.TermOrdered.Load() || rt.AbnormalTermOrdered.Load() {
		r.routes.RouteLost(ev.Proc.Rank)
		r.checkDaemonsTerminated()
		return
	}
	if job.Flags.Has(types.JobFlagAborted) {
		return
	}
	code := DefaultExitCode
	if p != nil && p.ExitCode != 0 {
		code = p.ExitCode
	}
	r.log.Error("lost connection to daemon", "daemon", ev.Proc)
	r.routes.RouteLost(ev.Proc.Rank)
	r.abortJob(job, p, types.JobStateCommFailed, code)
}

// abortJob 第一個失敗者勝出：只有第一次會記錄行程與結束碼並啟動 job 錯誤狀態
func (r *Root) abortJob(job *types.Job, p *types.Proc, js types.JobState, code int) {
	if job.Flags.Has(types.JobFlagAborted) {
		return
	}
	job.Flags.Set(types.JobFlagAborted)
	if code == 0 {
		code = DefaultExitCode
	}
	job.ExitCode = code
	if p != nil {
		job.Attrs.Set(types.AttrAbortedProc, p.Name)
		p.Flags.Set(types.ProcFlagAborted)
	}
	r.reg.Runtime().UpdateExitStatus(code)
	r.log.Error("aborting job", "job", job.ID, "state", js, "exit_code", code)
	r.eng.ActivateJob(job.ID, js)
}

// checkDaemonsTerminated 拆除中最後一條路由消失時結束
func (r *Root) checkDaemonsTerminated() {
	if r.routes.NumRoutes() == 0 && r.allLocalTerminated() {
		r.eng.ActivateJob(types.DaemonJob, types.JobStateDaemonsTerminated)
	}
}

// jobStateFor 行程錯誤對應的 job 狀態
func jobStateFor(s types.ProcState) types.JobState {
	switch s {
	case types.ProcStateAborted:
		return types.JobStateAborted
	case types.ProcStateAbortedBySig:
		return types.JobStateAbortedBySig
	case types.ProcStateTermWOSync:
		return types.JobStateAbortedWOSync
	case types.ProcStateCalledAbort:
		return types.JobStateCalledAbort
	case types.ProcStateSensorBound:
		return types.JobStateSensorBound
	case types.ProcStateHeartbeatFailed:
		return types.JobStateHeartbeatFailed
	case types.ProcStateFailedToStart:
		return types.JobStateFailedToStart
	case types.ProcStateFailedToLaunch:
		return types.JobStateFailedToLaunch
	case types.ProcStateTermNonZero:
		return types.JobStateNonZeroTerm
	case types.ProcStateCommFailed:
		return types.JobStateCommFailed
	}
	return types.JobStateAborted
}
