package errmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/gridlaunch/internal/messaging"
	"github.com/ChuLiYu/gridlaunch/internal/registry"
	"github.com/ChuLiYu/gridlaunch/internal/state"
	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

func TestNewRootRequiresPLM(t *testing.T) {
	hub := messaging.NewHub()
	eng := state.NewEngine(state.RoleMaster)
	_, err := NewRoot(Deps{
		Registry:  registry.New(types.RootName),
		Engine:    eng,
		Messenger: hub.Endpoint(types.RootName, eng),
		Routes:    messaging.NewRoutes(),
	})
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestRootFirstFailureWins(t *testing.T) {
	f := newRootFixture(t)

	f.fail(types.ProcName{Job: 1, Rank: 1}, types.ProcStateAbortedBySig, 9)
	f.fail(types.ProcName{Job: 1, Rank: 2}, types.ProcStateAborted, 3)
	f.flush()

	job := f.job(1)
	assert.Equal(t, 9, job.ExitCode)
	assert.Equal(t, types.JobStateAbortedBySig, job.State)
	aborted, ok := job.Attrs.GetProcName(types.AttrAbortedProc)
	require.True(t, ok)
	assert.Equal(t, types.ProcName{Job: 1, Rank: 1}, aborted)
	assert.True(t, f.proc(types.ProcName{Job: 1, Rank: 1}).Flags.Has(types.ProcFlagAborted))
	assert.False(t, f.proc(types.ProcName{Job: 1, Rank: 2}).Flags.Has(types.ProcFlagAborted))

	assert.Equal(t, []types.JobID{1}, f.plm.terminated)
	assert.Equal(t, []types.JobID{1}, f.plm.responses)
	assert.Equal(t, []launchResp{{status: 9, job: 1}}, f.resps)
	assert.Equal(t, 9, f.reg.Runtime().ExitStatus())
	assert.Empty(t, f.jobs.events, "job completes through waitpid accounting")
}

func TestRootNonZeroExit(t *testing.T) {
	t.Run("recorded only", func(t *testing.T) {
		f := newRootFixture(t)
		f.fail(types.ProcName{Job: 1, Rank: 0}, types.ProcStateTermNonZero, 2)
		f.fail(types.ProcName{Job: 1, Rank: 1}, types.ProcStateTermNonZero, 5)
		f.flush()

		job := f.job(1)
		n, ok := job.Attrs.GetInt(types.AttrNumNonzeroExit)
		require.True(t, ok)
		assert.Equal(t, 2, n)
		assert.Equal(t, 2, job.ExitCode)
		assert.Equal(t, 2, f.reg.Runtime().ExitStatus())
		assert.False(t, job.Flags.Has(types.JobFlagAborted))
		assert.Empty(t, f.plm.terminated)
		assert.Empty(t, f.resps)
	})

	t.Run("abort on non-zero", func(t *testing.T) {
		f := newRootFixture(t, WithAbortOnNonZero(true))
		f.fail(types.ProcName{Job: 1, Rank: 0}, types.ProcStateTermNonZero, 2)
		f.fail(types.ProcName{Job: 1, Rank: 1}, types.ProcStateTermNonZero, 5)
		f.flush()

		job := f.job(1)
		assert.True(t, job.Flags.Has(types.JobFlagAborted))
		assert.Equal(t, types.JobStateNonZeroTerm, job.State)
		assert.Equal(t, []types.JobID{1}, f.plm.terminated)
		assert.Equal(t, []launchResp{{status: 2, job: 1}}, f.resps)
	})
}

func TestRootLaunchFailureTerminatesJob(t *testing.T) {
	f := newRootFixture(t)
	f.fail(types.ProcName{Job: 1, Rank: 0}, types.ProcStateFailedToStart, 127)
	f.flush()

	assert.Equal(t, types.JobStateFailedToStart, f.job(1).State)
	assert.Equal(t, []launchResp{{status: 127, job: 1}}, f.resps)
	require.Len(t, f.jobs.events, 1)
	assert.Equal(t, state.JobEvent{Job: 1, State: types.JobStateTerminated}, f.jobs.events[0])
}

func TestRootDaemonCommFailure(t *testing.T) {
	f := newRootFixture(t)
	f.eng.ActivateProc(types.DaemonName(1), types.ProcStateCommFailed)
	f.flush()

	d1 := f.proc(types.DaemonName(1))
	assert.Equal(t, types.ProcStateCommFailed, d1.State)
	assert.False(t, d1.Flags.Has(types.ProcFlagAlive))
	assert.False(t, f.routes.Has(1))
	assert.Equal(t, 1, f.routes.NumRoutes())

	daemons := f.job(types.DaemonJob)
	assert.True(t, daemons.Flags.Has(types.JobFlagAborted))
	assert.Equal(t, daemons.NumProcs, daemons.NumTerminated)
	assert.Equal(t, []types.JobID{1}, f.plm.terminated, "every application job is torn down")
	assert.Equal(t, []types.JobState{types.JobStateTerminated}, f.jobs.states())
	assert.Equal(t, DefaultExitCode, f.reg.Runtime().ExitStatus())

	// 第二個 daemon 失聯不會再 abort
	f.eng.ActivateProc(types.DaemonName(2), types.ProcStateCommFailed)
	f.flush()
	assert.Equal(t, []types.JobID{1}, f.plm.terminated)
}

func TestRootRoutesLostDuringTeardown(t *testing.T) {
	f := newRootFixture(t)
	f.reg.Runtime().TermOrdered.Store(true)

	f.eng.ActivateProc(types.DaemonName(1), types.ProcStateCommFailed)
	f.flush()
	assert.Empty(t, f.jobs.events)

	f.eng.ActivateProc(types.DaemonName(2), types.ProcStateCommFailed)
	f.flush()
	assert.Equal(t, []types.JobState{types.JobStateDaemonsTerminated}, f.jobs.states())
	assert.Empty(t, f.plm.terminated)
}

func TestRootIgnoresApplicationCommFailure(t *testing.T) {
	f := newRootFixture(t)
	f.eng.ActivateProc(types.ProcName{Job: 1, Rank: 0}, types.ProcStateCommFailed)
	f.eng.ActivateProc(types.RootName, types.ProcStateCommFailed)
	f.flush()

	assert.Empty(t, f.plm.terminated)
	assert.Empty(t, f.jobs.events)
	assert.Equal(t, 2, f.routes.NumRoutes())
	assert.True(t, f.proc(types.RootName).Flags.Has(types.ProcFlagAlive))
}

func TestRootHeartbeatFailure(t *testing.T) {
	f := newRootFixture(t)
	f.fail(types.DaemonName(2), types.ProcStateHeartbeatFailed, 0)
	f.flush()

	assert.False(t, f.routes.Has(2))
	daemons := f.job(types.DaemonJob)
	assert.Equal(t, types.JobStateHeartbeatFailed, daemons.State)
	assert.Equal(t, DefaultExitCode, daemons.ExitCode)
	assert.Equal(t, []types.JobID{1}, f.plm.terminated)
}

func TestRootUnreachableDaemon(t *testing.T) {
	f := newRootFixture(t)
	f.fail(types.DaemonName(1), types.ProcStateUnableToSendMsg, 0)
	f.flush()

	assert.Equal(t, []types.JobState{types.JobStateDaemonsTerminated}, f.jobs.states())
	assert.Equal(t, DefaultExitCode, f.reg.Runtime().ExitStatus())
}

func TestRootRecoverableJobIsKept(t *testing.T) {
	tests := []struct {
		name  string
		setup func(job *types.Job)
	}{
		{name: "recoverable flag", setup: func(job *types.Job) { job.Flags.Set(types.JobFlagRecoverable) }},
		{name: "continuous operation", setup: func(job *types.Job) { job.Attrs.Set(types.AttrContinuousOp, true) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRootFixture(t)
			tt.setup(f.job(1))

			name := types.ProcName{Job: 1, Rank: 0}
			f.fail(name, types.ProcStateAbortedBySig, 9)
			f.flush()

			assert.False(t, f.job(1).Flags.Has(types.JobFlagAborted))
			assert.Empty(t, f.plm.terminated)
			assert.True(t, f.proc(name).Flags.Has(types.ProcFlagIOFComplete))
			require.Len(t, f.waitpid.events, 1)
			assert.Equal(t, name, f.waitpid.events[0].Proc)
		})
	}
}

func TestRootRedispatchesWaitpid(t *testing.T) {
	f := newRootFixture(t)
	name := types.ProcName{Job: 1, Rank: 0}
	f.proc(name).Flags.Set(types.ProcFlagWaitpid)

	f.fail(name, types.ProcStateTermNonZero, 3)
	f.flush()

	require.Len(t, f.waitpid.events, 1)
	assert.Equal(t, name, f.waitpid.events[0].Proc)
}

func TestRootIgnoresWhileFinalizing(t *testing.T) {
	f := newRootFixture(t)
	f.reg.Runtime().Finalizing.Store(true)

	f.fail(types.ProcName{Job: 1, Rank: 0}, types.ProcStateAborted, 4)
	f.eng.ActivateJob(1, types.JobStateAborted)
	f.flush()

	assert.Empty(t, f.plm.terminated)
	assert.Empty(t, f.resps)
	assert.Equal(t, types.JobStateRunning, f.job(1).State)
}

func TestRootUnknownJobForcesExit(t *testing.T) {
	f := newRootFixture(t)

	f.eng.ActivateJob(99, types.JobStateAborted)
	f.flush()

	assert.Equal(t, []types.JobState{types.JobStateForcedExit}, f.jobs.states())
	assert.Equal(t, DefaultExitCode, f.reg.Runtime().ExitStatus())
	assert.Empty(t, f.plm.terminated)
	assert.Empty(t, f.resps)
	assert.Equal(t, types.JobStateRunning, f.job(1).State)
}

func TestRootAbort(t *testing.T) {
	f := newRootFixture(t)

	f.r.Abort(0, "operator request")
	f.r.Abort(5, "again")
	f.flush()

	assert.Equal(t, []types.JobID{1}, f.plm.terminated)
	assert.Equal(t, []types.JobState{types.JobStateTerminated}, f.jobs.states())
	assert.Equal(t, types.DaemonJob, f.jobs.events[0].Job)
	assert.Equal(t, DefaultExitCode, f.reg.Runtime().ExitStatus())
	assert.Empty(t, f.exits)

	f.clk.Add(DefaultAbortTimeout)
	require.Eventually(t, func() bool { return f.eng.Pending() > 0 }, time.Second, time.Millisecond)
	f.flush()
	assert.Equal(t, []int{DefaultExitCode}, f.exits)
}
