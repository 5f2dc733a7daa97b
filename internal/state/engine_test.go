package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	seen []string
}

func (r *recorder) job(tag string) JobHandler {
	return func(ev JobEvent) { r.seen = append(r.seen, tag+":"+ev.State.String()) }
}

func (r *recorder) proc(tag string) ProcHandler {
	return func(ev ProcEvent) { r.seen = append(r.seen, tag+":"+ev.State.String()) }
}

func TestActivateExactMatch(t *testing.T) {
	e := NewEngine(RoleMaster)
	rec := &recorder{}
	e.RegisterJobState(types.JobStateMap, PrioritySys, rec.job("map"))

	e.ActivateJob(1, types.JobStateMap)
	assert.Equal(t, 1, e.Pending())
	assert.Equal(t, 1, e.RunPending())
	assert.Equal(t, []string{"map:PENDING MAPPING"}, rec.seen)
}

func TestActivateFallbacks(t *testing.T) {
	tests := []struct {
		name     string
		register func(e *Engine, rec *recorder)
		state    types.ProcState
		want     []string
	}{
		{
			name: "error entry catches error-class states",
			register: func(e *Engine, rec *recorder) {
				e.RegisterProcState(types.ProcStateError, PriorityError, rec.proc("error"))
				e.RegisterProcState(types.ProcStateAny, PriorityInfo, rec.proc("any"))
			},
			state: types.ProcStateTermNonZero,
			want:  []string{"error:EXITED WITH NON-ZERO STATUS"},
		},
		{
			name: "non-error state falls to ANY",
			register: func(e *Engine, rec *recorder) {
				e.RegisterProcState(types.ProcStateError, PriorityError, rec.proc("error"))
				e.RegisterProcState(types.ProcStateAny, PriorityInfo, rec.proc("any"))
			},
			state: types.ProcStateRunning,
			want:  []string{"any:RUNNING"},
		},
		{
			name: "error-class state without ERROR entry falls to ANY",
			register: func(e *Engine, rec *recorder) {
				e.RegisterProcState(types.ProcStateAny, PriorityInfo, rec.proc("any"))
			},
			state: types.ProcStateAborted,
			want:  []string{"any:ABORTED"},
		},
		{
			name:     "unregistered state is dropped",
			register: func(e *Engine, rec *recorder) {},
			state:    types.ProcStateRunning,
			want:     nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(RoleDaemon)
			rec := &recorder{}
			tt.register(e, rec)
			e.ActivateProc(types.ProcName{Job: 1, Rank: 0}, tt.state)
			e.RunPending()
			assert.Equal(t, tt.want, rec.seen)
		})
	}
}

func TestPriorityOrderingAndFIFO(t *testing.T) {
	e := NewEngine(RoleMaster)
	var order []string
	mk := func(tag string) ProcHandler {
		return func(ev ProcEvent) { order = append(order, tag+ev.Proc.Rank.String()) }
	}
	e.RegisterProcState(types.ProcStateRunning, PriorityInfo, mk("run"))
	e.RegisterProcState(types.ProcStateTermNonZero, PriorityError, mk("err"))
	e.RegisterProcState(types.ProcStateCommFailed, PriorityMsg, mk("comm"))

	for i := 0; i < 3; i++ {
		e.ActivateProc(types.ProcName{Job: 1, Rank: types.Rank(i)}, types.ProcStateRunning)
	}
	e.ActivateProc(types.ProcName{Job: 1, Rank: 7}, types.ProcStateCommFailed)
	e.ActivateProc(types.ProcName{Job: 1, Rank: 8}, types.ProcStateTermNonZero)
	e.ActivateProc(types.ProcName{Job: 1, Rank: 9}, types.ProcStateTermNonZero)

	e.RunPending()
	assert.Equal(t, []string{"err8", "err9", "comm7", "run0", "run1", "run2"}, order)
}

func TestLastWriterWinsAndCapturedHandler(t *testing.T) {
	e := NewEngine(RoleMaster)
	rec := &recorder{}
	e.RegisterJobState(types.JobStateTerminated, PrioritySys, rec.job("first"))
	e.ActivateJob(1, types.JobStateTerminated)

	// 已排隊的事件保留原本的 handler
	e.RegisterJobState(types.JobStateTerminated, PrioritySys, rec.job("second"))
	e.ActivateJob(1, types.JobStateTerminated)

	e.RunPending()
	assert.Equal(t, []string{"first:NORMALLY TERMINATED", "second:NORMALLY TERMINATED"}, rec.seen)
}

func TestHandlerMayActivate(t *testing.T) {
	e := NewEngine(RoleMaster)
	var order []types.JobState
	e.RegisterJobState(types.JobStateInit, PrioritySys, func(ev JobEvent) {
		order = append(order, ev.State)
		e.ActivateJob(ev.Job, types.JobStateMap)
	})
	e.RegisterJobState(types.JobStateMap, PrioritySys, func(ev JobEvent) {
		order = append(order, ev.State)
	})
	e.ActivateJob(1, types.JobStateInit)
	assert.Equal(t, 2, e.RunPending())
	assert.Equal(t, []types.JobState{types.JobStateInit, types.JobStateMap}, order)
}

func TestRegistryListingAndRemove(t *testing.T) {
	e := NewEngine(RoleMaster)
	e.RegisterJobState(types.JobStateTerminated, PrioritySys, func(JobEvent) {})
	e.RegisterJobState(types.JobStateInit, PrioritySys, func(JobEvent) {})
	e.RegisterProcState(types.ProcStateRunning, PriorityInfo, func(ProcEvent) {})

	assert.Equal(t, []types.JobState{types.JobStateInit, types.JobStateTerminated}, e.JobStates())
	assert.True(t, e.RemoveJobState(types.JobStateInit))
	assert.False(t, e.RemoveJobState(types.JobStateInit))
	assert.Equal(t, []types.JobState{types.JobStateTerminated}, e.JobStates())
	assert.True(t, e.RemoveProcState(types.ProcStateRunning))
	assert.Empty(t, e.ProcStates())
}

func TestPanicIsContained(t *testing.T) {
	e := NewEngine(RoleMaster)
	ran := false
	e.Post(PriorityError, "boom", func() { panic("boom") })
	e.Post(PriorityInfo, "after", func() { ran = true })
	assert.Equal(t, 2, e.RunPending())
	assert.True(t, ran)
}

func TestRunAndStop(t *testing.T) {
	e := NewEngine(RoleMaster)
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	handled := make(chan types.JobID, 1)
	e.RegisterJobState(types.JobStateRunning, PrioritySys, func(ev JobEvent) {
		handled <- ev.Job
		e.Stop()
	})
	e.ActivateJob(4, types.JobStateRunning)

	select {
	case id := <-handled:
		assert.Equal(t, types.JobID(4), id)
	case <-time.After(2 * time.Second):
		t.Fatal("event not dispatched")
	}
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reactor did not stop")
	}
	e.Stop()
}

func TestRunContextCancel(t *testing.T) {
	e := NewEngine(RoleDaemon)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("reactor did not exit")
	}
}

type countingObserver struct {
	activations, drops, dispatches int
}

func (c *countingObserver) ObserveActivation(string, string)                     { c.activations++ }
func (c *countingObserver) ObserveDropped(string, string)                        { c.drops++ }
func (c *countingObserver) ObserveDispatch(string, time.Duration, time.Duration) { c.dispatches++ }
func (c *countingObserver) ObserveQueueDepth(int)                                {}

func TestObserver(t *testing.T) {
	obs := &countingObserver{}
	e := NewEngine(RoleMaster, WithObserver(obs))
	e.RegisterJobState(types.JobStateInit, PrioritySys, func(JobEvent) {})
	e.ActivateJob(1, types.JobStateInit)
	e.ActivateJob(1, types.JobStateMap)
	e.RunPending()
	assert.Equal(t, 1, obs.activations)
	assert.Equal(t, 1, obs.drops)
	assert.Equal(t, 1, obs.dispatches)
}

type traceRecorder struct {
	rec   *recorder
	trace []string
}

func (t *traceRecorder) TraceJob(ev JobEvent) {
	t.trace = append(t.trace, "job:"+ev.State.String())
}

func (t *traceRecorder) TraceProc(ev ProcEvent) {
	t.trace = append(t.trace, "proc:"+ev.Proc.String())
}

func TestTracerSeesEventsBeforeHandler(t *testing.T) {
	tr := &traceRecorder{rec: &recorder{}}
	e := NewEngine(RoleMaster, WithTracer(tr))
	e.RegisterJobState(types.JobStateInit, PrioritySys, func(ev JobEvent) {
		require.Len(t, tr.trace, 1, "traced before the handler runs")
		e.ActivateProc(types.ProcName{Job: ev.Job, Rank: 3}, types.ProcStateRunning)
	})
	e.RegisterProcState(types.ProcStateAny, PriorityMsg, tr.rec.proc("any"))

	e.ActivateJob(2, types.JobStateInit)
	e.ActivateJob(2, types.JobStateMap) // dropped: never traced
	e.RunPending()

	assert.Equal(t, []string{"job:PENDING INIT", "proc:[2,3]"}, tr.trace)
	assert.Equal(t, []string{"any:RUNNING"}, tr.rec.seen)
}
