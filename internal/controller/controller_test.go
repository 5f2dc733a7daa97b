package controller

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ChuLiYu/gridlaunch/internal/messaging"
	"github.com/ChuLiYu/gridlaunch/internal/snapshot"
	"github.com/ChuLiYu/gridlaunch/internal/state"
	"github.com/ChuLiYu/gridlaunch/internal/storage/journal"
	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitTimeout = 15 * time.Second

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// syncBuffer 多個 daemon 共用的輸出
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func endpoint(hub *messaging.Hub, self types.ProcName) TransportFunc {
	return func(p messaging.Poster, _ *messaging.Directory) (messaging.Messenger, error) {
		return hub.Endpoint(self, p), nil
	}
}

type cluster struct {
	root    *Controller
	daemons []*Controller
	out     *syncBuffer
	dir     string
}

// startCluster root 加上 n 個 daemon，全部在同一個 hub 上；節點 node-i 由 daemon i 回報
func startCluster(t *testing.T, n int, tweak func(*Config)) *cluster {
	t.Helper()
	hub := messaging.NewHub()
	cl := &cluster{out: &syncBuffer{}, dir: t.TempDir()}

	nodes := make([]*types.Node, n)
	for i := range nodes {
		nodes[i] = &types.Node{Name: fmt.Sprintf("node-%d", i+1), Slots: 2}
	}
	cfg := Config{
		Role:          state.RoleMaster,
		Nodes:         nodes,
		ExpectDaemons: n,
		ExitWhenIdle:  true,
		AbortTimeout:  30 * time.Second,
		SessionBase:   cl.dir,
		JournalPath:   filepath.Join(cl.dir, "journal.log"),
	}
	if tweak != nil {
		tweak(&cfg)
	}
	root, err := New(cfg, WithLogger(quiet), WithTransport(endpoint(hub, types.RootName)))
	require.NoError(t, err)
	require.NoError(t, root.Start(context.Background()))
	cl.root = root

	for i := 1; i <= n; i++ {
		vpid := types.Rank(i)
		d, err := New(Config{
			Role:         state.RoleDaemon,
			Vpid:         vpid,
			NodeName:     fmt.Sprintf("node-%d", i),
			AbortTimeout: 30 * time.Second,
			SessionBase:  cl.dir,
			KillGrace:    200 * time.Millisecond,
			Output:       cl.out,
		}, WithLogger(quiet), WithTransport(endpoint(hub, types.DaemonName(vpid))))
		require.NoError(t, err)
		require.NoError(t, d.Start(context.Background()))
		cl.daemons = append(cl.daemons, d)
	}

	t.Cleanup(func() {
		for _, d := range cl.daemons {
			_ = d.Stop()
		}
		_ = root.Stop()
	})
	return cl
}

// waitAll 等待整棵樹自行結束
func (cl *cluster) waitAll(t *testing.T) {
	t.Helper()
	all := append([]*Controller{cl.root}, cl.daemons...)
	for _, c := range all {
		done := make(chan error, 1)
		go func(c *Controller) { done <- c.Wait() }(c)
		select {
		case err := <-done:
			assert.NoError(t, err, "controller %s", c.Self())
		case <-time.After(waitTimeout):
			t.Fatalf("controller %s did not stop", c.Self())
		}
	}
}

func shellApp(script string, np int) *types.AppContext {
	return &types.AppContext{
		App:      "/bin/sh",
		Argv:     []string{"/bin/sh", "-c", script},
		NumProcs: np,
	}
}

func result(t *testing.T, ch <-chan JobResult) JobResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(waitTimeout):
		t.Fatal("no job result")
		return JobResult{}
	}
}

// ============================================================================
// 建構
// ============================================================================

func TestNewValidation(t *testing.T) {
	hub := messaging.NewHub()

	_, err := New(Config{Role: state.RoleMaster, SessionBase: t.TempDir()}, WithLogger(quiet))
	assert.ErrorIs(t, err, ErrNoTransport)

	for _, vpid := range []types.Rank{types.RootRank, types.RankInvalid, types.RankWildcard} {
		_, err := New(Config{Role: state.RoleDaemon, Vpid: vpid, SessionBase: t.TempDir()},
			WithLogger(quiet), WithTransport(endpoint(hub, types.DaemonName(vpid))))
		assert.ErrorIs(t, err, ErrInvalidVpid, "vpid %s", vpid)
	}
}

func TestSubmitOnDaemon(t *testing.T) {
	hub := messaging.NewHub()
	d, err := New(Config{Role: state.RoleDaemon, Vpid: 1, SessionBase: t.TempDir()},
		WithLogger(quiet), WithTransport(endpoint(hub, types.DaemonName(1))))
	require.NoError(t, err)
	defer d.Stop()

	_, err = d.Submit(JobSpec{Apps: []*types.AppContext{shellApp("true", 1)}})
	assert.ErrorIs(t, err, ErrNotMaster)
	assert.Equal(t, types.DaemonName(1), d.Self())
	assert.Empty(t, d.Addr())
}

func TestSubmitValidation(t *testing.T) {
	hub := messaging.NewHub()
	root, err := New(Config{Role: state.RoleMaster, SessionBase: t.TempDir()},
		WithLogger(quiet), WithTransport(endpoint(hub, types.RootName)))
	require.NoError(t, err)

	_, err = root.Submit(JobSpec{})
	assert.ErrorIs(t, err, ErrNoApps)

	require.NoError(t, root.Start(context.Background()))
	assert.ErrorIs(t, root.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, root.Stop())

	_, err = root.Submit(JobSpec{Apps: []*types.AppContext{shellApp("true", 1)}})
	assert.ErrorIs(t, err, ErrStopped)
}

// ============================================================================
// Root 接收
// ============================================================================

func newIdleRoot(t *testing.T) *Controller {
	t.Helper()
	hub := messaging.NewHub()
	root, err := New(Config{
		Role:          state.RoleMaster,
		Nodes:         []*types.Node{{Name: "node-1", Slots: 2}},
		ExpectDaemons: 2,
		SessionBase:   t.TempDir(),
	}, WithLogger(quiet), WithTransport(endpoint(hub, types.RootName)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = root.Stop() })
	return root
}

func TestDaemonReported(t *testing.T) {
	root := newIdleRoot(t)

	report := func(rank types.Rank, node, addr string) {
		buf := messaging.PackDaemonReport(messaging.DaemonReport{Rank: rank, Node: node, Address: addr})
		root.rootRecv(types.DaemonName(rank), messaging.TagPLM, buf)
	}
	report(1, "node-1", "10.0.0.1:7000")
	report(1, "node-1", "10.0.0.1:7000")
	report(2, "node-9", "")
	report(types.RootRank, "node-1", "")

	dj, ok := root.reg.Job(types.DaemonJob)
	require.True(t, ok)
	assert.Equal(t, 2, dj.NumDaemonsReported)
	assert.Equal(t, []types.Rank{1, 2}, root.daemonRanks())

	_, n1, ok := root.reg.NodeByName("node-1")
	require.True(t, ok)
	assert.Equal(t, types.Rank(1), n1.Daemon)
	assert.True(t, n1.Flags.Has(types.NodeFlagDaemonLaunched))

	// 不在池中的節點以一個 slot 加入
	_, n9, ok := root.reg.NodeByName("node-9")
	require.True(t, ok)
	assert.Equal(t, types.Rank(2), n9.Daemon)
	assert.Equal(t, 1, n9.Slots)

	addr, ok := root.Directory().Lookup(types.DaemonName(1))
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:7000", addr)
	assert.True(t, root.routes.Has(1))
	assert.True(t, root.routes.Has(2))
	assert.Equal(t, 2, root.routes.NumRoutes())
}

func TestUpdateProcStatesFiltersStaleReports(t *testing.T) {
	root := newIdleRoot(t)

	job := root.reg.CreateJob()
	p := &types.Proc{
		Name:   types.ProcName{Job: job.ID, Rank: 0},
		State:  types.ProcStateRunning,
		Node:   types.NoNode,
		Parent: 2,
	}
	job.SetProcAt(0, root.reg.NewProc(p))
	job.NumProcs = 1

	update := func(from types.Rank, st messaging.ProcStatus) {
		buf := messaging.NewBuffer()
		buf.PackCmd(messaging.CmdUpdateProcState)
		messaging.PackStateUpdate(buf, job.ID, []messaging.ProcStatus{st})
		root.rootRecv(types.DaemonName(from), messaging.TagPLM, buf)
	}

	// 重啟前負責的 daemon
	update(1, messaging.ProcStatus{Rank: 0, Pid: 11, State: types.ProcStateTermNonZero, ExitCode: 9})
	assert.Equal(t, types.ProcStateRunning, p.State)
	assert.Equal(t, 0, p.ExitCode)

	update(2, messaging.ProcStatus{Rank: 0, Pid: 22, State: types.ProcStateTermNonZero, ExitCode: 9})
	assert.Equal(t, types.ProcStateTermNonZero, p.State)
	assert.Equal(t, 9, p.ExitCode)
	assert.Equal(t, 22, p.Pid)
	assert.True(t, p.Flags.Has(types.ProcFlagIOFComplete))
	assert.True(t, p.Flags.Has(types.ProcFlagWaitpid))

	// 同一個行程的第二個終止報告
	update(2, messaging.ProcStatus{Rank: 0, Pid: 22, State: types.ProcStateTerminated})
	assert.Equal(t, types.ProcStateTermNonZero, p.State)
	assert.Equal(t, 9, p.ExitCode)

	// 未知 job 直接略過
	buf := messaging.NewBuffer()
	buf.PackCmd(messaging.CmdUpdateProcState)
	messaging.PackStateUpdate(buf, 77, []messaging.ProcStatus{{Rank: 0, State: types.ProcStateRunning}})
	assert.NotPanics(t, func() { root.rootRecv(types.DaemonName(2), messaging.TagPLM, buf) })
}

func TestTerminateProcsUnknownJob(t *testing.T) {
	root := newIdleRoot(t)
	err := plm{root}.TerminateProcs(42)
	assert.Error(t, err)
}

// ============================================================================
// 端到端
// ============================================================================

func TestJobRunsToCompletion(t *testing.T) {
	cl := startCluster(t, 2, nil)

	ch, err := cl.root.Submit(JobSpec{
		Apps: []*types.AppContext{shellApp(`echo "hello from $GRIDLAUNCH_RANK"`, 4)},
	})
	require.NoError(t, err)

	res := result(t, ch)
	assert.Equal(t, types.JobID(1), res.Job)
	assert.Equal(t, types.JobStateTerminated, res.State)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, 4, res.NumProcs)

	cl.waitAll(t)
	assert.Equal(t, 0, cl.root.ExitStatus())

	out := cl.out.String()
	for rank := 0; rank < 4; rank++ {
		assert.Contains(t, out, fmt.Sprintf("[1,%d] hello from %d", rank, rank))
	}
}

func TestJournalRecordsLifecycle(t *testing.T) {
	cl := startCluster(t, 2, nil)

	ch, err := cl.root.Submit(JobSpec{Apps: []*types.AppContext{shellApp("true", 3)}})
	require.NoError(t, err)
	res := result(t, ch)
	require.Equal(t, types.JobStateTerminated, res.State)
	cl.waitAll(t)

	var entries []journal.Entry
	err = journal.ReplayFile(filepath.Join(cl.dir, "journal.log"), func(e journal.Entry) error {
		entries = append(entries, e)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	mapped := map[types.Rank]string{}
	var sawRunning, sawTerminated bool
	for _, e := range entries {
		switch {
		case e.Kind == journal.KindMapped:
			mapped[e.Rank] = e.State
		case e.Kind == journal.KindJob && e.Job == 1 && e.State == types.JobStateRunning.String():
			sawRunning = true
		case e.Kind == journal.KindJob && e.Job == 1 && e.State == types.JobStateTerminated.String():
			sawTerminated = true
		}
	}
	assert.Len(t, mapped, 3)
	for rank, node := range mapped {
		assert.Contains(t, []string{"node-1", "node-2"}, node, "rank %s", rank)
	}
	assert.True(t, sawRunning)
	assert.True(t, sawTerminated)

	last := entries[len(entries)-1]
	assert.Equal(t, journal.KindExit, last.Kind)
	assert.Equal(t, 0, last.ExitCode)
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i].Seq, entries[i-1].Seq)
	}
}

func TestNonZeroExitIsPreserved(t *testing.T) {
	cl := startCluster(t, 2, nil)

	ch, err := cl.root.Submit(JobSpec{
		Apps: []*types.AppContext{shellApp("exit 3", 2)},
	})
	require.NoError(t, err)

	res := result(t, ch)
	assert.Equal(t, types.JobStateTerminated, res.State)
	assert.Equal(t, 3, res.ExitCode)

	cl.waitAll(t)
	assert.Equal(t, 3, cl.root.ExitStatus())
}

func TestMapFailureWithoutNodes(t *testing.T) {
	hub := messaging.NewHub()
	root, err := New(Config{
		Role:         state.RoleMaster,
		ExitWhenIdle: true,
		SessionBase:  t.TempDir(),
	}, WithLogger(quiet), WithTransport(endpoint(hub, types.RootName)))
	require.NoError(t, err)
	require.NoError(t, root.Start(context.Background()))
	defer root.Stop()

	ch, err := root.Submit(JobSpec{Apps: []*types.AppContext{shellApp("true", 1)}})
	require.NoError(t, err)

	res := result(t, ch)
	assert.Equal(t, types.JobStateMapFailed, res.State)
	assert.NotZero(t, res.ExitCode)

	done := make(chan error, 1)
	go func() { done <- root.Wait() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("root did not stop after the failed job")
	}
	assert.NotZero(t, root.ExitStatus())
}

func TestAbortTearsDownRunningJob(t *testing.T) {
	cl := startCluster(t, 2, nil)

	ch, err := cl.root.Submit(JobSpec{
		Apps: []*types.AppContext{shellApp("exec sleep 30", 4)},
	})
	require.NoError(t, err)

	// 等所有行程都開始執行
	require.Eventually(t, func() bool {
		data, err := cl.root.Snapshot(context.Background())
		if err != nil {
			return false
		}
		for _, j := range data.Jobs {
			if j.ID == 1 && j.State == types.JobStateRunning {
				return true
			}
		}
		return false
	}, waitTimeout, 20*time.Millisecond)

	cl.root.Abort(7, "test abort")
	cl.waitAll(t)
	assert.Equal(t, 7, cl.root.ExitStatus())

	// 拆除時本地計數不回報：結果可能由 teardown 送出
	res := result(t, ch)
	assert.Equal(t, types.JobID(1), res.Job)
}

func TestSnapshotLoopWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	cl := startCluster(t, 1, func(cfg *Config) {
		cfg.ExitWhenIdle = false
		cfg.SnapshotPath = path
		cfg.SnapshotInterval = 20 * time.Millisecond
	})

	ch, err := cl.root.Submit(JobSpec{Apps: []*types.AppContext{shellApp("true", 1)}})
	require.NoError(t, err)
	require.Equal(t, types.JobStateTerminated, result(t, ch).State)

	mgr := snapshot.NewManager(path)
	require.Eventually(t, func() bool {
		data, err := mgr.Load()
		if err != nil || len(data.Nodes) != 1 {
			return false
		}
		return data.Nodes[0].Daemon == 1
	}, waitTimeout, 20*time.Millisecond)

	data, err := cl.root.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "master", data.Role)
	assert.NotZero(t, data.LastSeq)
	for _, j := range data.Jobs {
		assert.NotEqual(t, types.JobID(1), j.ID, "finished job must be released")
	}

	require.NoError(t, cl.root.Stop())
	assert.True(t, mgr.Exists())
}

// ============================================================================
// Daemon 本地行程計數
// ============================================================================

// inlinePoster 直接執行投遞的工作，讓測試中的 root 端點不需要 reactor
type inlinePoster struct{}

func (inlinePoster) Post(_ state.Priority, _ string, fn func()) { fn() }

func TestDaemonExitBeforeIOFCompleteReleasesJob(t *testing.T) {
	hub := messaging.NewHub()
	var reports []messaging.ProcStatus
	rootEP := hub.Endpoint(types.RootName, inlinePoster{})
	rootEP.Receive(messaging.TagPLM, func(_ types.ProcName, _ messaging.Tag, buf *messaging.Buffer) {
		cmd, err := buf.UnpackCmd()
		require.NoError(t, err)
		require.Equal(t, messaging.CmdUpdateProcState, cmd)
		_, procs, err := messaging.UnpackStateUpdate(buf)
		require.NoError(t, err)
		reports = append(reports, procs...)
	})

	d, err := New(Config{
		Role:         state.RoleDaemon,
		Vpid:         1,
		NodeName:     "node-1",
		AbortTimeout: 30 * time.Second,
		SessionBase:  t.TempDir(),
	}, WithLogger(quiet), WithTransport(endpoint(hub, types.DaemonName(1))))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Stop() })
	d.registerDaemon()
	d.em.Register()

	job := types.NewJob(7)
	job.State = types.JobStateRunning
	require.NoError(t, d.reg.AddJob(job))
	name := types.ProcName{Job: 7, Rank: 0}
	p := &types.Proc{Name: name, Node: types.NoNode, State: types.ProcStateRunning, Parent: 1, Pid: 4242}
	p.Flags.Set(types.ProcFlagLocal | types.ProcFlagAlive)
	h := d.reg.NewProc(p)
	job.SetProcAt(0, h)
	d.reg.AddLocalChild(h)
	job.NumProcs = 1
	job.NumLocalProcs = 1

	// waitpid 先於 iof-complete 到達 reactor
	d.eng.Post(state.PriorityMsg, "waitpid", func() {
		p.ExitCode = 3
		p.Flags.Set(types.ProcFlagWaitpid)
		d.eng.ActivateProc(name, types.ProcStateTermNonZero)
	})
	d.eng.Post(state.PriorityMsg, "iof-complete", func() {
		p.Flags.Set(types.ProcFlagIOFComplete)
		d.eng.ActivateProc(name, types.ProcStateIOFComplete)
	})
	d.eng.RunPending()

	assert.True(t, p.Flags.Has(types.ProcFlagRecorded))
	assert.Equal(t, 1, job.NumTerminated)
	assert.Equal(t, types.ProcStateTermNonZero, p.State)
	_, ok := d.reg.Job(7)
	assert.False(t, ok, "job should be released once its only proc is recorded")
	assert.Empty(t, d.reg.LocalChildren())

	// 一次失敗報告，加上 job 結束時的完整報告
	require.Len(t, reports, 2)
	for _, r := range reports {
		assert.Equal(t, types.Rank(0), r.Rank)
		assert.Equal(t, types.ProcStateTermNonZero, r.State)
		assert.Equal(t, 3, r.ExitCode)
	}
}
