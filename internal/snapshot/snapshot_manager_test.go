package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證、錯誤處理與週期寫入
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func sampleData(seq uint64) *types.SnapshotData {
	return &types.SnapshotData{
		TakenAt:    1700000000000,
		Role:       "master",
		ExitStatus: 0,
		LastSeq:    seq,
		Jobs: []types.JobSummary{{
			ID:            1,
			State:         types.JobStateRunning,
			NumProcs:      2,
			NumTerminated: 1,
			Mapper:        "round_robin",
			Procs: []types.ProcSummary{
				{Rank: 0, Pid: 101, State: types.ProcStateRunning, Node: "n0", Locale: "numa0"},
				{Rank: 1, Pid: 102, State: types.ProcStateTerminated, Node: "n1"},
			},
		}},
		Nodes: []types.NodeSummary{
			{Name: "n0", Slots: 4, SlotsInUse: 1, NumProcs: 1, Daemon: 1, Refs: 1},
			{Name: "n1", Slots: 4, SlotsInUse: 1, NumProcs: 1, Daemon: 2, Refs: 1},
		},
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "state", "snapshot.json")
	manager := NewManager(snapshotPath)

	original := sampleData(100)
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotSchemaVersion, loaded.SchemaVer)
	assert.Equal(t, original, loaded)
}

// TestAtomicWrite 測試原子性寫入：讀取端只會看到完整的舊檔或新檔
func TestAtomicWrite(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)
	require.NoError(t, manager.Write(sampleData(50)))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(sampleData(100)))
	}()

	var loaded *types.SnapshotData
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()

	wg.Wait()

	require.NotNil(t, loaded)
	assert.True(t, loaded.LastSeq == 50 || loaded.LastSeq == 100,
		"should load either old (50) or new (100) snapshot, got %d", loaded.LastSeq)

	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should not exist after write")
}

// TestExists 測試檔案存在性檢查
func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "test_snapshot.json"))
	assert.False(t, manager.Exists())

	require.NoError(t, manager.Write(&types.SnapshotData{}))
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestNotFound status 在 master 尚未寫出快照時需要明確的錯誤
func TestNotFound(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))
	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

// TestVersionMismatch 測試版本不相容
func TestVersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	jsonBytes, err := json.Marshal(types.SnapshotData{SchemaVer: types.SnapshotSchemaVersion + 1})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, jsonBytes, 0o644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorrupted 測試損壞的快照
func TestCorrupted(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	corrupted := `{"schema_ver": 1, "jobs": [{"id": 1, "state": 14`
	require.NoError(t, os.WriteFile(snapshotPath, []byte(corrupted), 0o644))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteFailure 測試寫入失敗（目標路徑的父層是檔案）
func TestWriteFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	manager := NewManager(filepath.Join(blocker, "snapshot.json"))
	assert.Error(t, manager.Write(sampleData(1)))
}

// ============================================================================
// 並發測試
// ============================================================================

// TestConcurrentWrites 測試並發寫入
func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "test_snapshot.json"))

	const numGoroutines = 10
	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, manager.Write(sampleData(uint64(index))))
		}(i)
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotSchemaVersion, loaded.SchemaVer)
	assert.Less(t, loaded.LastSeq, uint64(numGoroutines))
}

// ============================================================================
// 週期性快照
// ============================================================================

// TestLoop 每個週期寫一次，結束時再寫最後一次
func TestLoop(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "loop.json"))
	clk := clock.NewMock()

	var mu sync.Mutex
	var seq uint64
	src := func(context.Context) (*types.SnapshotData, error) {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return sampleData(seq), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- manager.Loop(ctx, clk, time.Second, src) }()

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return manager.Exists()
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	loaded, err := manager.Load()
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, seq, loaded.LastSeq, "final snapshot written on shutdown")
}

// TestLoopSkipsFailedSource source 失敗時不寫檔
func TestLoopSkipsFailedSource(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "loop.json"))
	clk := clock.NewMock()

	var calls int
	var mu sync.Mutex
	src := func(context.Context) (*types.SnapshotData, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nil, errors.New("reactor stopped")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- manager.Loop(ctx, clk, time.Second, src) }()

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		mu.Lock()
		defer mu.Unlock()
		return calls > 0
	}, time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.False(t, manager.Exists())
}

// TestLoopDisabled interval 為 0 時立即返回
func TestLoopDisabled(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "loop.json"))
	assert.NoError(t, manager.Loop(context.Background(), clock.NewMock(), 0, nil))
}
