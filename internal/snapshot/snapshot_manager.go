package snapshot

// ============================================================================
// 職責說明：
// 1. 將 registry 的唯讀檢視序列化為 JSON 快照檔，供 status 命令讀取
// 2. 使用原子性寫入（temp file + rename）防止讀到一半的檔案
// 3. 載入時驗證 schema 版本相容性
// 4. Loop 依固定週期向 reactor 取得最新檢視並寫出
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 快照管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write 原子性寫入快照
//
// 流程：
// 1. 寫入同目錄的臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(data *types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = types.SnapshotSchemaVersion

	// 帶縮排，方便人工閱讀與除錯
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	// 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load 載入快照
//
// 與寫入端不同，status 命令需要知道「沒有快照」，
// 所以檔案不存在時回傳 ErrSnapshotNotFound。
func (m *Manager) Load() (*types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var data types.SnapshotData
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != types.SnapshotSchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, types.SnapshotSchemaVersion)
	}
	return &data, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}

// ============================================================================
// 週期性快照
// ============================================================================

// Source 提供最新的檢視；controller 在 reactor 上產生後回傳
type Source func(ctx context.Context) (*types.SnapshotData, error)

// Loop 每 interval 寫一次快照，ctx 結束時寫最後一次後返回
func (m *Manager) Loop(ctx context.Context, clk clock.Clock, interval time.Duration, src Source) error {
	if interval <= 0 {
		return nil
	}
	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	take := func(ctx context.Context) {
		data, err := src(ctx)
		if err != nil {
			slog.Debug("snapshot skipped", "error", err)
			return
		}
		if err := m.Write(data); err != nil {
			slog.Warn("snapshot write failed", "path", m.path, "error", err)
		}
	}

	for {
		select {
		case <-ticker.C:
			take(ctx)
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), time.Second)
			take(final)
			cancel()
			return nil
		}
	}
}
