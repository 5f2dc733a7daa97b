package journal

// ============================================================================
// Journal 核心實作
// 職責：
// 1. 追加 job/proc 狀態轉換記錄到日誌檔案（append-only, JSON lines）
// 2. 批次寫入：緩衝區滿或超過 flush 間隔才寫檔並 fsync
// 3. 提供重放功能給 status --history，遇到第一筆損壞記錄即停止
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
)

const (
	// DefaultBufferSize 累積多少筆後立即 flush
	DefaultBufferSize = 256
	// DefaultFlushInterval 背景 flush 的最長等待時間
	DefaultFlushInterval = time.Second
)

// FileInterface 定義檔案操作所需的方法；測試中可替換
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Journal 一個 append-only 日誌
type Journal struct {
	mu      sync.Mutex
	file    FileInterface
	encoder *json.Encoder
	path    string
	seq     uint64
	closed  bool

	buffer        []Entry
	bufferSize    int
	flushInterval time.Duration
	syncOnFlush   bool
	clk           clock.Clock

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option 設定選項
type Option func(*Journal)

// WithBufferSize 緩衝筆數；1 表示每次 Append 都寫檔
func WithBufferSize(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.bufferSize = n
		}
	}
}

// WithFlushInterval 背景 flush 間隔；0 關閉背景 flush
func WithFlushInterval(d time.Duration) Option {
	return func(j *Journal) { j.flushInterval = d }
}

// WithSyncOnFlush 每次 flush 後 fsync
func WithSyncOnFlush(v bool) Option {
	return func(j *Journal) { j.syncOnFlush = v }
}

// WithClock 指定時鐘
func WithClock(c clock.Clock) Option {
	return func(j *Journal) { j.clk = c }
}

/*
Open 建立或開啟一個 journal

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，從最後一筆有效記錄的 seq 繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func Open(path string, opts ...Option) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	var seq uint64
	if err := replayFile(path, func(e Entry) error {
		seq = e.Seq
		return nil
	}); err != nil && !errors.Is(err, os.ErrNotExist) {
		// 損壞的尾端不阻止啟動；新記錄接在最後一筆有效記錄之後
		var ce *CorruptionError
		if !errors.As(err, &ce) {
			return nil, err
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j := &Journal{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		bufferSize:    DefaultBufferSize,
		flushInterval: DefaultFlushInterval,
		syncOnFlush:   true,
		clk:           clock.New(),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.buffer = make([]Entry, 0, j.bufferSize)

	if j.flushInterval > 0 {
		j.wg.Add(1)
		go j.flushLoop()
	}
	return j, nil
}

// Append 追加一筆記錄：自動遞增 seq、蓋上時間戳與校驗和。
// 回傳指定的 seq。
func (j *Journal) Append(e Entry) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrClosed
	}

	j.seq++
	e.Seq = j.seq
	e.Timestamp = j.clk.Now().UnixMilli()
	e.Checksum = Checksum(e)
	j.buffer = append(j.buffer, e)

	if len(j.buffer) >= j.bufferSize {
		return e.Seq, j.flushLocked()
	}
	return e.Seq, nil
}

// Flush 立即寫出緩衝區
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

// LastSeq 目前的最後序號（含尚未寫出的記錄）
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path 檔案路徑
func (j *Journal) Path() string { return j.path }

// Replay 重放已寫出的記錄
func (j *Journal) Replay(fn Handler) error {
	if err := j.Flush(); err != nil {
		return err
	}
	return replayFile(j.path, fn)
}

// Close 寫出緩衝區並關閉；可重複呼叫
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.stopCh)
	err := j.flushLocked()
	err = multierr.Append(err, j.file.Close())
	j.mu.Unlock()

	j.wg.Wait()
	return err
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (j *Journal) flushLoop() {
	defer j.wg.Done()
	ticker := j.clk.Ticker(j.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			j.mu.Lock()
			if !j.closed && len(j.buffer) > 0 {
				// 背景 flush 失敗只能等下一次；Close 會回傳錯誤
				_ = j.flushLocked()
			}
			j.mu.Unlock()
		case <-j.stopCh:
			return
		}
	}
}

// flushLocked 假設呼叫者已經持有 j.mu
func (j *Journal) flushLocked() error {
	for i, e := range j.buffer {
		if err := j.encoder.Encode(e); err != nil {
			j.buffer = append(j.buffer[:0], j.buffer[i:]...)
			return fmt.Errorf("journal: write seq=%d: %w", e.Seq, err)
		}
	}
	j.buffer = j.buffer[:0]
	if j.syncOnFlush {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("journal: sync: %w", err)
		}
	}
	return nil
}

// replayFile 逐行解析並驗證；第一筆壞記錄回傳 *CorruptionError
func replayFile(path string, fn Handler) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return replay(f, fn)
}

// ReplayFile 不開啟寫入端直接讀取 journal（status --history 使用）
func ReplayFile(path string, fn Handler) error {
	return replayFile(path, fn)
}

func replay(r io.Reader, fn Handler) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return &CorruptionError{Line: line, Cause: fmt.Errorf("%w: %v", ErrCorrupted, err)}
		}
		if !Verify(e) {
			return &CorruptionError{Line: line, Seq: e.Seq, Cause: ErrChecksumMismatch}
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return &CorruptionError{Line: line + 1, Cause: fmt.Errorf("%w: %v", ErrCorrupted, err)}
	}
	return nil
}
