// Package session 管理節點上的 session 目錄：
//
//	<base>/gridlaunch.<uuid>/<job>
//
// 每個 daemon（以及 root）啟動時建立一個以 uuid 命名的頂層目錄，
// 每個 job 在其下有自己的子目錄，作為行程的工作暫存區。
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

var ErrClosed = errors.New("session: already cleaned up")

// Dir 一個 session 目錄
type Dir struct {
	mu     sync.Mutex
	root   string
	id     uuid.UUID
	jobs   map[types.JobID]string
	closed bool
	log    *slog.Logger
}

// New 在 base 之下建立 session 目錄；base 為空時使用 os.TempDir()
func New(base string) (*Dir, error) {
	if base == "" {
		base = os.TempDir()
	}
	id := uuid.New()
	root := filepath.Join(base, "gridlaunch."+id.String())
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &Dir{
		root: root,
		id:   id,
		jobs: make(map[types.JobID]string),
		log:  slog.Default().With("component", "session", "dir", root),
	}, nil
}

// Root 頂層目錄
func (d *Dir) Root() string { return d.root }

// ID session uuid
func (d *Dir) ID() uuid.UUID { return d.id }

// JobDir 回傳（必要時建立）job 的子目錄
func (d *Dir) JobDir(job types.JobID) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", ErrClosed
	}
	if p, ok := d.jobs[job]; ok {
		return p, nil
	}
	p := filepath.Join(d.root, job.String())
	if err := os.MkdirAll(p, 0o700); err != nil {
		return "", fmt.Errorf("create job dir %s: %w", job, err)
	}
	d.jobs[job] = p
	return p, nil
}

// Cleanup 移除 job 的子目錄；JobIDWildcard 移除整個 session
func (d *Dir) Cleanup(job types.JobID) error {
	if job == types.JobIDWildcard {
		return d.CleanupAll()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.jobs[job]
	if !ok {
		return nil
	}
	delete(d.jobs, job)
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("remove job dir %s: %w", job, err)
	}
	d.log.Debug("job dir removed", "job", job)
	return nil
}

// CleanupAll 移除整個 session 目錄；可重複呼叫
func (d *Dir) CleanupAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.jobs = map[types.JobID]string{}
	if err := os.RemoveAll(d.root); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	d.log.Debug("session dir removed")
	return nil
}
