// ============================================================================
// gridlaunch Local Process Control
// ============================================================================
//
// Package: internal/odls
// 文件: odls.go
// 功能: 在本節點啟動、等待與終止應用行程
//
// 每個子行程有兩個 goroutine：
//   - iof:    轉送 stdout/stderr（每行加上 [job,rank] 前綴），兩者都 EOF 後
//             Post IOF_COMPLETE
//   - waiter: I/O 結束後 Wait，依結束方式 Post WAITPID_FIRED、
//             TERM_NON_ZERO、ABORTED_BY_SIG 或 KILLED_BY_CMD
//
// 行程記錄只在 reactor 上修改：goroutine 只透過 Post 回到 reactor，
// 並以名稱重新查詢 registry（job 可能已經被釋放）。
//
// ============================================================================

package odls

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/ChuLiYu/gridlaunch/internal/registry"
	"github.com/ChuLiYu/gridlaunch/internal/state"
	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

const (
	// DefaultKillGrace SIGTERM 與 SIGKILL 之間的等待時間
	DefaultKillGrace = 2 * time.Second
	// exitFailedToStart 無法啟動時記錄的結束碼（與 shell 相同）
	exitFailedToStart = 127
)

var (
	ErrNoApp       = errors.New("odls: app context has no executable")
	ErrAlreadyLive = errors.New("odls: proc already running")
)

// JobDirs 提供 job 的工作目錄（session 實作）
type JobDirs interface {
	JobDir(job types.JobID) (string, error)
}

// Option 設定選項
type Option func(*Launcher)

// WithOutput 轉送輸出的目的地
func WithOutput(w io.Writer) Option {
	return func(l *Launcher) { l.out = &lockedWriter{w: w} }
}

// WithKillGrace 覆寫 SIGTERM 到 SIGKILL 的等待時間
func WithKillGrace(d time.Duration) Option {
	return func(l *Launcher) { l.killGrace = d }
}

// WithSession 使用 session 目錄作為預設工作目錄
func WithSession(d JobDirs) Option {
	return func(l *Launcher) { l.dirs = d }
}

// WithLogger 指定 logger
func WithLogger(lg *slog.Logger) Option {
	return func(l *Launcher) { l.log = lg }
}

// Launcher 本節點的行程控制
type Launcher struct {
	reg       *registry.Registry
	eng       *state.Engine
	dirs      JobDirs
	out       *lockedWriter
	killGrace time.Duration
	log       *slog.Logger

	mu       sync.Mutex
	children map[types.ProcName]*child
	wg       sync.WaitGroup
}

type child struct {
	cmd    *exec.Cmd
	killed bool
	timer  *time.Timer
}

// New 建立 launcher
func New(reg *registry.Registry, eng *state.Engine, opts ...Option) *Launcher {
	l := &Launcher{
		reg:       reg,
		eng:       eng,
		out:       &lockedWriter{w: os.Stdout},
		killGrace: DefaultKillGrace,
		log:       slog.Default().With("component", "odls"),
		children:  make(map[types.ProcName]*child),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Spawn 啟動行程；必須在 reactor 上呼叫。
// 啟動失敗時行程進入 FAILED_TO_START，錯誤也會回傳給呼叫者。
func (l *Launcher) Spawn(p *types.Proc, app *types.AppContext) error {
	name := p.Name
	log := l.log.With("proc", name)

	l.mu.Lock()
	_, live := l.children[name]
	l.mu.Unlock()
	if live {
		return fmt.Errorf("%w: %s", ErrAlreadyLive, name)
	}

	cmd, err := l.command(p, app)
	if err == nil {
		var stdout, stderr io.ReadCloser
		if stdout, err = cmd.StdoutPipe(); err == nil {
			if stderr, err = cmd.StderrPipe(); err == nil {
				if err = cmd.Start(); err == nil {
					l.started(p, cmd, stdout, stderr)
					log.Debug("spawned", "pid", p.Pid, "app", app.App)
					return nil
				}
			}
		}
	}

	log.Error("failed to start", "error", err)
	p.State = types.ProcStateFailedToStart
	p.ExitCode = exitFailedToStart
	p.Flags.Unset(types.ProcFlagAlive)
	l.eng.ActivateProc(name, types.ProcStateFailedToStart)
	return fmt.Errorf("spawn %s: %w", name, err)
}

func (l *Launcher) command(p *types.Proc, app *types.AppContext) (*exec.Cmd, error) {
	if app == nil || app.App == "" {
		return nil, ErrNoApp
	}
	args := app.Argv
	if len(args) > 0 && args[0] == app.App {
		args = args[1:]
	}
	cmd := exec.Command(app.App, args...)

	cmd.Env = append(os.Environ(), app.Env...)
	cmd.Env = append(cmd.Env,
		"GRIDLAUNCH_JOBID="+p.Name.Job.String(),
		"GRIDLAUNCH_RANK="+p.Name.Rank.String(),
		"GRIDLAUNCH_LOCAL_RANK="+strconv.Itoa(p.LocalRank),
		"GRIDLAUNCH_NODE_RANK="+strconv.Itoa(p.NodeRank),
	)
	if locale, ok := p.Attrs.GetString(types.AttrLocale); ok {
		cmd.Env = append(cmd.Env, "GRIDLAUNCH_LOCALE="+locale)
	}

	switch {
	case app.Cwd != "":
		cmd.Dir = app.Cwd
	case l.dirs != nil:
		dir, err := l.dirs.JobDir(p.Name.Job)
		if err != nil {
			return nil, err
		}
		cmd.Dir = dir
	}
	return cmd, nil
}

// started 在 reactor 上記錄啟動結果並啟動 iof/waiter
func (l *Launcher) started(p *types.Proc, cmd *exec.Cmd, stdout, stderr io.Reader) {
	name := p.Name
	p.Pid = cmd.Process.Pid
	p.State = types.ProcStateRunning
	p.Flags.Set(types.ProcFlagAlive | types.ProcFlagLocal)

	c := &child{cmd: cmd}
	l.mu.Lock()
	l.children[name] = c
	l.mu.Unlock()

	l.eng.ActivateProc(name, types.ProcStateRunning)

	iofDone := make(chan struct{})
	var streams sync.WaitGroup
	streams.Add(2)
	prefix := name.String()
	go l.forward(&streams, prefix, stdout)
	go l.forward(&streams, prefix, stderr)

	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		streams.Wait()
		// 先排入 iof-complete 再放行 waiter，同優先權 FIFO 保證它先於 waitpid
		l.eng.Post(state.PriorityMsg, "iof-complete", func() {
			if p, _, ok := l.reg.LookupProc(name); ok {
				p.Flags.Set(types.ProcFlagIOFComplete)
			}
			l.eng.ActivateProc(name, types.ProcStateIOFComplete)
		})
		close(iofDone)
	}()
	go func() {
		defer l.wg.Done()
		<-iofDone
		err := cmd.Wait()
		l.reap(name, err)
	}()
}

func (l *Launcher) forward(wg *sync.WaitGroup, prefix string, r io.Reader) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1024*1024)
	for sc.Scan() {
		l.out.writeLine(prefix, sc.Bytes())
	}
	// 超長的行或讀取錯誤：把剩下的資料丟掉讓子行程不會卡在寫入
	_, _ = io.Copy(io.Discard, r)
}

// reap 在 waiter goroutine 上決定結束狀態並 Post 回 reactor
func (l *Launcher) reap(name types.ProcName, waitErr error) {
	l.mu.Lock()
	c := l.children[name]
	delete(l.children, name)
	killed := c != nil && c.killed
	if c != nil && c.timer != nil {
		c.timer.Stop()
	}
	l.mu.Unlock()

	st, code := exitState(waitErr, killed)
	l.log.Debug("reaped", "proc", name, "state", st, "exit_code", code)

	l.eng.Post(state.PriorityMsg, "waitpid", func() {
		p, _, ok := l.reg.LookupProc(name)
		if !ok {
			return
		}
		p.ExitCode = code
		if st != types.ProcStateWaitpidFired {
			// 異常結束直接由 error manager 處理，waitpid 已觸發
			p.Flags.Set(types.ProcFlagWaitpid)
		}
		l.eng.ActivateProc(name, st)
	})
}

// exitState 將 Wait 的結果對應到行程狀態
func exitState(err error, killed bool) (types.ProcState, int) {
	if err == nil {
		if killed {
			return types.ProcStateKilledByCmd, 0
		}
		return types.ProcStateWaitpidFired, 0
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return types.ProcStateAborted, 1
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		code := 128 + int(ws.Signal())
		if killed {
			return types.ProcStateKilledByCmd, code
		}
		return types.ProcStateAbortedBySig, code
	}
	if killed {
		return types.ProcStateKilledByCmd, ee.ExitCode()
	}
	return types.ProcStateTermNonZero, ee.ExitCode()
}

// KillLocalProcs 終止符合 targets 的本地行程：先 SIGTERM，grace 後 SIGKILL。
// 可從任何 goroutine 呼叫。
func (l *Launcher) KillLocalProcs(targets []types.ProcName) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs error
	for name, c := range l.children {
		if !matchesAny(targets, name) || c.killed {
			continue
		}
		c.killed = true
		l.log.Info("killing local proc", "proc", name, "pid", c.cmd.Process.Pid)
		if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = multierr.Append(errs, fmt.Errorf("signal %s: %w", name, err))
			continue
		}
		proc := c.cmd.Process
		c.timer = time.AfterFunc(l.killGrace, func() { _ = proc.Kill() })
	}
	return errs
}

func matchesAny(targets []types.ProcName, name types.ProcName) bool {
	for _, t := range targets {
		if t.Matches(name) {
			return true
		}
	}
	return false
}

// NumLive 仍在執行的子行程數
func (l *Launcher) NumLive() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.children)
}

// Wait 等待所有 iof/waiter goroutine 結束
func (l *Launcher) Wait() { l.wg.Wait() }

// ============================================================================
// 輸出
// ============================================================================

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *lockedWriter) writeLine(prefix string, line []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.w, "%s %s\n", prefix, line)
}
