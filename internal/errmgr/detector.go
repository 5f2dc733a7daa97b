package errmgr

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/ChuLiYu/gridlaunch/internal/messaging"
	"github.com/ChuLiYu/gridlaunch/internal/state"
	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

// ============================================================================
// Heartbeat detector
// ============================================================================
//
// daemon 1..n 組成一個環：daemon v 觀察 v-1（1 觀察 n），被 v+1 觀察。
//
//	每 Period:      送心跳給觀察者
//	每 Period/10:   檢查被觀察者最後一次心跳
//	超過 Timeout:   標記失效、啟動 HEARTBEAT_FAILED、通知 root，
//	                改為觀察下一個仍存活的前一個 daemon 並送出請求
//
// 所有狀態只在 reactor 上讀寫；ticker goroutine 只負責 Post。

const (
	// DefaultHeartbeatPeriod 心跳間隔
	DefaultHeartbeatPeriod = 5 * time.Second
	// DefaultHeartbeatTimeout 判定失效前的等待時間
	DefaultHeartbeatTimeout = 10 * time.Second
)

// DetectorConfig 心跳設定
type DetectorConfig struct {
	Period  time.Duration
	Timeout time.Duration
	// NumDaemons 環中的 daemon 數（不含 root）
	NumDaemons int
	// Grace 第一次檢查前額外的寬限時間；0 時為每個 daemon 一秒
	Grace time.Duration
}

// Detector 心跳環上的一個節點
type Detector struct {
	cfg    DetectorConfig
	self   types.Rank
	eng    *state.Engine
	msgr   messaging.Messenger
	clk    clock.Clock
	log    *slog.Logger
	active bool

	observing *atomic.Uint32
	observer  *atomic.Uint32
	failed    map[types.Rank]bool

	sstamp time.Time // 上次送出心跳
	rstamp time.Time // 上次收到被觀察者的心跳；零值表示停止偵測

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDetector 建立 detector；self 必須是 1..NumDaemons 之間的 daemon vpid
func NewDetector(cfg DetectorConfig, self types.Rank, eng *state.Engine, msgr messaging.Messenger, opts ...Option) *Detector {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultHeartbeatPeriod
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHeartbeatTimeout
	}
	if cfg.Grace <= 0 {
		cfg.Grace = time.Duration(cfg.NumDaemons) * time.Second
	}
	d := &Detector{
		cfg:       cfg,
		self:      self,
		eng:       eng,
		msgr:      msgr,
		clk:       o.clock,
		log:       o.log.With("variant", "detector", "vpid", self),
		observing: atomic.NewUint32(uint32(types.RankInvalid)),
		observer:  atomic.NewUint32(uint32(types.RankInvalid)),
		failed:    make(map[types.Rank]bool),
		stopCh:    make(chan struct{}),
	}

	n := cfg.NumDaemons
	if n < 2 || self < 1 || int(self) > n {
		// 環上只有自己，不需要偵測
		d.log.Info("heartbeat detector disabled", "daemons", n)
		return d
	}
	d.active = true
	d.observing.Store(uint32(d.prev(self)))
	d.observer.Store(uint32(self)%uint32(n) + 1)
	d.rstamp = d.clk.Now().Add(cfg.Grace)
	d.log.Info("heartbeat ring joined", "observing", d.Observing(), "observer", d.Observer())
	return d
}

// Observing 目前觀察的 daemon
func (d *Detector) Observing() types.Rank { return types.Rank(d.observing.Load()) }

// Observer 目前觀察自己的 daemon
func (d *Detector) Observer() types.Rank { return types.Rank(d.observer.Load()) }

// Failed reports whether the ring has marked vpid as failed.
// 只能在 reactor 上呼叫。
func (d *Detector) Failed(vpid types.Rank) bool { return d.failed[vpid] }

// prev 環上的前一個 daemon
func (d *Detector) prev(v types.Rank) types.Rank {
	if v <= 1 {
		return types.Rank(d.cfg.NumDaemons)
	}
	return v - 1
}

// Start 註冊心跳接收並啟動檢查 ticker
func (d *Detector) Start() {
	d.listen()
	if !d.active {
		return
	}
	interval := d.cfg.Period / 10
	if interval <= 0 {
		interval = d.cfg.Period
	}
	ticker := d.clk.Ticker(interval)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.eng.Post(state.PrioritySys, "heartbeat-check", d.check)
			case <-d.stopCh:
				return
			}
		}
	}()
}

func (d *Detector) listen() { d.msgr.Receive(messaging.TagHeartbeat, d.recv) }

// Stop 停止 ticker；可重複呼叫
func (d *Detector) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	d.msgr.CancelReceive(messaging.TagHeartbeat)
}

// check 送出到期的心跳並檢查被觀察者
func (d *Detector) check() {
	if !d.active {
		return
	}
	now := d.clk.Now()
	if d.sstamp.IsZero() || now.Sub(d.sstamp) >= d.cfg.Period {
		d.sendHeartbeat(now)
	}
	if d.rstamp.IsZero() {
		return
	}
	if now.Sub(d.rstamp) <= d.cfg.Timeout {
		return
	}

	suspect := d.Observing()
	if d.failed[suspect] {
		return
	}
	d.failed[suspect] = true
	d.log.Warn("daemon suspected dead", "daemon", suspect, "silent_for", now.Sub(d.rstamp))
	d.reportFailure(suspect)
	d.retarget(now)
}

// reportFailure 本地啟動 HEARTBEAT_FAILED，並把判定交給 root
func (d *Detector) reportFailure(vpid types.Rank) {
	name := types.DaemonName(vpid)
	d.eng.ActivateProc(name, types.ProcStateHeartbeatFailed)

	buf := messaging.NewBuffer()
	buf.PackCmd(messaging.CmdUpdateProcState)
	messaging.PackStateUpdate(buf, types.DaemonJob, []messaging.ProcStatus{{
		Rank:  vpid,
		State: types.ProcStateHeartbeatFailed,
	}})
	d.msgr.Send(types.RootName, buf, messaging.TagPLM, func(err error, _ types.ProcName, _ messaging.Tag) {
		if err != nil {
			d.log.Warn("heartbeat failure not delivered to root", "daemon", vpid, "error", err)
		}
	})
}

// retarget 改為觀察下一個仍存活的前一個 daemon
func (d *Detector) retarget(now time.Time) {
	for v := d.prev(d.Observing()); v != d.self; v = d.prev(v) {
		if d.failed[v] {
			continue
		}
		d.observing.Store(uint32(v))
		d.msgr.Send(types.DaemonName(v), messaging.PackHeartbeat(messaging.CmdHeartbeatRequest, types.DaemonName(d.self)),
			messaging.TagHeartbeat, nil)
		// 多給一個 timeout 涵蓋請求的傳送時間
		d.rstamp = now.Add(d.cfg.Timeout)
		d.log.Info("heartbeat ring updated", "observing", v, "observer", d.Observer())
		return
	}
	// 其他 daemon 都失效了
	d.log.Warn("no live daemon left to observe")
	d.observing.Store(uint32(types.RankInvalid))
	d.observer.Store(uint32(types.RankInvalid))
	d.rstamp = time.Time{}
	d.active = false
}

func (d *Detector) sendHeartbeat(now time.Time) {
	if !d.sstamp.IsZero() && now.Sub(d.sstamp) >= 2*d.cfg.Period {
		d.log.Debug("missed heartbeat deadline", "late_by", now.Sub(d.sstamp)-d.cfg.Period)
	}
	d.sstamp = now
	obs := d.Observer()
	if obs == types.RankInvalid {
		return
	}
	d.msgr.Send(types.DaemonName(obs), messaging.PackHeartbeat(messaging.CmdHeartbeat, types.DaemonName(d.self)),
		messaging.TagHeartbeat, nil)
}

// recv 處理心跳與心跳請求
func (d *Detector) recv(src types.ProcName, _ messaging.Tag, buf *messaging.Buffer) {
	cmd, err := buf.UnpackCmd()
	if err != nil {
		d.log.Warn("bad heartbeat message", "src", src, "error", err)
		return
	}
	from, err := messaging.UnpackHeartbeat(buf)
	if err != nil {
		d.log.Warn("bad heartbeat message", "src", src, "error", err)
		return
	}

	switch cmd {
	case messaging.CmdHeartbeat:
		if from.Rank != d.Observing() {
			d.log.Debug("heartbeat from unobserved daemon", "from", from.Rank, "observing", d.Observing())
			return
		}
		now := d.clk.Now()
		if grace := d.cfg.Timeout - now.Sub(d.rstamp); grace < 0 {
			d.log.Debug("heartbeat arrived late", "from", from.Rank, "late_by", -grace)
		}
		d.rstamp = now

	case messaging.CmdHeartbeatRequest:
		if !d.active {
			return
		}
		// 在以自己為起點的環上比較距離；只接受比目前觀察者更遠的請求
		n := types.Rank(d.cfg.NumDaemons)
		dist := func(v types.Rank) types.Rank { return (n + v - d.self) % n }
		if obs := d.Observer(); obs != types.RankInvalid && dist(from.Rank) < dist(obs) {
			return
		}
		d.observer.Store(uint32(from.Rank))
		d.log.Info("new observer", "observer", from.Rank)
		d.sendHeartbeat(d.clk.Now())

	default:
		d.log.Warn("unexpected heartbeat command", "cmd", cmd)
	}
}
