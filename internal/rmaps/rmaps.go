// ============================================================================
// gridlaunch Resource Mapper - 行程放置框架
// ============================================================================
//
// Package: internal/rmaps
// 文件: rmaps.go
// 功能: 依優先順序嘗試各個 mapper，產生 JobMap 並計算 rank
//
// 流程:
//   1. 依序呼叫 MapJob (resilient → mindist → round_robin)
//      - TryNext: 換下一個
//      - Fatal:   整個映射失敗
//      - Success: 由此 mapper 負責
//   2. 驗證 (procs > 0, nodes > 0)
//   3. 依 ranking 策略為尚未排名的行程編號
//   4. 計算 local rank / node rank
//   5. 依序呼叫 AssignLocations，只有產生 map 的 mapper 會接手
//   6. 清除暫時性的 MAPPED 旗標
//
// 所有函式都在 reactor 上執行，不另外加鎖。
// ============================================================================

package rmaps

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ChuLiYu/gridlaunch/internal/registry"
	"github.com/ChuLiYu/gridlaunch/internal/topology"
	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

// Result mapper 的三態結果
type Result int

const (
	Success Result = iota
	TryNext
	Fatal
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case TryNext:
		return "try_next"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

var (
	// ErrNoMapperAccepted 沒有任何 mapper 接受此 job
	ErrNoMapperAccepted = errors.New("rmaps: no mapper accepted the job")
	// ErrOversubscribed 需要超額配置但策略不允許
	ErrOversubscribed = errors.New("rmaps: oversubscription not permitted")
	// ErrNotEnoughSlots 可用 slots 不足
	ErrNotEnoughSlots = errors.New("rmaps: not enough slots")
	// ErrNoNodes 沒有可用節點
	ErrNoNodes = errors.New("rmaps: no nodes available")
	// ErrNoProcs 映射後沒有任何行程
	ErrNoProcs = errors.New("rmaps: no processes mapped")
	// ErrBadFaultGroups 故障群組檔無法讀取
	ErrBadFaultGroups = errors.New("rmaps: cannot read fault groups")
)

// Mapper 一種放置策略
type Mapper interface {
	Name() string
	MapJob(job *types.Job) (Result, error)
	AssignLocations(job *types.Job) (Result, error)
}

// Observer 接收映射結果（metrics 實作）
type Observer interface {
	ObserveMapping(mapper, result string, procs int)
}

type nopObserver struct{}

func (nopObserver) ObserveMapping(string, string, int) {}

// Options mapper 設定
type Options struct {
	// FaultGroupFile 每行一個以逗號分隔的節點群組；空字串表示不使用 resilient 初始放置
	FaultGroupFile string
	// NoVM 允許放到尚無 daemon 的節點（dry-run 映射）
	NoVM bool
	// DefaultMapping / DefaultRanking job 未指定時使用
	DefaultMapping types.MappingPolicy
	DefaultRanking types.RankingPolicy
}

// Option 設定 Framework
type Option func(*Framework)

// WithObserver 指定觀測者
func WithObserver(o Observer) Option {
	return func(f *Framework) {
		if o != nil {
			f.obs = o
		}
	}
}

// WithLogger 指定 logger
func WithLogger(l *slog.Logger) Option {
	return func(f *Framework) { f.log = l }
}

// Framework 有序的 mapper 鏈
type Framework struct {
	base    *base
	mappers []Mapper
	opts    Options
	obs     Observer
	log     *slog.Logger
}

// New 建立 resilient → mindist → round_robin 的 mapper 鏈
func New(reg *registry.Registry, topo *topology.Registry, opts Options, fopts ...Option) *Framework {
	f := &Framework{
		opts: opts,
		obs:  nopObserver{},
		log:  slog.Default().With("component", "rmaps"),
	}
	for _, o := range fopts {
		o(f)
	}
	if f.opts.DefaultMapping.Mapper() == 0 {
		f.opts.DefaultMapping = f.opts.DefaultMapping.WithMapper(types.MapBySlot)
	}
	if f.opts.DefaultRanking == 0 {
		f.opts.DefaultRanking = types.RankBySlot
	}

	f.base = &base{reg: reg, topo: topo, novm: opts.NoVM, log: f.log}
	f.mappers = []Mapper{
		NewResilient(f.base, opts.FaultGroupFile),
		NewMinDist(f.base),
		NewRoundRobin(f.base),
	}
	return f
}

// Mappers 依優先順序列出 mapper
func (f *Framework) Mappers() []Mapper {
	return append([]Mapper(nil), f.mappers...)
}

// MapJob 為 job 產生（或延伸）JobMap
func (f *Framework) MapJob(job *types.Job) error {
	if job.Map == nil {
		job.Map = &types.JobMap{DaemonVpidStart: types.RankInvalid}
	}
	m := job.Map
	if m.Mapping.Mapper() == 0 {
		m.Mapping = m.Mapping.WithMapper(f.opts.DefaultMapping.Mapper()) | f.opts.DefaultMapping.WithMapper(0)
	}
	if m.Ranking == 0 {
		m.Ranking = f.opts.DefaultRanking
	}

	var winner Mapper
	for _, mp := range f.mappers {
		res, err := mp.MapJob(job)
		f.obs.ObserveMapping(mp.Name(), res.String(), job.NumProcs)
		if res == TryNext {
			f.log.Debug("mapper declined", "mapper", mp.Name(), "job", job.ID)
			continue
		}
		if res == Fatal {
			f.clearMapped(job)
			if err == nil {
				err = fmt.Errorf("mapper %s failed", mp.Name())
			}
			return fmt.Errorf("map job %s: %s: %w", job.ID, mp.Name(), err)
		}
		winner = mp
		break
	}
	if winner == nil {
		return fmt.Errorf("map job %s: %w", job.ID, ErrNoMapperAccepted)
	}
	m.LastMapper = winner.Name()

	if job.NumProcs == 0 {
		f.clearMapped(job)
		return fmt.Errorf("map job %s: %w", job.ID, ErrNoProcs)
	}
	if len(m.Nodes) == 0 {
		return fmt.Errorf("map job %s: %w", job.ID, ErrNoNodes)
	}

	if err := f.computeRanks(job); err != nil {
		f.clearMapped(job)
		return fmt.Errorf("map job %s: %w", job.ID, err)
	}
	for _, nh := range m.Nodes {
		f.base.updateLocalRanks(job, nh)
	}

	if err := f.assignLocations(job); err != nil {
		f.clearMapped(job)
		return fmt.Errorf("map job %s: %w", job.ID, err)
	}
	f.clearMapped(job)

	job.NumMapped = job.NumProcs
	job.Flags.Set(types.JobFlagMapDone)
	f.log.Info("job mapped", "job", job.ID, "mapper", m.LastMapper, "policy", m.Mapping,
		"ranking", m.Ranking, "procs", job.NumProcs, "nodes", len(m.Nodes))
	return nil
}

func (f *Framework) assignLocations(job *types.Job) error {
	for _, mp := range f.mappers {
		res, err := mp.AssignLocations(job)
		switch res {
		case TryNext:
			continue
		case Fatal:
			if err == nil {
				err = fmt.Errorf("assign locations failed")
			}
			return fmt.Errorf("%s: %w", mp.Name(), err)
		}
		return nil
	}
	return ErrNoMapperAccepted
}

func (f *Framework) clearMapped(job *types.Job) {
	for _, nh := range job.Map.Nodes {
		if n, err := f.base.reg.Node(nh); err == nil {
			n.Flags.Unset(types.NodeFlagMapped)
		}
	}
}

func isMapper(job *types.Job, name string) bool {
	return strings.EqualFold(job.Map.LastMapper, name)
}

// declinedByRequest job 指定了其他 mapper
func declinedByRequest(job *types.Job, name string) bool {
	req := job.Map.ReqMapper
	return req != "" && !strings.EqualFold(req, name)
}
