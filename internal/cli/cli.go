// ============================================================================
// gridlaunch CLI - 命令列介面
// ============================================================================
//
// Package: internal/cli
// 文件: cli.go
// 功能: 基於 Cobra 的命令列介面與 YAML 設定
//
// 命令結構:
//   gridlaunch                     # 根命令
//   ├── master                     # 執行 root（本機模式會在行程內啟動 daemon）
//   │   ├── --app "cmd args" -n N  # 要啟動的應用（可重複）
//   │   └── --listen host:port     # 非空時以 gRPC 等待外部 daemon
//   ├── daemon                     # 執行一個 daemon
//   │   └── --master --vpid --node --listen
//   ├── map                        # dry-run 映射，印出放置結果
//   ├── status                     # 印出最新快照；--history 重播 journal
//   ├── --config, -c               # 設定檔
//   └── --log-level                # debug | info | warn | error
//
// 設定:
//   YAML 設定檔（見 Config），程式內套用預設值，命令列旗標覆寫設定檔。
//
// 結束碼:
//   master / daemon 以保存的結束碼結束（ExitError），main 負責 os.Exit。
//
// 訊號處理:
//   SIGINT / SIGTERM 觸發 Abort(128+signo)，由 error manager 拆除整棵樹。
//
// ============================================================================

package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/gridlaunch/internal/controller"
	"github.com/ChuLiYu/gridlaunch/internal/errmgr"
	"github.com/ChuLiYu/gridlaunch/internal/rmaps"
	"github.com/ChuLiYu/gridlaunch/internal/topology"
	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

var log = slog.Default()

// Version 由 -ldflags 覆寫
var Version = "0.1.0"

// 預設值
const (
	DefaultMetricsPort      = 9090
	DefaultJournalBuffer    = 64
	DefaultJournalFlush     = 100 * time.Millisecond
	DefaultSnapshotInterval = 5 * time.Second
	DefaultSendWorkers      = 4
	DefaultHeartbeatTimeout = 3
)

// Config 完整的設定檔結構
type Config struct {
	Role  string       `yaml:"role"`
	Nodes []NodeConfig `yaml:"nodes"`

	Mapping MappingConfig `yaml:"mapping"`

	Errmgr struct {
		AbortTimeout   time.Duration `yaml:"abort_timeout"`
		AbortOnNonZero bool          `yaml:"abort_on_nonzero"`
		MaxRestarts    int           `yaml:"max_restarts"`
		Heartbeat      struct {
			Period  time.Duration `yaml:"period"`
			Timeout time.Duration `yaml:"timeout"`
		} `yaml:"heartbeat"`
	} `yaml:"errmgr"`

	Messaging struct {
		Listen      string        `yaml:"listen"`
		Master      string        `yaml:"master"`
		SendWorkers int           `yaml:"send_workers"`
		SendRate    float64       `yaml:"send_rate"`
		SendTimeout time.Duration `yaml:"send_timeout"`
		DialTimeout time.Duration `yaml:"dial_timeout"`
	} `yaml:"messaging"`

	Session struct {
		BaseDir string `yaml:"base_dir"`
	} `yaml:"session"`

	Journal struct {
		Path   string        `yaml:"path"`
		Buffer int           `yaml:"buffer"`
		Flush  time.Duration `yaml:"flush"`
	} `yaml:"journal"`

	Snapshot struct {
		Path     string        `yaml:"path"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"snapshot"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// NodeConfig 節點池中的一個節點
type NodeConfig struct {
	Name     string   `yaml:"name"`
	Aliases  []string `yaml:"aliases"`
	Slots    int      `yaml:"slots"`
	SlotsMax int      `yaml:"slots_max"`
	State    string   `yaml:"state"`
	// Topology 靜態拓撲 YAML 檔；空字串表示沒有拓撲資訊
	Topology string `yaml:"topology"`
}

// MappingConfig mapper 設定
type MappingConfig struct {
	Policy         string `yaml:"policy"`
	Ranking        string `yaml:"ranking"`
	Span           bool   `yaml:"span"`
	Oversubscribe  bool   `yaml:"oversubscribe"`
	NoLocal        bool   `yaml:"no_local"`
	FaultGroupFile string `yaml:"fault_group_file"`
	DistDevice     string `yaml:"dist_device"`
	PesPerProc     int    `yaml:"pes_per_proc"`
	HwtCPUs        bool   `yaml:"hwt_cpus"`
	Cpuset         string `yaml:"cpuset"`
	CPUList        string `yaml:"cpu_list"`
}

// ExitError 以指定結束碼結束
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

type globalFlags struct {
	configFile string
	logLevel   string
}

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	g := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:   "gridlaunch",
		Short: "gridlaunch: a parallel job launcher",
		Long: `gridlaunch launches parallel jobs across a pool of nodes:
- root coordinator with a tree of node daemons
- pluggable process mappers (round-robin, mindist, resilient)
- error manager with abort, restart and heartbeat policies
- journal, snapshots and Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(g.logLevel)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(buildMasterCommand(g))
	rootCmd.AddCommand(buildDaemonCommand(g))
	rootCmd.AddCommand(buildMapCommand(g))
	rootCmd.AddCommand(buildStatusCommand(g))
	return rootCmd
}

// setupLogging 設定 slog 的預設 handler
func setupLogging(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	l := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(l)
	log = l
	return nil
}

// ============================================================================
// 設定檔
// ============================================================================

// loadConfig 讀取設定檔；path 為空時只使用預設值
func loadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Role == "" {
		c.Role = "master"
	}
	if c.Errmgr.AbortTimeout <= 0 {
		c.Errmgr.AbortTimeout = errmgr.DefaultAbortTimeout
	}
	if c.Errmgr.Heartbeat.Period > 0 && c.Errmgr.Heartbeat.Timeout <= 0 {
		c.Errmgr.Heartbeat.Timeout = DefaultHeartbeatTimeout * c.Errmgr.Heartbeat.Period
	}
	if c.Messaging.SendWorkers <= 0 {
		c.Messaging.SendWorkers = DefaultSendWorkers
	}
	if c.Journal.Buffer <= 0 {
		c.Journal.Buffer = DefaultJournalBuffer
	}
	if c.Journal.Flush <= 0 {
		c.Journal.Flush = DefaultJournalFlush
	}
	if c.Snapshot.Path != "" && c.Snapshot.Interval <= 0 {
		c.Snapshot.Interval = DefaultSnapshotInterval
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	for i := range c.Nodes {
		if c.Nodes[i].Slots <= 0 {
			c.Nodes[i].Slots = 1
		}
	}
}

// buildNodes 建立節點池與拓撲登錄；同一個拓撲檔只載入一次
func (c *Config) buildNodes() ([]*types.Node, *topology.Registry, error) {
	topo := topology.NewRegistry()
	seen := make(map[string]bool)
	nodes := make([]*types.Node, 0, len(c.Nodes))
	for _, nc := range c.Nodes {
		if nc.Name == "" {
			return nil, nil, fmt.Errorf("node without a name in config")
		}
		st, err := types.ParseNodeState(strings.ToUpper(nc.State))
		if err != nil {
			return nil, nil, fmt.Errorf("node %s: %w", nc.Name, err)
		}
		if nc.Topology != "" && !seen[nc.Topology] {
			static, err := topology.LoadStatic(nc.Topology)
			if err != nil {
				return nil, nil, fmt.Errorf("node %s: %w", nc.Name, err)
			}
			topo.Set(nc.Topology, static)
			seen[nc.Topology] = true
		}
		nodes = append(nodes, &types.Node{
			Name:     nc.Name,
			Aliases:  nc.Aliases,
			Slots:    nc.Slots,
			SlotsMax: nc.SlotsMax,
			State:    st,
			Topology: nc.Topology,
			Daemon:   types.RankInvalid,
		})
	}
	return nodes, topo, nil
}

// policy 解析 mapping 設定
func (m MappingConfig) policy() (types.MappingPolicy, types.RankingPolicy, error) {
	var mp types.MappingPolicy
	if m.Policy != "" {
		p, err := types.ParseMapper(m.Policy)
		if err != nil {
			return 0, 0, err
		}
		mp = p
	}
	if m.Span {
		mp |= types.MapSpan
	}
	if !m.Oversubscribe {
		mp |= types.MapNoOversubscribe
	}
	if m.NoLocal {
		mp |= types.MapNoUseLocal
	}

	var rp types.RankingPolicy
	switch strings.ToLower(m.Ranking) {
	case "":
	case "byslot", "slot":
		rp = types.RankBySlot
	case "bynode", "node":
		rp = types.RankByNode
	case "byobject", "object":
		rp = types.RankByObject
	default:
		return 0, 0, fmt.Errorf("unknown ranking policy %q", m.Ranking)
	}
	return mp, rp, nil
}

// attrs mapper 使用的 job 屬性
func (m MappingConfig) attrs() types.Attributes {
	var a types.Attributes
	if m.DistDevice != "" {
		a.Set(types.AttrDistDevice, m.DistDevice)
	}
	if m.PesPerProc > 1 {
		a.Set(types.AttrPesPerProc, m.PesPerProc)
	}
	if m.HwtCPUs {
		a.Set(types.AttrHwtCPUs, true)
	}
	if m.Cpuset != "" {
		a.Set(types.AttrCpuset, m.Cpuset)
	}
	if m.CPUList != "" {
		a.Set(types.AttrCPUList, m.CPUList)
	}
	return a
}

// mapperOptions framework 設定
func (c *Config) mapperOptions(noVM bool) rmaps.Options {
	return rmaps.Options{
		FaultGroupFile: c.Mapping.FaultGroupFile,
		NoVM:           noVM,
	}
}

// heartbeat nil 表示不啟用
func (c *Config) heartbeat() *errmgr.DetectorConfig {
	if c.Errmgr.Heartbeat.Period <= 0 {
		return nil
	}
	return &errmgr.DetectorConfig{
		Period:  c.Errmgr.Heartbeat.Period,
		Timeout: c.Errmgr.Heartbeat.Timeout,
	}
}

// controllerConfig 兩種角色共用的控制器設定
func (c *Config) controllerConfig() controller.Config {
	return controller.Config{
		AbortTimeout:     c.Errmgr.AbortTimeout,
		AbortOnNonZero:   c.Errmgr.AbortOnNonZero,
		MaxRestarts:      c.Errmgr.MaxRestarts,
		Heartbeat:        c.heartbeat(),
		SessionBase:      c.Session.BaseDir,
		JournalPath:      c.Journal.Path,
		JournalBuffer:    c.Journal.Buffer,
		JournalFlush:     c.Journal.Flush,
		SnapshotPath:     c.Snapshot.Path,
		SnapshotInterval: c.Snapshot.Interval,
	}
}
