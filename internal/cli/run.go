package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/google/shlex"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/gridlaunch/internal/controller"
	"github.com/ChuLiYu/gridlaunch/internal/errmgr"
	"github.com/ChuLiYu/gridlaunch/internal/messaging"
	"github.com/ChuLiYu/gridlaunch/internal/metrics"
	"github.com/ChuLiYu/gridlaunch/internal/state"
	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

// ============================================================================
// master
// ============================================================================

type masterFlags struct {
	apps        []string
	np          []int
	listen      string
	recoverable bool
	continuous  bool
}

func buildMasterCommand(g *globalFlags) *cobra.Command {
	f := &masterFlags{}
	cmd := &cobra.Command{
		Use:   "master",
		Short: "Run the root coordinator and launch the given apps",
		Long: `Run the root coordinator. Without --listen (and without messaging.listen
in the config) one daemon per configured node is started in this process and
the apps run locally. With --listen the root waits for external daemons
started with "gridlaunch daemon", one per configured node.`,
		Example: `  gridlaunch master -c cluster.yaml --app "hostname" -n 4
  gridlaunch master --app "./solver --input in.dat" -n 8 --app "./monitor" -n 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaster(cmd.Context(), g, f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringArrayVar(&f.apps, "app", nil, "application command line (repeatable)")
	cmd.Flags().IntSliceVarP(&f.np, "np", "n", nil, "number of procs for each --app, in order (0 fills the free slots)")
	cmd.Flags().StringVar(&f.listen, "listen", "", "gRPC listen address; empty runs the daemons in-process")
	cmd.Flags().BoolVar(&f.recoverable, "recoverable", false, "restart failed procs instead of aborting the job")
	cmd.Flags().BoolVar(&f.continuous, "continuous", false, "keep the job running when procs fail")
	_ = cmd.MarkFlagRequired("app")
	return cmd
}

func runMaster(ctx context.Context, g *globalFlags, f *masterFlags, out io.Writer) error {
	cfg, err := loadConfig(g.configFile)
	if err != nil {
		return err
	}
	if f.listen != "" {
		cfg.Messaging.Listen = f.listen
	}
	spec, err := buildJobSpec(cfg, f.apps, f.np)
	if err != nil {
		return err
	}
	if f.recoverable {
		spec.Flags.Set(types.JobFlagRecoverable)
	}
	if f.continuous {
		spec.Attrs.Set(types.AttrContinuousOp, true)
	}

	nodes, topo, err := cfg.buildNodes()
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		nodes = []*types.Node{localNode()}
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var obs controller.Observer
	if cfg.Metrics.Enabled {
		col := metrics.NewCollector()
		obs = col
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Port); err != nil {
				log.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	local := cfg.Messaging.Listen == ""
	var hub *messaging.Hub
	transport := grpcTransport(cfg, types.RootName, cfg.Messaging.Listen, "")
	if local {
		hub = messaging.NewHub()
		transport = loopbackTransport(hub, types.RootName)
	}

	ccfg := cfg.controllerConfig()
	ccfg.Role = state.RoleMaster
	ccfg.Nodes = nodes
	ccfg.Topologies = topo
	ccfg.Mapping = cfg.mapperOptions(false)
	ccfg.ExpectDaemons = len(nodes)
	ccfg.ExitWhenIdle = true

	opts := []controller.Option{controller.WithTransport(transport), controller.WithLogger(log)}
	if obs != nil {
		opts = append(opts, controller.WithObserver(obs))
	}
	root, err := controller.New(ccfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to create root: %w", err)
	}
	if err := root.Start(ctx); err != nil {
		_ = root.Stop()
		return fmt.Errorf("failed to start root: %w", err)
	}
	log.Info("root started", "nodes", len(nodes), "local", local, "addr", root.Addr())

	var daemons []*controller.Controller
	if local {
		for i, n := range nodes {
			d, err := startLocalDaemon(ctx, cfg, hub, types.Rank(i+1), n.Name, out)
			if err != nil {
				root.Abort(errmgr.DefaultExitCode, err.Error())
				break
			}
			daemons = append(daemons, d)
		}
	}

	stopSignals := abortOnSignal(ctx, root)
	defer stopSignals()

	results, err := root.Submit(spec)
	if err != nil {
		_ = root.Stop()
		return err
	}

	waitErr := root.Wait()
	for _, d := range daemons {
		if err := d.Wait(); err != nil {
			log.Warn("local daemon teardown", "daemon", d.Self(), "error", err)
		}
	}
	if waitErr != nil {
		log.Warn("root teardown", "error", waitErr)
	}

	select {
	case res := <-results:
		printResult(out, res)
	default:
	}
	if status := root.ExitStatus(); status != 0 {
		return &ExitError{Code: status}
	}
	return nil
}

// startLocalDaemon 行程內的 daemon，輸出寫到 out
func startLocalDaemon(ctx context.Context, cfg *Config, hub *messaging.Hub, vpid types.Rank, node string, out io.Writer) (*controller.Controller, error) {
	dcfg := cfg.controllerConfig()
	dcfg.Role = state.RoleDaemon
	dcfg.Vpid = vpid
	dcfg.NodeName = node
	dcfg.Output = out
	// journal 與快照只屬於 root
	dcfg.JournalPath = ""
	dcfg.SnapshotPath = ""

	d, err := controller.New(dcfg,
		controller.WithTransport(loopbackTransport(hub, types.DaemonName(vpid))),
		controller.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("daemon %d: %w", vpid, err)
	}
	if err := d.Start(ctx); err != nil {
		_ = d.Stop()
		return nil, fmt.Errorf("daemon %d: %w", vpid, err)
	}
	return d, nil
}

// ============================================================================
// daemon
// ============================================================================

type daemonFlags struct {
	master string
	vpid   uint32
	node   string
	listen string
}

func buildDaemonCommand(g *globalFlags) *cobra.Command {
	f := &daemonFlags{}
	cmd := &cobra.Command{
		Use:     "daemon",
		Short:   "Run a node daemon that reports to the master",
		Example: `  gridlaunch daemon --master 10.0.0.1:7000 --vpid 1 --node n01 --listen 10.0.0.11:7001`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), g, f)
		},
	}
	cmd.Flags().StringVar(&f.master, "master", "", "master address (default messaging.master from the config)")
	cmd.Flags().Uint32Var(&f.vpid, "vpid", 0, "daemon rank, starting at 1")
	cmd.Flags().StringVar(&f.node, "node", "", "node name reported to the master (default hostname)")
	cmd.Flags().StringVar(&f.listen, "listen", "", "gRPC listen address (default messaging.listen, then :0)")
	_ = cmd.MarkFlagRequired("vpid")
	return cmd
}

func runDaemon(ctx context.Context, g *globalFlags, f *daemonFlags) error {
	cfg, err := loadConfig(g.configFile)
	if err != nil {
		return err
	}
	master := f.master
	if master == "" {
		master = cfg.Messaging.Master
	}
	if master == "" {
		return fmt.Errorf("master address is required (--master or messaging.master)")
	}
	listen := f.listen
	if listen == "" {
		listen = cfg.Messaging.Listen
	}
	if listen == "" {
		listen = ":0"
	}
	node := f.node
	if node == "" {
		node = localNode().Name
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	vpid := types.Rank(f.vpid)
	dcfg := cfg.controllerConfig()
	dcfg.Role = state.RoleDaemon
	dcfg.Vpid = vpid
	dcfg.NodeName = node
	dcfg.JournalPath = ""
	dcfg.SnapshotPath = ""

	d, err := controller.New(dcfg,
		controller.WithTransport(grpcTransport(cfg, types.DaemonName(vpid), listen, master)),
		controller.WithLogger(log))
	if err != nil {
		return err
	}
	if err := d.Start(ctx); err != nil {
		_ = d.Stop()
		return err
	}
	log.Info("daemon started", "vpid", vpid, "node", node, "master", master, "addr", d.Addr())

	stopSignals := abortOnSignal(ctx, d)
	defer stopSignals()

	if err := d.Wait(); err != nil {
		log.Warn("daemon teardown", "error", err)
	}
	if status := d.ExitStatus(); status != 0 {
		return &ExitError{Code: status}
	}
	return nil
}

// ============================================================================
// 共用
// ============================================================================

func loopbackTransport(hub *messaging.Hub, self types.ProcName) controller.TransportFunc {
	return func(p messaging.Poster, _ *messaging.Directory) (messaging.Messenger, error) {
		return hub.Endpoint(self, p), nil
	}
}

func grpcTransport(cfg *Config, self types.ProcName, listen, master string) controller.TransportFunc {
	return func(p messaging.Poster, dir *messaging.Directory) (messaging.Messenger, error) {
		if master != "" {
			dir.Set(types.RootName, master)
		}
		return messaging.NewGRPC(messaging.GRPCConfig{
			Self:        self,
			ListenAddr:  listen,
			SendWorkers: cfg.Messaging.SendWorkers,
			SendRate:    cfg.Messaging.SendRate,
			SendTimeout: cfg.Messaging.SendTimeout,
			DialTimeout: cfg.Messaging.DialTimeout,
		}, dir, p), nil
	}
}

// abortOnSignal SIGINT / SIGTERM 以 128+signo 異常終止
func abortOnSignal(ctx context.Context, c *controller.Controller) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			code := errmgr.DefaultExitCode
			if s, ok := sig.(syscall.Signal); ok {
				code = 128 + int(s)
			}
			log.Warn("signal received, aborting", "signal", sig, "exit_code", code)
			c.Abort(code, "interrupted by "+sig.String())
		case <-ctx.Done():
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// localNode 沒有設定節點時使用本機，slots 為 CPU 數
func localNode() *types.Node {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "localhost"
	}
	return &types.Node{Name: name, Slots: runtime.NumCPU(), State: types.NodeStateUp, Daemon: types.RankInvalid}
}

// buildJobSpec 以 shlex 切開命令列，依序配對 -n
func buildJobSpec(cfg *Config, apps []string, np []int) (controller.JobSpec, error) {
	var spec controller.JobSpec
	if len(apps) == 0 {
		return spec, fmt.Errorf("at least one --app is required")
	}
	if len(np) > len(apps) {
		return spec, fmt.Errorf("%d -n values for %d apps", len(np), len(apps))
	}
	for i, line := range apps {
		argv, err := shlex.Split(line)
		if err != nil {
			return spec, fmt.Errorf("app %d: %w", i, err)
		}
		if len(argv) == 0 {
			return spec, fmt.Errorf("app %d: empty command line", i)
		}
		app := &types.AppContext{Index: i, App: argv[0], Argv: argv}
		if i < len(np) {
			if np[i] < 0 {
				return spec, fmt.Errorf("app %d: negative proc count %d", i, np[i])
			}
			app.NumProcs = np[i]
		}
		spec.Apps = append(spec.Apps, app)
	}

	mp, rp, err := cfg.Mapping.policy()
	if err != nil {
		return spec, err
	}
	spec.Mapping = mp
	spec.Ranking = rp
	spec.Attrs = cfg.Mapping.attrs()
	spec.Source = "cli"
	return spec, nil
}
