package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/gridlaunch/internal/controller"
	"github.com/ChuLiYu/gridlaunch/internal/registry"
	"github.com/ChuLiYu/gridlaunch/internal/rmaps"
	"github.com/ChuLiYu/gridlaunch/internal/snapshot"
	"github.com/ChuLiYu/gridlaunch/internal/storage/journal"
	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

var (
	headerColor = color.New(color.Bold, color.FgCyan)
	okColor     = color.New(color.FgGreen)
	errColor    = color.New(color.FgRed, color.Bold)
)

// ============================================================================
// map
// ============================================================================

type mapFlags struct {
	apps          []string
	np            []int
	policy        string
	ranking       string
	span          bool
	oversubscribe bool
	faultGroups   string
}

func buildMapCommand(g *globalFlags) *cobra.Command {
	f := &mapFlags{}
	cmd := &cobra.Command{
		Use:   "map",
		Short: "Dry-run the mappers and print the placement",
		Long: `Map the given apps onto the configured node pool without launching
anything. Every node is treated as if its daemon were already running.`,
		Example: `  gridlaunch map -c cluster.yaml --app "./solver" -n 16 --policy bynode
  gridlaunch map -c cluster.yaml --app "./replica" -n 6 --fault-groups groups.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMap(g, f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringArrayVar(&f.apps, "app", nil, "application command line (repeatable)")
	cmd.Flags().IntSliceVarP(&f.np, "np", "n", nil, "number of procs for each --app, in order")
	cmd.Flags().StringVar(&f.policy, "policy", "", "mapping policy: byslot, bynode, bycpulist, bycore, bynuma, bydist, ...")
	cmd.Flags().StringVar(&f.ranking, "ranking", "", "ranking policy: byslot, bynode, byobject")
	cmd.Flags().BoolVar(&f.span, "span", false, "treat all nodes as one pool of regions (mindist)")
	cmd.Flags().BoolVar(&f.oversubscribe, "oversubscribe", false, "allow more procs than slots")
	cmd.Flags().StringVar(&f.faultGroups, "fault-groups", "", "fault group file for the resilient mapper")
	_ = cmd.MarkFlagRequired("app")
	return cmd
}

func runMap(g *globalFlags, f *mapFlags, out io.Writer) error {
	cfg, err := loadConfig(g.configFile)
	if err != nil {
		return err
	}
	if f.policy != "" {
		cfg.Mapping.Policy = f.policy
	}
	if f.ranking != "" {
		cfg.Mapping.Ranking = f.ranking
	}
	if f.span {
		cfg.Mapping.Span = true
	}
	if f.oversubscribe {
		cfg.Mapping.Oversubscribe = true
	}
	if f.faultGroups != "" {
		cfg.Mapping.FaultGroupFile = f.faultGroups
	}

	spec, err := buildJobSpec(cfg, f.apps, f.np)
	if err != nil {
		return err
	}
	nodes, topo, err := cfg.buildNodes()
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		nodes = []*types.Node{localNode()}
	}

	reg := registry.New(types.RootName)
	for _, n := range nodes {
		if _, err := reg.AddNode(n); err != nil {
			return err
		}
	}
	job := controller.BuildJob(reg, spec)
	fw := rmaps.New(reg, topo, cfg.mapperOptions(true), rmaps.WithLogger(log.With("component", "rmaps")))
	if err := fw.MapJob(job); err != nil {
		return fmt.Errorf("mapping failed: %w", err)
	}
	return printPlacement(out, reg, job)
}

func printPlacement(out io.Writer, reg *registry.Registry, job *types.Job) error {
	headerColor.Fprintf(out, "job %s: %d procs on %d nodes (mapper %s, policy %s, ranking %s)\n",
		job.ID, job.NumProcs, len(job.Map.Nodes), job.Map.LastMapper, job.Map.Mapping, job.Map.Ranking)
	if job.Flags.Has(types.JobFlagOversubscribed) {
		errColor.Fprintln(out, "warning: job is oversubscribed")
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tAPP\tNODE\tLOCAL\tNODE RANK\tLOCALE")
	for _, h := range job.Procs {
		p, err := reg.Proc(h)
		if err != nil {
			continue
		}
		node := "-"
		if n, err := reg.Node(p.Node); err == nil {
			node = n.Name
		}
		locale, _ := p.Attrs.GetString(types.AttrLocale)
		if locale == "" {
			locale = "-"
		}
		app := "-"
		if p.AppIdx >= 0 && p.AppIdx < len(job.Apps) {
			app = job.Apps[p.AppIdx].App
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", p.Name.Rank, app, node, p.LocalRank, p.NodeRank, locale)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tPROCS\tSLOTS\tSLOTS MAX")
	for _, nh := range job.Map.Nodes {
		n, err := reg.Node(nh)
		if err != nil {
			continue
		}
		slotsMax := "-"
		if n.SlotsMax > 0 {
			slotsMax = fmt.Sprint(n.SlotsMax)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", n.Name, n.NumProcs, n.Slots, slotsMax)
	}
	return tw.Flush()
}

// ============================================================================
// status
// ============================================================================

type statusFlags struct {
	history bool
}

func buildStatusCommand(g *globalFlags) *cobra.Command {
	f := &statusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest snapshot of the master",
		Long:  "Display jobs, procs and nodes from the snapshot file; --history replays the journal.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(g, f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&f.history, "history", false, "replay the state journal")
	return cmd
}

func showStatus(g *globalFlags, f *statusFlags, out io.Writer) error {
	cfg, err := loadConfig(g.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Snapshot.Path == "" && !(f.history && cfg.Journal.Path != "") {
		return fmt.Errorf("no snapshot.path configured")
	}

	if cfg.Snapshot.Path != "" {
		data, err := snapshot.NewManager(cfg.Snapshot.Path).Load()
		if err != nil {
			return fmt.Errorf("failed to load snapshot: %w", err)
		}
		printSnapshot(out, data)
	}

	if f.history {
		if cfg.Journal.Path == "" {
			return fmt.Errorf("no journal.path configured")
		}
		return printHistory(out, cfg.Journal.Path)
	}
	return nil
}

func printSnapshot(out io.Writer, data *types.SnapshotData) {
	taken := time.UnixMilli(data.TakenAt)
	headerColor.Fprintf(out, "%s snapshot, taken %s (journal seq %d)\n",
		data.Role, humanize.Time(taken), data.LastSeq)
	statusLine(out, "exit status", data.ExitStatus)
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATE\tPROCS\tTERMINATED\tEXIT\tMAPPER")
	for _, j := range data.Jobs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", j.ID, j.State, j.NumProcs, j.NumTerminated, j.ExitCode, j.Mapper)
	}
	_ = tw.Flush()

	for _, j := range data.Jobs {
		if j.ID == types.DaemonJob || len(j.Procs) == 0 {
			continue
		}
		fmt.Fprintln(out)
		headerColor.Fprintf(out, "job %s\n", j.ID)
		tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RANK\tNODE\tPID\tSTATE\tEXIT\tLOCALE")
		for _, p := range j.Procs {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%s\n", p.Rank, p.Node, p.Pid, p.State, p.ExitCode, p.Locale)
		}
		_ = tw.Flush()
	}

	fmt.Fprintln(out)
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tSTATE\tDAEMON\tPROCS\tSLOTS\tIN USE\tREFS")
	for _, n := range data.Nodes {
		daemon := "-"
		if n.Daemon != types.RankInvalid {
			daemon = n.Daemon.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n", n.Name, n.State, daemon, n.NumProcs, n.Slots, n.SlotsInUse, n.Refs)
	}
	_ = tw.Flush()
}

func printHistory(out io.Writer, path string) error {
	fmt.Fprintln(out)
	headerColor.Fprintln(out, "journal")
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tKIND\tNAME\tSTATE\tEXIT")
	n := 0
	err := journal.ReplayFile(path, func(e journal.Entry) error {
		name := e.Job.String()
		if e.Rank != types.RankInvalid {
			name = types.ProcName{Job: e.Job, Rank: e.Rank}.String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\n", e.Seq,
			time.UnixMilli(e.Timestamp).Format("15:04:05.000"), e.Kind, name, e.State, e.ExitCode)
		n++
		return nil
	})
	if ferr := tw.Flush(); err == nil {
		err = ferr
	}
	if err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}
	fmt.Fprintf(out, "%s entries\n", humanize.Comma(int64(n)))
	return nil
}

// printResult master 結束時的摘要
func printResult(out io.Writer, res controller.JobResult) {
	state := strings.ToLower(res.State.String())
	if res.ExitCode == 0 && !res.State.IsError() {
		okColor.Fprintf(out, "job %s: %s, %d procs\n", res.Job, state, res.NumProcs)
		return
	}
	errColor.Fprintf(out, "job %s: %s, %d procs, exit code %d\n", res.Job, state, res.NumProcs, res.ExitCode)
}

func statusLine(out io.Writer, label string, code int) {
	c := okColor
	if code != 0 {
		c = errColor
	}
	fmt.Fprintf(out, "%s: ", label)
	c.Fprintf(out, "%d\n", code)
}
