// Command melvinctl manages melvin brain files: creating them, driving
// the tick loop, and reading state back out for inspection and export.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"melvin/internal/graph"
	"melvin/internal/inspect"
	"melvin/internal/logging"
	"melvin/internal/stats"
	"melvin/pkg/melvin"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}
	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "run":
		return runRun(ctx, args[1:])
	case "tick":
		return runTick(ctx, args[1:])
	case "stat":
		return runStat(ctx, args[1:])
	case "inspect":
		return runInspect(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	case "reset":
		return runReset(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

// newLogger builds the CLI logger. MELVIN_DEBUG=1 lowers the level to
// debug; output goes to stderr so run's emission stream owns stdout.
func newLogger() *slog.Logger {
	return logging.New(
		logging.WithPretty(true),
		logging.WithDebug(os.Getenv("MELVIN_DEBUG") == "1"),
	)
}

func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		return nil
	}
	return rand.New(rand.NewSource(seed))
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	brain := fs.String("brain", "melvin.brain", "brain file path")
	nodes := fs.Uint("nodes", 256, "initial node capacity")
	edges := fs.Uint("edges", 1024, "initial edge capacity")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := melvin.New(melvin.Options{
		Path:    *brain,
		NodeCap: uint32(*nodes),
		EdgeCap: uint32(*edges),
		Logger:  newLogger(),
	})
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if err := c.Init(ctx); err != nil {
		return err
	}
	snap, err := c.Stats(ctx)
	if err != nil {
		return err
	}
	if err := c.Close(); err != nil {
		return err
	}

	fmt.Printf("initialized brain=%s tick=%d nodes=%d edges=%d\n",
		*brain, snap.Tick, snap.LiveNodes, snap.LiveEdges)
	return nil
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	brain := fs.String("brain", "melvin.brain", "brain file path")
	ticks := fs.Uint64("ticks", 0, "tick budget (0 runs until the input drains or a signal arrives)")
	tickMS := fs.Int("tick-ms", 50, "tick cadence in milliseconds")
	runsDir := fs.String("runs-dir", "runs", "telemetry directory (empty disables recording)")
	seed := fs.Int64("seed", 0, "rng seed (0 seeds from the clock)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	log := newLogger()
	c, err := melvin.New(melvin.Options{
		Path:     *brain,
		TickMS:   *tickMS,
		MaxTicks: *ticks,
		RunsDir:  *runsDir,
		Input:    os.Stdin,
		Output:   os.Stdout,
		Rand:     newRand(*seed),
		Logger:   log,
	})
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	sum, err := c.Run(ctx)
	if err != nil {
		return err
	}
	if err := c.Close(); err != nil {
		return err
	}

	// stdout carries the brain's emitted bytes; the summary goes to the
	// logger instead.
	attrs := []any{
		"brain", *brain,
		"tick", sum.Final.Tick,
		"nodes", sum.Final.LiveNodes,
		"edges", sum.Final.LiveEdges,
		"bytes_in", sum.Final.BytesIn,
		"bytes_out", sum.Final.BytesOut,
	}
	if sum.RunID != "" {
		attrs = append(attrs, "run_id", sum.RunID)
	}
	log.Info("run complete", attrs...)
	return nil
}

func runTick(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tick", flag.ContinueOnError)
	brain := fs.String("brain", "melvin.brain", "brain file path")
	n := fs.Uint64("n", 1, "ticks to step")
	seed := fs.Int64("seed", 0, "rng seed (0 seeds from the clock)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *n == 0 {
		return errors.New("n must be > 0")
	}

	c, err := melvin.New(melvin.Options{
		Path:   *brain,
		Rand:   newRand(*seed),
		Logger: newLogger(),
	})
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	sum, err := c.Step(ctx, *n)
	if err != nil {
		return err
	}
	if err := c.Close(); err != nil {
		return err
	}

	fmt.Printf("stepped=%d brain=%s tick=%d nodes=%d edges=%d mean_error=%.4f energy=%.4f epsilon=%.4f\n",
		sum.Stepped, *brain, sum.Final.Tick, sum.Final.LiveNodes, sum.Final.LiveEdges,
		sum.Final.MeanError, sum.Final.Energy, sum.Final.Epsilon)
	return nil
}

func runStat(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("stat", flag.ContinueOnError)
	brain := fs.String("brain", "melvin.brain", "brain file path")
	jsonOut := fs.Bool("json", false, "emit the report as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sum, err := inspect.Summarize(*brain, 1)
	if err != nil {
		return err
	}

	if *jsonOut {
		type statReport struct {
			Path          string                `json:"path"`
			FileSize      int64                 `json:"file_size"`
			FileSizeHuman string                `json:"file_size_human"`
			Header        inspect.HeaderSummary `json:"header"`
			Tier          inspect.TierSummary   `json:"tier"`
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(statReport{
			Path:          sum.Path,
			FileSize:      sum.FileSize,
			FileSizeHuman: sum.FileSizeHuman,
			Header:        sum.Header,
			Tier:          sum.Tier,
		})
	}

	h := sum.Header
	fmt.Printf("brain=%s size=%s (%d bytes)\n", sum.Path, sum.FileSizeHuman, sum.FileSize)
	fmt.Printf("magic=%s version=%d tick=%d next_node_id=%d\n", h.Magic, h.Version, h.Tick, h.NextNodeID)
	fmt.Printf("nodes=%d/%d (%s) edges=%d/%d (%s) modules=%d/%d (%s)\n",
		h.NodeCount, h.NodeCap, humanize.IBytes(uint64(h.NodeCap)*graph.NodeSize),
		h.EdgeCount, h.EdgeCap, humanize.IBytes(uint64(h.EdgeCap)*graph.EdgeSize),
		h.ModuleCount, h.ModuleCap, humanize.IBytes(uint64(h.ModuleCap)*graph.ModuleSize))
	fmt.Printf("tier hot=%d/%d hot_hits=%d cold_hits=%d ratio=%.3f\n",
		sum.Tier.HotNodes, sum.Tier.HotCap, sum.Tier.HotHits, sum.Tier.ColdHits, sum.Tier.HitRatio)
	return nil
}

func runInspect(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	brain := fs.String("brain", "melvin.brain", "brain file path")
	top := fs.Int("top", 10, "activation ranking size")
	jsonOut := fs.Bool("json", false, "emit the report as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *top <= 0 {
		return errors.New("top must be > 0")
	}

	sum, err := inspect.Summarize(*brain, *top)
	if err != nil {
		return err
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}

	fmt.Printf("brain=%s size=%s tick=%d\n", sum.Path, sum.FileSizeHuman, sum.Header.Tick)
	n := sum.Nodes
	fmt.Printf("nodes: live=%d cap=%d protected=%d meta=%d output=%d proxy=%d\n",
		n.Live, n.Capacity, n.Protected, n.Meta, n.Output, n.Proxy)
	ops := make([]string, 0, len(n.Ops))
	for op := range n.Ops {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	parts := make([]string, 0, len(ops))
	for _, op := range ops {
		parts = append(parts, fmt.Sprintf("%s=%d", op, n.Ops[op]))
	}
	fmt.Printf("  ops: %s\n", strings.Join(parts, " "))
	fmt.Printf("  in_deg min=%d max=%d mean=%.2f  out_deg min=%d max=%d mean=%.2f\n",
		n.InDegree.Min, n.InDegree.Max, n.InDegree.Mean,
		n.OutDegree.Min, n.OutDegree.Max, n.OutDegree.Mean)
	e := sum.Edges
	fmt.Printf("edges: live=%d cap=%d\n", e.Live, e.Capacity)
	fmt.Printf("  w_fast min=%d max=%d mean=%.1f  w_slow min=%d max=%d mean=%.1f\n",
		e.WFast.Min, e.WFast.Max, e.WFast.Mean,
		e.WSlow.Min, e.WSlow.Max, e.WSlow.Mean)
	fmt.Printf("tier: hot=%d/%d hot_hits=%d cold_hits=%d ratio=%.3f\n",
		sum.Tier.HotNodes, sum.Tier.HotCap, sum.Tier.HotHits, sum.Tier.ColdHits, sum.Tier.HitRatio)

	fmt.Println("top nodes:")
	for _, d := range sum.Top {
		fmt.Printf("  slot=%d id=%d op=%s act=%.4f theta=%.4f in=%d out=%d last_tick=%d%s\n",
			d.Slot, d.ID, d.Op, d.Activation, d.Theta, d.InDeg, d.OutDeg, d.LastTick, nodeMarks(d))
	}
	if len(sum.Modules) > 0 {
		fmt.Println("modules:")
		for _, m := range sum.Modules {
			collapsed := ""
			if m.Collapsed {
				collapsed = " [collapsed]"
			}
			fmt.Printf("  slot=%d id=%d name=%s nodes=%d edges=%d freq=%d use=%d eff=%.3f level=%d%s\n",
				m.Slot, m.ID, m.Name, m.Nodes, m.Edges, m.Frequency, m.UseCount, m.Efficiency, m.Level, collapsed)
		}
	}
	return nil
}

func nodeMarks(d inspect.NodeDetail) string {
	var marks []string
	if d.Protected {
		marks = append(marks, "protected")
	}
	if d.Meta {
		marks = append(marks, "meta")
	}
	if d.Output {
		marks = append(marks, "output")
	}
	if d.Proxy {
		marks = append(marks, "proxy")
	}
	if len(marks) == 0 {
		return ""
	}
	return " [" + strings.Join(marks, ",") + "]"
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	brain := fs.String("brain", "melvin.brain", "brain file path")
	to := fs.String("to", "", "output path (.json or .db)")
	format := fs.String("format", "", "export format: sqlite|json (inferred from -to when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := melvin.New(melvin.Options{Path: *brain, Logger: newLogger()})
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if err := c.Export(ctx, melvin.ExportRequest{To: *to, Format: *format}); err != nil {
		return err
	}
	fmt.Printf("exported brain=%s to=%s\n", *brain, *to)
	return nil
}

func runReset(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	brain := fs.String("brain", "melvin.brain", "brain file path")
	nodes := fs.Uint("nodes", 256, "node capacity for the fresh brain")
	edges := fs.Uint("edges", 1024, "edge capacity for the fresh brain")
	force := fs.Bool("force", false, "confirm erasing all brain state")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*force {
		return fmt.Errorf("reset erases all state in %s: re-run with -force", *brain)
	}

	if err := os.Remove(*brain); err != nil && !os.IsNotExist(err) {
		return err
	}

	c, err := melvin.New(melvin.Options{
		Path:    *brain,
		NodeCap: uint32(*nodes),
		EdgeCap: uint32(*edges),
		Logger:  newLogger(),
	})
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if err := c.Init(ctx); err != nil {
		return err
	}
	snap, err := c.Stats(ctx)
	if err != nil {
		return err
	}
	if err := c.Close(); err != nil {
		return err
	}

	fmt.Printf("reset brain=%s tick=%d nodes=%d edges=%d\n",
		*brain, snap.Tick, snap.LiveNodes, snap.LiveEdges)
	return nil
}

func runRuns(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	runsDir := fs.String("runs-dir", "runs", "telemetry directory")
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit the runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	entries, err := stats.ListRunIndex(*runsDir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	if len(entries) > *limit {
		entries = entries[:*limit]
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	for _, e := range entries {
		completed := e.CompletedAtUTC
		if completed == "" {
			completed = "n/a"
		}
		fmt.Printf("run_id=%s created_at=%s completed_at=%s final_tick=%d snapshots=%d dropped=%d every=%d\n",
			e.RunID, e.CreatedAtUTC, completed, e.FinalTick, e.Snapshots, e.Dropped, e.SnapshotEvery)
	}
	return nil
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: melvinctl <init|run|tick|stat|inspect|export|reset|runs> [flags]", msg)
}
