package platform

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"melvin/internal/stats"
)

func testRuntime(t *testing.T, cfg Config) *Runtime {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "melvin.brain")
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(1))
	}
	cfg.Fast = true
	rt := New(cfg)
	if err := rt.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestRuntimeInitSeedsFreshBrain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "melvin.brain")
	rt := testRuntime(t, Config{Path: path})

	snap, err := rt.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Tick != 0 {
		t.Fatalf("tick = %d, want 0", snap.Tick)
	}
	if snap.LiveNodes < 50 {
		t.Fatalf("live nodes = %d, want a seeded kernel", snap.LiveNodes)
	}
	if snap.LiveEdges == 0 {
		t.Fatal("expected seed wiring")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("brain file: %v", err)
	}
}

func TestRuntimeInitRequiresPath(t *testing.T) {
	rt := New(Config{})
	if err := rt.Init(); err == nil {
		t.Fatal("expected path error")
	}
}

func TestRuntimeInitTwiceFails(t *testing.T) {
	rt := testRuntime(t, Config{})
	if err := rt.Init(); err == nil {
		t.Fatal("expected already-initialized error")
	}
}

func TestRuntimeStepRequiresInit(t *testing.T) {
	rt := New(Config{Path: filepath.Join(t.TempDir(), "melvin.brain")})
	if _, err := rt.Step(context.Background(), 1); err == nil {
		t.Fatal("expected not-initialized error")
	}
	if _, err := rt.Run(context.Background()); err == nil {
		t.Fatal("expected not-initialized error")
	}
}

func TestRuntimeStepAdvancesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "melvin.brain")
	rt := testRuntime(t, Config{Path: path})

	ctx := context.Background()
	snap, err := rt.Step(ctx, 25)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if snap.Tick != 25 {
		t.Fatalf("tick = %d, want 25", snap.Tick)
	}
	snap, err = rt.Step(ctx, 25)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if snap.Tick != 50 {
		t.Fatalf("tick = %d, want 50", snap.Tick)
	}
	liveNodes := snap.LiveNodes
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rt2 := testRuntime(t, Config{Path: path})
	snap, err = rt2.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Tick != 50 {
		t.Fatalf("restored tick = %d, want 50", snap.Tick)
	}
	if snap.LiveNodes != liveNodes {
		t.Fatalf("restored live nodes = %d, want %d", snap.LiveNodes, liveNodes)
	}
}

func TestRuntimeRunStopsWhenInputDrains(t *testing.T) {
	in := bytes.NewBufferString("hello melvin hello melvin")
	out := &bytes.Buffer{}
	rt := testRuntime(t, Config{Input: in, Output: out})

	snap, err := rt.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if snap.BytesIn != 25 {
		t.Fatalf("bytes in = %d, want 25", snap.BytesIn)
	}
	if snap.Tick < idleExitTicks {
		t.Fatalf("tick = %d, want at least %d", snap.Tick, idleExitTicks)
	}
	if out.Len() == 0 {
		t.Fatal("expected at least one emission")
	}
	if snap.Emitted == 0 || snap.BytesOut != uint64(out.Len()) {
		t.Fatalf("emitted = %d, bytes out = %d, buffer = %d",
			snap.Emitted, snap.BytesOut, out.Len())
	}
	if snap.Suppressed == 0 {
		t.Fatal("expected dedup suppressions during the idle window")
	}
}

func TestRuntimeRunStopsWithoutInputStream(t *testing.T) {
	rt := testRuntime(t, Config{})

	snap, err := rt.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if snap.Tick < idleExitTicks || snap.Tick > idleExitTicks+5 {
		t.Fatalf("tick = %d, want about %d", snap.Tick, idleExitTicks)
	}
}

func TestRuntimeRunHonorsCancelledContext(t *testing.T) {
	rt := testRuntime(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	snap, err := rt.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if snap.Tick != 0 {
		t.Fatalf("tick = %d, want 0", snap.Tick)
	}
}

func TestRuntimeRunRecordsTelemetry(t *testing.T) {
	runsDir := filepath.Join(t.TempDir(), "runs")
	rt := testRuntime(t, Config{RunsDir: runsDir, MaxTicks: 80})

	if rt.RunID() == "" {
		t.Fatal("expected a run id")
	}
	snap, err := rt.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if snap.Tick != 80 {
		t.Fatalf("tick = %d, want 80", snap.Tick)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	descs, err := stats.ListRunIndex(runsDir)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(descs) != 1 || descs[0].RunID != rt.RunID() {
		t.Fatalf("descriptors = %+v", descs)
	}
	if descs[0].FinalTick != 79 {
		t.Fatalf("final tick = %d, want 79", descs[0].FinalTick)
	}
	ticks, err := stats.ReadTicks(runsDir, rt.RunID())
	if err != nil {
		t.Fatalf("read ticks: %v", err)
	}
	want := []uint64{0, 79}
	if len(ticks) != len(want) {
		t.Fatalf("recorded %d snapshots, want %d", len(ticks), len(want))
	}
	for i := range want {
		if ticks[i].Tick != want[i] {
			t.Fatalf("snapshot %d at tick %d, want %d", i, ticks[i].Tick, want[i])
		}
	}
}

func TestRuntimeStepWithoutRunsDirRecordsNothing(t *testing.T) {
	rt := testRuntime(t, Config{})
	if rt.RunID() != "" {
		t.Fatalf("run id = %q, want empty", rt.RunID())
	}
	if _, err := rt.Step(context.Background(), 5); err != nil {
		t.Fatalf("step: %v", err)
	}
}

func TestDaemonRunsToCompletion(t *testing.T) {
	in := bytes.NewBufferString("ping")
	out := &bytes.Buffer{}
	rt := testRuntime(t, Config{Input: in, Output: out, MaxTicks: 40})

	snap, err := NewDaemon(rt).Run(context.Background())
	if err != nil {
		t.Fatalf("daemon: %v", err)
	}
	if snap.Tick != 40 {
		t.Fatalf("tick = %d, want 40", snap.Tick)
	}
}
