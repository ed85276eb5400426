// Package platform assembles a complete brain process: the store and its
// tier manager, the engine, the meta scheduler, the module subsystem, the
// byte bridge, and telemetry, driven by one single-threaded tick loop.
// Background workers (input pump, stats flusher) run under a Supervisor
// and stop before the store closes.
package platform

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"melvin/internal/bridge"
	"melvin/internal/engine"
	"melvin/internal/kernel"
	"melvin/internal/logging"
	"melvin/internal/meta"
	"melvin/internal/modules"
	"melvin/internal/stats"
	"melvin/internal/storage"
	"melvin/internal/tier"
)

const (
	// DefaultTickMS is the wall-clock tick cadence.
	DefaultTickMS = 50

	// idleExitTicks is how many consecutive empty-input ticks after the
	// stream closed count as a finished run.
	idleExitTicks = 100

	// Housekeeping schedules, in ticks.
	adaptPeriod   = 10
	patternPeriod = 100
	migratePeriod = 100
	syncPeriod    = 2000

	// createNodesRate is the per-tick probability of sampling co-active
	// pairs for association growth.
	createNodesRate = 0.1

	// patternMinNodes gates module detection on tiny graphs.
	patternMinNodes = 10
)

var errNotInitialized = errors.New("runtime not initialized")

// Config wires a Runtime.
type Config struct {
	// Path is the brain file; created when missing.
	Path string

	// NodeCap, EdgeCap, HotCap size a fresh store. Zero picks the
	// storage defaults. Restored stores keep their recorded capacities.
	NodeCap uint32
	EdgeCap uint32
	HotCap  uint32

	// TickMS is the tick cadence in milliseconds; 0 means DefaultTickMS.
	TickMS int

	// MaxTicks stops Run after this many ticks; 0 means no budget.
	MaxTicks uint64

	// RunsDir, when set, records telemetry under RunsDir/<run_id>.
	// Empty disables recording.
	RunsDir string

	// Input feeds the RX ring through a pump worker. Nil means no input
	// stream, which Run treats as already closed.
	Input io.Reader

	// Output receives emissions; nil discards them.
	Output io.Writer

	// Fast skips the cadence sleep in Run. Tests use it.
	Fast bool

	// Rand drives every stochastic decision. Nil seeds from the clock.
	Rand *rand.Rand

	Logger *slog.Logger
}

// Runtime owns one brain's full stack. Init, Run, Step, and Close must
// all be called from the same goroutine; only the supervised workers run
// concurrently with the tick loop.
type Runtime struct {
	cfg Config
	log *slog.Logger
	rng *rand.Rand

	st    *storage.Store
	tr    *tier.Manager
	eng   *engine.Engine
	sched *meta.Scheduler
	mods  *modules.Manager
	br    *bridge.Bridge
	col   *stats.Collector

	inputDone atomic.Bool
	idleTicks uint32
	closed    bool
}

// New builds an unopened runtime. Init does the work that can fail.
func New(cfg Config) *Runtime {
	if cfg.TickMS <= 0 {
		cfg.TickMS = DefaultTickMS
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Runtime{cfg: cfg, log: log, rng: rng}
}

// Init opens or restores the brain file, bootstraps the kernel on a
// fresh store, and wires every subsystem.
func (r *Runtime) Init() error {
	if r.st != nil {
		return errors.New("runtime already initialized")
	}
	if r.cfg.Path == "" {
		return errors.New("brain path is required")
	}

	st, err := storage.Open(r.cfg.Path, storage.Options{
		NodeCap: r.cfg.NodeCap,
		EdgeCap: r.cfg.EdgeCap,
		HotCap:  r.cfg.HotCap,
		Logger:  r.log,
	})
	if err != nil {
		return err
	}
	tr := tier.New(st, tier.Options{Logger: r.log})
	seeded, err := kernel.Bootstrap(st, kernel.Options{Tier: tr, Logger: r.log})
	if err != nil {
		tr.Close()
		st.Close()
		return err
	}
	var col *stats.Collector
	if r.cfg.RunsDir != "" {
		col, err = stats.NewCollector(r.cfg.RunsDir, stats.Options{
			BrainPath: r.cfg.Path,
			Logger:    r.log,
		})
		if err != nil {
			tr.Close()
			st.Close()
			return err
		}
	}

	r.st = st
	r.tr = tr
	r.col = col
	r.eng = engine.New(st, engine.Options{Tier: tr, Rand: r.rng, Logger: r.log})
	r.sched = meta.New(st, meta.Options{Rand: r.rng, Logger: r.log})
	r.mods = modules.New(st, modules.Options{Rand: r.rng, Logger: r.log})
	r.br = bridge.New(st, bridge.Options{Out: r.cfg.Output, Rand: r.rng, Logger: r.log})

	r.log.Info("runtime ready",
		"path", r.cfg.Path,
		"tick", st.Tick(),
		"seeded", seeded,
		"restored", st.Restored(),
		"live_nodes", st.LiveNodes(),
		"live_edges", st.LiveEdges(),
	)
	return nil
}

// RunID reports the telemetry run id, or "" when recording is disabled.
func (r *Runtime) RunID() string {
	if r.col == nil {
		return ""
	}
	return r.col.RunID()
}

// Snapshot assembles the current counters without recording them.
func (r *Runtime) Snapshot() (stats.Snapshot, error) {
	if r.st == nil {
		return stats.Snapshot{}, errNotInitialized
	}
	return r.snapshot(), nil
}

// Sync flushes the mapped store so out-of-band readers of the brain
// file see the latest tick.
func (r *Runtime) Sync() error {
	if r.st == nil {
		return errNotInitialized
	}
	return r.st.Sync()
}

// Step advances n ticks without sleeping and returns the final snapshot.
func (r *Runtime) Step(ctx context.Context, n uint64) (stats.Snapshot, error) {
	if r.st == nil {
		return stats.Snapshot{}, errNotInitialized
	}
	for i := uint64(0); i < n; i++ {
		if err := ctx.Err(); err != nil {
			return r.snapshot(), err
		}
		if err := r.stepOnce(); err != nil {
			return r.snapshot(), err
		}
	}
	return r.snapshot(), nil
}

// Run drives the tick loop until the context is cancelled, the tick
// budget is exhausted, or the input stream has closed and no input
// arrived for idleExitTicks. Cancellation and a spent budget are clean
// shutdowns; only store failures return an error.
func (r *Runtime) Run(ctx context.Context) (stats.Snapshot, error) {
	if r.st == nil {
		return stats.Snapshot{}, errNotInitialized
	}

	sup := NewSupervisor(Policy{}, r.log)
	defer sup.StopAll()
	if r.col != nil {
		if err := sup.Start("stats-flusher", r.col.Run); err != nil {
			return r.snapshot(), err
		}
	}
	if r.cfg.Input != nil {
		spec := ChildSpec{Name: "input-pump", Restart: RestartTransient}
		if err := sup.StartSpec(spec, r.pumpInput); err != nil {
			return r.snapshot(), err
		}
	} else {
		r.inputDone.Store(true)
	}

	cadence := time.Duration(r.cfg.TickMS) * time.Millisecond
	start := r.st.Tick()
	inputClosed := false
	for {
		if ctx.Err() != nil {
			r.log.Info("run cancelled", "tick", r.st.Tick())
			return r.snapshot(), nil
		}
		if err := r.stepOnce(); err != nil {
			return r.snapshot(), err
		}
		if done := r.st.Tick() - start; r.cfg.MaxTicks > 0 && done >= r.cfg.MaxTicks {
			r.log.Info("tick budget exhausted", "ticks", done)
			return r.snapshot(), nil
		}
		// The idle countdown starts when the stream is known closed, so
		// bytes fed just before EOF still get a full window to drain.
		if !inputClosed && r.inputDone.Load() {
			inputClosed = true
			r.idleTicks = 0
		}
		if inputClosed && r.idleTicks >= idleExitTicks {
			r.log.Info("input drained",
				"tick", r.st.Tick(),
				"idle_ticks", r.idleTicks,
			)
			return r.snapshot(), nil
		}
		if !r.cfg.Fast {
			timer := time.NewTimer(cadence)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}
}

// pumpInput feeds the RX ring from the configured reader. A blocked
// Read cannot be interrupted, so the reader runs on an inner goroutine
// and cancellation abandons it; Feed never touches the store, so the
// stray goroutine is harmless until process exit.
func (r *Runtime) pumpInput(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- r.br.Pump(r.cfg.Input) }()
	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		if err == nil {
			r.inputDone.Store(true)
			r.log.Debug("input stream closed")
		}
		return err
	}
}

// stepOnce runs one full tick. The order is the perception-prediction-
// action cycle: sense, think, learn, act, then structural housekeeping
// on the settled graph. Create errors escape only when the backing file
// could not grow, which is fatal.
func (r *Runtime) stepOnce() error {
	tick := r.st.Tick()
	r.eng.BeginTick(tick)

	frame := r.br.SliceFrame()
	if len(frame) == 0 {
		r.idleTicks++
	} else {
		r.idleTicks = 0
	}
	frame = r.br.MergeOutput()
	if err := r.br.RunDetectors(tick, frame); err != nil {
		return err
	}

	r.eng.ConvergeThought()
	r.eng.Observe()
	if tick%adaptPeriod == 0 {
		r.eng.Adapt()
	}
	if err := r.eng.ApplyDeferred(); err != nil {
		return err
	}
	if r.rng.Float64() < createNodesRate {
		if err := r.eng.TryCreateNodes(); err != nil {
			return err
		}
	}

	p := r.eng.Tunables()
	if _, err := r.br.EmitAction(tick, bridge.EmitParams{
		Epsilon:   p.Epsilon,
		GammaSlow: p.GammaSlow,
		AlphaFast: p.AlphaFastDecay,
		AlphaSlow: p.AlphaSlowDecay,
		MeanError: r.eng.Metrics().MeanError,
	}); err != nil {
		return err
	}

	r.eng.Mutate()
	r.sched.Fire(p.GammaSlow)
	r.sched.ApplyPending()
	r.eng.Prune()
	if r.rng.Float64() < p.LayerRate*(1+p.Energy) {
		if err := r.eng.TryLayerEmergence(); err != nil {
			return err
		}
	}
	if r.rng.Float64() < p.LayerRate*0.1 {
		if err := r.eng.TryCreateMetaNodes(); err != nil {
			return err
		}
	}
	if tick%patternPeriod == 0 && r.st.LiveNodes() > patternMinNodes {
		if err := r.mods.DetectPatterns(); err != nil {
			return err
		}
	}
	r.mods.ExecuteProxies(r.eng, p.GammaSlow)

	if tick%migratePeriod == 0 {
		r.tr.Migrate(uint32(tick))
	}
	if tick%syncPeriod == 0 {
		if err := r.st.Sync(); err != nil {
			return err
		}
	}
	if r.col != nil {
		r.col.Observe(r.snapshot())
	}
	r.st.SetTick(tick + 1)
	return nil
}

// snapshot flattens the component counters into one telemetry record.
func (r *Runtime) snapshot() stats.Snapshot {
	em := r.eng.Metrics()
	mm := r.sched.Metrics()
	um := r.mods.Metrics()
	bm := r.br.Metrics()
	hot, cold := r.st.HitCounters()
	return stats.Snapshot{
		Tick:               r.st.Tick(),
		LiveNodes:          r.st.LiveNodes(),
		LiveEdges:          r.st.LiveEdges(),
		LiveModules:        r.liveModules(),
		MeanError:          em.MeanError,
		PredictionAcc:      em.PredictionAcc,
		Energy:             em.Energy,
		Epsilon:            em.Epsilon,
		ThoughtDepth:       em.ThoughtDepth,
		ThoughtsSettled:    em.ThoughtsSettled,
		ThoughtsMaxed:      em.ThoughtsMaxed,
		MetaProposed:       mm.Proposed,
		MetaApplied:        mm.Applied,
		MetaDropped:        mm.Dropped,
		MutationsAttempted: em.MutationsAttempted,
		MutationsKept:      em.MutationsKept,
		ModulesReified:     um.Reified,
		ModuleCalls:        um.Executions,
		HotHits:            hot,
		ColdHits:           cold,
		BytesIn:            bm.BytesIn,
		BytesOut:           bm.BytesOut,
		Emitted:            bm.Emitted,
		Suppressed:         bm.Suppressed,
	}
}

func (r *Runtime) liveModules() uint32 {
	var live uint32
	for i := uint32(0); i < r.st.ModuleCount(); i++ {
		if !r.st.Module(i).Dead() {
			live++
		}
	}
	return live
}

// Close writes the tier access state back and releases the store. Run
// must have returned; Close never races the tick loop.
func (r *Runtime) Close() error {
	if r.st == nil || r.closed {
		return nil
	}
	r.closed = true
	r.tr.Close()
	err := r.st.Close()
	if r.col != nil {
		if cerr := r.col.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
