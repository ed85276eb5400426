// Package engine drives the think-learn-adapt cycle over a graph store.
//
// Each tick the engine spreads activation across the live edges until the
// graph settles (one thought), scores the settled state against the previous
// tick's predictions to move the edge weights, and steers its own constants
// toward homeostatic targets. Structural churn runs between thoughts, so
// topology is frozen while activation is in flight.
package engine

import (
	"log/slog"
	"math"
	"math/rand"
	"time"

	"melvin/internal/graph"
	"melvin/internal/logging"
	"melvin/internal/storage"
	"melvin/internal/tier"
)

const (
	// activationLeak bleeds activation off unprotected, non-output nodes
	// once per tick so old thoughts fade instead of echoing forever.
	activationLeak = 0.99

	// paramNudge scales how hard a self-regulation edge can push a kernel
	// parameter store per hop.
	paramNudge = 0.01

	slowUpdatePeriod = 50
	nodeMutationRate = 0.01
	maxPendingSeeds  = 64
	pairScanLimit    = 1000
	layerScanLimit   = 500
	evalMaxDepth     = 10
)

// edgeLearn is the in-heap learning state for one edge slot. The key pins
// the state to a (src, dst) pair; when a slot is recycled the key stops
// matching and the state reinitializes.
type edgeLearn struct {
	key       uint64
	c11, c10  float64
	avgU      float64
	elig      float64
	useCount  uint16
	stale     uint16
	countdown uint16
}

func edgeKey(src, dst uint32) uint64 {
	return (uint64(src)+1)<<32 | (uint64(dst) + 1)
}

// seed is a node creation requested by a splice or fork operation during
// convergence, applied once the thought has settled.
type seed struct {
	src      uint32
	op       graph.OpType
	selfEdge bool
}

// Metrics is the per-tick health snapshot the runtime logs and records.
type Metrics struct {
	ThoughtDepth       uint32
	ThoughtsSettled    uint64
	ThoughtsMaxed      uint64
	ActiveNodes        uint32
	ActivationDelta    float64
	MeanError          float64
	MeanSurprise       float64
	PredictionAcc      float64
	Energy             float64
	Epsilon            float64
	Density            float64
	Activity           float64
	MeanTemporalDist   float64
	MeanSpatialDist    float64
	NodesCreated       uint64
	NodesPruned        uint64
	EdgesPruned        uint64
	MetaSpawned        uint64
	MutationsAttempted uint64
	MutationsKept      uint64
	SeedsDropped       uint64

	OpCounts  [graph.NumOps]uint64
	OpUtility [graph.NumOps]float64
}

// Options configures an Engine.
type Options struct {
	// Tier receives access tracking for every node touched by a thought.
	// Nil disables tracking.
	Tier *tier.Manager

	// Rand drives every stochastic decision. Nil seeds from the clock.
	Rand *rand.Rand

	// Logger; nil discards.
	Logger *slog.Logger

	// Params overrides the boot parameters. Nil uses DefaultParams;
	// either way the parameter nodes take over on the first Sync.
	Params *Params
}

// Engine owns the per-tick computation over one store. Not safe for
// concurrent use; the runtime serializes all calls on the tick loop.
type Engine struct {
	st  *storage.Store
	tr  *tier.Manager
	rng *rand.Rand
	log *slog.Logger
	p   Params

	tick uint64
	n    uint32 // node slots loaded this tick

	// Parallel per-slot working state, loaded at the start of a thought
	// and flushed back once it settles.
	live    []bool
	nodes   []graph.Node
	exts    []graph.Ext
	flags   []graph.Flags
	theta   []float64
	data    []float64
	memVal  []float64
	memAge  []uint32
	a       []float64
	aPrev   []float64
	hatPrev []float64
	hat     []float64
	soma    []float64
	minIn   []float64

	// Heap-only learning state. lastID detects node slot recycling the
	// same way edgeLearn keys do for edges.
	lastID []uint64
	p1, p0 []float64
	el     []edgeLearn

	pending []seed

	m Metrics
}

// New builds an engine over st. The store is used directly; the engine
// never copies the graph.
func New(st *storage.Store, opts Options) *Engine {
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	p := DefaultParams()
	if opts.Params != nil {
		p = *opts.Params
	}
	e := &Engine{st: st, tr: opts.Tier, rng: rng, log: log, p: p}
	for i := range e.m.OpUtility {
		e.m.OpUtility[i] = 0.5
	}
	return e
}

// Metrics returns the latest health snapshot.
func (e *Engine) Metrics() Metrics {
	m := e.m
	m.Energy = e.p.Energy
	m.Epsilon = e.p.Epsilon
	return m
}

// Tunables returns a copy of the live parameter set.
func (e *Engine) Tunables() Params { return e.p }

func grow[T any](s []T, n int) []T {
	if n <= len(s) {
		return s
	}
	if n <= cap(s) {
		t := s[:n]
		clear(t[len(s):])
		return t
	}
	t := make([]T, n, n+n/2)
	copy(t, s)
	return t
}

func (e *Engine) ensureScratch(n int) {
	e.live = grow(e.live, n)
	e.nodes = grow(e.nodes, n)
	e.exts = grow(e.exts, n)
	e.flags = grow(e.flags, n)
	e.theta = grow(e.theta, n)
	e.data = grow(e.data, n)
	e.memVal = grow(e.memVal, n)
	e.memAge = grow(e.memAge, n)
	e.a = grow(e.a, n)
	e.aPrev = grow(e.aPrev, n)
	e.hatPrev = grow(e.hatPrev, n)
	e.hat = grow(e.hat, n)
	e.soma = grow(e.soma, n)
	e.minIn = grow(e.minIn, n)
	e.lastID = grow(e.lastID, n)
	e.p1 = grow(e.p1, n)
	e.p0 = grow(e.p0, n)
	e.el = grow(e.el, int(e.st.EdgeCount()))
}

// BeginTick snapshots the pre-stimulus activations as the learning baseline
// and pulls the parameter nodes. It runs before sensory input lands, so the
// baseline excludes this tick's stimulus.
func (e *Engine) BeginTick(tick uint64) {
	e.tick = tick
	e.p.Sync(e.st)
	nc := e.st.NodeCount()
	e.ensureScratch(int(nc))
	e.n = nc
	for i := uint32(0); i < nc; i++ {
		e.aPrev[i] = float64(e.st.Activation(i))
	}
}

// ConvergeThought spreads activation hop by hop until the mean change per
// node stabilizes, then writes the settled state back. Returns the depth
// the thought reached.
func (e *Engine) ConvergeThought() uint32 {
	nc := e.st.NodeCount()
	e.ensureScratch(int(nc))
	e.n = nc
	e.loadNodes()

	maxHops := uint32(e.p.MaxThoughtHops + 0.5)
	if maxHops < e.p.MinThoughtHops {
		maxHops = e.p.MinThoughtHops
	}
	prevDelta := math.Inf(1)
	depth := uint32(0)
	settled := false
	for hop := uint32(0); hop < maxHops; hop++ {
		e.propagate(hop == 0)
		e.evaluate()
		e.normalize()
		depth = hop + 1
		if depth >= e.p.MinThoughtHops &&
			e.m.ActivationDelta < e.p.ActivationEps &&
			math.Abs(e.m.ActivationDelta-prevDelta) < e.p.StabilityEps {
			settled = true
			break
		}
		prevDelta = e.m.ActivationDelta
	}
	if settled {
		e.m.ThoughtsSettled++
	} else {
		e.m.ThoughtsMaxed++
	}
	e.m.ThoughtDepth = depth
	e.flush()
	return depth
}

func (e *Engine) loadNodes() {
	for i := uint32(0); i < e.n; i++ {
		n := e.st.Node(i)
		e.nodes[i] = n
		if n.Dead() {
			e.live[i] = false
			continue
		}
		e.live[i] = true
		if n.ID != e.lastID[i] {
			// Slot recycled since last seen: fresh outcome trackers.
			e.lastID[i] = n.ID
			e.p1[i], e.p0[i] = 0.5, 0.5
		}
		e.a[i] = float64(n.Activation)
		e.data[i] = float64(n.Data)
		e.flags[i] = e.st.Flags(i)
		e.theta[i] = float64(e.st.Theta(i))
		e.memVal[i] = float64(e.st.MemoryValue(i))
		e.memAge[i] = e.st.MemoryAge(i)
		x := e.st.Ext(i)
		e.exts[i] = x
		e.hatPrev[i] = float64(x.Hat)
	}
}

// propagate accumulates source activation into destination somas, weighted
// by the blended weight and the temporal and spatial discounts.
func (e *Engine) propagate(first bool) {
	for i := uint32(0); i < e.n; i++ {
		e.soma[i] = 0
		e.minIn[i] = math.Inf(1)
	}

	var sumStale, sumDist float64
	activeEdges := 0
	ec := e.st.EdgeCount()
	for i := uint32(0); i < ec; i++ {
		ed := e.st.Edge(i)
		if ed.Dead() || ed.Src >= e.n || ed.Dst >= e.n || !e.live[ed.Src] || !e.live[ed.Dst] {
			continue
		}
		el := &e.el[i]
		if first {
			if k := edgeKey(ed.Src, ed.Dst); el.key != k {
				*el = edgeLearn{key: k, countdown: slowUpdatePeriod}
			}
		}

		wEff := e.p.GammaSlow*float64(ed.WSlow) + (1-e.p.GammaSlow)*float64(ed.WFast)
		wEff = graph.Clamp(wEff, 0, 255)
		temporal := 1 / (1 + float64(el.stale)*e.p.TemporalDecay)
		conn := float64(e.nodes[ed.Src].OutDeg) + float64(e.nodes[ed.Dst].InDeg) + 1
		spatial := 1 / (1 + e.p.SpatialK*math.Log(conn))

		av := e.a[ed.Src]
		e.soma[ed.Dst] += av * wEff * temporal * spatial
		if av < e.minIn[ed.Dst] {
			e.minIn[ed.Dst] = av
		}

		if av > 0.1 {
			sumStale += float64(el.stale)
			sumDist += 1 / (spatial + 1e-6)
			activeEdges++
		}
		if av >= 0.5 {
			el.useCount = graph.SatInc16(el.useCount)
		}
		if av > 0.5 {
			el.stale = uint16(float64(el.stale) * 0.95)
		} else {
			el.stale = graph.SatInc16(el.stale)
		}
	}
	if activeEdges > 0 {
		e.m.MeanTemporalDist = sumStale / float64(activeEdges)
		e.m.MeanSpatialDist = sumDist / float64(activeEdges)
	}
}

// evaluate runs every live node's operation over its soma and tracks the
// mean activation change that drives settlement.
func (e *Engine) evaluate() {
	var delta float64
	liveCount := 0
	active := uint32(0)
	for i := uint32(0); i < e.n; i++ {
		if !e.live[i] {
			continue
		}
		liveCount++
		prev := e.a[i]
		v := graph.Clamp(e.transfer(i, 0), 0, 1)
		e.hat[i] = v
		e.a[i] = v
		delta += math.Abs(v - prev)
		if v > 0.5 {
			active++
		}

		op := e.flags[i].Op()
		util := 1 - math.Abs(v-prev)
		x := &e.exts[i]
		x.Energy += float32(v)
		x.UFast = float32(0.99*float64(x.UFast) + 0.01*util)
		x.USlow = float32(0.999*float64(x.USlow) + 0.001*util)
		x.Executions++
		x.Cycles += op.Cost()
		x.Efficiency = float32(float64(x.UFast) / (float64(x.Cycles) / float64(x.Executions+1)))

		e.m.OpCounts[op]++
		e.m.OpUtility[op] = 0.99*e.m.OpUtility[op] + 0.01*util
	}
	if liveCount > 0 {
		delta /= float64(liveCount)
	}
	e.m.ActivationDelta = delta
	e.m.ActiveNodes = active
}

// normalize caps total activation at half the live node count so feedback
// loops cannot saturate the graph.
func (e *Engine) normalize() {
	var total float64
	liveCount := 0
	for i := uint32(0); i < e.n; i++ {
		if e.live[i] {
			total += e.a[i]
			liveCount++
		}
	}
	limit := 0.5 * float64(liveCount)
	if total <= limit {
		return
	}
	scale := limit / total
	for i := uint32(0); i < e.n; i++ {
		if e.live[i] {
			e.a[i] *= scale
			e.hat[i] *= scale
		}
	}
}

// flush writes the settled thought back to the store: activations, memory
// cells, firing history, and the per-node statistics.
func (e *Engine) flush() {
	tick := uint32(e.tick)
	for i := uint32(0); i < e.n; i++ {
		if !e.live[i] {
			continue
		}
		fired := e.a[i] > 0.5
		fl := e.flags[i]
		if !fl.Has(graph.FlagProtected) && !fl.Has(graph.FlagOutput) {
			e.a[i] *= activationLeak
		}
		e.st.SetActivation(i, float32(e.a[i]))
		if fired {
			e.st.SetLastTick(i, tick)
		}
		e.st.SetMemoryValue(i, float32(e.memVal[i]))
		e.st.SetMemoryAge(i, e.memAge[i])

		x := e.exts[i]
		x.APrev = float32(e.aPrev[i])
		x.Soma = float32(e.soma[i])
		x.Hat = float32(e.hat[i])
		x.SigHistory <<= 1
		if fired {
			x.SigHistory |= 1
		}
		e.st.SetExt(i, x)
		e.exts[i] = x

		if e.tr != nil {
			e.tr.TrackAccess(i, tick)
		}
	}
}

// Observe scores the settled thought against the previous tick's
// predictions and updates edge weights, prediction baselines, and the
// energy and exploration state. Runs after ConvergeThought.
func (e *Engine) Observe() {
	for i := uint32(0); i < e.n; i++ {
		if !e.live[i] {
			continue
		}
		e.p1[i] = e.p.LambdaDecay*e.p1[i] + e.a[i]
		e.p0[i] = e.p.LambdaDecay*e.p0[i] + (1 - e.a[i])
	}

	var totalErr, totalSq float64
	counted := 0
	ec := e.st.EdgeCount()
	for i := uint32(0); i < ec; i++ {
		ed := e.st.Edge(i)
		if ed.Dead() || ed.Src >= e.n || ed.Dst >= e.n || !e.live[ed.Src] || !e.live[ed.Dst] {
			continue
		}
		el := &e.el[i]
		if k := edgeKey(ed.Src, ed.Dst); el.key != k {
			*el = edgeLearn{key: k, countdown: slowUpdatePeriod}
		}

		surprise := math.Abs(e.a[ed.Dst] - e.hatPrev[ed.Dst])
		totalErr += surprise
		totalSq += surprise * surprise
		counted++

		// Contingency: did this source raise the destination above its
		// base rate? Blended with the surprise-weighted error gradient.
		d := e.aPrev[ed.Src] * (e.a[ed.Dst] - e.hatPrev[ed.Dst])
		el.c11 = e.p.LambdaDecay*el.c11 + e.aPrev[ed.Src]*e.a[ed.Dst]
		el.c10 = e.p.LambdaDecay*el.c10 + e.aPrev[ed.Src]*(1-e.a[ed.Dst])
		base := e.p1[ed.Dst] / (e.p1[ed.Dst] + e.p0[ed.Dst] + 1e-6)
		contingency := el.c11/(el.c11+el.c10+1e-6) - base
		u := e.p.BetaBlend*contingency + (1-e.p.BetaBlend)*d*surprise
		el.avgU = 0.95*el.avgU + 0.05*u
		el.elig = e.p.LambdaE*el.elig + e.aPrev[ed.Src]

		dw := e.p.EtaFast * u * el.elig
		dw = e.p.DeltaMax * math.Tanh(dw/e.p.DeltaMax)
		wFast := graph.WeightByte(float32(float64(ed.WFast) + dw))

		wSlow := ed.WSlow
		pSlow := sigmoid(e.p.SigmoidK * (float64(el.countdown) - slowUpdatePeriod))
		if e.rng.Float64() < pSlow*0.1 {
			el.countdown = 0
			ds := math.Tanh(el.avgU * 20)
			wSlow = graph.WeightByte(float32(float64(ed.WSlow) + ds))
		}
		el.countdown = graph.SatInc16(el.countdown)

		e.st.SetEdgeWeights(i, wFast, wSlow)
	}

	if counted > 0 {
		e.m.MeanError = totalErr / float64(counted)
		e.m.MeanSurprise = totalSq / float64(counted)
	} else {
		e.m.MeanError = 0
		e.m.MeanSurprise = 0
	}

	e.p.Energy = e.p.EnergyDecay*e.p.Energy + e.p.EnergyAlpha*e.m.MeanSurprise
	e.p.Epsilon = e.p.EpsilonMin + (e.p.EpsilonMax-e.p.EpsilonMin)*sigmoid(e.p.Energy-0.5)
	e.m.Energy = e.p.Energy
	e.m.Epsilon = e.p.Epsilon
	e.m.PredictionAcc = 1 - e.m.MeanError

	e.p.publishSensors(e.st, e.m.MeanError)
}

// Adapt nudges the tunables toward their homeostatic targets and writes
// the result back into the parameter nodes. Runs every tenth tick.
func (e *Engine) Adapt() {
	ln := float64(e.st.LiveNodes())
	le := float64(e.st.LiveEdges())
	density := 0.0
	activity := 0.0
	if ln > 0 {
		density = le / (ln * ln)
		activity = float64(e.m.ActiveNodes) / ln
	}
	acc := 1 - e.m.MeanError
	e.m.Density = density
	e.m.Activity = activity
	e.m.PredictionAcc = acc

	p := &e.p
	ar := p.AdaptRate

	p.PruneRate = graph.Clamp(p.PruneRate+ar*(density-p.TargetDensity), 0.0001, 0.01)

	deficit := p.TargetDensity - density
	quality := acc - p.TargetPredictionAcc
	p.CreateRate = graph.Clamp(p.CreateRate+ar*deficit*(1+quality), 0.001, 0.1)

	p.ActivationScale = graph.Clamp(p.ActivationScale+ar*100*(activity-p.TargetActivity), 16, 256)

	accDeficit := p.TargetPredictionAcc - acc
	p.EnergyAlpha = graph.Clamp(p.EnergyAlpha+ar*0.1*accDeficit, 0.01, 0.5)

	stability := 1 - math.Abs(accDeficit)
	p.EnergyDecay = graph.Clamp(p.EnergyDecay+ar*0.01*(stability-0.5), 0.95, 0.999)

	pressure := -1.0
	if activity < 0.05 || activity > 0.5 {
		pressure = 1
	}
	p.SigmoidK = graph.Clamp(p.SigmoidK+ar*pressure, 0.1, 2.0)

	explore := -1.0
	if acc < p.TargetPredictionAcc {
		explore = 1
	}
	p.EpsilonMax = graph.Clamp(p.EpsilonMax+ar*0.1*explore, 0.2, 0.5)
	p.EpsilonMin = 0.2 * p.EpsilonMax

	readiness := density * acc
	p.LayerRate = graph.Clamp(p.LayerRate+ar*0.01*(readiness-0.1), 0.0001, 0.01)

	settleRatio := 0.5
	if tot := e.m.ThoughtsSettled + e.m.ThoughtsMaxed; tot > 0 {
		settleRatio = float64(e.m.ThoughtsSettled) / float64(tot)
	}
	settleErr := settleRatio - p.TargetSettleRatio
	depthErr := float64(e.m.ThoughtDepth) - float64(p.TargetThoughtDepth)
	adj := -ar * 10 * (settleErr + 0.5*depthErr)
	if adj > 0 {
		adj = math.Min(adj, p.MaxThoughtHops*p.MaxHopGrowthRate)
	}
	p.MaxThoughtHops = math.Max(float64(p.MinThoughtHops), p.MaxThoughtHops+adj)

	depthPressure := depthErr / float64(p.TargetThoughtDepth)
	p.StabilityEps = graph.Clamp(p.StabilityEps+ar*0.01*depthPressure, 0.001, 0.05)
	p.ActivationEps = graph.Clamp(p.ActivationEps+ar*0.02*depthPressure, 0.005, 0.1)

	p.TemporalDecay = graph.Clamp(p.TemporalDecay+ar*0.1*(e.m.MeanTemporalDist-10)/10, 0.01, 0.5)
	p.SpatialK = graph.Clamp(p.SpatialK+ar*(e.m.MeanSpatialDist-2)/2, 0.1, 2.0)

	p.push(e.st)
}
