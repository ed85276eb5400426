// Package kernel seeds a fresh store with the protected boot graph:
// the parameter nodes the engine re-reads every tick, their
// self-regulation wiring, and the seed circuits everything else grows
// from. Every kernel node id stays at or below the protected cutoff,
// so pruning, mutation and meta-operations leave the scaffold alone.
package kernel

import (
	"fmt"
	"log/slog"

	"melvin/internal/engine"
	"melvin/internal/graph"
	"melvin/internal/logging"
	"melvin/internal/storage"
	"melvin/internal/tier"
)

// firstFreeID is where runtime-created node ids start. The gap between
// the last kernel id and the cutoff stays reserved.
const firstFreeID = graph.ProtectedIDCutoff + 1

// Options configures Bootstrap.
type Options struct {
	// Tier, when set, pins every kernel node hot.
	Tier   *tier.Manager
	Logger *slog.Logger
}

// Bootstrap builds the seed graph on a fresh store and reports whether
// it ran. A store that already holds nodes is left untouched, so
// reopening a brain file never re-seeds it.
func Bootstrap(st *storage.Store, opts Options) (bool, error) {
	if st.NodeCount() > 0 {
		return false, nil
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}

	b := &builder{st: st, tr: opts.Tier}
	params := b.paramNodes()
	b.paramWiring(params)
	b.macroSelector(params["epsilon"])
	b.patternDetector()
	b.fitnessEvaluator()
	b.metaScaffold()
	b.memoryManager()
	thinker := b.thinkingTrigger()
	b.strideCreators(thinker)
	b.hebbianSamplers(thinker)
	b.selfOrganizer(thinker)
	if b.err != nil {
		return false, fmt.Errorf("kernel bootstrap: %w", b.err)
	}

	st.SetNextNodeID(firstFreeID)
	log.Info("kernel seeded",
		"nodes", st.NodeCount(),
		"edges", st.EdgeCount(),
		"next_id", firstFreeID)
	return true, nil
}

// builder accumulates the first error and turns the rest of the build
// into no-ops, so Bootstrap reads as the circuit list it is.
type builder struct {
	st  *storage.Store
	tr  *tier.Manager
	err error
}

func (b *builder) node(op graph.OpType, theta, value float64) uint32 {
	if b.err != nil {
		return 0
	}
	slot, err := b.st.CreateNode()
	if err != nil {
		b.err = err
		return 0
	}
	b.st.SetFlags(slot, b.st.Flags(slot).WithOp(op))
	b.st.SetTheta(slot, float32(theta))
	b.st.SetMemoryValue(slot, float32(value))
	n := b.st.Node(slot)
	n.Data = float32(theta)
	b.st.SetNode(slot, n)
	if b.tr != nil {
		b.tr.MarkProtected(slot)
	}
	return slot
}

// gate is a meta-flagged gate node carrying the operation code the
// scheduler fires on.
func (b *builder) gate(op graph.MetaOp) uint32 {
	slot := b.node(graph.OpGate, 0.5, 0)
	if b.err != nil {
		return slot
	}
	b.st.SetFlags(slot, b.st.Flags(slot).With(graph.FlagMeta))
	x := b.st.Ext(slot)
	x.MetaOp = op
	b.st.SetExt(slot, x)
	return slot
}

func (b *builder) edge(src, dst uint32, w uint8) {
	if b.err != nil {
		return
	}
	slot, created, err := b.st.CreateEdge(src, dst)
	if err != nil {
		b.err = err
		return
	}
	if created {
		b.st.SetEdgeWeights(slot, w, w)
	}
}

// paramNodes creates the 28 parameter nodes in table order. Creation
// order is the engine's slot contract: parameter i lives in node slot
// i. Memory value holds the raw parameter; activation holds the value
// normalized into its [min,max] range.
func (b *builder) paramNodes() map[string]uint32 {
	specs := engine.ParamSpecs()
	byName := make(map[string]uint32, len(specs))
	for _, sp := range specs {
		slot := b.node(graph.OpMemory, sp.Theta, sp.Default)
		byName[sp.Name] = slot
		if b.err != nil {
			continue
		}
		norm := 0.0
		if sp.Max > sp.Min {
			norm = (sp.Default - sp.Min) / (sp.Max - sp.Min)
		}
		b.st.SetActivation(slot, float32(norm))
	}
	return byName
}

// paramWiring is the self-regulation network: sensors push on the
// parameters that should respond to them, bounds pull on epsilon.
func (b *builder) paramWiring(p map[string]uint32) {
	b.edge(p["error"], p["eta_fast"], 50)
	b.edge(p["error"], p["epsilon"], 30)
	b.edge(p["error"], p["create_rate"], 25)
	b.edge(p["error"], p["adapt_rate"], 20)
	b.edge(p["energy"], p["eta_fast"], 20)
	b.edge(p["energy"], p["epsilon"], 40)
	b.edge(p["energy"], p["energy_alpha"], 15)
	b.edge(p["epsilon_min"], p["epsilon"], 10)
	b.edge(p["epsilon_max"], p["epsilon"], 10)
	b.edge(p["target_prediction_acc"], p["prune_rate"], 15)
	b.edge(p["target_activity"], p["activation_scale"], 100)
	b.edge(p["target_density"], p["layer_rate"], 5)
}

// macroSelector mirrors the bridge's epsilon-greedy choice in graph
// form: a random source and the epsilon reader race through a compare
// into the explore/exploit forks.
func (b *builder) macroSelector(epsilon uint32) {
	random := b.node(graph.OpMemory, 0, 0.5)
	reader := b.node(graph.OpMemory, 0, 0)
	check := b.node(graph.OpCompare, 0, 0)
	explore := b.node(graph.OpFork, 0.5, 0)
	exploit := b.node(graph.OpMax, 0, 0)
	output := b.node(graph.OpMemory, 0, 0)

	b.edge(epsilon, reader, 255)
	b.edge(random, check, 128)
	b.edge(reader, check, 128)
	b.edge(check, explore, 200)
	b.edge(check, exploit, 50)
	b.edge(explore, output, 255)
	b.edge(exploit, output, 255)
}

// patternDetector watches an activation window and splices detector
// structure for sequences that clear the frequency threshold.
func (b *builder) patternDetector() {
	window := b.node(graph.OpSequence, 32, 0)
	freq := b.node(graph.OpThreshold, 3, 0)
	creator := b.node(graph.OpFork, 0.8, 0)
	linker := b.node(graph.OpSplice, 0.5, 0)

	b.edge(window, freq, 255)
	b.edge(freq, creator, 255)
	b.edge(creator, linker, 255)
}

// fitnessEvaluator blends frequency, utility and efficiency through
// fixed weights into a single score.
func (b *builder) fitnessEvaluator() {
	freqW := b.node(graph.OpMemory, 0, 0.4)
	utilW := b.node(graph.OpMemory, 0, 0.3)
	effW := b.node(graph.OpMemory, 0, 0.3)
	freq := b.node(graph.OpProduct, 0, 0)
	util := b.node(graph.OpProduct, 0, 0)
	eff := b.node(graph.OpProduct, 0, 0)
	total := b.node(graph.OpSum, 0, 0)
	best := b.node(graph.OpMax, 0, 0)

	b.edge(freqW, freq, 255)
	b.edge(utilW, util, 255)
	b.edge(effW, eff, 255)
	b.edge(freq, total, 255)
	b.edge(util, total, 255)
	b.edge(eff, total, 255)
	b.edge(total, best, 255)
}

// metaScaffold queues meta-operation pressure through per-op threshold
// detectors into the flagged gates the scheduler fires on.
func (b *builder) metaScaffold() {
	queue := b.node(graph.OpSequence, 1000, 0)
	createDet := b.node(graph.OpThreshold, 1, 0)
	deleteDet := b.node(graph.OpThreshold, 2, 0)
	mutateDet := b.node(graph.OpThreshold, 3, 0)
	optimizeDet := b.node(graph.OpThreshold, 4, 0)
	executor := b.node(graph.OpEval, 0.7, 0)
	createGate := b.gate(graph.MetaCreateEdge)
	deleteGate := b.gate(graph.MetaDeleteEdge)
	mutateGate := b.gate(graph.MetaMutateOp)
	optimizeGate := b.gate(graph.MetaOptimizeSubgraph)
	createExec := b.node(graph.OpSplice, 0.6, 0)
	deleteExec := b.node(graph.OpThreshold, 0.1, 0)

	b.edge(queue, executor, 255)
	b.edge(createDet, createGate, 255)
	b.edge(deleteDet, deleteGate, 255)
	b.edge(mutateDet, mutateGate, 255)
	b.edge(optimizeDet, optimizeGate, 255)
	b.edge(executor, createGate, 200)
	b.edge(executor, deleteGate, 200)
	b.edge(executor, mutateGate, 200)
	b.edge(executor, optimizeGate, 200)
	b.edge(createGate, createExec, 255)
	b.edge(deleteGate, deleteExec, 255)
}

// memoryManager is the LRU promote/evict decision circuit for the
// hot/cold tiers.
func (b *builder) memoryManager() {
	lru := b.node(graph.OpMin, 0, 0)
	promoteRef := b.node(graph.OpMemory, 0, 100)
	evictRef := b.node(graph.OpMemory, 0, 1)
	promoteCheck := b.node(graph.OpCompare, 0, 0)
	evictCheck := b.node(graph.OpCompare, 0, 0)
	promoter := b.node(graph.OpGate, 0.5, 0)
	evictor := b.node(graph.OpGate, 0.5, 0)

	b.edge(promoteRef, promoteCheck, 128)
	b.edge(evictRef, evictCheck, 128)
	b.edge(promoteCheck, promoter, 255)
	b.edge(evictCheck, evictor, 255)
	b.edge(lru, evictor, 255)
}

// thinkingTrigger keeps spontaneous activity alive: the thinker holds
// its own activation through a self-loop and feeds the structural
// creators.
func (b *builder) thinkingTrigger() uint32 {
	random := b.node(graph.OpMemory, 0, 0.5)
	probability := b.node(graph.OpMemory, 0, 0.3)
	decision := b.node(graph.OpCompare, 0, 0)
	activator := b.node(graph.OpGate, 0.5, 0)
	thinker := b.node(graph.OpGate, 0, 0.4)

	b.edge(random, decision, 128)
	b.edge(probability, decision, 128)
	b.edge(decision, activator, 255)
	b.edge(activator, thinker, 255)
	b.edge(thinker, thinker, 255)
	return thinker
}

// strideCreators splice edges at power-of-two distances; theta is the
// stride, memory value the initial weight.
func (b *builder) strideCreators(thinker uint32) {
	strides := []struct{ dist, weight float64 }{
		{1, 200}, {2, 141}, {4, 100}, {8, 71}, {16, 50},
		{32, 35}, {64, 25}, {128, 18}, {256, 13},
	}
	for _, s := range strides {
		slot := b.node(graph.OpSplice, s.dist, s.weight)
		b.edge(thinker, slot, 255)
	}
}

// hebbianSamplers splice edges between co-active pairs.
func (b *builder) hebbianSamplers(thinker uint32) {
	for i := 0; i < 5; i++ {
		slot := b.node(graph.OpSplice, 0.4, 0.2)
		b.edge(thinker, slot, 255)
	}
}

func (b *builder) selfOrganizer(thinker uint32) {
	slot := b.node(graph.OpFork, 0.5, 0.3)
	b.edge(thinker, slot, 255)
}
