// Package modules finds recurring subgraphs, reifies them as module
// records, and runs collapsed modules through their proxy nodes.
package modules

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"melvin/internal/graph"
	"melvin/internal/logging"
	"melvin/internal/storage"
)

const (
	// detectAttempts bounds pattern sampling per detection window.
	detectAttempts = 10
	minPatternSize = 3
	maxPatternSize = 7
	// reifyFrequency is how often a signature must recur before it
	// becomes a module; reifyDensityMin is the connectivity floor.
	reifyFrequency  = 3
	reifyDensityMin = 0.3
	// seenCap bounds the pre-reification signature table.
	seenCap = 4096

	executeHops   = 3
	maxProxyRuns  = 20
	proxyFireMin  = 0.3
	utilityDecay  = 0.99
	signatureSalt = 2654435761
)

var (
	ErrNoSuchModule = errors.New("no such module")
	ErrDeadModule   = errors.New("module is dead")
)

// Evaluator computes one node's activation from an accumulated input.
// The engine implements it; module execution borrows the same transfer
// functions ordinary propagation uses.
type Evaluator interface {
	EvalNode(slot uint32, soma float64) float64
}

// Metrics counts module subsystem activity since construction.
type Metrics struct {
	Sampled    uint64
	Reified    uint64
	Executions uint64
	Collapsed  uint64
	Dead       uint64
}

// stats is the process-local execution history of one module. The record
// keeps use count and efficiency; the cycle tally restarts with the
// process and efficiency re-converges from a fresh window.
type stats struct {
	cycles  uint64
	avgUtil float64
}

// Options configures a Manager.
type Options struct {
	Rand   *rand.Rand
	Logger *slog.Logger
}

// Manager owns pattern detection and module execution for one store.
type Manager struct {
	st   *storage.Store
	rng  *rand.Rand
	log  *slog.Logger
	seen map[uint64]uint32
	stat map[uint32]*stats
	m    Metrics
}

func New(st *storage.Store, opts Options) *Manager {
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{
		st:   st,
		rng:  rng,
		log:  log,
		seen: make(map[uint64]uint32),
		stat: make(map[uint32]*stats),
	}
}

// Metrics returns a copy of the subsystem counters.
func (m *Manager) Metrics() Metrics { return m.m }

// DetectPatterns samples random connected subgraphs and reifies the ones
// whose topology signature keeps recurring. Existing modules recount
// instead of duplicating.
func (m *Manager) DetectPatterns() error {
	if m.st.LiveNodes() < minPatternSize {
		return nil
	}
	for attempt := 0; attempt < detectAttempts; attempt++ {
		members := m.growPattern()
		if len(members) < minPatternSize {
			continue
		}
		m.m.Sampled++
		sig := m.signature(members)

		if slot, ok := m.findBySignature(sig); ok {
			mod := m.st.Module(slot)
			mod.Frequency++
			if err := m.st.SetModule(slot, mod); err != nil {
				return err
			}
			continue
		}

		if len(m.seen) >= seenCap {
			clear(m.seen)
		}
		m.seen[sig]++
		if m.seen[sig] < reifyFrequency || m.density(members) < reifyDensityMin {
			continue
		}
		if _, err := m.create(members, sig); err != nil {
			if errors.Is(err, storage.ErrModuleCapacity) {
				return nil // table full, skip this window
			}
			return err
		}
		delete(m.seen, sig)
	}
	return nil
}

// growPattern walks downstream from a random seed, adding the first
// unvisited destination each step, up to a random target size.
func (m *Manager) growPattern() []uint32 {
	nc := m.st.NodeCount()
	if nc == 0 {
		return nil
	}
	seed := uint32(m.rng.Intn(int(nc)))
	if m.st.Node(seed).Dead() {
		return nil
	}
	target := minPatternSize + m.rng.Intn(maxPatternSize-minPatternSize+1)
	members := []uint32{seed}
	in := map[uint32]bool{seed: true}
	ec := m.st.EdgeCount()
	for len(members) < target {
		grew := false
		for i := uint32(0); i < ec; i++ {
			e := m.st.Edge(i)
			if e.Dead() || !in[e.Src] || in[e.Dst] {
				continue
			}
			if m.st.Node(e.Dst).Dead() {
				continue
			}
			members = append(members, e.Dst)
			in[e.Dst] = true
			grew = true
			break
		}
		if !grew {
			break
		}
	}
	return members
}

// signature hashes the connectivity pattern among members. XOR keeps it
// independent of discovery order.
func (m *Manager) signature(members []uint32) uint64 {
	var hash uint64
	for _, src := range members {
		for _, dst := range members {
			if src == dst {
				continue
			}
			if _, ok := m.st.FindEdge(src, dst); ok {
				hash ^= (uint64(src)*31 + uint64(dst)) * signatureSalt
			}
		}
	}
	return hash
}

// density is the fraction of possible directed member pairs joined by an
// edge.
func (m *Manager) density(members []uint32) float64 {
	n := len(members)
	if n < 2 {
		return 0
	}
	linked := 0
	for _, src := range members {
		for _, dst := range members {
			if src == dst {
				continue
			}
			if _, ok := m.st.FindEdge(src, dst); ok {
				linked++
			}
		}
	}
	return float64(linked) / float64(n*(n-1))
}

func (m *Manager) findBySignature(sig uint64) (uint32, bool) {
	mc := m.st.ModuleCount()
	for i := uint32(0); i < mc; i++ {
		mod := m.st.Module(i)
		if !mod.Dead() && mod.Signature == sig {
			return i, true
		}
	}
	return 0, false
}

// create reifies members into a module record. One pass over the edge
// table classifies internal edges and the input/output interfaces.
func (m *Manager) create(members []uint32, sig uint64) (uint32, error) {
	slot, err := m.st.AllocModule()
	if err != nil {
		return 0, err
	}

	in := make(map[uint32]bool, len(members))
	for _, n := range members {
		in[n] = true
	}
	var edges []uint32
	extIn := make(map[uint32]bool)
	extOut := make(map[uint32]bool)
	ec := m.st.EdgeCount()
	for i := uint32(0); i < ec; i++ {
		e := m.st.Edge(i)
		if e.Dead() {
			continue
		}
		switch {
		case in[e.Src] && in[e.Dst]:
			edges = append(edges, i)
		case in[e.Dst]:
			extIn[e.Dst] = true
		case in[e.Src]:
			extOut[e.Src] = true
		}
	}

	var inputs, outputs []uint32
	for _, n := range members {
		if extIn[n] && len(inputs) < graph.ModuleMaxIO {
			inputs = append(inputs, n)
		}
		if extOut[n] && len(outputs) < graph.ModuleMaxIO {
			outputs = append(outputs, n)
		}
	}
	// A fully internal tail still needs somewhere to read results from.
	if len(outputs) == 0 {
		for _, n := range members {
			if m.st.Node(n).OutDeg > 0 && len(outputs) < graph.ModuleMaxIO {
				outputs = append(outputs, n)
			}
		}
	}

	mod := graph.Module{
		ID:        slot + 1,
		Name:      fmt.Sprintf("module_%d", slot+1),
		Nodes:     members,
		Edges:     edges,
		Inputs:    inputs,
		Outputs:   outputs,
		Signature: sig,
		Frequency: reifyFrequency,
	}
	if err := m.st.SetModule(slot, mod); err != nil {
		return 0, err
	}
	m.stat[slot] = &stats{avgUtil: 0.5}
	m.m.Reified++
	m.log.Debug("module reified", "module", mod.Name, "nodes", len(members), "edges", len(edges))
	return slot, nil
}

// Execute runs the module's internal subgraph for three hops and returns
// the output interface activations. A module whose members were deleted
// out from under it fails closed and is marked dead.
func (m *Manager) Execute(ev Evaluator, gammaSlow float64, slot uint32, inputs []float64) ([]float64, error) {
	if slot >= m.st.ModuleCount() {
		return nil, fmt.Errorf("%w: slot %d", ErrNoSuchModule, slot)
	}
	mod := m.st.Module(slot)
	if mod.Dead() {
		return nil, fmt.Errorf("%w: slot %d", ErrDeadModule, slot)
	}
	for _, n := range mod.Nodes {
		if n >= m.st.NodeCount() || m.st.Node(n).Dead() {
			m.markDead(slot, mod)
			return nil, fmt.Errorf("%w: %s lost node %d", ErrDeadModule, mod.Name, n)
		}
	}

	act := make(map[uint32]float64, len(mod.Nodes))
	for _, n := range mod.Nodes {
		act[n] = float64(m.st.Activation(n))
	}
	for i, n := range mod.Inputs {
		if i < len(inputs) {
			act[n] = float64(graph.Clamp01(float32(inputs[i])))
		}
	}

	var cycles uint64
	soma := make(map[uint32]float64, len(mod.Nodes))
	for hop := 0; hop < executeHops; hop++ {
		clear(soma)
		for _, es := range mod.Edges {
			e := m.st.Edge(es)
			if e.Dead() {
				continue
			}
			w := gammaSlow*float64(e.WSlow) + (1-gammaSlow)*float64(e.WFast)
			soma[e.Dst] += act[e.Src] * w
		}
		for _, n := range mod.Nodes {
			act[n] = ev.EvalNode(n, soma[n])
			cycles += m.st.Flags(n).Op().Cost()
		}
	}

	for _, n := range mod.Nodes {
		m.st.SetActivation(n, float32(act[n]))
	}
	outs := make([]float64, len(mod.Outputs))
	util := 0.0
	for i, n := range mod.Outputs {
		outs[i] = act[n]
		util += outs[i]
	}
	util /= float64(len(mod.Outputs) + 1)

	s := m.stat[slot]
	if s == nil {
		s = &stats{avgUtil: 0.5}
		m.stat[slot] = s
	}
	s.cycles += cycles
	s.avgUtil = utilityDecay*s.avgUtil + (1-utilityDecay)*util
	mod.UseCount++
	mod.Efficiency = float32(s.avgUtil / (float64(s.cycles) / float64(mod.UseCount+1)))
	if err := m.st.SetModule(slot, mod); err != nil {
		return nil, err
	}
	m.m.Executions++
	return outs, nil
}

// Collapse reifies the module behind a single proxy node: external edges
// into the input interface and out of the output interface are redirected
// to the proxy. Idempotent for an already collapsed module.
func (m *Manager) Collapse(slot uint32) (uint32, error) {
	if slot >= m.st.ModuleCount() {
		return 0, fmt.Errorf("%w: slot %d", ErrNoSuchModule, slot)
	}
	mod := m.st.Module(slot)
	if mod.Dead() {
		return 0, fmt.Errorf("%w: slot %d", ErrDeadModule, slot)
	}
	if mod.Collapsed {
		return mod.Proxy, nil
	}

	proxy, err := m.st.CreateNode()
	if err != nil {
		return 0, err
	}
	m.st.SetFlags(proxy, m.st.Flags(proxy).WithOp(graph.OpEval).With(graph.FlagProxy))

	in := make(map[uint32]bool, len(mod.Nodes))
	for _, n := range mod.Nodes {
		in[n] = true
	}
	isInput := make(map[uint32]bool, len(mod.Inputs))
	for _, n := range mod.Inputs {
		isInput[n] = true
	}
	isOutput := make(map[uint32]bool, len(mod.Outputs))
	for _, n := range mod.Outputs {
		isOutput[n] = true
	}

	type rewire struct {
		src, dst uint32
		wFast    uint8
		wSlow    uint8
	}
	var moves []rewire
	ec := m.st.EdgeCount()
	for i := uint32(0); i < ec; i++ {
		e := m.st.Edge(i)
		if e.Dead() {
			continue
		}
		switch {
		case !in[e.Src] && isInput[e.Dst]:
			m.st.DeleteEdgeSlot(i)
			moves = append(moves, rewire{src: e.Src, dst: proxy, wFast: e.WFast, wSlow: e.WSlow})
		case isOutput[e.Src] && !in[e.Dst]:
			m.st.DeleteEdgeSlot(i)
			moves = append(moves, rewire{src: proxy, dst: e.Dst, wFast: e.WFast, wSlow: e.WSlow})
		}
	}
	for _, mv := range moves {
		es, created, err := m.st.CreateEdge(mv.src, mv.dst)
		if err != nil {
			continue
		}
		if created {
			m.st.SetEdgeWeights(es, mv.wFast, mv.wSlow)
		}
	}

	mod.Collapsed = true
	mod.Proxy = proxy
	if err := m.st.SetModule(slot, mod); err != nil {
		return 0, err
	}
	m.m.Collapsed++
	m.log.Debug("module collapsed", "module", mod.Name, "proxy", proxy)
	return proxy, nil
}

// ExecuteProxies runs every firing proxy node's module, up to the per-tick
// budget, feeding the proxy activation in and the first output back out.
func (m *Manager) ExecuteProxies(ev Evaluator, gammaSlow float64) int {
	runs := 0
	nc := m.st.NodeCount()
	for i := uint32(0); i < nc && runs < maxProxyRuns; i++ {
		if m.st.Node(i).Dead() || !m.st.Flags(i).Has(graph.FlagProxy) {
			continue
		}
		if float64(m.st.Activation(i)) <= proxyFireMin {
			continue
		}
		slot, ok := m.moduleForProxy(i)
		if !ok {
			continue
		}
		outs, err := m.Execute(ev, gammaSlow, slot, []float64{float64(m.st.Activation(i))})
		if err != nil {
			continue
		}
		runs++
		if len(outs) > 0 {
			m.st.SetActivation(i, graph.Clamp01(float32(outs[0])))
		}
	}
	return runs
}

func (m *Manager) moduleForProxy(proxy uint32) (uint32, bool) {
	mc := m.st.ModuleCount()
	for i := uint32(0); i < mc; i++ {
		mod := m.st.Module(i)
		if !mod.Dead() && mod.Collapsed && mod.Proxy == proxy {
			return i, true
		}
	}
	return 0, false
}

func (m *Manager) markDead(slot uint32, mod graph.Module) {
	m.st.DeleteModule(slot)
	delete(m.stat, slot)
	m.m.Dead++
	m.log.Debug("module died", "module", mod.Name)
}
