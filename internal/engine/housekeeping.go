package engine

import (
	"math/bits"

	"melvin/internal/graph"
)

// spontaneousMetaOps are the optimizer kinds seeded by TryCreateMetaNodes.
var spontaneousMetaOps = [...]graph.MetaOp{
	graph.MetaMutateOp,
	graph.MetaCreateShortcut,
	graph.MetaMergeNodes,
	graph.MetaSplitNode,
	graph.MetaOptimizeSubgraph,
	graph.MetaPruneBranch,
}

// createSeed allocates a fresh node with the given operation and the data
// parameter rolled near one, matching what a new cell starts life with.
func (e *Engine) createSeed(op graph.OpType) (uint32, error) {
	slot, err := e.st.CreateNode()
	if err != nil {
		return 0, err
	}
	e.st.SetFlags(slot, e.st.Flags(slot).WithOp(op))
	n := e.st.Node(slot)
	n.Data = float32(e.rng.Float64()*0.2 + 0.9)
	e.st.SetNode(slot, n)
	return slot, nil
}

// ApplyDeferred materializes the node creations queued by splice and fork
// operations during convergence. Topology stays frozen while activation is
// in flight; this is the first point after a thought where it may change.
func (e *Engine) ApplyDeferred() error {
	for _, s := range e.pending {
		if s.src >= e.st.NodeCount() || e.st.Node(s.src).Dead() {
			continue
		}
		slot, err := e.createSeed(s.op)
		if err != nil {
			return err
		}
		if s.selfEdge {
			if _, _, err := e.st.CreateEdge(s.src, slot); err != nil {
				return err
			}
		}
		e.m.NodesCreated++
	}
	e.pending = e.pending[:0]
	return nil
}

// TryCreateNodes samples co-active node pairs and grows an association node
// fed by both when their firing histories overlap more than chance.
func (e *Engine) TryCreateNodes() error {
	n := e.n
	if n > pairScanLimit {
		n = pairScanLimit
	}
	for i := uint32(0); i < n; i++ {
		if !e.live[i] {
			continue
		}
		for j := i + 1; j < n; j++ {
			if !e.live[j] {
				continue
			}
			if e.a[i]*e.a[j] < 0.1 {
				continue
			}
			si, sj := e.exts[i].SigHistory, e.exts[j].SigHistory
			common := float64(bits.OnesCount64(si & sj))
			similarity := 1 - float64(bits.OnesCount64(si^sj))/64
			novelty := common / e.p.CoFreqRef * similarity
			prob := e.p.CreateRate * sigmoid(10*novelty-5) * (1 + e.p.Energy)
			if e.rng.Float64() >= prob {
				continue
			}
			if _, ok := e.st.FindEdge(i, j); ok {
				continue
			}
			slot, err := e.createSeed(graph.OpSigmoid)
			if err != nil {
				return err
			}
			if _, _, err := e.st.CreateEdge(i, slot); err != nil {
				return err
			}
			if _, _, err := e.st.CreateEdge(j, slot); err != nil {
				return err
			}
			e.m.NodesCreated++
		}
	}
	return nil
}

// Mutate rolls one random node's operation. Kernel and meta nodes are
// exempt; the data parameter re-rolls so the new op starts untuned.
func (e *Engine) Mutate() {
	if e.n == 0 {
		return
	}
	i := uint32(e.rng.Intn(int(e.n)))
	if !e.live[i] {
		return
	}
	fl := e.st.Flags(i)
	if fl.Has(graph.FlagMeta) || fl.Has(graph.FlagProtected) {
		return
	}
	if e.rng.Float64() >= nodeMutationRate {
		return
	}
	e.m.MutationsAttempted++
	next := graph.OpType(e.rng.Intn(graph.NumOps))
	if next != fl.Op() {
		e.m.MutationsKept++
	}
	e.st.SetFlags(i, fl.WithOp(next))
	nd := e.st.Node(i)
	nd.Data = float32(e.rng.Float64()*2 - 1)
	e.st.SetNode(i, nd)
}

// Prune stochastically removes weak, unused, stale edges and isolated
// stale nodes. Every removal probability is smooth, so nothing is ever
// cliff-edged out of the graph.
func (e *Engine) Prune() {
	ec := e.st.EdgeCount()
	for i := uint32(0); i < ec; i++ {
		ed := e.st.Edge(i)
		if ed.Dead() {
			continue
		}
		el := &e.el[i]
		if el.key != edgeKey(ed.Src, ed.Dst) {
			continue // created this tick, no history yet
		}
		wEff := e.p.GammaSlow*float64(ed.WSlow) + (1-e.p.GammaSlow)*float64(ed.WFast)
		p := e.p.PruneRate *
			e.softBelow(wEff, e.p.PruneWeightRef) *
			e.softBelow(float64(el.useCount), 10) *
			e.softAbove(float64(el.stale), e.p.StaleRef)
		if e.rng.Float64() < p {
			if e.st.DeleteEdgeSlot(i) {
				e.m.EdgesPruned++
			}
		}
	}

	tick := uint32(e.tick)
	nc := e.st.NodeCount()
	for i := uint32(0); i < nc; i++ {
		nd := e.st.Node(i)
		if nd.Dead() || nd.InDeg != 0 || nd.OutDeg != 0 {
			continue
		}
		if e.st.Flags(i).Has(graph.FlagProtected) {
			continue
		}
		idle := float64(tick - nd.LastTick)
		p := e.p.PruneRate * 2 * e.softAbove(idle, e.p.NodeStaleRef)
		if e.rng.Float64() < p {
			if err := e.st.DeleteNode(i); err == nil {
				e.m.NodesPruned++
			}
		}
	}
}

// TryLayerEmergence looks for hub nodes whose downstream neighborhood is
// dense and active and crowns them with a coordination node one level up.
func (e *Engine) TryLayerEmergence() error {
	n := e.st.NodeCount()
	if n > layerScanLimit {
		n = layerScanLimit
	}

	// Downstream totals in one pass over the edge table.
	totals := make([]float64, n)
	actives := make([]float64, n)
	ec := e.st.EdgeCount()
	for i := uint32(0); i < ec; i++ {
		ed := e.st.Edge(i)
		if ed.Dead() || ed.Src >= n {
			continue
		}
		totals[ed.Src]++
		actives[ed.Src] += float64(e.st.Activation(ed.Dst))
	}

	for i := uint32(0); i < n; i++ {
		nd := e.st.Node(i)
		if nd.Dead() || e.st.Flags(i).Has(graph.FlagMeta) {
			continue
		}
		conn := e.softAbove(float64(nd.OutDeg), float64(e.p.LayerMinSize)/2)
		if conn < 0.3 {
			continue
		}
		density := 0.0
		if totals[i] > 0 {
			density = actives[i] / totals[i]
		}
		prob := e.p.LayerRate *
			e.softAbove(density, e.p.DensityRef) *
			e.softAbove(totals[i], float64(e.p.LayerMinSize)) *
			conn * (1 + 0.5*e.p.Energy)
		if e.rng.Float64() >= prob {
			continue
		}
		slot, err := e.createSeed(graph.OpSigmoid)
		if err != nil {
			return err
		}
		e.st.SetFlags(slot, e.st.Flags(slot).With(graph.FlagMeta))
		if _, _, err := e.st.CreateEdge(i, slot); err != nil {
			return err
		}
		e.m.MetaSpawned++
		e.log.Debug("layer node emerged", "over", i, "slot", slot)
	}
	return nil
}

// TryCreateMetaNodes seeds gate nodes that can fire structural edits once
// the graph has enough structure to be worth optimizing.
func (e *Engine) TryCreateMetaNodes() error {
	if e.st.LiveNodes() < 10 {
		return nil
	}
	for _, mo := range spontaneousMetaOps {
		if e.rng.Float64() >= 0.001*(1+e.p.Energy) {
			continue
		}
		slot, err := e.createSeed(graph.OpGate)
		if err != nil {
			return err
		}
		e.st.SetFlags(slot, e.st.Flags(slot).With(graph.FlagMeta))
		x := e.st.Ext(slot)
		x.MetaOp = mo
		e.st.SetExt(slot, x)
		e.m.MetaSpawned++
		e.log.Debug("meta node spawned", "kind", mo.String(), "slot", slot)
	}
	return nil
}
