// Package meta implements the graph's self-modification protocol. Nodes
// flagged meta carry an operation code; when one fires, the scheduler
// resolves its targets against the current graph and queues a proposal.
// Proposals apply only after the tick's propagation and learning complete,
// so within a tick every node sees a frozen topology.
package meta

import (
	"log/slog"
	"math/bits"
	"math/rand"
	"time"

	"melvin/internal/graph"
	"melvin/internal/logging"
	"melvin/internal/storage"
)

const (
	// queueCap bounds the pending queue; proposals past it drop silently.
	queueCap = 1000
	// maxFires bounds how many meta nodes act in one tick.
	maxFires = 10
	// fireThreshold is the activation a meta node needs to act.
	fireThreshold = 0.5

	activeEndpointMin  = 0.3
	weakEdgeMax        = 10.0
	shortcutDegreeMax  = 10
	mergeSampleTries   = 100
	mergeSimilarityMin = 0.9
	splitDegreeMin     = 20
	pruneUtilityMax    = 0.1
	pruneExecutionsMin = 100
	optimizeTries      = 10
)

// proposal is one queued structural edit. a and b are slot-sized targets
// whose meaning depends on the op. Edge deletions pin the endpoints seen
// at propose time so slot reuse cannot retarget them.
type proposal struct {
	op      graph.MetaOp
	a, b    uint32
	wantSrc uint32
	wantDst uint32
}

// Metrics counts scheduler activity since construction.
type Metrics struct {
	Fired    uint64
	Proposed uint64
	Dropped  uint64
	Applied  uint64
	Skipped  uint64
}

// Options configures a Scheduler.
type Options struct {
	Rand   *rand.Rand
	Logger *slog.Logger
}

// Scheduler owns the pending-operation queue for one store.
type Scheduler struct {
	st      *storage.Store
	rng     *rand.Rand
	log     *slog.Logger
	pending []proposal
	m       Metrics
}

func New(st *storage.Store, opts Options) *Scheduler {
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Scheduler{st: st, rng: rng, log: log}
}

// Pending reports how many proposals wait for the next apply phase.
func (s *Scheduler) Pending() int { return len(s.pending) }

// Metrics returns a copy of the scheduler counters.
func (s *Scheduler) Metrics() Metrics { return s.m }

// Fire scans for live meta nodes above the activation gate and lets up to
// ten of them propose structural edits. The gate check happens here only;
// by the time a proposal applies, the proposer's activation is irrelevant.
func (s *Scheduler) Fire(gammaSlow float64) {
	fired := 0
	nc := s.st.NodeCount()
	for i := uint32(0); i < nc && fired < maxFires; i++ {
		if s.st.Node(i).Dead() || !s.st.Flags(i).Has(graph.FlagMeta) {
			continue
		}
		mo := s.st.Ext(i).MetaOp
		if mo == graph.MetaNone || float64(s.st.Activation(i)) < fireThreshold {
			continue
		}
		fired++
		s.m.Fired++
		switch mo {
		case graph.MetaCreateEdge:
			s.proposeCreateEdge()
		case graph.MetaDeleteEdge:
			s.proposeDeleteEdge(gammaSlow)
		case graph.MetaMutateOp:
			s.proposeMutateOp()
		case graph.MetaCreateShortcut:
			s.proposeShortcut()
		case graph.MetaMergeNodes:
			s.proposeMerge()
		case graph.MetaSplitNode:
			s.proposeSplit()
		case graph.MetaPruneBranch:
			s.proposePruneBranch()
		case graph.MetaOptimizeSubgraph:
			s.proposeOptimize(gammaSlow)
		}
	}
}

func (s *Scheduler) propose(p proposal) {
	if len(s.pending) >= queueCap {
		s.m.Dropped++
		return
	}
	s.pending = append(s.pending, p)
	s.m.Proposed++
}

func (s *Scheduler) liveNode(i uint32) bool {
	return i < s.st.NodeCount() && !s.st.Node(i).Dead()
}

// proposeCreateEdge links one random co-active pair.
func (s *Scheduler) proposeCreateEdge() {
	nc := s.st.NodeCount()
	if s.st.LiveNodes() < 2 {
		return
	}
	src := uint32(s.rng.Intn(int(nc)))
	dst := uint32(s.rng.Intn(int(nc)))
	if src == dst || s.st.Node(src).Dead() || s.st.Node(dst).Dead() {
		return
	}
	if float64(s.st.Activation(src)) <= activeEndpointMin || float64(s.st.Activation(dst)) <= activeEndpointMin {
		return
	}
	if _, ok := s.st.FindEdge(src, dst); ok {
		return
	}
	s.propose(proposal{op: graph.MetaCreateEdge, a: src, b: dst})
}

// proposeDeleteEdge targets the globally weakest edge, but only when it is
// genuinely weak.
func (s *Scheduler) proposeDeleteEdge(gammaSlow float64) {
	ec := s.st.EdgeCount()
	best := graph.InvalidSlot
	minW := 1000.0
	var bestEdge graph.Edge
	for i := uint32(0); i < ec; i++ {
		e := s.st.Edge(i)
		if e.Dead() {
			continue
		}
		w := gammaSlow*float64(e.WSlow) + (1-gammaSlow)*float64(e.WFast)
		if w < minW {
			minW, best, bestEdge = w, i, e
		}
	}
	if best == graph.InvalidSlot || minW >= weakEdgeMax {
		return
	}
	s.propose(proposal{op: graph.MetaDeleteEdge, a: best, wantSrc: bestEdge.Src, wantDst: bestEdge.Dst})
}

// proposeMutateOp retypes one random unprotected node.
func (s *Scheduler) proposeMutateOp() {
	nc := s.st.NodeCount()
	if nc == 0 {
		return
	}
	target := uint32(s.rng.Intn(int(nc)))
	if s.st.Node(target).Dead() || s.st.Flags(target).Has(graph.FlagProtected) {
		return
	}
	s.propose(proposal{op: graph.MetaMutateOp, a: target, b: uint32(s.rng.Intn(graph.NumOps))})
}

// proposeShortcut picks a random two-hop path and proposes the skip edge.
func (s *Scheduler) proposeShortcut() {
	ec := s.st.EdgeCount()
	if ec == 0 {
		return
	}
	var first graph.Edge
	found := false
	for try := 0; try < 16 && !found; try++ {
		e := s.st.Edge(uint32(s.rng.Intn(int(ec))))
		if !e.Dead() {
			first, found = e, true
		}
	}
	if !found {
		return
	}

	// Reservoir-pick a second hop out of the midpoint.
	mid := first.Dst
	var second graph.Edge
	hops := 0
	for i := uint32(0); i < ec; i++ {
		e := s.st.Edge(i)
		if e.Dead() || e.Src != mid {
			continue
		}
		hops++
		if s.rng.Intn(hops) == 0 {
			second = e
		}
	}
	if hops == 0 {
		return
	}

	src, dst := first.Src, second.Dst
	if src == dst || !s.liveNode(src) || !s.liveNode(dst) {
		return
	}
	if s.st.Node(src).OutDeg >= shortcutDegreeMax || s.st.Node(dst).InDeg >= shortcutDegreeMax {
		return
	}
	if _, ok := s.st.FindEdge(src, dst); ok {
		return
	}
	s.propose(proposal{op: graph.MetaCreateShortcut, a: src, b: dst})
}

// proposeMerge samples node pairs and queues the most signature-similar one
// for merging. Kernel nodes never participate.
func (s *Scheduler) proposeMerge() {
	nc := s.st.NodeCount()
	if s.st.LiveNodes() < 2 {
		return
	}
	var keep, free uint32
	best := 0.0
	found := false
	for try := 0; try < mergeSampleTries; try++ {
		i := uint32(s.rng.Intn(int(nc)))
		j := uint32(s.rng.Intn(int(nc)))
		if i == j || s.st.Node(i).Dead() || s.st.Node(j).Dead() {
			continue
		}
		if s.st.Flags(i).Has(graph.FlagProtected) || s.st.Flags(j).Has(graph.FlagProtected) {
			continue
		}
		xor := s.st.Ext(i).SigHistory ^ s.st.Ext(j).SigHistory
		similarity := 1 - float64(bits.OnesCount64(xor))/64
		if similarity > best {
			best, keep, free, found = similarity, i, j, true
		}
	}
	if !found || best <= mergeSimilarityMin {
		return
	}
	s.propose(proposal{op: graph.MetaMergeNodes, a: keep, b: free})
}

// proposeSplit targets the most connected unprotected node.
func (s *Scheduler) proposeSplit() {
	nc := s.st.NodeCount()
	var heaviest, maxDeg uint32
	found := false
	for i := uint32(0); i < nc; i++ {
		n := s.st.Node(i)
		if n.Dead() || s.st.Flags(i).Has(graph.FlagProtected) {
			continue
		}
		deg := uint32(n.InDeg) + uint32(n.OutDeg)
		if deg > maxDeg {
			maxDeg, heaviest, found = deg, i, true
		}
	}
	if !found || maxDeg <= splitDegreeMin {
		return
	}
	s.propose(proposal{op: graph.MetaSplitNode, a: heaviest})
}

// proposePruneBranch queues the first dead-end node that has run long
// enough to prove itself useless.
func (s *Scheduler) proposePruneBranch() {
	nc := s.st.NodeCount()
	for i := uint32(0); i < nc; i++ {
		n := s.st.Node(i)
		if n.Dead() || n.OutDeg != 0 || s.st.Flags(i).Has(graph.FlagProtected) {
			continue
		}
		x := s.st.Ext(i)
		if float64(x.UFast) < pruneUtilityMax && x.Executions > pruneExecutionsMin {
			s.propose(proposal{op: graph.MetaPruneBranch, a: i})
			return
		}
	}
}

// proposeOptimize picks a random connected node and queues its weakest
// incident edge for removal.
func (s *Scheduler) proposeOptimize(gammaSlow float64) {
	nc := s.st.NodeCount()
	if nc == 0 {
		return
	}
	for try := 0; try < optimizeTries; try++ {
		target := uint32(s.rng.Intn(int(nc)))
		n := s.st.Node(target)
		if n.Dead() || n.InDeg+n.OutDeg == 0 {
			continue
		}
		best := graph.InvalidSlot
		minW := 1000.0
		var bestEdge graph.Edge
		ec := s.st.EdgeCount()
		for i := uint32(0); i < ec; i++ {
			e := s.st.Edge(i)
			if e.Dead() || (e.Src != target && e.Dst != target) {
				continue
			}
			w := gammaSlow*float64(e.WSlow) + (1-gammaSlow)*float64(e.WFast)
			if w < minW {
				minW, best, bestEdge = w, i, e
			}
		}
		if best != graph.InvalidSlot {
			s.propose(proposal{op: graph.MetaOptimizeSubgraph, a: best, wantSrc: bestEdge.Src, wantDst: bestEdge.Dst})
		}
		return
	}
}

// ApplyPending drains the queue in order and performs the structural
// edits. Proposals whose targets died or were recycled since propose time
// are skipped; protection is re-checked on every destructive op.
func (s *Scheduler) ApplyPending() int {
	applied := 0
	for _, p := range s.pending {
		if s.apply(p) {
			applied++
			s.m.Applied++
			s.log.Debug("meta applied", "op", p.op, "a", p.a, "b", p.b)
		} else {
			s.m.Skipped++
		}
	}
	s.pending = s.pending[:0]
	return applied
}

func (s *Scheduler) apply(p proposal) bool {
	switch p.op {
	case graph.MetaCreateEdge, graph.MetaCreateShortcut:
		if !s.liveNode(p.a) || !s.liveNode(p.b) {
			return false
		}
		_, created, err := s.st.CreateEdge(p.a, p.b)
		return err == nil && created

	case graph.MetaDeleteEdge, graph.MetaOptimizeSubgraph:
		return s.deleteEdgeChecked(p)

	case graph.MetaMutateOp:
		if !s.liveNode(p.a) {
			return false
		}
		fl := s.st.Flags(p.a)
		if fl.Has(graph.FlagProtected) {
			return false
		}
		s.st.SetFlags(p.a, fl.WithOp(graph.OpType(p.b)))
		n := s.st.Node(p.a)
		n.Data = float32(s.rng.Float64()*2 - 1)
		s.st.SetNode(p.a, n)
		return true

	case graph.MetaMergeNodes:
		return s.mergeNodes(p.a, p.b)

	case graph.MetaSplitNode:
		return s.splitNode(p.a)

	case graph.MetaPruneBranch:
		if !s.liveNode(p.a) || s.st.Flags(p.a).Has(graph.FlagProtected) {
			return false
		}
		if s.st.Node(p.a).OutDeg != 0 {
			return false
		}
		return s.st.DeleteNode(p.a) == nil
	}
	return false
}

// deleteEdgeChecked removes the edge in slot p.a only while it still joins
// the endpoints recorded at propose time.
func (s *Scheduler) deleteEdgeChecked(p proposal) bool {
	if p.a >= s.st.EdgeCount() {
		return false
	}
	e := s.st.Edge(p.a)
	if e.Dead() || e.Src != p.wantSrc || e.Dst != p.wantDst {
		return false
	}
	return s.st.DeleteEdgeSlot(p.a)
}

type rewire struct {
	src, dst uint32
	wFast    uint8
	wSlow    uint8
}

// mergeNodes redirects every edge touching free onto keep, preserving
// weights, then deletes free.
func (s *Scheduler) mergeNodes(keep, free uint32) bool {
	if keep == free || !s.liveNode(keep) || !s.liveNode(free) {
		return false
	}
	if s.st.Flags(free).Has(graph.FlagProtected) {
		return false
	}

	var moves []rewire
	ec := s.st.EdgeCount()
	for i := uint32(0); i < ec; i++ {
		e := s.st.Edge(i)
		if e.Dead() || (e.Src != free && e.Dst != free) {
			continue
		}
		src, dst := e.Src, e.Dst
		if src == free {
			src = keep
		}
		if dst == free {
			dst = keep
		}
		s.st.DeleteEdgeSlot(i)
		moves = append(moves, rewire{src: src, dst: dst, wFast: e.WFast, wSlow: e.WSlow})
	}
	for _, mv := range moves {
		slot, created, err := s.st.CreateEdge(mv.src, mv.dst)
		if err != nil {
			continue
		}
		if created {
			s.st.SetEdgeWeights(slot, mv.wFast, mv.wSlow)
		}
	}
	return s.st.DeleteNode(free) == nil
}

// splitNode clones the overloaded node's type and threshold onto a fresh
// node and moves about half of its out-edges across.
func (s *Scheduler) splitNode(heavy uint32) bool {
	if !s.liveNode(heavy) || s.st.Flags(heavy).Has(graph.FlagProtected) {
		return false
	}
	orig := s.st.Node(heavy)
	if uint32(orig.InDeg)+uint32(orig.OutDeg) <= splitDegreeMin {
		return false
	}
	slot, err := s.st.CreateNode()
	if err != nil {
		return false
	}
	s.st.SetFlags(slot, s.st.Flags(slot).WithOp(s.st.Flags(heavy).Op()))
	s.st.SetTheta(slot, s.st.Theta(heavy))

	quota := int(orig.OutDeg) / 2
	var moves []rewire
	ec := s.st.EdgeCount()
	for i := uint32(0); i < ec && len(moves) < quota; i++ {
		e := s.st.Edge(i)
		if e.Dead() || e.Src != heavy {
			continue
		}
		if s.rng.Float64() < 0.5 {
			s.st.DeleteEdgeSlot(i)
			moves = append(moves, rewire{src: slot, dst: e.Dst, wFast: e.WFast, wSlow: e.WSlow})
		}
	}
	for _, mv := range moves {
		es, created, err := s.st.CreateEdge(mv.src, mv.dst)
		if err != nil {
			continue
		}
		if created {
			s.st.SetEdgeWeights(es, mv.wFast, mv.wSlow)
		}
	}
	return true
}
