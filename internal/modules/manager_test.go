package modules

import (
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"melvin/internal/graph"
	"melvin/internal/storage"
)

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(filepath.Join(t.TempDir(), "brain.melvin"), storage.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testManager(t *testing.T, st *storage.Store) *Manager {
	t.Helper()
	return New(st, Options{Rand: rand.New(rand.NewSource(1))})
}

func addNode(t *testing.T, st *storage.Store) uint32 {
	t.Helper()
	slot, err := st.CreateNode()
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	return slot
}

func addEdge(t *testing.T, st *storage.Store, src, dst uint32, wFast, wSlow uint8) uint32 {
	t.Helper()
	slot, _, err := st.CreateEdge(src, dst)
	if err != nil {
		t.Fatalf("create edge %d->%d: %v", src, dst, err)
	}
	st.SetEdgeWeights(slot, wFast, wSlow)
	return slot
}

func addModule(t *testing.T, st *storage.Store, mod graph.Module) uint32 {
	t.Helper()
	slot, err := st.AllocModule()
	if err != nil {
		t.Fatalf("alloc module: %v", err)
	}
	mod.ID = slot + 1
	if err := st.SetModule(slot, mod); err != nil {
		t.Fatalf("set module: %v", err)
	}
	return slot
}

// scaleEval maps the raw byte-weight soma back to the unit range so hop
// arithmetic in tests stays exact.
type scaleEval struct{}

func (scaleEval) EvalNode(_ uint32, soma float64) float64 {
	return graph.Clamp(soma/100, 0, 1)
}

func TestDetectPatternsReifiesRecurringCycle(t *testing.T) {
	st := testStore(t)
	for i := 0; i < 3; i++ {
		addNode(t, st)
	}
	addEdge(t, st, 0, 1, 100, 100)
	addEdge(t, st, 1, 2, 100, 100)
	addEdge(t, st, 0, 2, 100, 100)
	addEdge(t, st, 2, 0, 100, 100)

	m := testManager(t, st)
	if err := m.DetectPatterns(); err != nil {
		t.Fatalf("detect: %v", err)
	}

	// Every sample walks the same three nodes, so the signature recurs
	// on every attempt: reified at the third, recounted thereafter.
	if got := m.Metrics().Reified; got != 1 {
		t.Fatalf("reified = %d, want 1", got)
	}
	if got := m.Metrics().Sampled; got != detectAttempts {
		t.Fatalf("sampled = %d, want %d", got, detectAttempts)
	}
	mod := st.Module(0)
	if mod.Dead() {
		t.Fatal("module record is dead")
	}
	if mod.Name != "module_1" || mod.ID != 1 {
		t.Fatalf("module identity = %q/%d, want module_1/1", mod.Name, mod.ID)
	}
	if len(mod.Nodes) != 3 || len(mod.Edges) != 4 {
		t.Fatalf("module shape = %d nodes %d edges, want 3/4", len(mod.Nodes), len(mod.Edges))
	}
	if mod.Signature == 0 {
		t.Fatal("module signature is zero")
	}
	if mod.Frequency != reifyFrequency+7 {
		t.Fatalf("frequency = %d, want %d", mod.Frequency, reifyFrequency+7)
	}
	if len(mod.Inputs) != 0 {
		t.Fatalf("inputs = %v, want none for a closed cycle", mod.Inputs)
	}
	if len(mod.Outputs) == 0 {
		t.Fatal("outputs empty, want out-degree fallback")
	}
}

func TestDetectPatternsNeedsThreeLiveNodes(t *testing.T) {
	st := testStore(t)
	addNode(t, st)
	addNode(t, st)
	addEdge(t, st, 0, 1, 100, 100)

	m := testManager(t, st)
	if err := m.DetectPatterns(); err != nil {
		t.Fatalf("detect: %v", err)
	}
	if st.ModuleCount() != 0 {
		t.Fatalf("modules = %d, want 0", st.ModuleCount())
	}
	if m.Metrics().Sampled != 0 {
		t.Fatalf("sampled = %d, want 0", m.Metrics().Sampled)
	}
}

func TestSignatureIgnoresDiscoveryOrder(t *testing.T) {
	st := testStore(t)
	for i := 0; i < 4; i++ {
		addNode(t, st)
	}
	addEdge(t, st, 0, 1, 100, 100)
	addEdge(t, st, 1, 2, 100, 100)

	m := testManager(t, st)
	a := m.signature([]uint32{0, 1, 2})
	b := m.signature([]uint32{2, 0, 1})
	if a != b {
		t.Fatalf("signature depends on member order: %#x vs %#x", a, b)
	}

	addEdge(t, st, 2, 0, 100, 100)
	if c := m.signature([]uint32{0, 1, 2}); c == a {
		t.Fatalf("signature ignored a topology change: %#x", c)
	}
}

func TestDensityFloorRejectsChains(t *testing.T) {
	st := testStore(t)
	for i := 0; i < 4; i++ {
		addNode(t, st)
	}
	addEdge(t, st, 0, 1, 100, 100)
	addEdge(t, st, 1, 2, 100, 100)
	addEdge(t, st, 2, 3, 100, 100)

	m := testManager(t, st)
	if d := m.density([]uint32{0, 1, 2, 3}); d >= reifyDensityMin {
		t.Fatalf("chain density = %v, want below %v", d, reifyDensityMin)
	}
	addEdge(t, st, 3, 0, 100, 100)
	addEdge(t, st, 0, 2, 100, 100)
	if d := m.density([]uint32{0, 1, 2, 3}); d < reifyDensityMin {
		t.Fatalf("ring density = %v, want at least %v", d, reifyDensityMin)
	}
}

func TestExecuteRunsThreeHops(t *testing.T) {
	st := testStore(t)
	for i := 0; i < 3; i++ {
		addNode(t, st)
	}
	e01 := addEdge(t, st, 0, 1, 100, 100)
	e12 := addEdge(t, st, 1, 2, 100, 100)
	e22 := addEdge(t, st, 2, 2, 100, 100)
	slot := addModule(t, st, graph.Module{
		Name:    "module_1",
		Nodes:   []uint32{0, 1, 2},
		Edges:   []uint32{e01, e12, e22},
		Inputs:  []uint32{0},
		Outputs: []uint32{2},
	})

	m := testManager(t, st)
	outs, err := m.Execute(scaleEval{}, 0.5, slot, []float64{1})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(outs) != 1 || math.Abs(outs[0]-1) > 1e-9 {
		t.Fatalf("outputs = %v, want [1]", outs)
	}

	// The pulse has moved through the chain and latched on the self-loop.
	if a := st.Activation(0); a != 0 {
		t.Fatalf("input activation = %v, want 0 after washout", a)
	}
	if a := st.Activation(2); math.Abs(float64(a)-1) > 1e-6 {
		t.Fatalf("output activation = %v, want 1", a)
	}

	mod := st.Module(slot)
	if mod.UseCount != 1 {
		t.Fatalf("use count = %d, want 1", mod.UseCount)
	}
	// 3 nodes, 3 hops, base op cost 10 each: 90 cycles against
	// utility 0.5 gives 0.5 / (90/2).
	want := 0.5 / 45.0
	if math.Abs(float64(mod.Efficiency)-want) > 1e-6 {
		t.Fatalf("efficiency = %v, want %v", mod.Efficiency, want)
	}
	if m.Metrics().Executions != 1 {
		t.Fatalf("executions = %d, want 1", m.Metrics().Executions)
	}
}

func TestExecuteFailsClosedOnLostMember(t *testing.T) {
	st := testStore(t)
	st.SetNextNodeID(101)
	a := addNode(t, st)
	b := addNode(t, st)
	eab := addEdge(t, st, a, b, 100, 100)
	slot := addModule(t, st, graph.Module{
		Name:    "module_1",
		Nodes:   []uint32{a, b},
		Edges:   []uint32{eab},
		Inputs:  []uint32{a},
		Outputs: []uint32{b},
	})

	if err := st.DeleteNode(b); err != nil {
		t.Fatalf("delete node: %v", err)
	}
	m := testManager(t, st)
	if _, err := m.Execute(scaleEval{}, 0.5, slot, []float64{1}); !errors.Is(err, ErrDeadModule) {
		t.Fatalf("execute error = %v, want ErrDeadModule", err)
	}
	if !st.Module(slot).Dead() {
		t.Fatal("module record survived a lost member")
	}
	if m.Metrics().Dead != 1 {
		t.Fatalf("dead = %d, want 1", m.Metrics().Dead)
	}
	if _, err := m.Execute(scaleEval{}, 0.5, slot, []float64{1}); !errors.Is(err, ErrDeadModule) {
		t.Fatalf("dead module execute error = %v, want ErrDeadModule", err)
	}
}

func TestExecuteRejectsBadSlot(t *testing.T) {
	st := testStore(t)
	m := testManager(t, st)
	if _, err := m.Execute(scaleEval{}, 0.5, 9, nil); !errors.Is(err, ErrNoSuchModule) {
		t.Fatalf("execute error = %v, want ErrNoSuchModule", err)
	}
}

func TestCollapseRedirectsExternalEdges(t *testing.T) {
	st := testStore(t)
	extIn := addNode(t, st)
	mIn := addNode(t, st)
	mOut := addNode(t, st)
	extOut := addNode(t, st)
	internal := addEdge(t, st, mIn, mOut, 100, 100)
	addEdge(t, st, extIn, mIn, 200, 199)
	addEdge(t, st, mOut, extOut, 50, 49)
	slot := addModule(t, st, graph.Module{
		Name:    "module_1",
		Nodes:   []uint32{mIn, mOut},
		Edges:   []uint32{internal},
		Inputs:  []uint32{mIn},
		Outputs: []uint32{mOut},
	})

	m := testManager(t, st)
	proxy, err := m.Collapse(slot)
	if err != nil {
		t.Fatalf("collapse: %v", err)
	}
	fl := st.Flags(proxy)
	if !fl.Has(graph.FlagProxy) || fl.Op() != graph.OpEval {
		t.Fatalf("proxy flags = %#x, want proxy eval node", fl)
	}

	if _, ok := st.FindEdge(extIn, mIn); ok {
		t.Fatal("inbound edge still reaches the member directly")
	}
	if _, ok := st.FindEdge(mOut, extOut); ok {
		t.Fatal("outbound edge still leaves the member directly")
	}
	ein, ok := st.FindEdge(extIn, proxy)
	if !ok {
		t.Fatal("inbound edge not redirected to proxy")
	}
	if e := st.Edge(ein); e.WFast != 200 || e.WSlow != 199 {
		t.Fatalf("inbound weights = %d/%d, want 200/199", e.WFast, e.WSlow)
	}
	eout, ok := st.FindEdge(proxy, extOut)
	if !ok {
		t.Fatal("outbound edge not redirected from proxy")
	}
	if e := st.Edge(eout); e.WFast != 50 || e.WSlow != 49 {
		t.Fatalf("outbound weights = %d/%d, want 50/49", e.WFast, e.WSlow)
	}
	if _, ok := st.FindEdge(mIn, mOut); !ok {
		t.Fatal("internal edge did not survive collapse")
	}

	mod := st.Module(slot)
	if !mod.Collapsed || mod.Proxy != proxy {
		t.Fatalf("record = collapsed %v proxy %d, want true/%d", mod.Collapsed, mod.Proxy, proxy)
	}
	if m.Metrics().Collapsed != 1 {
		t.Fatalf("collapsed = %d, want 1", m.Metrics().Collapsed)
	}

	before := st.LiveNodes()
	again, err := m.Collapse(slot)
	if err != nil || again != proxy {
		t.Fatalf("recollapse = %d/%v, want %d/nil", again, err, proxy)
	}
	if st.LiveNodes() != before {
		t.Fatal("recollapse minted a second proxy")
	}
}

func TestExecuteProxiesFeedsProxyActivation(t *testing.T) {
	st := testStore(t)
	x := addNode(t, st)
	y := addNode(t, st)
	exx := addEdge(t, st, x, x, 100, 100)
	exy := addEdge(t, st, x, y, 100, 100)
	proxy := addNode(t, st)
	st.SetFlags(proxy, st.Flags(proxy).WithOp(graph.OpEval).With(graph.FlagProxy))
	st.SetActivation(proxy, 0.9)
	addModule(t, st, graph.Module{
		Name:      "module_1",
		Nodes:     []uint32{x, y},
		Edges:     []uint32{exx, exy},
		Inputs:    []uint32{x},
		Outputs:   []uint32{y},
		Collapsed: true,
		Proxy:     proxy,
	})

	idle := addNode(t, st)
	st.SetFlags(idle, st.Flags(idle).With(graph.FlagProxy))
	st.SetActivation(idle, 0.2)

	m := testManager(t, st)
	if runs := m.ExecuteProxies(scaleEval{}, 0.5); runs != 1 {
		t.Fatalf("proxy runs = %d, want 1", runs)
	}
	if a := st.Activation(proxy); math.Abs(float64(a)-0.9) > 1e-6 {
		t.Fatalf("proxy activation = %v, want 0.9 from module output", a)
	}
	if a := st.Activation(idle); math.Abs(float64(a)-0.2) > 1e-6 {
		t.Fatalf("idle proxy activation = %v, want untouched 0.2", a)
	}
}

func TestExecuteProxiesHonorsBudget(t *testing.T) {
	st := testStore(t)
	for i := 0; i < maxProxyRuns+5; i++ {
		member := addNode(t, st)
		proxy := addNode(t, st)
		st.SetFlags(proxy, st.Flags(proxy).With(graph.FlagProxy))
		st.SetActivation(proxy, 1)
		addModule(t, st, graph.Module{
			Name:      "module_n",
			Nodes:     []uint32{member},
			Collapsed: true,
			Proxy:     proxy,
		})
	}

	m := testManager(t, st)
	if runs := m.ExecuteProxies(scaleEval{}, 0.5); runs != maxProxyRuns {
		t.Fatalf("proxy runs = %d, want %d", runs, maxProxyRuns)
	}
	if got := m.Metrics().Executions; got != maxProxyRuns {
		t.Fatalf("executions = %d, want %d", got, maxProxyRuns)
	}
}
