package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"melvin/internal/graph"
)

func openTemp(t *testing.T, opts Options) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "brain.melvin")
	s, err := Open(path, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s, path
}

func reopen(t *testing.T, s *Store, path string, opts Options) *Store {
	t.Helper()
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	r, err := Open(path, opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	return r
}

func TestOpenFreshDefaults(t *testing.T) {
	s, _ := openTemp(t, Options{})
	defer s.Close()

	if s.Restored() {
		t.Fatal("fresh store reports restored")
	}
	if s.NodeCap() != DefaultNodeCap || s.EdgeCap() != DefaultEdgeCap || s.ModuleCap() != DefaultModuleCap {
		t.Fatalf("caps = %d/%d/%d, want %d/%d/%d",
			s.NodeCap(), s.EdgeCap(), s.ModuleCap(),
			DefaultNodeCap, DefaultEdgeCap, DefaultModuleCap)
	}
	if s.NodeCount() != 0 || s.EdgeCount() != 0 || s.Tick() != 0 {
		t.Fatalf("fresh store not empty: nodes=%d edges=%d tick=%d",
			s.NodeCount(), s.EdgeCount(), s.Tick())
	}
	if s.NextNodeID() != 1 {
		t.Fatalf("next id = %d, want 1", s.NextNodeID())
	}
}

func TestCreateNodeDefaults(t *testing.T) {
	s, _ := openTemp(t, Options{})
	defer s.Close()

	i, err := s.CreateNode()
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	n := s.Node(i)
	if n.ID != 1 {
		t.Fatalf("id = %d, want 1", n.ID)
	}
	f := s.Flags(i)
	if f.Op() != graph.OpSigmoid {
		t.Fatalf("op = %v, want sigmoid", f.Op())
	}
	if !f.Has(graph.FlagProtected) {
		t.Fatal("id 1 should be protected")
	}
	if got := s.Theta(i); got != DefaultTheta {
		t.Fatalf("theta = %v, want %v", got, DefaultTheta)
	}
	ext := s.Ext(i)
	if ext.UFast != 0.5 || ext.USlow != 0.5 {
		t.Fatalf("utility init = %v/%v, want 0.5/0.5", ext.UFast, ext.USlow)
	}

	s.SetNextNodeID(graph.ProtectedIDCutoff + 1)
	j, err := s.CreateNode()
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	if s.Flags(j).Has(graph.FlagProtected) {
		t.Fatalf("id %d should not be protected", s.Node(j).ID)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	s, path := openTemp(t, Options{})

	a, err := s.CreateNode()
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := s.CreateNode()
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	e, created, err := s.CreateEdge(a, b)
	if err != nil || !created {
		t.Fatalf("create edge: slot=%d created=%v err=%v", e, created, err)
	}
	s.SetActivation(a, 0.75)
	s.SetTick(7)

	s = reopen(t, s, path, Options{})
	defer s.Close()

	if !s.Restored() {
		t.Fatal("expected restore")
	}
	if s.LiveNodes() != 2 || s.LiveEdges() != 1 {
		t.Fatalf("live = %d/%d, want 2/1", s.LiveNodes(), s.LiveEdges())
	}
	if s.Tick() != 7 {
		t.Fatalf("tick = %d, want 7", s.Tick())
	}
	slot, ok := s.FindEdge(a, b)
	if !ok || slot != e {
		t.Fatalf("find edge = %d,%v, want %d,true", slot, ok, e)
	}
	wf, ws := s.EdgeWeights(e)
	if wf != DefaultEdgeWeight || ws != DefaultEdgeWeight {
		t.Fatalf("weights = %d/%d, want %d/%d", wf, ws, DefaultEdgeWeight, DefaultEdgeWeight)
	}
	if got := s.Activation(a); got != 0.75 {
		t.Fatalf("activation = %v, want 0.75", got)
	}
	if s.NextNodeID() != 3 {
		t.Fatalf("next id = %d, want 3", s.NextNodeID())
	}
}

func TestCreateEdgeDuplicate(t *testing.T) {
	s, _ := openTemp(t, Options{})
	defer s.Close()

	a, _ := s.CreateNode()
	b, _ := s.CreateNode()
	e1, created, err := s.CreateEdge(a, b)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	e2, created, err := s.CreateEdge(a, b)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created || e2 != e1 {
		t.Fatalf("duplicate create = %d,%v, want %d,false", e2, created, e1)
	}
	if got := s.Node(a).OutDeg; got != 1 {
		t.Fatalf("src out degree = %d, want 1", got)
	}
	if got := s.Node(b).InDeg; got != 1 {
		t.Fatalf("dst in degree = %d, want 1", got)
	}
}

func TestCreateEdgeDeadEndpoint(t *testing.T) {
	s, _ := openTemp(t, Options{})
	defer s.Close()

	a, _ := s.CreateNode()
	if _, _, err := s.CreateEdge(a, a+1); !errors.Is(err, ErrNoSuchNode) {
		t.Fatalf("edge to unallocated slot: err = %v, want ErrNoSuchNode", err)
	}
}

func TestDeleteNode(t *testing.T) {
	s, _ := openTemp(t, Options{})
	defer s.Close()

	kernel, _ := s.CreateNode()
	if err := s.DeleteNode(kernel); !errors.Is(err, ErrProtected) {
		t.Fatalf("delete protected: err = %v, want ErrProtected", err)
	}

	s.SetNextNodeID(graph.ProtectedIDCutoff + 1)
	a, _ := s.CreateNode()
	b, _ := s.CreateNode()
	c, _ := s.CreateNode()
	s.CreateEdge(a, b)
	s.CreateEdge(b, c)

	if err := s.DeleteNode(b); err != nil {
		t.Fatalf("delete node: %v", err)
	}
	if !s.Node(b).Dead() {
		t.Fatal("deleted node still live")
	}
	if _, ok := s.FindEdge(a, b); ok {
		t.Fatal("incident edge a->b survived delete")
	}
	if _, ok := s.FindEdge(b, c); ok {
		t.Fatal("incident edge b->c survived delete")
	}
	if got := s.Node(a).OutDeg; got != 0 {
		t.Fatalf("src out degree after delete = %d, want 0", got)
	}
	if got := s.Node(c).InDeg; got != 0 {
		t.Fatalf("dst in degree after delete = %d, want 0", got)
	}

	// Slot is recycled with a fresh id.
	d, err := s.CreateNode()
	if err != nil {
		t.Fatalf("create after delete: %v", err)
	}
	if d != b {
		t.Fatalf("recycled slot = %d, want %d", d, b)
	}
	if s.Node(d).ID == 0 || s.Node(d).ID == s.Node(a).ID {
		t.Fatalf("recycled node id = %d", s.Node(d).ID)
	}

	// Deleting a dead slot is a no-op.
	s.SetNode(d, graph.Node{})
	if err := s.DeleteNode(d); err != nil {
		t.Fatalf("delete dead slot: %v", err)
	}
}

func TestGrowDoublesNodeCapacity(t *testing.T) {
	s, path := openTemp(t, Options{NodeCap: 64, EdgeCap: 32})

	s.SetNextNodeID(1000)
	for i := 0; i < 64; i++ {
		slot, err := s.CreateNode()
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		s.SetActivation(slot, float32(i)/100)
	}
	s.CreateEdge(3, 5)

	// 65th node forces a doubling grow.
	slot, err := s.CreateNode()
	if err != nil {
		t.Fatalf("create past capacity: %v", err)
	}
	if slot != 64 {
		t.Fatalf("post-grow slot = %d, want 64", slot)
	}
	if s.NodeCap() != 128 {
		t.Fatalf("node cap = %d, want 128", s.NodeCap())
	}

	for i := uint32(0); i < 64; i++ {
		if got := s.Activation(i); got != float32(i)/100 {
			t.Fatalf("activation[%d] = %v after grow, want %v", i, got, float32(i)/100)
		}
		if got := s.Theta(i); got != DefaultTheta {
			t.Fatalf("theta[%d] = %v after grow, want %v", i, got, DefaultTheta)
		}
	}
	if _, ok := s.FindEdge(3, 5); !ok {
		t.Fatal("edge lost across grow")
	}

	s = reopen(t, s, path, Options{})
	defer s.Close()
	if s.NodeCap() != 128 || s.LiveNodes() != 65 {
		t.Fatalf("after reopen: cap=%d live=%d, want 128/65", s.NodeCap(), s.LiveNodes())
	}
	if got := s.Activation(17); got != 0.17 {
		t.Fatalf("activation[17] = %v after reopen, want 0.17", got)
	}
}

func TestGrowDoublesEdgeCapacity(t *testing.T) {
	s, _ := openTemp(t, Options{NodeCap: 64, EdgeCap: 8})
	defer s.Close()

	for i := 0; i < 10; i++ {
		if _, err := s.CreateNode(); err != nil {
			t.Fatalf("create node %d: %v", i, err)
		}
	}
	for i := uint32(0); i < 8; i++ {
		if _, created, err := s.CreateEdge(i, i+1); err != nil || !created {
			t.Fatalf("create edge %d: created=%v err=%v", i, created, err)
		}
	}

	// Ninth edge forces a doubling grow.
	if _, created, err := s.CreateEdge(9, 0); err != nil || !created {
		t.Fatalf("create edge past capacity: created=%v err=%v", created, err)
	}
	if s.EdgeCap() != 16 {
		t.Fatalf("edge cap = %d, want 16", s.EdgeCap())
	}
	for i := uint32(0); i < 8; i++ {
		slot, ok := s.FindEdge(i, i+1)
		if !ok {
			t.Fatalf("edge %d->%d lost across grow", i, i+1)
		}
		wf, ws := s.EdgeWeights(slot)
		if wf != DefaultEdgeWeight || ws != DefaultEdgeWeight {
			t.Fatalf("edge %d weights = %d/%d after grow", i, wf, ws)
		}
	}
}

func TestMagicMismatchStartsFresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "brain.melvin")
	junk := make([]byte, 4096)
	for i := range junk {
		junk[i] = byte(i * 7)
	}
	if err := os.WriteFile(path, junk, 0o644); err != nil {
		t.Fatalf("write junk: %v", err)
	}

	s, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open over junk: %v", err)
	}
	defer s.Close()
	if s.Restored() {
		t.Fatal("junk file reported as restored")
	}
	if s.NodeCount() != 0 || s.EdgeCount() != 0 || s.Tick() != 0 {
		t.Fatalf("junk file not reinitialized: nodes=%d edges=%d tick=%d",
			s.NodeCount(), s.EdgeCount(), s.Tick())
	}
}

func TestTruncatedFileStartsFresh(t *testing.T) {
	s, path := openTemp(t, Options{})
	if _, err := s.CreateNode(); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Chop the file below the size its header claims.
	if err := os.Truncate(path, HeaderSize+10); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	r, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open truncated: %v", err)
	}
	defer r.Close()
	if r.Restored() || r.NodeCount() != 0 {
		t.Fatalf("truncated file not reinitialized: restored=%v nodes=%d",
			r.Restored(), r.NodeCount())
	}
}

func TestFreeListSurvivesRestore(t *testing.T) {
	s, path := openTemp(t, Options{})

	s.SetNextNodeID(1000)
	if _, err := s.CreateNode(); err != nil {
		t.Fatalf("create: %v", err)
	}
	b, _ := s.CreateNode()
	if _, err := s.CreateNode(); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.DeleteNode(b); err != nil {
		t.Fatalf("delete: %v", err)
	}

	s = reopen(t, s, path, Options{})
	defer s.Close()

	if s.LiveNodes() != 2 {
		t.Fatalf("live nodes = %d, want 2", s.LiveNodes())
	}
	d, err := s.CreateNode()
	if err != nil {
		t.Fatalf("create after restore: %v", err)
	}
	if d != b {
		t.Fatalf("restored free list gave slot %d, want %d", d, b)
	}
}

func TestModuleLifecycle(t *testing.T) {
	s, _ := openTemp(t, Options{ModuleCap: 2})
	defer s.Close()

	m1, err := s.AllocModule()
	if err != nil {
		t.Fatalf("alloc module: %v", err)
	}
	mod := graph.Module{
		ID:        1,
		Name:      "osc-pair",
		Nodes:     []uint32{4, 9, 12},
		Edges:     []uint32{2, 3},
		Inputs:    []uint32{4},
		Outputs:   []uint32{12},
		Signature: 0xDEADBEEF,
		Frequency: 3,
		Level:     1,
	}
	if err := s.SetModule(m1, mod); err != nil {
		t.Fatalf("set module: %v", err)
	}
	got := s.Module(m1)
	if got.ID != 1 || got.Name != "osc-pair" || len(got.Nodes) != 3 || got.Signature != 0xDEADBEEF {
		t.Fatalf("module round trip mismatch: %+v", got)
	}

	if _, err := s.AllocModule(); err != nil {
		t.Fatalf("alloc second module: %v", err)
	}
	if _, err := s.AllocModule(); !errors.Is(err, ErrModuleCapacity) {
		t.Fatalf("alloc past capacity: err = %v, want ErrModuleCapacity", err)
	}

	s.DeleteModule(m1)
	if s.Module(m1).ID != 0 {
		t.Fatal("deleted module still has an id")
	}
}

func TestReadOnlyOpenRestoresWithoutMutating(t *testing.T) {
	s, path := openTemp(t, Options{})
	slot, err := s.CreateNode()
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	s.SetActivation(slot, 0.25)
	s.SetTick(9)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}

	r, err := Open(path, Options{ReadOnly: true})
	if err != nil {
		t.Fatalf("read-only open: %v", err)
	}
	if !r.ReadOnly() || !r.Restored() {
		t.Fatalf("read-only=%t restored=%t", r.ReadOnly(), r.Restored())
	}
	if r.Tick() != 9 || r.NodeCount() != 1 {
		t.Fatalf("tick=%d nodes=%d", r.Tick(), r.NodeCount())
	}
	if got := r.Activation(slot); got != 0.25 {
		t.Fatalf("activation = %v, want 0.25", got)
	}
	if err := r.Grow(1<<16, 1<<16); err == nil {
		t.Fatal("grow succeeded on read-only store")
	}
	if err := r.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close read-only: %v", err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if len(before) != len(after) {
		t.Fatalf("file size changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("file mutated at offset %d", i)
		}
	}
}

func TestReadOnlyOpenRefusesMissingAndForeign(t *testing.T) {
	dir := t.TempDir()

	if _, err := Open(filepath.Join(dir, "absent.melvin"), Options{ReadOnly: true}); err == nil {
		t.Fatal("read-only open created a missing file")
	}

	foreign := filepath.Join(dir, "foreign.bin")
	if err := os.WriteFile(foreign, make([]byte, 4096), 0o644); err != nil {
		t.Fatalf("write foreign file: %v", err)
	}
	if _, err := Open(foreign, Options{ReadOnly: true}); err == nil {
		t.Fatal("read-only open accepted a foreign file")
	}
}
