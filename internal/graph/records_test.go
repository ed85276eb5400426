package graph

import (
	"errors"
	"testing"
)

func TestRecordSizes(t *testing.T) {
	if NodeSize != 24 || EdgeSize != 10 || ModuleSize != 512 || ExtSize != 64 || AccessSize != 8 {
		t.Fatalf("record sizes changed: node=%d edge=%d module=%d ext=%d access=%d",
			NodeSize, EdgeSize, ModuleSize, ExtSize, AccessSize)
	}
}

func TestNodeRoundTrip(t *testing.T) {
	n := Node{ID: 4242, Activation: 0.75, Data: 128, InDeg: 3, OutDeg: 7, LastTick: 900}
	buf := make([]byte, NodeSize)
	EncodeNode(buf, n)
	got := DecodeNode(buf)
	if got != n {
		t.Fatalf("node round trip: got %+v want %+v", got, n)
	}
	if got.Dead() {
		t.Fatal("live node reported dead")
	}
	if !(Node{}).Dead() {
		t.Fatal("zero node not reported dead")
	}
}

func TestEdgeRoundTrip(t *testing.T) {
	e := Edge{Src: 0, Dst: 91, WFast: 32, WSlow: 32}
	buf := make([]byte, EdgeSize)
	EncodeEdge(buf, e)
	if got := DecodeEdge(buf); got != e {
		t.Fatalf("edge round trip: got %+v want %+v", got, e)
	}
	freed := Edge{Src: InvalidSlot, Dst: InvalidSlot}
	if !freed.Dead() {
		t.Fatal("freed edge not reported dead")
	}
}

func TestFlags(t *testing.T) {
	f := Flags(0).WithOp(OpMemory).With(FlagProtected).With(FlagMeta)
	if f.Op() != OpMemory {
		t.Fatalf("op = %v, want memory", f.Op())
	}
	if !f.Has(FlagProtected) || !f.Has(FlagMeta) || f.Has(FlagOutput) || f.Has(FlagProxy) {
		t.Fatalf("capability bits wrong: %032b", uint32(f))
	}
	// Retyping must not disturb capability bits.
	f = f.WithOp(OpThreshold)
	if f.Op() != OpThreshold || !f.Has(FlagProtected) {
		t.Fatalf("WithOp disturbed flags: %032b", uint32(f))
	}
}

func TestExtRoundTrip(t *testing.T) {
	e := Ext{
		APrev:       0.25,
		Soma:        1.5,
		Hat:         0.9,
		Burst:       2.0,
		SigHistory:  0xDEADBEEF,
		UFast:       0.6,
		USlow:       0.5,
		Energy:      0.1,
		MetaOp:      MetaCreateEdge,
		CreatedTick: 77,
		Executions:  1200,
		Cycles:      36000,
		Efficiency:  0.04,
	}
	buf := make([]byte, ExtSize)
	EncodeExt(buf, e)
	if got := DecodeExt(buf); got != e {
		t.Fatalf("ext round trip: got %+v want %+v", got, e)
	}
}

func TestAccessRoundTrip(t *testing.T) {
	a := Access{LastTick: 500, Count: 9, Hot: true}
	buf := make([]byte, AccessSize)
	EncodeAccess(buf, a)
	if got := DecodeAccess(buf); got != a {
		t.Fatalf("access round trip: got %+v want %+v", got, a)
	}
}

func TestModuleRoundTrip(t *testing.T) {
	m := Module{
		ID:         3,
		Name:       "osc-pair",
		Nodes:      []uint32{10, 11, 12},
		Edges:      []uint32{40, 41},
		Inputs:     []uint32{10},
		Outputs:    []uint32{12},
		Signature:  0xABCDEF0123,
		Frequency:  4,
		UseCount:   9,
		Efficiency: 0.5,
		Level:      1,
		Collapsed:  true,
		Proxy:      55,
	}
	buf := make([]byte, ModuleSize)
	if err := EncodeModule(buf, m); err != nil {
		t.Fatalf("encode module: %v", err)
	}
	got := DecodeModule(buf)
	if got.ID != m.ID || got.Name != m.Name || got.Signature != m.Signature ||
		got.Frequency != m.Frequency || got.UseCount != m.UseCount ||
		got.Efficiency != m.Efficiency || got.Level != m.Level ||
		got.Collapsed != m.Collapsed || got.Proxy != m.Proxy {
		t.Fatalf("module round trip: got %+v want %+v", got, m)
	}
	if len(got.Nodes) != 3 || got.Nodes[2] != 12 {
		t.Fatalf("member nodes: %v", got.Nodes)
	}
	if len(got.Edges) != 2 || len(got.Inputs) != 1 || len(got.Outputs) != 1 {
		t.Fatalf("member lists: edges=%v in=%v out=%v", got.Edges, got.Inputs, got.Outputs)
	}
}

func TestModuleTooLarge(t *testing.T) {
	m := Module{ID: 1, Nodes: make([]uint32, ModuleMaxNodes+1)}
	buf := make([]byte, ModuleSize)
	if err := EncodeModule(buf, m); !errors.Is(err, ErrModuleTooLarge) {
		t.Fatalf("expected ErrModuleTooLarge, got %v", err)
	}
}

func TestClampAndWeightByte(t *testing.T) {
	if Clamp(5, 0, 3) != 3 || Clamp(-1, 0, 3) != 0 || Clamp(2, 0, 3) != 2 {
		t.Fatal("Clamp int cases")
	}
	if Clamp01(1.5) != 1 || Clamp01(-0.5) != 0 {
		t.Fatal("Clamp01 cases")
	}
	if WeightByte(300) != 255 || WeightByte(-4) != 0 || WeightByte(31.7) != 32 {
		t.Fatalf("WeightByte: %d %d %d", WeightByte(300), WeightByte(-4), WeightByte(31.7))
	}
	if SatInc16(65535) != 65535 || SatDec16(0) != 0 || SatInc16(3) != 4 {
		t.Fatal("saturating degree helpers")
	}
}

func TestOpAndMetaNames(t *testing.T) {
	if OpSigmoid.String() != "sigmoid" || OpJoin.String() != "join" {
		t.Fatalf("op names: %s %s", OpSigmoid, OpJoin)
	}
	if MetaCreateEdge.String() != "create_edge" || MetaPruneBranch.String() != "prune_branch" {
		t.Fatalf("meta names: %s %s", MetaCreateEdge, MetaPruneBranch)
	}
}

func TestOpCostOrdering(t *testing.T) {
	if OpSigmoid.Cost() != 10 {
		t.Fatalf("base cost = %d, want 10", OpSigmoid.Cost())
	}
	if !(OpSplice.Cost() > OpFork.Cost() && OpFork.Cost() > OpEval.Cost()) {
		t.Fatal("structural ops are not priced above eval")
	}
}
