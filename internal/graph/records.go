// Package graph defines the fixed-size binary records a brain file is made
// of and the adjacency index over its edges. Record layouts are exact: the
// persistent store derives every file offset from the sizes declared here.
package graph

import (
	"encoding/binary"
	"errors"
	"math"

	"golang.org/x/exp/constraints"
)

const (
	NodeSize   = 24
	EdgeSize   = 10
	ModuleSize = 512
	ExtSize    = 64
	AccessSize = 8
)

// InvalidSlot marks a freed edge endpoint and a module without a proxy.
const InvalidSlot = ^uint32(0)

// ProtectedIDCutoff is the highest node id the kernel bootstrap assigns.
// Nodes with id at or below it are never deleted, retyped, or evicted.
// Node id 0 is reserved as the empty-slot marker; real ids start at 1.
const ProtectedIDCutoff = 100

// OpType selects a node's transfer function during evaluation. Codes are
// persisted in the flags word and must not be reordered.
type OpType uint8

const (
	OpSigmoid OpType = iota
	OpSum
	OpProduct
	OpMax
	OpMin
	OpCompare
	OpThreshold
	OpRelu
	OpTanh
	OpGate
	OpModulate
	OpMemory
	OpSequence
	OpHash
	OpEval
	OpSplice
	OpFork
	OpJoin

	NumOps = 18
)

var opNames = [NumOps]string{
	"sigmoid", "sum", "product", "max", "min", "compare", "threshold",
	"relu", "tanh", "gate", "modulate", "memory", "sequence", "hash",
	"eval", "splice", "fork", "join",
}

func (op OpType) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return "unknown"
}

// Cost is the accounting charge per evaluation of op. Structural ops are
// priced high so efficiency statistics punish overuse.
func (op OpType) Cost() uint64 {
	switch op {
	case OpMemory:
		return 20
	case OpHash:
		return 15
	case OpEval:
		return 50
	case OpFork:
		return 80
	case OpSplice:
		return 100
	default:
		return 10
	}
}

// MetaOp is the structural edit a meta node proposes when it fires.
type MetaOp uint8

const (
	MetaNone MetaOp = iota
	MetaCreateEdge
	MetaDeleteEdge
	MetaMergeNodes
	MetaSplitNode
	MetaMutateOp
	MetaOptimizeSubgraph
	MetaCreateShortcut
	MetaPruneBranch

	NumMetaOps = 9
)

var metaNames = [NumMetaOps]string{
	"none", "create_edge", "delete_edge", "merge_nodes", "split_node",
	"mutate_op", "optimize_subgraph", "create_shortcut", "prune_branch",
}

func (m MetaOp) String() string {
	if int(m) < len(metaNames) {
		return metaNames[m]
	}
	return "unknown"
}

// Flags packs a node's op code (low byte) with its capability bits.
type Flags uint32

const (
	FlagOutput Flags = 1 << (8 + iota)
	FlagProtected
	FlagMeta
	FlagProxy
)

const opMask Flags = 0xff

func (f Flags) Op() OpType            { return OpType(f & opMask) }
func (f Flags) WithOp(op OpType) Flags { return (f &^ opMask) | Flags(op) }
func (f Flags) Has(bit Flags) bool    { return f&bit != 0 }
func (f Flags) With(bit Flags) Flags  { return f | bit }

// Node is the 24-byte hot record. Everything else a node carries lives in
// the parallel auxiliary arrays, keyed by the same slot index.
type Node struct {
	ID         uint64
	Activation float32
	Data       float32
	InDeg      uint16
	OutDeg     uint16
	LastTick   uint32
}

// Dead reports whether the slot holds no live node. Real ids start at 1.
func (n Node) Dead() bool { return n.ID == 0 }

func EncodeNode(dst []byte, n Node) {
	binary.LittleEndian.PutUint64(dst[0:], n.ID)
	binary.LittleEndian.PutUint32(dst[8:], math.Float32bits(n.Activation))
	binary.LittleEndian.PutUint32(dst[12:], math.Float32bits(n.Data))
	binary.LittleEndian.PutUint16(dst[16:], n.InDeg)
	binary.LittleEndian.PutUint16(dst[18:], n.OutDeg)
	binary.LittleEndian.PutUint32(dst[20:], n.LastTick)
}

func DecodeNode(src []byte) Node {
	return Node{
		ID:         binary.LittleEndian.Uint64(src[0:]),
		Activation: math.Float32frombits(binary.LittleEndian.Uint32(src[8:])),
		Data:       math.Float32frombits(binary.LittleEndian.Uint32(src[12:])),
		InDeg:      binary.LittleEndian.Uint16(src[16:]),
		OutDeg:     binary.LittleEndian.Uint16(src[18:]),
		LastTick:   binary.LittleEndian.Uint32(src[20:]),
	}
}

// Edge is the 10-byte record: endpoints by slot index plus the two weight
// tracks. A freed edge sets both endpoints to InvalidSlot and zeroes the
// weights.
type Edge struct {
	Src   uint32
	Dst   uint32
	WFast uint8
	WSlow uint8
}

func (e Edge) Dead() bool { return e.Src == InvalidSlot }

func EncodeEdge(dst []byte, e Edge) {
	binary.LittleEndian.PutUint32(dst[0:], e.Src)
	binary.LittleEndian.PutUint32(dst[4:], e.Dst)
	dst[8] = e.WFast
	dst[9] = e.WSlow
}

func DecodeEdge(src []byte) Edge {
	return Edge{
		Src:   binary.LittleEndian.Uint32(src[0:]),
		Dst:   binary.LittleEndian.Uint32(src[4:]),
		WFast: src[8],
		WSlow: src[9],
	}
}

// Ext is the 64-byte extended per-node record: the activation shadow and
// accumulators the engine works with, plus per-node learning statistics.
type Ext struct {
	APrev       float32
	Soma        float32
	Hat         float32
	Burst       float32
	SigHistory  uint64
	UFast       float32
	USlow       float32
	Energy      float32
	MetaOp      MetaOp
	CreatedTick uint32
	Executions  uint32
	Cycles      uint64
	Efficiency  float32
}

func EncodeExt(dst []byte, e Ext) {
	binary.LittleEndian.PutUint32(dst[0:], math.Float32bits(e.APrev))
	binary.LittleEndian.PutUint32(dst[4:], math.Float32bits(e.Soma))
	binary.LittleEndian.PutUint32(dst[8:], math.Float32bits(e.Hat))
	binary.LittleEndian.PutUint32(dst[12:], math.Float32bits(e.Burst))
	binary.LittleEndian.PutUint64(dst[16:], e.SigHistory)
	binary.LittleEndian.PutUint32(dst[24:], math.Float32bits(e.UFast))
	binary.LittleEndian.PutUint32(dst[28:], math.Float32bits(e.USlow))
	binary.LittleEndian.PutUint32(dst[32:], math.Float32bits(e.Energy))
	binary.LittleEndian.PutUint32(dst[36:], uint32(e.MetaOp))
	binary.LittleEndian.PutUint32(dst[40:], e.CreatedTick)
	binary.LittleEndian.PutUint32(dst[44:], e.Executions)
	binary.LittleEndian.PutUint64(dst[48:], e.Cycles)
	binary.LittleEndian.PutUint32(dst[56:], math.Float32bits(e.Efficiency))
	binary.LittleEndian.PutUint32(dst[60:], 0)
}

func DecodeExt(src []byte) Ext {
	return Ext{
		APrev:       math.Float32frombits(binary.LittleEndian.Uint32(src[0:])),
		Soma:        math.Float32frombits(binary.LittleEndian.Uint32(src[4:])),
		Hat:         math.Float32frombits(binary.LittleEndian.Uint32(src[8:])),
		Burst:       math.Float32frombits(binary.LittleEndian.Uint32(src[12:])),
		SigHistory:  binary.LittleEndian.Uint64(src[16:]),
		UFast:       math.Float32frombits(binary.LittleEndian.Uint32(src[24:])),
		USlow:       math.Float32frombits(binary.LittleEndian.Uint32(src[28:])),
		Energy:      math.Float32frombits(binary.LittleEndian.Uint32(src[32:])),
		MetaOp:      MetaOp(binary.LittleEndian.Uint32(src[36:])),
		CreatedTick: binary.LittleEndian.Uint32(src[40:]),
		Executions:  binary.LittleEndian.Uint32(src[44:]),
		Cycles:      binary.LittleEndian.Uint64(src[48:]),
		Efficiency:  math.Float32frombits(binary.LittleEndian.Uint32(src[56:])),
	}
}

// Access is the 8-byte tier-tracking record.
type Access struct {
	LastTick uint32
	Count    uint16
	Hot      bool
}

func EncodeAccess(dst []byte, a Access) {
	binary.LittleEndian.PutUint32(dst[0:], a.LastTick)
	binary.LittleEndian.PutUint16(dst[4:], a.Count)
	if a.Hot {
		dst[6] = 1
	} else {
		dst[6] = 0
	}
	dst[7] = 0
}

func DecodeAccess(src []byte) Access {
	return Access{
		LastTick: binary.LittleEndian.Uint32(src[0:]),
		Count:    binary.LittleEndian.Uint16(src[4:]),
		Hot:      src[6] != 0,
	}
}

const (
	ModuleMaxNodes = 32
	ModuleMaxEdges = 48
	ModuleMaxIO    = 8

	moduleNameLen = 64
)

var ErrModuleTooLarge = errors.New("module exceeds inline record capacity")

// Module is the 512-byte record for a reified subgraph. Member lists are
// inline and bounded; detection samples far below the caps.
type Module struct {
	ID         uint32
	Name       string
	Nodes      []uint32
	Edges      []uint32
	Inputs     []uint32
	Outputs    []uint32
	Signature  uint64
	Frequency  uint32
	UseCount   uint32
	Efficiency float32
	Level      uint32
	Collapsed  bool
	Proxy      uint32
}

func (m Module) Dead() bool { return m.ID == 0 }

func EncodeModule(dst []byte, m Module) error {
	if len(m.Nodes) > ModuleMaxNodes || len(m.Edges) > ModuleMaxEdges ||
		len(m.Inputs) > ModuleMaxIO || len(m.Outputs) > ModuleMaxIO {
		return ErrModuleTooLarge
	}
	for i := range dst[:ModuleSize] {
		dst[i] = 0
	}
	binary.LittleEndian.PutUint32(dst[0:], m.ID)
	name := m.Name
	if len(name) > moduleNameLen-1 {
		name = name[:moduleNameLen-1]
	}
	copy(dst[4:4+moduleNameLen], name)
	putSlotList(dst[68:], m.Nodes)
	putSlotList(dst[200:], m.Edges)
	putSlotList(dst[396:], m.Inputs)
	putSlotList(dst[432:], m.Outputs)
	binary.LittleEndian.PutUint64(dst[468:], m.Signature)
	binary.LittleEndian.PutUint32(dst[476:], m.Frequency)
	binary.LittleEndian.PutUint32(dst[480:], m.UseCount)
	binary.LittleEndian.PutUint32(dst[484:], math.Float32bits(m.Efficiency))
	binary.LittleEndian.PutUint32(dst[488:], m.Level)
	collapsed := uint32(0)
	if m.Collapsed {
		collapsed = 1
	}
	binary.LittleEndian.PutUint32(dst[492:], collapsed)
	binary.LittleEndian.PutUint32(dst[496:], m.Proxy)
	return nil
}

func DecodeModule(src []byte) Module {
	name := src[4 : 4+moduleNameLen]
	end := 0
	for end < len(name) && name[end] != 0 {
		end++
	}
	return Module{
		ID:         binary.LittleEndian.Uint32(src[0:]),
		Name:       string(name[:end]),
		Nodes:      getSlotList(src[68:], ModuleMaxNodes),
		Edges:      getSlotList(src[200:], ModuleMaxEdges),
		Inputs:     getSlotList(src[396:], ModuleMaxIO),
		Outputs:    getSlotList(src[432:], ModuleMaxIO),
		Signature:  binary.LittleEndian.Uint64(src[468:]),
		Frequency:  binary.LittleEndian.Uint32(src[476:]),
		UseCount:   binary.LittleEndian.Uint32(src[480:]),
		Efficiency: math.Float32frombits(binary.LittleEndian.Uint32(src[484:])),
		Level:      binary.LittleEndian.Uint32(src[488:]),
		Collapsed:  binary.LittleEndian.Uint32(src[492:]) != 0,
		Proxy:      binary.LittleEndian.Uint32(src[496:]),
	}
}

func putSlotList(dst []byte, list []uint32) {
	binary.LittleEndian.PutUint32(dst[0:], uint32(len(list)))
	for i, v := range list {
		binary.LittleEndian.PutUint32(dst[4+4*i:], v)
	}
}

func getSlotList(src []byte, limit int) []uint32 {
	n := int(binary.LittleEndian.Uint32(src[0:]))
	if n > limit {
		n = limit
	}
	if n == 0 {
		return nil
	}
	list := make([]uint32, n)
	for i := range list {
		list[i] = binary.LittleEndian.Uint32(src[4+4*i:])
	}
	return list
}

// Clamp bounds v to [lo, hi].
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Clamp01 bounds an activation to the unit interval.
func Clamp01(v float32) float32 { return Clamp(v, 0, 1) }

// WeightByte rounds a float weight into the saturating byte range.
func WeightByte(v float32) uint8 {
	return uint8(Clamp(v, 0, 255) + 0.5)
}

func SatInc16(v uint16) uint16 {
	if v < math.MaxUint16 {
		v++
	}
	return v
}

func SatDec16(v uint16) uint16 {
	if v > 0 {
		v--
	}
	return v
}
