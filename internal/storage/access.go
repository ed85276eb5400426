package storage

import (
	"encoding/binary"
	"math"

	"melvin/internal/graph"
)

// Record accessors decode from and encode into the mapping at a slot
// index. Callers stay below the high-water counts; a slot past the cap
// panics on the slice bound like any other out-of-range index.

func (s *Store) nodeAt(i uint32) []byte {
	off := s.lay.nodes + int64(i)*graph.NodeSize
	return s.data[off : off+graph.NodeSize]
}

func (s *Store) edgeAt(i uint32) []byte {
	off := s.lay.edges + int64(i)*graph.EdgeSize
	return s.data[off : off+graph.EdgeSize]
}

func (s *Store) moduleAt(i uint32) []byte {
	off := s.lay.modules + int64(i)*graph.ModuleSize
	return s.data[off : off+graph.ModuleSize]
}

func (s *Store) extAt(i uint32) []byte {
	off := s.lay.ext + int64(i)*graph.ExtSize
	return s.data[off : off+graph.ExtSize]
}

func (s *Store) accessAt(i uint32) []byte {
	off := s.lay.access + int64(i)*graph.AccessSize
	return s.data[off : off+graph.AccessSize]
}

func (s *Store) f32At(base int64, i uint32) float32 {
	off := base + int64(i)*4
	return math.Float32frombits(binary.LittleEndian.Uint32(s.data[off : off+4]))
}

func (s *Store) setF32At(base int64, i uint32, v float32) {
	off := base + int64(i)*4
	binary.LittleEndian.PutUint32(s.data[off:off+4], math.Float32bits(v))
}

// Node returns a copy of the node record in slot i.
func (s *Store) Node(i uint32) graph.Node {
	return graph.DecodeNode(s.nodeAt(i))
}

// SetNode overwrites the node record in slot i.
func (s *Store) SetNode(i uint32, n graph.Node) {
	graph.EncodeNode(s.nodeAt(i), n)
}

// Activation reads just the activation field of slot i.
func (s *Store) Activation(i uint32) float32 {
	b := s.nodeAt(i)
	return math.Float32frombits(binary.LittleEndian.Uint32(b[8:12]))
}

// SetActivation writes just the activation field of slot i.
func (s *Store) SetActivation(i uint32, v float32) {
	b := s.nodeAt(i)
	binary.LittleEndian.PutUint32(b[8:12], math.Float32bits(v))
}

// SetLastTick stamps the node's last-active tick without a full rewrite.
func (s *Store) SetLastTick(i uint32, tick uint32) {
	b := s.nodeAt(i)
	binary.LittleEndian.PutUint32(b[20:24], tick)
}

// Edge returns a copy of the edge record in slot i.
func (s *Store) Edge(i uint32) graph.Edge {
	return graph.DecodeEdge(s.edgeAt(i))
}

// SetEdge overwrites the edge record in slot i.
func (s *Store) SetEdge(i uint32, e graph.Edge) {
	graph.EncodeEdge(s.edgeAt(i), e)
}

// EdgeWeights reads the two learned weights of edge slot i.
func (s *Store) EdgeWeights(i uint32) (wFast, wSlow uint8) {
	b := s.edgeAt(i)
	return b[8], b[9]
}

// SetEdgeWeights writes the two learned weights of edge slot i.
func (s *Store) SetEdgeWeights(i uint32, wFast, wSlow uint8) {
	b := s.edgeAt(i)
	b[8] = wFast
	b[9] = wSlow
}

// Module decodes the module record in slot i.
func (s *Store) Module(i uint32) graph.Module {
	return graph.DecodeModule(s.moduleAt(i))
}

// SetModule encodes m into slot i. Fails with ErrModuleTooLarge when a
// member list exceeds the record's fixed capacity.
func (s *Store) SetModule(i uint32, m graph.Module) error {
	return graph.EncodeModule(s.moduleAt(i), m)
}

// Theta is the node's firing threshold.
func (s *Store) Theta(i uint32) float32 { return s.f32At(s.lay.theta, i) }

// SetTheta writes the node's firing threshold.
func (s *Store) SetTheta(i uint32, v float32) { s.setF32At(s.lay.theta, i, v) }

// MemoryValue is the stored value of a memory node.
func (s *Store) MemoryValue(i uint32) float32 { return s.f32At(s.lay.memValue, i) }

// SetMemoryValue writes the stored value of a memory node.
func (s *Store) SetMemoryValue(i uint32, v float32) { s.setF32At(s.lay.memValue, i, v) }

// MemoryAge is the tick age of a memory node's stored value.
func (s *Store) MemoryAge(i uint32) uint32 {
	off := s.lay.memAge + int64(i)*4
	return binary.LittleEndian.Uint32(s.data[off : off+4])
}

// SetMemoryAge writes the tick age of a memory node's stored value.
func (s *Store) SetMemoryAge(i uint32, v uint32) {
	off := s.lay.memAge + int64(i)*4
	binary.LittleEndian.PutUint32(s.data[off:off+4], v)
}

// Flags returns the op and capability bits of slot i.
func (s *Store) Flags(i uint32) graph.Flags {
	off := s.lay.flags + int64(i)*4
	return graph.Flags(binary.LittleEndian.Uint32(s.data[off : off+4]))
}

// SetFlags overwrites the op and capability bits of slot i.
func (s *Store) SetFlags(i uint32, f graph.Flags) {
	off := s.lay.flags + int64(i)*4
	binary.LittleEndian.PutUint32(s.data[off:off+4], uint32(f))
}

// Ext returns a copy of the learning-state extension of slot i.
func (s *Store) Ext(i uint32) graph.Ext {
	return graph.DecodeExt(s.extAt(i))
}

// SetExt overwrites the learning-state extension of slot i.
func (s *Store) SetExt(i uint32, e graph.Ext) {
	graph.EncodeExt(s.extAt(i), e)
}

// Access returns a copy of the tier bookkeeping record of slot i.
func (s *Store) Access(i uint32) graph.Access {
	return graph.DecodeAccess(s.accessAt(i))
}

// SetAccess overwrites the tier bookkeeping record of slot i.
func (s *Store) SetAccess(i uint32, a graph.Access) {
	graph.EncodeAccess(s.accessAt(i), a)
}

// NodeCount is the high-water node slot count. Live nodes are the count
// minus freed slots.
func (s *Store) NodeCount() uint32 { return s.hdr.NodeCount }

// EdgeCount is the high-water edge slot count.
func (s *Store) EdgeCount() uint32 { return s.hdr.EdgeCount }

// ModuleCount is the number of allocated module records.
func (s *Store) ModuleCount() uint32 { return s.hdr.ModuleCount }

// NodeCap is the allocated node capacity of the file.
func (s *Store) NodeCap() uint32 { return s.hdr.NodeCap }

// EdgeCap is the allocated edge capacity of the file.
func (s *Store) EdgeCap() uint32 { return s.hdr.EdgeCap }

// ModuleCap is the allocated module capacity of the file.
func (s *Store) ModuleCap() uint32 { return s.hdr.ModuleCap }

// LiveNodes is the number of occupied node slots.
func (s *Store) LiveNodes() uint32 { return s.hdr.NodeCount - uint32(len(s.freeNodes)) }

// LiveEdges is the number of occupied edge slots.
func (s *Store) LiveEdges() uint32 { return s.hdr.EdgeCount - uint32(len(s.freeEdges)) }

// Tick is the persisted tick counter.
func (s *Store) Tick() uint64 { return s.hdr.Tick }

// SetTick advances the persisted tick counter. Written to disk on the
// next Sync.
func (s *Store) SetTick(t uint64) { s.hdr.Tick = t }

// HotNodeCap is the persisted hot-tier capacity.
func (s *Store) HotNodeCap() uint32 { return s.hdr.HotNodeCap }

// SetHotNodeCap updates the persisted hot-tier capacity.
func (s *Store) SetHotNodeCap(n uint32) { s.hdr.HotNodeCap = n }

// ColdEnabled reports whether tiering was active when the file was last
// written.
func (s *Store) ColdEnabled() bool { return s.hdr.ColdEnabled != 0 }

// SetColdEnabled records whether tiering is active.
func (s *Store) SetColdEnabled(on bool) {
	if on {
		s.hdr.ColdEnabled = 1
	} else {
		s.hdr.ColdEnabled = 0
	}
}

// AddHotHits accumulates lifetime hot-tier hits.
func (s *Store) AddHotHits(n uint64) { s.hdr.TotalHotHits += n }

// AddColdHits accumulates lifetime cold-tier hits.
func (s *Store) AddColdHits(n uint64) { s.hdr.TotalColdHits += n }

// HitCounters returns the lifetime hot and cold hit totals.
func (s *Store) HitCounters() (hot, cold uint64) {
	return s.hdr.TotalHotHits, s.hdr.TotalColdHits
}
