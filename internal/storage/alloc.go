package storage

import (
	"errors"
	"fmt"

	"melvin/internal/graph"
)

// Node and edge creation defaults. Thresholds and weights live on the
// byte scale used by propagation.
const (
	DefaultTheta      = 128
	DefaultEdgeWeight = 32
)

var (
	// ErrProtected is returned when a mutation targets a kernel node.
	ErrProtected = errors.New("storage: node is protected")

	// ErrNoSuchNode is returned when a slot is out of range or dead.
	ErrNoSuchNode = errors.New("storage: no such node")
)

func (s *Store) allocNodeSlot() (uint32, error) {
	if n := len(s.freeNodes); n > 0 {
		i := s.freeNodes[n-1]
		s.freeNodes = s.freeNodes[:n-1]
		return i, nil
	}
	if s.hdr.NodeCount >= s.hdr.NodeCap {
		if err := s.Grow(s.hdr.NodeCap*2, s.hdr.EdgeCap); err != nil {
			return 0, fmt.Errorf("grow nodes: %w", err)
		}
	}
	i := s.hdr.NodeCount
	s.hdr.NodeCount++
	return i, nil
}

func (s *Store) allocEdgeSlot() (uint32, error) {
	if n := len(s.freeEdges); n > 0 {
		i := s.freeEdges[n-1]
		s.freeEdges = s.freeEdges[:n-1]
		return i, nil
	}
	if s.hdr.EdgeCount >= s.hdr.EdgeCap {
		if err := s.Grow(s.hdr.NodeCap, s.hdr.EdgeCap*2); err != nil {
			return 0, fmt.Errorf("grow edges: %w", err)
		}
	}
	i := s.hdr.EdgeCount
	s.hdr.EdgeCount++
	return i, nil
}

// CreateNode allocates a node slot, growing the file when full, and
// initializes it: fresh id, sigmoid op, default threshold, utility
// estimates at 0.5, everything else zero. Nodes whose id lands at or
// below graph.ProtectedIDCutoff come up protected; they form the
// immutable kernel.
func (s *Store) CreateNode() (uint32, error) {
	i, err := s.allocNodeSlot()
	if err != nil {
		return 0, err
	}
	id := s.hdr.NextNodeID
	s.hdr.NextNodeID++
	tick := uint32(s.hdr.Tick)

	s.SetNode(i, graph.Node{ID: id, LastTick: tick})
	f := graph.Flags(0).WithOp(graph.OpSigmoid)
	if id <= graph.ProtectedIDCutoff {
		f = f.With(graph.FlagProtected)
	}
	s.SetFlags(i, f)
	s.SetTheta(i, DefaultTheta)
	s.SetMemoryValue(i, 0)
	s.SetMemoryAge(i, 0)
	s.SetExt(i, graph.Ext{UFast: 0.5, USlow: 0.5, CreatedTick: tick})
	s.SetAccess(i, graph.Access{LastTick: tick})
	return i, nil
}

// DeleteNode removes the node in slot i together with every incident
// edge and recycles the slot. Protected nodes are refused. Deleting an
// already-dead slot is a no-op.
func (s *Store) DeleteNode(i uint32) error {
	if i >= s.hdr.NodeCount {
		return fmt.Errorf("%w: slot %d", ErrNoSuchNode, i)
	}
	if s.Node(i).Dead() {
		return nil
	}
	if s.Flags(i).Has(graph.FlagProtected) {
		return fmt.Errorf("%w: slot %d", ErrProtected, i)
	}

	for j := uint32(0); j < s.hdr.EdgeCount; j++ {
		e := s.Edge(j)
		if e.Dead() {
			continue
		}
		if e.Src == i || e.Dst == i {
			s.clearEdgeSlot(j, e)
		}
	}

	s.SetNode(i, graph.Node{})
	s.SetFlags(i, 0)
	s.SetTheta(i, 0)
	s.SetMemoryValue(i, 0)
	s.SetMemoryAge(i, 0)
	s.SetExt(i, graph.Ext{})
	s.SetAccess(i, graph.Access{})
	s.freeNodes = append(s.freeNodes, i)
	return nil
}

// CreateEdge links src to dst with the default weights, growing the
// file when full. When the edge already exists its slot is returned
// with created=false. Both endpoints must be live.
func (s *Store) CreateEdge(src, dst uint32) (slot uint32, created bool, err error) {
	if src >= s.hdr.NodeCount || s.Node(src).Dead() {
		return 0, false, fmt.Errorf("%w: src slot %d", ErrNoSuchNode, src)
	}
	if dst >= s.hdr.NodeCount || s.Node(dst).Dead() {
		return 0, false, fmt.Errorf("%w: dst slot %d", ErrNoSuchNode, dst)
	}
	if i, ok := s.idx.Find(src, dst); ok {
		return i, false, nil
	}

	i, err := s.allocEdgeSlot()
	if err != nil {
		return 0, false, err
	}
	s.SetEdge(i, graph.Edge{Src: src, Dst: dst, WFast: DefaultEdgeWeight, WSlow: DefaultEdgeWeight})
	s.idx.Insert(src, dst, i)

	ns := s.Node(src)
	ns.OutDeg = graph.SatInc16(ns.OutDeg)
	s.SetNode(src, ns)
	nd := s.Node(dst)
	nd.InDeg = graph.SatInc16(nd.InDeg)
	s.SetNode(dst, nd)
	return i, true, nil
}

// DeleteEdge removes the edge from src to dst if it exists.
func (s *Store) DeleteEdge(src, dst uint32) bool {
	i, ok := s.idx.Find(src, dst)
	if !ok {
		return false
	}
	s.clearEdgeSlot(i, s.Edge(i))
	return true
}

// DeleteEdgeSlot removes the edge in slot i if it is live.
func (s *Store) DeleteEdgeSlot(i uint32) bool {
	if i >= s.hdr.EdgeCount {
		return false
	}
	e := s.Edge(i)
	if e.Dead() {
		return false
	}
	s.clearEdgeSlot(i, e)
	return true
}

// FindEdge reports the slot of the edge from src to dst.
func (s *Store) FindEdge(src, dst uint32) (uint32, bool) {
	return s.idx.Find(src, dst)
}

func (s *Store) clearEdgeSlot(i uint32, e graph.Edge) {
	if e.Src < s.hdr.NodeCount {
		n := s.Node(e.Src)
		if !n.Dead() {
			n.OutDeg = graph.SatDec16(n.OutDeg)
			s.SetNode(e.Src, n)
		}
	}
	if e.Dst < s.hdr.NodeCount {
		n := s.Node(e.Dst)
		if !n.Dead() {
			n.InDeg = graph.SatDec16(n.InDeg)
			s.SetNode(e.Dst, n)
		}
	}
	s.idx.Remove(e.Src, e.Dst)
	s.SetEdge(i, graph.Edge{Src: graph.InvalidSlot, Dst: graph.InvalidSlot})
	s.freeEdges = append(s.freeEdges, i)
}

// AllocModule reserves the next module slot. Modules do not grow with
// the graph; a full table returns ErrModuleCapacity and the caller
// skips detection for this window.
func (s *Store) AllocModule() (uint32, error) {
	if s.hdr.ModuleCount >= s.hdr.ModuleCap {
		return 0, ErrModuleCapacity
	}
	i := s.hdr.ModuleCount
	s.hdr.ModuleCount++
	return i, nil
}

// DeleteModule zeroes the module record in slot i. The slot is not
// reused; iteration skips records with id 0.
func (s *Store) DeleteModule(i uint32) {
	if i >= s.hdr.ModuleCount {
		return
	}
	clear(s.moduleAt(i))
}

// NextNodeID reports the next id CreateNode will assign.
func (s *Store) NextNodeID() uint64 { return s.hdr.NextNodeID }

// SetNextNodeID overrides the id counter. The kernel bootstrap uses
// this to pin its nodes into the protected id range.
func (s *Store) SetNextNodeID(id uint64) { s.hdr.NextNodeID = id }
