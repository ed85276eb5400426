package storage

import (
	"encoding/binary"

	"melvin/internal/graph"
)

const (
	// Magic identifies a brain file. A mismatch restores nothing: the file
	// is reinitialized as a fresh store.
	Magic = 0xBEEF2024

	// Version is the layout version written into fresh headers.
	Version = 1

	HeaderSize = 96
)

// Header is the single source of truth for capacities. Every derived array
// offset is recomputed from it after any remap.
type Header struct {
	Magic         uint32
	Version       uint32
	NodeCount     uint32
	NodeCap       uint32
	EdgeCount     uint32
	EdgeCap       uint32
	ModuleCount   uint32
	ModuleCap     uint32
	NextNodeID    uint64
	Tick          uint64
	HotNodeCap    uint32
	ColdEnabled   uint32
	TotalHotHits  uint64
	TotalColdHits uint64
}

func encodeHeader(dst []byte, h Header) {
	binary.LittleEndian.PutUint32(dst[0:], h.Magic)
	binary.LittleEndian.PutUint32(dst[4:], h.Version)
	binary.LittleEndian.PutUint32(dst[8:], h.NodeCount)
	binary.LittleEndian.PutUint32(dst[12:], h.NodeCap)
	binary.LittleEndian.PutUint32(dst[16:], h.EdgeCount)
	binary.LittleEndian.PutUint32(dst[20:], h.EdgeCap)
	binary.LittleEndian.PutUint32(dst[24:], h.ModuleCount)
	binary.LittleEndian.PutUint32(dst[28:], h.ModuleCap)
	binary.LittleEndian.PutUint64(dst[32:], h.NextNodeID)
	binary.LittleEndian.PutUint64(dst[40:], h.Tick)
	binary.LittleEndian.PutUint32(dst[48:], h.HotNodeCap)
	binary.LittleEndian.PutUint32(dst[52:], h.ColdEnabled)
	binary.LittleEndian.PutUint64(dst[56:], h.TotalHotHits)
	binary.LittleEndian.PutUint64(dst[64:], h.TotalColdHits)
	for i := 72; i < HeaderSize; i++ {
		dst[i] = 0
	}
}

func decodeHeader(src []byte) Header {
	return Header{
		Magic:         binary.LittleEndian.Uint32(src[0:]),
		Version:       binary.LittleEndian.Uint32(src[4:]),
		NodeCount:     binary.LittleEndian.Uint32(src[8:]),
		NodeCap:       binary.LittleEndian.Uint32(src[12:]),
		EdgeCount:     binary.LittleEndian.Uint32(src[16:]),
		EdgeCap:       binary.LittleEndian.Uint32(src[20:]),
		ModuleCount:   binary.LittleEndian.Uint32(src[24:]),
		ModuleCap:     binary.LittleEndian.Uint32(src[28:]),
		NextNodeID:    binary.LittleEndian.Uint64(src[32:]),
		Tick:          binary.LittleEndian.Uint64(src[40:]),
		HotNodeCap:    binary.LittleEndian.Uint32(src[48:]),
		ColdEnabled:   binary.LittleEndian.Uint32(src[52:]),
		TotalHotHits:  binary.LittleEndian.Uint64(src[56:]),
		TotalColdHits: binary.LittleEndian.Uint64(src[64:]),
	}
}

// layout holds the byte offset of every array in the mapped file. Offsets
// are derived from header capacities alone, never cached across a remap.
type layout struct {
	nodes    int64
	edges    int64
	modules  int64
	theta    int64
	memValue int64
	memAge   int64
	flags    int64
	ext      int64
	access   int64
	size     int64
}

func computeLayout(nodeCap, edgeCap, moduleCap uint32) layout {
	var l layout
	off := int64(HeaderSize)
	l.nodes = off
	off += int64(nodeCap) * graph.NodeSize
	l.edges = off
	off += int64(edgeCap) * graph.EdgeSize
	l.modules = off
	off += int64(moduleCap) * graph.ModuleSize
	l.theta = off
	off += int64(nodeCap) * 4
	l.memValue = off
	off += int64(nodeCap) * 4
	l.memAge = off
	off += int64(nodeCap) * 4
	l.flags = off
	off += int64(nodeCap) * 4
	l.ext = off
	off += int64(nodeCap) * graph.ExtSize
	l.access = off
	off += int64(nodeCap) * graph.AccessSize
	l.size = off
	return l
}
