// Package inspect reads a brain file without running it: a structural
// summary for the CLI and full table exports for ad-hoc analysis.
package inspect

import (
	"fmt"
	"os"
	"sort"

	"github.com/dustin/go-humanize"

	"melvin/internal/graph"
	"melvin/internal/logging"
	"melvin/internal/storage"
)

// DefaultTopNodes is how many nodes Summarize ranks by activation when
// the caller does not say.
const DefaultTopNodes = 10

// Summary is the full structural report for one brain file.
type Summary struct {
	Path          string `json:"path"`
	FileSize      int64  `json:"file_size"`
	FileSizeHuman string `json:"file_size_human"`

	Header  HeaderSummary  `json:"header"`
	Nodes   NodeSummary    `json:"nodes"`
	Edges   EdgeSummary    `json:"edges"`
	Tier    TierSummary    `json:"tier"`
	Top     []NodeDetail   `json:"top_nodes"`
	Modules []ModuleDetail `json:"modules"`
}

// HeaderSummary mirrors the persisted header.
type HeaderSummary struct {
	Magic       string `json:"magic"`
	Version     uint32 `json:"version"`
	Tick        uint64 `json:"tick"`
	NodeCount   uint32 `json:"node_count"`
	NodeCap     uint32 `json:"node_cap"`
	EdgeCount   uint32 `json:"edge_count"`
	EdgeCap     uint32 `json:"edge_cap"`
	ModuleCount uint32 `json:"module_count"`
	ModuleCap   uint32 `json:"module_cap"`
	NextNodeID  uint64 `json:"next_node_id"`
	HotNodeCap  uint32 `json:"hot_node_cap"`
	ColdEnabled bool   `json:"cold_enabled"`
}

// NodeSummary aggregates the live node population.
type NodeSummary struct {
	Live      uint32            `json:"live"`
	Capacity  uint32            `json:"capacity"`
	Protected uint32            `json:"protected"`
	Meta      uint32            `json:"meta"`
	Output    uint32            `json:"output"`
	Proxy     uint32            `json:"proxy"`
	Ops       map[string]uint32 `json:"ops"`
	InDegree  DegreeSummary     `json:"in_degree"`
	OutDegree DegreeSummary     `json:"out_degree"`
}

// DegreeSummary is min/max/mean over live nodes.
type DegreeSummary struct {
	Min  uint32  `json:"min"`
	Max  uint32  `json:"max"`
	Mean float64 `json:"mean"`
}

// EdgeSummary aggregates the live edge population.
type EdgeSummary struct {
	Live     uint32        `json:"live"`
	Capacity uint32        `json:"capacity"`
	WFast    WeightSummary `json:"w_fast"`
	WSlow    WeightSummary `json:"w_slow"`
}

// WeightSummary is min/max/mean over one weight track.
type WeightSummary struct {
	Min  uint8   `json:"min"`
	Max  uint8   `json:"max"`
	Mean float64 `json:"mean"`
}

// TierSummary reports the persisted working-set state.
type TierSummary struct {
	HotNodes uint32  `json:"hot_nodes"`
	HotCap   uint32  `json:"hot_cap"`
	HotHits  uint64  `json:"hot_hits"`
	ColdHits uint64  `json:"cold_hits"`
	HitRatio float64 `json:"hit_ratio"`
}

// NodeDetail is one row of the activation ranking.
type NodeDetail struct {
	Slot       uint32  `json:"slot"`
	ID         uint64  `json:"id"`
	Op         string  `json:"op"`
	Activation float32 `json:"activation"`
	Theta      float32 `json:"theta"`
	InDeg      uint16  `json:"in_deg"`
	OutDeg     uint16  `json:"out_deg"`
	LastTick   uint32  `json:"last_tick"`
	Protected  bool    `json:"protected,omitempty"`
	Meta       bool    `json:"meta,omitempty"`
	Output     bool    `json:"output,omitempty"`
	Proxy      bool    `json:"proxy,omitempty"`
}

// ModuleDetail is one row of the module table.
type ModuleDetail struct {
	Slot       uint32  `json:"slot"`
	ID         uint32  `json:"id"`
	Name       string  `json:"name"`
	Nodes      int     `json:"nodes"`
	Edges      int     `json:"edges"`
	Inputs     int     `json:"inputs"`
	Outputs    int     `json:"outputs"`
	Frequency  uint32  `json:"frequency"`
	UseCount   uint32  `json:"use_count"`
	Efficiency float32 `json:"efficiency"`
	Level      uint32  `json:"level"`
	Collapsed  bool    `json:"collapsed"`
	Proxy      uint32  `json:"proxy,omitempty"`
}

// Summarize opens the brain file read-only and builds the report. topN
// bounds the activation ranking; 0 means DefaultTopNodes.
func Summarize(path string, topN int) (*Summary, error) {
	if topN <= 0 {
		topN = DefaultTopNodes
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	st, err := storage.Open(path, storage.Options{ReadOnly: true, Logger: logging.Nop()})
	if err != nil {
		return nil, err
	}
	defer st.Close()

	sum := &Summary{
		Path:          path,
		FileSize:      fi.Size(),
		FileSizeHuman: humanize.IBytes(uint64(fi.Size())),
		Header: HeaderSummary{
			Magic:       fmt.Sprintf("%#x", storage.Magic),
			Version:     storage.Version,
			Tick:        st.Tick(),
			NodeCount:   st.NodeCount(),
			NodeCap:     st.NodeCap(),
			EdgeCount:   st.EdgeCount(),
			EdgeCap:     st.EdgeCap(),
			ModuleCount: st.ModuleCount(),
			ModuleCap:   st.ModuleCap(),
			NextNodeID:  st.NextNodeID(),
			HotNodeCap:  st.HotNodeCap(),
			ColdEnabled: st.ColdEnabled(),
		},
	}

	sum.Nodes = nodeSummary(st)
	sum.Edges = edgeSummary(st)
	sum.Tier = tierSummary(st)
	sum.Top = topNodes(st, topN)
	sum.Modules = moduleTable(st)
	return sum, nil
}

func nodeSummary(st *storage.Store) NodeSummary {
	ns := NodeSummary{
		Live:     st.LiveNodes(),
		Capacity: st.NodeCap(),
		Ops:      make(map[string]uint32),
	}

	var inSum, outSum uint64
	first := true
	for i := uint32(0); i < st.NodeCount(); i++ {
		n := st.Node(i)
		if n.Dead() {
			continue
		}
		f := st.Flags(i)
		ns.Ops[f.Op().String()]++
		if n.ID <= graph.ProtectedIDCutoff || f.Has(graph.FlagProtected) {
			ns.Protected++
		}
		if f.Has(graph.FlagMeta) {
			ns.Meta++
		}
		if f.Has(graph.FlagOutput) {
			ns.Output++
		}
		if f.Has(graph.FlagProxy) {
			ns.Proxy++
		}

		in, out := uint32(n.InDeg), uint32(n.OutDeg)
		inSum += uint64(in)
		outSum += uint64(out)
		if first {
			ns.InDegree.Min, ns.InDegree.Max = in, in
			ns.OutDegree.Min, ns.OutDegree.Max = out, out
			first = false
			continue
		}
		if in < ns.InDegree.Min {
			ns.InDegree.Min = in
		}
		if in > ns.InDegree.Max {
			ns.InDegree.Max = in
		}
		if out < ns.OutDegree.Min {
			ns.OutDegree.Min = out
		}
		if out > ns.OutDegree.Max {
			ns.OutDegree.Max = out
		}
	}
	if ns.Live > 0 {
		ns.InDegree.Mean = float64(inSum) / float64(ns.Live)
		ns.OutDegree.Mean = float64(outSum) / float64(ns.Live)
	}
	return ns
}

func edgeSummary(st *storage.Store) EdgeSummary {
	es := EdgeSummary{
		Live:     st.LiveEdges(),
		Capacity: st.EdgeCap(),
	}

	var fastSum, slowSum uint64
	first := true
	for i := uint32(0); i < st.EdgeCount(); i++ {
		e := st.Edge(i)
		if e.Dead() {
			continue
		}
		fastSum += uint64(e.WFast)
		slowSum += uint64(e.WSlow)
		if first {
			es.WFast.Min, es.WFast.Max = e.WFast, e.WFast
			es.WSlow.Min, es.WSlow.Max = e.WSlow, e.WSlow
			first = false
			continue
		}
		if e.WFast < es.WFast.Min {
			es.WFast.Min = e.WFast
		}
		if e.WFast > es.WFast.Max {
			es.WFast.Max = e.WFast
		}
		if e.WSlow < es.WSlow.Min {
			es.WSlow.Min = e.WSlow
		}
		if e.WSlow > es.WSlow.Max {
			es.WSlow.Max = e.WSlow
		}
	}
	if es.Live > 0 {
		es.WFast.Mean = float64(fastSum) / float64(es.Live)
		es.WSlow.Mean = float64(slowSum) / float64(es.Live)
	}
	return es
}

func tierSummary(st *storage.Store) TierSummary {
	ts := TierSummary{HotCap: st.HotNodeCap()}
	ts.HotHits, ts.ColdHits = st.HitCounters()
	if total := ts.HotHits + ts.ColdHits; total > 0 {
		ts.HitRatio = float64(ts.HotHits) / float64(total)
	}
	for i := uint32(0); i < st.NodeCount(); i++ {
		if st.Node(i).Dead() {
			continue
		}
		if st.Access(i).Hot {
			ts.HotNodes++
		}
	}
	return ts
}

func topNodes(st *storage.Store, topN int) []NodeDetail {
	details := make([]NodeDetail, 0, st.LiveNodes())
	for i := uint32(0); i < st.NodeCount(); i++ {
		n := st.Node(i)
		if n.Dead() {
			continue
		}
		f := st.Flags(i)
		details = append(details, NodeDetail{
			Slot:       i,
			ID:         n.ID,
			Op:         f.Op().String(),
			Activation: st.Activation(i),
			Theta:      st.Theta(i),
			InDeg:      n.InDeg,
			OutDeg:     n.OutDeg,
			LastTick:   n.LastTick,
			Protected:  n.ID <= graph.ProtectedIDCutoff || f.Has(graph.FlagProtected),
			Meta:       f.Has(graph.FlagMeta),
			Output:     f.Has(graph.FlagOutput),
			Proxy:      f.Has(graph.FlagProxy),
		})
	}
	sort.Slice(details, func(i, j int) bool {
		if details[i].Activation == details[j].Activation {
			return details[i].Slot < details[j].Slot
		}
		return details[i].Activation > details[j].Activation
	})
	if len(details) > topN {
		details = details[:topN]
	}
	return details
}

func moduleTable(st *storage.Store) []ModuleDetail {
	table := make([]ModuleDetail, 0, st.ModuleCount())
	for i := uint32(0); i < st.ModuleCount(); i++ {
		m := st.Module(i)
		if m.Dead() {
			continue
		}
		table = append(table, ModuleDetail{
			Slot:       i,
			ID:         m.ID,
			Name:       m.Name,
			Nodes:      len(m.Nodes),
			Edges:      len(m.Edges),
			Inputs:     len(m.Inputs),
			Outputs:    len(m.Outputs),
			Frequency:  m.Frequency,
			UseCount:   m.UseCount,
			Efficiency: m.Efficiency,
			Level:      m.Level,
			Collapsed:  m.Collapsed,
			Proxy:      m.Proxy,
		})
	}
	return table
}
