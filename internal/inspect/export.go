package inspect

import (
	"encoding/json"
	"io"

	"melvin/internal/graph"
	"melvin/internal/logging"
	"melvin/internal/storage"
)

// Tables is the flat record dump shared by the JSON and SQLite exports.
type Tables struct {
	Nodes   []NodeRow   `json:"nodes"`
	Edges   []EdgeRow   `json:"edges"`
	Modules []ModuleRow `json:"modules"`
	Meta    []MetaRow   `json:"meta"`
}

// NodeRow is one live node with its auxiliary arrays joined in.
type NodeRow struct {
	Slot        uint32  `json:"slot"`
	ID          uint64  `json:"id"`
	Op          string  `json:"op"`
	Flags       uint32  `json:"flags"`
	LastTick    uint32  `json:"last_tick"`
	InDeg       uint16  `json:"in_deg"`
	OutDeg      uint16  `json:"out_deg"`
	Activation  float32 `json:"activation"`
	Theta       float32 `json:"theta"`
	MemoryValue float32 `json:"memory_value"`
	MemoryAge   uint32  `json:"memory_age"`
	Energy      float32 `json:"energy"`
	Hot         bool    `json:"hot"`
}

// EdgeRow is one live edge.
type EdgeRow struct {
	Slot  uint32 `json:"slot"`
	Src   uint32 `json:"src"`
	Dst   uint32 `json:"dst"`
	WFast uint8  `json:"w_fast"`
	WSlow uint8  `json:"w_slow"`
}

// ModuleRow is one live module record.
type ModuleRow struct {
	Slot       uint32 `json:"slot"`
	ID         uint32 `json:"id"`
	Name       string `json:"name"`
	Signature  uint64 `json:"signature"`
	Nodes      int    `json:"nodes"`
	Edges      int    `json:"edges"`
	Inputs     int    `json:"inputs"`
	Outputs    int    `json:"outputs"`
	Frequency  uint32 `json:"frequency"`
	UseCount   uint32 `json:"use_count"`
	Level      uint32 `json:"level"`
	Collapsed  bool   `json:"collapsed"`
	Proxy      uint32 `json:"proxy"`
	Efficiency float32 `json:"efficiency"`
}

// MetaRow is one meta-flagged node with its staged operation.
type MetaRow struct {
	Slot        uint32 `json:"slot"`
	ID          uint64 `json:"id"`
	MetaOp      string `json:"meta_op"`
	CreatedTick uint32 `json:"created_tick"`
	Executions  uint32 `json:"executions"`
}

func collectTables(st *storage.Store) Tables {
	t := Tables{
		Nodes:   make([]NodeRow, 0, st.LiveNodes()),
		Edges:   make([]EdgeRow, 0, st.LiveEdges()),
		Modules: make([]ModuleRow, 0, st.ModuleCount()),
		Meta:    []MetaRow{},
	}

	for i := uint32(0); i < st.NodeCount(); i++ {
		n := st.Node(i)
		if n.Dead() {
			continue
		}
		f := st.Flags(i)
		ext := st.Ext(i)
		t.Nodes = append(t.Nodes, NodeRow{
			Slot:        i,
			ID:          n.ID,
			Op:          f.Op().String(),
			Flags:       uint32(f),
			LastTick:    n.LastTick,
			InDeg:       n.InDeg,
			OutDeg:      n.OutDeg,
			Activation:  st.Activation(i),
			Theta:       st.Theta(i),
			MemoryValue: st.MemoryValue(i),
			MemoryAge:   st.MemoryAge(i),
			Energy:      ext.Energy,
			Hot:         st.Access(i).Hot,
		})
		if f.Has(graph.FlagMeta) {
			t.Meta = append(t.Meta, MetaRow{
				Slot:        i,
				ID:          n.ID,
				MetaOp:      ext.MetaOp.String(),
				CreatedTick: ext.CreatedTick,
				Executions:  ext.Executions,
			})
		}
	}

	for i := uint32(0); i < st.EdgeCount(); i++ {
		e := st.Edge(i)
		if e.Dead() {
			continue
		}
		t.Edges = append(t.Edges, EdgeRow{Slot: i, Src: e.Src, Dst: e.Dst, WFast: e.WFast, WSlow: e.WSlow})
	}

	for i := uint32(0); i < st.ModuleCount(); i++ {
		m := st.Module(i)
		if m.Dead() {
			continue
		}
		t.Modules = append(t.Modules, ModuleRow{
			Slot:       i,
			ID:         m.ID,
			Name:       m.Name,
			Signature:  m.Signature,
			Nodes:      len(m.Nodes),
			Edges:      len(m.Edges),
			Inputs:     len(m.Inputs),
			Outputs:    len(m.Outputs),
			Frequency:  m.Frequency,
			UseCount:   m.UseCount,
			Level:      m.Level,
			Collapsed:  m.Collapsed,
			Proxy:      m.Proxy,
			Efficiency: m.Efficiency,
		})
	}
	return t
}

// ExportJSON opens the brain file read-only and streams every live
// record to w as one JSON document.
func ExportJSON(path string, w io.Writer) error {
	st, err := storage.Open(path, storage.Options{ReadOnly: true, Logger: logging.Nop()})
	if err != nil {
		return err
	}
	defer st.Close()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(collectTables(st))
}
