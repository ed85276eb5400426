package engine

import (
	"math"
	"testing"

	"melvin/internal/storage"
)

// paramStore builds a store with the 28 kernel parameter nodes seeded the
// way the bootstrap seeds them: defaults in memory, spec theta on the node.
func paramStore(t *testing.T) *storage.Store {
	t.Helper()
	st := testStore(t)
	for i, spec := range ParamSpecs() {
		slot, err := st.CreateNode()
		if err != nil {
			t.Fatalf("create param node %d: %v", i, err)
		}
		if slot != uint32(i) {
			t.Fatalf("param node %d landed at slot %d", i, slot)
		}
		st.SetTheta(slot, float32(spec.Theta))
		st.SetMemoryValue(slot, float32(spec.Default))
	}
	return st
}

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	if p.EtaFast != 3.0 {
		t.Fatalf("EtaFast = %v, want 3", p.EtaFast)
	}
	if p.ActivationScale != 64 {
		t.Fatalf("ActivationScale = %v, want 64", p.ActivationScale)
	}
	if p.EnergyDecay != 0.995 {
		t.Fatalf("EnergyDecay = %v, want 0.995", p.EnergyDecay)
	}
	if math.Abs(p.Epsilon-0.175) > 1e-12 {
		t.Fatalf("Epsilon = %v, want 0.175", p.Epsilon)
	}
	if p.Energy != 0 {
		t.Fatalf("Energy = %v, want 0", p.Energy)
	}
	if p.MinThoughtHops != 3 || p.MaxThoughtHops != 10 {
		t.Fatalf("hop bounds = %d..%v, want 3..10", p.MinThoughtHops, p.MaxThoughtHops)
	}
}

func TestParamSpecsTable(t *testing.T) {
	specs := ParamSpecs()
	if len(specs) != ParamCount {
		t.Fatalf("len = %d, want %d", len(specs), ParamCount)
	}
	if specs[pEtaFast].Name != "eta_fast" || specs[pEtaFast].Theta != 1.0 {
		t.Fatalf("slot 0 = %+v, want eta_fast theta 1", specs[pEtaFast])
	}
	if specs[pTargetPredictionAcc].Name != "target_prediction_acc" {
		t.Fatalf("last slot = %q", specs[pTargetPredictionAcc].Name)
	}
	seen := make(map[string]bool, len(specs))
	for i, s := range specs {
		if s.Name == "" {
			t.Fatalf("slot %d has no name", i)
		}
		if seen[s.Name] {
			t.Fatalf("duplicate name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Min > s.Max {
			t.Fatalf("%s bounds inverted: %v > %v", s.Name, s.Min, s.Max)
		}
		if s.Default < s.Min || s.Default > s.Max {
			t.Fatalf("%s default %v outside [%v, %v]", s.Name, s.Default, s.Min, s.Max)
		}
	}

	// Callers get a copy, not the table.
	specs[pEtaFast].Default = 999
	if ParamSpecs()[pEtaFast].Default != 3.0 {
		t.Fatal("ParamSpecs leaked the backing table")
	}
}

func TestSyncReadsParamNodes(t *testing.T) {
	st := paramStore(t)
	p := DefaultParams()

	st.SetMemoryValue(pEtaFast, 7.5)
	p.Sync(st)
	if p.EtaFast != 7.5 {
		t.Fatalf("EtaFast = %v, want 7.5", p.EtaFast)
	}
	if math.Abs(p.GammaSlow-0.8) > 1e-6 {
		t.Fatalf("GammaSlow = %v, want default 0.8", p.GammaSlow)
	}
}

func TestSyncClampsRunawayValues(t *testing.T) {
	st := paramStore(t)
	p := DefaultParams()

	st.SetMemoryValue(pEtaFast, 12345)
	st.SetMemoryValue(pActivationScale, -7)
	p.Sync(st)
	if p.EtaFast != 10 {
		t.Fatalf("EtaFast = %v, want clamped to 10", p.EtaFast)
	}
	if p.ActivationScale != 16 {
		t.Fatalf("ActivationScale = %v, want clamped to 16", p.ActivationScale)
	}
}

func TestSyncIgnoresSensorSlots(t *testing.T) {
	st := paramStore(t)
	p := DefaultParams()

	st.SetMemoryValue(pEpsilon, 0.9)
	st.SetMemoryValue(pEnergy, 5)
	p.Sync(st)
	if math.Abs(p.Epsilon-0.175) > 1e-12 {
		t.Fatalf("Epsilon = %v, sensors must not sync back", p.Epsilon)
	}
	if p.Energy != 0 {
		t.Fatalf("Energy = %v, sensors must not sync back", p.Energy)
	}
}

func TestSyncWithoutKernelKeepsDefaults(t *testing.T) {
	st := testStore(t)
	p := DefaultParams()
	p.Sync(st)
	if p.EtaFast != 3.0 || p.ActivationScale != 64 {
		t.Fatalf("empty store changed params: eta %v scale %v", p.EtaFast, p.ActivationScale)
	}
}

func TestPushRoundTrips(t *testing.T) {
	st := paramStore(t)
	p := DefaultParams()
	p.PruneRate = 0.0042
	p.push(st)

	q := DefaultParams()
	q.Sync(st)
	if math.Abs(q.PruneRate-0.0042) > 1e-6 {
		t.Fatalf("PruneRate = %v, want 0.0042", q.PruneRate)
	}
}

func TestPublishSensors(t *testing.T) {
	st := paramStore(t)
	p := DefaultParams()
	p.Epsilon = 0.33
	p.Energy = 2.5
	p.publishSensors(st, 0.8)

	if v := st.MemoryValue(pEpsilon); math.Abs(float64(v)-0.33) > 1e-6 {
		t.Fatalf("epsilon memory = %v, want 0.33", v)
	}
	if v := st.Activation(pEpsilon); math.Abs(float64(v)-0.33) > 1e-6 {
		t.Fatalf("epsilon activation = %v, want 0.33", v)
	}
	if v := st.MemoryValue(pEnergy); v != 2.5 {
		t.Fatalf("energy memory = %v, want raw 2.5", v)
	}
	if v := st.Activation(pEnergy); v != 1 {
		t.Fatalf("energy activation = %v, want clamped 1", v)
	}
	if v := st.Activation(pErrorSensor); math.Abs(float64(v)-0.8) > 1e-6 {
		t.Fatalf("error activation = %v, want 0.8", v)
	}
}
