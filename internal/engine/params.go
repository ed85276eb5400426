package engine

import (
	"melvin/internal/graph"
	"melvin/internal/storage"
)

// Parameter node slots, in kernel bootstrap order. The bootstrap creates
// these nodes first on a fresh store, so parameter i lives at slot i for
// the life of the file. Three of them (epsilon, energy, error) are sensors:
// the engine writes them and never reads them back.
const (
	pEtaFast = iota
	pEpsilon
	pLambdaE
	pEnergy
	pErrorSensor
	pBetaBlend
	pDeltaMax
	pSigmoidK
	pLambdaDecay
	pGammaSlow
	pAlphaFastDecay
	pAlphaSlowDecay
	pEnergyAlpha
	pEnergyDecay
	pEpsilonMin
	pEpsilonMax
	pActivationScale
	pPruneRate
	pCreateRate
	pTargetDensity
	pTargetActivity
	pTemporalDecay
	pSpatialK
	pLayerRate
	pAdaptRate
	pPruneWeightRef
	pStaleRef
	pTargetPredictionAcc

	ParamCount = 28
)

// ParamSpec describes one kernel parameter node: its memory value holds the
// raw parameter, clamped into [Min, Max] on every read-back so a runaway
// self-edit cannot wedge the engine.
type ParamSpec struct {
	Name    string
	Theta   float64
	Default float64
	Min     float64
	Max     float64
}

var paramTable = [ParamCount]ParamSpec{
	pEtaFast:             {"eta_fast", 1.0, 3.0, 0.1, 10},
	pEpsilon:             {"epsilon", 0.05, 0.2, 0, 1},
	pLambdaE:             {"lambda_e", 0, 0.9, 0.5, 0.999},
	pEnergy:              {"energy", 0, 0, 0, 10},
	pErrorSensor:         {"error", 0, 0, 0, 1},
	pBetaBlend:           {"beta_blend", 0, 0.7, 0, 1},
	pDeltaMax:            {"delta_max", 0, 4.0, 0.5, 16},
	pSigmoidK:            {"sigmoid_k", 0, 0.5, 0.1, 2.0},
	pLambdaDecay:         {"lambda_decay", 0, 0.99, 0.9, 0.9999},
	pGammaSlow:           {"gamma_slow", 0, 0.8, 0, 1},
	pAlphaFastDecay:      {"alpha_fast_decay", 0, 0.95, 0.5, 0.999},
	pAlphaSlowDecay:      {"alpha_slow_decay", 0, 0.999, 0.99, 0.99999},
	pEnergyAlpha:         {"energy_alpha", 0, 0.1, 0.01, 0.5},
	pEnergyDecay:         {"energy_decay", 0, 0.995, 0.95, 0.999},
	pEpsilonMin:          {"epsilon_min", 0, 0.05, 0.01, 0.2},
	pEpsilonMax:          {"epsilon_max", 0, 0.3, 0.2, 0.5},
	pActivationScale:     {"activation_scale", 0, 64, 16, 256},
	pPruneRate:           {"prune_rate", 0, 0.0005, 0.0001, 0.01},
	pCreateRate:          {"create_rate", 0, 0.01, 0.001, 0.1},
	pTargetDensity:       {"target_density", 0, 0.15, 0.01, 0.5},
	pTargetActivity:      {"target_activity", 0, 0.1, 0.01, 0.5},
	pTemporalDecay:       {"temporal_decay", 0, 0.1, 0.01, 0.5},
	pSpatialK:            {"spatial_k", 0, 0.5, 0.1, 2.0},
	pLayerRate:           {"layer_rate", 0, 0.001, 0.0001, 0.01},
	pAdaptRate:           {"adapt_rate", 0, 0.001, 0.0001, 0.01},
	pPruneWeightRef:      {"prune_weight_ref", 0, 2.0, 0.5, 32},
	pStaleRef:            {"stale_ref", 0, 200, 10, 2000},
	pTargetPredictionAcc: {"target_prediction_acc", 0, 0.85, 0.5, 0.99},
}

// ParamSpecs returns the parameter table in slot order. The kernel bootstrap
// walks it to build the protected parameter nodes.
func ParamSpecs() []ParamSpec {
	specs := make([]ParamSpec, ParamCount)
	copy(specs, paramTable[:])
	return specs
}

// Params holds every engine tunable. The first block mirrors the kernel
// parameter nodes and is re-read from the store each tick; the second block
// is engine-local adaptive state with no node behind it.
type Params struct {
	EtaFast             float64
	LambdaE             float64
	BetaBlend           float64
	DeltaMax            float64
	SigmoidK            float64
	LambdaDecay         float64
	GammaSlow           float64
	AlphaFastDecay      float64
	AlphaSlowDecay      float64
	EnergyAlpha         float64
	EnergyDecay         float64
	EpsilonMin          float64
	EpsilonMax          float64
	ActivationScale     float64
	PruneRate           float64
	CreateRate          float64
	TargetDensity       float64
	TargetActivity      float64
	TemporalDecay       float64
	SpatialK            float64
	LayerRate           float64
	AdaptRate           float64
	PruneWeightRef      float64
	StaleRef            float64
	TargetPredictionAcc float64

	MinThoughtHops     uint32
	MaxThoughtHops     float64
	TargetThoughtDepth uint32
	TargetSettleRatio  float64
	MaxHopGrowthRate   float64
	StabilityEps       float64
	ActivationEps      float64
	NodeStaleRef       float64
	CoFreqRef          float64
	DensityRef         float64
	LayerMinSize       uint32
	GlobalMutationRate float64

	// Adaptive state, published to the epsilon/energy sensor nodes.
	Epsilon float64
	Energy  float64
}

// DefaultParams returns the boot values the system starts from before the
// graph begins steering its own constants.
func DefaultParams() Params {
	p := Params{
		MinThoughtHops:     3,
		MaxThoughtHops:     10,
		TargetThoughtDepth: 5,
		TargetSettleRatio:  0.7,
		MaxHopGrowthRate:   0.1,
		StabilityEps:       0.005,
		ActivationEps:      0.01,
		NodeStaleRef:       1000,
		CoFreqRef:          10,
		DensityRef:         0.6,
		LayerMinSize:       10,
		GlobalMutationRate: 0.01,
	}
	for i, ptr := range p.mirror() {
		if ptr != nil {
			*ptr = paramTable[i].Default
		}
	}
	p.Epsilon = 0.5 * (p.EpsilonMin + p.EpsilonMax)
	p.Energy = 0
	return p
}

// mirror maps parameter slots to struct fields. Sensor slots map to nil.
func (p *Params) mirror() [ParamCount]*float64 {
	return [ParamCount]*float64{
		pEtaFast:             &p.EtaFast,
		pLambdaE:             &p.LambdaE,
		pBetaBlend:           &p.BetaBlend,
		pDeltaMax:            &p.DeltaMax,
		pSigmoidK:            &p.SigmoidK,
		pLambdaDecay:         &p.LambdaDecay,
		pGammaSlow:           &p.GammaSlow,
		pAlphaFastDecay:      &p.AlphaFastDecay,
		pAlphaSlowDecay:      &p.AlphaSlowDecay,
		pEnergyAlpha:         &p.EnergyAlpha,
		pEnergyDecay:         &p.EnergyDecay,
		pEpsilonMin:          &p.EpsilonMin,
		pEpsilonMax:          &p.EpsilonMax,
		pActivationScale:     &p.ActivationScale,
		pPruneRate:           &p.PruneRate,
		pCreateRate:          &p.CreateRate,
		pTargetDensity:       &p.TargetDensity,
		pTargetActivity:      &p.TargetActivity,
		pTemporalDecay:       &p.TemporalDecay,
		pSpatialK:            &p.SpatialK,
		pLayerRate:           &p.LayerRate,
		pAdaptRate:           &p.AdaptRate,
		pPruneWeightRef:      &p.PruneWeightRef,
		pStaleRef:            &p.StaleRef,
		pTargetPredictionAcc: &p.TargetPredictionAcc,
	}
}

func paramNodeLive(st *storage.Store, slot uint32) bool {
	return slot < st.NodeCount() && !st.Node(slot).Dead()
}

// Sync pulls the mirrored tunables back out of their parameter nodes. The
// nodes are ordinary memory nodes, so self-regulation edges and applied
// meta-operations retune the engine through them; the hard bounds keep any
// single edit survivable. Stores without a kernel keep the struct values.
func (p *Params) Sync(st *storage.Store) {
	for i, ptr := range p.mirror() {
		if ptr == nil || !paramNodeLive(st, uint32(i)) {
			continue
		}
		v := float64(st.MemoryValue(uint32(i)))
		*ptr = graph.Clamp(v, paramTable[i].Min, paramTable[i].Max)
	}
}

// push writes the mirrored tunables back into their parameter nodes after
// homeostatic adaptation, keeping the graph canonical.
func (p *Params) push(st *storage.Store) {
	for i, ptr := range p.mirror() {
		if ptr == nil || !paramNodeLive(st, uint32(i)) {
			continue
		}
		st.SetMemoryValue(uint32(i), float32(*ptr))
	}
}

// publishSensors exposes the derived state to the graph: the sensor nodes'
// memory holds the raw value and their activation the clamped view, so the
// self-regulation edges can propagate it.
func (p *Params) publishSensors(st *storage.Store, meanError float64) {
	writeSensor(st, pEpsilon, p.Epsilon)
	writeSensor(st, pEnergy, p.Energy)
	writeSensor(st, pErrorSensor, meanError)
}

func writeSensor(st *storage.Store, slot uint32, v float64) {
	if !paramNodeLive(st, slot) {
		return
	}
	st.SetMemoryValue(slot, float32(v))
	st.SetActivation(slot, graph.Clamp01(float32(v)))
}
