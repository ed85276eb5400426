package engine

import (
	"math"

	"melvin/internal/graph"
)

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

// softAbove and softBelow are smooth threshold tests with the system-wide
// steepness, used wherever a hard cutoff would cause oscillation.
func (e *Engine) softAbove(x, ref float64) float64 { return sigmoid(e.p.SigmoidK * (x - ref)) }
func (e *Engine) softBelow(x, ref float64) float64 { return sigmoid(e.p.SigmoidK * (ref - x)) }

// transfer computes a node's output from the soma accumulated this hop.
// Somas stay on the raw byte-weight scale; each operation divides by the
// activation scale as needed. depth bounds the eval chain.
func (e *Engine) transfer(i uint32, depth int) float64 {
	soma := e.soma[i]
	theta := e.theta[i]
	scale := e.p.ActivationScale

	switch e.flags[i].Op() {
	case graph.OpSigmoid:
		return sigmoid((soma - theta) / scale)

	case graph.OpSum:
		return graph.Clamp(soma/(scale*2), 0, 1)

	case graph.OpProduct:
		return sigmoid(soma * e.data[i])

	case graph.OpMax:
		if soma > theta {
			return 1
		}
		return 0

	case graph.OpMin:
		if soma < theta {
			return 1
		}
		return 0

	case graph.OpCompare:
		return sigmoid((soma - theta) * e.data[i])

	case graph.OpThreshold:
		if soma > theta {
			return e.data[i]
		}
		return 0

	case graph.OpRelu:
		if soma <= theta {
			return 0
		}
		return math.Min((soma-theta)/scale, 1)

	case graph.OpTanh:
		return (math.Tanh((soma-theta)/scale) + 1) / 2

	case graph.OpGate:
		return (math.Tanh(soma/scale)*sigmoid(e.data[i]) + 1) / 2

	case graph.OpModulate:
		return sigmoid(soma * e.aPrev[i] * e.data[i])

	case graph.OpMemory:
		return e.memoryTransfer(i, soma, theta, scale)

	case graph.OpSequence:
		sig := e.exts[i].SigHistory
		predicted := float64(sig&1)*0.3 + float64(sig>>1&1)*0.5 + float64(sig>>2&1)*0.2
		return sigmoid(soma * predicted)

	case graph.OpHash:
		h := uint32(int64(soma*1000)) * 2654435761
		return float64(h%256) / 255

	case graph.OpEval:
		if depth >= evalMaxDepth {
			return 0
		}
		target := uint32(int64(soma*10) % int64(e.n))
		if !e.live[target] {
			return 0
		}
		return e.transfer(target, depth+1)

	case graph.OpSplice:
		if soma > theta && e.rng.Float64() < 0.01 {
			op := graph.OpType(uint8(int64(soma*graph.NumOps)) % graph.NumOps)
			return e.queueSeed(seed{src: i, op: op, selfEdge: true})
		}
		return 0

	case graph.OpFork:
		if soma > theta && e.nodes[i].OutDeg < 5 {
			return e.queueSeed(seed{src: i, op: e.flags[i].Op()})
		}
		return 0

	case graph.OpJoin:
		// All inputs firing, or no inputs at all.
		if e.minIn[i] >= 0.5 || math.IsInf(e.minIn[i], 1) {
			return 1
		}
		return 0

	default:
		return sigmoid((soma - theta) / scale)
	}
}

// EvalNode runs one node's transfer function against an externally
// accumulated soma. Module execution evaluates members through it so
// collapsed subgraphs and the open graph share one set of operation
// semantics. Only valid between BeginTick and the end of the tick.
func (e *Engine) EvalNode(slot uint32, soma float64) float64 {
	if slot >= e.n || !e.live[slot] {
		return 0
	}
	e.soma[slot] = soma
	return graph.Clamp(e.transfer(slot, 0), 0, 1)
}

// memoryTransfer latches soma into the cell when it clears the threshold,
// otherwise replays the stored value while it decays. Kernel parameter
// stores do not latch or decay: input pressure only nudges them, so the
// engine's constants drift under self-regulation instead of snapping.
func (e *Engine) memoryTransfer(i uint32, soma, theta, scale float64) float64 {
	if e.flags[i].Has(graph.FlagProtected) {
		if soma > theta {
			e.memVal[i] *= 1 + paramNudge*math.Tanh(soma-theta)
			e.memAge[i] = 0
		} else {
			e.memAge[i]++
		}
		return graph.Clamp(e.memVal[i]/scale, 0, 1)
	}
	if soma > theta {
		e.memVal[i] = soma
		e.memAge[i] = 0
		return graph.Clamp(e.memVal[i]/scale, 0, 1)
	}
	v := graph.Clamp(e.memVal[i]/scale, 0, 1)
	e.memAge[i]++
	e.memVal[i] *= 0.99
	return v
}

// queueSeed defers a structural request from a splice or fork until the
// thought settles. A full queue drops the request and the op reads failed.
func (e *Engine) queueSeed(s seed) float64 {
	if len(e.pending) >= maxPendingSeeds {
		e.m.SeedsDropped++
		return 0
	}
	e.pending = append(e.pending, s)
	return 1
}
