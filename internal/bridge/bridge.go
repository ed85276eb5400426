// Package bridge moves bytes between the outside world and the graph.
// Input bytes land in an RX ring, get sliced into per-tick frames and
// scored by auto-learned byte detectors; after the thought settles an
// epsilon-greedy macro emits bytes back out, mirrored to a TX ring so
// the next frame can observe what the system just did.
package bridge

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"melvin/internal/logging"
	"melvin/internal/storage"
)

const (
	frameSize = 4096
	ringSize  = frameSize * 4

	// detectLearnWindow is how many frame bytes can seed new detectors
	// per tick; macroSeedMax caps the bootstrap macro length.
	detectLearnWindow = 20
	macroSeedMax      = 64

	// resendAfter is the dedup horizon: an emission identical to the
	// last one sent stays suppressed for this many ticks.
	resendAfter = 50

	readChunk = 1024
)

// Metrics counts bridge traffic since construction.
type Metrics struct {
	BytesIn    uint64
	BytesOut   uint64
	RXDropped  uint64
	Detectors  uint64
	Macros     uint64
	Emitted    uint64
	Suppressed uint64
}

// EmitParams carries the engine parameters action selection reads this
// tick. The bridge holds no parameter state of its own.
type EmitParams struct {
	Epsilon   float64
	GammaSlow float64
	AlphaFast float64
	AlphaSlow float64
	MeanError float64
}

// detector scores one byte pattern against each frame and drives a
// sensory node. id detects node slot recycling.
type detector struct {
	pattern []byte
	node    uint32
	id      uint64
}

// macro is a replayable output with two-timescale utility.
type macro struct {
	bytes    []byte
	uFast    float64
	uSlow    float64
	useCount uint32
	lastUsed uint64
}

// Options configures a Bridge.
type Options struct {
	// Out receives emissions; nil discards them.
	Out    io.Writer
	Rand   *rand.Rand
	Logger *slog.Logger
}

// Bridge owns the byte I/O state for one store. Feed is safe to call
// from a pump goroutine; everything else belongs to the tick loop.
type Bridge struct {
	st  *storage.Store
	rng *rand.Rand
	log *slog.Logger
	out io.Writer

	mu sync.Mutex
	rx *ring

	tx       *ring
	frame    []byte
	frameCap int
	lastOut  []byte

	detectors []detector
	byteMap   [256]uint32 // byte -> detector index+1

	macros       []macro
	lastSent     []byte
	lastSentTick uint64

	m Metrics
}

func New(st *storage.Store, opts Options) *Bridge {
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Bridge{
		st:       st,
		rng:      rng,
		log:      log,
		out:      opts.Out,
		rx:       newRing(ringSize),
		tx:       newRing(ringSize),
		frameCap: frameSize,
	}
}

// Metrics returns a copy of the traffic counters.
func (b *Bridge) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.m
}

// Feed appends input bytes to the RX ring and reports how many fit.
// Overflow is dropped and counted.
func (b *Bridge) Feed(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.rx.write(p)
	b.m.BytesIn += uint64(n)
	if n < len(p) {
		b.m.RXDropped += uint64(len(p) - n)
	}
	return n
}

// Pump copies r into the RX ring until r is exhausted or fails. It is
// meant to run on its own goroutine; Feed does the locking.
func (b *Bridge) Pump(r io.Reader) error {
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			b.Feed(buf[:n])
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("bridge pump: %w", err)
		}
	}
}

// SliceFrame takes up to the frame cap from RX as this tick's frame.
func (b *Bridge) SliceFrame() []byte {
	if cap(b.frame) < b.frameCap {
		b.frame = make([]byte, b.frameCap)
	}
	buf := b.frame[:b.frameCap]
	b.mu.Lock()
	n := b.rx.read(buf)
	b.mu.Unlock()
	b.frame = buf[:n]
	return b.frame
}

// MergeOutput appends the previous emission to the frame so the graph
// observes its own actions. The frame cap doubles as needed and stays
// grown.
func (b *Bridge) MergeOutput() []byte {
	if len(b.lastOut) == 0 {
		return b.frame
	}
	need := len(b.frame) + len(b.lastOut)
	for b.frameCap < need {
		b.frameCap *= 2
		b.log.Debug("frame grown", "cap", b.frameCap)
	}
	b.frame = append(b.frame, b.lastOut...)
	return b.frame
}

// RunDetectors learns a detector for each unseen byte in the frame's
// learn window, then scores every detector against the frame and writes
// the result through its sensory node: activation from match count,
// burst accumulation on fire, one signature history bit per tick.
func (b *Bridge) RunDetectors(tick uint64, frame []byte) error {
	limit := len(frame)
	if limit > detectLearnWindow {
		limit = detectLearnWindow
	}
	learned := 0
	for i := 0; i < limit; i++ {
		c := frame[i]
		if b.byteMap[c] != 0 {
			continue
		}
		slot, err := b.st.CreateNode()
		if err != nil {
			return fmt.Errorf("learn detector %#x: %w", c, err)
		}
		b.detectors = append(b.detectors, detector{
			pattern: []byte{c},
			node:    slot,
			id:      b.st.Node(slot).ID,
		})
		b.byteMap[c] = uint32(len(b.detectors))
		b.m.Detectors++
		learned++
	}
	if learned > 0 {
		b.log.Debug("detectors learned", "new", learned, "total", len(b.detectors))
	}

	for i := 0; i < len(b.detectors); i++ {
		d := &b.detectors[i]
		if d.node >= b.st.NodeCount() || b.st.Node(d.node).ID != d.id {
			b.dropDetector(i)
			i--
			continue
		}
		count := bytes.Count(frame, d.pattern)
		a := sigmoid(float64(count) - 0.5)

		n := b.st.Node(d.node)
		x := b.st.Ext(d.node)
		x.APrev = b.st.Activation(d.node)
		if a > 0.5 {
			n.LastTick = uint32(tick)
			x.Burst = x.Burst*0.9 + float32(a)
			x.SigHistory = x.SigHistory<<1 | 1
		} else {
			x.Burst *= 0.95
			x.SigHistory <<= 1
		}
		b.st.SetNode(d.node, n)
		b.st.SetExt(d.node, x)
		b.st.SetActivation(d.node, float32(a))
	}
	return nil
}

// dropDetector removes a detector whose node slot was pruned or
// recycled; the byte re-learns a fresh detector on its next appearance.
func (b *Bridge) dropDetector(i int) {
	dropped := b.detectors[i]
	b.detectors = append(b.detectors[:i], b.detectors[i+1:]...)
	if len(dropped.pattern) == 1 {
		b.byteMap[dropped.pattern[0]] = 0
	}
	for j := i; j < len(b.detectors); j++ {
		if p := b.detectors[j].pattern; len(p) == 1 {
			b.byteMap[p[0]] = uint32(j + 1)
		}
	}
}

// EmitAction picks a macro epsilon-greedily, updates its utility from
// the reward 1-mean_error, and sends its bytes unless the identical
// emission went out within the dedup horizon. The first macro is
// learned from the first nonempty frame. Returns whether bytes were
// actually sent.
func (b *Bridge) EmitAction(tick uint64, p EmitParams) (bool, error) {
	if len(b.macros) == 0 {
		if len(b.frame) == 0 {
			return false, nil
		}
		n := len(b.frame)
		if n > macroSeedMax {
			n = macroSeedMax
		}
		b.addMacro(b.frame[:n])
		b.log.Debug("learned first macro", "bytes", n)
	}

	idx := b.selectMacro(p)
	m := &b.macros[idx]

	// Utility updates even when the send is suppressed: the system
	// acted, the environment just did not need the repeat.
	reward := 1 - p.MeanError
	m.uFast = p.AlphaFast*m.uFast + (1-p.AlphaFast)*reward
	m.uSlow = p.AlphaSlow*m.uSlow + (1-p.AlphaSlow)*reward
	m.useCount++
	m.lastUsed = tick
	b.lastOut = append(b.lastOut[:0], m.bytes...)

	if bytes.Equal(m.bytes, b.lastSent) && tick-b.lastSentTick < resendAfter {
		b.m.Suppressed++
		return false, nil
	}
	if b.out != nil {
		if _, err := b.out.Write(m.bytes); err != nil {
			return false, fmt.Errorf("emit: %w", err)
		}
	}
	b.tx.write(m.bytes)
	b.lastSent = append(b.lastSent[:0], m.bytes...)
	b.lastSentTick = tick
	b.m.BytesOut += uint64(len(m.bytes))
	b.m.Emitted++
	return true, nil
}

func (b *Bridge) addMacro(p []byte) {
	b.macros = append(b.macros, macro{
		bytes: append([]byte(nil), p...),
		uFast: 0.5,
		uSlow: 0.5,
	})
	b.m.Macros++
}

func (b *Bridge) selectMacro(p EmitParams) int {
	if b.rng.Float64() < p.Epsilon {
		return b.rng.Intn(len(b.macros))
	}
	best := 0
	bestU := math.Inf(-1)
	for i := range b.macros {
		m := &b.macros[i]
		u := p.GammaSlow*m.uSlow + (1-p.GammaSlow)*m.uFast
		if u > bestU {
			best = i
			bestU = u
		}
	}
	return best
}

// DrainTX removes up to len(p) mirrored output bytes. Tick-loop side
// only.
func (b *Bridge) DrainTX(p []byte) int { return b.tx.read(p) }

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }
