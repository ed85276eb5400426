// Package tier tracks the graph's working set. Nodes are hot or cold;
// hotness biases prefetch and eviction, never correctness: a cold node
// is always readable and evaluates identically.
//
// All tier state lives in heap slices guarded by one mutex, so the
// prefetch worker never touches the mapped file, which the tick
// goroutine may remap during growth. The store's access records are a
// snapshot of this state written back on Migrate and Close.
package tier

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"melvin/internal/graph"
	"melvin/internal/logging"
	"melvin/internal/storage"
)

const (
	DefaultQueueSize     = 256
	DefaultNeighborLimit = 4

	// PromoteThreshold is the access count that lifts a cold node
	// during a migrate scan.
	PromoteThreshold = 3

	// MinHotCap is the floor for the adaptive hot-set capacity.
	MinHotCap = 64

	highMissRate = 0.2
	lowMissRate  = 0.01
)

type Options struct {
	QueueSize     int
	NeighborLimit int
	Logger        *slog.Logger
}

func (o Options) normalize() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.NeighborLimit <= 0 {
		o.NeighborLimit = DefaultNeighborLimit
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	return o
}

// Stats is a point-in-time view of tier state for telemetry.
type Stats struct {
	HotCount   uint32
	HotCap     uint32
	WindowHot  uint64
	WindowCold uint64
	Dropped    uint64
}

// Manager owns the hot/cold working set and the async prefetch worker.
type Manager struct {
	st  *storage.Store
	log *slog.Logger

	mu         sync.Mutex
	hot        []bool
	protected  []bool
	counts     []uint16
	lastAccess []uint32
	hotCount   uint32
	hotCap     uint32
	now        uint32
	lastScan   uint32
	winHot     uint64
	winCold    uint64

	dropped atomic.Uint64

	neighborLimit int
	queue         chan uint32
	wg            sync.WaitGroup
}

// New loads tier state from the store's access records and starts the
// prefetch worker.
func New(st *storage.Store, opts Options) *Manager {
	opts = opts.normalize()
	m := &Manager{
		st:            st,
		log:           opts.Logger,
		hotCap:        st.HotNodeCap(),
		neighborLimit: opts.NeighborLimit,
		queue:         make(chan uint32, opts.QueueSize),
	}
	if m.hotCap < MinHotCap {
		m.hotCap = MinHotCap
	}

	n := st.NodeCount()
	m.ensureLocked(n)
	for i := uint32(0); i < n; i++ {
		if st.Node(i).Dead() {
			continue
		}
		a := st.Access(i)
		m.hot[i] = a.Hot
		m.counts[i] = a.Count
		m.lastAccess[i] = a.LastTick
		m.protected[i] = st.Flags(i).Has(graph.FlagProtected)
		if a.Hot {
			m.hotCount++
		}
	}
	m.now = uint32(st.Tick())
	m.lastScan = m.now

	m.wg.Add(1)
	go m.worker()
	return m
}

// TrackAccess records a touch of slot at tick. A cold touch promotes
// synchronously, counts a cold hit, and queues the node's outgoing
// neighbors for async promotion; a hot touch just counts.
func (m *Manager) TrackAccess(slot, tick uint32) {
	m.mu.Lock()
	m.ensureLocked(slot + 1)
	m.now = tick
	if m.counts[slot] < ^uint16(0) {
		m.counts[slot]++
	}
	m.lastAccess[slot] = tick
	if m.hot[slot] {
		m.winHot++
		m.st.AddHotHits(1)
		m.mu.Unlock()
		return
	}
	m.winCold++
	m.st.AddColdHits(1)
	m.promoteLocked(slot, tick)
	m.mu.Unlock()

	for _, nb := range m.outNeighbors(slot) {
		m.EnqueuePrefetch(nb)
	}
}

// outNeighbors scans the edge array for up to neighborLimit live
// destinations of slot. Only the tick goroutine calls this; the worker
// must never read the mapping.
func (m *Manager) outNeighbors(slot uint32) []uint32 {
	var out []uint32
	edgeCount := m.st.EdgeCount()
	nodeCount := m.st.NodeCount()
	for j := uint32(0); j < edgeCount && len(out) < m.neighborLimit; j++ {
		e := m.st.Edge(j)
		if e.Dead() || e.Src != slot {
			continue
		}
		if e.Dst >= nodeCount || m.st.Node(e.Dst).Dead() {
			continue
		}
		out = append(out, e.Dst)
	}
	return out
}

// EnqueuePrefetch hands slot to the worker for promotion. Returns false
// and drops the request when the queue is full; prefetch is best-effort.
func (m *Manager) EnqueuePrefetch(slot uint32) bool {
	select {
	case m.queue <- slot:
		return true
	default:
		m.dropped.Add(1)
		return false
	}
}

// Promote lifts slot into the hot set, evicting the least recently used
// unprotected hot node when the set is full.
func (m *Manager) Promote(slot, tick uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLocked(slot + 1)
	m.promoteLocked(slot, tick)
}

// Evict drops slot from the hot set. Protected nodes stay hot.
func (m *Manager) Evict(slot uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(slot) >= len(m.hot) || !m.hot[slot] || m.protected[slot] {
		return
	}
	m.hot[slot] = false
	m.hotCount--
}

// Hot reports whether slot is currently in the hot set.
func (m *Manager) Hot(slot uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(slot) < len(m.hot) && m.hot[slot]
}

// MarkProtected pins slot against eviction. The kernel bootstrap calls
// this for its nodes; Migrate also refreshes protection from the store.
func (m *Manager) MarkProtected(slot uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLocked(slot + 1)
	m.protected[slot] = true
}

func (m *Manager) promoteLocked(slot, tick uint32) {
	if m.hot[slot] {
		return
	}
	if m.hotCount >= m.hotCap {
		m.evictLRULocked()
	}
	m.hot[slot] = true
	m.lastAccess[slot] = tick
	m.hotCount++
}

// evictLRULocked clears the least recently touched unprotected hot
// node. When everything hot is protected the set is allowed to exceed
// its capacity.
func (m *Manager) evictLRULocked() {
	victim := -1
	var oldest uint32
	for i := range m.hot {
		if !m.hot[i] || m.protected[i] {
			continue
		}
		if victim < 0 || m.lastAccess[i] < oldest {
			victim = i
			oldest = m.lastAccess[i]
		}
	}
	if victim >= 0 {
		m.hot[victim] = false
		m.hotCount--
	}
}

// Migrate runs the periodic tier scan: refresh liveness and protection
// from the store, promote counted-up cold nodes, evict hot nodes
// untouched since the previous scan, halve every counter, write the
// access records back, and adapt the hot capacity from the observed
// miss rate. Only the tick goroutine calls Migrate.
func (m *Manager) Migrate(tick uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = tick

	nodeCount := m.st.NodeCount()
	m.ensureLocked(nodeCount)

	for i := uint32(0); i < nodeCount; i++ {
		if m.st.Node(i).Dead() {
			if m.hot[i] {
				m.hot[i] = false
				m.hotCount--
			}
			m.protected[i] = false
			m.counts[i] = 0
			continue
		}
		m.protected[i] = m.st.Flags(i).Has(graph.FlagProtected)

		if !m.hot[i] && m.counts[i] >= PromoteThreshold {
			m.promoteLocked(i, tick)
		}
		if m.hot[i] && !m.protected[i] && m.lastAccess[i] <= m.lastScan {
			m.hot[i] = false
			m.hotCount--
		}
		m.counts[i] /= 2
		m.st.SetAccess(i, graph.Access{
			LastTick: m.lastAccess[i],
			Count:    m.counts[i],
			Hot:      m.hot[i],
		})
	}

	if total := m.winHot + m.winCold; total > 0 {
		miss := float64(m.winCold) / float64(total)
		next := m.hotCap
		switch {
		case miss > highMissRate:
			next = next + next/4
		case miss < lowMissRate:
			next = next - next/10
		}
		next = graph.Clamp(next, MinHotCap, m.st.NodeCap())
		if next != m.hotCap {
			m.log.Debug("hot capacity adapted",
				"from", m.hotCap,
				"to", next,
				"miss_rate", miss,
			)
			m.hotCap = next
			m.st.SetHotNodeCap(next)
		}
	}
	m.winHot, m.winCold = 0, 0
	m.lastScan = tick
}

// Snapshot returns tier counters for telemetry.
func (m *Manager) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		HotCount:   m.hotCount,
		HotCap:     m.hotCap,
		WindowHot:  m.winHot,
		WindowCold: m.winCold,
		Dropped:    m.dropped.Load(),
	}
}

// Close stops the prefetch worker, drains in-flight promotions, and
// writes the final access snapshot back to the store.
func (m *Manager) Close() {
	close(m.queue)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	nodeCount := m.st.NodeCount()
	m.ensureLocked(nodeCount)
	for i := uint32(0); i < nodeCount; i++ {
		if m.st.Node(i).Dead() {
			continue
		}
		m.st.SetAccess(i, graph.Access{
			LastTick: m.lastAccess[i],
			Count:    m.counts[i],
			Hot:      m.hot[i],
		})
	}
	m.st.SetHotNodeCap(m.hotCap)
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for slot := range m.queue {
		m.mu.Lock()
		m.ensureLocked(slot + 1)
		m.promoteLocked(slot, m.now)
		m.mu.Unlock()
	}
}

func (m *Manager) ensureLocked(n uint32) {
	need := int(n)
	if need <= len(m.hot) {
		return
	}
	grow := need - len(m.hot)
	m.hot = append(m.hot, make([]bool, grow)...)
	m.protected = append(m.protected, make([]bool, grow)...)
	m.counts = append(m.counts, make([]uint16, grow)...)
	m.lastAccess = append(m.lastAccess, make([]uint32, grow)...)
}
