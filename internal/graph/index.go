package graph

// Index maps (src, dst) slot pairs to edge slots with open addressing and
// linear probing. Both key halves are biased by one so a real key can never
// be 0 (empty) or 1 (tombstone); slot 0 therefore stays a valid endpoint.
// Not safe for concurrent use; only the tick loop mutates topology.
type Index struct {
	keys  []uint64
	slots []uint32
	mask  uint64
	live  int
	dead  int
}

const (
	DefaultIndexSize = 16384

	knuthMul = 2654435761

	emptyKey uint64 = 0
	tombKey  uint64 = 1
)

// maxIndexLoad counts tombstones as occupancy so probe chains stay short.
const maxIndexLoad = 0.7

func NewIndex(size int) *Index {
	if size <= 0 {
		size = DefaultIndexSize
	}
	size = ceilPow2(size)
	return &Index{
		keys:  make([]uint64, size),
		slots: make([]uint32, size),
		mask:  uint64(size - 1),
	}
}

func pairKey(src, dst uint32) uint64 {
	return (uint64(src)+1)<<32 | (uint64(dst) + 1)
}

func (ix *Index) bucket(key uint64) uint64 {
	return (key * knuthMul) & ix.mask
}

// Insert records edge as the slot for (src, dst), replacing any previous
// entry for the same pair.
func (ix *Index) Insert(src, dst, edge uint32) {
	if float64(ix.live+ix.dead+1) > maxIndexLoad*float64(len(ix.keys)) {
		ix.grow()
	}
	key := pairKey(src, dst)
	i := ix.bucket(key)
	firstTomb := -1
	for {
		switch ix.keys[i] {
		case key:
			ix.slots[i] = edge
			return
		case emptyKey:
			if firstTomb >= 0 {
				i = uint64(firstTomb)
				ix.dead--
			}
			ix.keys[i] = key
			ix.slots[i] = edge
			ix.live++
			return
		case tombKey:
			if firstTomb < 0 {
				firstTomb = int(i)
			}
		}
		i = (i + 1) & ix.mask
	}
}

// Find returns the edge slot recorded for (src, dst).
func (ix *Index) Find(src, dst uint32) (uint32, bool) {
	key := pairKey(src, dst)
	i := ix.bucket(key)
	for {
		switch ix.keys[i] {
		case key:
			return ix.slots[i], true
		case emptyKey:
			return 0, false
		}
		i = (i + 1) & ix.mask
	}
}

// Remove drops the entry for (src, dst), leaving a tombstone so later
// probes keep walking past it.
func (ix *Index) Remove(src, dst uint32) bool {
	key := pairKey(src, dst)
	i := ix.bucket(key)
	for {
		switch ix.keys[i] {
		case key:
			ix.keys[i] = tombKey
			ix.live--
			ix.dead++
			return true
		case emptyKey:
			return false
		}
		i = (i + 1) & ix.mask
	}
}

// Len reports live entries.
func (ix *Index) Len() int { return ix.live }

// Cap reports table capacity.
func (ix *Index) Cap() int { return len(ix.keys) }

// Reset empties the table, shrinking or growing it to size. Used when the
// store rebuilds the index from live edges on restore.
func (ix *Index) Reset(size int) {
	if size <= 0 {
		size = DefaultIndexSize
	}
	size = ceilPow2(size)
	ix.keys = make([]uint64, size)
	ix.slots = make([]uint32, size)
	ix.mask = uint64(size - 1)
	ix.live = 0
	ix.dead = 0
}

// grow doubles the table and rehashes live entries, dropping tombstones.
func (ix *Index) grow() {
	oldKeys, oldSlots := ix.keys, ix.slots
	size := len(oldKeys) * 2
	ix.keys = make([]uint64, size)
	ix.slots = make([]uint32, size)
	ix.mask = uint64(size - 1)
	ix.live = 0
	ix.dead = 0
	for i, key := range oldKeys {
		if key == emptyKey || key == tombKey {
			continue
		}
		j := ix.bucket(key)
		for ix.keys[j] != emptyKey {
			j = (j + 1) & ix.mask
		}
		ix.keys[j] = key
		ix.slots[j] = oldSlots[i]
		ix.live++
	}
}

func ceilPow2(v int) int {
	p := 1
	for p < v {
		p <<= 1
	}
	return p
}
