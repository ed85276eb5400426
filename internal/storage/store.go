// Package storage owns the single memory-mapped brain file: the header,
// the node/edge/module arrays, the auxiliary per-node arrays, the free
// lists, and the adjacency index kept coherent with them. Raw mapped bytes
// never leave this package; everything else addresses records by slot
// index, which stays valid across growth.
package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"melvin/internal/graph"
	"melvin/internal/logging"
)

const (
	DefaultNodeCap   = 256
	DefaultEdgeCap   = 1024
	DefaultModuleCap = 64
)

var (
	// ErrModuleCapacity is returned when the fixed module array is full.
	ErrModuleCapacity = errors.New("module capacity exhausted")

	errShortFile = errors.New("backing file shorter than its header claims")
)

type Options struct {
	NodeCap   uint32
	EdgeCap   uint32
	ModuleCap uint32
	HotCap    uint32

	// ReadOnly maps the file PROT_READ for inspection. Open fails when
	// the file is missing or unrecognizable instead of reinitializing,
	// and Sync becomes a no-op. Callers must not mutate.
	ReadOnly bool

	Logger *slog.Logger
}

func (o Options) normalize() Options {
	if o.NodeCap == 0 {
		o.NodeCap = DefaultNodeCap
	}
	if o.EdgeCap == 0 {
		o.EdgeCap = DefaultEdgeCap
	}
	if o.ModuleCap == 0 {
		o.ModuleCap = DefaultModuleCap
	}
	if o.HotCap == 0 {
		o.HotCap = o.NodeCap / 4
	}
	if o.HotCap < 64 {
		o.HotCap = 64
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	return o
}

type Store struct {
	path string
	file *os.File
	data []byte

	hdr Header
	lay layout

	idx       *graph.Index
	freeNodes []uint32
	freeEdges []uint32

	restored bool
	readOnly bool
	log      *slog.Logger
}

// Open maps the brain file at path, creating it when absent. An existing
// file with a valid header magic is restored: counts, tick, capacities and
// tiering counters come from the header, the free lists are rebuilt from
// dead records, and the adjacency index is rebuilt from live edges. A file
// whose magic does not validate is treated as fresh (availability over
// strict corruption detection).
func Open(path string, opts Options) (*Store, error) {
	opts = opts.normalize()
	if opts.ReadOnly {
		return openReadOnly(path, opts)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open brain file: %w", err)
	}

	s := &Store{path: path, file: f, log: opts.Logger, idx: graph.NewIndex(0)}

	hdr, ok, err := readExistingHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if ok {
		if err := s.restore(hdr); err != nil {
			if errors.Is(err, errShortFile) {
				s.log.Warn("brain file truncated, reinitializing", "path", path, "error", err)
			} else {
				f.Close()
				return nil, err
			}
		} else {
			s.log.Info("brain restored",
				"path", path,
				"tick", s.hdr.Tick,
				"nodes", s.hdr.NodeCount,
				"edges", s.hdr.EdgeCount,
				"modules", s.hdr.ModuleCount,
			)
			return s, nil
		}
	} else if hdr.Magic != 0 {
		s.log.Warn("unrecognized header, starting fresh",
			"path", path,
			"magic", fmt.Sprintf("%#x", hdr.Magic),
			"version", hdr.Version,
		)
	}

	if err := s.initFresh(opts); err != nil {
		f.Close()
		return nil, err
	}
	s.log.Info("brain created",
		"path", path,
		"node_cap", s.hdr.NodeCap,
		"edge_cap", s.hdr.EdgeCap,
	)
	return s, nil
}

func openReadOnly(path string, opts Options) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open brain file: %w", err)
	}

	s := &Store{path: path, file: f, log: opts.Logger, idx: graph.NewIndex(0), readOnly: true}

	hdr, ok, err := readExistingHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if !ok {
		f.Close()
		return nil, fmt.Errorf("%s: not a brain file", path)
	}
	if err := s.restore(hdr); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// readExistingHeader reads the header without mapping. ok is true when the
// file holds a recognizable store.
func readExistingHeader(f *os.File) (Header, bool, error) {
	fi, err := f.Stat()
	if err != nil {
		return Header{}, false, fmt.Errorf("stat brain file: %w", err)
	}
	if fi.Size() < HeaderSize {
		return Header{}, false, nil
	}
	buf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return Header{}, false, fmt.Errorf("read header: %w", err)
	}
	hdr := decodeHeader(buf)
	if hdr.Magic != Magic || hdr.Version != Version {
		return hdr, false, nil
	}
	return hdr, true, nil
}

func (s *Store) restore(hdr Header) error {
	lay := computeLayout(hdr.NodeCap, hdr.EdgeCap, hdr.ModuleCap)
	fi, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat brain file: %w", err)
	}
	if fi.Size() < lay.size {
		return fmt.Errorf("%w: have %d, need %d", errShortFile, fi.Size(), lay.size)
	}
	if err := s.mapFile(lay.size); err != nil {
		return err
	}
	s.hdr = hdr
	s.lay = lay
	s.restored = true
	s.rebuildFreeLists()
	s.rebuildIndex()
	return nil
}

func (s *Store) initFresh(opts Options) error {
	lay := computeLayout(opts.NodeCap, opts.EdgeCap, opts.ModuleCap)
	if err := s.file.Truncate(lay.size); err != nil {
		return fmt.Errorf("size brain file: %w", err)
	}
	if err := s.mapFile(lay.size); err != nil {
		return err
	}
	s.hdr = Header{
		Magic:      Magic,
		Version:    Version,
		NodeCap:    opts.NodeCap,
		EdgeCap:    opts.EdgeCap,
		ModuleCap:  opts.ModuleCap,
		NextNodeID: 1,
		HotNodeCap: opts.HotCap,
	}
	s.lay = lay
	s.restored = false
	s.freeNodes = s.freeNodes[:0]
	s.freeEdges = s.freeEdges[:0]
	s.idx.Reset(0)
	// Fresh pages are zero, but a magic-mismatch reinit reuses old bytes.
	clear(s.data)
	encodeHeader(s.data, s.hdr)
	return nil
}

func (s *Store) mapFile(size int64) error {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if s.readOnly {
		prot = unix.PROT_READ
	}
	data, err := unix.Mmap(int(s.file.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("map brain file (%d bytes): %w", size, err)
	}
	s.data = data
	return nil
}

// Grow unmaps, truncates the backing file to the new capacities, remaps,
// and relocates every array to its new offset. Slot indices stay valid;
// raw views handed out before Grow do not. Any failure here is fatal to
// the engine: there is no forward progress with an under-sized store.
func (s *Store) Grow(newNodeCap, newEdgeCap uint32) error {
	if s.readOnly {
		return errors.New("store is read-only")
	}
	if newNodeCap < s.hdr.NodeCap {
		newNodeCap = s.hdr.NodeCap
	}
	if newEdgeCap < s.hdr.EdgeCap {
		newEdgeCap = s.hdr.EdgeCap
	}
	if newNodeCap == s.hdr.NodeCap && newEdgeCap == s.hdr.EdgeCap {
		return nil
	}

	old := s.lay
	oldHdr := s.hdr
	next := computeLayout(newNodeCap, newEdgeCap, s.hdr.ModuleCap)

	// Flush what we can before the window where the file has no mapping.
	encodeHeader(s.data, s.hdr)
	_ = unix.Msync(s.data, unix.MS_SYNC)
	if err := unix.Munmap(s.data); err != nil {
		return fmt.Errorf("unmap before grow: %w", err)
	}
	s.data = nil
	if err := s.file.Truncate(next.size); err != nil {
		return fmt.Errorf("grow brain file to %d bytes: %w", next.size, err)
	}
	if err := s.mapFile(next.size); err != nil {
		return err
	}

	// Move arrays back to front; every new offset is at or above its old
	// one, so higher arrays relocate before their old bytes are clobbered.
	nodeCount := int64(oldHdr.NodeCount)
	moves := []struct {
		dst, src, n int64
	}{
		{next.access, old.access, nodeCount * graph.AccessSize},
		{next.ext, old.ext, nodeCount * graph.ExtSize},
		{next.flags, old.flags, nodeCount * 4},
		{next.memAge, old.memAge, nodeCount * 4},
		{next.memValue, old.memValue, nodeCount * 4},
		{next.theta, old.theta, nodeCount * 4},
		{next.modules, old.modules, int64(oldHdr.ModuleCount) * graph.ModuleSize},
		{next.edges, old.edges, int64(oldHdr.EdgeCount) * graph.EdgeSize},
	}
	for _, mv := range moves {
		if mv.n == 0 || mv.dst == mv.src {
			continue
		}
		copy(s.data[mv.dst:mv.dst+mv.n], s.data[mv.src:mv.src+mv.n])
		// Wipe the vacated prefix so dead-record scans never see ghosts.
		// The tail of the old span may overlap the new one and stays live.
		if wipeEnd := min(mv.dst, mv.src+mv.n); wipeEnd > mv.src {
			clear(s.data[mv.src:wipeEnd])
		}
	}

	s.hdr.NodeCap = newNodeCap
	s.hdr.EdgeCap = newEdgeCap
	s.lay = next
	encodeHeader(s.data, s.hdr)

	s.log.Info("brain grown",
		"node_cap", newNodeCap,
		"edge_cap", newEdgeCap,
		"bytes", next.size,
	)
	return nil
}

// Sync writes the header back and flushes mapped pages. Called on a fixed
// tick cadence and on Close, not per mutation.
func (s *Store) Sync() error {
	if s.data == nil || s.readOnly {
		return nil
	}
	encodeHeader(s.data, s.hdr)
	if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync brain file: %w", err)
	}
	return nil
}

// Close syncs, unmaps, and closes the backing file.
func (s *Store) Close() error {
	if s.data == nil {
		return nil
	}
	syncErr := s.Sync()
	if err := unix.Munmap(s.data); err != nil && syncErr == nil {
		syncErr = fmt.Errorf("unmap brain file: %w", err)
	}
	s.data = nil
	if err := s.file.Close(); err != nil && syncErr == nil {
		syncErr = fmt.Errorf("close brain file: %w", err)
	}
	return syncErr
}

// Restored reports whether Open recovered an existing store.
func (s *Store) Restored() bool { return s.restored }

// ReadOnly reports whether the mapping is read-only.
func (s *Store) ReadOnly() bool { return s.readOnly }

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Index exposes the adjacency index. Only the tick loop may mutate it.
func (s *Store) Index() *graph.Index { return s.idx }

func (s *Store) rebuildFreeLists() {
	s.freeNodes = s.freeNodes[:0]
	s.freeEdges = s.freeEdges[:0]
	for i := uint32(0); i < s.hdr.NodeCount; i++ {
		if s.Node(i).Dead() {
			s.freeNodes = append(s.freeNodes, i)
		}
	}
	for i := uint32(0); i < s.hdr.EdgeCount; i++ {
		if s.Edge(i).Dead() {
			s.freeEdges = append(s.freeEdges, i)
		}
	}
}

func (s *Store) rebuildIndex() {
	want := int(s.hdr.EdgeCount) * 2
	if want < graph.DefaultIndexSize {
		want = graph.DefaultIndexSize
	}
	s.idx.Reset(want)
	for i := uint32(0); i < s.hdr.EdgeCount; i++ {
		e := s.Edge(i)
		if e.Dead() {
			continue
		}
		s.idx.Insert(e.Src, e.Dst, i)
	}
}
