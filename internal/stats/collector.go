// Package stats records per-tick telemetry for a running brain.
//
// The tick loop assembles one Snapshot per tick and hands it to a
// Collector. Every N ticks the Collector queues a copy for the flusher,
// which appends it as one JSON line to runs/<run_id>/ticks.jsonl. Each
// run directory also carries a run.json descriptor so recorded runs can
// be listed without parsing the tick stream.
package stats

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"melvin/internal/logging"
)

const (
	// DefaultEvery is the snapshot period in ticks.
	DefaultEvery = 100

	descriptorFile = "run.json"
	ticksFile      = "ticks.jsonl"

	queueDepth = 64
)

// Snapshot is one tick's worth of counters, flattened from the engine,
// meta scheduler, module subsystem, bridge, and tier.
type Snapshot struct {
	Tick        uint64 `json:"tick"`
	LiveNodes   uint32 `json:"live_nodes"`
	LiveEdges   uint32 `json:"live_edges"`
	LiveModules uint32 `json:"live_modules"`

	MeanError     float64 `json:"mean_error"`
	PredictionAcc float64 `json:"prediction_acc"`
	Energy        float64 `json:"energy"`
	Epsilon       float64 `json:"epsilon"`

	ThoughtDepth    uint32 `json:"thought_depth"`
	ThoughtsSettled uint64 `json:"thoughts_settled"`
	ThoughtsMaxed   uint64 `json:"thoughts_maxed"`

	MetaProposed uint64 `json:"meta_proposed"`
	MetaApplied  uint64 `json:"meta_applied"`
	MetaDropped  uint64 `json:"meta_dropped"`

	MutationsAttempted uint64 `json:"mutations_attempted"`
	MutationsKept      uint64 `json:"mutations_kept"`

	ModulesReified uint64 `json:"modules_reified"`
	ModuleCalls    uint64 `json:"module_calls"`

	HotHits  uint64 `json:"hot_hits"`
	ColdHits uint64 `json:"cold_hits"`

	BytesIn    uint64 `json:"bytes_in"`
	BytesOut   uint64 `json:"bytes_out"`
	Emitted    uint64 `json:"emitted"`
	Suppressed uint64 `json:"suppressed"`
}

// RunDescriptor identifies one recorded run. It is written to run.json
// when the run starts and finalized on Close.
type RunDescriptor struct {
	RunID          string `json:"run_id"`
	BrainPath      string `json:"brain_path,omitempty"`
	CreatedAtUTC   string `json:"created_at_utc"`
	CompletedAtUTC string `json:"completed_at_utc,omitempty"`
	SnapshotEvery  uint64 `json:"snapshot_every"`
	FinalTick      uint64 `json:"final_tick,omitempty"`
	Snapshots      uint64 `json:"snapshots,omitempty"`
	Dropped        uint64 `json:"dropped,omitempty"`
}

// Options configures a Collector.
type Options struct {
	// RunID overrides the generated run id. Tests use fixed ids.
	RunID string

	// BrainPath is recorded in the descriptor.
	BrainPath string

	// Every is the snapshot period in ticks. 0 means DefaultEvery.
	Every uint64

	// Logger receives each queued snapshot at debug level.
	Logger *slog.Logger
}

// Collector buffers snapshots from the tick loop and appends them to a
// run directory. Observe is tick-loop-side; Run is the flusher worker
// and owns all writes to the tick stream.
type Collector struct {
	dir   string
	every uint64
	log   *slog.Logger

	ch chan Snapshot

	mu       sync.Mutex
	file     *os.File
	w        *bufio.Writer
	desc     RunDescriptor
	last     Snapshot
	observed bool
	written  uint64
	dropped  uint64
}

// NewCollector creates runs/<run_id>/ under baseDir and writes the
// initial descriptor. The caller must Close the collector to finalize
// the descriptor and release the tick stream.
func NewCollector(baseDir string, opts Options) (*Collector, error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	every := opts.Every
	if every == 0 {
		every = DefaultEvery
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	dir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	desc := RunDescriptor{
		RunID:         runID,
		BrainPath:     opts.BrainPath,
		CreatedAtUTC:  time.Now().UTC().Format(time.RFC3339Nano),
		SnapshotEvery: every,
	}
	if err := writeJSON(filepath.Join(dir, descriptorFile), desc); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(filepath.Join(dir, ticksFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open tick stream: %w", err)
	}

	return &Collector{
		dir:   dir,
		every: every,
		log:   logger,
		ch:    make(chan Snapshot, queueDepth),
		file:  file,
		w:     bufio.NewWriter(file),
		desc:  desc,
	}, nil
}

// RunID returns the id of the run being recorded.
func (c *Collector) RunID() string { return c.desc.RunID }

// Dir returns the run directory.
func (c *Collector) Dir() string { return c.dir }

// Observe records one tick's snapshot. On period boundaries a copy is
// queued for the flusher; a full queue drops the snapshot rather than
// stall the tick loop.
func (c *Collector) Observe(s Snapshot) {
	c.mu.Lock()
	c.last = s
	c.observed = true
	c.mu.Unlock()

	if s.Tick%c.every != 0 {
		return
	}
	c.log.Debug("telemetry",
		"tick", s.Tick,
		"live_nodes", s.LiveNodes,
		"live_edges", s.LiveEdges,
		"mean_error", s.MeanError,
		"energy", s.Energy,
		"epsilon", s.Epsilon,
		"emitted", s.Emitted,
	)
	select {
	case c.ch <- s:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}

// Run is the flusher worker. It drains queued snapshots into the tick
// stream until ctx is cancelled, then flushes whatever is still queued.
func (c *Collector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.drain()
			return nil
		case s := <-c.ch:
			if err := c.append(s); err != nil {
				return err
			}
		}
	}
}

func (c *Collector) drain() {
	for {
		select {
		case s := <-c.ch:
			if err := c.append(s); err != nil {
				c.log.Warn("tick stream append failed", "err", err)
				return
			}
		default:
			return
		}
	}
}

func (c *Collector) append(s Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	c.written++
	return nil
}

// Close drains the queue, appends the final snapshot if the period
// missed it, finalizes run.json, and closes the tick stream. Callers
// stop the flusher before Close.
func (c *Collector) Close() error {
	c.drain()

	c.mu.Lock()
	last := c.last
	observed := c.observed
	written := c.written
	c.mu.Unlock()

	if observed && (last.Tick%c.every != 0 || written == 0) {
		if err := c.append(last); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.w.Flush(); err != nil {
		return err
	}
	if err := c.file.Close(); err != nil {
		return err
	}

	c.desc.CompletedAtUTC = time.Now().UTC().Format(time.RFC3339Nano)
	c.desc.FinalTick = c.last.Tick
	c.desc.Snapshots = c.written
	c.desc.Dropped = c.dropped
	return writeJSON(filepath.Join(c.dir, descriptorFile), c.desc)
}

// ListRunIndex reads every run.json under baseDir and returns the
// descriptors sorted newest-first. A missing directory is an empty
// index, not an error.
func ListRunIndex(baseDir string) ([]RunDescriptor, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunDescriptor{}, nil
		}
		return nil, err
	}

	runs := make([]RunDescriptor, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(baseDir, entry.Name(), descriptorFile))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		var desc RunDescriptor
		if err := json.Unmarshal(data, &desc); err != nil {
			return nil, fmt.Errorf("run %s: %w", entry.Name(), err)
		}
		runs = append(runs, desc)
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC == runs[j].CreatedAtUTC {
			return runs[i].RunID < runs[j].RunID
		}
		return runs[i].CreatedAtUTC > runs[j].CreatedAtUTC
	})
	return runs, nil
}

// ReadTicks loads a recorded tick stream.
func ReadTicks(baseDir, runID string) ([]Snapshot, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, ticksFile))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var ticks []Snapshot
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var s Snapshot
		if err := json.Unmarshal(line, &s); err != nil {
			return nil, fmt.Errorf("run %s: %w", runID, err)
		}
		ticks = append(ticks, s)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return ticks, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}
