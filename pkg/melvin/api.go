// Package melvin is the public client for a self-modifying byte-stream
// brain persisted in one memory-mapped file. A Client owns a single
// brain; the CLI is a thin shell over it.
package melvin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"

	"melvin/internal/inspect"
	"melvin/internal/platform"
	"melvin/internal/stats"
)

// Snapshot is the telemetry record returned by Stats, Run, and Step.
type Snapshot = stats.Snapshot

// Options configures a Client.
type Options struct {
	// Path is the brain file; created on first use.
	Path string

	// NodeCap, EdgeCap, HotCap size a fresh brain. Zero picks the
	// defaults; a restored brain keeps its recorded capacities.
	NodeCap uint32
	EdgeCap uint32
	HotCap  uint32

	// TickMS is the run cadence in milliseconds; 0 means 50.
	TickMS int

	// MaxTicks bounds Run; 0 runs until the input drains or the
	// context is cancelled.
	MaxTicks uint64

	// RunsDir, when set, records telemetry under RunsDir/<run_id>.
	RunsDir string

	// Input is the byte stream the brain observes; nil means none.
	Input io.Reader

	// Output receives the brain's emissions; nil discards them.
	Output io.Writer

	Logger *slog.Logger

	// Rand makes every stochastic decision reproducible; nil seeds
	// from the clock.
	Rand *rand.Rand
}

// RunSummary reports one completed run.
type RunSummary struct {
	// RunID is empty when telemetry recording is disabled.
	RunID string
	Final Snapshot
}

// StepSummary reports a manual stepping session.
type StepSummary struct {
	Stepped uint64
	Final   Snapshot
}

// ExportRequest selects an export destination. An empty Format is
// inferred from To's extension: .db, .sqlite, and .sqlite3 mean
// sqlite, anything else json.
type ExportRequest struct {
	To     string
	Format string
}

// Client drives one brain. Not safe for concurrent use; all graph
// mutation happens on the caller's goroutine.
type Client struct {
	rt          *platform.Runtime
	path        string
	initialized bool
}

// New validates the options and builds an unopened client. The brain
// file is not touched until Init or the first operation that needs it.
func New(opts Options) (*Client, error) {
	if opts.Path == "" {
		return nil, errors.New("melvin: brain path is required")
	}
	rt := platform.New(platform.Config{
		Path:     opts.Path,
		NodeCap:  opts.NodeCap,
		EdgeCap:  opts.EdgeCap,
		HotCap:   opts.HotCap,
		TickMS:   opts.TickMS,
		MaxTicks: opts.MaxTicks,
		RunsDir:  opts.RunsDir,
		Input:    opts.Input,
		Output:   opts.Output,
		Rand:     opts.Rand,
		Logger:   opts.Logger,
	})
	return &Client{rt: rt, path: opts.Path}, nil
}

func (c *Client) ensure(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.initialized {
		return nil
	}
	if err := c.rt.Init(); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

// Init opens or creates the brain, seeding the kernel on a fresh file.
// It is idempotent.
func (c *Client) Init(ctx context.Context) error {
	return c.ensure(ctx)
}

// Run drives the brain until the context is cancelled, a SIGINT or
// SIGTERM lands, the MaxTicks budget is spent, or the input stream
// drains.
func (c *Client) Run(ctx context.Context) (RunSummary, error) {
	if err := c.ensure(ctx); err != nil {
		return RunSummary{}, err
	}
	final, err := platform.NewDaemon(c.rt).Run(ctx)
	return RunSummary{RunID: c.rt.RunID(), Final: final}, err
}

// Step advances n ticks without sleeping.
func (c *Client) Step(ctx context.Context, n uint64) (StepSummary, error) {
	if err := c.ensure(ctx); err != nil {
		return StepSummary{}, err
	}
	before, err := c.rt.Snapshot()
	if err != nil {
		return StepSummary{}, err
	}
	final, err := c.rt.Step(ctx, n)
	return StepSummary{Stepped: final.Tick - before.Tick, Final: final}, err
}

// Stats assembles the current counters.
func (c *Client) Stats(ctx context.Context) (Snapshot, error) {
	if err := c.ensure(ctx); err != nil {
		return Snapshot{}, err
	}
	return c.rt.Snapshot()
}

// Export writes the brain's records to req.To. It reads the file
// out-of-band, so it works on brains this client never opened; an open
// client syncs first so the export sees the latest tick.
func (c *Client) Export(ctx context.Context, req ExportRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.To == "" {
		return errors.New("melvin: export destination is required")
	}
	format := req.Format
	if format == "" {
		switch filepath.Ext(req.To) {
		case ".db", ".sqlite", ".sqlite3":
			format = "sqlite"
		default:
			format = "json"
		}
	}
	if c.initialized {
		if err := c.rt.Sync(); err != nil {
			return err
		}
	}
	switch format {
	case "json":
		f, err := os.Create(req.To)
		if err != nil {
			return fmt.Errorf("melvin: create export: %w", err)
		}
		if err := inspect.ExportJSON(c.path, f); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	case "sqlite":
		return inspect.ExportSQLite(c.path, req.To)
	default:
		return fmt.Errorf("melvin: unknown export format %q", format)
	}
}

// Close releases the brain. Safe to call on an unopened client.
func (c *Client) Close() error {
	if !c.initialized {
		return nil
	}
	c.initialized = false
	return c.rt.Close()
}
