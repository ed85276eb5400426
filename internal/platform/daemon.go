package platform

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"melvin/internal/stats"
)

// Daemon runs a Runtime as a long-lived process: the tick loop and a
// signal watcher share one errgroup, and SIGINT or SIGTERM ends the run
// cleanly.
type Daemon struct {
	rt  *Runtime
	log *slog.Logger
}

func NewDaemon(rt *Runtime) *Daemon {
	return &Daemon{rt: rt, log: rt.log}
}

// Run blocks until the runtime finishes or a termination signal lands,
// then returns the final snapshot.
func (d *Daemon) Run(ctx context.Context) (stats.Snapshot, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigc)

	var final stats.Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Cancel on return so the watcher never outlives the loop.
		defer cancel()
		var err error
		final, err = d.rt.Run(gctx)
		return err
	})
	g.Go(func() error {
		select {
		case sig := <-sigc:
			d.log.Info("signal received", "signal", sig.String())
			cancel()
		case <-gctx.Done():
		}
		return nil
	})
	err := g.Wait()
	return final, err
}
