package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"melvin/internal/logging"
)

// Policy bounds how the supervisor restarts its children.
type Policy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64

	// MaxRestarts caps restarts per child; 0 means unlimited. A child
	// that hits the cap is marked permanently failed and stays down.
	MaxRestarts int
}

// RestartPolicy decides whether a child that returned comes back.
type RestartPolicy string

const (
	// RestartPermanent restarts the child whenever its runner returns.
	// Context cancellation still stops it for good.
	RestartPermanent RestartPolicy = "permanent"

	// RestartTransient restarts the child only on a non-nil error.
	RestartTransient RestartPolicy = "transient"

	// RestartTemporary never restarts the child.
	RestartTemporary RestartPolicy = "temporary"
)

// ChildSpec names a supervised worker.
type ChildSpec struct {
	Name    string
	Restart RestartPolicy
}

// ChildStatus reports one child for diagnostics.
type ChildStatus struct {
	Name            string        `json:"name"`
	RestartPolicy   RestartPolicy `json:"restart_policy"`
	RestartCount    int           `json:"restart_count"`
	LastError       string        `json:"last_error,omitempty"`
	PermanentFailed bool          `json:"permanent_failed"`
}

func defaultPolicy() Policy {
	return Policy{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func (p Policy) normalize() Policy {
	def := defaultPolicy()
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = def.BackoffFactor
	}
	return p
}

// Supervisor keeps background workers alive per child restart policy,
// with exponential backoff between attempts. Children are independent;
// one child failing never touches its siblings.
type Supervisor struct {
	policy Policy
	log    *slog.Logger

	mu       sync.Mutex
	children map[string]*child
	finished map[string]ChildStatus
}

type child struct {
	cancel context.CancelFunc
	done   chan struct{}
	spec   ChildSpec
	run    func(ctx context.Context) error

	restarts        int
	lastErr         error
	permanentFailed bool
}

func (c *child) status() ChildStatus {
	return ChildStatus{
		Name:            c.spec.Name,
		RestartPolicy:   c.spec.Restart,
		RestartCount:    c.restarts,
		LastError:       errString(c.lastErr),
		PermanentFailed: c.permanentFailed,
	}
}

func NewSupervisor(policy Policy, log *slog.Logger) *Supervisor {
	if log == nil {
		log = logging.Nop()
	}
	return &Supervisor{
		policy:   policy.normalize(),
		log:      log,
		children: make(map[string]*child),
		finished: make(map[string]ChildStatus),
	}
}

// Start runs a permanent child.
func (s *Supervisor) Start(name string, run func(ctx context.Context) error) error {
	return s.StartSpec(ChildSpec{Name: name, Restart: RestartPermanent}, run)
}

// StartSpec runs a child under its spec. Names are unique among running
// children; an unknown restart policy falls back to permanent.
func (s *Supervisor) StartSpec(spec ChildSpec, run func(ctx context.Context) error) error {
	if spec.Name == "" {
		return errors.New("child name is required")
	}
	if run == nil {
		return errors.New("child runner is required")
	}
	switch spec.Restart {
	case RestartPermanent, RestartTransient, RestartTemporary:
	default:
		spec.Restart = RestartPermanent
	}

	s.mu.Lock()
	if _, exists := s.children[spec.Name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("child already running: %s", spec.Name)
	}
	delete(s.finished, spec.Name)
	ctx, cancel := context.WithCancel(context.Background())
	c := &child{
		cancel: cancel,
		done:   make(chan struct{}),
		spec:   spec,
		run:    run,
	}
	s.children[spec.Name] = c
	s.mu.Unlock()

	go s.runChild(ctx, c)
	return nil
}

func (s *Supervisor) runChild(ctx context.Context, c *child) {
	name := c.spec.Name
	defer func() {
		s.mu.Lock()
		if current, ok := s.children[name]; ok && current == c {
			// Only failures and restarted children leave a status
			// behind; a clean one-shot exit is not worth retaining.
			if c.permanentFailed || c.restarts > 0 || c.lastErr != nil {
				s.finished[name] = c.status()
			}
			delete(s.children, name)
		}
		s.mu.Unlock()
		close(c.done)
	}()

	backoff := s.policy.InitialBackoff
	for {
		err := c.run(ctx)
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		c.lastErr = err
		restarts := c.restarts
		s.mu.Unlock()
		if !shouldRestart(c.spec.Restart, err) {
			return
		}
		if s.policy.MaxRestarts > 0 && restarts >= s.policy.MaxRestarts {
			s.mu.Lock()
			c.permanentFailed = true
			s.mu.Unlock()
			s.log.Error("worker gave up",
				"worker", name,
				"restarts", restarts,
				"err", err,
			)
			return
		}
		restarts++
		s.mu.Lock()
		c.restarts = restarts
		s.mu.Unlock()
		s.log.Warn("worker restarting",
			"worker", name,
			"restarts", restarts,
			"backoff", backoff,
			"err", err,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = time.Duration(float64(backoff) * s.policy.BackoffFactor)
		if backoff > s.policy.MaxBackoff {
			backoff = s.policy.MaxBackoff
		}
	}
}

func shouldRestart(policy RestartPolicy, err error) bool {
	switch policy {
	case RestartTransient:
		return err != nil
	case RestartTemporary:
		return false
	default:
		return true
	}
}

// Stop cancels one child and waits for it to finish.
func (s *Supervisor) Stop(name string) {
	s.mu.Lock()
	c, ok := s.children[name]
	delete(s.finished, name)
	s.mu.Unlock()
	if !ok {
		return
	}
	c.cancel()
	<-c.done
}

// StopAll cancels every child and waits for all of them.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	all := make([]*child, 0, len(s.children))
	for _, c := range s.children {
		all = append(all, c)
	}
	s.finished = make(map[string]ChildStatus)
	s.mu.Unlock()

	for _, c := range all {
		c.cancel()
	}
	for _, c := range all {
		<-c.done
	}
}

// Children lists running and retained-finished children, sorted by name.
func (s *Supervisor) Children() []ChildStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.children)+len(s.finished))
	for name := range s.children {
		names = append(names, name)
	}
	for name := range s.finished {
		if _, active := s.children[name]; active {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ChildStatus, 0, len(names))
	for _, name := range names {
		if c, ok := s.children[name]; ok {
			out = append(out, c.status())
			continue
		}
		out = append(out, s.finished[name])
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
