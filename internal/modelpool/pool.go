// Package modelpool keeps inference models loaded while they are used and
// unloads them once they have been idle for longer than a threshold.
//
// Every model name owns a cell guarded by its own mutex, so loading one model
// never waits on another. A cell is never unloaded while a Handle to it is
// outstanding.
package modelpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"podsearch/internal/apperr"
)

// DefaultIdleTimeout is how long an unused model stays loaded.
const DefaultIdleTimeout = 300 * time.Second

// Model is a loaded inference resource.
type Model interface {
	// Release frees everything the model holds, including device memory.
	Release(ctx context.Context) error
}

// Loader materializes the model described by a spec. Loading may take seconds.
type Loader interface {
	Load(ctx context.Context, spec Spec) (Model, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, spec Spec) (Model, error)

func (f LoaderFunc) Load(ctx context.Context, spec Spec) (Model, error) { return f(ctx, spec) }

type cell struct {
	mu       sync.Mutex
	spec     Spec
	model    Model
	lastUsed time.Time
	refs     int
	loads    int
}

// State is a point-in-time view of one model cell.
type State struct {
	Name     string    `json:"name"`
	Kind     Kind      `json:"kind"`
	Device   string    `json:"device,omitempty"`
	Loaded   bool      `json:"loaded"`
	Busy     bool      `json:"busy"`
	Refs     int       `json:"refs"`
	Loads    int       `json:"loads"`
	LastUsed time.Time `json:"last_used"`
}

func (c *cell) stateLocked() State {
	return State{
		Name:     c.spec.Name,
		Kind:     c.spec.Kind,
		Device:   c.spec.Device,
		Loaded:   c.model != nil,
		Refs:     c.refs,
		Loads:    c.loads,
		LastUsed: c.lastUsed,
	}
}

// evictable reports whether a cell in state s must be unloaded at now.
func evictable(s State, now time.Time, idle time.Duration) bool {
	return s.Loaded && s.Refs == 0 && now.Sub(s.LastUsed) > idle
}

// Pool owns the model cells.
type Pool struct {
	catalog *Catalog
	loader  Loader
	idle    time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu    sync.Mutex // guards cells, never held while loading
	cells map[string]*cell
}

// Option configures a Pool.
type Option func(*Pool)

// WithIdleTimeout sets the idle threshold. Non-positive values keep the default.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.idle = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New creates an empty pool. Nothing is loaded until first use.
func New(catalog *Catalog, loader Loader, opts ...Option) *Pool {
	p := &Pool{
		catalog: catalog,
		loader:  loader,
		idle:    DefaultIdleTimeout,
		now:     time.Now,
		logger:  slog.Default(),
		cells:   make(map[string]*cell),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "modelpool")
	return p
}

// Catalog returns the models the pool can load.
func (p *Pool) Catalog() *Catalog { return p.catalog }

func (p *Pool) cell(spec Spec) *cell {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cells[spec.Name]
	if !ok {
		c = &cell{spec: spec}
		p.cells[spec.Name] = c
	}
	return c
}

func (p *Pool) snapshot() []*cell {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*cell, 0, len(p.cells))
	for _, c := range p.cells {
		out = append(out, c)
	}
	return out
}

// Handle is an in-use reference to a loaded model.
type Handle struct {
	pool  *Pool
	cell  *cell
	model Model
	once  sync.Once
}

// Model returns the loaded model.
func (h *Handle) Model() Model { return h.model }

// Release returns the handle to the pool. Calling it more than once is a no-op.
func (h *Handle) Release() {
	h.once.Do(func() {
		c := h.cell
		c.mu.Lock()
		c.refs--
		c.lastUsed = h.pool.now()
		c.mu.Unlock()
	})
}

// Acquire returns a handle to the named model, loading it when needed.
// Concurrent callers for the same name share a single load.
func (p *Pool) Acquire(ctx context.Context, name string) (*Handle, error) {
	p.Sweep(ctx)

	spec, ok := p.catalog.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperr.ErrUnknownModel, name)
	}

	c := p.cell(spec)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.model == nil {
		start := time.Now()
		p.logger.Info("loading model", "model", name, "device", spec.Device)
		m, err := p.loader.Load(ctx, spec)
		if err != nil {
			p.logger.Error("failed to load model", "model", name, "err", err)
			return nil, &apperr.InferenceError{Model: name, Err: fmt.Errorf("load: %w", err)}
		}
		c.model = m
		c.loads++
		p.logger.Info("model loaded", "model", name, "elapsed", time.Since(start))
	}

	c.refs++
	c.lastUsed = p.now()
	return &Handle{pool: p, cell: c, model: c.model}, nil
}

// Run acquires the named model, calls fn with it and releases it. The
// last-used time is updated whether fn succeeds or not. Errors from fn are
// reported as *apperr.InferenceError.
func Run[T any](ctx context.Context, p *Pool, name string, fn func(ctx context.Context, m Model) (T, error)) (T, error) {
	var zero T
	h, err := p.Acquire(ctx, name)
	if err != nil {
		return zero, err
	}
	defer h.Release()

	out, err := fn(ctx, h.Model())
	if err != nil {
		var ie *apperr.InferenceError
		if errors.As(err, &ie) {
			return zero, err
		}
		return zero, &apperr.InferenceError{Model: name, Err: err}
	}
	return out, nil
}

// Sweep unloads every model idle for longer than the threshold and returns how
// many were unloaded. Cells that are busy loading or unloading are skipped.
func (p *Pool) Sweep(ctx context.Context) int {
	now := p.now()
	unloaded := 0
	for _, c := range p.snapshot() {
		if !c.mu.TryLock() {
			continue
		}
		if evictable(c.stateLocked(), now, p.idle) {
			p.unloadLocked(ctx, c, "idle")
			unloaded++
		}
		c.mu.Unlock()
	}
	return unloaded
}

func (p *Pool) unloadLocked(ctx context.Context, c *cell, reason string) {
	idleFor := p.now().Sub(c.lastUsed)
	if err := c.model.Release(ctx); err != nil {
		p.logger.Error("failed to release model", "model", c.spec.Name, "err", err)
	}
	c.model = nil
	p.logger.Info("model unloaded", "model", c.spec.Name, "reason", reason, "idle", idleFor)
}

// RunSweeper sweeps on every tick until ctx is done.
func (p *Pool) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Close unloads every model. Outstanding handles keep their Model value but
// must not be used afterwards.
func (p *Pool) Close(ctx context.Context) {
	for _, c := range p.snapshot() {
		c.mu.Lock()
		if c.model != nil {
			if c.refs > 0 {
				p.logger.Warn("unloading model still in use", "model", c.spec.Name, "refs", c.refs)
			}
			p.unloadLocked(ctx, c, "shutdown")
		}
		c.mu.Unlock()
	}
}

// Stats returns the state of every model the pool has touched, sorted by name.
func (p *Pool) Stats() []State {
	cells := p.snapshot()
	out := make([]State, 0, len(cells))
	for _, c := range cells {
		if !c.mu.TryLock() {
			out = append(out, State{Name: c.spec.Name, Kind: c.spec.Kind, Device: c.spec.Device, Busy: true})
			continue
		}
		out = append(out, c.stateLocked())
		c.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
