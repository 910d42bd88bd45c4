package translate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/minios-linux/sitekit/content"
	"github.com/minios-linux/sitekit/lockfile"
	"github.com/minios-linux/sitekit/provider"
)

// State is the lifecycle position of a run.
type State string

const (
	StateIdle       State = "idle"
	StatePlanning   State = "planning"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateFatalError State = "fatal-error"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFatalError
}

var transitions = map[State][]State{
	StateIdle:     {StatePlanning},
	StatePlanning: {StateRunning, StateCompleted, StateCancelled, StateFatalError},
	StateRunning:  {StateCompleted, StateCancelled, StateFatalError},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Failure describes one failed chunk (or blog post).
type Failure struct {
	Language string `json:"language"`
	Chunk    int    `json:"chunk,omitempty"`
	Slug     string `json:"slug,omitempty"`
	Keys     int    `json:"keys"`
	Kind     Kind   `json:"kind"`
	Message  string `json:"message"`
}

// Summary is the final tally of a run.
type Summary struct {
	State         State             `json:"state"`
	DryRun        bool              `json:"dryRun,omitempty"`
	Languages     int               `json:"languages"`
	Chunks        int               `json:"chunks"`
	Succeeded     int               `json:"succeeded"`
	Failed        int               `json:"failed"`
	Skipped       int               `json:"skipped"`
	CompletedKeys int               `json:"completedKeys"`
	TotalKeys     int               `json:"totalKeys"`
	FromMemory    int               `json:"fromMemory,omitempty"`
	Missing       int               `json:"missing,omitempty"`
	Retries       int               `json:"retries"`
	Failures      []Failure         `json:"failures,omitempty"`
	Plan          []PlannedLanguage `json:"plan,omitempty"`
	Duration      time.Duration     `json:"duration"`
}

// Target selects what a run translates.
type Target string

const (
	TargetUI   Target = "ui"
	TargetBlog Target = "blog"
)

// Request describes one run.
type Request struct {
	Target      Target   `json:"target"`
	Languages   []string `json:"languages,omitempty"`
	Slugs       []string `json:"slugs,omitempty"`
	Retranslate bool     `json:"retranslate,omitempty"`
	DryRun      bool     `json:"dryRun,omitempty"`
}

// RunState is a point-in-time view of a run.
type RunState struct {
	ID              string    `json:"id"`
	Target          Target    `json:"target"`
	Provider        string    `json:"provider"`
	Model           string    `json:"model"`
	State           State     `json:"state"`
	CancelRequested bool      `json:"cancelRequested"`
	RunProgress
	Summary    *Summary  `json:"summary,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
}

// Run is one translation run. All methods are safe for concurrent use.
type Run struct {
	id     string
	req    Request
	cfg    RunConfig
	cancel *CancelToken
	pause  *PauseToken
	done   chan struct{}
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	progress   RunProgress
	summary    *Summary
	err        error
	startedAt  time.Time
	finishedAt time.Time
	onProgress func(RunProgress)
}

func newRun(cfg RunConfig, req Request, logger *zap.Logger, onProgress func(RunProgress)) *Run {
	return &Run{
		id:         uuid.NewString(),
		req:        req,
		cfg:        cfg,
		cancel:     NewCancelToken(),
		pause:      NewPauseToken(),
		done:       make(chan struct{}),
		logger:     logger,
		state:      StateIdle,
		startedAt:  time.Now(),
		onProgress: onProgress,
	}
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Cancel requests a cooperative stop. Chunks already dispatched finish and
// are saved; no new chunk starts.
func (r *Run) Cancel() {
	r.cancel.Cancel()
	r.logger.Info("cancel requested", zap.String("run", r.id))
}

// Done is closed when the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run ends or ctx is done.
func (r *Run) Wait(ctx context.Context) (Summary, error) {
	select {
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	case <-r.done:
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var s Summary
	if r.summary != nil {
		s = *r.summary
	}
	return s, r.err
}

// Snapshot returns the current state.
func (r *Run) Snapshot() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RunState{
		ID:              r.id,
		Target:          r.req.Target,
		Provider:        r.cfg.Provider,
		Model:           r.cfg.Model,
		State:           r.state,
		CancelRequested: r.cancel.Cancelled(),
		RunProgress:     r.progress,
		StartedAt:       r.startedAt,
		FinishedAt:      r.finishedAt,
	}
	st.RateLimitPauseActive = r.pause.Active()
	if r.summary != nil {
		s := *r.summary
		st.Summary = &s
	}
	if r.err != nil {
		st.Error = r.err.Error()
	}
	return st
}

func (r *Run) setProgress(p RunProgress) {
	r.mu.Lock()
	r.progress = p
	fn := r.onProgress
	r.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

func (r *Run) transition(to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !canTransition(r.state, to) {
		return fmt.Errorf("invalid run transition %s -> %s", r.state, to)
	}
	r.logger.Debug("run state", zap.String("run", r.id), zap.String("from", string(r.state)), zap.String("to", string(to)))
	r.state = to
	return nil
}

func (r *Run) finish(s Summary, err error) {
	to := s.State
	if err != nil {
		to = StateFatalError
	}
	if to == "" {
		to = StateCompleted
	}
	if terr := r.transition(to); terr != nil {
		r.logger.Error("finishing run", zap.String("run", r.id), zap.Error(terr))
	}
	r.mu.Lock()
	s.State = r.state
	r.summary = &s
	r.err = err
	r.finishedAt = time.Now()
	r.mu.Unlock()
	close(r.done)
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// EngineOptions configures an Engine. Only Registry is required.
type EngineOptions struct {
	Registry   *provider.Registry
	Dispatcher Dispatcher
	Posts      *content.PostStore
	Lock       *lockfile.LockFile
	// Memory returns the translation memory scoped to a run's provider and
	// model, or nil to disable it.
	Memory       func(cfg RunConfig) Memory
	Logger       *zap.Logger
	PollInterval time.Duration
	Sleep        SleepFunc
	// KeepFinished bounds how many finished runs stay inspectable.
	KeepFinished int
}

// Engine starts runs and keeps the process-local registry of them.
type Engine struct {
	store content.Store
	opts  EngineOptions

	mu   sync.Mutex
	runs map[string]*Run
	wg   sync.WaitGroup
	stop context.CancelFunc
	base context.Context
}

// NewEngine returns an engine persisting through store.
func NewEngine(store content.Store, opts EngineOptions) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = provider.NewRegistry(provider.Options{})
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = NewRelayDispatcher(opts.Logger)
	}
	if opts.KeepFinished <= 0 {
		opts.KeepFinished = 50
	}
	base, stop := context.WithCancel(context.Background())
	return &Engine{store: store, opts: opts, runs: make(map[string]*Run), base: base, stop: stop}
}

// Registry returns the provider registry.
func (e *Engine) Registry() *provider.Registry { return e.opts.Registry }

// Store returns the language store.
func (e *Engine) Store() content.Store { return e.store }

// Start validates cfg and launches a run in the background. Configuration
// errors are returned immediately and no run is created. The run outlives
// ctx's cancellation; use Run.Cancel to stop it.
func (e *Engine) Start(ctx context.Context, cfg RunConfig, req Request, onProgress func(RunProgress)) (*Run, error) {
	cfg = cfg.WithDefaults()
	if req.Target == "" {
		req.Target = TargetUI
	}
	if req.Target != TargetUI && req.Target != TargetBlog {
		return nil, &ConfigError{Field: "target", Err: fmt.Errorf("unknown target %q", req.Target)}
	}
	if req.Target == TargetBlog && e.opts.Posts == nil {
		return nil, &ConfigError{Field: "target", Err: errors.New("no blog directory configured")}
	}
	adapter, err := cfg.ResolveAdapter(e.opts.Registry)
	if err != nil {
		return nil, err
	}

	logger := e.opts.Logger
	run := newRun(cfg, req, logger, onProgress)
	logger = logger.With(zap.String("run", run.id))
	run.logger = logger

	e.mu.Lock()
	e.runs[run.id] = run
	e.pruneLocked()
	e.mu.Unlock()

	// Keep trace context but not the caller's cancellation.
	runCtx := context.WithoutCancel(ctx)
	runCtx, cancel := context.WithCancel(runCtx)
	stop := context.AfterFunc(e.base, cancel)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer stop()
		defer cancel()
		e.execute(runCtx, run, adapter)
	}()
	return run, nil
}

func (e *Engine) execute(ctx context.Context, run *Run, adapter provider.Adapter) {
	ctx, span := tracer.Start(ctx, "translate.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", run.id),
		attribute.String("run.target", string(run.req.Target)),
		attribute.String("provider", run.cfg.Provider),
	)

	if err := run.transition(StatePlanning); err != nil {
		run.finish(Summary{}, err)
		return
	}
	run.logger.Info("run started",
		zap.String("target", string(run.req.Target)),
		zap.String("provider", run.cfg.Provider),
		zap.String("model", run.cfg.Model),
		zap.String("mode", string(run.cfg.ParallelMode)),
	)

	opts := []TranslatorOption{WithPauseToken(run.pause), WithCancelToken(run.cancel), WithLogger(run.logger)}
	if e.opts.Sleep != nil {
		opts = append(opts, WithSleep(e.opts.Sleep))
	}
	popts := PlannerOptions{
		Cancel:       run.cancel,
		Pause:        run.pause,
		PollInterval: e.opts.PollInterval,
		Logger:       run.logger,
		OnProgress:   run.setProgress,
	}

	switch run.req.Target {
	case TargetBlog:
		tmpl := run.cfg.BlogPrompt
		if strings.TrimSpace(tmpl) == "" {
			tmpl = BlogSystemPrompt
		}
		opts = append(opts, WithTemplate(tmpl))
		translator := NewChunkTranslator(adapter, e.opts.Dispatcher, run.cfg, opts...)
		e.executeBlog(ctx, run, NewBlogTranslator(e.opts.Posts, translator, e.opts.Lock, run.cfg, popts))
	default:
		if e.opts.Memory != nil && run.cfg.UseMemory {
			popts.Memory = e.opts.Memory(run.cfg)
		}
		translator := NewChunkTranslator(adapter, e.opts.Dispatcher, run.cfg, opts...)
		e.executeUI(ctx, run, NewPlanner(e.store, translator, run.cfg, popts))
	}
}

func (e *Engine) executeUI(ctx context.Context, run *Run, planner *Planner) {
	plan, err := planner.Plan(ctx, run.req.Languages)
	if err != nil {
		run.logger.Error("planning failed", zap.Error(err))
		run.finish(Summary{}, errPlanning(err))
		return
	}
	if s, done := e.shortCircuit(run, plan.Outline(), plan.TotalKeys(), len(plan.Jobs())); done {
		run.finish(s, nil)
		return
	}
	if err := run.transition(StateRunning); err != nil {
		run.finish(Summary{}, err)
		return
	}
	run.finish(planner.Execute(ctx, plan), nil)
}

func (e *Engine) executeBlog(ctx context.Context, run *Run, bt *BlogTranslator) {
	langs, err := e.blogLanguages(run.req.Languages)
	if err != nil {
		run.finish(Summary{}, errPlanning(err))
		return
	}
	jobs, err := bt.Plan(langs, BlogOptions{Slugs: run.req.Slugs, Retranslate: run.req.Retranslate})
	if err != nil {
		run.logger.Error("planning failed", zap.Error(err))
		run.finish(Summary{}, errPlanning(err))
		return
	}
	if s, done := e.shortCircuit(run, BlogOutline(jobs), BlogKeys(jobs), len(jobs)); done {
		run.finish(s, nil)
		return
	}
	if err := run.transition(StateRunning); err != nil {
		run.finish(Summary{}, err)
		return
	}
	run.finish(bt.Execute(ctx, jobs), nil)
}

// shortCircuit ends a run after planning when it was cancelled, is a dry
// run, or has nothing to do.
func (e *Engine) shortCircuit(run *Run, outline []PlannedLanguage, keys, chunks int) (Summary, bool) {
	s := Summary{Languages: len(outline), Chunks: chunks, TotalKeys: keys, Plan: outline}
	switch {
	case run.cancel.Cancelled():
		s.State = StateCancelled
		s.Skipped = chunks
	case run.req.DryRun:
		s.State = StateCompleted
		s.DryRun = true
	case keys == 0:
		s.State = StateCompleted
		run.logger.Info("nothing to translate")
	default:
		return Summary{}, false
	}
	return s, true
}

func (e *Engine) blogLanguages(codes []string) ([]content.Language, error) {
	p := &Planner{store: e.store}
	return p.targets(codes)
}

// Get returns a run by id.
func (e *Engine) Get(id string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	return r, ok
}

// Cancel requests a stop of run id.
func (e *Engine) Cancel(id string) bool {
	r, ok := e.Get(id)
	if ok {
		r.Cancel()
	}
	return ok
}

// List returns snapshots of all known runs, newest first.
func (e *Engine) List() []RunState {
	e.mu.Lock()
	runs := make([]*Run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	out := make([]RunState, len(runs))
	for i, r := range runs {
		out[i] = r.Snapshot()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Close cancels every active run, aborting in-flight requests, and waits
// for them to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	for _, r := range e.runs {
		r.cancel.Cancel()
	}
	e.mu.Unlock()
	e.stop()
	e.wg.Wait()
}

func (e *Engine) pruneLocked() {
	var finished []*Run
	for _, r := range e.runs {
		select {
		case <-r.done:
			finished = append(finished, r)
		default:
		}
	}
	if len(finished) <= e.opts.KeepFinished {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].startedAt.Before(finished[j].startedAt) })
	for _, r := range finished[:len(finished)-e.opts.KeepFinished] {
		delete(e.runs, r.id)
	}
}
