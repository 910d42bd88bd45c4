package translate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/minios-linux/sitekit/content"
	"github.com/minios-linux/sitekit/langmeta"
)

// Memory is a translation memory consulted before planning and fed with
// every saved chunk. Keys of the maps are source texts.
type Memory interface {
	Lookup(ctx context.Context, lang string, sources []string) (map[string]string, error)
	Record(ctx context.Context, lang string, pairs map[string]string) error
}

// ChunkJob is one batch of one language.
type ChunkJob struct {
	Language   content.Language
	TargetName string
	Batch      Batch
	Index      int
	Total      int
}

// ID identifies the job within a run.
func (j ChunkJob) ID() string {
	return fmt.Sprintf("%s#%d", j.Language.Code, j.Index+1)
}

// Label is the human-readable form, e.g. "de 2/3".
func (j ChunkJob) Label() string {
	return fmt.Sprintf("%s %d/%d", j.Language.Code, j.Index+1, j.Total)
}

// LanguagePlan is the work planned for one language.
type LanguagePlan struct {
	Language content.Language
	Chunks   []ChunkJob
	// Prefill holds translations found in memory, keyed by map key.
	Prefill map[string]string
}

// Keys is the number of keys sent to the provider.
func (lp LanguagePlan) Keys() int {
	n := 0
	for _, c := range lp.Chunks {
		n += len(c.Batch)
	}
	return n
}

// Plan is the full work list of a run.
type Plan struct {
	Languages []LanguagePlan
}

// Jobs flattens the plan in language order.
func (p Plan) Jobs() []ChunkJob {
	var jobs []ChunkJob
	for _, lp := range p.Languages {
		jobs = append(jobs, lp.Chunks...)
	}
	return jobs
}

// TotalKeys counts translated and prefilled keys.
func (p Plan) TotalKeys() int {
	n := 0
	for _, lp := range p.Languages {
		n += lp.Keys() + len(lp.Prefill)
	}
	return n
}

// Empty reports whether the plan has nothing to do.
func (p Plan) Empty() bool {
	return p.TotalKeys() == 0
}

// PlannedLanguage is the reportable outline of a LanguagePlan.
type PlannedLanguage struct {
	Code       string `json:"code"`
	Keys       int    `json:"keys"`
	Chunks     []int  `json:"chunks"`
	FromMemory int    `json:"fromMemory,omitempty"`
}

// Outline summarizes the plan for dry runs.
func (p Plan) Outline() []PlannedLanguage {
	out := make([]PlannedLanguage, 0, len(p.Languages))
	for _, lp := range p.Languages {
		pl := PlannedLanguage{Code: lp.Language.Code, Keys: lp.Keys(), FromMemory: len(lp.Prefill)}
		for _, c := range lp.Chunks {
			pl.Chunks = append(pl.Chunks, len(c.Batch))
		}
		out = append(out, pl)
	}
	return out
}

// SplitKeys divides keys into consecutive groups of chunkSize, keeping
// order. chunkSize 0 (or one not smaller than len(keys)) yields one group.
func SplitKeys(keys []string, chunkSize int) [][]string {
	if len(keys) == 0 {
		return nil
	}
	if chunkSize <= 0 || chunkSize >= len(keys) {
		return [][]string{keys}
	}
	var chunks [][]string
	for i := 0; i < len(keys); i += chunkSize {
		end := i + chunkSize
		if end > len(keys) {
			end = len(keys)
		}
		chunks = append(chunks, keys[i:end])
	}
	return chunks
}

// PlanChunks builds the jobs for the untranslated keys of m. Source text
// comes from base.
func PlanChunks(lang content.Language, m, base *content.LanguageMap, chunkSize int) []ChunkJob {
	return planKeys(lang, m.Untranslated(), base, chunkSize)
}

func planKeys(lang content.Language, keys []string, base *content.LanguageMap, chunkSize int) []ChunkJob {
	groups := SplitKeys(keys, chunkSize)
	jobs := make([]ChunkJob, 0, len(groups))
	for i, group := range groups {
		batch := make(Batch, len(group))
		for j, k := range group {
			batch[j] = Entry{Key: k, Source: content.SourceText(base, k)}
		}
		jobs = append(jobs, ChunkJob{
			Language:   lang,
			TargetName: promptLanguageName(lang),
			Batch:      batch,
			Index:      i,
			Total:      len(groups),
		})
	}
	return jobs
}

func promptLanguageName(lang content.Language) string {
	if name := langmeta.EnglishName(lang.Code); name != "" && name != lang.Code {
		return name
	}
	if lang.Name != "" {
		return lang.Name
	}
	return lang.Code
}

// MergeChunk applies values to m for the keys of batch that m already has,
// skipping empty values, and returns the applied subset. Keys outside the
// batch or missing from m are dropped.
func MergeChunk(m *content.LanguageMap, batch Batch, values map[string]string) map[string]string {
	changed := make(map[string]string)
	for _, e := range batch {
		v, ok := values[e.Key]
		if !ok || strings.TrimSpace(v) == "" || !m.Has(e.Key) {
			continue
		}
		m.Set(e.Key, v)
		changed[e.Key] = v
	}
	return changed
}

// ---------------------------------------------------------------------------
// Planner
// ---------------------------------------------------------------------------

// PlannerOptions carries the optional collaborators of a Planner.
type PlannerOptions struct {
	Memory       Memory
	Cancel       *CancelToken
	Pause        *PauseToken
	PollInterval time.Duration
	Logger       *zap.Logger
	// OnProgress receives a snapshot after every chunk starts or ends.
	OnProgress func(RunProgress)
}

// Planner plans and executes the UI-string translation of a set of
// languages.
type Planner struct {
	store  content.Store
	runner ChunkRunner
	cfg    RunConfig
	opts   PlannerOptions
	logger *zap.Logger
	track  *tracker

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	maps  map[string]*content.LanguageMap
}

// NewPlanner returns a planner that persists through store and translates
// through runner.
func NewPlanner(store content.Store, runner ChunkRunner, cfg RunConfig, opts PlannerOptions) *Planner {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Cancel == nil {
		opts.Cancel = NewCancelToken()
	}
	if opts.Pause == nil {
		opts.Pause = NewPauseToken()
	}
	return &Planner{
		store:  store,
		runner: runner,
		cfg:    cfg.WithDefaults(),
		opts:   opts,
		logger: logger,
		track:  newTracker(opts.Pause, opts.OnProgress),
		locks:  make(map[string]*sync.Mutex),
		maps:   make(map[string]*content.LanguageMap),
	}
}

// Progress returns the current progress snapshot.
func (p *Planner) Progress() RunProgress {
	return p.track.snapshot()
}

func (p *Planner) langLock(code string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[code]
	if !ok {
		l = &sync.Mutex{}
		p.locks[code] = l
	}
	return l
}

func (p *Planner) languageMap(code string) *content.LanguageMap {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maps[code]
}

// Plan reads the maps of the requested languages (all non-base languages
// when codes is empty) and splits their untranslated keys into chunks.
func (p *Planner) Plan(ctx context.Context, codes []string) (Plan, error) {
	ctx, span := tracer.Start(ctx, "translate.plan")
	defer span.End()

	targets, err := p.targets(codes)
	if err != nil {
		return Plan{}, err
	}
	baseCode := p.store.BaseLanguage()
	base, err := p.store.ReadLanguageMap(baseCode)
	if err != nil {
		return Plan{}, fmt.Errorf("reading base language %s: %w", baseCode, err)
	}

	var plan Plan
	for _, lang := range targets {
		m, err := p.store.ReadLanguageMap(lang.Code)
		if err != nil {
			return Plan{}, fmt.Errorf("reading language %s: %w", lang.Code, err)
		}
		p.mu.Lock()
		p.maps[lang.Code] = m
		p.mu.Unlock()

		keys := m.Untranslated()
		prefill := p.lookupMemory(ctx, lang.Code, keys, base)
		if len(prefill) > 0 {
			var remaining []string
			for _, k := range keys {
				if _, ok := prefill[k]; !ok {
					remaining = append(remaining, k)
				}
			}
			keys = remaining
		}

		lp := LanguagePlan{
			Language: lang,
			Chunks:   planKeys(lang, keys, base, p.cfg.ChunkSize),
			Prefill:  prefill,
		}
		if len(lp.Chunks) == 0 && len(lp.Prefill) == 0 {
			continue
		}
		plan.Languages = append(plan.Languages, lp)
	}

	span.SetAttributes(
		attribute.Int("languages", len(plan.Languages)),
		attribute.Int("keys", plan.TotalKeys()),
	)
	return plan, nil
}

func (p *Planner) targets(codes []string) ([]content.Language, error) {
	langs, err := p.store.Languages()
	if err != nil {
		return nil, err
	}
	baseCode := p.store.BaseLanguage()

	if len(codes) == 0 {
		var out []content.Language
		for _, l := range langs {
			if l.Code != baseCode {
				out = append(out, l)
			}
		}
		return out, nil
	}

	byCode := make(map[string]content.Language, len(langs))
	for _, l := range langs {
		byCode[l.Code] = l
	}
	var out []content.Language
	seen := make(map[string]bool)
	for _, code := range codes {
		code = langmeta.Canonical(code)
		if seen[code] {
			continue
		}
		seen[code] = true
		if code == baseCode {
			return nil, &ConfigError{Field: "languages", Err: fmt.Errorf("%s is the base language", code)}
		}
		l, ok := byCode[code]
		if !ok {
			return nil, &ConfigError{Field: "languages", Err: fmt.Errorf("%w: %s", content.ErrLanguageNotFound, code)}
		}
		out = append(out, l)
	}
	return out, nil
}

func (p *Planner) lookupMemory(ctx context.Context, code string, keys []string, base *content.LanguageMap) map[string]string {
	if p.opts.Memory == nil || len(keys) == 0 {
		return nil
	}
	sources := make([]string, len(keys))
	for i, k := range keys {
		sources[i] = content.SourceText(base, k)
	}
	found, err := p.opts.Memory.Lookup(ctx, code, sources)
	if err != nil {
		p.logger.Warn("translation memory lookup failed", zap.String("lang", code), zap.Error(err))
		return nil
	}
	prefill := make(map[string]string)
	for i, k := range keys {
		if v := found[sources[i]]; strings.TrimSpace(v) != "" {
			prefill[k] = v
		}
	}
	return prefill
}

// chunkOutcome is the per-chunk result reported by the scheduler.
type chunkOutcome struct {
	Applied int
	Missing int
	Retries int
}

// Execute runs plan in the configured parallel mode and returns the tally.
// Chunk failures never stop sibling chunks.
func (p *Planner) Execute(ctx context.Context, plan Plan) Summary {
	ctx, span := tracer.Start(ctx, "translate.execute")
	defer span.End()
	span.SetAttributes(attribute.String("mode", string(p.cfg.ParallelMode)))

	start := time.Now()
	summary := Summary{Languages: len(plan.Languages), TotalKeys: plan.TotalKeys(), Plan: plan.Outline()}
	p.track.setTotal(summary.TotalKeys)

	for _, lp := range plan.Languages {
		if len(lp.Prefill) == 0 {
			continue
		}
		if err := p.applyPrefill(lp); err != nil {
			summary.Failures = append(summary.Failures, Failure{
				Language: lp.Language.Code,
				Keys:     len(lp.Prefill),
				Kind:     Classify(err),
				Message:  err.Error(),
			})
			continue
		}
		summary.FromMemory += len(lp.Prefill)
	}

	jobs, errs, results := p.dispatch(ctx, plan)
	summary.Chunks = len(jobs)
	for i, job := range jobs {
		err := errs[i]
		summary.Retries += results[i].Retries
		switch {
		case err == nil:
			summary.Succeeded++
			summary.Missing += results[i].Missing
		case Classify(err) == KindCancelled:
			summary.Skipped++
		default:
			summary.Failed++
			summary.Failures = append(summary.Failures, Failure{
				Language: job.Language.Code,
				Chunk:    job.Index + 1,
				Keys:     len(job.Batch),
				Kind:     Classify(err),
				Message:  err.Error(),
			})
		}
	}

	summary.CompletedKeys = p.track.snapshot().CompletedKeys
	summary.State = StateCompleted
	if p.opts.Cancel.Cancelled() || ctx.Err() != nil {
		summary.State = StateCancelled
	}
	summary.Duration = time.Since(start)

	p.logger.Info("translation run finished",
		zap.String("state", string(summary.State)),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("completed_keys", summary.CompletedKeys),
		zap.Int("total_keys", summary.TotalKeys),
		zap.Duration("duration", summary.Duration),
	)
	return summary
}

// dispatch runs the chunk jobs according to the parallel mode and returns
// them with their errors and outcomes, aligned by index.
func (p *Planner) dispatch(ctx context.Context, plan Plan) ([]ChunkJob, []error, []chunkOutcome) {
	limit := p.cfg.MaxConcurrent
	opts := func(limit int) Options {
		return Options{
			Limit:        limit,
			Delay:        p.cfg.Delay(),
			Cancel:       p.opts.Cancel,
			Pause:        p.opts.Pause,
			PollInterval: p.opts.PollInterval,
		}
	}

	if p.cfg.ParallelMode == FullParallel {
		jobs := plan.Jobs()
		out := Schedule(ctx, p.chunkTasks(jobs), opts(limit))
		return jobs, out.Errors, out.Results
	}

	outer, inner := 1, 1
	switch p.cfg.ParallelMode {
	case ParallelLanguages:
		outer = limit
	case ParallelChunks:
		inner = limit
	}

	langTasks := make([]Task[Outcome[chunkOutcome]], len(plan.Languages))
	for i, lp := range plan.Languages {
		chunks := p.chunkTasks(lp.Chunks)
		langTasks[i] = Task[Outcome[chunkOutcome]]{
			ID:    lp.Language.Code,
			Label: lp.Language.Code,
			Execute: func(ctx context.Context) (Outcome[chunkOutcome], error) {
				p.logger.Info("translating language",
					zap.String("lang", lp.Language.Code),
					zap.Int("keys", lp.Keys()),
					zap.Int("chunks", len(lp.Chunks)),
				)
				return Schedule(ctx, chunks, opts(inner)), nil
			},
		}
	}
	out := Schedule(ctx, langTasks, opts(outer))

	var (
		jobs    []ChunkJob
		errs    []error
		results []chunkOutcome
	)
	for i, lp := range plan.Languages {
		langOut := out.Results[i]
		for j, job := range lp.Chunks {
			jobs = append(jobs, job)
			if langOut.Errors == nil {
				// The language itself was never admitted.
				errs = append(errs, out.Errors[i])
				results = append(results, chunkOutcome{})
				continue
			}
			errs = append(errs, langOut.Errors[j])
			results = append(results, langOut.Results[j])
		}
	}
	return jobs, errs, results
}

func (p *Planner) chunkTasks(jobs []ChunkJob) []Task[chunkOutcome] {
	tasks := make([]Task[chunkOutcome], len(jobs))
	for i, job := range jobs {
		tasks[i] = Task[chunkOutcome]{
			ID:    job.ID(),
			Label: job.Label(),
			Execute: func(ctx context.Context) (chunkOutcome, error) {
				return p.runChunk(ctx, job)
			},
		}
	}
	return tasks
}

func (p *Planner) runChunk(ctx context.Context, job ChunkJob) (chunkOutcome, error) {
	p.track.begin(job.ID(), job.Label())
	defer p.track.end(job.ID())

	res, err := p.runner.Translate(ctx, job.Batch, job.TargetName)
	if err != nil {
		p.logger.Warn("chunk failed",
			zap.String("lang", job.Language.Code),
			zap.String("chunk", job.Label()),
			zap.Int("keys", len(job.Batch)),
			zap.Error(err),
		)
		return chunkOutcome{Retries: res.Retries}, err
	}

	applied, err := p.apply(ctx, job, res.Values)
	if err != nil {
		p.logger.Error("saving chunk failed",
			zap.String("lang", job.Language.Code),
			zap.String("chunk", job.Label()),
			zap.Error(err),
		)
		return chunkOutcome{Retries: res.Retries}, err
	}

	out := chunkOutcome{Applied: applied, Missing: len(job.Batch) - applied, Retries: res.Retries}
	if out.Missing > 0 {
		p.logger.Warn("model omitted keys",
			zap.String("lang", job.Language.Code),
			zap.String("chunk", job.Label()),
			zap.Int("missing", out.Missing),
		)
	}
	p.track.addKeys(len(job.Batch))
	return out, nil
}

// apply merges values into the language's in-memory map and persists the
// changed keys while holding the language lock, so two chunks of the same
// language never interleave their read-modify-write.
func (p *Planner) apply(ctx context.Context, job ChunkJob, values map[string]string) (int, error) {
	code := job.Language.Code
	lock := p.langLock(code)
	lock.Lock()
	defer lock.Unlock()

	m := p.languageMap(code)
	if m == nil {
		var err error
		if m, err = p.store.ReadLanguageMap(code); err != nil {
			return 0, err
		}
		p.mu.Lock()
		p.maps[code] = m
		p.mu.Unlock()
	}

	changed := MergeChunk(m, job.Batch, values)
	if len(changed) == 0 {
		return 0, nil
	}
	if err := p.store.UpdateLanguageMap(code, changed); err != nil {
		return 0, fmt.Errorf("saving %s: %w", code, err)
	}

	total, translated, _ := m.Stats()
	p.logger.Info("saved chunk",
		zap.String("lang", code),
		zap.String("chunk", job.Label()),
		zap.Int("translated", translated),
		zap.Int("total", total),
	)

	if p.opts.Memory != nil {
		pairs := make(map[string]string, len(changed))
		for _, e := range job.Batch {
			if v, ok := changed[e.Key]; ok {
				pairs[e.Source] = v
			}
		}
		if err := p.opts.Memory.Record(ctx, code, pairs); err != nil {
			p.logger.Warn("translation memory record failed", zap.String("lang", code), zap.Error(err))
		}
	}
	return len(changed), nil
}

func (p *Planner) applyPrefill(lp LanguagePlan) error {
	code := lp.Language.Code
	lock := p.langLock(code)
	lock.Lock()
	defer lock.Unlock()

	m := p.languageMap(code)
	if m == nil {
		return fmt.Errorf("language %s was not planned", code)
	}
	changed := make(map[string]string, len(lp.Prefill))
	for k, v := range lp.Prefill {
		if m.Has(k) {
			m.Set(k, v)
			changed[k] = v
		}
	}
	if err := p.store.UpdateLanguageMap(code, changed); err != nil {
		return fmt.Errorf("saving %s: %w", code, err)
	}
	p.logger.Info("filled keys from translation memory", zap.String("lang", code), zap.Int("keys", len(changed)))
	p.track.addKeys(len(lp.Prefill))
	return nil
}

// ---------------------------------------------------------------------------
// Progress tracking
// ---------------------------------------------------------------------------

// RunProgress is the live counters of a run.
type RunProgress struct {
	CompletedKeys        int          `json:"completedKeys"`
	TotalKeys            int          `json:"totalKeys"`
	ActiveTasks          []ActiveTask `json:"activeTasks"`
	RateLimitPauseActive bool         `json:"rateLimitPauseActive"`
}

type tracker struct {
	pause    *PauseToken
	onChange func(RunProgress)

	mu        sync.Mutex
	completed int
	total     int
	active    map[string]ActiveTask
}

func newTracker(pause *PauseToken, onChange func(RunProgress)) *tracker {
	return &tracker{pause: pause, onChange: onChange, active: make(map[string]ActiveTask)}
}

func (t *tracker) setTotal(n int) {
	t.mu.Lock()
	t.total = n
	t.notifyLocked()
	t.mu.Unlock()
}

func (t *tracker) begin(id, label string) {
	t.mu.Lock()
	t.active[id] = ActiveTask{ID: id, Label: label, Started: time.Now()}
	t.notifyLocked()
	t.mu.Unlock()
}

func (t *tracker) end(id string) {
	t.mu.Lock()
	delete(t.active, id)
	t.notifyLocked()
	t.mu.Unlock()
}

func (t *tracker) addKeys(n int) {
	t.mu.Lock()
	t.completed += n
	t.notifyLocked()
	t.mu.Unlock()
}

func (t *tracker) snapshot() RunProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *tracker) snapshotLocked() RunProgress {
	active := make([]ActiveTask, 0, len(t.active))
	for _, a := range t.active {
		active = append(active, a)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Started.Before(active[j].Started) })
	return RunProgress{
		CompletedKeys:        t.completed,
		TotalKeys:            t.total,
		ActiveTasks:          active,
		RateLimitPauseActive: t.pause.Active(),
	}
}

func (t *tracker) notifyLocked() {
	if t.onChange != nil {
		t.onChange(t.snapshotLocked())
	}
}

// errPlanning wraps failures that happen before any chunk is dispatched.
func errPlanning(err error) error {
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return err
	}
	return fmt.Errorf("planning: %w", err)
}
