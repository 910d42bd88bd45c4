package translate

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/minios-linux/sitekit/content"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

// fakeRunner translates every source as "<lang>:<source>" unless fn says
// otherwise, and records concurrency.
type fakeRunner struct {
	fn   func(batch Batch, lang string) (ChunkResult, error)
	hold time.Duration

	mu    sync.Mutex
	calls []Batch

	inflight, peak atomic.Int32
}

func (f *fakeRunner) Translate(_ context.Context, batch Batch, lang string) (ChunkResult, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, batch)
	f.mu.Unlock()
	if f.hold > 0 {
		time.Sleep(f.hold)
	}
	if f.fn != nil {
		return f.fn(batch, lang)
	}
	return ChunkResult{Values: echo(batch, lang)}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func echo(batch Batch, lang string) map[string]string {
	out := make(map[string]string, len(batch))
	for _, e := range batch {
		out[e.Key] = lang + ":" + e.Source
	}
	return out
}

var baseKeys = []string{"Home", "About", "Blog", "Download", "Contact"}

// newLangStore creates en (base, all keys translated) plus the given
// languages with every key empty.
func newLangStore(t *testing.T, langs ...string) *content.FileStore {
	t.Helper()
	store := content.NewFileStore(t.TempDir(), "en", nil)
	base := content.NewLanguageMap(content.Meta{Name: "English", Flag: "🇺🇸"})
	for _, k := range baseKeys {
		base.Set(k, k)
	}
	if err := store.WriteLanguageMap("en", base); err != nil {
		t.Fatal(err)
	}
	for _, code := range langs {
		if _, err := store.CreateLanguage(code); err != nil {
			t.Fatal(err)
		}
	}
	return store
}

func readValues(t *testing.T, store content.Store, code string) map[string]string {
	t.Helper()
	m, err := store.ReadLanguageMap(code)
	if err != nil {
		t.Fatal(err)
	}
	return m.Values()
}

func testConfig(mode ParallelMode, chunkSize int) RunConfig {
	return RunConfig{Provider: "ollama", Model: "test", ChunkSize: chunkSize, ParallelMode: mode, MaxConcurrent: 2}
}

func planAndExecute(t *testing.T, p *Planner, codes ...string) Summary {
	t.Helper()
	plan, err := p.Plan(context.Background(), codes)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	return p.Execute(context.Background(), plan)
}

// ---------------------------------------------------------------------------
// Chunking
// ---------------------------------------------------------------------------

func TestSplitKeys(t *testing.T) {
	keys := []string{"a", "b", "c", "d", "e"}
	tests := []struct {
		size int
		want []int
	}{
		{0, []int{5}},
		{2, []int{2, 2, 1}},
		{5, []int{5}},
		{10, []int{5}},
		{1, []int{1, 1, 1, 1, 1}},
	}
	for _, tc := range tests {
		var got []int
		for _, c := range SplitKeys(keys, tc.size) {
			got = append(got, len(c))
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("SplitKeys(size=%d) = %v, want %v", tc.size, got, tc.want)
		}
	}
	if SplitKeys(nil, 3) != nil {
		t.Error("no keys should yield no chunks")
	}
}

func TestPlanChunks_KeepsOrderAndSources(t *testing.T) {
	base := content.NewLanguageMap(content.Meta{})
	base.Set("greeting", "Hello")
	base.Set("empty", "")
	m := content.NewLanguageMap(content.Meta{})
	m.Set("greeting", "")
	m.Set("done", "Fertig")
	m.Set("empty", "")
	m.Set("extra", "")

	jobs := PlanChunks(content.Language{Code: "de"}, m, base, 2)
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs", len(jobs))
	}
	want := Batch{{Key: "greeting", Source: "Hello"}, {Key: "empty", Source: "empty"}}
	if !reflect.DeepEqual(jobs[0].Batch, want) {
		t.Errorf("first batch = %+v", jobs[0].Batch)
	}
	if jobs[1].Batch[0].Key != "extra" || jobs[1].Label() != "de 2/2" || jobs[1].ID() != "de#2" {
		t.Errorf("second job = %+v (%s)", jobs[1].Batch, jobs[1].Label())
	}
	if jobs[0].TargetName != "German" {
		t.Errorf("TargetName = %q", jobs[0].TargetName)
	}
}

func TestMergeChunk(t *testing.T) {
	m := content.NewLanguageMap(content.Meta{})
	m.Set("a", "")
	m.Set("b", "")
	m.Set("c", "old")
	batch := Batch{{Key: "a"}, {Key: "b"}, {Key: "gone"}}

	changed := MergeChunk(m, batch, map[string]string{
		"a":     "A",
		"b":     "  ",
		"c":     "hijack",
		"gone":  "G",
		"extra": "E",
	})
	if !reflect.DeepEqual(changed, map[string]string{"a": "A"}) {
		t.Errorf("changed = %v", changed)
	}
	if v, _ := m.Get("c"); v != "old" {
		t.Errorf("key outside the batch was overwritten: %q", v)
	}
	if m.Has("gone") || m.Has("extra") {
		t.Error("keys absent from the map must not be added")
	}
}

// ---------------------------------------------------------------------------
// Planner
// ---------------------------------------------------------------------------

func TestPlanner_TranslatesAndPersists(t *testing.T) {
	store := newLangStore(t, "de", "fr")
	if err := store.UpdateLanguageMap("de", map[string]string{"Home": "Startseite"}); err != nil {
		t.Fatal(err)
	}
	runner := &fakeRunner{}
	p := NewPlanner(store, runner, testConfig(Sequential, 2), PlannerOptions{})

	s := planAndExecute(t, p)
	if s.State != StateCompleted || s.Failed != 0 {
		t.Fatalf("summary = %+v", s)
	}
	if s.Languages != 2 || s.Chunks != 5 || s.TotalKeys != 9 || s.CompletedKeys != 9 {
		t.Errorf("summary counts = %+v", s)
	}

	de := readValues(t, store, "de")
	if de["Home"] != "Startseite" {
		t.Errorf("existing translation changed: %q", de["Home"])
	}
	if de["About"] != "German:About" {
		t.Errorf("de About = %q", de["About"])
	}
	fr := readValues(t, store, "fr")
	for _, k := range baseKeys {
		if fr[k] != "French:"+k {
			t.Errorf("fr %s = %q", k, fr[k])
		}
	}
	if got := readValues(t, store, "en"); got["Home"] != "Home" {
		t.Error("base language must not be touched")
	}
}

func TestPlanner_RerunIsIdempotent(t *testing.T) {
	store := newLangStore(t, "de")
	runner := &fakeRunner{}
	planAndExecute(t, NewPlanner(store, runner, testConfig(Sequential, 0), PlannerOptions{}))
	calls := runner.callCount()
	before := readValues(t, store, "de")

	p := NewPlanner(store, runner, testConfig(Sequential, 0), PlannerOptions{})
	plan, err := p.Plan(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Empty() {
		t.Fatalf("second plan not empty: %+v", plan.Outline())
	}
	s := p.Execute(context.Background(), plan)
	if runner.callCount() != calls || s.Chunks != 0 {
		t.Errorf("second run dispatched %d chunks", runner.callCount()-calls)
	}
	if !reflect.DeepEqual(before, readValues(t, store, "de")) {
		t.Error("second run changed the map")
	}
}

func TestPlanner_PartialReplyMergesOnlyKnownKeys(t *testing.T) {
	store := newLangStore(t, "de")
	runner := &fakeRunner{fn: func(batch Batch, lang string) (ChunkResult, error) {
		return ChunkResult{Values: map[string]string{
			"Home":     "Startseite",
			"About":    "",
			"Injected": "nope",
		}}, nil
	}}
	p := NewPlanner(store, runner, testConfig(Sequential, 0), PlannerOptions{})

	s := planAndExecute(t, p)
	if s.Succeeded != 1 || s.Missing != 4 {
		t.Errorf("summary = %+v", s)
	}
	de := readValues(t, store, "de")
	if de["Home"] != "Startseite" || de["About"] != "" || de["Blog"] != "" {
		t.Errorf("de = %v", de)
	}
	if _, ok := de["Injected"]; ok {
		t.Error("key outside the map was added")
	}
	if len(de) != len(baseKeys) {
		t.Errorf("key set changed: %d keys", len(de))
	}
}

func TestPlanner_FailedChunkDoesNotStopSiblings(t *testing.T) {
	store := newLangStore(t, "de")
	runner := &fakeRunner{fn: func(batch Batch, lang string) (ChunkResult, error) {
		if batch[0].Key == "Blog" {
			return ChunkResult{}, &MalformedResponseError{Reason: ReasonNoJSON}
		}
		return ChunkResult{Values: echo(batch, lang)}, nil
	}}
	p := NewPlanner(store, runner, testConfig(Sequential, 2), PlannerOptions{})

	s := planAndExecute(t, p)
	if s.State != StateCompleted || s.Succeeded != 2 || s.Failed != 1 {
		t.Fatalf("summary = %+v", s)
	}
	if len(s.Failures) != 1 || s.Failures[0].Kind != KindMalformedResponse || s.Failures[0].Chunk != 2 || s.Failures[0].Keys != 2 {
		t.Errorf("failures = %+v", s.Failures)
	}
	de := readValues(t, store, "de")
	if de["Home"] == "" || de["Contact"] == "" || de["Blog"] != "" || de["Download"] != "" {
		t.Errorf("de = %v", de)
	}
}

func TestPlanner_ModesAgreeAndRespectLimit(t *testing.T) {
	var want map[string]map[string]string
	for _, mode := range ParallelModes {
		t.Run(string(mode), func(t *testing.T) {
			store := newLangStore(t, "de", "fr", "es")
			runner := &fakeRunner{hold: 5 * time.Millisecond}
			cfg := testConfig(mode, 2)
			s := planAndExecute(t, NewPlanner(store, runner, cfg, PlannerOptions{}))

			if s.Succeeded != 9 || s.Failed != 0 {
				t.Fatalf("summary = %+v", s)
			}
			got := map[string]map[string]string{}
			for _, code := range []string{"de", "fr", "es"} {
				got[code] = readValues(t, store, code)
			}
			if want == nil {
				want = got
			} else if !reflect.DeepEqual(got, want) {
				t.Errorf("mode %s produced different maps", mode)
			}

			peak := int(runner.peak.Load())
			limit := cfg.MaxConcurrent
			if mode == Sequential {
				limit = 1
			}
			if peak > limit {
				t.Errorf("peak concurrency %d exceeds %d", peak, limit)
			}
		})
	}
}

func TestPlanner_ConcurrentChunksOfOneLanguage(t *testing.T) {
	store := newLangStore(t, "de")
	runner := &fakeRunner{hold: 2 * time.Millisecond}
	cfg := testConfig(FullParallel, 1)
	cfg.MaxConcurrent = 5
	s := planAndExecute(t, NewPlanner(store, runner, cfg, PlannerOptions{}))

	if s.Succeeded != len(baseKeys) {
		t.Fatalf("summary = %+v", s)
	}
	de := readValues(t, store, "de")
	for _, k := range baseKeys {
		if de[k] != "German:"+k {
			t.Errorf("lost update for %s: %q", k, de[k])
		}
	}
}

func TestPlanner_CancelStopsNewChunks(t *testing.T) {
	store := newLangStore(t, "de")
	cancel := NewCancelToken()
	runner := &fakeRunner{fn: func(batch Batch, lang string) (ChunkResult, error) {
		cancel.Cancel()
		return ChunkResult{Values: echo(batch, lang)}, nil
	}}
	p := NewPlanner(store, runner, testConfig(Sequential, 1), PlannerOptions{Cancel: cancel})

	s := planAndExecute(t, p)
	if s.State != StateCancelled {
		t.Errorf("State = %s", s.State)
	}
	if s.Succeeded != 1 || s.Skipped != len(baseKeys)-1 || s.Failed != 0 {
		t.Errorf("summary = %+v", s)
	}
	if runner.callCount() != 1 {
		t.Errorf("runner called %d times", runner.callCount())
	}
	if de := readValues(t, store, "de"); de["Home"] != "German:Home" {
		t.Error("the in-flight chunk should still be saved")
	}
}

func TestPlanner_TargetSelection(t *testing.T) {
	store := newLangStore(t, "de", "fr")
	p := NewPlanner(store, &fakeRunner{}, testConfig(Sequential, 0), PlannerOptions{})

	plan, err := p.Plan(context.Background(), []string{"fr", "fr"})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Languages) != 1 || plan.Languages[0].Language.Code != "fr" {
		t.Errorf("plan = %+v", plan.Outline())
	}

	_, err = p.Plan(context.Background(), []string{"en"})
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("base language: %v", err)
	}
	_, err = p.Plan(context.Background(), []string{"ja"})
	if !errors.Is(err, ErrConfiguration) || !errors.Is(err, content.ErrLanguageNotFound) {
		t.Errorf("unknown language: %v", err)
	}
}

func TestPlanner_ProgressReachesTotal(t *testing.T) {
	store := newLangStore(t, "de")
	var (
		mu   sync.Mutex
		last RunProgress
		peak int
	)
	opts := PlannerOptions{OnProgress: func(p RunProgress) {
		mu.Lock()
		defer mu.Unlock()
		last = p
		if len(p.ActiveTasks) > peak {
			peak = len(p.ActiveTasks)
		}
	}}
	p := NewPlanner(store, &fakeRunner{}, testConfig(Sequential, 2), opts)
	planAndExecute(t, p)

	mu.Lock()
	defer mu.Unlock()
	if last.CompletedKeys != len(baseKeys) || last.TotalKeys != len(baseKeys) || len(last.ActiveTasks) != 0 {
		t.Errorf("last progress = %+v", last)
	}
	if peak != 1 {
		t.Errorf("peak active = %d, want 1", peak)
	}
}

// fakeMemory serves fixed translations and records what was saved.
type fakeMemory struct {
	known map[string]string

	mu       sync.Mutex
	recorded map[string]string
}

func (m *fakeMemory) Lookup(_ context.Context, lang string, sources []string) (map[string]string, error) {
	out := map[string]string{}
	for _, s := range sources {
		if v, ok := m.known[lang+"/"+s]; ok {
			out[s] = v
		}
	}
	return out, nil
}

func (m *fakeMemory) Record(_ context.Context, lang string, pairs map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recorded == nil {
		m.recorded = map[string]string{}
	}
	for k, v := range pairs {
		m.recorded[lang+"/"+k] = v
	}
	return nil
}

func TestPlanner_MemoryPrefill(t *testing.T) {
	store := newLangStore(t, "de")
	mem := &fakeMemory{known: map[string]string{"de/Home": "Startseite", "de/Blog": "Blog"}}
	runner := &fakeRunner{}
	p := NewPlanner(store, runner, testConfig(Sequential, 0), PlannerOptions{Memory: mem})

	plan, err := p.Plan(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	out := plan.Outline()
	if len(out) != 1 || out[0].FromMemory != 2 || out[0].Keys != 3 {
		t.Fatalf("outline = %+v", out)
	}
	if v := readValues(t, store, "de"); v["Home"] != "" {
		t.Fatal("planning must not write")
	}

	s := p.Execute(context.Background(), plan)
	if s.FromMemory != 2 || s.CompletedKeys != 5 {
		t.Errorf("summary = %+v", s)
	}
	de := readValues(t, store, "de")
	if de["Home"] != "Startseite" || de["About"] != "German:About" {
		t.Errorf("de = %v", de)
	}
	for _, b := range runner.calls {
		for _, e := range b {
			if e.Key == "Home" || e.Key == "Blog" {
				t.Errorf("%s was sent although memory had it", e.Key)
			}
		}
	}
	if mem.recorded["de/About"] != "German:About" {
		t.Errorf("recorded = %v", mem.recorded)
	}
}

func TestPlanner_LanguageNeverAdmittedIsSkipped(t *testing.T) {
	store := newLangStore(t, "de", "fr")
	cancel := NewCancelToken()
	runner := &fakeRunner{fn: func(batch Batch, lang string) (ChunkResult, error) {
		cancel.Cancel()
		return ChunkResult{Values: echo(batch, lang)}, nil
	}}
	p := NewPlanner(store, runner, testConfig(Sequential, 0), PlannerOptions{Cancel: cancel})

	s := planAndExecute(t, p)
	if s.Succeeded != 1 || s.Skipped != 1 {
		t.Errorf("summary = %+v", s)
	}
	if fr := readValues(t, store, "fr"); fr["Home"] != "" {
		t.Error("fr should not be translated after cancel")
	}
}

func ExampleSplitKeys() {
	fmt.Println(SplitKeys([]string{"a", "b", "c", "d", "e"}, 2))
	// Output: [[a b] [c d] [e]]
}
