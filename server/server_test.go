package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minios-linux/sitekit/content"
	"github.com/minios-linux/sitekit/provider"
	"github.com/minios-linux/sitekit/settings"
	"github.com/minios-linux/sitekit/translate"
)

// fakeOllama answers chat completions by prefixing every value of the
// prompt's JSON object with the target language name, and lists two models.
type fakeOllama struct {
	chats  atomic.Int32
	models atomic.Int32
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/tags":
		f.models.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"models":[{"name":"qwen"},{"name":"llama3"}]}`))
	case "/v1/chat/completions":
		f.chats.Add(1)
		var body struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		prompt := body.Messages[len(body.Messages)-1].Content
		const marker = "Translate the values of this JSON object to "
		rest := prompt[strings.LastIndex(prompt, marker)+len(marker):]
		lang, payload, _ := strings.Cut(rest, ":\n\n")
		var batch map[string]string
		if err := json.Unmarshal([]byte(payload), &batch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for k, v := range batch {
			batch[k] = lang + ":" + v
		}
		text, _ := json.Marshal(batch)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": string(text)}}},
		})
	case "/echo":
		data, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte(r.Header.Get("X-Test") + ":" + string(data)))
	default:
		http.NotFound(w, r)
	}
}

type fixture struct {
	server   *Server
	store    *content.FileStore
	upstream *fakeOllama
	url      string
	postsDir string
}

func newLangStore(t *testing.T) *content.FileStore {
	t.Helper()
	store := content.NewFileStore(t.TempDir(), "en", nil)
	base := content.NewLanguageMap(content.Meta{Name: "English", Flag: "🇺🇸"})
	for _, k := range []string{"Home", "About", "Blog"} {
		base.Set(k, k)
	}
	require.NoError(t, store.WriteLanguageMap("en", base))
	_, err := store.CreateLanguage("de")
	require.NoError(t, err)
	return store
}

func newFixture(t *testing.T, withBlog bool) *fixture {
	t.Helper()
	up := &fakeOllama{}
	ts := httptest.NewServer(up)
	t.Cleanup(ts.Close)

	script := filepath.Join(t.TempDir(), "copilot")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho Bonjour\n"), 0755))

	reg := provider.NewRegistry(provider.Options{
		BaseURLs: map[string]string{provider.Ollama: ts.URL},
		Commands: map[string]string{provider.CopilotCLI: script},
	})

	f := &fixture{store: newLangStore(t), upstream: up, url: ts.URL}
	var posts *content.PostStore
	if withBlog {
		f.postsDir = t.TempDir()
		post := "---\ntitle: Hello\nexcerpt: First\npublishedAt: \"2024-03-01\"\n---\nBody text.\n"
		require.NoError(t, os.WriteFile(filepath.Join(f.postsDir, "hello.md"), []byte(post), 0644))
		posts = content.NewPostStore(f.postsDir)
	}

	engine := translate.NewEngine(f.store, translate.EngineOptions{
		Registry:     reg,
		Posts:        posts,
		PollInterval: 5 * time.Millisecond,
	})
	t.Cleanup(engine.Close)

	stored := settings.Settings{Provider: provider.Ollama, Model: "qwen", ChunkSize: 2}
	f.server = New(Options{
		Engine: engine,
		Store:  f.store,
		Posts:  posts,
		// Run tests poll quickly.
		RateLimit: 100000,
		Resolve: func(o settings.Overrides) (translate.RunConfig, error) {
			return settings.Resolve(stored, settings.Env{}, o), nil
		},
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		if s, ok := body.(string); ok {
			rd = strings.NewReader(s)
		} else {
			data, err := json.Marshal(body)
			require.NoError(t, err)
			rd = bytes.NewReader(data)
		}
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndRequestID(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestLanguages(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.store.UpdateLanguageMap("de", map[string]string{"Home": "Start"}))

	rec := f.do(t, http.MethodGet, "/api/languages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	langs := decode[[]languageInfo](t, rec)
	require.Len(t, langs, 2)
	assert.Equal(t, "en", langs[0].Code)
	assert.True(t, langs[0].Base)
	assert.Equal(t, languageInfo{Code: "de", Name: "Deutsch", Flag: langs[1].Flag, Total: 3, Translated: 1}, langs[1])
}

func TestGetTranslationsKeepsOrder(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodGet, "/api/languages/en/translations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Less(t, strings.Index(body, `"Home"`), strings.Index(body, `"About"`))
	assert.Less(t, strings.Index(body, `"About"`), strings.Index(body, `"Blog"`))

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/languages/fr/translations", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/languages/1x/translations", nil).Code)
}

func TestPatchTranslations(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPatch, "/api/languages/de/translations", map[string]any{
		"translations": map[string]string{"About": "Über uns"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	m, err := f.store.ReadLanguageMap("de")
	require.NoError(t, err)
	v, _ := m.Get("About")
	assert.Equal(t, "Über uns", v)
	assert.Equal(t, []string{"Home", "About", "Blog"}, m.Keys())

	rec = f.do(t, http.MethodPatch, "/api/languages/de/translations", map[string]any{
		"translations": map[string]string{"Nope": "x"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown keys: Nope")

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPatch, "/api/languages/de/translations", `{"translations":{}}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPatch, "/api/languages/de/translations", `{"values":{}}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPatch, "/api/languages/fr/translations", `{"translations":{"a":"b"}}`).Code)
}

func TestSyncLanguage(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.store.UpdateLanguageMap("en", map[string]string{"Contact": "Contact"}))
	require.NoError(t, f.store.UpdateLanguageMap("de", map[string]string{"Legacy": "Alt"}))

	rec := f.do(t, http.MethodPost, "/api/languages/de/sync?prune=true", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[map[string][]string](t, rec)
	assert.Equal(t, []string{"Contact"}, res["added"])
	assert.Equal(t, []string{"Legacy"}, res["removed"])

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/languages/en/sync", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/languages/de/sync?prune=maybe", nil).Code)
}

func TestProvidersAndModels(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodGet, "/api/ai/providers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	providers := decode[[]providerInfo](t, rec)
	require.Len(t, providers, len(provider.IDs))
	byID := make(map[string]providerInfo)
	for _, p := range providers {
		byID[p.ID] = p
	}
	assert.True(t, byID[provider.Groq].RequiresAPIKey)
	assert.True(t, byID[provider.CustomOpenAI].RequiresBaseURL)
	assert.Equal(t, "process", byID[provider.GeminiCLI].Transport)
	assert.True(t, byID[provider.Ollama].ListsModels)

	rec = f.do(t, http.MethodGet, "/api/ai/models?provider=ollama", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	models := decode[struct {
		Provider string   `json:"provider"`
		Models   []string `json:"models"`
	}](t, rec)
	assert.Equal(t, "ollama", models.Provider)
	assert.Equal(t, []string{"llama3", "qwen"}, models.Models)

	// The stored provider is used when none is given.
	rec = f.do(t, http.MethodGet, "/api/ai/models", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, f.upstream.models.Load())

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/ai/models?provider=nope", nil).Code)
}

func TestRelayHTTP(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, "/api/ai/relay", map[string]any{
		"endpoint": f.url + "/echo",
		"headers":  map[string]string{"X-Test": "hdr"},
		"body":     `{"q":1}`,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":418,"body":"hdr:{\"q\":1}"}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/ai/relay", map[string]any{"endpoint": "file:///etc/passwd"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRelayProcess(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, "/api/ai/process", map[string]any{
		"provider": provider.CopilotCLI,
		"prompt":   "Say hello in French",
		"model":    "gpt-5",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[processResponse](t, rec)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, "Bonjour", out.ExtractedText)

	rec = f.do(t, http.MethodPost, "/api/ai/process", map[string]any{"provider": provider.Ollama, "prompt": "x", "model": "m"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "not a command-line tool")

	rec = f.do(t, http.MethodPost, "/api/ai/process", map[string]any{"provider": provider.CopilotCLI, "prompt": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func waitState(t *testing.T, f *fixture, id string) translate.RunState {
	t.Helper()
	var st translate.RunState
	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/api/runs/"+id, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		st = decode[translate.RunState](t, rec)
		return st.State.Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	return st
}

func TestRunLifecycle(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, "/api/runs", map[string]any{"languages": []string{"de"}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	started := decode[translate.RunState](t, rec)
	require.NotEmpty(t, started.ID)
	assert.Equal(t, "/api/runs/"+started.ID, rec.Header().Get("Location"))
	assert.Equal(t, "ollama", started.Provider)

	st := waitState(t, f, started.ID)
	require.Equal(t, translate.StateCompleted, st.State)
	require.NotNil(t, st.Summary)
	assert.Equal(t, 2, st.Summary.Succeeded)
	assert.Equal(t, 3, st.Summary.CompletedKeys)
	assert.EqualValues(t, 2, f.upstream.chats.Load())

	m, err := f.store.ReadLanguageMap("de")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Home": "German:Home", "About": "German:About", "Blog": "German:Blog"}, m.Values())

	rec = f.do(t, http.MethodGet, "/api/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]translate.RunState](t, rec), 1)

	rec = f.do(t, http.MethodDelete, "/api/runs/"+started.ID, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/runs/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/runs/missing", nil).Code)
}

func TestRunRejectsBadConfig(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, "/api/runs", map[string]any{"provider": "groq"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "configuration", body["kind"])
	assert.Contains(t, body["error"], "missing API key")

	rec = f.do(t, http.MethodPost, "/api/runs", map[string]any{"target": "blog"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.EqualValues(t, 0, f.upstream.chats.Load())
}

func TestRunDryRun(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, "/api/runs", map[string]any{"dryRun": true, "chunkSize": 1})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	st := waitState(t, f, decode[translate.RunState](t, rec).ID)
	require.NotNil(t, st.Summary)
	assert.True(t, st.Summary.DryRun)
	assert.Equal(t, 3, st.Summary.Chunks)
	assert.EqualValues(t, 0, f.upstream.chats.Load())
}

func TestBlogPosts(t *testing.T) {
	f := newFixture(t, false)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/blog/posts", nil).Code)

	f = newFixture(t, true)
	rec := f.do(t, http.MethodGet, "/api/blog/posts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	posts := decode[[]postSummary](t, rec)
	require.Len(t, posts, 1)
	assert.Equal(t, postSummary{Slug: "hello", Title: "Hello", Excerpt: "First", PublishedAt: "2024-03-01", Published: true, Translations: []string{}}, posts[0])

	rec = f.do(t, http.MethodGet, "/api/blog/posts/hello", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Body text.\n", decode[content.BlogPost](t, rec).Content)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/blog/posts/hello?lang=de", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/blog/posts/missing", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/blog/posts/.hidden", nil).Code)

	rec = f.do(t, http.MethodPost, "/api/runs", map[string]any{"target": "blog", "languages": []string{"de"}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	st := waitState(t, f, decode[translate.RunState](t, rec).ID)
	require.Equal(t, translate.StateCompleted, st.State)

	rec = f.do(t, http.MethodGet, "/api/blog/posts/hello?lang=de", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	de := decode[content.BlogPost](t, rec)
	assert.Equal(t, "German:Hello", de.Title)
	assert.Equal(t, "2024-03-01", de.PublishedAt)
}

func TestMiddlewareLimitsAndRecovery(t *testing.T) {
	srv := New(Options{MaxBodyBytes: 8})
	srv.router.Post("/big", func(w http.ResponseWriter, r *http.Request) {})
	srv.router.Get("/panic", func(w http.ResponseWriter, r *http.Request) { panic("boom") })

	req := httptest.NewRequest(http.MethodPost, "/big", strings.NewReader("0123456789"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}
