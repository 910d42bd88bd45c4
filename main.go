// sitekit is a translation kit for static sites: AI translation of UI strings
// and blog posts, plus the admin API the site editor talks to.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/minios-linux/sitekit/config"
	"github.com/minios-linux/sitekit/content"
	"github.com/minios-linux/sitekit/i18n"
	"github.com/minios-linux/sitekit/langmeta"
	"github.com/minios-linux/sitekit/lockfile"
	"github.com/minios-linux/sitekit/logger"
	"github.com/minios-linux/sitekit/memory"
	"github.com/minios-linux/sitekit/merge"
	"github.com/minios-linux/sitekit/provider"
	"github.com/minios-linux/sitekit/server"
	"github.com/minios-linux/sitekit/settings"
	"github.com/minios-linux/sitekit/telemetry"
	"github.com/minios-linux/sitekit/translate"
)

// Version information (set via -ldflags during build)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ANSI colors
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[0;31m"
	colorGreen  = "\033[0;32m"
	colorYellow = "\033[1;33m"
	colorBlue   = "\033[0;34m"
)

func logInfo(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorBlue+"[INFO]"+colorReset+" "+i18n.T(format)+"\n", args...)
}

func logSuccess(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorGreen+"[OK]"+colorReset+" "+i18n.T(format)+"\n", args...)
}

func logWarning(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorYellow+"[WARN]"+colorReset+" "+i18n.T(format)+"\n", args...)
}

func logError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorRed+"[ERROR]"+colorReset+" "+i18n.T(format)+"\n", args...)
}

// ---------------------------------------------------------------------------
// Global flags and process state
// ---------------------------------------------------------------------------

var (
	rootDir string
	envFile string
	verbose bool
)

// app is set up once by the root command before any subcommand runs.
var app struct {
	env      settings.Env
	logger   *zap.Logger
	shutdown func(context.Context) error
}

// setup loads the environment and builds the logger and tracer.
func setup(ctx context.Context) error {
	i18n.Init("")

	path := envFile
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(rootDir, path)
	}
	env, err := settings.LoadEnv(path)
	if err != nil {
		return err
	}
	app.env = env

	level := env.LogLevel
	if verbose {
		level = "debug"
	}
	lg, err := logger.New(level, env.LogDev)
	if err != nil {
		return err
	}
	app.logger = lg

	shutdown, err := telemetry.Setup(ctx, env.OTelEndpoint, version)
	if err != nil {
		return err
	}
	app.shutdown = shutdown
	return nil
}

func teardown() {
	if app.shutdown != nil {
		if err := app.shutdown(context.Background()); err != nil {
			logWarning("Telemetry shutdown: %v", err)
		}
	}
	if app.logger != nil {
		_ = app.logger.Sync()
	}
}

// ---------------------------------------------------------------------------
// Root command
// ---------------------------------------------------------------------------

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sitekit",
		Short: "Translation kit for static sites with AI translation",
		Long: `sitekit — translation kit for static sites.

Keeps the site's language maps ({_meta, translations} JSON files) and blog
post translations in step with the base language and fills them using AI
providers. The same engine backs the admin API used by the site editor.

Commands:
  status      Show project info and translation statistics
  add         Add language files
  sync        Add missing base keys to every language
  translate   Translate language maps or blog posts using AI
  serve       Run the admin HTTP API
  models      List the models a provider offers
  providers   List AI providers and stored credentials
  settings    Show and change stored settings
  memory      Inspect the translation memory

AI Providers:
  google         Google AI (Gemini) — API key
  groq           Groq — API key required
  opencode       OpenCode (multi-format dispatcher)
  gemini-cli     Gemini CLI (local command)
  copilot-cli    GitHub Copilot CLI (local command)
  custom-openai  Custom OpenAI-compatible endpoint
  ollama         Ollama local server`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup(cmd.Context())
		},
	}

	// Global persistent flags, inherited by all subcommands
	root.PersistentFlags().StringVar(&rootDir, "root", ".", "Project root directory")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before SITEKIT_* variables are read")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newStatusCmd(),
		newAddCmd(),
		newSyncCmd(),
		newTranslateCmd(),
		newServeCmd(),
		newModelsCmd(),
		newProvidersCmd(),
		newSettingsCmd(),
		newMemoryCmd(),
		newVersionCmd(),
	)

	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	teardown()
	if err != nil {
		logError("%v", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// version
// ---------------------------------------------------------------------------

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display version, commit hash, and build date.`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sitekit version %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "  commit:    %s\n", commit)
			fmt.Fprintf(cmd.OutOrStdout(), "  built:     %s\n", date)
		},
	}

	return cmd
}

// ---------------------------------------------------------------------------
// Project wiring
// ---------------------------------------------------------------------------

// project bundles the resolved configuration with its stores.
type project struct {
	cfg   *config.Project
	store *content.FileStore
	posts *content.PostStore
}

func openProject() (*project, error) {
	cfg, err := config.Load(rootDir)
	if err != nil {
		return nil, err
	}
	p := &project{
		cfg:   cfg,
		store: content.NewFileStore(cfg.TranslationsDir, cfg.BaseLanguage, app.logger),
	}
	if cfg.HasBlog() {
		p.posts = content.NewPostStore(cfg.BlogDir)
	}
	return p, nil
}

// targetLanguages returns the languages named by flag, else the ones the
// project file lists, else nil (every language file).
func (p *project) targetLanguages(flag string) []string {
	if langs := parseLangs(flag); len(langs) > 0 {
		return langs
	}
	return p.cfg.Languages
}

// memoryHandle opens the translation memory on first use.
type memoryHandle struct {
	path   string
	logger *zap.Logger

	once  sync.Once
	store *memory.Store
}

func (h *memoryHandle) open() *memory.Store {
	h.once.Do(func() {
		st, err := memory.Open(h.path)
		if err != nil {
			h.logger.Warn("translation memory disabled", zap.String("path", h.path), zap.Error(err))
			return
		}
		h.store = st
	})
	return h.store
}

// forRun scopes the memory to the run's provider and model.
func (h *memoryHandle) forRun(cfg translate.RunConfig) translate.Memory {
	st := h.open()
	if st == nil {
		return nil
	}
	return st.Bind(cfg.Provider, cfg.Model)
}

func (h *memoryHandle) Close() {
	if h.store != nil {
		_ = h.store.Close()
	}
}

// newEngine builds the translation engine for p. The returned function
// releases the engine and the memory database.
func (p *project) newEngine(s settings.Settings) (*translate.Engine, func(), error) {
	opts := translate.EngineOptions{
		Registry: provider.NewRegistry(provider.Options{BaseURLs: s.BaseURLs}),
		Posts:    p.posts,
		Logger:   app.logger,
	}
	if p.posts != nil {
		lock, err := lockfile.Load(p.cfg.Root)
		if err != nil {
			return nil, nil, err
		}
		opts.Lock = lock
	}
	mem := &memoryHandle{path: p.cfg.MemoryDB, logger: app.logger}
	opts.Memory = mem.forRun

	engine := translate.NewEngine(p.store, opts)
	return engine, func() {
		engine.Close()
		mem.Close()
	}, nil
}

// resolver freezes settings into a RunConfig. Settings are re-read on every
// call so a running server sees `sitekit settings set` changes.
func resolver() server.ResolveFunc {
	return func(o settings.Overrides) (translate.RunConfig, error) {
		s, err := settings.Load()
		if err != nil {
			return translate.RunConfig{}, err
		}
		if o.Prompt == "" || o.BlogPrompt == "" {
			prompts := loadPrompts()
			if o.Prompt == "" {
				o.Prompt = prompts.Get(translate.PromptUI)
			}
			if o.BlogPrompt == "" {
				o.BlogPrompt = prompts.Get(translate.PromptBlog)
			}
		}
		return settings.Resolve(s, app.env, o), nil
	}
}

// loadPrompts reads prompts.json, falling back to the built-in templates.
func loadPrompts() translate.PromptSet {
	path, err := settings.PromptsFilePath()
	if err != nil {
		return translate.DefaultPrompts()
	}
	prompts, err := translate.LoadPrompts(path)
	if err != nil {
		app.logger.Warn("using built-in prompts", zap.Error(err))
	}
	return prompts
}

// ---------------------------------------------------------------------------
// status (read-only: project info + translation stats)
// ---------------------------------------------------------------------------

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project info and translation statistics",
		Long: `Show the project layout and translation statistics.

Displays where language maps and blog posts live, per-language progress,
blog translation coverage, the lock file and the translation memory. Does
not modify any files.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context())
		},
	}

	return cmd
}

func runStatus(ctx context.Context) error {
	p, err := openProject()
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "%s%s%s\n", colorBlue, i18n.T("Project"), colorReset)
	fmt.Fprintln(os.Stderr, strings.Repeat("─", 60))
	source := i18n.T("auto-detected")
	if p.cfg.FromFile {
		source = config.FileName
	}
	fmt.Fprintf(os.Stderr, "  %-16s %s (%s)\n", i18n.T("Root:"), p.cfg.Root, source)
	fmt.Fprintf(os.Stderr, "  %-16s %s\n", i18n.T("Translations:"), p.cfg.TranslationsDir)
	fmt.Fprintf(os.Stderr, "  %-16s %s\n", i18n.T("Base language:"), p.cfg.BaseLanguage)
	if p.cfg.HasBlog() {
		fmt.Fprintf(os.Stderr, "  %-16s %s\n", i18n.T("Blog:"), p.cfg.BlogDir)
	}
	fmt.Fprintln(os.Stderr)

	langs, err := p.store.Languages()
	if err != nil {
		return err
	}
	showStatsTable(p, langs)
	if p.posts != nil {
		showBlogStats(p, langs)
	}

	if p.posts != nil {
		if lf, err := lockfile.Load(p.cfg.Root); err == nil {
			logInfo("Lock file: %s", lf.Summary())
		}
	}
	if fileExists(p.cfg.MemoryDB) {
		showMemoryStats(ctx, p.cfg.MemoryDB)
	}

	printSuggestedCommands(p, langs)
	return nil
}

func showStatsTable(p *project, langs []content.Language) {
	codes := make([]string, 0, len(langs))
	for _, l := range langs {
		codes = append(codes, l.Code)
	}
	width := langColumnWidth(codes)

	fmt.Fprintf(os.Stderr, "%s%s%s\n", colorBlue, i18n.T("Translation Statistics"), colorReset)
	fmt.Fprintln(os.Stderr, strings.Repeat("─", 60))
	fmt.Fprintf(os.Stderr, "%-*s %-12s %-10s %s\n", width+3, i18n.T("Lang"), i18n.T("Translated"), i18n.T("Untrans."), i18n.T("Progress"))

	for _, l := range langs {
		if l.Code == p.cfg.BaseLanguage {
			continue
		}
		m, err := p.store.ReadLanguageMap(l.Code)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %-12s\n", langCell(l.Code, width), i18n.T("unreadable"))
			continue
		}
		total, translated, untranslated := m.Stats()
		fmt.Fprintf(os.Stderr, "%s %-12d %-10d %s\n", langCell(l.Code, width), translated, untranslated, progressBar(percent(translated, total), 20))
	}
	fmt.Fprintln(os.Stderr, strings.Repeat("─", 60))
	if base, err := p.store.ReadLanguageMap(p.cfg.BaseLanguage); err == nil {
		fmt.Fprintf(os.Stderr, "%s\n\n", i18n.F("Total keys: %d", base.Len()))
	}
}

func showBlogStats(p *project, langs []content.Language) {
	slugs, err := p.posts.Slugs()
	if err != nil {
		logWarning("Cannot read blog posts: %v", err)
		return
	}
	if len(slugs) == 0 {
		return
	}

	counts := make(map[string]int)
	for _, slug := range slugs {
		for _, lang := range p.posts.TranslationLangs(slug) {
			counts[lang]++
		}
	}

	fmt.Fprintf(os.Stderr, "%s%s%s\n", colorBlue, i18n.F("Blog posts (%d)", len(slugs)), colorReset)
	fmt.Fprintln(os.Stderr, strings.Repeat("─", 60))
	for _, l := range langs {
		if l.Code == p.cfg.BaseLanguage {
			continue
		}
		fmt.Fprintf(os.Stderr, "%-10s %3d/%-3d %s\n", l.Code, counts[l.Code], len(slugs), progressBar(percent(counts[l.Code], len(slugs)), 20))
	}
	fmt.Fprintln(os.Stderr)
}

func showMemoryStats(ctx context.Context, path string) {
	st, err := memory.Open(path)
	if err != nil {
		logWarning("Cannot open translation memory: %v", err)
		return
	}
	defer st.Close()
	stats, err := st.Stats(ctx)
	if err != nil || len(stats) == 0 {
		return
	}
	parts := make([]string, 0, len(stats))
	for _, s := range stats {
		parts = append(parts, fmt.Sprintf("%s: %d", s.Lang, s.Entries))
	}
	logInfo("Translation memory: %s", strings.Join(parts, ", "))
}

func printSuggestedCommands(p *project, langs []content.Language) {
	var gaps []string
	for _, l := range langs {
		if l.Code == p.cfg.BaseLanguage {
			continue
		}
		if m, err := p.store.ReadLanguageMap(l.Code); err == nil && len(m.Untranslated()) > 0 {
			gaps = append(gaps, l.Code)
		}
	}
	if len(gaps) == 0 {
		logSuccess("All languages are fully translated")
		return
	}
	logInfo("Suggested commands:")
	fmt.Fprintf(os.Stderr, "  sitekit sync\n")
	fmt.Fprintf(os.Stderr, "  sitekit translate --lang %s\n", strings.Join(gaps, ","))
}

// ---------------------------------------------------------------------------
// add (create language files)
// ---------------------------------------------------------------------------

func newAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add LANG...",
		Short: "Add language files",
		Long: `Create a language map for each code, holding every base key
untranslated. Codes are normalized (pt_br becomes pt-BR).`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			for _, code := range args {
				l, err := p.store.CreateLanguage(code)
				if err != nil {
					return err
				}
				logSuccess("Added %s %s (%s)", l.Flag, l.Code, l.Name)
			}
			return nil
		},
	}
	return cmd
}

// ---------------------------------------------------------------------------
// sync (add missing base keys)
// ---------------------------------------------------------------------------

func newSyncCmd() *cobra.Command {
	var (
		langs  string
		prune  bool
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Add missing base keys to every language",
		Long: `Lay every language map out like the base language: missing keys are
added untranslated in base order. Keys the base no longer has are kept at
the end, or removed with --prune.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			return runSync(p, p.targetLanguages(langs), merge.Options{Prune: prune}, dryRun)
		},
	}

	cmd.Flags().StringVar(&langs, "lang", "", "Languages to sync (comma-separated, default: all)")
	cmd.Flags().BoolVar(&prune, "prune", false, "Remove keys the base language no longer has")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would change without writing")
	return cmd
}

func runSync(p *project, codes []string, opts merge.Options, dryRun bool) error {
	base := p.cfg.BaseLanguage
	if len(codes) == 0 {
		langs, err := p.store.Languages()
		if err != nil {
			return err
		}
		for _, l := range langs {
			codes = append(codes, l.Code)
		}
	}
	codes = filterOutLang(codes, base)

	var baseMap *content.LanguageMap
	if dryRun {
		m, err := p.store.ReadLanguageMap(base)
		if err != nil {
			return err
		}
		baseMap = m
	}

	changed := 0
	for _, code := range codes {
		var res merge.Result
		if dryRun {
			target, err := p.store.ReadLanguageMap(code)
			if err != nil {
				return err
			}
			_, res = merge.SyncKeys(baseMap, target, opts)
		} else {
			r, err := merge.SyncLanguage(p.store, code, opts)
			if err != nil {
				return err
			}
			res = r
		}
		if !res.Changed() {
			continue
		}
		changed++
		logInfo("%s: +%d -%d", code, len(res.Added), len(res.Removed))
		if len(res.Orphaned) > 0 {
			logWarning("%s: %d keys not in %s (use --prune to remove)", code, len(res.Orphaned), base)
		}
	}

	switch {
	case changed == 0:
		logSuccess("All languages are in sync")
	case dryRun:
		logInfo("Dry run: %d language(s) would change", changed)
	default:
		logSuccess("Synced %d language(s)", changed)
	}
	return nil
}

// ---------------------------------------------------------------------------
// translate
// ---------------------------------------------------------------------------

func newTranslateCmd() *cobra.Command {
	var (
		langs       string
		target      string
		slugs       string
		retranslate bool
		dryRun      bool
	)

	cmd := &cobra.Command{
		Use:   "translate",
		Short: "Translate language maps or blog posts using AI",
		Long: `Translate untranslated keys of every language map (--target ui) or
missing and stale blog post translations (--target blog).

Provider, model and tuning come from the stored settings, SITEKIT_*
environment variables and the flags below, in increasing precedence.
Progress is saved after every chunk, so an interrupted run keeps its work.

Examples:
  # Translate using a stored provider and model
  sitekit translate

  # Translate German and French with Groq, four chunks at a time
  sitekit translate --provider groq --model llama-3.3-70b-versatile \
      --lang de,fr --parallel-mode parallel-chunks --max-concurrent 4

  # Translate blog posts with a local Ollama model
  sitekit translate --target blog --provider ollama --model qwen2.5

  # Dry run (show the chunk plan without calling AI)
  sitekit translate --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := overridesFromFlags(cmd.Flags())
			if err != nil {
				return err
			}
			return runTranslate(cmd.Context(), o, translate.Request{
				Target:      translate.Target(strings.ToLower(target)),
				Slugs:       parseLangs(slugs),
				Retranslate: retranslate,
				DryRun:      dryRun,
			}, langs)
		},
	}

	// Target selection
	cmd.Flags().StringVar(&target, "target", string(translate.TargetUI), "What to translate: ui or blog")
	cmd.Flags().StringVar(&langs, "lang", "", "Languages to translate (comma-separated, default: all)")
	cmd.Flags().StringVar(&slugs, "slugs", "", "Blog posts to translate (comma-separated, default: all)")
	cmd.Flags().BoolVar(&retranslate, "retranslate", false, "Re-translate already translated blog posts")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be translated without calling AI")

	addRunFlags(cmd.Flags())

	_ = cmd.RegisterFlagCompletionFunc("provider", completeProviders)
	_ = cmd.RegisterFlagCompletionFunc("parallel-mode", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		modes := make([]string, 0, len(translate.ParallelModes))
		for _, m := range translate.ParallelModes {
			modes = append(modes, string(m))
		}
		return modes, cobra.ShellCompDirectiveNoFileComp
	})
	_ = cmd.RegisterFlagCompletionFunc("target", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{string(translate.TargetUI), string(translate.TargetBlog)}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

// addRunFlags registers the flags that override stored run settings.
func addRunFlags(fs *pflag.FlagSet) {
	// Provider selection
	fs.String("provider", "", "AI provider: google, groq, opencode, gemini-cli, copilot-cli, custom-openai, ollama")
	fs.String("model", "", "Model name")
	fs.String("api-key", "", "API key (or SITEKIT_API_KEY env var)")
	fs.String("base-url", "", "Custom API base URL")

	// Translation behavior
	fs.Int("chunk-size", 0, "Keys per API request (0 = all at once)")
	fs.String("prompt", "", "Custom system prompt (use {{targetLang}} placeholder)")
	fs.Bool("memory", false, "Pre-fill keys from the translation memory")

	// Parallelization
	fs.String("parallel-mode", "", "sequential, parallel-languages, parallel-chunks or full-parallel")
	fs.Int("max-concurrent", 0, "Maximum concurrent requests")
	fs.Int("delay", 0, "Delay between requests in milliseconds")

	// Network
	fs.Int("timeout", 0, "Request timeout in seconds")
	fs.String("proxy", "", "HTTP/HTTPS proxy URL")
}

// overridesFromFlags turns the run flags the user actually set into
// Overrides. Flags left at their defaults do not mask lower layers.
func overridesFromFlags(fs *pflag.FlagSet) (settings.Overrides, error) {
	var (
		o    settings.Overrides
		errs []error
	)
	str := func(name string, dst *string) {
		if fs.Changed(name) {
			v, err := fs.GetString(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	num := func(name string, dst **int) {
		if fs.Changed(name) {
			v, err := fs.GetInt(name)
			errs = append(errs, err)
			*dst = &v
		}
	}

	str("provider", &o.Provider)
	str("model", &o.Model)
	str("api-key", &o.APIKey)
	str("base-url", &o.BaseURL)
	str("proxy", &o.ProxyURL)
	str("parallel-mode", &o.ParallelMode)
	str("prompt", &o.Prompt)
	num("chunk-size", &o.ChunkSize)
	num("timeout", &o.TimeoutSec)
	num("max-concurrent", &o.MaxConcurrent)
	num("delay", &o.DelayMs)
	if fs.Changed("memory") {
		v, err := fs.GetBool("memory")
		errs = append(errs, err)
		o.Memory = &v
	}
	return o, errors.Join(errs...)
}

func completeProviders(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	reg := provider.NewRegistry(provider.Options{})
	var out []string
	for _, a := range reg.All() {
		out = append(out, a.ID()+"\t"+a.Name())
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}

func runTranslate(ctx context.Context, o settings.Overrides, req translate.Request, langs string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	req.Languages = p.targetLanguages(langs)

	s, err := settings.Load()
	if err != nil {
		return err
	}
	cfg, err := resolver()(o)
	if err != nil {
		return err
	}
	engine, closeEngine, err := p.newEngine(s)
	if err != nil {
		return err
	}
	defer closeEngine()

	progress := newProgressDisplay()
	run, err := engine.Start(ctx, cfg, req, progress.update)
	if err != nil {
		return err
	}
	logInfo("Provider: %s, model: %s, mode: %s", cfg.Provider, cfg.Model, cfg.ParallelMode)

	go func() {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr)
			logWarning("Interrupted, finishing in-flight requests...")
			run.Cancel()
		case <-run.Done():
		}
	}()

	summary, err := run.Wait(context.Background())
	progress.finish()
	if err != nil {
		return err
	}
	printSummary(summary)
	if summary.State == translate.StateCancelled {
		return errors.New(i18n.T("Translation cancelled"))
	}
	if summary.Failed > 0 {
		return errors.New(i18n.F("%d chunk(s) failed", summary.Failed))
	}
	return nil
}

// progressDisplay drives a progress bar from run progress callbacks. The
// bar is created once the plan's key total is known.
type progressDisplay struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func newProgressDisplay() *progressDisplay { return &progressDisplay{} }

func (d *progressDisplay) update(p translate.RunProgress) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.TotalKeys == 0 {
		return
	}
	if d.bar == nil {
		d.bar = progressbar.NewOptions(p.TotalKeys,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionSetDescription("[cyan]"+i18n.T("Translating")+"[reset]"),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "[green]=[reset]",
				SaucerHead:    "[green]>[reset]",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}))
	}
	if p.RateLimitPauseActive {
		d.bar.Describe("[yellow]" + i18n.T("Rate limited, waiting") + "[reset]")
	} else {
		d.bar.Describe("[cyan]" + i18n.T("Translating") + "[reset]")
	}
	_ = d.bar.Set(p.CompletedKeys)
}

func (d *progressDisplay) finish() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bar != nil {
		_ = d.bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
}

func printSummary(s translate.Summary) {
	if s.DryRun {
		logInfo("Dry run: %d language(s), %d chunk(s), %d key(s)", s.Languages, s.Chunks, s.TotalKeys)
		for _, pl := range s.Plan {
			sizes := make([]string, 0, len(pl.Chunks))
			for _, n := range pl.Chunks {
				sizes = append(sizes, fmt.Sprint(n))
			}
			line := fmt.Sprintf("  %-10s %4d keys  chunks [%s]", pl.Code, pl.Keys, strings.Join(sizes, " "))
			if pl.FromMemory > 0 {
				line += fmt.Sprintf("  memory %d", pl.FromMemory)
			}
			fmt.Fprintln(os.Stderr, line)
		}
		return
	}

	if s.TotalKeys == 0 {
		logSuccess("Nothing to translate")
		return
	}
	for _, f := range s.Failures {
		where := f.Language
		if f.Slug != "" {
			where += "/" + f.Slug
		} else {
			where += fmt.Sprintf("#%d", f.Chunk)
		}
		logError("%s (%s): %s", where, f.Kind, f.Message)
	}
	if s.FromMemory > 0 {
		logInfo("%d key(s) filled from translation memory", s.FromMemory)
	}
	if s.Retries > 0 {
		logInfo("%d rate-limit retry(ies)", s.Retries)
	}
	if s.Missing > 0 {
		logWarning("%d key(s) missing from responses", s.Missing)
	}

	msg := i18n.F("%d/%d keys, %d chunk(s) succeeded, %d failed, %d skipped in %s",
		s.CompletedKeys, s.TotalKeys, s.Succeeded, s.Failed, s.Skipped, s.Duration.Round(time.Millisecond))
	if s.State == translate.StateCompleted && s.Failed == 0 {
		logSuccess("Translation complete")
		logSuccess("%s", msg)
	} else {
		logWarning("%s", msg)
	}
}

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin HTTP API",
		Long: `Serve the admin API under /api: language maps, blog posts, the
provider relay and background translation runs. Stops gracefully on
interrupt; active runs are cancelled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			s, err := settings.Load()
			if err != nil {
				return err
			}
			engine, closeEngine, err := p.newEngine(s)
			if err != nil {
				return err
			}
			defer closeEngine()

			srv := server.New(server.Options{
				Engine:    engine,
				Store:     p.store,
				Posts:     p.posts,
				Resolve:   resolver(),
				Languages: p.cfg.Languages,
				Logger:    app.logger,
			})
			addr := listen
			if addr == "" {
				addr = p.cfg.Listen
			}
			if addr == "" {
				addr = config.DefaultListen
			}
			logInfo("Admin API listening on http://%s/api", addr)
			return srv.ListenAndServe(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default from "+config.FileName+" or "+config.DefaultListen+")")
	return cmd
}

// ---------------------------------------------------------------------------
// models / providers
// ---------------------------------------------------------------------------

func newModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models a provider offers",
		Long: `Query the provider for its models. Google, Groq, OpenCode,
custom-openai and Ollama can list models; the command-line providers
cannot.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := overridesFromFlags(cmd.Flags())
			if err != nil {
				return err
			}
			return runModels(cmd.Context(), cmd, o)
		},
	}
	cmd.Flags().String("provider", "", "AI provider (default: stored provider)")
	cmd.Flags().String("api-key", "", "API key")
	cmd.Flags().String("base-url", "", "Custom API base URL")
	cmd.Flags().String("proxy", "", "HTTP/HTTPS proxy URL")
	_ = cmd.RegisterFlagCompletionFunc("provider", completeProviders)
	return cmd
}

func runModels(ctx context.Context, cmd *cobra.Command, o settings.Overrides) error {
	s, err := settings.Load()
	if err != nil {
		return err
	}
	cfg := settings.Resolve(s, app.env, o)
	if cfg.Provider == "" {
		return errors.New(i18n.T("No provider selected (use --provider or sitekit settings set provider)"))
	}
	reg := provider.NewRegistry(provider.Options{BaseURLs: s.BaseURLs})
	if cfg.BaseURL != "" {
		reg = reg.WithBaseURL(cfg.Provider, cfg.BaseURL)
	}
	a, err := reg.Lookup(cfg.Provider)
	if err != nil {
		return err
	}
	if _, ok := a.(provider.ModelLister); !ok {
		logWarning("%s cannot list models", a.Name())
		return nil
	}

	models := provider.FetchModels(ctx, a, cfg.APIKey, cfg.ProxyURL)
	if len(models) == 0 {
		logWarning("No models returned by %s", a.Name())
		return nil
	}
	for _, m := range models {
		fmt.Fprintln(cmd.OutOrStdout(), m)
	}
	return nil
}

func newProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List AI providers and stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := settings.Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			reg := provider.NewRegistry(provider.Options{BaseURLs: s.BaseURLs})
			for _, a := range reg.All() {
				mark := " "
				if a.ID() == s.Provider {
					mark = "*"
				}
				var notes []string
				if key := s.APIKey(a.ID()); key != "" {
					notes = append(notes, i18n.F("key %s", settings.MaskKey(key)))
				} else if provider.RequiresAPIKey(a.ID()) {
					notes = append(notes, i18n.T("no key"))
				}
				if u := s.BaseURL(a.ID()); u != "" {
					notes = append(notes, u)
				}
				fmt.Fprintf(out, "%s %-14s %-24s %-8s %s\n", mark, a.ID(), a.Name(), a.Transport(), strings.Join(notes, ", "))
			}
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// settings
// ---------------------------------------------------------------------------

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show and change stored settings",
		Long: `Stored settings live in $XDG_DATA_HOME/sitekit/settings.json.
API keys and base URLs are stored for the selected provider, so set the
provider first.

Keys: ` + strings.Join(settings.Keys, ", "),
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Show all settings",
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := settings.Load()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, k := range settings.Keys {
					v, _ := s.Get(k)
					if k == "apiKey" && v != "" {
						v = settings.MaskKey(v)
					}
					fmt.Fprintf(out, "%-14s %s\n", k, v)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "get KEY",
			Short: "Print one setting",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := settings.Load()
				if err != nil {
					return err
				}
				v, err := s.Get(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set KEY VALUE",
			Short: "Change one setting (an empty value clears it)",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := settings.Load()
				if err != nil {
					return err
				}
				if args[0] == "parallelMode" && args[1] != "" {
					if _, err := translate.ParseParallelMode(args[1]); err != nil {
						return err
					}
				}
				if err := s.Set(args[0], args[1]); err != nil {
					return err
				}
				if err := settings.Save(s); err != nil {
					return err
				}
				logSuccess("Saved %s", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the settings file path",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), settings.FilePath())
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Delete stored settings, credentials and prompts",
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := settings.RemoveAll(); err != nil {
					return err
				}
				logSuccess("Settings removed")
				return nil
			},
		},
	)
	return cmd
}

// ---------------------------------------------------------------------------
// memory
// ---------------------------------------------------------------------------

func newMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect the translation memory",
		Long: `The translation memory records every successful translation per
provider and model. Enable it with "sitekit settings set memory true" or
--memory; untranslated keys are then filled from it before any request.`,
	}

	open := func() (*memory.Store, error) {
		p, err := openProject()
		if err != nil {
			return nil, err
		}
		return memory.Open(p.cfg.MemoryDB)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show entries per language",
			RunE: func(cmd *cobra.Command, args []string) error {
				st, err := open()
				if err != nil {
					return err
				}
				defer st.Close()
				stats, err := st.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if len(stats) == 0 {
					logInfo("Translation memory is empty")
					return nil
				}
				for _, s := range stats {
					fmt.Fprintf(cmd.OutOrStdout(), "%-10s %d\n", s.Lang, s.Entries)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "forget LANG",
			Short: "Delete every entry for a language",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				st, err := open()
				if err != nil {
					return err
				}
				defer st.Close()
				n, err := st.Forget(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				logSuccess("Removed %d entries for %s", n, args[0])
				return nil
			},
		},
	)
	return cmd
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// parseLangs splits a comma-separated list, dropping blanks and duplicates.
func parseLangs(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	return out
}

// filterOutLang removes every occurrence of lang.
func filterOutLang(langs []string, lang string) []string {
	out := make([]string, 0, len(langs))
	for _, l := range langs {
		if l != lang {
			out = append(out, l)
		}
	}
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func percent(n, total int) int {
	if total <= 0 {
		return 100
	}
	return n * 100 / total
}

// progressBar renders a colored bar followed by the percentage.
func progressBar(pct, width int) string {
	pct = max(0, min(100, pct))
	filled := pct * width / 100

	color := colorRed
	switch {
	case pct >= 100:
		color = colorGreen
	case pct >= 50:
		color = colorYellow
	}
	return color + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + colorReset + fmt.Sprintf(" %3d%%", pct)
}

// langColumnWidth is the widest code, for aligned tables.
func langColumnWidth(codes []string) int {
	width := 4
	for _, c := range codes {
		width = max(width, len(c))
	}
	return width
}

// langCell renders a flag and the code padded to width.
func langCell(code string, width int) string {
	flag := langmeta.Resolve(code).Flag
	if flag == "" {
		flag = "  "
	}
	return flag + " " + code + strings.Repeat(" ", width-len(code))
}
