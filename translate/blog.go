package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/minios-linux/sitekit/content"
	"github.com/minios-linux/sitekit/lockfile"
)

// Translatable blog fields, in prompt order.
const (
	FieldTitle   = "title"
	FieldExcerpt = "excerpt"
	FieldContent = "content"
)

// UpdatedAtLayout is the timestamp format written to updatedAt.
const UpdatedAtLayout = "2006-01-02T15:04:05.000Z"

// BlogOptions narrows a blog run.
type BlogOptions struct {
	// Slugs limits the run to these posts; empty means all posts.
	Slugs []string
	// Retranslate sends every field again even when a translation exists.
	Retranslate bool
}

// BlogJob is the translation of one post into one language.
type BlogJob struct {
	Slug       string
	Language   content.Language
	TargetName string
	Source     *content.BlogPost
	Existing   *content.BlogPost
	Batch      Batch
	Stale      bool
}

// ID identifies the job within a run.
func (j BlogJob) ID() string { return j.Slug + "." + j.Language.Code }

// BlogOutline reports blog jobs grouped by language, in first-seen order.
// Each post counts as one chunk.
func BlogOutline(jobs []BlogJob) []PlannedLanguage {
	var out []PlannedLanguage
	idx := make(map[string]int)
	for _, j := range jobs {
		i, ok := idx[j.Language.Code]
		if !ok {
			i = len(out)
			idx[j.Language.Code] = i
			out = append(out, PlannedLanguage{Code: j.Language.Code})
		}
		out[i].Keys += len(j.Batch)
		out[i].Chunks = append(out[i].Chunks, len(j.Batch))
	}
	return out
}

// BlogKeys counts the fields to translate across jobs.
func BlogKeys(jobs []BlogJob) int {
	n := 0
	for _, j := range jobs {
		n += len(j.Batch)
	}
	return n
}

// sourceDigest is what the lock file checksums for a post.
func sourceDigest(bp *content.BlogPost) string {
	return bp.Title + "\x00" + bp.Excerpt + "\x00" + bp.Content
}

func postField(bp *content.BlogPost, field string) string {
	if bp == nil {
		return ""
	}
	switch field {
	case FieldTitle:
		return bp.Title
	case FieldExcerpt:
		return bp.Excerpt
	case FieldContent:
		return bp.Content
	}
	return ""
}

// BlogTranslator translates blog posts into the site languages.
type BlogTranslator struct {
	posts  *content.PostStore
	runner ChunkRunner
	lock   *lockfile.LockFile
	cfg    RunConfig
	opts   PlannerOptions
	logger *zap.Logger
	track  *tracker
	now    func() time.Time

	saveMu sync.Mutex
}

// NewBlogTranslator returns a translator writing through posts. lock may be
// nil, in which case changed sources are not detected.
func NewBlogTranslator(posts *content.PostStore, runner ChunkRunner, lock *lockfile.LockFile, cfg RunConfig, opts PlannerOptions) *BlogTranslator {
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
	return &BlogTranslator{
		posts:  posts,
		runner: runner,
		lock:   lock,
		cfg:    cfg.WithDefaults(),
		opts:   opts,
		logger: logger,
		track:  newTracker(opts.Pause, opts.OnProgress),
		now:    time.Now,
	}
}

// Plan lists the posts × languages that need work. A translation is
// redone in full when its source changed since it was last written;
// otherwise only its empty fields are sent.
func (b *BlogTranslator) Plan(langs []content.Language, opts BlogOptions) ([]BlogJob, error) {
	slugs := opts.Slugs
	if len(slugs) == 0 {
		var err error
		if slugs, err = b.posts.Slugs(); err != nil {
			return nil, fmt.Errorf("listing posts: %w", err)
		}
	}

	var jobs []BlogJob
	for _, slug := range slugs {
		src, err := b.posts.ReadPost(slug)
		if err != nil {
			return nil, err
		}
		for _, lang := range langs {
			existing, err := b.posts.ReadTranslation(slug, lang.Code)
			if err != nil && !errors.Is(err, content.ErrPostNotFound) {
				return nil, err
			}
			stale := existing != nil && b.lock != nil &&
				b.lock.IsChanged(lockfile.BlogTarget(lang.Code), slug, sourceDigest(src))
			full := existing == nil || opts.Retranslate || stale

			var batch Batch
			for _, field := range []string{FieldTitle, FieldExcerpt, FieldContent} {
				source := postField(src, field)
				if strings.TrimSpace(source) == "" {
					continue
				}
				if !full && strings.TrimSpace(postField(existing, field)) != "" {
					continue
				}
				batch = append(batch, Entry{Key: field, Source: source})
			}
			if len(batch) == 0 {
				continue
			}
			jobs = append(jobs, BlogJob{
				Slug:       slug,
				Language:   lang,
				TargetName: promptLanguageName(lang),
				Source:     src,
				Existing:   existing,
				Batch:      batch,
				Stale:      stale,
			})
		}
	}
	return jobs, nil
}

// Execute translates jobs, one request per post and language. Languages
// run concurrently unless the mode is sequential.
func (b *BlogTranslator) Execute(ctx context.Context, jobs []BlogJob) Summary {
	ctx, span := tracer.Start(ctx, "translate.blog")
	defer span.End()
	span.SetAttributes(attribute.Int("posts", len(jobs)))

	start := time.Now()
	summary := Summary{
		Languages: len(BlogOutline(jobs)),
		Chunks:    len(jobs),
		TotalKeys: BlogKeys(jobs),
		Plan:      BlogOutline(jobs),
	}
	b.track.setTotal(summary.TotalKeys)

	limit := b.cfg.MaxConcurrent
	if b.cfg.ParallelMode == Sequential {
		limit = 1
	}
	tasks := make([]Task[ChunkResult], len(jobs))
	for i, job := range jobs {
		tasks[i] = Task[ChunkResult]{
			ID:    job.ID(),
			Label: job.ID(),
			Execute: func(ctx context.Context) (ChunkResult, error) {
				return b.runJob(ctx, job)
			},
		}
	}
	out := Schedule(ctx, tasks, Options{
		Limit:        limit,
		Delay:        b.cfg.Delay(),
		Cancel:       b.opts.Cancel,
		Pause:        b.opts.Pause,
		PollInterval: b.opts.PollInterval,
	})

	for i, job := range jobs {
		err := out.Errors[i]
		summary.Retries += out.Results[i].Retries
		switch {
		case err == nil:
			summary.Succeeded++
		case Classify(err) == KindCancelled:
			summary.Skipped++
		default:
			summary.Failed++
			summary.Failures = append(summary.Failures, Failure{
				Language: job.Language.Code,
				Slug:     job.Slug,
				Keys:     len(job.Batch),
				Kind:     Classify(err),
				Message:  err.Error(),
			})
		}
	}

	summary.CompletedKeys = b.track.snapshot().CompletedKeys
	summary.State = StateCompleted
	if b.opts.Cancel.Cancelled() || ctx.Err() != nil {
		summary.State = StateCancelled
	}
	summary.Duration = time.Since(start)
	b.logger.Info("blog translation finished",
		zap.String("state", string(summary.State)),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
	)
	return summary
}

func (b *BlogTranslator) runJob(ctx context.Context, job BlogJob) (ChunkResult, error) {
	b.track.begin(job.ID(), job.ID())
	defer b.track.end(job.ID())

	b.logger.Info("translating post",
		zap.String("slug", job.Slug),
		zap.String("lang", job.Language.Code),
		zap.Strings("fields", job.Batch.Keys()),
	)
	res, err := b.runner.Translate(ctx, job.Batch, job.TargetName)
	if err != nil {
		b.logger.Warn("post failed", zap.String("slug", job.Slug), zap.String("lang", job.Language.Code), zap.Error(err))
		return res, err
	}

	post := MergePost(job.Source, job.Existing, job.Batch, res.Values)
	post.UpdatedAt = b.now().UTC().Format(UpdatedAtLayout)
	if err := b.save(job, post); err != nil {
		b.logger.Error("saving post failed", zap.String("slug", job.Slug), zap.String("lang", job.Language.Code), zap.Error(err))
		return res, err
	}
	b.track.addKeys(len(job.Batch))
	return res, nil
}

func (b *BlogTranslator) save(job BlogJob, post *content.BlogPost) error {
	if err := b.posts.WriteTranslation(job.Slug, job.Language.Code, post); err != nil {
		return err
	}
	b.logger.Info("saved post translation",
		zap.String("path", b.posts.TranslationPath(job.Slug, job.Language.Code)),
	)
	if b.lock == nil || !post.IsTranslated() {
		return nil
	}
	b.saveMu.Lock()
	defer b.saveMu.Unlock()
	b.lock.Update(lockfile.BlogTarget(job.Language.Code), job.Slug, sourceDigest(job.Source))
	return b.lock.Save()
}

// MergePost builds the translated post. Inherited fields come from src;
// translatable fields come from values (batch fields only), then from
// existing, then stay empty.
func MergePost(src, existing *content.BlogPost, batch Batch, values map[string]string) *content.BlogPost {
	out := *src
	out.Tags = append([]string(nil), src.Tags...)
	out.Title = postField(existing, FieldTitle)
	out.Excerpt = postField(existing, FieldExcerpt)
	out.Content = postField(existing, FieldContent)

	for _, e := range batch {
		v := values[e.Key]
		if strings.TrimSpace(v) == "" {
			continue
		}
		switch e.Key {
		case FieldTitle:
			out.Title = v
		case FieldExcerpt:
			out.Excerpt = strings.TrimSpace(v)
		case FieldContent:
			out.Content = v
		}
	}
	return &out
}
