package translate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/minios-linux/sitekit/provider"
	"github.com/minios-linux/sitekit/relay"
)

const (
	// DefaultRetryDelay is used when a 429 reply carries no hint.
	DefaultRetryDelay = 60 * time.Second
	// RetryMargin is added to every rate-limit backoff.
	RetryMargin = 5 * time.Second
)

var tracer = otel.Tracer("github.com/minios-linux/sitekit/translate")

// Entry is one key and the source text to translate.
type Entry struct {
	Key    string `json:"key"`
	Source string `json:"source"`
}

// Batch is an ordered set of entries sent in one request.
type Batch []Entry

// Keys returns the batch keys in order.
func (b Batch) Keys() []string {
	keys := make([]string, len(b))
	for i, e := range b {
		keys[i] = e.Key
	}
	return keys
}

// ChunkResult is the parsed reply for one batch.
type ChunkResult struct {
	Values  map[string]string
	Retries int
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// Reply is what a dispatched request returned.
type Reply struct {
	Status int
	Header http.Header
	Body   []byte
}

// Dispatcher sends a provider request over the adapter's transport.
type Dispatcher interface {
	Dispatch(ctx context.Context, transport provider.Transport, req provider.Request, proxyURL string, timeout time.Duration) (Reply, error)
}

// RelayDispatcher dispatches through the HTTP relay and the process runner.
type RelayDispatcher struct {
	HTTP    *relay.Client
	Process *relay.Runner
}

// NewRelayDispatcher returns a dispatcher over fresh relay components.
func NewRelayDispatcher(logger *zap.Logger) *RelayDispatcher {
	return &RelayDispatcher{HTTP: relay.NewClient(logger), Process: relay.NewRunner(logger)}
}

// Dispatch implements Dispatcher.
func (d *RelayDispatcher) Dispatch(ctx context.Context, transport provider.Transport, req provider.Request, proxyURL string, timeout time.Duration) (Reply, error) {
	if transport == provider.TransportProcess {
		res, err := d.Process.Run(ctx, relay.ProcessRequest{
			Command:  req.Endpoint,
			Args:     req.Args,
			Stdin:    req.Body,
			Env:      req.Headers,
			ProxyURL: proxyURL,
			Timeout:  timeout,
		})
		if err != nil {
			return Reply{Status: res.Status}, dispatchError("process "+req.Endpoint, err)
		}
		reply := Reply{Status: res.Status, Body: res.Output}
		if res.Status != http.StatusOK && len(res.Output) == 0 {
			reply.Body = []byte(res.Stderr)
		}
		return reply, nil
	}

	resp, err := d.HTTP.Do(ctx, relay.Request{
		Endpoint: req.Endpoint,
		Headers:  req.Headers,
		Body:     req.Body,
		ProxyURL: proxyURL,
		Timeout:  timeout,
	})
	if err != nil {
		return Reply{}, dispatchError("request", err)
	}
	return Reply{Status: resp.Status, Header: resp.Header, Body: resp.Body}, nil
}

func dispatchError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// ---------------------------------------------------------------------------
// Chunk translator
// ---------------------------------------------------------------------------

// SleepFunc waits for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoff sleeps for d. A cancel request ends the wait early with
// ErrCancelled, and no further request is sent.
func (t *ChunkTranslator) backoff(ctx context.Context, d time.Duration) error {
	if t.cancel.Cancelled() {
		return fmt.Errorf("rate-limit backoff: %w", ErrCancelled)
	}
	if t.cancel == nil {
		return t.sleep(ctx, d)
	}
	sleepCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-t.cancel.Done():
			stop()
		case <-sleepCtx.Done():
		}
	}()
	err := t.sleep(sleepCtx, d)
	if t.cancel.Cancelled() {
		return fmt.Errorf("rate-limit backoff: %w", ErrCancelled)
	}
	return err
}

// ChunkRunner translates one batch. ChunkTranslator is the production
// implementation; tests substitute fakes.
type ChunkRunner interface {
	Translate(ctx context.Context, batch Batch, targetLanguageName string) (ChunkResult, error)
}

// ChunkTranslator renders a prompt for a batch, dispatches it and parses
// the reply, retrying on HTTP 429.
type ChunkTranslator struct {
	adapter    provider.Adapter
	dispatcher Dispatcher
	cfg        RunConfig
	template   string
	pause      *PauseToken
	cancel     *CancelToken
	sleep      SleepFunc
	logger     *zap.Logger
}

// TranslatorOption customizes a ChunkTranslator.
type TranslatorOption func(*ChunkTranslator)

// WithPauseToken makes 429 backoffs pause the whole pool.
func WithPauseToken(p *PauseToken) TranslatorOption {
	return func(t *ChunkTranslator) { t.pause = p }
}

// WithCancelToken cuts 429 backoffs short when the run is cancelled.
func WithCancelToken(c *CancelToken) TranslatorOption {
	return func(t *ChunkTranslator) { t.cancel = c }
}

// WithSleep replaces the backoff sleep.
func WithSleep(fn SleepFunc) TranslatorOption {
	return func(t *ChunkTranslator) { t.sleep = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) TranslatorOption {
	return func(t *ChunkTranslator) { t.logger = l }
}

// WithTemplate replaces the prompt template.
func WithTemplate(tmpl string) TranslatorOption {
	return func(t *ChunkTranslator) { t.template = tmpl }
}

// NewChunkTranslator returns a translator for adapter. The template defaults
// to cfg.Prompt, then to the built-in UI prompt.
func NewChunkTranslator(adapter provider.Adapter, dispatcher Dispatcher, cfg RunConfig, opts ...TranslatorOption) *ChunkTranslator {
	t := &ChunkTranslator{
		adapter:    adapter,
		dispatcher: dispatcher,
		cfg:        cfg.WithDefaults(),
		template:   cfg.Prompt,
		sleep:      sleepContext,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if strings.TrimSpace(t.template) == "" {
		t.template = UISystemPrompt
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	return t
}

// Translate sends batch and returns the parsed key -> translation mapping.
// The mapping may contain keys outside the batch; callers filter them.
func (t *ChunkTranslator) Translate(ctx context.Context, batch Batch, targetLanguageName string) (ChunkResult, error) {
	if len(batch) == 0 {
		return ChunkResult{Values: map[string]string{}}, nil
	}

	ctx, span := tracer.Start(ctx, "translate.chunk")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", t.adapter.ID()),
		attribute.String("model", t.cfg.Model),
		attribute.String("language", targetLanguageName),
		attribute.Int("keys", len(batch)),
	)

	prompt, err := RenderPrompt(t.template, targetLanguageName, batch)
	if err != nil {
		return ChunkResult{}, err
	}
	req, err := t.adapter.BuildRequest(prompt, t.cfg.APIKey, t.cfg.Model)
	if err != nil {
		return ChunkResult{}, &ConfigError{Field: "provider", Err: err}
	}

	retries := 0
	for attempt := 1; ; attempt++ {
		t.logger.Debug("dispatching chunk",
			zap.String("provider", t.adapter.ID()),
			zap.String("lang", targetLanguageName),
			zap.Int("keys", len(batch)),
			zap.Int("attempt", attempt),
		)

		reply, err := t.dispatcher.Dispatch(ctx, t.adapter.Transport(), req, t.cfg.ProxyURL, t.cfg.Timeout())
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return ChunkResult{Retries: retries}, err
		}

		if reply.Status == http.StatusTooManyRequests {
			hint := provider.ParseRetryDelay(reply.Header, reply.Body)
			if retries >= t.cfg.MaxRetries {
				span.SetStatus(codes.Error, "rate limit exhausted")
				return ChunkResult{Retries: retries}, &RateLimitError{
					Attempts:   attempt,
					RetryAfter: hint,
					Detail:     truncate(provider.APIError(reply.Body), 200),
				}
			}
			wait := hint
			if wait <= 0 {
				wait = DefaultRetryDelay
			}
			wait += RetryMargin

			t.logger.Warn("rate limited, backing off",
				zap.String("provider", t.adapter.ID()),
				zap.String("lang", targetLanguageName),
				zap.Duration("wait", wait),
				zap.Int("retry", retries+1),
				zap.Int("max_retries", t.cfg.MaxRetries),
			)
			release := t.pause.Hold(wait)
			err := t.backoff(ctx, wait)
			release()
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				return ChunkResult{Retries: retries}, err
			}
			retries++
			continue
		}

		if reply.Status < 200 || reply.Status >= 300 {
			detail := provider.APIError(reply.Body)
			if detail == "" {
				detail = truncate(strings.TrimSpace(string(reply.Body)), 200)
			}
			span.SetStatus(codes.Error, fmt.Sprintf("status %d", reply.Status))
			return ChunkResult{Retries: retries}, &TransportError{
				Op:     t.adapter.ID(),
				Status: reply.Status,
				Err:    errors.New(detail),
			}
		}

		text := t.adapter.ExtractText(reply.Body)
		if strings.TrimSpace(text) == "" {
			span.SetStatus(codes.Error, "empty response")
			return ChunkResult{Retries: retries}, &MalformedResponseError{Reason: ReasonEmpty}
		}
		values, err := ParseTranslations(text)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return ChunkResult{Retries: retries}, err
		}
		span.SetAttributes(attribute.Int("retries", retries))
		return ChunkResult{Values: values, Retries: retries}, nil
	}
}
