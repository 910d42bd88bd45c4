// Package server is the admin HTTP API the site editor talks to: language
// maps, blog posts, the provider relay and translation runs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/minios-linux/sitekit/content"
	"github.com/minios-linux/sitekit/merge"
	"github.com/minios-linux/sitekit/relay"
	"github.com/minios-linux/sitekit/settings"
	"github.com/minios-linux/sitekit/translate"
)

const (
	defaultRateLimit    = 300
	defaultMaxBodyBytes = 10 << 20
	shutdownTimeout     = 30 * time.Second
)

// LanguageStore is the language persistence the API reads, patches and
// syncs.
type LanguageStore interface {
	content.Store
	merge.Store
}

// ResolveFunc freezes the stored settings plus per-request overrides into
// a run configuration.
type ResolveFunc func(o settings.Overrides) (translate.RunConfig, error)

// Options configures a Server.
type Options struct {
	Engine *translate.Engine
	Store  LanguageStore
	// Posts is nil when the site has no blog.
	Posts   *content.PostStore
	Relay   *relay.Client
	Runner  *relay.Runner
	Resolve ResolveFunc
	// Languages is the default target list for runs that name none.
	Languages []string
	Logger    *zap.Logger
	// RateLimit is the per-IP request budget per minute.
	RateLimit    int
	MaxBodyBytes int64
}

// Server serves the admin API.
type Server struct {
	opts   Options
	logger *zap.Logger
	router chi.Router
	models singleflight.Group
}

// New builds the router.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Relay == nil {
		opts.Relay = relay.NewClient(opts.Logger)
	}
	if opts.Runner == nil {
		opts.Runner = relay.NewRunner(opts.Logger)
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{opts: opts, logger: opts.Logger}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(LogRequests(s.logger))
	r.Use(Recover(s.logger))
	r.Use(httprate.LimitByIP(s.opts.RateLimit, time.Minute))
	r.Use(LimitBody(s.opts.MaxBodyBytes))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.health)

		r.Route("/languages", func(r chi.Router) {
			r.Get("/", s.listLanguages)
			r.Get("/{code}/translations", s.getTranslations)
			r.Patch("/{code}/translations", s.patchTranslations)
			r.Post("/{code}/sync", s.syncLanguage)
		})

		r.Route("/ai", func(r chi.Router) {
			r.Post("/relay", s.relayHTTP)
			r.Post("/process", s.relayProcess)
			r.Get("/providers", s.listProviders)
			r.Get("/models", s.listModels)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.listRuns)
			r.Post("/", s.startRun)
			r.Get("/{id}", s.getRun)
			r.Delete("/{id}", s.cancelRun)
		})

		r.Route("/blog/posts", func(r chi.Router) {
			r.Get("/", s.listPosts)
			r.Get("/{slug}", s.getPost)
		})
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps package errors onto statuses.
func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	body := map[string]string{"error": err.Error()}
	switch {
	case errors.Is(err, content.ErrLanguageNotFound), errors.Is(err, content.ErrPostNotFound):
		status = http.StatusNotFound
	case errors.Is(err, content.ErrInvalidCode):
		status = http.StatusBadRequest
	case errors.Is(err, translate.ErrConfiguration):
		status = http.StatusBadRequest
		body["kind"] = string(translate.KindConfiguration)
	case errors.Is(err, relay.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, relay.ErrTransport):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	s.respondJSON(w, status, body)
}

// decodeJSON reads a JSON body into dst, rejecting unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
