package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/minios-linux/sitekit/settings"
	"github.com/minios-linux/sitekit/translate"
)

// startRunRequest is the body of POST /api/runs: what to translate plus
// optional overrides of the stored settings for this run only.
type startRunRequest struct {
	Target      translate.Target `json:"target"`
	Languages   []string         `json:"languages,omitempty"`
	Slugs       []string         `json:"slugs,omitempty"`
	Retranslate bool             `json:"retranslate,omitempty"`
	DryRun      bool             `json:"dryRun,omitempty"`

	Provider      string `json:"provider,omitempty"`
	Model         string `json:"model,omitempty"`
	APIKey        string `json:"apiKey,omitempty"`
	BaseURL       string `json:"baseUrl,omitempty"`
	ProxyURL      string `json:"proxyUrl,omitempty"`
	ChunkSize     *int   `json:"chunkSize,omitempty"`
	TimeoutSec    *int   `json:"timeoutSec,omitempty"`
	ParallelMode  string `json:"parallelMode,omitempty"`
	MaxConcurrent *int   `json:"maxConcurrent,omitempty"`
	DelayMs       *int   `json:"delayMs,omitempty"`
	Memory        *bool  `json:"memory,omitempty"`
}

func (req startRunRequest) overrides() settings.Overrides {
	return settings.Overrides{
		Provider:      req.Provider,
		Model:         req.Model,
		APIKey:        req.APIKey,
		BaseURL:       req.BaseURL,
		ProxyURL:      req.ProxyURL,
		ChunkSize:     req.ChunkSize,
		TimeoutSec:    req.TimeoutSec,
		ParallelMode:  req.ParallelMode,
		MaxConcurrent: req.MaxConcurrent,
		DelayMs:       req.DelayMs,
		Memory:        req.Memory,
	}
}

// startRun handles POST /api/runs. The run continues in the background;
// the response is its initial snapshot.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err := s.opts.Resolve(req.overrides())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	langs := req.Languages
	if len(langs) == 0 {
		langs = s.opts.Languages
	}
	run, err := s.opts.Engine.Start(r.Context(), cfg, translate.Request{
		Target:      req.Target,
		Languages:   langs,
		Slugs:       req.Slugs,
		Retranslate: req.Retranslate,
		DryRun:      req.DryRun,
	}, nil)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.logger.Info("run started",
		zap.String("request_id", GetRequestID(r.Context())),
		zap.String("run", run.ID()),
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model),
	)
	w.Header().Set("Location", "/api/runs/"+run.ID())
	s.respondJSON(w, http.StatusAccepted, run.Snapshot())
}

// listRuns handles GET /api/runs, newest first.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.opts.Engine.List())
}

// getRun handles GET /api/runs/{id}.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.opts.Engine.Get(chi.URLParam(r, "id"))
	if !ok {
		s.respondError(w, http.StatusNotFound, "run not found")
		return
	}
	s.respondJSON(w, http.StatusOK, run.Snapshot())
}

// cancelRun handles DELETE /api/runs/{id}. Cancellation is cooperative:
// the snapshot reports cancelRequested until in-flight chunks finish.
func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.opts.Engine.Cancel(id) {
		s.respondError(w, http.StatusNotFound, "run not found")
		return
	}
	run, _ := s.opts.Engine.Get(id)
	s.respondJSON(w, http.StatusAccepted, run.Snapshot())
}
