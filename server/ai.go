package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/minios-linux/sitekit/provider"
	"github.com/minios-linux/sitekit/relay"
	"github.com/minios-linux/sitekit/settings"
)

// modelListTimeout bounds one shared model listing.
const modelListTimeout = 30 * time.Second

type relayRequest struct {
	Endpoint   string            `json:"endpoint"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body"`
	ProxyURL   string            `json:"proxyUrl,omitempty"`
	TimeoutSec int               `json:"timeoutSec,omitempty"`
}

type relayResponse struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// relayHTTP handles POST /api/ai/relay: the request is POSTed to the
// provider and its status and body are returned verbatim.
func (s *Server) relayHTTP(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !strings.HasPrefix(req.Endpoint, "http://") && !strings.HasPrefix(req.Endpoint, "https://") {
		s.respondError(w, http.StatusBadRequest, "endpoint must be an http(s) URL")
		return
	}

	resp, err := s.opts.Relay.Do(r.Context(), relay.Request{
		Endpoint: req.Endpoint,
		Headers:  req.Headers,
		Body:     []byte(req.Body),
		ProxyURL: req.ProxyURL,
		Timeout:  time.Duration(req.TimeoutSec) * time.Second,
	})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, relayResponse{Status: resp.Status, Body: string(resp.Body)})
}

type processRequest struct {
	Provider       string `json:"provider"`
	Prompt         string `json:"prompt"`
	Model          string `json:"model"`
	APIKey         string `json:"apiKey,omitempty"`
	ProxyURL       string `json:"proxyUrl,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

type processResponse struct {
	Status        int    `json:"status"`
	ExtractedText string `json:"extractedText"`
	Stderr        string `json:"stderr,omitempty"`
}

// relayProcess handles POST /api/ai/process: one prompt is run through a
// local AI command-line tool.
func (s *Server) relayProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := s.opts.Engine.Registry().Lookup(req.Provider)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if a.Transport() != provider.TransportProcess {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("provider %s is not a command-line tool", a.ID()))
		return
	}
	if err := provider.Check(a, req.APIKey, req.Model); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	pr, err := a.BuildRequest(req.Prompt, req.APIKey, req.Model)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.opts.Runner.Run(r.Context(), relay.ProcessRequest{
		Command:  pr.Endpoint,
		Args:     pr.Args,
		Stdin:    pr.Body,
		Env:      pr.Headers,
		ProxyURL: req.ProxyURL,
		Timeout:  time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil && res.Status == 0 {
		s.respondErr(w, r, err)
		return
	}
	out := processResponse{Status: res.Status, Stderr: res.Stderr}
	if res.Status == http.StatusOK {
		out.ExtractedText = a.ExtractText(res.Output)
	}
	s.respondJSON(w, http.StatusOK, out)
}

type providerInfo struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Transport       string `json:"transport"`
	RequiresAPIKey  bool   `json:"requiresApiKey"`
	RequiresBaseURL bool   `json:"requiresBaseUrl"`
	ListsModels     bool   `json:"listsModels"`
}

// listProviders handles GET /api/ai/providers.
func (s *Server) listProviders(w http.ResponseWriter, r *http.Request) {
	adapters := s.opts.Engine.Registry().All()
	out := make([]providerInfo, 0, len(adapters))
	for _, a := range adapters {
		_, lists := a.(provider.ModelLister)
		out = append(out, providerInfo{
			ID:              a.ID(),
			Name:            a.Name(),
			Transport:       a.Transport().String(),
			RequiresAPIKey:  provider.RequiresAPIKey(a.ID()),
			RequiresBaseURL: provider.RequiresBaseURL(a.ID()),
			ListsModels:     lists,
		})
	}
	s.respondJSON(w, http.StatusOK, out)
}

// listModels handles GET /api/ai/models?provider=ID. Concurrent requests
// for the same provider and credentials share one upstream listing.
func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	id := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("provider")))
	cfg, err := s.opts.Resolve(settings.Overrides{Provider: id})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if cfg.Provider == "" {
		s.respondError(w, http.StatusBadRequest, "provider is required")
		return
	}

	reg := s.opts.Engine.Registry()
	if cfg.BaseURL != "" {
		reg = reg.WithBaseURL(cfg.Provider, cfg.BaseURL)
	}
	a, err := reg.Lookup(cfg.Provider)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := strings.Join([]string{cfg.Provider, cfg.BaseURL, cfg.ProxyURL, cfg.APIKey}, "\x00")
	v, _, shared := s.models.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), modelListTimeout)
		defer cancel()
		return provider.FetchModels(ctx, a, cfg.APIKey, cfg.ProxyURL), nil
	})
	models := v.([]string)
	s.logger.Debug("listed models",
		zap.String("provider", cfg.Provider),
		zap.Int("count", len(models)),
		zap.Bool("shared", shared),
	)
	s.respondJSON(w, http.StatusOK, map[string]any{"provider": cfg.Provider, "models": models})
}
