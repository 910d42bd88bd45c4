package server

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/minios-linux/sitekit/merge"
)

// languageInfo is one entry of GET /api/languages.
type languageInfo struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	Flag       string `json:"flag"`
	Base       bool   `json:"base"`
	Total      int    `json:"total"`
	Translated int    `json:"translated"`
}

// listLanguages handles GET /api/languages.
func (s *Server) listLanguages(w http.ResponseWriter, r *http.Request) {
	langs, err := s.opts.Store.Languages()
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	base := s.opts.Store.BaseLanguage()
	out := make([]languageInfo, 0, len(langs))
	for _, l := range langs {
		info := languageInfo{Code: l.Code, Name: l.Name, Flag: l.Flag, Base: l.Code == base}
		if m, err := s.opts.Store.ReadLanguageMap(l.Code); err == nil {
			info.Total, info.Translated, _ = m.Stats()
		}
		out = append(out, info)
	}
	s.respondJSON(w, http.StatusOK, out)
}

// getTranslations handles GET /api/languages/{code}/translations. The file
// is returned as stored, key order included.
func (s *Server) getTranslations(w http.ResponseWriter, r *http.Request) {
	m, err := s.opts.Store.ReadLanguageMap(chi.URLParam(r, "code"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(m.Marshal())
}

type patchRequest struct {
	Translations map[string]string `json:"translations"`
}

// patchTranslations handles PATCH /api/languages/{code}/translations. Only
// keys the map already has may be set; the rest of the map is untouched.
func (s *Server) patchTranslations(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	var req patchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Translations) == 0 {
		s.respondError(w, http.StatusBadRequest, "translations must not be empty")
		return
	}

	m, err := s.opts.Store.ReadLanguageMap(code)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	var unknown []string
	for k := range req.Translations {
		if !m.Has(k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		s.respondError(w, http.StatusBadRequest, "unknown keys: "+strings.Join(unknown, ", "))
		return
	}

	if err := s.opts.Store.UpdateLanguageMap(code, req.Translations); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int{"updated": len(req.Translations)})
}

// syncLanguage handles POST /api/languages/{code}/sync[?prune=true].
func (s *Server) syncLanguage(w http.ResponseWriter, r *http.Request) {
	var opts merge.Options
	if p := r.URL.Query().Get("prune"); p != "" {
		prune, err := strconv.ParseBool(p)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "prune must be a boolean")
			return
		}
		opts.Prune = prune
	}

	code := chi.URLParam(r, "code")
	if code == s.opts.Store.BaseLanguage() {
		s.respondError(w, http.StatusBadRequest, code+" is the base language")
		return
	}
	res, err := merge.SyncLanguage(s.opts.Store, code, opts)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}
