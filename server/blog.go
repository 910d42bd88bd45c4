package server

import (
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"

	"github.com/minios-linux/sitekit/content"
)

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

type postSummary struct {
	Slug         string   `json:"slug"`
	Title        string   `json:"title"`
	Excerpt      string   `json:"excerpt,omitempty"`
	PublishedAt  string   `json:"publishedAt,omitempty"`
	Published    bool     `json:"published"`
	Translations []string `json:"translations"`
}

func (s *Server) requireBlog(w http.ResponseWriter) bool {
	if s.opts.Posts == nil {
		s.respondError(w, http.StatusNotFound, "no blog directory configured")
		return false
	}
	return true
}

// listPosts handles GET /api/blog/posts.
func (s *Server) listPosts(w http.ResponseWriter, r *http.Request) {
	if !s.requireBlog(w) {
		return
	}
	slugs, err := s.opts.Posts.Slugs()
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	out := make([]postSummary, 0, len(slugs))
	for _, slug := range slugs {
		bp, err := s.opts.Posts.ReadPost(slug)
		if err != nil {
			s.respondErr(w, r, err)
			return
		}
		langs := s.opts.Posts.TranslationLangs(slug)
		if langs == nil {
			langs = []string{}
		}
		out = append(out, postSummary{
			Slug:         slug,
			Title:        bp.Title,
			Excerpt:      bp.Excerpt,
			PublishedAt:  bp.PublishedAt,
			Published:    bp.Published,
			Translations: langs,
		})
	}
	s.respondJSON(w, http.StatusOK, out)
}

// getPost handles GET /api/blog/posts/{slug}[?lang=CODE]. Without lang the
// source post is returned.
func (s *Server) getPost(w http.ResponseWriter, r *http.Request) {
	if !s.requireBlog(w) {
		return
	}
	slug := chi.URLParam(r, "slug")
	if !slugPattern.MatchString(slug) {
		s.respondError(w, http.StatusBadRequest, "invalid slug")
		return
	}

	var (
		bp  *content.BlogPost
		err error
	)
	if lang := r.URL.Query().Get("lang"); lang != "" {
		if !slugPattern.MatchString(lang) {
			s.respondError(w, http.StatusBadRequest, "invalid language code")
			return
		}
		bp, err = s.opts.Posts.ReadTranslation(slug, lang)
	} else {
		bp, err = s.opts.Posts.ReadPost(slug)
	}
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, bp)
}
