package content

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrPostNotFound is returned when a post or translation file is missing.
var ErrPostNotFound = errors.New("post not found")

// BlogPost is a Markdown post with YAML frontmatter. Title, Excerpt and
// Content are translatable; the other fields are copied from the source post.
type BlogPost struct {
	Title              string   `yaml:"title" json:"title"`
	Excerpt            string   `yaml:"excerpt,omitempty" json:"excerpt,omitempty"`
	Author             string   `yaml:"author,omitempty" json:"author,omitempty"`
	PublishedAt        string   `yaml:"publishedAt,omitempty" json:"publishedAt,omitempty"`
	UpdatedAt          string   `yaml:"updatedAt,omitempty" json:"updatedAt,omitempty"`
	Tags               []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	FeaturedImage      string   `yaml:"featuredImage,omitempty" json:"featuredImage,omitempty"`
	Published          bool     `yaml:"published" json:"published"`
	Order              int      `yaml:"order,omitempty" json:"order,omitempty"`
	TelegramDiscussion string   `yaml:"telegramDiscussion,omitempty" json:"telegramDiscussion,omitempty"`
	TelegramPostID     int      `yaml:"telegramPostId,omitempty" json:"telegramPostId,omitempty"`

	Content string `yaml:"-" json:"content"`
}

// ParsePost parses post data. published defaults to true when absent.
func ParsePost(data []byte) (*BlogPost, error) {
	frontmatter, body, err := splitFrontmatter(string(data))
	if err != nil {
		return nil, err
	}
	bp := &BlogPost{Published: true}
	if err := yaml.Unmarshal([]byte(frontmatter), bp); err != nil {
		return nil, fmt.Errorf("parsing frontmatter: %w", err)
	}
	bp.Excerpt = strings.TrimSpace(bp.Excerpt)
	bp.Content = body
	return bp, nil
}

// splitFrontmatter splits a markdown file into YAML frontmatter and body.
func splitFrontmatter(content string) (frontmatter, body string, err error) {
	content = strings.TrimLeft(content, "\n\r")
	if !strings.HasPrefix(content, "---") {
		return "", content, fmt.Errorf("no frontmatter found")
	}

	rest := content[3:]
	rest = strings.TrimLeft(rest, " \t")
	if len(rest) > 0 && rest[0] == '\n' {
		rest = rest[1:]
	} else if len(rest) > 1 && rest[0] == '\r' && rest[1] == '\n' {
		rest = rest[2:]
	}

	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return "", content, fmt.Errorf("unclosed frontmatter")
	}

	frontmatter = rest[:idx]
	body = rest[idx+4:]
	body = strings.TrimLeft(body, "\n\r")
	return frontmatter, body, nil
}

// Marshal renders the post as frontmatter followed by the body.
func (bp *BlogPost) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(bp); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	buf.WriteString("---\n")
	buf.WriteString(bp.Content)
	if buf.Len() > 0 && buf.Bytes()[buf.Len()-1] != '\n' {
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// IsTranslated reports whether the translatable fields are filled.
func (bp *BlogPost) IsTranslated() bool {
	return bp.Title != "" && bp.Content != ""
}

// PostStore reads source posts from a directory and keeps translations in
// its translations/ subdirectory as <slug>.<lang>.md.
type PostStore struct {
	dir string
}

// NewPostStore returns a store over dir.
func NewPostStore(dir string) *PostStore {
	return &PostStore{dir: dir}
}

// Dir returns the posts directory.
func (s *PostStore) Dir() string { return s.dir }

// Slugs returns the slugs of all source posts, sorted.
func (s *PostStore) Slugs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var slugs []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".md") {
			continue
		}
		slugs = append(slugs, strings.TrimSuffix(name, ".md"))
	}

	sort.Strings(slugs)
	return slugs, nil
}

// SourcePath returns the path of a source post.
func (s *PostStore) SourcePath(slug string) string {
	return filepath.Join(s.dir, slug+".md")
}

// TranslationPath returns the path to a post translation file.
func (s *PostStore) TranslationPath(slug, lang string) string {
	return filepath.Join(s.dir, "translations", fmt.Sprintf("%s.%s.md", slug, lang))
}

// ReadPost loads a source post.
func (s *PostStore) ReadPost(slug string) (*BlogPost, error) {
	return readPost(s.SourcePath(slug))
}

// ReadTranslation loads one translation of a post.
func (s *PostStore) ReadTranslation(slug, lang string) (*BlogPost, error) {
	return readPost(s.TranslationPath(slug, lang))
}

// WriteTranslation stores a translation, creating translations/ if needed.
func (s *PostStore) WriteTranslation(slug, lang string, bp *BlogPost) error {
	data, err := bp.Marshal()
	if err != nil {
		return err
	}
	path := s.TranslationPath(slug, lang)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	return writeFileAtomic(path, data, 0644)
}

// TranslationLangs returns the languages a post has translations for.
func (s *PostStore) TranslationLangs(slug string) []string {
	entries, err := os.ReadDir(filepath.Join(s.dir, "translations"))
	if err != nil {
		return nil
	}

	prefix := slug + "."
	var langs []string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".md") {
			continue
		}
		lang := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".md")
		if lang != "" && !strings.Contains(lang, ".") {
			langs = append(langs, lang)
		}
	}

	sort.Strings(langs)
	return langs
}

func readPost(path string) (*BlogPost, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrPostNotFound, filepath.Base(path))
	}
	if err != nil {
		return nil, err
	}
	bp, err := ParsePost(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return bp, nil
}
