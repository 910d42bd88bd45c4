package content

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/minios-linux/sitekit/langmeta"
)

var (
	// ErrLanguageNotFound is returned when no file exists for a language.
	ErrLanguageNotFound = errors.New("language not found")
	// ErrInvalidCode is returned for codes that cannot name a file.
	ErrInvalidCode = errors.New("invalid language code")
)

var codePattern = regexp.MustCompile(`^[A-Za-z]{2,3}([_-][A-Za-z0-9]{2,8})*$`)

// Language identifies one site language.
type Language struct {
	Code string `json:"code"`
	Name string `json:"name"`
	Flag string `json:"flag"`
}

// Store reads and writes translation maps. UpdateLanguageMap applies a
// partial update: keys absent from the update keep their stored values.
type Store interface {
	Languages() ([]Language, error)
	BaseLanguage() string
	ReadLanguageMap(code string) (*LanguageMap, error)
	UpdateLanguageMap(code string, partial map[string]string) error
}

// FileStore keeps one <code>.json file per language in a directory.
type FileStore struct {
	dir    string
	base   string
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore returns a store rooted at dir. base is the language whose
// values are the source text.
func NewFileStore(dir, base string, logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if base == "" {
		base = "en"
	}
	return &FileStore{dir: dir, base: base, logger: logger, locks: make(map[string]*sync.Mutex)}
}

// Dir returns the translations directory.
func (s *FileStore) Dir() string { return s.dir }

// BaseLanguage returns the source language code.
func (s *FileStore) BaseLanguage() string { return s.base }

// Path returns the file path for a language.
func (s *FileStore) Path(code string) string {
	return filepath.Join(s.dir, code+".json")
}

func (s *FileStore) lock(code string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[code]
	if !ok {
		l = &sync.Mutex{}
		s.locks[code] = l
	}
	return l
}

func validateCode(code string) error {
	if !codePattern.MatchString(code) {
		return fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	return nil
}

// Languages lists every language file, base language first, the rest sorted
// by code.
func (s *FileStore) Languages() ([]Language, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.dir, err)
	}

	var langs []Language
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		code := strings.TrimSuffix(name, ".json")
		if validateCode(code) != nil {
			continue
		}
		m, err := s.ReadLanguageMap(code)
		if err != nil {
			s.logger.Warn("skipping unreadable language file", zap.String("file", name), zap.Error(err))
			continue
		}
		langs = append(langs, s.describe(code, m.Meta))
	}

	sort.SliceStable(langs, func(i, j int) bool {
		if (langs[i].Code == s.base) != (langs[j].Code == s.base) {
			return langs[i].Code == s.base
		}
		return langs[i].Code < langs[j].Code
	})
	return langs, nil
}

func (s *FileStore) describe(code string, meta Meta) Language {
	resolved := langmeta.Resolve(code)
	l := Language{Code: code, Name: meta.Name, Flag: meta.Flag}
	if l.Name == "" {
		l.Name = resolved.Name
	}
	if l.Flag == "" {
		l.Flag = resolved.Flag
	}
	return l
}

// ReadLanguageMap loads the map for one language.
func (s *FileStore) ReadLanguageMap(code string) (*LanguageMap, error) {
	if err := validateCode(code); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(code))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrLanguageNotFound, code)
	}
	if err != nil {
		return nil, err
	}
	m, err := ParseLanguageMap(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Path(code), err)
	}
	return m, nil
}

// UpdateLanguageMap merges partial into the stored map and writes it back.
// Existing keys keep their position; new keys are appended.
func (s *FileStore) UpdateLanguageMap(code string, partial map[string]string) error {
	if len(partial) == 0 {
		return nil
	}
	l := s.lock(code)
	l.Lock()
	defer l.Unlock()

	m, err := s.ReadLanguageMap(code)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(partial))
	for k := range partial {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.Set(k, partial[k])
	}

	if err := s.write(code, m); err != nil {
		return err
	}
	total, translated, _ := m.Stats()
	s.logger.Debug("saved language map",
		zap.String("lang", code),
		zap.Int("updated", len(partial)),
		zap.Int("translated", translated),
		zap.Int("total", total),
	)
	return nil
}

// WriteLanguageMap replaces the stored map.
func (s *FileStore) WriteLanguageMap(code string, m *LanguageMap) error {
	if err := validateCode(code); err != nil {
		return err
	}
	l := s.lock(code)
	l.Lock()
	defer l.Unlock()
	return s.write(code, m)
}

// CreateLanguage adds a language file holding every base key untranslated.
func (s *FileStore) CreateLanguage(code string) (Language, error) {
	code = langmeta.Canonical(code)
	if err := validateCode(code); err != nil {
		return Language{}, err
	}
	if _, err := os.Stat(s.Path(code)); err == nil {
		return Language{}, fmt.Errorf("language %s already exists", code)
	}

	resolved := langmeta.Resolve(code)
	m := NewLanguageMap(Meta{Name: resolved.Name, Flag: resolved.Flag})
	if base, err := s.ReadLanguageMap(s.base); err == nil {
		for _, k := range base.Keys() {
			m.Set(k, "")
		}
	}
	if err := s.WriteLanguageMap(code, m); err != nil {
		return Language{}, err
	}
	return s.describe(code, m.Meta), nil
}

// write stores the file through a temporary file and a rename so readers
// never see a partial document.
func (s *FileStore) write(code string, m *LanguageMap) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	return writeFileAtomic(s.Path(code), m.Marshal(), 0644)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// SourceText returns the text to translate for key: the base language value,
// or the key itself when the base value is empty.
func SourceText(base *LanguageMap, key string) string {
	if base != nil {
		if v, ok := base.Get(key); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return key
}
