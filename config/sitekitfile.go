package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the project file name.
const FileName = ".sitekit.yaml"

// Defaults applied to both the project file and auto-detection.
const (
	DefaultBaseLanguage    = "en"
	DefaultTranslationsDir = "public/translations"
	DefaultMemoryDB        = ".sitekit/memory.db"
	DefaultListen          = "127.0.0.1:8787"
)

// File is the .sitekit.yaml structure. Paths are relative to the file.
type File struct {
	// BaseLanguage is the source language code (default "en").
	BaseLanguage string `yaml:"base_language,omitempty"`
	// Languages limits the target languages (default: all found).
	Languages []string `yaml:"languages,omitempty"`
	// TranslationsDir holds the language maps (default "public/translations").
	TranslationsDir string `yaml:"translations_dir,omitempty"`
	// BlogDir holds the blog posts. Optional.
	BlogDir string `yaml:"blog_dir,omitempty"`
	// MemoryDB is the translation memory path (default ".sitekit/memory.db").
	MemoryDB string `yaml:"memory_db,omitempty"`
	// Listen is the admin API address (default "127.0.0.1:8787").
	Listen string `yaml:"listen,omitempty"`
}

// LoadFile loads and validates .sitekit.yaml from rootDir. Unknown keys are
// rejected. Returns nil if no file exists.
func LoadFile(rootDir string) (*File, error) {
	path := filepath.Join(rootDir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if f.BaseLanguage == "" {
		f.BaseLanguage = DefaultBaseLanguage
	}
	if f.TranslationsDir == "" {
		f.TranslationsDir = DefaultTranslationsDir
	}
	if f.MemoryDB == "" {
		f.MemoryDB = DefaultMemoryDB
	}
	if f.Listen == "" {
		f.Listen = DefaultListen
	}

	if !isLangCode(f.BaseLanguage) {
		return nil, fmt.Errorf("%s: base_language %q is not a language code", path, f.BaseLanguage)
	}
	seen := make(map[string]bool)
	for _, lang := range f.Languages {
		switch {
		case !isLangCode(lang):
			return nil, fmt.Errorf("%s: %q is not a language code", path, lang)
		case lang == f.BaseLanguage:
			return nil, fmt.Errorf("%s: languages must not include the base language %q", path, lang)
		case seen[lang]:
			return nil, fmt.Errorf("%s: language %q listed twice", path, lang)
		}
		seen[lang] = true
	}
	return &f, nil
}

// Project resolves the file against its root directory.
func (f *File) Project(rootDir string) *Project {
	p := &Project{
		Root:            rootDir,
		BaseLanguage:    f.BaseLanguage,
		Languages:       f.Languages,
		TranslationsDir: resolvePath(rootDir, f.TranslationsDir),
		MemoryDB:        resolvePath(rootDir, f.MemoryDB),
		Listen:          f.Listen,
		FromFile:        true,
	}
	if strings.TrimSpace(f.BlogDir) != "" {
		p.BlogDir = resolvePath(rootDir, f.BlogDir)
	}
	return p
}

// Load returns the project under rootDir: from .sitekit.yaml when it
// exists, else auto-detected. It fails when neither finds a translations
// directory.
func Load(rootDir string) (*Project, error) {
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, err
	}
	f, err := LoadFile(abs)
	if err != nil {
		return nil, err
	}
	if f != nil {
		return f.Project(abs), nil
	}
	if p := Detect(abs); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("no %s and no translations directory found in %s", FileName, abs)
}

func resolvePath(root, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(root, p)
}
