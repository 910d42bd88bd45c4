// Package config resolves where a site keeps its translatable content:
// the language map directory, the blog posts directory, the base language
// and the translation memory database.
//
// Settings come from .sitekit.yaml when present; otherwise they are
// auto-detected from the usual site layouts.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Project holds resolved project configuration. All paths are absolute.
type Project struct {
	// Root is the site root directory.
	Root string
	// BaseLanguage is the source language code (default "en").
	BaseLanguage string
	// Languages limits the target languages. Empty means every language
	// file found in TranslationsDir.
	Languages []string
	// TranslationsDir is the directory with one <code>.json map per language.
	TranslationsDir string
	// BlogDir is the directory with blog posts. Translations live in
	// BlogDir/translations/{slug}.{lang}.md. Empty when the site has no blog.
	BlogDir string
	// MemoryDB is the translation memory database path.
	MemoryDB string
	// Listen is the admin API address.
	Listen string
	// FromFile reports whether .sitekit.yaml was found.
	FromFile bool
}

// HasBlog reports whether a blog directory is configured.
func (p *Project) HasBlog() bool { return p.BlogDir != "" }

// LanguagePath returns the map file for a language.
func (p *Project) LanguagePath(lang string) string {
	return filepath.Join(p.TranslationsDir, lang+".json")
}

// BlogTransDir returns the translations subdirectory for blog posts.
func (p *Project) BlogTransDir() string {
	if p.BlogDir == "" {
		return ""
	}
	return filepath.Join(p.BlogDir, "translations")
}

// Detect auto-detects the project layout under rootDir. Translations are
// looked up in public/translations, src/translations and translations;
// the first directory holding a { "_meta", "translations" } file wins.
// Returns nil if no translations directory is found.
func Detect(rootDir string) *Project {
	candidates := []string{
		filepath.Join(rootDir, "public", "translations"),
		filepath.Join(rootDir, "src", "translations"),
		filepath.Join(rootDir, "translations"),
	}

	var transDir string
	for _, dir := range candidates {
		if isLanguageMapDir(dir) {
			transDir = dir
			break
		}
	}
	if transDir == "" {
		return nil
	}

	p := &Project{
		Root:            rootDir,
		BaseLanguage:    DefaultBaseLanguage,
		TranslationsDir: transDir,
		MemoryDB:        filepath.Join(rootDir, DefaultMemoryDB),
		Listen:          DefaultListen,
	}

	// Blog posts directory (one with a translations/ subdir)
	blogDirs := []string{
		filepath.Join(rootDir, "data", "blog", "posts"),
		filepath.Join(rootDir, "content", "blog"),
		filepath.Join(rootDir, "blog", "posts"),
	}
	for _, dir := range blogDirs {
		if info, err := os.Stat(filepath.Join(dir, "translations")); err == nil && info.IsDir() {
			p.BlogDir = dir
			break
		}
	}
	return p
}

// isLanguageMapDir checks if a directory contains language map files.
func isLanguageMapDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if isLanguageMapFile(filepath.Join(dir, entry.Name())) {
			return true
		}
	}
	return false
}

// isLanguageMapFile checks if a JSON file has the { _meta, translations } format.
func isLanguageMapFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return false
	}
	_, hasMeta := obj["_meta"]
	_, hasTrans := obj["translations"]
	return hasMeta && hasTrans
}

// DetectLanguages lists the language codes of the map files in dir.
// File names are language codes: en.json, ru.json, pt-BR.json.
func DetectLanguages(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var langs []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		lang := strings.TrimSuffix(name, ".json")
		if isLangCode(lang) {
			langs = append(langs, lang)
		}
	}
	sort.Strings(langs)
	return langs
}

// isLangCode checks if a string looks like a language code.
// Supports: en, ru, de, pt-BR, zh-CN, etc. (BCP 47 with hyphens).
func isLangCode(s string) bool {
	if len(s) == 2 {
		return s[0] >= 'a' && s[0] <= 'z' && s[1] >= 'a' && s[1] <= 'z'
	}
	parts := strings.SplitN(s, "-", 2)
	if len(parts) == 2 && len(parts[0]) == 2 && len(parts[1]) >= 2 {
		return parts[0][0] >= 'a' && parts[0][0] <= 'z' &&
			parts[0][1] >= 'a' && parts[0][1] <= 'z'
	}
	return false
}
