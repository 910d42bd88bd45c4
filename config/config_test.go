package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

const langMapJSON = `{"_meta":{"name":"English","flag":"🇬🇧"},"translations":{"Home":"Home"}}`

func TestLoadFileDefaultsAndValidation(t *testing.T) {
	t.Run("missing file returns nil", func(t *testing.T) {
		f, err := LoadFile(t.TempDir())
		if err != nil {
			t.Fatalf("LoadFile error: %v", err)
		}
		if f != nil {
			t.Fatalf("LoadFile expected nil, got %#v", f)
		}
	})

	t.Run("applies defaults", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, FileName), "languages: [ru, de]\nblog_dir: content/blog\n")

		f, err := LoadFile(dir)
		if err != nil {
			t.Fatalf("LoadFile error: %v", err)
		}
		if f.BaseLanguage != "en" || f.TranslationsDir != DefaultTranslationsDir || f.Listen != DefaultListen {
			t.Fatalf("defaults not applied: %+v", f)
		}
		if !reflect.DeepEqual(f.Languages, []string{"ru", "de"}) {
			t.Fatalf("Languages = %v, want [ru de]", f.Languages)
		}

		p := f.Project(dir)
		if p.TranslationsDir != filepath.Join(dir, "public", "translations") {
			t.Fatalf("TranslationsDir = %q", p.TranslationsDir)
		}
		if p.BlogTransDir() != filepath.Join(dir, "content", "blog", "translations") {
			t.Fatalf("BlogTransDir() = %q", p.BlogTransDir())
		}
		if p.MemoryDB != filepath.Join(dir, ".sitekit", "memory.db") || !p.FromFile {
			t.Fatalf("project = %+v", p)
		}
	})

	t.Run("empty file is valid", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, FileName), "")
		f, err := LoadFile(dir)
		if err != nil || f == nil || f.BaseLanguage != "en" {
			t.Fatalf("LoadFile = %+v, %v", f, err)
		}
	})

	errorCases := []struct {
		name, yaml, want string
	}{
		{"unknown key", "po_dir: po\n", "field po_dir not found"},
		{"bad base language", "base_language: english\n", "not a language code"},
		{"base in languages", "languages: [en, de]\n", "base language"},
		{"duplicate language", "languages: [de, de]\n", "listed twice"},
		{"bad language", "languages: [deutsch]\n", "not a language code"},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, FileName), tc.yaml)
			_, err := LoadFile(dir)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not contain %q", err, tc.want)
			}
		})
	}
}

func TestDetect(t *testing.T) {
	dir := t.TempDir()
	if Detect(dir) != nil {
		t.Fatal("empty directory should not be detected")
	}

	writeFile(t, filepath.Join(dir, "src", "translations", "en.json"), langMapJSON)
	writeFile(t, filepath.Join(dir, "src", "translations", "pt-BR.json"), langMapJSON)
	writeFile(t, filepath.Join(dir, "src", "translations", "notes.txt"), "x")
	writeFile(t, filepath.Join(dir, "data", "blog", "posts", "translations", "hello.de.md"), "---\n---\n")

	p := Detect(dir)
	if p == nil {
		t.Fatal("Detect returned nil")
	}
	if p.TranslationsDir != filepath.Join(dir, "src", "translations") {
		t.Errorf("TranslationsDir = %q", p.TranslationsDir)
	}
	if p.BlogDir != filepath.Join(dir, "data", "blog", "posts") || !p.HasBlog() {
		t.Errorf("BlogDir = %q", p.BlogDir)
	}
	if p.FromFile {
		t.Error("detected project must not claim a file")
	}
	if got := DetectLanguages(p.TranslationsDir); !reflect.DeepEqual(got, []string{"en", "pt-BR"}) {
		t.Errorf("DetectLanguages = %v", got)
	}
	if p.LanguagePath("de") != filepath.Join(dir, "src", "translations", "de.json") {
		t.Errorf("LanguagePath = %q", p.LanguagePath("de"))
	}
}

func TestLoadPrefersFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "public", "translations", "en.json"), langMapJSON)
	writeFile(t, filepath.Join(dir, FileName), "translations_dir: i18n\nlisten: \":9000\"\n")

	p, err := Load(dir)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if !p.FromFile || p.Listen != ":9000" || !strings.HasSuffix(p.TranslationsDir, "i18n") {
		t.Fatalf("project = %+v", p)
	}

	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("Load on an empty directory should fail")
	}
}

func TestIsLangCode(t *testing.T) {
	for _, s := range []string{"en", "ru", "pt-BR", "zh-Hans"} {
		if !isLangCode(s) {
			t.Errorf("isLangCode(%q) = false", s)
		}
	}
	for _, s := range []string{"EN", "english", "e", "p-BR", "messages"} {
		if isLangCode(s) {
			t.Errorf("isLangCode(%q) = true", s)
		}
	}
}
