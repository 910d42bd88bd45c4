// Package i18n translates sitekit's own command line messages.
//
// Catalogs live in locales/{lang}/LC_MESSAGES/sitekit.po and are embedded
// in the binary. Call Init once at startup; until then T, N and F return
// their input unchanged.
package i18n

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/leonelquinteros/gotext"
)

//go:embed all:locales
var locales embed.FS

// domain is the gettext domain name for sitekit.
const domain = "sitekit"

var (
	mu   sync.RWMutex
	po   *gotext.Locale
	lang = "en"

	// msgs indexes po's singular entries. Lookups go through it rather than
	// Locale.Get, which would treat every msgid as a format string.
	msgs map[string]*gotext.Translation
)

// Init loads the catalog for lang. If lang is empty, it is detected from
// LANGUAGE, LC_ALL, LC_MESSAGES and LANG, in that order, like GNU gettext.
// It returns the language that was selected.
func Init(l string) string {
	if l == "" {
		l = detectLanguage()
	}
	loc := gotext.NewLocaleFSWithPath(l, locales, "locales")
	loc.AddDomain(domain)
	loc.SetDomain(domain)

	index := loc.GetTranslations()

	mu.Lock()
	po, msgs, lang = loc, index, l
	mu.Unlock()
	return l
}

// Lang returns the language selected by Init.
func Lang() string {
	mu.RLock()
	defer mu.RUnlock()
	return lang
}

func locale() *gotext.Locale {
	mu.RLock()
	defer mu.RUnlock()
	return po
}

// T translates a string. Untranslated strings are returned unchanged.
func T(msgid string) string {
	mu.RLock()
	tr := msgs[msgid]
	mu.RUnlock()
	if tr == nil {
		return msgid
	}
	return tr.Get()
}

// F translates a format string and applies args to it.
func F(format string, args ...any) string {
	return fmt.Sprintf(T(format), args...)
}

// N translates a string with plural forms. Without a catalog the singular
// form is used when n == 1 and the plural otherwise.
func N(singular, plural string, n int) string {
	if l := locale(); l != nil {
		return l.GetN(singular, plural, n)
	}
	if n == 1 {
		return singular
	}
	return plural
}

// detectLanguage reads the locale environment variables.
func detectLanguage() string {
	for _, env := range []string{"LANGUAGE", "LC_ALL", "LC_MESSAGES", "LANG"} {
		val := os.Getenv(env)
		if val == "" {
			continue
		}
		// LANGUAGE can be a colon-separated list; take the first
		if env == "LANGUAGE" {
			val, _, _ = strings.Cut(val, ":")
		}
		// ru_RU.UTF-8 -> ru_RU
		if idx := strings.IndexByte(val, '.'); idx >= 0 {
			val = val[:idx]
		}
		if val == "C" || val == "POSIX" || val == "" {
			continue
		}
		return val
	}
	return "en"
}
