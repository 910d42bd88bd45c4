// Package langmeta resolves display metadata for language codes: the native
// name shown in the language switcher, the English name used in prompts, and
// an emoji flag.
package langmeta

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Meta describes language display metadata.
type Meta struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	EnglishName string `json:"englishName"`
	Flag        string `json:"flag"`
}

// flagRegion overrides the likely region for languages whose most common
// flag is not the CLDR default.
var flagRegion = map[string]string{
	"ar": "SA",
	"ca": "ES",
	"cy": "GB",
	"en": "US",
	"eu": "ES",
	"fa": "IR",
	"gl": "ES",
	"hi": "IN",
	"ur": "PK",
	"xh": "ZA",
	"zu": "ZA",
}

func canonicalize(lang string) string {
	normalized := strings.ReplaceAll(strings.TrimSpace(lang), "_", "-")
	if normalized == "" {
		return ""
	}
	parts := strings.Split(normalized, "-")
	parts[0] = strings.ToLower(parts[0])
	if len(parts) >= 2 {
		parts[1] = strings.ToUpper(parts[1])
	}
	return strings.Join(parts, "-")
}

// Canonical returns the normalized form of a language code (pt_br -> pt-BR).
func Canonical(lang string) string {
	return canonicalize(lang)
}

// Resolve returns best-effort language metadata for language codes,
// supporting variants like pt_BR, pt-BR, and unknown codes.
func Resolve(lang string) Meta {
	code := canonicalize(lang)
	tag, err := language.Parse(code)
	if err != nil || code == "" {
		return Meta{Code: lang, Name: lang, EnglishName: lang}
	}

	name := display.Self.Name(tag)
	english := display.English.Tags().Name(tag)
	if name == "" {
		name = english
	}
	if name == "" {
		return Meta{Code: code, Name: lang, EnglishName: lang}
	}
	if english == "" {
		english = name
	}

	return Meta{
		Code:        code,
		Name:        upperFirst(name),
		EnglishName: english,
		Flag:        flagFor(tag),
	}
}

// EnglishName returns the English display name used when prompting models.
func EnglishName(lang string) string {
	return Resolve(lang).EnglishName
}

func flagFor(tag language.Tag) string {
	base, _ := tag.Base()
	region, conf := tag.Region()
	code := region.String()
	if conf != language.Exact {
		if r, ok := flagRegion[base.String()]; ok {
			code = r
		}
	}
	if conf == language.No || len(code) != 2 {
		return ""
	}
	return RegionFlag(code)
}

// RegionFlag converts a two-letter region code into its regional-indicator
// emoji flag.
func RegionFlag(region string) string {
	region = strings.ToUpper(region)
	if len(region) != 2 {
		return ""
	}
	var b strings.Builder
	for _, r := range region {
		if r < 'A' || r > 'Z' {
			return ""
		}
		b.WriteRune(0x1F1E6 + (r - 'A'))
	}
	return b.String()
}

func upperFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
