// Package merge keeps language maps in step with the base language, the
// way msgmerge keeps PO files in step with their template.
package merge

import (
	"fmt"

	"github.com/minios-linux/sitekit/content"
)

// Options controls SyncKeys.
type Options struct {
	// Prune drops keys the base language no longer has. Without it they are
	// kept after the base keys.
	Prune bool
}

// Result reports what a sync changed.
type Result struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	// Orphaned lists keys absent from base that were kept.
	Orphaned []string `json:"orphaned,omitempty"`
}

// Changed reports whether the map differs from the input.
func (r Result) Changed() bool {
	return len(r.Added) > 0 || len(r.Removed) > 0
}

// SyncKeys returns a copy of target laid out like base:
//   - Base keys come first, in base order.
//   - Keys target already has keep their value.
//   - Keys missing from target are added untranslated.
//   - Keys base no longer has are kept at the end, or dropped with Prune.
func SyncKeys(base, target *content.LanguageMap, opts Options) (*content.LanguageMap, Result) {
	result := content.NewLanguageMap(target.Meta)
	var res Result

	inBase := make(map[string]bool, base.Len())
	for _, k := range base.Keys() {
		inBase[k] = true
		if v, ok := target.Get(k); ok {
			result.Set(k, v)
			continue
		}
		result.Set(k, "")
		res.Added = append(res.Added, k)
	}

	for _, k := range target.Keys() {
		if inBase[k] {
			continue
		}
		if opts.Prune {
			res.Removed = append(res.Removed, k)
			continue
		}
		v, _ := target.Get(k)
		result.Set(k, v)
		res.Orphaned = append(res.Orphaned, k)
	}
	return result, res
}

// Store is the persistence SyncLanguage needs.
type Store interface {
	BaseLanguage() string
	ReadLanguageMap(code string) (*content.LanguageMap, error)
	WriteLanguageMap(code string, m *content.LanguageMap) error
}

// SyncLanguage syncs the stored map of code against the base language and
// writes it back when anything changed.
func SyncLanguage(store Store, code string, opts Options) (Result, error) {
	baseCode := store.BaseLanguage()
	if code == baseCode {
		return Result{}, fmt.Errorf("%s is the base language", code)
	}
	base, err := store.ReadLanguageMap(baseCode)
	if err != nil {
		return Result{}, fmt.Errorf("reading base language: %w", err)
	}
	target, err := store.ReadLanguageMap(code)
	if err != nil {
		return Result{}, err
	}

	synced, res := SyncKeys(base, target, opts)
	if !res.Changed() {
		return res, nil
	}
	if err := store.WriteLanguageMap(code, synced); err != nil {
		return res, fmt.Errorf("writing %s: %w", code, err)
	}
	return res, nil
}
