package merge

import (
	"reflect"
	"testing"

	"github.com/minios-linux/sitekit/content"
)

func langMap(pairs ...string) *content.LanguageMap {
	m := content.NewLanguageMap(content.Meta{Name: "Deutsch", Flag: "🇩🇪"})
	for i := 0; i+1 < len(pairs); i += 2 {
		m.Set(pairs[i], pairs[i+1])
	}
	return m
}

func TestSyncKeysAddKeepOrphan(t *testing.T) {
	base := langMap("Home", "Home", "About", "About", "Blog", "Blog")
	target := langMap("Legacy", "Alt", "About", "Über uns")

	synced, res := SyncKeys(base, target, Options{})

	if got := synced.Keys(); !reflect.DeepEqual(got, []string{"Home", "About", "Blog", "Legacy"}) {
		t.Fatalf("keys = %v", got)
	}
	if v, _ := synced.Get("About"); v != "Über uns" {
		t.Errorf("About = %q, translation must be kept", v)
	}
	if v, _ := synced.Get("Home"); v != "" {
		t.Errorf("Home = %q, new keys start untranslated", v)
	}
	if !reflect.DeepEqual(res.Added, []string{"Home", "Blog"}) || len(res.Removed) != 0 {
		t.Errorf("result = %+v", res)
	}
	if !reflect.DeepEqual(res.Orphaned, []string{"Legacy"}) {
		t.Errorf("orphaned = %v", res.Orphaned)
	}
	if synced.Meta.Name != "Deutsch" {
		t.Errorf("meta not kept: %+v", synced.Meta)
	}
	if target.Len() != 2 {
		t.Error("input map must not be modified")
	}
}

func TestSyncKeysPrune(t *testing.T) {
	base := langMap("Home", "Home")
	target := langMap("Home", "Start", "Legacy", "Alt")

	synced, res := SyncKeys(base, target, Options{Prune: true})
	if synced.Has("Legacy") {
		t.Error("Legacy should be pruned")
	}
	if !reflect.DeepEqual(res.Removed, []string{"Legacy"}) || !res.Changed() {
		t.Errorf("result = %+v", res)
	}
}

func TestSyncKeysNoChange(t *testing.T) {
	base := langMap("a", "A", "b", "B")
	target := langMap("a", "x", "b", "")
	_, res := SyncKeys(base, target, Options{Prune: true})
	if res.Changed() {
		t.Errorf("result = %+v, want no change", res)
	}
}

func TestSyncLanguage(t *testing.T) {
	store := content.NewFileStore(t.TempDir(), "en", nil)
	if err := store.WriteLanguageMap("en", langMap("Home", "Home", "New", "New")); err != nil {
		t.Fatal(err)
	}
	if err := store.WriteLanguageMap("de", langMap("Home", "Start", "Old", "Alt")); err != nil {
		t.Fatal(err)
	}

	res, err := SyncLanguage(store, "de", Options{Prune: true})
	if err != nil {
		t.Fatalf("SyncLanguage: %v", err)
	}
	if !reflect.DeepEqual(res.Added, []string{"New"}) || !reflect.DeepEqual(res.Removed, []string{"Old"}) {
		t.Errorf("result = %+v", res)
	}

	de, err := store.ReadLanguageMap("de")
	if err != nil {
		t.Fatal(err)
	}
	if got := de.Keys(); !reflect.DeepEqual(got, []string{"Home", "New"}) {
		t.Errorf("stored keys = %v", got)
	}

	if _, err := SyncLanguage(store, "en", Options{}); err == nil {
		t.Error("syncing the base language should fail")
	}
	if _, err := SyncLanguage(store, "fr", Options{}); err == nil {
		t.Error("syncing a missing language should fail")
	}
}
