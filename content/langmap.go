// Package content is the on-disk persistence layer of the site: one JSON
// translation map per language and Markdown blog posts with YAML
// frontmatter.
//
// A language file has the form:
//
//	{
//	    "_meta": { "name": "Deutsch", "flag": "🇩🇪" },
//	    "translations": {
//	        "Read more": "Weiterlesen",
//	        "Contact us": ""
//	    }
//	}
//
// Keys are the base-language UI strings. An empty value means untranslated.
package content

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/iancoleman/orderedmap"
)

// Meta holds the language metadata from the _meta field.
type Meta struct {
	Name string `json:"name"`
	Flag string `json:"flag"`
}

// LanguageMap is an ordered key -> translated value mapping.
type LanguageMap struct {
	Meta   Meta
	keys   []string
	values map[string]string
}

// NewLanguageMap returns an empty map.
func NewLanguageMap(meta Meta) *LanguageMap {
	return &LanguageMap{Meta: meta, values: make(map[string]string)}
}

// ParseLanguageMap parses a language file, keeping the key order.
func ParseLanguageMap(data []byte) (*LanguageMap, error) {
	var raw struct {
		Meta         Meta            `json:"_meta"`
		Translations json.RawMessage `json:"translations"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}

	m := NewLanguageMap(raw.Meta)
	if len(raw.Translations) == 0 || string(raw.Translations) == "null" {
		return m, nil
	}

	om := orderedmap.New()
	if err := om.UnmarshalJSON(raw.Translations); err != nil {
		return nil, fmt.Errorf("parsing translations: %w", err)
	}
	for _, k := range om.Keys() {
		v, _ := om.Get(k)
		s, ok := v.(string)
		if !ok {
			if v != nil {
				return nil, fmt.Errorf("parsing translations: value for key %q is %T, want string", k, v)
			}
		}
		m.Set(k, s)
	}
	return m, nil
}

// Keys returns the keys in file order.
func (m *LanguageMap) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of keys.
func (m *LanguageMap) Len() int { return len(m.keys) }

// Has reports whether key exists, translated or not.
func (m *LanguageMap) Has(key string) bool {
	_, ok := m.values[key]
	return ok
}

// Get returns the value for key.
func (m *LanguageMap) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Set assigns key, appending it when new.
func (m *LanguageMap) Set(key, value string) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Delete removes key.
func (m *LanguageMap) Delete(key string) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Values returns a copy of the key -> value mapping.
func (m *LanguageMap) Values() map[string]string {
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// Untranslated returns the keys with empty values, in file order.
func (m *LanguageMap) Untranslated() []string {
	var out []string
	for _, k := range m.keys {
		if m.values[k] == "" {
			out = append(out, k)
		}
	}
	return out
}

// Stats returns (total, translated, untranslated) counts.
func (m *LanguageMap) Stats() (total, translated, untranslated int) {
	total = len(m.keys)
	for _, k := range m.keys {
		if m.values[k] != "" {
			translated++
		} else {
			untranslated++
		}
	}
	return
}

// Clone returns a deep copy.
func (m *LanguageMap) Clone() *LanguageMap {
	c := &LanguageMap{Meta: m.Meta, keys: m.Keys(), values: m.Values()}
	return c
}

// Marshal renders the file with 4-space indentation, keeping key order.
func (m *LanguageMap) Marshal() []byte {
	var b strings.Builder
	b.WriteString("{\n")
	b.WriteString("    \"_meta\": {\n")
	fmt.Fprintf(&b, "        \"name\": %s,\n", strconv.Quote(m.Meta.Name))
	fmt.Fprintf(&b, "        \"flag\": %s\n", strconv.Quote(m.Meta.Flag))
	b.WriteString("    },\n")

	if len(m.keys) == 0 {
		b.WriteString("    \"translations\": {}\n")
		b.WriteString("}\n")
		return []byte(b.String())
	}

	b.WriteString("    \"translations\": {\n")
	for i, k := range m.keys {
		fmt.Fprintf(&b, "        %s: %s", strconv.Quote(k), strconv.Quote(m.values[k]))
		if i < len(m.keys)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	b.WriteString("    }\n")
	b.WriteString("}\n")
	return []byte(b.String())
}
