package translate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/iancoleman/orderedmap"
)

// Prompt types stored in prompts.json.
const (
	PromptUI   = "ui"
	PromptBlog = "blogpost"
)

// targetLangPlaceholder is replaced with the target language name.
const targetLangPlaceholder = "{{targetLang}}"

// UISystemPrompt is the template for website UI strings.
const UISystemPrompt = `You are a professional translator specializing in website localization. You are translating UI strings for a static marketing and blog website.

CONTEXT AWARENESS:
- The strings are navigation labels, buttons, headings and short marketing copy
- The audience is visitors of the website
- Keys are the original strings; you translate their values to {{targetLang}}
- Tone: professional yet approachable, clear and concise
- Use IT/software terminology that is standard in {{targetLang}} tech community

IMPORTANT TRANSLATION PRINCIPLES:
- Translate for NATURALNESS and FLUENCY in the target language, not word-for-word
- Use idiomatic expressions natural to {{targetLang}}, not literal translations
- Adapt sentence structure to match {{targetLang}} conventions
- Consider cultural context and target audience expectations
- Maintain the original tone and intent, but express it naturally in {{targetLang}}

TECHNICAL REQUIREMENTS:
- Return ONLY a JSON object with exactly the same keys as the input object, each mapped to its translation.
- Do NOT add, remove or rename keys.
- Preserve all interpolation variables exactly as-is (e.g. {{count}}, {{name}}, etc.).
- Preserve HTML tags, Markdown, leading/trailing whitespace, newlines, and punctuation patterns.
- Keep brand names and proper nouns unchanged.
- Return ONLY the JSON object, no explanations or markdown code blocks.`

// BlogSystemPrompt is the template for blog posts.
const BlogSystemPrompt = `You are a professional translator specializing in technical blog posts and articles. You are translating blog posts for a software project website.

CONTEXT AWARENESS:
- The audience is technical users interested in software, technology, and project updates
- Blog posts may discuss features, releases, community updates, and technical topics
- Tone: professional yet friendly, matching the original post's voice
- Use IT/software terminology standard in {{targetLang}}

IMPORTANT TRANSLATION PRINCIPLES:
- Translate for NATURALNESS and FLUENCY in {{targetLang}}, not word-for-word
- Use idiomatic expressions natural to {{targetLang}}
- Adapt sentence structure to match {{targetLang}} conventions
- Maintain the original tone, energy, and intent
- Preserve the blog post's personality and style

TECHNICAL REQUIREMENTS:
- Return ONLY a JSON object with the same keys as the input object ("title", "excerpt", "content"), each mapped to its translation.
- Preserve ALL Markdown formatting exactly as-is: links [text](url), **bold**, *italic*, headers, lists, code blocks
- Preserve all URLs unchanged
- Keep brand names and proper nouns unchanged
- Do NOT translate technical terms that are standard in English (unless they have established translations)
- Return ONLY the JSON object, no explanations or markdown code blocks.`

// PromptSet maps prompt types to templates.
type PromptSet map[string]string

// promptsFile is the on-disk layout of prompts.json.
type promptsFile struct {
	Prompts PromptSet `json:"prompts"`
}

// DefaultPrompts returns the built-in templates.
func DefaultPrompts() PromptSet {
	return PromptSet{
		PromptUI:   UISystemPrompt,
		PromptBlog: BlogSystemPrompt,
	}
}

// Get returns the template for kind, falling back to the built-in one.
func (p PromptSet) Get(kind string) string {
	if t := strings.TrimSpace(p[kind]); t != "" {
		return p[kind]
	}
	if kind == PromptBlog {
		return BlogSystemPrompt
	}
	return UISystemPrompt
}

// LoadPrompts reads prompt overrides from path. A missing file is created
// with the built-in templates so users have something to edit.
func LoadPrompts(path string) (PromptSet, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeDefaultPrompts(path); err != nil {
			return DefaultPrompts(), err
		}
		return DefaultPrompts(), nil
	}
	if err != nil {
		return DefaultPrompts(), fmt.Errorf("failed to read prompts file: %w", err)
	}

	var f promptsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return DefaultPrompts(), fmt.Errorf("failed to parse prompts file: %w", err)
	}
	set := DefaultPrompts()
	for k, v := range f.Prompts {
		if strings.TrimSpace(v) != "" {
			set[k] = v
		}
	}
	return set, nil
}

func writeDefaultPrompts(path string) error {
	data, err := json.MarshalIndent(promptsFile{Prompts: DefaultPrompts()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling default prompts: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating prompts directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing default prompts file: %w", err)
	}
	return nil
}

// RenderPrompt substitutes the target language into template and appends
// the batch as an indented JSON object in batch order.
func RenderPrompt(template, targetLanguageName string, batch Batch) (string, error) {
	om := orderedmap.New()
	om.SetEscapeHTML(false)
	for _, e := range batch {
		om.Set(e.Key, e.Source)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(om); err != nil {
		return "", fmt.Errorf("encoding batch: %w", err)
	}

	var b strings.Builder
	b.WriteString(strings.ReplaceAll(template, targetLangPlaceholder, targetLanguageName))
	fmt.Fprintf(&b, "\n\nTranslate the values of this JSON object to %s:\n\n", targetLanguageName)
	b.Write(bytes.TrimRight(buf.Bytes(), "\n"))
	return b.String(), nil
}
