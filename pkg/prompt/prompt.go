// Package prompt loads the per-language translation prompt text used when
// invoking the provider adapter.
package prompt

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// English is the language every request falls back to when the requested
// language has no configured prompt.
const English = "English"

// SupportedLanguages enumerates the target_language values task submission
// accepts. Anything outside this set is a validation error at the edge,
// not a prompt-manager concern.
var SupportedLanguages = []string{
	"Vietnamese", "English", "Japanese", "Korean",
	"Chinese (Simplified)", "Chinese (Traditional)",
	"Spanish", "French", "German", "Portuguese",
	"Russian", "Thai", "Indonesian",
}

// Manager resolves a target language to prompt text, loaded once from a
// YAML file at startup (hot-reload is not required).
type Manager struct {
	prompts map[string]string
}

// Load reads a YAML mapping of language name to prompt text. Unknown
// language keys are tolerated: they are warned about and skipped rather
// than rejected, since the file may list languages ahead of this binary's
// supported set.
func Load(path string) (*Manager, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading prompts file: %w", err)
	}

	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("parsing prompts file: %w", err)
	}

	known := make(map[string]struct{}, len(SupportedLanguages))
	for _, lang := range SupportedLanguages {
		known[lang] = struct{}{}
	}

	prompts := make(map[string]string, len(raw))
	var skipped []string
	for lang, text := range raw {
		if _, ok := known[lang]; !ok {
			skipped = append(skipped, lang)
			continue
		}
		prompts[lang] = text
	}

	if _, ok := prompts[English]; !ok {
		return nil, skipped, fmt.Errorf("prompts file missing required fallback language %q", English)
	}

	return &Manager{prompts: prompts}, skipped, nil
}

// Prompt returns the prompt text for language, falling back to English
// when the language is unconfigured.
func (m *Manager) Prompt(language string) (text string, usedFallback bool) {
	if text, ok := m.prompts[language]; ok {
		return text, false
	}
	return m.prompts[English], true
}

// Languages returns the languages this manager has a prompt loaded for, for
// introspection on the stats endpoint.
func (m *Manager) Languages() []string {
	out := make([]string, 0, len(m.prompts))
	for lang := range m.prompts {
		out = append(out, lang)
	}
	return out
}
