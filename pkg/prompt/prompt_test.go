package prompt

import (
	"os"
	"path/filepath"
	"testing"
)

func writePromptsFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "prompts.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func TestLoad_FallsBackToEnglish(t *testing.T) {
	path := writePromptsFile(t, `
English: "Translate this image to English."
Japanese: "Translate this image to Japanese."
`)

	m, skipped, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(skipped) != 0 {
		t.Fatalf("skipped = %v, want none", skipped)
	}

	text, fallback := m.Prompt("Korean")
	if !fallback {
		t.Fatal("expected fallback for unconfigured language")
	}
	if text != "Translate this image to English." {
		t.Fatalf("Prompt(Korean) = %q", text)
	}

	text, fallback = m.Prompt("Japanese")
	if fallback {
		t.Fatal("expected no fallback for configured language")
	}
	if text != "Translate this image to Japanese." {
		t.Fatalf("Prompt(Japanese) = %q", text)
	}
}

func TestLoad_SkipsUnknownLanguageKeys(t *testing.T) {
	path := writePromptsFile(t, `
English: "Translate this image to English."
Klingon: "qaStaHvIS wej"
`)

	m, skipped, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(skipped) != 1 || skipped[0] != "Klingon" {
		t.Fatalf("skipped = %v, want [Klingon]", skipped)
	}
	if len(m.Languages()) != 1 {
		t.Fatalf("Languages() = %v, want just English", m.Languages())
	}
}

func TestLoad_MissingEnglishIsAnError(t *testing.T) {
	path := writePromptsFile(t, `
Japanese: "Translate this image to Japanese."
`)

	_, _, err := Load(path)
	if err == nil {
		t.Fatal("expected error when English fallback is missing")
	}
}
