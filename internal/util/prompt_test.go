package util

import (
	"strings"
	"testing"
)

func TestDefaultPromptTemplate(t *testing.T) {
	p, err := CompilePromptTemplate(DefaultPromptTemplate)
	if err != nil {
		t.Fatalf("CompilePromptTemplate failed: %v", err)
	}
	got, err := p.Render("how do goroutines work?", "they are scheduled by the runtime")
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	want := "Question: how do goroutines work?\n\nAnswer: they are scheduled by the runtime"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestCompileRejectsForbiddenDirectives(t *testing.T) {
	for _, tmpl := range []string{
		"{{call .Question}}",
		"{{define \"x\"}}{{end}}",
		"{{template \"x\"}}",
		"{{block \"x\" .}}{{end}}",
	} {
		if _, err := CompilePromptTemplate(tmpl); err == nil {
			t.Errorf("Expected rejection for %q", tmpl)
		}
	}
}

func TestCompileRejectsUnknownFields(t *testing.T) {
	if _, err := CompilePromptTemplate("{{.Question}} {{.Nope}}"); err == nil {
		t.Error("Expected rejection for unknown field")
	}
	if _, err := CompilePromptTemplate("   "); err == nil {
		t.Error("Expected rejection for empty template")
	}
}

func TestTruncateString(t *testing.T) {
	if got := TruncateString("short", 10); got != "short" {
		t.Errorf("Expected unchanged string, got %q", got)
	}
	got := TruncateString(strings.Repeat("é", 20), 5)
	if got != strings.Repeat("é", 5)+"..." {
		t.Errorf("Expected rune-safe truncation, got %q", got)
	}
}
