package util

import (
	"fmt"
	"strings"
	"text/template"
)

// DefaultPromptTemplate is the form every preference pair is rendered
// through before tokenization.
const DefaultPromptTemplate = "Question: {{.Question}}\n\nAnswer: {{.Answer}}"

// PromptTemplate renders a question/answer pair into model input text.
// Compiled once and reused across the preprocessing workers.
type PromptTemplate struct {
	t *template.Template
}

// promptData is the only data a prompt template may reference.
type promptData struct {
	Question string
	Answer   string
}

// CompilePromptTemplate parses and validates a prompt template.
// Directives that call functions or include other templates are rejected.
func CompilePromptTemplate(tmpl string) (*PromptTemplate, error) {
	if strings.TrimSpace(tmpl) == "" {
		return nil, fmt.Errorf("prompt template is empty")
	}
	for _, directive := range []string{"{{call", "{{define", "{{template", "{{block"} {
		if strings.Contains(tmpl, directive) {
			return nil, fmt.Errorf("prompt template contains forbidden directive: %s", directive)
		}
	}
	t, err := template.New("prompt").
		Option("missingkey=error").
		Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt template: %w", err)
	}
	// Catch unknown fields now rather than per row during preprocessing.
	var probe strings.Builder
	if err := t.Execute(&probe, promptData{Question: "q", Answer: "a"}); err != nil {
		return nil, fmt.Errorf("prompt template references unknown fields: %w", err)
	}
	return &PromptTemplate{t: t}, nil
}

// Render produces the model input text for one question/answer pair.
func (p *PromptTemplate) Render(question, answer string) (string, error) {
	var buf strings.Builder
	if err := p.t.Execute(&buf, promptData{Question: question, Answer: answer}); err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return buf.String(), nil
}

// TruncateString truncates a string to maxLen runes (Unicode-safe).
// Used to keep log lines readable when datasets carry long answers.
func TruncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
