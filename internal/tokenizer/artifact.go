package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ArtifactFilename is the tokenizer file written into a model directory.
const ArtifactFilename = "tokenizer.json"

// artifact is the on-disk form. Merges are stored as "A B" strings; token
// names never contain spaces so the join is unambiguous.
type artifact struct {
	Vocab         []string      `json:"vocab"`
	Merges        []string      `json:"merges"`
	SpecialTokens SpecialTokens `json:"special_tokens"`
	MaxLength     int           `json:"max_length"`
	PaddingSide   string        `json:"padding_side"`
}

// Save writes the tokenizer artifact into dir.
func (t *Tokenizer) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create tokenizer directory: %w", err)
	}
	a := artifact{
		Vocab:         t.Tokens,
		Merges:        make([]string, len(t.Merges)),
		SpecialTokens: t.Specials,
		MaxLength:     t.MaxLength,
		PaddingSide:   t.PaddingSide,
	}
	for i, m := range t.Merges {
		a.Merges[i] = m.A + " " + m.B
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tokenizer: %w", err)
	}
	path := filepath.Join(dir, ArtifactFilename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write tokenizer file: %w", err)
	}
	return nil
}

// Load reads a tokenizer artifact from dir.
func Load(dir string) (*Tokenizer, error) {
	path := filepath.Join(dir, ArtifactFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer file: %w", err)
	}
	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer file: %w", err)
	}
	if len(a.Vocab) < 256 {
		return nil, fmt.Errorf("tokenizer vocab has %d tokens, need at least the 256 byte tokens", len(a.Vocab))
	}
	t := &Tokenizer{
		Tokens:      a.Vocab,
		Stoi:        make(map[string]int, len(a.Vocab)),
		Specials:    a.SpecialTokens,
		MaxLength:   a.MaxLength,
		PaddingSide: a.PaddingSide,
	}
	if t.PaddingSide == "" {
		t.PaddingSide = "right"
	}
	for i, name := range a.Vocab {
		t.Stoi[name] = i
	}
	merges := make([]MergePair, 0, len(a.Merges))
	for _, line := range a.Merges {
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed merge rule %q", line)
		}
		merges = append(merges, MergePair{A: parts[0], B: parts[1]})
	}
	t.SetMerges(merges)
	return t, nil
}
