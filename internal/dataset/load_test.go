package dataset

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lamim/rewardforge/pkg/models"
)

func writeDataset(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		t.Fatalf("Failed to write dataset: %v", err)
	}
	return path
}

func TestLoadJSONLStackExchange(t *testing.T) {
	path := writeDataset(t,
		`{"question": "Why is the sky blue?", "response_j": "Rayleigh scattering.", "response_k": "Magic."}`,
		`{"question": "What is 2+2?", "response_j": "4", "response_k": "5"}`,
	)

	pairs, schema, err := LoadJSONL(path)
	if err != nil {
		t.Fatalf("LoadJSONL failed: %v", err)
	}
	if schema != models.SchemaStackExchange {
		t.Errorf("Expected stack-exchange schema, got %q", schema)
	}
	if len(pairs) != 2 {
		t.Fatalf("Expected 2 pairs, got %d", len(pairs))
	}
	if pairs[0].Question != "Why is the sky blue?" {
		t.Errorf("Unexpected question %q", pairs[0].Question)
	}
	if pairs[0].Chosen != "Rayleigh scattering." || pairs[0].Rejected != "Magic." {
		t.Errorf("Unexpected pair contents: %+v", pairs[0])
	}
}

func TestLoadJSONLDPO(t *testing.T) {
	path := writeDataset(t,
		`{"prompt": "Name a color.", "chosen": "Blue.", "rejected": "Seven."}`,
	)

	pairs, schema, err := LoadJSONL(path)
	if err != nil {
		t.Fatalf("LoadJSONL failed: %v", err)
	}
	if schema != models.SchemaDPO {
		t.Errorf("Expected dpo schema, got %q", schema)
	}
	if len(pairs) != 1 {
		t.Fatalf("Expected 1 pair, got %d", len(pairs))
	}
	if pairs[0].Question != "Name a color." || pairs[0].Chosen != "Blue." || pairs[0].Rejected != "Seven." {
		t.Errorf("Unexpected pair contents: %+v", pairs[0])
	}
}

func TestLoadJSONLSkipsBlankLines(t *testing.T) {
	path := writeDataset(t,
		`{"question": "q", "response_j": "a", "response_k": "b"}`,
		"",
		"   ",
		`{"question": "q2", "response_j": "a2", "response_k": "b2"}`,
	)

	pairs, _, err := LoadJSONL(path)
	if err != nil {
		t.Fatalf("LoadJSONL failed: %v", err)
	}
	if len(pairs) != 2 {
		t.Errorf("Expected 2 pairs, got %d", len(pairs))
	}
}

func TestLoadJSONLEmptyFile(t *testing.T) {
	path := writeDataset(t, "")
	pairs, _, err := LoadJSONL(path)
	if err != nil {
		t.Fatalf("LoadJSONL failed on empty file: %v", err)
	}
	if len(pairs) != 0 {
		t.Errorf("Expected no pairs, got %d", len(pairs))
	}
}

func TestLoadJSONLRejectsUnknownSchema(t *testing.T) {
	path := writeDataset(t, `{"text": "hello", "label": 1}`)
	_, _, err := LoadJSONL(path)
	if err == nil {
		t.Fatal("Expected error for unknown schema")
	}
	if !strings.Contains(err.Error(), "unrecognized record schema") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestLoadJSONLRejectsMissingField(t *testing.T) {
	path := writeDataset(t,
		`{"question": "q", "response_j": "a", "response_k": "b"}`,
		`{"question": "q2", "response_j": "a2"}`,
	)
	_, _, err := LoadJSONL(path)
	if err == nil {
		t.Fatal("Expected error for missing response_k")
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Errorf("Expected line number in error, got: %v", err)
	}
}

func TestLoadJSONLRejectsMalformedJSON(t *testing.T) {
	path := writeDataset(t, `{"question": "q", `)
	_, _, err := LoadJSONL(path)
	if err == nil {
		t.Fatal("Expected error for malformed JSON")
	}
}

func TestLoadJSONLMissingFile(t *testing.T) {
	_, _, err := LoadJSONL(filepath.Join(t.TempDir(), "nope.jsonl"))
	if err == nil {
		t.Fatal("Expected error for missing file")
	}
}
