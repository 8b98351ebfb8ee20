package writer

import (
	"strings"
	"testing"
)

func TestValidateSessionPathValid(t *testing.T) {
	tests := []string{
		"session_2025-10-30T14-30-00",
		"session_2024-01-01T00-00-00",
		"session_2023-12-31T23-59-59",
	}

	for _, tt := range tests {
		t.Run(tt, func(t *testing.T) {
			if err := ValidateSessionPath("output", tt); err != nil {
				t.Errorf("ValidateSessionPath(%q) returned unexpected error: %v", tt, err)
			}
		})
	}
}

func TestValidateSessionPathInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string // substring of expected error message
	}{
		{
			name:  "empty",
			input: "",
			want:  "cannot be empty",
		},
		{
			name:  "traversal double dot",
			input: "../etc",
			want:  "path traversal",
		},
		{
			name:  "traversal in middle",
			input: "session_2025-10-30T14-30-00/../etc",
			want:  "path traversal",
		},
		{
			name:  "absolute path",
			input: "/etc/passwd",
			want:  "must be relative",
		},
		{
			name:  "nested path",
			input: "nested/session_2025-10-30T14-30-00",
			want:  "without path separators",
		},
		{
			name:  "wrong format",
			input: "session-2025",
			want:  "invalid session name format",
		},
		{
			name:  "arbitrary name",
			input: "mydir",
			want:  "invalid session name format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionPath("output", tt.input)
			if err == nil {
				t.Fatalf("ValidateSessionPath(%q) expected error, got nil", tt.input)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %q", tt.want, err.Error())
			}
		})
	}
}

func TestValidateSessionPathDefaultOutputDir(t *testing.T) {
	if err := ValidateSessionPath("", "session_2025-10-30T14-30-00"); err != nil {
		t.Errorf("Expected empty output dir to fall back to the default, got %v", err)
	}
}
