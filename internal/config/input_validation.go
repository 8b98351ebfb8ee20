package config

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

const (
	// MaxRepoIDLength is the maximum allowed length for hub repo ids
	MaxRepoIDLength = 200

	// MaxTemplateSize is the maximum allowed size for template content
	MaxTemplateSize = 50 * 1024 // 50KB
)

// ValidateInputs performs additional security validation on user-controllable fields.
// This prevents potential DoS attacks, injection attacks, and other security issues.
func (c *Config) ValidateInputs() error {
	// Validate repo-shaped identifiers
	repos := []struct {
		name  string
		value string
	}{
		{"model.name", c.Model.Name},
		{"model.tokenizer_name", c.Model.TokenizerName},
		{"dataset.name", c.Dataset.Name},
		{"hub.push_repo", c.Hub.PushRepo},
	}
	for _, repo := range repos {
		if err := validateRepoID(repo.name, repo.value); err != nil {
			return err
		}
	}

	// Validate the prompt template size
	if len(c.Dataset.PromptTemplate) > MaxTemplateSize {
		return fmt.Errorf("dataset.prompt_template exceeds maximum size of %d bytes (got %d)",
			MaxTemplateSize, len(c.Dataset.PromptTemplate))
	}

	// Validate the hub endpoint URL
	if err := validateEndpoint(c.Hub.Endpoint); err != nil {
		return err
	}

	return nil
}

// validateRepoID checks an identifier that names a hub repo or local path
func validateRepoID(field, value string) error {
	if value == "" {
		return nil
	}
	if len(value) > MaxRepoIDLength {
		return fmt.Errorf("%s exceeds maximum length of %d (got %d)",
			field, MaxRepoIDLength, len(value))
	}
	if containsControlChars(value) {
		return fmt.Errorf("%s contains invalid control characters", field)
	}
	if strings.Contains(value, "..") {
		return fmt.Errorf("%s must not contain path traversal sequences", field)
	}
	return nil
}

// validateEndpoint checks that the hub endpoint is properly formatted and safe
func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("hub.endpoint is invalid: %w", err)
	}

	// Check scheme
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("hub.endpoint must use http or https scheme (got %s)", u.Scheme)
	}

	// Check host is present
	if u.Host == "" {
		return fmt.Errorf("hub.endpoint must have a host")
	}

	return nil
}

// containsControlChars checks if a string contains control characters
// (excluding newlines, tabs, and carriage returns which are acceptable)
func containsControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return true
		}
	}
	return false
}
