package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const secretRedacted = "[REDACTED]"

// Secret holds a sensitive configuration value. It redacts itself when
// printed or serialized to JSON or YAML; use Value to read it.
type Secret string

// Value returns the raw secret.
func (s Secret) Value() string { return string(s) }

// Bytes returns the raw secret as bytes.
func (s Secret) Bytes() []byte { return []byte(s) }

// Empty reports whether no secret is set.
func (s Secret) Empty() bool { return s == "" }

func (s Secret) String() string {
	if s.Empty() {
		return ""
	}

	return secretRedacted
}

func (s Secret) GoString() string { return s.String() }

// MarshalJSON implements json.Marshaler.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// MarshalYAML implements yaml.Marshaler.
func (s Secret) MarshalYAML() (any, error) {
	return s.String(), nil
}

// ResolveSecret returns value when it is set, otherwise the trimmed contents
// of file. Both empty yields an empty secret.
func ResolveSecret(value Secret, file string) (Secret, error) {
	if !value.Empty() {
		return value, nil
	}

	if file == "" {
		return "", nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("reading secret file: %w", err)
	}

	return Secret(strings.TrimSpace(string(data))), nil
}
