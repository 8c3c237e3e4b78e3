// Package config loads and validates the monitor settings file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvSenderPassword overrides "sender password" when set, so the secret can
// live in the environment or a .env file instead of the settings file.
const EnvSenderPassword = "PAGEWATCH_SENDER_PASSWORD"

// ConfigError reports a settings file that is missing, unreadable or
// invalid. It is always fatal.
type ConfigError struct {
	Path     string
	Problems []string
	Err      error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("invalid configuration")
	if e.Path != "" {
		fmt.Fprintf(&b, " %s", e.Path)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if len(e.Problems) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(e.Problems, "; "))
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Load reads settings from path, applies the environment override for the
// sender password, fills defaults and validates the result.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("failed to read config file: %w", err)}
	}

	s, err := parse(data, os.LookupEnv)
	if err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			cfgErr.Path = path
		}
		return nil, err
	}
	return s, nil
}

// Parse decodes settings from YAML without consulting the environment.
func Parse(data []byte) (*Settings, error) {
	return parse(data, nil)
}

func parse(data []byte, lookupEnv func(string) (string, bool)) (*Settings, error) {
	var doc yaml.Node
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ConfigError{Err: errors.New("config file is empty")}
		}
		return nil, &ConfigError{Err: fmt.Errorf("failed to parse config file: %w", err)}
	}

	present, err := topLevelKeys(&doc)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}

	var s Settings
	if err := doc.Decode(&s); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("failed to parse config file: %w", err)}
	}

	if lookupEnv != nil {
		if pw, ok := lookupEnv(EnvSenderPassword); ok && pw != "" {
			s.SenderPassword = pw
			present["sender password"] = true
		}
	}

	var missing []string
	for _, key := range requiredKeys {
		if !present[key] {
			missing = append(missing, fmt.Sprintf("%s: required setting missing", key))
		}
	}
	if len(missing) > 0 {
		return nil, &ConfigError{Problems: missing}
	}

	s.ApplyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// topLevelKeys returns the keys of the document's root mapping.
func topLevelKeys(doc *yaml.Node) (map[string]bool, error) {
	root := doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil, errors.New("config file must be a mapping of setting names to values")
	}

	keys := make(map[string]bool, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		keys[root.Content[i].Value] = true
	}
	return keys, nil
}
