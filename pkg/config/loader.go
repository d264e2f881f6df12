package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load loads a configuration from a YAML file into config.
// ${VAR_NAME} references are substituted from the environment before
// parsing so credentials stay out of config files.
func Load(filePath string, config interface{}) error {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: path is operator-controlled
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	content := substituteEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(content), config); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// Save saves a configuration to a YAML file.
func Save(filePath string, config interface{}) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadConnectorConfig loads and validates a single connector config document.
func LoadConnectorConfig(filePath string) (*ConnectorConfig, error) {
	cfg := NewConnectorConfig("", "")
	if err := Load(filePath, cfg); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connector config %s: %w", filePath, err)
	}
	return cfg, nil
}

// LoadConnectorDir loads every *.yaml / *.yml connector config in a
// directory, sorted by file name for deterministic startup.
func LoadConnectorDir(dir string) ([]*ConnectorConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config dir: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	configs := make([]*ConnectorConfig, 0, len(paths))
	for _, p := range paths {
		cfg, err := LoadConnectorConfig(p)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}
	return content
}
