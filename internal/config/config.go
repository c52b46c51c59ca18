// Package config implements configuration resolution: a
// JSON-with-comments user file deep-merged over built-in defaults, with
// home-directory expansion and a PORT environment override.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
)

// Config is the full runtime configuration surface.
type Config struct {
	Port        int               `json:"port"`
	StoragePath string            `json:"storagePath"`
	Search      SearchConfig      `json:"search"`
	Privacy     PrivacyConfig     `json:"privacy"`
	Embedding   EmbeddingConfig   `json:"embedding"`
	Replication ReplicationConfig `json:"replication"`
	SSE         SSEConfig         `json:"sse"`
	Bus         BusConfig         `json:"bus"`
}

// BusConfig configures the embedded NATS server the event stream (SSE)
// fan-out publishes and subscribes through.
type BusConfig struct {
	NATSPort int `json:"natsPort"`
}

// SearchConfig toggles the search orchestrator's strategies.
type SearchConfig struct {
	UseFTS      bool `json:"useFTS"`
	UseSemantic bool `json:"useSemantic"`
}

// PrivacyConfig toggles sanitization behavior.
type PrivacyConfig struct {
	StripPrivateTags bool `json:"stripPrivateTags"`
	RedactSecrets    bool `json:"redactSecrets"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Enabled bool   `json:"enabled"`
	BaseURL string `json:"baseUrl"`
	APIKey  string `json:"apiKey"`
	Model   string `json:"model"`
}

// ReplicationConfig configures the external replicator.
type ReplicationConfig struct {
	URL              string `json:"url"`
	IntervalSeconds  int    `json:"intervalSeconds"`
	BatchSize        int    `json:"batchSize"`
}

// SSEConfig toggles live event streaming.
type SSEConfig struct {
	Enabled bool `json:"enabled"`
}

// DefaultConfig returns the built-in defaults every user config is merged
// over.
func DefaultConfig() Config {
	return Config{
		Port:        4747,
		StoragePath: "~/.local/share/opencode/opencodemem.db",
		Search:      SearchConfig{UseFTS: true, UseSemantic: true},
		Privacy:     PrivacyConfig{StripPrivateTags: true, RedactSecrets: true},
		Embedding:   EmbeddingConfig{Enabled: false, Model: "text-embedding-3-small"},
		Replication: ReplicationConfig{IntervalSeconds: 60, BatchSize: 100},
		SSE:         SSEConfig{Enabled: true},
		Bus:         BusConfig{NATSPort: 4748},
	}
}

// DefaultUserConfigPath is the default JSONC user config file location.
const DefaultUserConfigPath = "~/.config/opencode/opencode-mem.jsonc"

// Load resolves the effective config: defaults deep-merged with the user's
// JSONC file (if present), with string values beginning with "~" expanded
// to the home directory, and PORT overriding the listen port.
func Load(userConfigPath string) (*Config, error) {
	cfg := DefaultConfig()

	path := expandHome(userConfigPath)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			expandConfigPaths(&cfg)
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	stripped := stripJSONC(data)

	var userCfg Config
	if err := json.Unmarshal(stripped, &userCfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := mergo.Merge(&cfg, userCfg, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("config: merge user config: %w", err)
	}

	var toggles fileToggles
	if err := json.Unmarshal(stripped, &toggles); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	toggles.apply(&cfg)

	expandConfigPaths(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// fileToggles re-decodes the default-on flags as pointers. mergo treats a
// bare false as an empty value and skips it during the merge, so an
// explicit "enabled": false in the user file would otherwise be
// indistinguishable from an omitted key.
type fileToggles struct {
	Search struct {
		UseFTS      *bool `json:"useFTS"`
		UseSemantic *bool `json:"useSemantic"`
	} `json:"search"`
	Privacy struct {
		StripPrivateTags *bool `json:"stripPrivateTags"`
		RedactSecrets    *bool `json:"redactSecrets"`
	} `json:"privacy"`
	SSE struct {
		Enabled *bool `json:"enabled"`
	} `json:"sse"`
}

func (t fileToggles) apply(cfg *Config) {
	if t.Search.UseFTS != nil {
		cfg.Search.UseFTS = *t.Search.UseFTS
	}
	if t.Search.UseSemantic != nil {
		cfg.Search.UseSemantic = *t.Search.UseSemantic
	}
	if t.Privacy.StripPrivateTags != nil {
		cfg.Privacy.StripPrivateTags = *t.Privacy.StripPrivateTags
	}
	if t.Privacy.RedactSecrets != nil {
		cfg.Privacy.RedactSecrets = *t.Privacy.RedactSecrets
	}
	if t.SSE.Enabled != nil {
		cfg.SSE.Enabled = *t.SSE.Enabled
	}
}

func expandConfigPaths(cfg *Config) {
	cfg.StoragePath = expandHome(cfg.StoragePath)
	cfg.Embedding.BaseURL = expandHome(cfg.Embedding.BaseURL)
	cfg.Embedding.APIKey = expandHome(cfg.Embedding.APIKey)
	cfg.Embedding.Model = expandHome(cfg.Embedding.Model)
	cfg.Replication.URL = expandHome(cfg.Replication.URL)
}

func applyEnvOverrides(cfg *Config) {
	if p := os.Getenv("PORT"); p != "" {
		var port int
		if _, err := fmt.Sscanf(p, "%d", &port); err == nil && port > 0 {
			cfg.Port = port
		}
	}
}

// expandHome replaces a leading "~" with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// stripJSONC removes // and /* */ comments and trailing commas from a
// JSONC document so it can be decoded with encoding/json. No library in
// this ecosystem's retrieved corpus parses JSONC directly (see DESIGN.md),
// so this is a small character-level state machine rather than a full
// tokenizer. It tracks string literals, including backslash escapes, so
// comment markers inside strings are kept.
func stripJSONC(data []byte) []byte {
	var out strings.Builder
	inString := false
	inLineComment := false
	inBlockComment := false
	runes := []rune(string(data))

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		var next rune
		if i+1 < len(runes) {
			next = runes[i+1]
		}

		if inLineComment {
			if r == '\n' {
				inLineComment = false
				out.WriteRune(r)
			}
			continue
		}
		if inBlockComment {
			if r == '*' && next == '/' {
				inBlockComment = false
				i++
			}
			continue
		}
		if inString {
			out.WriteRune(r)
			if r == '\\' && i+1 < len(runes) {
				out.WriteRune(next)
				i++
				continue
			}
			if r == '"' {
				inString = false
			}
			continue
		}

		switch {
		case r == '"':
			inString = true
			out.WriteRune(r)
		case r == '/' && next == '/':
			inLineComment = true
			i++
		case r == '/' && next == '*':
			inBlockComment = true
			i++
		default:
			out.WriteRune(r)
		}
	}

	return stripTrailingCommas(out.String())
}

// stripTrailingCommas removes a trailing comma that appears immediately
// before a closing ] or } (outside of strings; comments are already gone
// by the time this runs).
func stripTrailingCommas(s string) []byte {
	var out strings.Builder
	inString := false
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if inString {
			out.WriteRune(r)
			if r == '\\' && i+1 < len(runes) {
				out.WriteRune(runes[i+1])
				i++
				continue
			}
			if r == '"' {
				inString = false
			}
			continue
		}
		if r == '"' {
			inString = true
			out.WriteRune(r)
			continue
		}
		if r == ',' {
			j := i + 1
			for j < len(runes) && isJSONWhitespace(runes[j]) {
				j++
			}
			if j < len(runes) && (runes[j] == ']' || runes[j] == '}') {
				continue
			}
		}
		out.WriteRune(r)
	}
	return []byte(out.String())
}

func isJSONWhitespace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
