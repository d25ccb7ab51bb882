package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// configSchema constrains the shapes that yaml decoding alone cannot check:
// value ranges, URL-ish strings, and the manifest being non-empty.
const configSchema = `{
  "type": "object",
  "properties": {
    "upstream_url": {"type": "string", "minLength": 1},
    "bind_addr": {"type": "string", "minLength": 1},
    "log_level": {"enum": ["debug", "info", "warn", "warning", "error"]},
    "auth_token": {"type": "string"},
    "shell": {
      "type": "object",
      "properties": {
        "version": {"type": "integer", "minimum": 1},
        "manifest": {"type": "array", "items": {"type": "string", "pattern": "^/"}, "minItems": 1},
        "offline_path": {"type": "string", "pattern": "^/"}
      },
      "required": ["version", "manifest", "offline_path"]
    },
    "routes": {
      "type": "object",
      "properties": {
        "api_prefix": {"type": "string", "pattern": "^/"},
        "entity_lists": {"type": "array", "items": {"type": "string", "pattern": "^/"}}
      },
      "required": ["api_prefix"]
    },
    "replay": {
      "type": "object",
      "properties": {
        "sweep_cron": {"type": "string", "minLength": 9},
        "concurrency": {"type": "integer", "minimum": 1, "maximum": 64},
        "max_attempts": {"type": "integer", "minimum": 0},
        "request_timeout_seconds": {"type": "integer", "minimum": 1}
      }
    },
    "probe": {
      "type": "object",
      "properties": {
        "path": {"type": "string", "pattern": "^/"},
        "interval_seconds": {"type": "integer", "minimum": 1}
      }
    },
    "otel": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "exporter": {"enum": ["stdout", "otlp"]},
        "sample_rate": {"type": "number", "minimum": 0, "maximum": 1}
      }
    }
  },
  "required": ["upstream_url", "bind_addr", "shell", "routes"]
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
	if err != nil {
		panic(fmt.Sprintf("config schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.schema.json", doc); err != nil {
		panic(fmt.Sprintf("config schema resource: %v", err))
	}
	s, err := c.Compile("config.schema.json")
	if err != nil {
		panic(fmt.Sprintf("compile config schema: %v", err))
	}
	return s
}

// Validate checks the effective config against the embedded JSON Schema
// plus a few semantic rules the schema cannot express.
func Validate(cfg *Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config for validation: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("reparse config for validation: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	u, err := url.Parse(cfg.UpstreamURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid config: upstream_url %q is not an absolute URL", cfg.UpstreamURL)
	}
	if !contains(cfg.Shell.Manifest, cfg.Shell.OfflinePath) {
		return fmt.Errorf("invalid config: offline_path %q missing from shell manifest", cfg.Shell.OfflinePath)
	}
	return nil
}
