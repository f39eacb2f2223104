package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/xeipuuv/gojsonschema"
)

// ManifestName is the file a plugin directory must contain to be
// discovered.
const ManifestName = "plugin.json"

// pluginIDRegex validates plugin ID format (lowercase alphanumeric with hyphens)
var pluginIDRegex = regexp.MustCompile(`^[a-z0-9-]+$`)

// manifestSchema is the JSON Schema plugin manifests are validated
// against before anything is spawned.
const manifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "name", "version", "main", "tools"],
  "properties": {
    "id": {
      "type": "string",
      "pattern": "^[a-z0-9-]+$",
      "description": "Unique plugin identifier"
    },
    "name": {
      "type": "string",
      "minLength": 1,
      "description": "Human-readable plugin name"
    },
    "version": {
      "type": "string",
      "pattern": "^\\d+\\.\\d+\\.\\d+$",
      "description": "Semver version"
    },
    "description": {
      "type": "string",
      "description": "Plugin description"
    },
    "author": {
      "type": "string",
      "description": "Plugin author"
    },
    "main": {
      "type": "string",
      "minLength": 1,
      "description": "Plugin executable, relative to the plugin directory"
    },
    "min_host_version": {
      "type": "string",
      "minLength": 1,
      "description": "Semver constraint on the host version (e.g. >= 0.3.0)"
    },
    "tools": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "description"],
        "properties": {
          "name": {
            "type": "string",
            "minLength": 1
          },
          "description": {
            "type": "string",
            "minLength": 1
          },
          "parameters": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["name", "type"],
              "properties": {
                "name": {
                  "type": "string",
                  "minLength": 1
                },
                "type": {
                  "type": "string",
                  "enum": ["string", "number", "integer", "boolean", "object", "array"]
                },
                "description": {
                  "type": "string"
                },
                "required": {
                  "type": "boolean"
                }
              }
            }
          }
        }
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(manifestSchema)

// ParamSpec describes one tool parameter as declared in a manifest.
type ParamSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ToolSpec declares a tool the plugin serves over RPC.
type ToolSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []ParamSpec `json:"parameters,omitempty"`
}

// Manifest describes an installed plugin.
type Manifest struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Version     string     `json:"version"`
	Description string     `json:"description,omitempty"`
	Author      string     `json:"author,omitempty"`
	Main        string     `json:"main"`
	MinHost     string     `json:"min_host_version,omitempty"`
	Tools       []ToolSpec `json:"tools"`
}

// LoadManifest loads and validates a plugin manifest from a file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
	}

	if err := validateSchema(data); err != nil {
		return nil, fmt.Errorf("manifest schema validation failed: %w", err)
	}

	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("manifest validation failed: %w", err)
	}

	return &manifest, nil
}

// validateSchema validates the manifest against the JSON schema
func validateSchema(data []byte) error {
	documentLoader := gojsonschema.NewBytesLoader(data)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		var errMsg string
		for i, verr := range result.Errors() {
			if i > 0 {
				errMsg += "; "
			}
			errMsg += verr.String()
		}
		return fmt.Errorf("schema validation errors: %s", errMsg)
	}

	return nil
}

// validateManifest performs additional validation beyond JSON schema
func validateManifest(manifest *Manifest) error {
	if !pluginIDRegex.MatchString(manifest.ID) {
		return fmt.Errorf("invalid plugin ID format: %s (must be lowercase alphanumeric with hyphens)", manifest.ID)
	}

	if _, err := semver.NewVersion(manifest.Version); err != nil {
		return fmt.Errorf("invalid version %q: %w", manifest.Version, err)
	}

	if manifest.MinHost != "" {
		if _, err := semver.NewConstraint(manifest.MinHost); err != nil {
			return fmt.Errorf("invalid min_host_version %q: %w", manifest.MinHost, err)
		}
	}

	seen := make(map[string]bool, len(manifest.Tools))
	for _, tool := range manifest.Tools {
		if seen[tool.Name] {
			return fmt.Errorf("duplicate tool name: %s", tool.Name)
		}
		seen[tool.Name] = true
	}

	return nil
}

// HostCompatible checks the manifest's min_host_version constraint
// against the running host version. A manifest without the constraint
// is compatible with every host.
func HostCompatible(manifest *Manifest, hostVersion string) error {
	if manifest.MinHost == "" {
		return nil
	}

	host, err := semver.NewVersion(hostVersion)
	if err != nil {
		return fmt.Errorf("invalid host version %q: %w", hostVersion, err)
	}

	constraint, err := semver.NewConstraint(manifest.MinHost)
	if err != nil {
		return fmt.Errorf("invalid min_host_version %q: %w", manifest.MinHost, err)
	}

	if !constraint.Check(host) {
		return fmt.Errorf("plugin %s requires host %s, running %s", manifest.ID, manifest.MinHost, hostVersion)
	}

	return nil
}

// Discovered is a plugin directory found under the plugins root.
type Discovered struct {
	Dir          string
	ManifestPath string
}

// Discover lists the subdirectories of dir that contain a plugin.json
// manifest. A missing root yields no plugins. Entries come back in
// directory-name order.
func Discover(dir string) ([]Discovered, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read plugin directory: %w", err)
	}

	var found []Discovered
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifestPath := filepath.Join(dir, entry.Name(), ManifestName)
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}
		found = append(found, Discovered{
			Dir:          filepath.Join(dir, entry.Name()),
			ManifestPath: manifestPath,
		})
	}

	return found, nil
}
