package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestError reports a manifest that failed schema validation.
type ManifestError struct {
	Path   string
	Issues []string
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("invalid manifest %s: %s", e.Path, strings.Join(e.Issues, "; "))
}

// Setting declares one user-configurable field in a plugin manifest. The
// schema is consumed by an external configuration surface, never by the core.
type Setting struct {
	Type    string `yaml:"type"`
	Default any    `yaml:"default"`
}

// Manifest is the plugin.yaml file found in each plugin directory.
type Manifest struct {
	ID           string             `yaml:"id"`
	Version      string             `yaml:"version"`
	Description  string             `yaml:"description"`
	Enabled      bool               `yaml:"enabled"`
	Dependencies []string           `yaml:"dependencies"`
	OptionalDeps []string           `yaml:"optional_dependencies"`
	Listens      []string           `yaml:"listens"`
	Emits        []string           `yaml:"emits"`
	UserSettings map[string]Setting `yaml:"user_settings"`
}

// settingTypes are the accepted user_settings field types.
var settingTypes = map[string]bool{
	"string": true,
	"int":    true,
	"float":  true,
	"bool":   true,
}

// LoadManifest reads and validates a plugin.yaml file.
func LoadManifest(path string) (Manifest, error) {
	var m Manifest

	data, err := os.ReadFile(path) //nolint:gosec // path comes from the plugin root scan
	if err != nil {
		return m, fmt.Errorf("read manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, &ManifestError{Path: path, Issues: []string{err.Error()}}
	}
	if issues := m.validate(); len(issues) > 0 {
		return m, &ManifestError{Path: path, Issues: issues}
	}
	return m, nil
}

// validate checks the manifest schema independent of any plugin code.
func (m Manifest) validate() []string {
	var issues []string

	if m.ID == "" {
		issues = append(issues, "missing required field 'id'")
	} else if !validID(m.ID) {
		issues = append(issues, fmt.Sprintf(
			"invalid id %q: must start with a letter and contain only letters, digits, '_' or '-'", m.ID))
	}

	for _, ev := range append(append([]string{}, m.Listens...), m.Emits...) {
		if strings.TrimSpace(ev) == "" {
			issues = append(issues, "empty event name in listens/emits")
		}
	}

	for name, s := range m.UserSettings {
		if !settingTypes[s.Type] {
			issues = append(issues, fmt.Sprintf("user_settings.%s: unknown type %q", name, s.Type))
		}
	}

	for _, dep := range m.Dependencies {
		if dep == m.ID {
			issues = append(issues, "plugin cannot depend on itself")
		}
	}

	return issues
}

// validID reports whether id is a well-formed plugin identifier.
func validID(id string) bool {
	for i, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '_' || r == '-'):
		default:
			return false
		}
	}
	return id != ""
}

// DeclaredDefaults flattens the manifest's user_settings into a
// name→default map for merging with the user config.
func (m Manifest) DeclaredDefaults() map[string]any {
	out := make(map[string]any, len(m.UserSettings))
	for name, s := range m.UserSettings {
		out[name] = s.Default
	}
	return out
}

// ScanRoot finds manifest files under root: every immediate subdirectory
// containing a plugin.yaml is a candidate. Returns the manifest paths sorted
// by directory name for deterministic discovery order.
func ScanRoot(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan plugin root %s: %w", root, err)
	}

	var paths []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(root, e.Name(), "plugin.yaml")
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	return paths, nil
}
