package plugins

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Discover scans dir for "*.plugin.json" manifest files (§4.9) and returns
// the parsed, validated set. A manifest whose declared Path isn't an
// executable file is skipped with an error rather than failing the scan.
func Discover(dir string) ([]*Manifest, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("read plugin dir %q: %w", dir, err)}
	}

	var manifests []*Manifest
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".plugin.json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		m, err := loadManifest(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests, errs
}

func loadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := validate(&m); err != nil {
		return nil, err
	}

	// Resolve a relative executable path against the manifest's own
	// directory, not the process's working directory.
	if !filepath.IsAbs(m.Path) {
		m.Path = filepath.Join(filepath.Dir(path), m.Path)
	}
	info, err := os.Stat(m.Path)
	if err != nil {
		return nil, fmt.Errorf("plugin executable: %w", err)
	}
	if info.Mode()&0111 == 0 {
		return nil, fmt.Errorf("plugin executable %q is not executable", m.Path)
	}

	return &m, nil
}

func validate(m *Manifest) error {
	if m.Name == "" {
		return fmt.Errorf("manifest missing name")
	}
	if m.Path == "" {
		return fmt.Errorf("manifest missing path")
	}
	if len(m.Tools) == 0 {
		return fmt.Errorf("manifest declares no tools")
	}
	seen := make(map[string]bool, len(m.Tools))
	for _, t := range m.Tools {
		if t.Name == "" {
			return fmt.Errorf("manifest has a tool with an empty name")
		}
		if seen[t.Name] {
			return fmt.Errorf("manifest declares tool %q twice", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}
