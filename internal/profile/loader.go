package profile

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Bundled vehicle profiles. External profile files use the same format and
// take precedence when a path is configured.
//
//go:embed profiles/*.yaml
var bundled embed.FS

// LoadFile reads and validates a profile from a YAML file on disk.
func LoadFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}
	return parse(data, path)
}

// LoadBundled returns a profile shipped with the binary by name.
func LoadBundled(name string) (*Profile, error) {
	path := "profiles/" + name + ".yaml"
	data, err := bundled.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: no bundled profile %q", name)
	}
	return parse(data, path)
}

// BundledNames lists the profiles compiled into the binary.
func BundledNames() []string {
	entries, err := bundled.ReadDir("profiles")
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
	}
	sort.Strings(names)
	return names
}

func parse(data []byte, origin string) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, origin, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
