// Package profiles loads the static OS profile table: per-tag overlay
// directories, base images, and default resources. The table is loaded
// once at startup and never mutated at runtime.
package profiles

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
)

// CustomProfileTag is the reserved profile for user-uploaded installer
// images. It never backs an overlay; see ErrProfileIsInstallerOnly in
// lib/images.
const CustomProfileTag = "custom"

// Profile is a static record describing one OS option.
type Profile struct {
	Tag             string `json:"tag"`
	OverlayDir      string `json:"overlay_dir"`
	OverlayPrefix   string `json:"overlay_prefix"`
	BaseImagePath   string `json:"base_image_path"`
	DefaultMemoryMB int    `json:"default_memory_mb"`
	DefaultCPUs     int    `json:"default_cpus,omitempty"`
	InstallerOnly   bool   `json:"installer_only,omitempty"`
}

// Table is a tag-keyed, immutable set of profiles.
type Table map[string]Profile

// Default returns the built-in profile table used when PROFILES_FILE is
// unset: a single "alpine" overlay profile and the reserved "custom"
// installer-only profile.
func Default() Table {
	return Table{
		"alpine": {
			Tag:             "alpine",
			OverlayDir:      "/var/lib/vmshare/images/alpine",
			OverlayPrefix:   "alpine",
			BaseImagePath:   "/var/lib/vmshare/images/alpine/base.qcow2",
			DefaultMemoryMB: 512,
			DefaultCPUs:     1,
		},
		CustomProfileTag: {
			Tag:           CustomProfileTag,
			BaseImagePath: "/var/lib/vmshare/images/custom/{uid}",
			InstallerOnly: true,
		},
	}
}

// Load reads a profile table from a YAML file. An empty path returns the
// built-in Default table. The loaded table always carries the reserved
// "custom" profile as installer-only even if the file overrides it,
// since spec.md §9 resolves that ambiguity explicitly (DESIGN.md records
// the decision).
func Load(path string) (Table, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles file %s: %w", path, err)
	}

	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse profiles file %s: %w", path, err)
	}

	if custom, ok := table[CustomProfileTag]; ok {
		custom.InstallerOnly = true
		table[CustomProfileTag] = custom
	} else {
		table[CustomProfileTag] = Default()[CustomProfileTag]
	}

	return table, nil
}

// Get looks up a profile by tag.
func (t Table) Get(tag string) (Profile, bool) {
	p, ok := t[tag]
	return p, ok
}
