/*
Copyright 2024 The Layerforge Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config defines the layerforge.yaml build file and turns it into
// the engine's in-memory surface: ordered layer descriptors with their
// property scopes, plus the image runtime settings. The engine itself makes
// no assumption about this file; anything that produces the same in-memory
// shape works.
package config

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/layerforge/layerforge/pkg/layerforge/image"
)

// Config is the parsed layerforge.yaml.
type Config struct {
	// Image is the target reference (host/repo:tag).
	Image string `yaml:"image"`

	// From is the base image reference, or "scratch".
	From string `yaml:"from"`

	// Format selects "oci" (default) or "docker".
	Format string `yaml:"format,omitempty"`

	// RequiresVersion constrains which layerforge versions may run this
	// build file, as a semver range such as ">=1.2.0".
	RequiresVersion string `yaml:"requiresVersion,omitempty"`

	// Reproducible pins the image creation time to a fixed epoch. Defaults
	// to true; layer content is reproducible regardless.
	Reproducible *bool `yaml:"reproducible,omitempty"`

	// Properties applies to every layer; layer properties stack on top.
	Properties *Properties `yaml:"properties,omitempty"`

	Layers []LayerGroup `yaml:"layers"`

	Runtime Runtime `yaml:"runtime,omitempty"`
}

// LayerGroup declares one layer, either from file mappings or from a
// prebuilt archive.
type LayerGroup struct {
	Name       string        `yaml:"name"`
	Files      []FileMapping `yaml:"files,omitempty"`
	Archive    string        `yaml:"archive,omitempty"`
	Properties *Properties   `yaml:"properties,omitempty"`
}

// FileMapping copies a file or directory tree into the image.
type FileMapping struct {
	Src  string `yaml:"src"`
	Dest string `yaml:"dest"`

	// Mode and Owner override the layer's properties for the mapped files.
	Mode  string `yaml:"mode,omitempty"`
	Owner string `yaml:"owner,omitempty"`
}

// Properties is the yaml shape of a property scope.
type Properties struct {
	FileMode  string `yaml:"fileMode,omitempty"`
	DirMode   string `yaml:"dirMode,omitempty"`
	Timestamp string `yaml:"timestamp,omitempty"`
	User      string `yaml:"user,omitempty"`
	Group     string `yaml:"group,omitempty"`
}

// Runtime holds the image runtime settings.
type Runtime struct {
	Entrypoint []string          `yaml:"entrypoint,omitempty"`
	Cmd        []string          `yaml:"cmd,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	Ports      []string          `yaml:"ports,omitempty"`
	Volumes    []string          `yaml:"volumes,omitempty"`
	Labels     map[string]string `yaml:"labels,omitempty"`
	User       string            `yaml:"user,omitempty"`
	WorkingDir string            `yaml:"workingDir,omitempty"`
}

// ValidateError is a configuration error with the offending field.
type ValidateError struct {
	Field  string
	Reason string
}

func (e ValidateError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// ParseFile reads and validates a build file.
func ParseFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading build file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes and validates a build file. Unknown fields are rejected.
func Parse(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var config Config
	if err := decoder.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing build file: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	if c.Image == "" {
		return ValidateError{Field: "image", Reason: "target image reference is required"}
	}
	if c.From == "" {
		return ValidateError{Field: "from", Reason: `base image is required; use "scratch" for none`}
	}
	if c.Format != "" && c.Format != string(image.FormatOCI) && c.Format != string(image.FormatDocker) {
		return ValidateError{Field: "format", Reason: fmt.Sprintf("unknown format %q", c.Format)}
	}
	seen := map[string]bool{}
	for i, group := range c.Layers {
		field := fmt.Sprintf("layers[%d]", i)
		if group.Name == "" {
			return ValidateError{Field: field + ".name", Reason: "layer name is required"}
		}
		if seen[group.Name] {
			return ValidateError{Field: field + ".name", Reason: fmt.Sprintf("duplicate layer name %q", group.Name)}
		}
		seen[group.Name] = true
		if group.Archive != "" && len(group.Files) > 0 {
			return ValidateError{Field: field, Reason: "a layer takes files or an archive, not both"}
		}
		if group.Archive == "" && len(group.Files) == 0 {
			return ValidateError{Field: field, Reason: "a layer needs files or an archive"}
		}
		for j, mapping := range group.Files {
			if mapping.Src == "" || mapping.Dest == "" {
				return ValidateError{Field: fmt.Sprintf("%s.files[%d]", field, j), Reason: "src and dest are required"}
			}
		}
		if group.Properties != nil {
			if err := group.Properties.validate(field + ".properties"); err != nil {
				return err
			}
		}
	}
	if c.Properties != nil {
		if err := c.Properties.validate("properties"); err != nil {
			return err
		}
	}
	return nil
}

func (p *Properties) validate(field string) error {
	if _, err := parseMode(p.FileMode); err != nil {
		return ValidateError{Field: field + ".fileMode", Reason: err.Error()}
	}
	if _, err := parseMode(p.DirMode); err != nil {
		return ValidateError{Field: field + ".dirMode", Reason: err.Error()}
	}
	if _, err := parseTimestamp(p.Timestamp); err != nil {
		return ValidateError{Field: field + ".timestamp", Reason: err.Error()}
	}
	return nil
}

// Reproducible defaults to true.
func (c *Config) ReproducibleBuild() bool {
	return c.Reproducible == nil || *c.Reproducible
}

// ImageFormat defaults to OCI.
func (c *Config) ImageFormat() image.Format {
	if c.Format == string(image.FormatDocker) {
		return image.FormatDocker
	}
	return image.FormatOCI
}

func parseMode(mode string) (*fs.FileMode, error) {
	if mode == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseUint(mode, 8, 32)
	if err != nil {
		return nil, fmt.Errorf("mode %q is not octal", mode)
	}
	if parsed > 0o777 {
		return nil, fmt.Errorf("mode %q has more than permission bits", mode)
	}
	fileMode := fs.FileMode(parsed)
	return &fileMode, nil
}

func parseTimestamp(timestamp string) (*time.Time, error) {
	if timestamp == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return nil, fmt.Errorf("timestamp %q is not RFC 3339", timestamp)
	}
	return &parsed, nil
}
