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

package config

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/layerforge/layerforge/pkg/layerforge/filelayer"
	"github.com/layerforge/layerforge/pkg/layerforge/image"
)

// ResolvedLayer pairs a layer descriptor with the property resolver
// positioned for it: global properties below, the layer's own on top.
type ResolvedLayer struct {
	Descriptor filelayer.LayerDescriptor
	Resolver   filelayer.PropertyResolver
}

// ResolveLayers expands file mappings into ordered layer descriptors.
// Directory trees walk in lexical order, so the entry order (and with it
// the layer fingerprint) is stable across machines.
func (c *Config) ResolveLayers() ([]ResolvedLayer, error) {
	base := filelayer.NewPropertyResolver()
	if c.Properties != nil {
		scope, err := c.Properties.scope()
		if err != nil {
			return nil, err
		}
		base = base.Push(scope)
	}

	var layers []ResolvedLayer
	for _, group := range c.Layers {
		resolver := base
		if group.Properties != nil {
			scope, err := group.Properties.scope()
			if err != nil {
				return nil, err
			}
			resolver = resolver.Push(scope)
		}

		if group.Archive != "" {
			layers = append(layers, ResolvedLayer{
				Descriptor: filelayer.FromArchive(group.Name, group.Archive),
				Resolver:   resolver,
			})
			continue
		}

		descriptor := filelayer.LayerDescriptor{Name: group.Name}
		for _, mapping := range group.Files {
			entries, err := mapping.expand()
			if err != nil {
				return nil, fmt.Errorf("layer %q: %w", group.Name, err)
			}
			descriptor.Entries = append(descriptor.Entries, entries...)
		}
		layers = append(layers, ResolvedLayer{Descriptor: descriptor, Resolver: resolver})
	}
	return layers, nil
}

// ImageSpec returns the runtime half of the image spec; the orchestrator
// fills in base image and layers.
func (c *Config) ImageSpec() image.Spec {
	return image.Spec{
		Format:       c.ImageFormat(),
		Entrypoint:   c.Runtime.Entrypoint,
		Cmd:          c.Runtime.Cmd,
		Env:          c.Runtime.Env,
		ExposedPorts: c.Runtime.Ports,
		Volumes:      c.Runtime.Volumes,
		Labels:       c.Runtime.Labels,
		User:         c.Runtime.User,
		WorkingDir:   c.Runtime.WorkingDir,
	}
}

func (p *Properties) scope() (filelayer.PropertyScope, error) {
	fileMode, err := parseMode(p.FileMode)
	if err != nil {
		return filelayer.PropertyScope{}, err
	}
	dirMode, err := parseMode(p.DirMode)
	if err != nil {
		return filelayer.PropertyScope{}, err
	}
	timestamp, err := parseTimestamp(p.Timestamp)
	if err != nil {
		return filelayer.PropertyScope{}, err
	}
	return filelayer.PropertyScope{
		FilePermissions: fileMode,
		DirPermissions:  dirMode,
		ModTime:         timestamp,
		User:            p.User,
		Group:           p.Group,
	}, nil
}

// expand maps a single src file, or every file under a src directory, to
// destination paths.
func (m FileMapping) expand() ([]filelayer.FileEntry, error) {
	mode, err := parseMode(m.Mode)
	if err != nil {
		return nil, err
	}

	apply := func(entry filelayer.FileEntry) filelayer.FileEntry {
		if mode != nil {
			entry.Permissions = *mode
		}
		entry.Ownership = m.Owner
		return entry
	}

	root, err := filepath.Abs(m.Src)
	if err != nil {
		return nil, fmt.Errorf("resolving source %q: %w", m.Src, err)
	}

	var entries []filelayer.FileEntry
	walkErr := filepath.WalkDir(root, func(source string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("reading source %q: %w", m.Src, err)
		}
		if source == root && d.IsDir() {
			return nil
		}
		if d.IsDir() {
			// Parent directories are synthesized by the layer assembler;
			// only empty directories need an entry of their own.
			children, err := os.ReadDir(source)
			if err != nil {
				return fmt.Errorf("reading source %q: %w", m.Src, err)
			}
			if len(children) > 0 {
				return nil
			}
		}

		relative, err := filepath.Rel(root, source)
		if err != nil {
			return err
		}
		dest := m.Dest
		if relative != "." {
			dest = path.Join(m.Dest, filepath.ToSlash(relative))
		}

		entry, err := filelayer.NewFileEntry(source, dest)
		if err != nil {
			return err
		}
		entries = append(entries, apply(entry))
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	if len(entries) == 0 {
		// An empty source directory still produces its destination
		// directory entry.
		entry, err := filelayer.NewFileEntry(root, m.Dest)
		if err != nil {
			return nil, err
		}
		entries = append(entries, apply(entry))
	}
	return entries, nil
}
