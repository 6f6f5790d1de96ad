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

package image

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/layerforge/layerforge/pkg/layerforge/filelayer"
)

// Assemble derives the config/manifest pair for spec. The same spec always
// produces the same bytes and digests; both formats list the same layer
// digests in the same order and differ only in media types and
// format-specific config fields.
func Assemble(spec Spec) (*Assembled, error) {
	if spec.Format != FormatDocker && spec.Format != FormatOCI {
		return nil, AssemblyError{Field: "format", Reason: fmt.Sprintf("unknown format %q", spec.Format)}
	}
	if err := validateRuntime(spec); err != nil {
		return nil, err
	}

	configBytes, configDigest, err := assembleConfig(spec)
	if err != nil {
		return nil, err
	}

	manifest := v1.Manifest{
		SchemaVersion: 2,
		MediaType:     spec.Format.manifestMediaType(),
		Config: v1.Descriptor{
			MediaType: spec.Format.configMediaType(),
			Size:      int64(len(configBytes)),
			Digest:    configDigest,
		},
	}

	// Base layers first, re-typed for the target format; then local layers
	// in caller order.
	if spec.Base != nil {
		for _, desc := range spec.Base.Layers {
			manifest.Layers = append(manifest.Layers, v1.Descriptor{
				MediaType: spec.Format.layerMediaType(),
				Size:      desc.Size,
				Digest:    desc.Digest,
			})
		}
	}
	for _, l := range spec.Layers {
		manifest.Layers = append(manifest.Layers, v1.Descriptor{
			MediaType: spec.Format.layerMediaType(),
			Size:      l.Size,
			Digest:    l.Digest,
		})
	}

	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	manifestDigest, _, err := v1.SHA256(bytes.NewReader(manifestBytes))
	if err != nil {
		return nil, fmt.Errorf("digesting manifest: %w", err)
	}

	return &Assembled{
		Config:         configBytes,
		ConfigDigest:   configDigest,
		Manifest:       manifestBytes,
		ManifestDigest: manifestDigest,
		MediaType:      manifest.MediaType,
		Parsed:         manifest,
	}, nil
}

func assembleConfig(spec Spec) ([]byte, v1.Hash, error) {
	created := spec.Created
	if created.IsZero() {
		created = filelayer.DefaultModTime
	}

	config := v1.ConfigFile{
		Architecture: spec.Architecture,
		OS:           spec.OS,
		Created:      v1.Time{Time: created.UTC()},
		RootFS: v1.RootFS{
			Type: "layers",
		},
		Config: v1.Config{
			Entrypoint: spec.Entrypoint,
			Cmd:        spec.Cmd,
			User:       spec.User,
			WorkingDir: spec.WorkingDir,
			Labels:     spec.Labels,
			Env:        sortedEnv(spec.Env),
		},
	}
	if config.Architecture == "" {
		config.Architecture = "amd64"
	}
	if config.OS == "" {
		config.OS = "linux"
	}

	if len(spec.ExposedPorts) > 0 {
		config.Config.ExposedPorts = map[string]struct{}{}
		for _, port := range spec.ExposedPorts {
			config.Config.ExposedPorts[canonicalPort(port)] = struct{}{}
		}
	}
	if len(spec.Volumes) > 0 {
		config.Config.Volumes = map[string]struct{}{}
		for _, volume := range spec.Volumes {
			config.Config.Volumes[volume] = struct{}{}
		}
	}

	if spec.Base != nil && spec.Base.ConfigFile != nil {
		base := spec.Base.ConfigFile
		config.RootFS.DiffIDs = append(config.RootFS.DiffIDs, base.RootFS.DiffIDs...)
		config.History = append(config.History, base.History...)
	}
	for _, l := range spec.Layers {
		config.RootFS.DiffIDs = append(config.RootFS.DiffIDs, l.DiffID)
		config.History = append(config.History, v1.History{
			Created:   v1.Time{Time: created.UTC()},
			CreatedBy: "layerforge",
		})
	}

	// The OCI rendition drops per-layer history; the Docker rendition keeps
	// it. Everything else is shared between the two formats.
	if spec.Format == FormatOCI {
		config.History = nil
	}

	configBytes, err := json.Marshal(config)
	if err != nil {
		return nil, v1.Hash{}, fmt.Errorf("encoding config: %w", err)
	}
	configDigest, _, err := v1.SHA256(bytes.NewReader(configBytes))
	if err != nil {
		return nil, v1.Hash{}, fmt.Errorf("digesting config: %w", err)
	}
	return configBytes, configDigest, nil
}

func validateRuntime(spec Spec) error {
	for _, port := range spec.ExposedPorts {
		if err := validatePort(port); err != nil {
			return err
		}
	}
	for key := range spec.Env {
		if key == "" || strings.Contains(key, "=") {
			return AssemblyError{Field: "env", Reason: fmt.Sprintf("invalid variable name %q", key)}
		}
	}
	for _, volume := range spec.Volumes {
		if !strings.HasPrefix(volume, "/") {
			return AssemblyError{Field: "volumes", Reason: fmt.Sprintf("volume %q must be an absolute path", volume)}
		}
	}
	return nil
}

func validatePort(port string) error {
	number, proto, found := strings.Cut(port, "/")
	if found && proto != "tcp" && proto != "udp" {
		return AssemblyError{Field: "ports", Reason: fmt.Sprintf("unknown protocol in %q", port)}
	}
	n, err := strconv.Atoi(number)
	if err != nil || n < 1 || n > 65535 {
		return AssemblyError{Field: "ports", Reason: fmt.Sprintf("invalid port number in %q", port)}
	}
	return nil
}

func canonicalPort(port string) string {
	if strings.Contains(port, "/") {
		return port
	}
	return port + "/tcp"
}

// sortedEnv renders an env map as sorted KEY=value strings; map iteration
// order must never reach the serialized config.
func sortedEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	rendered := make([]string, 0, len(keys))
	for _, key := range keys {
		rendered = append(rendered, key+"="+env[key])
	}
	return rendered
}
