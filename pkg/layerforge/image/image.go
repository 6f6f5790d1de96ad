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

// Package image assembles image configs and manifests from an ordered list
// of layer digests plus runtime settings. Serialization is canonical
// (fixed struct field order, no indentation), so assembling the same spec
// twice yields the same digests.
package image

import (
	"fmt"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
)

// Format selects one of the two supported image formats.
type Format string

const (
	// FormatDocker produces a Docker manifest schema 2 image.
	FormatDocker Format = "docker"
	// FormatOCI produces an OCI image manifest.
	FormatOCI Format = "oci"
)

// Layer is one locally built layer as the manifest and config see it.
type Layer struct {
	Digest v1.Hash
	DiffID v1.Hash
	Size   int64
}

// BaseImage carries what was pulled (or loaded) for the base: its parsed
// config and its manifest layer descriptors, in manifest order. Base layers
// are inherited verbatim and never rebuilt.
type BaseImage struct {
	ConfigFile  *v1.ConfigFile
	ManifestRef string
	Layers      []v1.Descriptor
}

// Spec is everything the assembler needs: base image (nil for scratch),
// locally built layers in caller order, and runtime settings.
type Spec struct {
	Format Format

	Base   *BaseImage
	Layers []Layer

	Entrypoint   []string
	Cmd          []string
	Env          map[string]string
	ExposedPorts []string
	Volumes      []string
	Labels       map[string]string
	User         string
	WorkingDir   string
	Created      time.Time

	Architecture string
	OS           string
}

// Assembled is the serialized config/manifest pair plus their digests.
type Assembled struct {
	Config         []byte
	ConfigDigest   v1.Hash
	Manifest       []byte
	ManifestDigest v1.Hash
	MediaType      types.MediaType

	// Parsed is the manifest that was serialized, kept for delivery targets
	// that need descriptor details without reparsing.
	Parsed v1.Manifest
}

// AssemblyError is a configuration error in the image spec, reported with
// the offending field.
type AssemblyError struct {
	Field  string
	Reason string
}

func (e AssemblyError) Error() string {
	return fmt.Sprintf("invalid image spec: %s: %s", e.Field, e.Reason)
}

func (f Format) manifestMediaType() types.MediaType {
	if f == FormatOCI {
		return types.OCIManifestSchema1
	}
	return types.DockerManifestSchema2
}

func (f Format) configMediaType() types.MediaType {
	if f == FormatOCI {
		return types.OCIConfigJSON
	}
	return types.DockerConfigJSON
}

func (f Format) layerMediaType() types.MediaType {
	if f == FormatOCI {
		return types.OCILayer
	}
	return types.DockerLayer
}
