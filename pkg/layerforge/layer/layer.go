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

package layer

import (
	"github.com/opencontainers/go-digest"
)

// BuiltLayer describes a finished, compressed layer blob. Two built layers
// with the same Digest are interchangeable no matter which descriptor
// produced them.
type BuiltLayer struct {
	// Digest is the digest of the compressed blob, as transferred to a
	// registry.
	Digest digest.Digest

	// DiffID is the digest of the uncompressed tar stream, as recorded in
	// the image config rootfs.
	DiffID digest.Digest

	// Size is the compressed size in bytes.
	Size int64

	// Path is where the compressed blob lives on disk.
	Path string
}
