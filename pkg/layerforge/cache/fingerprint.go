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

package cache

import (
	"encoding/json"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/layerforge/layerforge/pkg/layerforge/filelayer"
	"github.com/layerforge/layerforge/pkg/layerforge/layer"
)

// For testing
var contentDigest = layer.ContentDigest

// fingerprintInput is the canonical serialized form the fingerprint hashes.
// Entry order is significant: reordering inputs produces a different layer
// tar and must produce a different fingerprint.
type fingerprintInput struct {
	Entries  []fingerprintEntry `json:"entries"`
	Archive  digest.Digest      `json:"archive,omitempty"`
	FileMode string             `json:"fileMode"`
	DirMode  string             `json:"dirMode"`
	ModTime  string             `json:"modTime"`
	Owner    string             `json:"owner"`
}

type fingerprintEntry struct {
	Content     digest.Digest `json:"content"`
	Destination string        `json:"destination"`
	Mode        string        `json:"mode,omitempty"`
	Owner       string        `json:"owner,omitempty"`
	ModTime     string        `json:"modTime,omitempty"`
}

// Fingerprint derives the cache key for a descriptor under the given
// resolved properties: a hash over every entry's content digest, destination
// path and effective metadata, in entry order. It is not a registry digest;
// it never leaves the cache.
func Fingerprint(desc filelayer.LayerDescriptor, resolved filelayer.ResolvedProperties) (digest.Digest, error) {
	input := fingerprintInput{
		FileMode: resolved.FilePermissions.String(),
		DirMode:  resolved.DirPermissions.String(),
		ModTime:  resolved.ModTime.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Owner:    resolved.Ownership,
	}

	if desc.ArchivePath != "" {
		archiveDigest, err := contentDigest(desc.ArchivePath)
		if err != nil {
			return "", err
		}
		input.Archive = archiveDigest
	}

	for _, entry := range desc.Entries {
		content, err := contentDigest(entry.SourcePath)
		if err != nil {
			return "", err
		}
		fpEntry := fingerprintEntry{
			Content:     content,
			Destination: entry.DestinationPath,
			Owner:       entry.Ownership,
		}
		if entry.Permissions != 0 {
			fpEntry.Mode = entry.Permissions.String()
		}
		if !entry.ModTime.IsZero() {
			fpEntry.ModTime = entry.ModTime.UTC().Format("2006-01-02T15:04:05Z07:00")
		}
		input.Entries = append(input.Entries, fpEntry)
	}

	serialized, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encoding fingerprint input: %w", err)
	}
	return digest.Canonical.FromBytes(serialized), nil
}
