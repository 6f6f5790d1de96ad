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

// Package cache is a content-addressed store of built layers, keyed by a
// fingerprint of their inputs. Each fingerprint owns one directory holding
// the compressed blob and a metadata sidecar; existence of the directory is
// the existence check. Writes land in a temporary directory first and are
// renamed into place, so concurrent builds sharing a cache never observe a
// partial entry.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/opencontainers/go-digest"

	"github.com/layerforge/layerforge/pkg/layerforge/layer"
)

const (
	blobFileName     = "layer.tar.gz"
	metadataFileName = "metadata.json"
)

// For testing
var renameEntry = os.Rename

// CollisionError reports a Put whose fingerprint already maps to different
// content. Fingerprints are defined to be collision-free, so this always
// means a corrupted cache.
type CollisionError struct {
	Fingerprint digest.Digest
	Existing    digest.Digest
	New         digest.Digest
}

func (e CollisionError) Error() string {
	return fmt.Sprintf("cache corruption: fingerprint %s already maps to layer %s, refusing to overwrite with %s", e.Fingerprint, e.Existing, e.New)
}

type metadata struct {
	Digest digest.Digest `json:"digest"`
	DiffID digest.Digest `json:"diffID"`
	Size   int64         `json:"size"`
}

// Cache is a layer cache rooted at a directory.
type Cache struct {
	root string
}

// DefaultDir returns the per-user default cache directory.
func DefaultDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".layerforge", "cache"), nil
}

// New opens (creating if needed) a cache rooted at dir.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &Cache{root: dir}, nil
}

// Root returns the cache directory.
func (c *Cache) Root() string {
	return c.root
}

// Get returns the cached layer for fingerprint, or nil when the fingerprint
// has never been stored.
func (c *Cache) Get(fingerprint digest.Digest) (*layer.BuiltLayer, error) {
	dir := c.entryDir(fingerprint)

	metadataBytes, err := os.ReadFile(filepath.Join(dir, metadataFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache entry %s: %w", fingerprint, err)
	}

	var meta metadata
	if err := json.Unmarshal(metadataBytes, &meta); err != nil {
		return nil, fmt.Errorf("decoding cache entry %s: %w", fingerprint, err)
	}

	blobPath := filepath.Join(dir, blobFileName)
	if _, err := os.Stat(blobPath); err != nil {
		return nil, fmt.Errorf("cache entry %s has no blob: %w", fingerprint, err)
	}

	return &layer.BuiltLayer{
		Digest: meta.Digest,
		DiffID: meta.DiffID,
		Size:   meta.Size,
		Path:   blobPath,
	}, nil
}

// Put stores built under fingerprint and returns the cache-resident layer.
// Storing an already-present fingerprint with equal content is a no-op;
// storing it with different content fails with CollisionError.
func (c *Cache) Put(fingerprint digest.Digest, built layer.BuiltLayer) (*layer.BuiltLayer, error) {
	existing, err := c.Get(fingerprint)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Digest != built.Digest {
			return nil, CollisionError{Fingerprint: fingerprint, Existing: existing.Digest, New: built.Digest}
		}
		return existing, nil
	}

	staging := filepath.Join(c.root, "tmp-"+uuid.NewString())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := copyFile(filepath.Join(staging, blobFileName), built.Path); err != nil {
		return nil, fmt.Errorf("staging cache blob: %w", err)
	}

	metadataBytes, err := json.Marshal(metadata{
		Digest: built.Digest,
		DiffID: built.DiffID,
		Size:   built.Size,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding cache metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, metadataFileName), metadataBytes, 0o644); err != nil {
		return nil, fmt.Errorf("staging cache metadata: %w", err)
	}

	dir := c.entryDir(fingerprint)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	if err := renameEntry(staging, dir); err != nil {
		// A concurrent build committed the same fingerprint first. The
		// entries are equal by definition, so use the winner's.
		if winner, getErr := c.Get(fingerprint); getErr == nil && winner != nil {
			if winner.Digest != built.Digest {
				return nil, CollisionError{Fingerprint: fingerprint, Existing: winner.Digest, New: built.Digest}
			}
			return winner, nil
		}
		return nil, fmt.Errorf("committing cache entry %s: %w", fingerprint, err)
	}

	return &layer.BuiltLayer{
		Digest: built.Digest,
		DiffID: built.DiffID,
		Size:   built.Size,
		Path:   filepath.Join(dir, blobFileName),
	}, nil
}

func (c *Cache) entryDir(fingerprint digest.Digest) string {
	return filepath.Join(c.root, fingerprint.Algorithm().String(), fingerprint.Encoded())
}

func copyFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
