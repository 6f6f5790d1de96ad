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

package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// TempDir creates files under a fresh temporary directory, cleaned up with
// the test.
type TempDir struct {
	t    *testing.T
	root string
}

// NewTempDir returns a new TempDir rooted in t.TempDir().
func NewTempDir(t *testing.T) *TempDir {
	t.Helper()
	return &TempDir{t: t, root: t.TempDir()}
}

// Root returns the temporary directory.
func (h *TempDir) Root() string {
	return h.root
}

// Path returns the absolute path of a file under the temporary directory.
func (h *TempDir) Path(file string) string {
	return filepath.Join(h.root, file)
}

// Write writes a file with the given content, creating parent directories.
func (h *TempDir) Write(file, content string) *TempDir {
	h.t.Helper()
	path := h.Path(file)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		h.t.Fatalf("creating parent directories for %s: %v", file, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		h.t.Fatalf("writing %s: %v", file, err)
	}
	return h
}

// Mkdir creates a directory under the temporary directory.
func (h *TempDir) Mkdir(dir string) *TempDir {
	h.t.Helper()
	if err := os.MkdirAll(h.Path(dir), 0o755); err != nil {
		h.t.Fatalf("creating directory %s: %v", dir, err)
	}
	return h
}
