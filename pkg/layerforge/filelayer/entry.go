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

package filelayer

import (
	"fmt"
	"io/fs"
	"path"
	"time"
)

// FileEntry maps one source file into the image filesystem. A zero
// Permissions, Ownership or ModTime means "unset": the layer assembler falls
// back to the resolved scope properties for that field. Entries are value
// types and never mutated after construction.
type FileEntry struct {
	SourcePath      string
	DestinationPath string
	Permissions     fs.FileMode
	Ownership       string
	ModTime         time.Time
}

// NewFileEntry validates the destination path: it must be absolute,
// container-style (forward slashes) and already cleaned, so that entry order
// established upstream survives into the tar stream unchanged.
func NewFileEntry(source, destination string) (FileEntry, error) {
	if !path.IsAbs(destination) {
		return FileEntry{}, fmt.Errorf("destination path %q must be absolute", destination)
	}
	if cleaned := path.Clean(destination); cleaned != destination {
		return FileEntry{}, fmt.Errorf("destination path %q is not in canonical form (want %q)", destination, cleaned)
	}
	return FileEntry{
		SourcePath:      source,
		DestinationPath: destination,
	}, nil
}

// LayerDescriptor is an ordered list of file entries that together form one
// layer. The order is caller-determined and must be stable across builds.
type LayerDescriptor struct {
	Name    string
	Entries []FileEntry

	// ArchivePath, when set, names a prebuilt compressed tar to use verbatim
	// as the layer contents; Entries must then be empty.
	ArchivePath string
}

// FromArchive wraps a prebuilt layer archive in a descriptor.
func FromArchive(name, archivePath string) LayerDescriptor {
	return LayerDescriptor{Name: name, ArchivePath: archivePath}
}
