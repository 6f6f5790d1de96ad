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
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/layerforge/layerforge/pkg/layerforge/filelayer"
)

// Build assembles a descriptor into a compressed tar layer written under
// scratchDir, computing the compressed digest and the diff id in a single
// pass over the source bytes.
//
// Output is reproducible: for a fixed entry list and resolved properties the
// compressed bytes are identical across runs and machines. Nothing derived
// from the clock, the host or the process may reach the stream.
func Build(desc filelayer.LayerDescriptor, resolved filelayer.ResolvedProperties, scratchDir string) (_ BuiltLayer, err error) {
	if desc.ArchivePath != "" {
		return fromArchive(desc.ArchivePath)
	}

	blob, err := os.CreateTemp(scratchDir, "layer-*.tar.gz")
	if err != nil {
		return BuiltLayer{}, fmt.Errorf("creating layer file: %w", err)
	}
	defer func() {
		// An aborted build leaves nothing behind under the scratch directory.
		if err != nil {
			blob.Close()
			os.Remove(blob.Name())
		}
	}()

	compressed := digest.Canonical.Digester()
	uncompressed := digest.Canonical.Digester()

	counter := &countingWriter{writer: io.MultiWriter(blob, compressed.Hash())}
	gzw := gzip.NewWriter(counter)
	tw := tar.NewWriter(io.MultiWriter(gzw, uncompressed.Hash()))

	if err := writeEntries(tw, desc.Entries, resolved); err != nil {
		return BuiltLayer{}, fmt.Errorf("building layer %q: %w", desc.Name, err)
	}

	if err := tw.Close(); err != nil {
		return BuiltLayer{}, fmt.Errorf("closing tar stream: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return BuiltLayer{}, fmt.Errorf("closing gzip stream: %w", err)
	}
	if err := blob.Close(); err != nil {
		return BuiltLayer{}, fmt.Errorf("closing layer file: %w", err)
	}

	return BuiltLayer{
		Digest: compressed.Digest(),
		DiffID: uncompressed.Digest(),
		Size:   counter.written,
		Path:   blob.Name(),
	}, nil
}

func writeEntries(tw *tar.Writer, entries []filelayer.FileEntry, resolved filelayer.ResolvedProperties) error {
	seenDirs := map[string]bool{}

	for _, entry := range entries {
		if err := writeParentDirs(tw, entry.DestinationPath, resolved, seenDirs); err != nil {
			return err
		}

		info, err := os.Stat(entry.SourcePath)
		if err != nil {
			return fmt.Errorf("reading source file: %w", err)
		}
		if info.IsDir() {
			if seenDirs[entry.DestinationPath] {
				continue
			}
			seenDirs[entry.DestinationPath] = true
			if err := tw.WriteHeader(dirHeader(entry.DestinationPath, entry, resolved)); err != nil {
				return fmt.Errorf("writing directory entry %q: %w", entry.DestinationPath, err)
			}
			continue
		}

		header := fileHeader(entry, info.Size(), resolved)
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("writing entry %q: %w", entry.DestinationPath, err)
		}

		source, err := os.Open(entry.SourcePath)
		if err != nil {
			return fmt.Errorf("reading source file: %w", err)
		}
		if _, err := io.Copy(tw, source); err != nil {
			source.Close()
			return fmt.Errorf("copying %q: %w", entry.SourcePath, err)
		}
		source.Close()
	}
	return nil
}

// writeParentDirs synthesizes directory entries for every ancestor of dest
// that has not been emitted yet, so extraction does not depend on the
// extractor auto-creating directories.
func writeParentDirs(tw *tar.Writer, dest string, resolved filelayer.ResolvedProperties, seenDirs map[string]bool) error {
	var parents []string
	for dir := path.Dir(dest); dir != "/" && dir != "."; dir = path.Dir(dir) {
		if seenDirs[dir] {
			break
		}
		parents = append(parents, dir)
	}
	// Emit outermost first.
	for i := len(parents) - 1; i >= 0; i-- {
		dir := parents[i]
		seenDirs[dir] = true
		if err := tw.WriteHeader(dirHeader(dir, filelayer.FileEntry{}, resolved)); err != nil {
			return fmt.Errorf("writing implied directory %q: %w", dir, err)
		}
	}
	return nil
}

func fileHeader(entry filelayer.FileEntry, size int64, resolved filelayer.ResolvedProperties) *tar.Header {
	permissions := resolved.FilePermissions
	if entry.Permissions != 0 {
		permissions = entry.Permissions
	}
	modTime := resolved.ModTime
	if !entry.ModTime.IsZero() {
		modTime = entry.ModTime
	}
	ownership := resolved.Ownership
	if entry.Ownership != "" {
		ownership = entry.Ownership
	}

	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     tarName(entry.DestinationPath),
		Size:     size,
		Mode:     int64(permissions.Perm()),
		ModTime:  modTime.UTC().Truncate(time.Second),
		Format:   tar.FormatPAX,
	}
	applyOwnership(header, ownership)
	return header
}

func dirHeader(dest string, entry filelayer.FileEntry, resolved filelayer.ResolvedProperties) *tar.Header {
	permissions := resolved.DirPermissions
	if entry.Permissions != 0 {
		permissions = entry.Permissions
	}
	ownership := resolved.Ownership
	if entry.Ownership != "" {
		ownership = entry.Ownership
	}

	header := &tar.Header{
		Typeflag: tar.TypeDir,
		Name:     tarName(dest) + "/",
		Mode:     int64(permissions.Perm()),
		ModTime:  resolved.ModTime.UTC().Truncate(time.Second),
		Format:   tar.FormatPAX,
	}
	applyOwnership(header, ownership)
	return header
}

// tarName strips the leading slash: layer tars conventionally hold
// root-relative paths.
func tarName(dest string) string {
	return strings.TrimPrefix(dest, "/")
}

// applyOwnership parses "user[:group]". Numeric values become uid/gid,
// anything else becomes uname/gname. An empty string leaves root defaults.
func applyOwnership(header *tar.Header, ownership string) {
	if ownership == "" {
		return
	}
	user, group, _ := strings.Cut(ownership, ":")
	if user != "" {
		if uid, err := strconv.Atoi(user); err == nil {
			header.Uid = uid
		} else {
			header.Uname = user
		}
	}
	if group != "" {
		if gid, err := strconv.Atoi(group); err == nil {
			header.Gid = gid
		} else {
			header.Gname = group
		}
	}
}

// fromArchive digests a prebuilt compressed archive and passes it through
// unmodified.
func fromArchive(archivePath string) (BuiltLayer, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return BuiltLayer{}, fmt.Errorf("reading layer archive: %w", err)
	}
	defer f.Close()

	compressed := digest.Canonical.Digester()
	size, err := io.Copy(compressed.Hash(), f)
	if err != nil {
		return BuiltLayer{}, fmt.Errorf("digesting layer archive %q: %w", archivePath, err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return BuiltLayer{}, fmt.Errorf("rewinding layer archive: %w", err)
	}
	gzr, err := gzip.NewReader(f)
	if err != nil {
		return BuiltLayer{}, fmt.Errorf("layer archive %q is not gzip compressed: %w", archivePath, err)
	}
	uncompressed := digest.Canonical.Digester()
	if _, err := io.Copy(uncompressed.Hash(), gzr); err != nil {
		return BuiltLayer{}, fmt.Errorf("decompressing layer archive %q: %w", archivePath, err)
	}
	if err := gzr.Close(); err != nil {
		return BuiltLayer{}, fmt.Errorf("decompressing layer archive %q: %w", archivePath, err)
	}

	return BuiltLayer{
		Digest: compressed.Digest(),
		DiffID: uncompressed.Digest(),
		Size:   size,
		Path:   archivePath,
	}, nil
}

// ContentDigest hashes a source file's bytes. It feeds cache fingerprints
// and deliberately ignores filesystem metadata, which is covered by the
// resolved properties instead.
func ContentDigest(sourcePath string) (digest.Digest, error) {
	f, err := os.Open(sourcePath)
	if err != nil {
		return "", fmt.Errorf("reading source file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("reading source file: %w", err)
	}
	if info.IsDir() {
		// Directories contribute no content bytes, only their path and
		// metadata, which the fingerprint covers separately.
		return digest.Canonical.FromString("dir"), nil
	}

	dgst, err := digest.Canonical.FromReader(f)
	if err != nil {
		return "", fmt.Errorf("digesting %q: %w", sourcePath, err)
	}
	return dgst, nil
}

type countingWriter struct {
	writer  io.Writer
	written int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.writer.Write(p)
	w.written += int64(n)
	return n, err
}
