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
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/layerforge/layerforge/pkg/layerforge/filelayer"
	"github.com/layerforge/layerforge/testutil"
)

func testDescriptor(t *testing.T) (filelayer.LayerDescriptor, *testutil.TempDir) {
	t.Helper()
	tmpDir := testutil.NewTempDir(t).
		Write("A.class", "class A").
		Write("B.class", "class B").
		Write("dep.jar", "jar bytes")

	mustEntry := func(src, dest string) filelayer.FileEntry {
		entry, err := filelayer.NewFileEntry(tmpDir.Path(src), dest)
		if err != nil {
			t.Fatalf("building entry: %v", err)
		}
		return entry
	}

	return filelayer.LayerDescriptor{
		Name: "classes",
		Entries: []filelayer.FileEntry{
			mustEntry("A.class", "/app/classes/A.class"),
			mustEntry("B.class", "/app/classes/B.class"),
			mustEntry("dep.jar", "/app/libs/dep.jar"),
		},
	}, tmpDir
}

func readTarEntries(t *testing.T, blobPath string) ([]*tar.Header, map[string]string) {
	t.Helper()
	blob, err := os.ReadFile(blobPath)
	if err != nil {
		t.Fatalf("reading blob: %v", err)
	}
	gzr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		t.Fatalf("blob is not gzip: %v", err)
	}
	tr := tar.NewReader(gzr)

	var headers []*tar.Header
	contents := map[string]string{}
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading tar: %v", err)
		}
		headers = append(headers, header)
		if header.Typeflag == tar.TypeReg {
			data, err := io.ReadAll(tr)
			if err != nil {
				t.Fatalf("reading tar entry: %v", err)
			}
			contents[header.Name] = string(data)
		}
	}
	return headers, contents
}

func TestBuildIsReproducible(t *testing.T) {
	desc, _ := testDescriptor(t)
	scratch := testutil.NewTempDir(t)
	resolved := filelayer.NewPropertyResolver().Resolve()

	first, err := Build(desc, resolved, scratch.Root())
	testutil.CheckError(t, false, err)
	second, err := Build(desc, resolved, scratch.Root())
	testutil.CheckError(t, false, err)

	testutil.CheckDeepEqual(t, first.Digest, second.Digest)
	testutil.CheckDeepEqual(t, first.DiffID, second.DiffID)
	testutil.CheckDeepEqual(t, first.Size, second.Size)

	firstBytes, err := os.ReadFile(first.Path)
	testutil.CheckError(t, false, err)
	secondBytes, err := os.ReadFile(second.Path)
	testutil.CheckError(t, false, err)
	if !bytes.Equal(firstBytes, secondBytes) {
		t.Errorf("two builds of the same descriptor produced different bytes")
	}
}

func TestBuildDigestsMatchContent(t *testing.T) {
	desc, _ := testDescriptor(t)
	scratch := testutil.NewTempDir(t)

	built, err := Build(desc, filelayer.NewPropertyResolver().Resolve(), scratch.Root())
	testutil.CheckError(t, false, err)

	blob, err := os.ReadFile(built.Path)
	testutil.CheckError(t, false, err)
	testutil.CheckDeepEqual(t, digest.Canonical.FromBytes(blob), built.Digest)
	testutil.CheckDeepEqual(t, int64(len(blob)), built.Size)

	gzr, err := gzip.NewReader(bytes.NewReader(blob))
	testutil.CheckError(t, false, err)
	uncompressed, err := io.ReadAll(gzr)
	testutil.CheckError(t, false, err)
	testutil.CheckDeepEqual(t, digest.Canonical.FromBytes(uncompressed), built.DiffID)
}

func TestBuildSynthesizesParentDirectories(t *testing.T) {
	desc, _ := testDescriptor(t)
	scratch := testutil.NewTempDir(t)

	built, err := Build(desc, filelayer.NewPropertyResolver().Resolve(), scratch.Root())
	testutil.CheckError(t, false, err)

	headers, contents := readTarEntries(t, built.Path)

	var names []string
	for _, header := range headers {
		names = append(names, header.Name)
	}
	testutil.CheckDeepEqual(t, []string{
		"app/",
		"app/classes/",
		"app/classes/A.class",
		"app/classes/B.class",
		"app/libs/",
		"app/libs/dep.jar",
	}, names)
	testutil.CheckDeepEqual(t, "class A", contents["app/classes/A.class"])
	testutil.CheckDeepEqual(t, "jar bytes", contents["app/libs/dep.jar"])

	for _, header := range headers {
		if header.Typeflag == tar.TypeDir {
			testutil.CheckDeepEqual(t, int64(0o755), header.Mode)
		} else {
			testutil.CheckDeepEqual(t, int64(0o644), header.Mode)
		}
		testutil.CheckDeepEqual(t, filelayer.DefaultModTime, header.ModTime.UTC())
	}
}

func TestBuildAppliesResolvedProperties(t *testing.T) {
	desc, _ := testDescriptor(t)
	scratch := testutil.NewTempDir(t)

	perm := os.FileMode(0o700)
	dirPerm := os.FileMode(0o750)
	resolved := filelayer.NewPropertyResolver().
		Push(filelayer.PropertyScope{
			FilePermissions: &perm,
			DirPermissions:  &dirPerm,
			User:            "app",
			Group:           "app",
		}).
		Resolve()

	built, err := Build(desc, resolved, scratch.Root())
	testutil.CheckError(t, false, err)

	headers, _ := readTarEntries(t, built.Path)
	for _, header := range headers {
		if header.Typeflag == tar.TypeDir {
			testutil.CheckDeepEqual(t, int64(0o750), header.Mode)
		} else {
			testutil.CheckDeepEqual(t, int64(0o700), header.Mode)
		}
		testutil.CheckDeepEqual(t, "app", header.Uname)
		testutil.CheckDeepEqual(t, "app", header.Gname)
	}
}

func TestBuildNumericOwnership(t *testing.T) {
	tmpDir := testutil.NewTempDir(t).Write("run.sh", "#!/bin/sh")
	entry, err := filelayer.NewFileEntry(tmpDir.Path("run.sh"), "/run.sh")
	testutil.CheckError(t, false, err)
	entry.Ownership = "1000:2000"

	built, err := Build(filelayer.LayerDescriptor{
		Name:    "scripts",
		Entries: []filelayer.FileEntry{entry},
	}, filelayer.NewPropertyResolver().Resolve(), tmpDir.Root())
	testutil.CheckError(t, false, err)

	headers, _ := readTarEntries(t, built.Path)
	testutil.CheckDeepEqual(t, 1, len(headers))
	testutil.CheckDeepEqual(t, 1000, headers[0].Uid)
	testutil.CheckDeepEqual(t, 2000, headers[0].Gid)
	testutil.CheckDeepEqual(t, "", headers[0].Uname)
}

func TestBuildMissingSourceFails(t *testing.T) {
	scratch := testutil.NewTempDir(t)
	entry, err := filelayer.NewFileEntry(scratch.Path("no-such-file"), "/app/missing")
	testutil.CheckError(t, false, err)

	_, err = Build(filelayer.LayerDescriptor{
		Name:    "broken",
		Entries: []filelayer.FileEntry{entry},
	}, filelayer.NewPropertyResolver().Resolve(), scratch.Root())

	testutil.CheckError(t, true, err)

	// The aborted build removed its scratch blob.
	leftovers, err := os.ReadDir(scratch.Root())
	testutil.CheckError(t, false, err)
	testutil.CheckDeepEqual(t, 0, len(leftovers))
}

func TestBuildFromArchive(t *testing.T) {
	tmpDir := testutil.NewTempDir(t)

	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)
	if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: "hello", Size: 5}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write([]byte("world")); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gzw.Close(); err != nil {
		t.Fatal(err)
	}
	tmpDir.Write("prebuilt.tar.gz", buf.String())

	built, err := Build(filelayer.FromArchive("prebuilt", tmpDir.Path("prebuilt.tar.gz")), filelayer.NewPropertyResolver().Resolve(), tmpDir.Root())
	testutil.CheckError(t, false, err)

	testutil.CheckDeepEqual(t, digest.Canonical.FromBytes(buf.Bytes()), built.Digest)
	testutil.CheckDeepEqual(t, int64(buf.Len()), built.Size)
	testutil.CheckDeepEqual(t, tmpDir.Path("prebuilt.tar.gz"), built.Path)
}
