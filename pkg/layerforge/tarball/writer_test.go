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

package tarball

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/layerforge/layerforge/pkg/layerforge/image"
	"github.com/layerforge/layerforge/testutil"
)

func testImage(t *testing.T) Image {
	t.Helper()
	layerContent := []byte("compressed layer bytes")
	layerDigest, _, err := v1.SHA256(bytes.NewReader(layerContent))
	if err != nil {
		t.Fatal(err)
	}
	diffID, _, err := v1.SHA256(strings.NewReader("diff"))
	if err != nil {
		t.Fatal(err)
	}

	assembled, err := image.Assemble(image.Spec{
		Format: image.FormatOCI,
		Layers: []image.Layer{
			{Digest: layerDigest, DiffID: diffID, Size: int64(len(layerContent))},
		},
		Entrypoint: []string{"/app/run"},
	})
	if err != nil {
		t.Fatal(err)
	}

	return Image{
		Assembled: assembled,
		RepoTag:   "example.com/test/app:latest",
		Layers: []BlobSource{{
			Digest: layerDigest,
			Size:   int64(len(layerContent)),
			Open: func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(layerContent)), nil
			},
		}},
	}
}

func readAll(t *testing.T, archive []byte) map[string][]byte {
	t.Helper()
	members := map[string][]byte{}
	tr := tar.NewReader(bytes.NewReader(archive))
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading archive: %v", err)
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("reading %s: %v", header.Name, err)
		}
		members[header.Name] = content
	}
	return members
}

func TestWriteArchiveLayout(t *testing.T) {
	img := testImage(t)

	var buf bytes.Buffer
	err := Write(&buf, img)
	testutil.CheckError(t, false, err)

	members := readAll(t, buf.Bytes())

	configPath := "blobs/sha256/" + img.Assembled.ConfigDigest.Hex
	manifestPath := "blobs/sha256/" + img.Assembled.ManifestDigest.Hex
	layerPath := "blobs/sha256/" + img.Layers[0].Digest.Hex

	for _, required := range []string{"oci-layout", "index.json", "manifest.json", configPath, manifestPath, layerPath} {
		if _, found := members[required]; !found {
			t.Errorf("archive is missing %s", required)
		}
	}

	testutil.CheckDeepEqual(t, img.Assembled.Config, members[configPath])
	testutil.CheckDeepEqual(t, img.Assembled.Manifest, members[manifestPath])
	testutil.CheckDeepEqual(t, "compressed layer bytes", string(members[layerPath]))
}

func TestWriteDockerLoadManifest(t *testing.T) {
	img := testImage(t)

	var buf bytes.Buffer
	err := Write(&buf, img)
	testutil.CheckError(t, false, err)

	var entries []dockerLoadManifest
	testutil.CheckError(t, false, json.Unmarshal(readAll(t, buf.Bytes())["manifest.json"], &entries))

	testutil.CheckDeepEqual(t, 1, len(entries))
	testutil.CheckDeepEqual(t, "blobs/sha256/"+img.Assembled.ConfigDigest.Hex, entries[0].Config)
	testutil.CheckDeepEqual(t, []string{"example.com/test/app:latest"}, entries[0].RepoTags)
	testutil.CheckDeepEqual(t, []string{"blobs/sha256/" + img.Layers[0].Digest.Hex}, entries[0].Layers)
}

func TestWriteIndex(t *testing.T) {
	img := testImage(t)

	var buf bytes.Buffer
	err := Write(&buf, img)
	testutil.CheckError(t, false, err)

	var index v1.IndexManifest
	testutil.CheckError(t, false, json.Unmarshal(readAll(t, buf.Bytes())["index.json"], &index))

	testutil.CheckDeepEqual(t, 1, len(index.Manifests))
	testutil.CheckDeepEqual(t, img.Assembled.ManifestDigest, index.Manifests[0].Digest)
	testutil.CheckDeepEqual(t, "example.com/test/app:latest", index.Manifests[0].Annotations["org.opencontainers.image.ref.name"])
}

func TestWriteLayerCountMismatch(t *testing.T) {
	img := testImage(t)
	img.Layers = nil

	err := Write(io.Discard, img)

	testutil.CheckError(t, true, err)
}

func TestWriteIsReproducible(t *testing.T) {
	img := testImage(t)

	var first, second bytes.Buffer
	testutil.CheckError(t, false, Write(&first, testImage(t)))
	testutil.CheckError(t, false, Write(&second, img))

	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Errorf("two writes of the same image produced different archives")
	}
}
