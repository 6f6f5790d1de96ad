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

// Package tarball writes a built image as a self-contained archive that is
// both an OCI image layout and a docker-load tarball: OCI consumers read
// index.json, the daemon reads the top-level manifest.json. The same stream
// feeds the daemon delivery target.
package tarball

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	specsv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/layerforge/layerforge/pkg/layerforge/filelayer"
	"github.com/layerforge/layerforge/pkg/layerforge/image"
)

// BlobSource supplies one layer blob. Open is called once per Write.
type BlobSource struct {
	Digest v1.Hash
	Size   int64
	Open   func() (io.ReadCloser, error)
}

// Image is everything Write needs: the assembled manifest/config pair, the
// layer blobs in manifest order, and an optional repo tag for docker load.
type Image struct {
	Assembled *image.Assembled
	Layers    []BlobSource
	RepoTag   string
}

// dockerLoadManifest is the docker-load manifest.json document.
type dockerLoadManifest struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// Write streams img as a tar archive to w.
func Write(w io.Writer, img Image) error {
	if len(img.Layers) != len(img.Assembled.Parsed.Layers) {
		return fmt.Errorf("have %d layer blobs for %d manifest layers", len(img.Layers), len(img.Assembled.Parsed.Layers))
	}

	tw := tar.NewWriter(w)

	layout, err := json.Marshal(specsv1.ImageLayout{Version: specsv1.ImageLayoutVersion})
	if err != nil {
		return fmt.Errorf("encoding oci-layout: %w", err)
	}
	if err := writeFile(tw, specsv1.ImageLayoutFile, layout); err != nil {
		return err
	}

	index, err := buildIndex(img)
	if err != nil {
		return err
	}
	if err := writeFile(tw, "index.json", index); err != nil {
		return err
	}

	loadManifest, err := buildLoadManifest(img)
	if err != nil {
		return err
	}
	if err := writeFile(tw, "manifest.json", loadManifest); err != nil {
		return err
	}

	if err := writeFile(tw, blobPath(img.Assembled.ManifestDigest), img.Assembled.Manifest); err != nil {
		return err
	}
	if err := writeFile(tw, blobPath(img.Assembled.ConfigDigest), img.Assembled.Config); err != nil {
		return err
	}

	written := map[v1.Hash]bool{}
	for _, blob := range img.Layers {
		if written[blob.Digest] {
			continue
		}
		written[blob.Digest] = true
		if err := writeBlob(tw, blob); err != nil {
			return err
		}
	}

	return tw.Close()
}

func buildIndex(img Image) ([]byte, error) {
	descriptor := v1.Descriptor{
		MediaType: img.Assembled.MediaType,
		Size:      int64(len(img.Assembled.Manifest)),
		Digest:    img.Assembled.ManifestDigest,
	}
	if img.RepoTag != "" {
		descriptor.Annotations = map[string]string{
			specsv1.AnnotationRefName: img.RepoTag,
		}
	}
	index, err := json.Marshal(v1.IndexManifest{
		SchemaVersion: 2,
		MediaType:     types.OCIImageIndex,
		Manifests:     []v1.Descriptor{descriptor},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding index.json: %w", err)
	}
	return index, nil
}

func buildLoadManifest(img Image) ([]byte, error) {
	entry := dockerLoadManifest{
		Config: blobPath(img.Assembled.ConfigDigest),
	}
	if img.RepoTag != "" {
		entry.RepoTags = []string{img.RepoTag}
	}
	for _, blob := range img.Layers {
		entry.Layers = append(entry.Layers, blobPath(blob.Digest))
	}
	payload, err := json.Marshal([]dockerLoadManifest{entry})
	if err != nil {
		return nil, fmt.Errorf("encoding manifest.json: %w", err)
	}
	return payload, nil
}

func blobPath(digest v1.Hash) string {
	return "blobs/" + digest.Algorithm + "/" + digest.Hex
}

func writeFile(tw *tar.Writer, name string, content []byte) error {
	if err := tw.WriteHeader(fileHeader(name, int64(len(content)))); err != nil {
		return fmt.Errorf("writing %s header: %w", name, err)
	}
	if _, err := io.Copy(tw, bytes.NewReader(content)); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

func writeBlob(tw *tar.Writer, blob BlobSource) error {
	reader, err := blob.Open()
	if err != nil {
		return fmt.Errorf("opening layer %s: %w", blob.Digest, err)
	}
	defer reader.Close()

	if err := tw.WriteHeader(fileHeader(blobPath(blob.Digest), blob.Size)); err != nil {
		return fmt.Errorf("writing layer %s header: %w", blob.Digest, err)
	}
	if _, err := io.Copy(tw, reader); err != nil {
		return fmt.Errorf("writing layer %s: %w", blob.Digest, err)
	}
	return nil
}

func fileHeader(name string, size int64) *tar.Header {
	return &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     size,
		Mode:     0o644,
		ModTime:  filelayer.DefaultModTime,
		Format:   tar.FormatPAX,
	}
}
