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

package build

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/distribution/reference"
	"github.com/dustin/go-humanize"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/opencontainers/go-digest"

	"github.com/layerforge/layerforge/pkg/layerforge/docker"
	"github.com/layerforge/layerforge/pkg/layerforge/image"
	"github.com/layerforge/layerforge/pkg/layerforge/layer"
	"github.com/layerforge/layerforge/pkg/layerforge/output/log"
	"github.com/layerforge/layerforge/pkg/layerforge/registry"
	"github.com/layerforge/layerforge/pkg/layerforge/tarball"
)

// blob pairs a manifest-ordered layer descriptor with a way to read its
// compressed bytes. Base layers read from the base registry session, local
// layers from the cache.
type blob struct {
	digest v1.Hash
	size   int64
	open   func() (io.ReadCloser, error)
}

// push uploads every missing blob and then the manifest. Blob uploads run
// in bounded parallel; the manifest goes last so the image never becomes
// pullable half-finished.
func (b *Builder) push(ctx context.Context, targetRef reference.Named, assembled *image.Assembled, base *image.BaseImage, baseSession RegistrySession, builtLayers []layer.BuiltLayer, result *Result) error {
	session, err := b.newSession(targetRef, registry.ScopePush)
	if err != nil {
		return err
	}
	defer session.Close()

	blobs := layerBlobs(ctx, base, baseSession, builtLayers)
	blobs = append(blobs, blob{
		digest: assembled.ConfigDigest,
		size:   int64(len(assembled.Config)),
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(assembled.Config)), nil
		},
	})

	var uploaded, skipped atomic.Int64
	err = runOrdered(ctx, len(blobs), b.opts.Concurrency, func(i int) error {
		dgst := digest.Digest(blobs[i].digest.String())
		exists, err := session.BlobExists(ctx, dgst)
		if err != nil {
			return err
		}
		if exists {
			log.Entry(ctx).Debugf("blob %s already present", dgst)
			skipped.Add(1)
			return nil
		}
		log.Entry(ctx).Debugf("uploading blob %s (%s)", dgst, humanize.Bytes(uint64(blobs[i].size)))
		if err := session.UploadBlob(ctx, dgst, blobs[i].size, blobs[i].open); err != nil {
			return err
		}
		uploaded.Add(1)
		return nil
	})
	if err != nil {
		return err
	}
	result.BlobsUploaded = int(uploaded.Load())
	result.BlobsSkipped = int(skipped.Load())

	pushedDigest, err := session.PushManifest(ctx, manifestRef(targetRef), assembled.MediaType, assembled.Manifest)
	if err != nil {
		return err
	}
	if pushedDigest != assembled.ManifestDigest {
		return fmt.Errorf("registry reported manifest digest %s, assembled %s", pushedDigest, assembled.ManifestDigest)
	}
	return nil
}

// loadIntoDaemon streams the tarball rendition straight into docker load
// without staging it on disk.
func (b *Builder) loadIntoDaemon(ctx context.Context, daemon docker.LocalDaemon, targetRef reference.Named, assembled *image.Assembled, base *image.BaseImage, baseSession RegistrySession, builtLayers []layer.BuiltLayer) error {
	img := tarball.Image{
		Assembled: assembled,
		Layers:    blobSources(ctx, base, baseSession, builtLayers),
		RepoTag:   reference.FamiliarString(targetRef),
	}

	pr, pw := io.Pipe()
	writeErr := make(chan error, 1)
	go func() {
		err := tarball.Write(pw, img)
		pw.CloseWithError(err)
		writeErr <- err
	}()

	loadedRef, loadErr := daemon.Load(ctx, pr)
	pr.Close()
	if err := <-writeErr; err != nil {
		return fmt.Errorf("streaming image to daemon: %w", err)
	}
	if loadErr != nil {
		return fmt.Errorf("loading image into daemon: %w", loadErr)
	}
	log.Entry(ctx).Debugf("daemon loaded %s", loadedRef)
	return nil
}

// writeTarball writes the archive rendition to path.
func (b *Builder) writeTarball(ctx context.Context, path string, targetRef reference.Named, assembled *image.Assembled, base *image.BaseImage, baseSession RegistrySession, builtLayers []layer.BuiltLayer) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}

	img := tarball.Image{
		Assembled: assembled,
		Layers:    blobSources(ctx, base, baseSession, builtLayers),
		RepoTag:   reference.FamiliarString(targetRef),
	}
	if err := tarball.Write(file, img); err != nil {
		file.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return file.Close()
}

// layerBlobs lists the manifest's layers in order: base layers first, then
// locally built layers, mirroring manifest assembly.
func layerBlobs(ctx context.Context, base *image.BaseImage, baseSession RegistrySession, builtLayers []layer.BuiltLayer) []blob {
	var blobs []blob
	if base != nil {
		for _, descriptor := range base.Layers {
			descriptor := descriptor
			blobs = append(blobs, blob{
				digest: descriptor.Digest,
				size:   descriptor.Size,
				open: func() (io.ReadCloser, error) {
					return baseSession.PullBlob(ctx, digest.Digest(descriptor.Digest.String()))
				},
			})
		}
	}
	for _, built := range builtLayers {
		built := built
		blobDigest, _ := v1.NewHash(built.Digest.String())
		blobs = append(blobs, blob{
			digest: blobDigest,
			size:   built.Size,
			open: func() (io.ReadCloser, error) {
				return os.Open(built.Path)
			},
		})
	}
	return blobs
}

func blobSources(ctx context.Context, base *image.BaseImage, baseSession RegistrySession, builtLayers []layer.BuiltLayer) []tarball.BlobSource {
	var sources []tarball.BlobSource
	for _, b := range layerBlobs(ctx, base, baseSession, builtLayers) {
		sources = append(sources, tarball.BlobSource{Digest: b.digest, Size: b.size, Open: b.open})
	}
	return sources
}
