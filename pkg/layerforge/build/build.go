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

// Package build sequences a whole image build: base image resolution,
// layer construction through the content cache, manifest assembly, and
// delivery to a registry, the local daemon, or a tarball.
package build

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/distribution/reference"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"

	"github.com/layerforge/layerforge/pkg/layerforge/cache"
	"github.com/layerforge/layerforge/pkg/layerforge/config"
	"github.com/layerforge/layerforge/pkg/layerforge/docker"
	"github.com/layerforge/layerforge/pkg/layerforge/filelayer"
	"github.com/layerforge/layerforge/pkg/layerforge/image"
	"github.com/layerforge/layerforge/pkg/layerforge/layer"
	"github.com/layerforge/layerforge/pkg/layerforge/output/log"
	"github.com/layerforge/layerforge/pkg/layerforge/registry"
	"github.com/layerforge/layerforge/pkg/layerforge/version"
)

// defaultConcurrency bounds per-layer parallel work (builds, existence
// checks, uploads). Small on purpose: registries throttle, disks thrash.
const defaultConcurrency = 4

// RegistrySession is the slice of the registry client the orchestrator
// uses; satisfied by *registry.Client.
type RegistrySession interface {
	BlobExists(ctx context.Context, dgst digest.Digest) (bool, error)
	UploadBlob(ctx context.Context, dgst digest.Digest, size int64, open func() (io.ReadCloser, error)) error
	PushManifest(ctx context.Context, ref string, mediaType types.MediaType, payload []byte) (v1.Hash, error)
	PullManifest(ctx context.Context, ref string) ([]byte, types.MediaType, error)
	PullBlob(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error)
	Close()
}

// Target selects exactly one delivery destination.
type Target interface {
	targetName() string
}

// RegistryTarget pushes to the registry named by the image reference.
type RegistryTarget struct{}

// DaemonTarget loads into a local Docker daemon.
type DaemonTarget struct {
	Daemon docker.LocalDaemon
}

// TarballTarget writes a self-contained archive.
type TarballTarget struct {
	Path string
}

func (RegistryTarget) targetName() string { return "registry" }
func (DaemonTarget) targetName() string   { return "daemon" }
func (TarballTarget) targetName() string  { return "tarball" }

// Options configures a Builder.
type Options struct {
	// Concurrency caps parallel per-layer operations; 0 means the default.
	Concurrency int

	// Insecure uses plain HTTP for all registry traffic.
	Insecure bool
}

// Result summarizes a completed build.
type Result struct {
	Reference      string
	ManifestDigest v1.Hash
	LayersBuilt    int
	LayersCached   int
	BlobsUploaded  int
	BlobsSkipped   int
}

// Builder owns one build pipeline over a shared layer cache.
type Builder struct {
	cache *cache.Cache
	opts  Options

	// newSession is swapped out in tests.
	newSession func(ref reference.Named, scope registry.Scope) (RegistrySession, error)
}

// NewBuilder returns a Builder using layerCache for layer reuse.
func NewBuilder(layerCache *cache.Cache, opts Options) *Builder {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	b := &Builder{cache: layerCache, opts: opts}
	b.newSession = func(ref reference.Named, scope registry.Scope) (RegistrySession, error) {
		return registry.NewClient(ref, registry.Options{
			Scope:     scope,
			Insecure:  opts.Insecure,
			UserAgent: version.UserAgent(),
		})
	}
	return b
}

// Build runs the whole pipeline for cfg and delivers to target. The build
// is all-or-nothing: on any failure nothing is tagged at the target.
func (b *Builder) Build(ctx context.Context, cfg *config.Config, target Target) (*Result, error) {
	if err := version.CheckRequirement(cfg.RequiresVersion); err != nil {
		return nil, err
	}

	targetRef, err := reference.ParseNormalizedNamed(cfg.Image)
	if err != nil {
		return nil, fmt.Errorf("parsing image reference %q: %w", cfg.Image, err)
	}
	targetRef = reference.TagNameOnly(targetRef)
	ctx = log.WithEventContext(ctx, "Build", reference.FamiliarString(targetRef))

	base, baseSession, err := b.resolveBase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if baseSession != nil {
		defer baseSession.Close()
	}

	resolvedLayers, err := cfg.ResolveLayers()
	if err != nil {
		return nil, err
	}

	result := &Result{Reference: targetRef.String()}
	builtLayers, err := b.buildLayers(ctx, resolvedLayers, result)
	if err != nil {
		return nil, err
	}

	spec := cfg.ImageSpec()
	spec.Base = base
	spec.Created = buildTimestamp(cfg)
	for _, built := range builtLayers {
		specLayer, err := toImageLayer(built)
		if err != nil {
			return nil, err
		}
		spec.Layers = append(spec.Layers, specLayer)
	}

	assembled, err := image.Assemble(spec)
	if err != nil {
		return nil, err
	}
	result.ManifestDigest = assembled.ManifestDigest

	deliverCtx := log.WithEventContext(ctx, "Deliver", target.targetName())
	switch t := target.(type) {
	case RegistryTarget:
		err = b.push(deliverCtx, targetRef, assembled, base, baseSession, builtLayers, result)
	case DaemonTarget:
		err = b.loadIntoDaemon(deliverCtx, t.Daemon, targetRef, assembled, base, baseSession, builtLayers)
	case TarballTarget:
		err = b.writeTarball(deliverCtx, t.Path, targetRef, assembled, base, baseSession, builtLayers)
	default:
		err = fmt.Errorf("unknown delivery target %T", target)
	}
	if err != nil {
		return nil, err
	}

	log.Entry(ctx).Infof("delivered %s to %s", targetRef, target.targetName())
	return result, nil
}

// resolveBase pulls the base image manifest and config, or returns nil for
// scratch. The session stays open for delivery targets that need to fetch
// base layer blobs.
func (b *Builder) resolveBase(ctx context.Context, cfg *config.Config) (*image.BaseImage, RegistrySession, error) {
	if cfg.From == "scratch" {
		return nil, nil, nil
	}

	baseRef, err := reference.ParseNormalizedNamed(cfg.From)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing base image reference %q: %w", cfg.From, err)
	}
	baseRef = reference.TagNameOnly(baseRef)

	session, err := b.newSession(baseRef, registry.ScopePull)
	if err != nil {
		return nil, nil, err
	}

	payload, mediaType, err := session.PullManifest(ctx, manifestRef(baseRef))
	if err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("resolving base image %s: %w", cfg.From, err)
	}
	if mediaType == types.DockerManifestList || mediaType == types.OCIImageIndex {
		session.Close()
		return nil, nil, fmt.Errorf("base image %s is a manifest list; pin a platform-specific digest", cfg.From)
	}

	var manifest v1.Manifest
	if err := json.Unmarshal(payload, &manifest); err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("decoding base image manifest: %w", err)
	}

	configReader, err := session.PullBlob(ctx, digest.Digest(manifest.Config.Digest.String()))
	if err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("pulling base image config: %w", err)
	}
	configFile, err := v1.ParseConfigFile(configReader)
	configReader.Close()
	if err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("decoding base image config: %w", err)
	}

	return &image.BaseImage{
		ConfigFile:  configFile,
		ManifestRef: baseRef.String(),
		Layers:      manifest.Layers,
	}, session, nil
}

// buildLayers builds or fetches every layer, in bounded parallel, and
// returns them in descriptor order.
func (b *Builder) buildLayers(ctx context.Context, resolvedLayers []config.ResolvedLayer, result *Result) ([]layer.BuiltLayer, error) {
	built := make([]layer.BuiltLayer, len(resolvedLayers))
	cached := make([]bool, len(resolvedLayers))

	err := runOrdered(ctx, len(resolvedLayers), b.opts.Concurrency, func(i int) error {
		resolved := resolvedLayers[i]
		properties := resolved.Resolver.Resolve()

		fingerprint, err := cache.Fingerprint(resolved.Descriptor, properties)
		if err != nil {
			return fmt.Errorf("fingerprinting layer %q: %w", resolved.Descriptor.Name, err)
		}

		if hit, err := b.cache.Get(fingerprint); err != nil {
			return err
		} else if hit != nil {
			log.Entry(ctx).Debugf("layer %q found in cache", resolved.Descriptor.Name)
			built[i] = *hit
			cached[i] = true
			return nil
		}

		fresh, err := layer.Build(resolved.Descriptor, properties, b.cache.Root())
		if err != nil {
			return err
		}
		stored, err := b.cache.Put(fingerprint, fresh)
		if err != nil {
			return err
		}
		// Archive layers point at the caller's file; built layers leave a
		// scratch blob behind once the cache holds its own copy.
		if resolved.Descriptor.ArchivePath == "" && stored.Path != fresh.Path {
			os.Remove(fresh.Path)
		}
		built[i] = *stored
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, wasCached := range cached {
		if wasCached {
			result.LayersCached++
		} else {
			result.LayersBuilt++
		}
	}
	return built, nil
}

func toImageLayer(built layer.BuiltLayer) (image.Layer, error) {
	blobDigest, err := v1.NewHash(built.Digest.String())
	if err != nil {
		return image.Layer{}, fmt.Errorf("converting layer digest: %w", err)
	}
	diffID, err := v1.NewHash(built.DiffID.String())
	if err != nil {
		return image.Layer{}, fmt.Errorf("converting layer diff id: %w", err)
	}
	return image.Layer{Digest: blobDigest, DiffID: diffID, Size: built.Size}, nil
}

// manifestRef picks the path element the manifest endpoints address the
// image by: a pinned digest wins over a tag.
func manifestRef(ref reference.Named) string {
	if digested, ok := ref.(reference.Digested); ok {
		return digested.Digest().String()
	}
	if tagged, ok := ref.(reference.Tagged); ok {
		return tagged.Tag()
	}
	return "latest"
}

func buildTimestamp(cfg *config.Config) time.Time {
	if cfg.ReproducibleBuild() {
		return filelayer.DefaultModTime
	}
	return time.Now().UTC()
}
