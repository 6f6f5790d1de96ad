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

package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/layerforge/layerforge/pkg/layerforge/build"
	"github.com/layerforge/layerforge/pkg/layerforge/cache"
	"github.com/layerforge/layerforge/pkg/layerforge/config"
	"github.com/layerforge/layerforge/pkg/layerforge/docker"
)

var (
	buildFile   string
	pushFlag    bool
	loadFlag    bool
	tarFlag     string
	cacheDir    string
	insecure    bool
	concurrency int
)

// NewCmdBuild describes the CLI command to build and deliver an image.
func NewCmdBuild(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the image and deliver it to a registry, the local daemon, or a tarball",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return doBuild(cmd.Context(), out)
		},
	}
	cmd.Flags().StringVarP(&buildFile, "filename", "f", "layerforge.yaml", "Path to the build file")
	cmd.Flags().BoolVar(&pushFlag, "push", false, "Push the image to its registry")
	cmd.Flags().BoolVar(&loadFlag, "load", false, "Load the image into the local Docker daemon")
	cmd.Flags().StringVar(&tarFlag, "tar", "", "Write the image to a tarball at the given path")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "Layer cache location (defaults to ~/.layerforge/cache)")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "Use plain HTTP for registry access")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Maximum layers processed in parallel (0 for the default)")
	return cmd
}

func doBuild(ctx context.Context, out io.Writer) error {
	target, closeTarget, err := selectTarget(ctx)
	if err != nil {
		return err
	}
	defer closeTarget()

	cfg, err := config.ParseFile(buildFile)
	if err != nil {
		return err
	}

	dir := cacheDir
	if dir == "" {
		if dir, err = cache.DefaultDir(); err != nil {
			return err
		}
	}
	layerCache, err := cache.New(dir)
	if err != nil {
		return err
	}

	builder := build.NewBuilder(layerCache, build.Options{
		Concurrency: concurrency,
		Insecure:    insecure,
	})
	result, err := builder.Build(ctx, cfg, target)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s@%s\n", result.Reference, result.ManifestDigest)
	fmt.Fprintf(out, "layers: %d built, %d cached; blobs: %d uploaded, %d skipped\n",
		result.LayersBuilt, result.LayersCached, result.BlobsUploaded, result.BlobsSkipped)
	return nil
}

// selectTarget maps the --push/--load/--tar flags to exactly one delivery
// target.
func selectTarget(ctx context.Context) (build.Target, func(), error) {
	noop := func() {}

	set := 0
	for _, enabled := range []bool{pushFlag, loadFlag, tarFlag != ""} {
		if enabled {
			set++
		}
	}
	if set != 1 {
		return nil, noop, fmt.Errorf("exactly one of --push, --load or --tar must be given")
	}

	switch {
	case pushFlag:
		return build.RegistryTarget{}, noop, nil
	case loadFlag:
		daemon, err := docker.NewDaemon(ctx)
		if err != nil {
			return nil, noop, err
		}
		return build.DaemonTarget{Daemon: daemon}, func() { daemon.Close() }, nil
	default:
		return build.TarballTarget{Path: tarFlag}, noop, nil
	}
}
