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

package config

import (
	"strings"
	"testing"

	"github.com/layerforge/layerforge/pkg/layerforge/image"
	"github.com/layerforge/layerforge/testutil"
)

const validConfig = `
image: example.com/test/app:latest
from: scratch
requiresVersion: ">=0.1.0"
layers:
  - name: app
    files:
      - src: %SRC%
        dest: /app
runtime:
  entrypoint: ["/app/run.sh"]
  env:
    MODE: production
  ports: ["8080"]
`

func TestParseValid(t *testing.T) {
	tmpDir := testutil.NewTempDir(t).Write("src/run.sh", "#!/bin/sh")
	content := strings.ReplaceAll(validConfig, "%SRC%", tmpDir.Path("src"))

	config, err := Parse(strings.NewReader(content))
	testutil.CheckError(t, false, err)

	testutil.CheckDeepEqual(t, "example.com/test/app:latest", config.Image)
	testutil.CheckDeepEqual(t, "scratch", config.From)
	testutil.CheckDeepEqual(t, ">=0.1.0", config.RequiresVersion)
	testutil.CheckDeepEqual(t, image.FormatOCI, config.ImageFormat())
	testutil.CheckDeepEqual(t, true, config.ReproducibleBuild())
	testutil.CheckDeepEqual(t, []string{"/app/run.sh"}, config.Runtime.Entrypoint)
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		description string
		content     string
		shouldErr   bool
		errContains string
	}{
		{
			description: "missing image",
			content:     "from: scratch\nlayers: []\n",
			shouldErr:   true,
			errContains: "image",
		},
		{
			description: "missing from",
			content:     "image: a/b:c\nlayers: []\n",
			shouldErr:   true,
			errContains: "from",
		},
		{
			description: "unknown format",
			content:     "image: a/b:c\nfrom: scratch\nformat: qcow2\n",
			shouldErr:   true,
			errContains: "format",
		},
		{
			description: "unknown field",
			content:     "image: a/b:c\nfrom: scratch\ncolour: red\n",
			shouldErr:   true,
		},
		{
			description: "layer without name",
			content:     "image: a/b:c\nfrom: scratch\nlayers:\n  - files:\n      - src: x\n        dest: /x\n",
			shouldErr:   true,
			errContains: "name",
		},
		{
			description: "duplicate layer names",
			content: "image: a/b:c\nfrom: scratch\nlayers:\n" +
				"  - name: app\n    files:\n      - src: x\n        dest: /x\n" +
				"  - name: app\n    files:\n      - src: y\n        dest: /y\n",
			shouldErr:   true,
			errContains: "duplicate",
		},
		{
			description: "layer with files and archive",
			content: "image: a/b:c\nfrom: scratch\nlayers:\n" +
				"  - name: app\n    archive: a.tar.gz\n    files:\n      - src: x\n        dest: /x\n",
			shouldErr:   true,
			errContains: "not both",
		},
		{
			description: "empty layer",
			content:     "image: a/b:c\nfrom: scratch\nlayers:\n  - name: app\n",
			shouldErr:   true,
		},
		{
			description: "bad file mode",
			content: "image: a/b:c\nfrom: scratch\nproperties:\n  fileMode: \"rw-r--r--\"\nlayers:\n" +
				"  - name: app\n    files:\n      - src: x\n        dest: /x\n",
			shouldErr:   true,
			errContains: "octal",
		},
		{
			description: "bad timestamp",
			content: "image: a/b:c\nfrom: scratch\nlayers:\n" +
				"  - name: app\n    files:\n      - src: x\n        dest: /x\n    properties:\n      timestamp: \"yesterday\"\n",
			shouldErr:   true,
			errContains: "RFC 3339",
		},
	}
	for _, test := range tests {
		testutil.Run(t, test.description, func(t *testutil.T) {
			_, err := Parse(strings.NewReader(test.content))

			t.CheckError(test.shouldErr, err)
			if test.errContains != "" {
				t.CheckErrorContains(test.errContains, err)
			}
		})
	}
}

func TestResolveLayers(t *testing.T) {
	tmpDir := testutil.NewTempDir(t).
		Write("libs/dep.jar", "jar").
		Write("classes/Main.class", "class").
		Write("classes/util/Util.class", "class")

	content := `
image: example.com/test/app:latest
from: scratch
properties:
  user: app
layers:
  - name: dependencies
    files:
      - src: ` + tmpDir.Path("libs") + `
        dest: /app/libs
  - name: classes
    properties:
      fileMode: "0700"
    files:
      - src: ` + tmpDir.Path("classes") + `
        dest: /app/classes
`
	config, err := Parse(strings.NewReader(content))
	testutil.CheckError(t, false, err)

	layers, err := config.ResolveLayers()
	testutil.CheckError(t, false, err)

	testutil.CheckDeepEqual(t, 2, len(layers))
	testutil.CheckDeepEqual(t, "dependencies", layers[0].Descriptor.Name)
	testutil.CheckDeepEqual(t, "classes", layers[1].Descriptor.Name)

	var destinations []string
	for _, entry := range layers[1].Descriptor.Entries {
		destinations = append(destinations, entry.DestinationPath)
	}
	// Lexical walk order.
	testutil.CheckDeepEqual(t, []string{
		"/app/classes/Main.class",
		"/app/classes/util/Util.class",
	}, destinations)

	// Global scope applies to both; the classes scope stacks on top.
	testutil.CheckDeepEqual(t, "app", layers[0].Resolver.Resolve().Ownership)
	resolved := layers[1].Resolver.Resolve()
	testutil.CheckDeepEqual(t, "app", resolved.Ownership)
	testutil.CheckDeepEqual(t, "-rwx------", resolved.FilePermissions.String())
	testutil.CheckDeepEqual(t, 1, layers[0].Resolver.Depth())
	testutil.CheckDeepEqual(t, 2, layers[1].Resolver.Depth())
}

func TestResolveLayersArchive(t *testing.T) {
	content := `
image: example.com/test/app:latest
from: scratch
layers:
  - name: prebuilt
    archive: /tmp/prebuilt.tar.gz
`
	config, err := Parse(strings.NewReader(content))
	testutil.CheckError(t, false, err)

	layers, err := config.ResolveLayers()
	testutil.CheckError(t, false, err)

	testutil.CheckDeepEqual(t, 1, len(layers))
	testutil.CheckDeepEqual(t, "/tmp/prebuilt.tar.gz", layers[0].Descriptor.ArchivePath)
	testutil.CheckDeepEqual(t, 0, len(layers[0].Descriptor.Entries))
}
