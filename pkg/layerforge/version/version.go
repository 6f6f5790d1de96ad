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

package version

import (
	"fmt"
	"runtime"

	"github.com/blang/semver"
)

// Injected at build time with -ldflags.
var version, gitCommit, buildDate string

// Info holds the build-stamped version details.
type Info struct {
	Version   string
	GitCommit string
	BuildDate string
	GoVersion string
	Compiler  string
	Platform  string
}

// Get returns the version details stamped into the binary.
func Get() *Info {
	return &Info{
		Version:   version,
		GitCommit: gitCommit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Compiler:  runtime.Compiler,
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// UserAgent is sent with registry and daemon requests.
func UserAgent() string {
	return fmt.Sprintf("layerforge/%s", version)
}

// ParseVersion parses a semantic version with an optional leading "v".
func ParseVersion(version string) (semver.Version, error) {
	if len(version) > 0 && version[0] == 'v' {
		version = version[1:]
	}
	parsed, err := semver.Parse(version)
	if err != nil {
		return semver.Version{}, fmt.Errorf("parsing version %q: %w", version, err)
	}
	return parsed, nil
}

// CheckRequirement verifies that the running binary satisfies a semver range
// such as ">=1.2.0". An empty requirement always passes, and so do unstamped
// development builds, which have no version to compare.
func CheckRequirement(required string) error {
	if required == "" {
		return nil
	}
	expected, err := semver.ParseRange(required)
	if err != nil {
		return fmt.Errorf("parsing version requirement %q: %w", required, err)
	}
	current, err := ParseVersion(version)
	if err != nil {
		return nil
	}
	if !expected(current) {
		return fmt.Errorf("layerforge %s does not satisfy the build file requirement %q", version, required)
	}
	return nil
}
