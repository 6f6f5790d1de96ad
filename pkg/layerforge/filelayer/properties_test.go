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
	"io/fs"
	"testing"
	"time"

	"github.com/layerforge/layerforge/testutil"
)

func modePtr(m fs.FileMode) *fs.FileMode { return &m }

func timePtr(t time.Time) *time.Time { return &t }

func TestResolveDefaults(t *testing.T) {
	resolved := NewPropertyResolver().Resolve()

	testutil.CheckDeepEqual(t, ResolvedProperties{
		FilePermissions: DefaultFilePermissions,
		DirPermissions:  DefaultDirPermissions,
		ModTime:         DefaultModTime,
		Ownership:       "",
	}, resolved)
}

func TestResolveStacking(t *testing.T) {
	mtime := time.Date(2020, time.March, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		description string
		scopes      []PropertyScope
		pops        int
		expected    ResolvedProperties
	}{
		{
			description: "single scope overrides file permissions",
			scopes:      []PropertyScope{{FilePermissions: modePtr(0o700)}},
			expected: ResolvedProperties{
				FilePermissions: 0o700,
				DirPermissions:  DefaultDirPermissions,
				ModTime:         DefaultModTime,
			},
		},
		{
			description: "later scope wins",
			scopes: []PropertyScope{
				{FilePermissions: modePtr(0o700)},
				{FilePermissions: modePtr(0o755)},
			},
			expected: ResolvedProperties{
				FilePermissions: 0o755,
				DirPermissions:  DefaultDirPermissions,
				ModTime:         DefaultModTime,
			},
		},
		{
			description: "non-overlapping scopes compose",
			scopes: []PropertyScope{
				{FilePermissions: modePtr(0o700)},
				{User: "a"},
			},
			expected: ResolvedProperties{
				FilePermissions: 0o700,
				DirPermissions:  DefaultDirPermissions,
				ModTime:         DefaultModTime,
				Ownership:       "a",
			},
		},
		{
			description: "pop restores lower scope",
			scopes: []PropertyScope{
				{User: "a"},
				{FilePermissions: modePtr(0o700)},
			},
			pops: 1,
			expected: ResolvedProperties{
				FilePermissions: DefaultFilePermissions,
				DirPermissions:  DefaultDirPermissions,
				ModTime:         DefaultModTime,
				Ownership:       "a",
			},
		},
		{
			description: "user and group from different scopes",
			scopes: []PropertyScope{
				{User: "app"},
				{Group: "wheel", ModTime: timePtr(mtime)},
			},
			expected: ResolvedProperties{
				FilePermissions: DefaultFilePermissions,
				DirPermissions:  DefaultDirPermissions,
				ModTime:         mtime,
				Ownership:       "app:wheel",
			},
		},
		{
			description: "group only",
			scopes:      []PropertyScope{{Group: "wheel"}},
			expected: ResolvedProperties{
				FilePermissions: DefaultFilePermissions,
				DirPermissions:  DefaultDirPermissions,
				ModTime:         DefaultModTime,
				Ownership:       ":wheel",
			},
		},
	}
	for _, test := range tests {
		testutil.Run(t, test.description, func(t *testutil.T) {
			resolver := NewPropertyResolver()
			for _, scope := range test.scopes {
				resolver = resolver.Push(scope)
			}
			for i := 0; i < test.pops; i++ {
				resolver = resolver.Pop()
			}

			t.CheckDeepEqual(test.expected, resolver.Resolve())
		})
	}
}

func TestPushDoesNotMutateReceiver(t *testing.T) {
	base := NewPropertyResolver().Push(PropertyScope{User: "a"})
	pushed := base.Push(PropertyScope{User: "b"})

	testutil.CheckDeepEqual(t, "a", base.Resolve().Ownership)
	testutil.CheckDeepEqual(t, "b", pushed.Resolve().Ownership)
	testutil.CheckDeepEqual(t, 1, base.Depth())
	testutil.CheckDeepEqual(t, 2, pushed.Depth())
}

func TestPopEmptyResolver(t *testing.T) {
	resolver := NewPropertyResolver().Pop()

	testutil.CheckDeepEqual(t, 0, resolver.Depth())
	testutil.CheckDeepEqual(t, DefaultFilePermissions, resolver.Resolve().FilePermissions)
}

func TestNewFileEntry(t *testing.T) {
	tests := []struct {
		description string
		destination string
		shouldErr   bool
	}{
		{description: "absolute path", destination: "/app/classes/Main.class"},
		{description: "root file", destination: "/entrypoint.sh"},
		{description: "relative path", destination: "app/Main.class", shouldErr: true},
		{description: "unclean path", destination: "/app//classes", shouldErr: true},
		{description: "dot segments", destination: "/app/../etc/passwd", shouldErr: true},
	}
	for _, test := range tests {
		testutil.Run(t, test.description, func(t *testutil.T) {
			_, err := NewFileEntry("src", test.destination)

			t.CheckError(test.shouldErr, err)
		})
	}
}
