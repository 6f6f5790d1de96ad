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
	"time"
)

// Defaults used when no scope on the stack sets a property.
const (
	DefaultFilePermissions fs.FileMode = 0o644
	DefaultDirPermissions  fs.FileMode = 0o755
)

// DefaultModTime is the fixed timestamp stamped on entries when no scope
// overrides it. A constant time is what makes layer output reproducible.
var DefaultModTime = time.Date(1970, time.January, 1, 0, 0, 1, 0, time.UTC)

// PropertyScope is a partial override of entry metadata. Nil pointer or
// empty string fields are "not set" and defer to lower scopes.
type PropertyScope struct {
	FilePermissions *fs.FileMode
	DirPermissions  *fs.FileMode
	ModTime         *time.Time
	User            string
	Group           string
}

// ResolvedProperties is the effective metadata after folding a scope stack.
type ResolvedProperties struct {
	FilePermissions fs.FileMode
	DirPermissions  fs.FileMode
	ModTime         time.Time
	Ownership       string
}

// PropertyResolver holds an immutable stack of scopes, innermost last.
// Push and Pop return new resolvers rather than mutating, so a resolver can
// be captured per layer descriptor and used concurrently.
type PropertyResolver struct {
	scopes []PropertyScope
}

// NewPropertyResolver returns a resolver with an empty scope stack.
func NewPropertyResolver() PropertyResolver {
	return PropertyResolver{}
}

// Push returns a resolver with scope stacked on top of the receiver's stack.
func (r PropertyResolver) Push(scope PropertyScope) PropertyResolver {
	scopes := make([]PropertyScope, len(r.scopes)+1)
	copy(scopes, r.scopes)
	scopes[len(r.scopes)] = scope
	return PropertyResolver{scopes: scopes}
}

// Pop returns a resolver without the most recently pushed scope. Popping an
// empty resolver is a no-op.
func (r PropertyResolver) Pop() PropertyResolver {
	if len(r.scopes) == 0 {
		return r
	}
	return PropertyResolver{scopes: r.scopes[:len(r.scopes)-1]}
}

// Depth reports how many scopes are stacked.
func (r PropertyResolver) Depth() int {
	return len(r.scopes)
}

// Resolve folds the stack bottom to top; the last scope that sets a property
// wins. With an empty stack every property is its default.
func (r PropertyResolver) Resolve() ResolvedProperties {
	resolved := ResolvedProperties{
		FilePermissions: DefaultFilePermissions,
		DirPermissions:  DefaultDirPermissions,
		ModTime:         DefaultModTime,
	}
	var user, group string
	for _, scope := range r.scopes {
		if scope.FilePermissions != nil {
			resolved.FilePermissions = *scope.FilePermissions
		}
		if scope.DirPermissions != nil {
			resolved.DirPermissions = *scope.DirPermissions
		}
		if scope.ModTime != nil {
			resolved.ModTime = *scope.ModTime
		}
		if scope.User != "" {
			user = scope.User
		}
		if scope.Group != "" {
			group = scope.Group
		}
	}
	resolved.Ownership = composeOwnership(user, group)
	return resolved
}

// composeOwnership renders "user", ":group", "user:group", or "" when
// neither is set ("" means inherit the platform default).
func composeOwnership(user, group string) string {
	switch {
	case user == "" && group == "":
		return ""
	case group == "":
		return user
	default:
		return user + ":" + group
	}
}
