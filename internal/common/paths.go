// Copyright 2024 CacheFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"path"
	"path/filepath"
	"strings"
)

// NormalizePath turns a host path into the mount-relative form used as a
// cache key: slash separated, cleaned, no leading or trailing slash. The root
// is "". Paths cannot climb above the root.
func NormalizePath(p string) string {
	p = path.Clean("/" + filepath.ToSlash(p))
	return strings.TrimPrefix(p, "/")
}

// JoinPath joins path components and normalizes the result.
func JoinPath(parts ...string) string {
	return NormalizePath(path.Join(parts...))
}

// BaseName returns the last element of a path, "" for the root.
func BaseName(p string) string {
	p = NormalizePath(p)
	if p == "" {
		return ""
	}
	return path.Base(p)
}
