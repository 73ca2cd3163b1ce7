// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package version renders the build identity stamped into the binary by
// the linker.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// stamp is set by the linker to the `git describe --tags --long` output,
// for example v0.3.1-4-g9fc1a02. Builds made outside the release tooling
// leave it empty.
var stamp string

// Build is the decoded stamp.
type Build struct {
	// Release is the closest release tag.
	Release string
	// Ahead counts commits past Release.
	Ahead int
	// Commit is the abbreviated commit hash.
	Commit string
}

// Resolve decodes the stamp. A missing or mangled stamp resolves to the
// zero Build, which renders as dev.
func Resolve() Build {
	parts := strings.Split(stamp, "-")
	if len(parts) < 3 {
		return Build{}
	}
	ahead, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil {
		return Build{}
	}
	return Build{
		// Release tags may themselves contain dashes, so the tag is
		// whatever precedes the trailing count and hash.
		Release: strings.Join(parts[:len(parts)-2], "-"),
		Ahead:   ahead,
		Commit:  strings.TrimPrefix(parts[len(parts)-1], "g"),
	}
}

// String renders the build for logs, the outbound User-Agent header, and
// the version sub-command.
func String() string {
	return Resolve().String()
}

func (b Build) String() string {
	switch {
	case b.Release == "":
		return "dev"
	case b.Ahead == 0:
		return b.Release
	default:
		return fmt.Sprintf("%s+%d.%s", b.Release, b.Ahead, b.Commit)
	}
}
