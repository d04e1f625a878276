// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package version

import (
	"fmt"
	"strings"
)

var (
	// GitCommit and GitDescribe are filled in by the compiler and describe
	// the git state of the build.
	GitCommit   string
	GitDescribe string

	// Version is the main version number that is being run at the moment.
	Version = "0.1.0"

	// VersionPrerelease is a pre-release marker for the version. If this is
	// "" (empty string) then it means that it is a final release. Otherwise,
	// this is a pre-release such as "dev" (in development), "beta", "rc1",
	// etc.
	VersionPrerelease = "dev"

	// VersionMetadata is metadata further describing the build type.
	VersionMetadata = ""
)

// GetHumanVersion composes the parts of the version in a way that's suitable
// for displaying to humans.
func GetHumanVersion() string {
	version := Version
	release := VersionPrerelease
	metadata := VersionMetadata

	if GitDescribe != "" {
		version = GitDescribe
	}
	if GitDescribe == "" && release == "" && !strings.Contains(version, "-") {
		release = "dev"
	}

	if release != "" && !strings.HasSuffix(version, "-"+release) {
		version += fmt.Sprintf("-%s", release)
	}
	if metadata != "" {
		version += fmt.Sprintf("+%s", metadata)
	}

	if release != "" && GitCommit != "" {
		version += fmt.Sprintf(" (%s)", GitCommit)
	}

	// Strip off any single quotes added by the git information.
	return "v" + strings.ReplaceAll(strings.TrimPrefix(version, "v"), "'", "")
}
