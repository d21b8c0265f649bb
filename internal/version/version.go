/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version carries build identity for logs, the status API, and
// the version command.
package version

import "fmt"

// Set at build time via ldflags:
//
//	-X github.com/friendsincode/skald/internal/version.Version=X.Y.Z
var (
	Version = "0.3.0"
	Commit  = "unknown"
	Date    = "unknown"
)

// String returns the full build identity line.
func String() string {
	return fmt.Sprintf("skald %s (commit %s, built %s)", Version, Commit, Date)
}
