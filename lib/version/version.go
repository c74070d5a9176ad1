// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build identity printed by --version.
package version

import (
	"fmt"
	"runtime"
)

// Stamped through -ldflags at build time, for example:
//
//	go build -ldflags "-X github.com/gatehouse-labs/gatehouse/lib/version.Commit=$(git rev-parse --short HEAD)"
var (
	Version = "0.1.0-dev"
	Commit  = "unknown"
)

// String returns the single version line binaries print.
func String() string {
	return fmt.Sprintf("gatehouse %s (commit %s, %s, %s/%s)",
		Version, Commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
