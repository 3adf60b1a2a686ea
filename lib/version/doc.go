// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version carries build information for mxengine binaries.
//
// [GitCommit], [GitDirty], [BuildTime], and [Version] are injected at
// build time:
//
//	go build -ldflags "-X github.com/bureau-foundation/mxengine/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Without injection they read "unknown" and "0.1.0-dev".
package version
