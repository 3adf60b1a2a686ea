// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds entrypoint helpers for mxengine binaries: the
// error path a main function takes before or after the structured
// logger exists.
package process
