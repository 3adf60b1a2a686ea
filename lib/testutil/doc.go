// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by the engine's tests: unique
// identifiers for events and sync tokens, and JSON fixtures. Helpers
// fail the test instead of returning errors.
package testutil
