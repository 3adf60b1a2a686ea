// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the mxengine driver configuration.
//
// Configuration comes from a single file named by the MXENGINE_CONFIG
// environment variable or the --config flag. There is no discovery and
// no layering beyond the file's own environment section (development
// or production), which overrides sync and logging settings.
//
// YAML is the primary format. Files ending in .json or .jsonc are
// accepted too; comments and trailing commas are stripped with
// tidwall/jsonc before decoding.
//
// ${VAR} and ${VAR:-default} are expanded in path-like fields
// (store.path, store.key_file, account.password_file, homeserver.url).
package config
