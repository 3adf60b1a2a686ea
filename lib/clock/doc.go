// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// The protocol engine stamps every tracked request with the time it was
// built and every resolved response with the time it was parsed, so
// callers can compute latency without the engine exposing internal
// timing state. Those stamps come from a [Clock] supplied at
// construction: [Real] in production, [Fake] in tests, where time only
// moves when the test calls [FakeClock.Advance] or [FakeClock.Set].
package clock
