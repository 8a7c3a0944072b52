//go:build !mono

// Package mono provides low-level monotonic time
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

var start = time.Now()

// NanoTime returns a monotonic timestamp in nanoseconds, counted from package
// initialization. The "mono" build tag swaps this for a runtime.nanotime
// linkname (see fast_nanotime.go); this fallback relies on the monotonic
// clock reading that time.Now() carries and time.Since uses.
func NanoTime() int64 { return int64(time.Since(start)) }
