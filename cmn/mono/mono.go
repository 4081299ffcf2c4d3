// Package mono provides low-level monotonic time, adapted from the
// teacher's cmn/mono (which links directly against runtime.nanotime for a
// few extra nanoseconds; we get the same monotonic guarantee portably via
// time.Since against a fixed start, since runtime.nanotime is not a stable
// linkname target across Go toolchains).
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

var start = time.Now()

// NanoTime returns nanoseconds elapsed since an arbitrary, process-local
// epoch. Only differences between two NanoTime() calls are meaningful.
func NanoTime() int64 { return int64(time.Since(start)) }
