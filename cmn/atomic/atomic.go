// Package atomic re-exports the standard library's typed atomics under the
// short names the rest of atbus uses, the same thin-wrapper convention the
// teacher's own cmn/atomic follows.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package atomic

import "sync/atomic"

type (
	Bool   = atomic.Bool
	Int32  = atomic.Int32
	Int64  = atomic.Int64
	Uint32 = atomic.Uint32
	Uint64 = atomic.Uint64
)
