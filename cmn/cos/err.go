// Package cos provides common low-level types and utilities shared by every
// atbus package: the error-code taxonomy, the varint and CRC32 codecs, and a
// handful of size/time constants.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"errors"
	"fmt"
	"net"
	"sync"
	ratomic "sync/atomic"
	"syscall"
)

// Code is the negative-integer error taxonomy of the wire protocol (see
// spec §6 "Error codes"). Every public atbus operation returns one of these
// (wrapped in *Err) instead of panicking or throwing.
type Code int32

const (
	Success Code = 0

	ErrParams  Code = -1
	ErrInner   Code = -2
	ErrNoData  Code = -3
	ErrBuffLim Code = -4
	ErrMalloc  Code = -5
	ErrScheme  Code = -6
	ErrEOF     Code = -7

	ErrChannelSizeTooSmall Code = -101

	ErrBadBlockFastCheck Code = -201
	ErrBadBlockNodeNum   Code = -202
	ErrBadBlockBuffSize  Code = -203
	ErrBadBlockSeqID     Code = -204
	// ErrBadBlockCSeqID is reserved: the consumer protocol never emits it
	// (see spec §9 Open Questions). Kept only so callers can recognize the
	// code if decoding a message produced by another implementation.
	ErrBadBlockCSeqID Code = -205

	ErrNodeTimeout Code = -211

	ErrShmGetFailed Code = -301
	ErrShmNotFound  Code = -302

	ErrSockBindFailed    Code = -401
	ErrSockListenFailed  Code = -402
	ErrSockConnectFailed Code = -403

	ErrPipeBindFailed    Code = -501
	ErrPipeListenFailed  Code = -502
	ErrPipeConnectFailed Code = -503

	ErrDNSGetAddrFailed  Code = -601
	ErrConnectionNotFound Code = -602
	ErrWriteFailed        Code = -603
	ErrReadFailed         Code = -604
	ErrInvalidSize        Code = -605
	ErrBadData            Code = -606
	ErrNodeInvalidID      Code = -607
	ErrNodeInvalidMsg     Code = -608
	ErrNodeAlreadyReg     Code = -609
)

var codeText = map[Code]string{
	Success:                "success",
	ErrParams:              "invalid parameters",
	ErrInner:               "internal error",
	ErrNoData:              "no data",
	ErrBuffLim:             "buffer limit reached",
	ErrMalloc:              "allocation failed",
	ErrScheme:              "unrecognized address scheme",
	ErrEOF:                 "stream closed",
	ErrChannelSizeTooSmall: "channel region too small",
	ErrBadBlockFastCheck:   "ring block failed fast-check",
	ErrBadBlockNodeNum:     "ring block node count mismatch",
	ErrBadBlockBuffSize:    "ring block buffer size invalid",
	ErrBadBlockSeqID:       "ring block write-sequence conflict",
	ErrBadBlockCSeqID:      "ring block check-sequence conflict",
	ErrNodeTimeout:         "ring write timed out",
	ErrShmGetFailed:        "failed to map shared memory",
	ErrShmNotFound:         "shared memory segment not found",
	ErrSockBindFailed:      "socket bind failed",
	ErrSockListenFailed:    "socket listen failed",
	ErrSockConnectFailed:   "socket connect failed",
	ErrPipeBindFailed:      "pipe bind failed",
	ErrPipeListenFailed:    "pipe listen failed",
	ErrPipeConnectFailed:   "pipe connect failed",
	ErrDNSGetAddrFailed:    "dns resolution failed",
	ErrConnectionNotFound:  "connection not found",
	ErrWriteFailed:         "write failed",
	ErrReadFailed:          "read failed",
	ErrInvalidSize:         "invalid size",
	ErrBadData:             "malformed data",
	ErrNodeInvalidID:       "invalid node id",
	ErrNodeInvalidMsg:      "invalid message",
	ErrNodeAlreadyReg:      "endpoint already registered",
}

// Err is the concrete error type every atbus operation returns. It carries a
// stable Code plus optional free-form context so log lines stay informative
// without callers having to switch on strings.
type Err struct {
	Code Code
	Ctx  string
}

func NewErr(c Code, format string, a ...any) *Err {
	return &Err{Code: c, Ctx: fmt.Sprintf(format, a...)}
}

func (e *Err) Error() string {
	if e.Ctx == "" {
		return codeText[e.Code]
	}
	return codeText[e.Code] + ": " + e.Ctx
}

// Is lets errors.Is(err, someErrWithSameCode) work directly against a bare
// *Err built only from a Code (errors.Is compares by code, not message).
func (e *Err) Is(target error) bool {
	var other *Err
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

func IsErrCode(err error, c Code) bool {
	var e *Err
	return errors.As(err, &e) && e.Code == c
}

// IsTransient errors never destroy state; the caller is expected to retry.
func IsTransient(err error) bool {
	return IsErrCode(err, ErrNoData) || IsErrCode(err, ErrBuffLim) || IsErrCode(err, ErrNodeTimeout)
}

// IsCorruption errors are specific to the shm ring: the affected slot is
// skipped and counted, the channel keeps running.
func IsCorruption(err error) bool {
	return IsErrCode(err, ErrBadBlockFastCheck) || IsErrCode(err, ErrBadBlockNodeNum) ||
		IsErrCode(err, ErrBadBlockBuffSize) || IsErrCode(err, ErrBadBlockSeqID) ||
		IsErrCode(err, ErrBadBlockCSeqID) || IsErrCode(err, ErrBadData)
}

// Errs aggregates up to maxErrs distinct errors, de-duplicated by message,
// adapted from the teacher's cmn/cos.Errs.
type Errs struct {
	errs []error
	cnt  int64
	mu   sync.Mutex
}

const maxErrs = 4

func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
		ratomic.StoreInt64(&e.cnt, int64(len(e.errs)))
	}
}

func (e *Errs) Cnt() int { return int(ratomic.LoadInt64(&e.cnt)) }

func (e *Errs) JoinErr() (cnt int, err error) {
	if cnt = e.Cnt(); cnt > 0 {
		e.mu.Lock()
		err = errors.Join(e.errs...)
		e.mu.Unlock()
	}
	return
}

//
// transport-level syscall classification (adapted from the teacher's
// cmn/cos/err.go, spec §4.4 "Failure semantics"); stream does not call
// these and treats every read/write error as fatal
//

func IsErrConnectionRefused(err error) bool { return errors.Is(err, syscall.ECONNREFUSED) }
func IsErrConnectionReset(err error) bool   { return errors.Is(err, syscall.ECONNRESET) }
func IsErrBrokenPipe(err error) bool        { return errors.Is(err, syscall.EPIPE) }

func IsRetriableConnErr(err error) bool {
	return IsErrConnectionRefused(err) || IsErrConnectionReset(err) || IsErrBrokenPipe(err)
}

// IsIgnorableIOErr reports transport conditions spec §4.4 says must be
// ignored rather than treated as fatal (EAGAIN/EINTR); plain io.EOF is
// handled by the caller since it signals an orderly close, not an error.
func IsIgnorableIOErr(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR)
}

func isErrDNSLookup(err error) bool {
	_, ok := err.(*net.DNSError)
	return ok
}

func IsErrDNS(err error) bool { return isErrDNSLookup(err) }
