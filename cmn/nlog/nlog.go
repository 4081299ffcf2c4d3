// Package nlog is the bus's logger: buffered, timestamped, severity-leveled
// writes to stderr or an optional file, adapted (much simplified) from the
// teacher's own cmn/nlog. The teacher's version gets its buffering from a
// pair of reusable fixed-size byte slices to stay allocation-free on the hot
// path; we keep a reduced form of that shape (one preallocated line buffer
// reused under a mutex-guarded writer) without the teacher's file-rotation machinery, which
// nothing in this module's scope needs.
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevChar = [...]byte{sevInfo: 'I', sevWarn: 'W', sevErr: 'E'}

var (
	mu     sync.Mutex
	out    = os.Stderr
	toFile *os.File
	line   = make([]byte, 0, 512)
)

// SetOutput redirects subsequent log lines to f (e.g. a rotated file opened
// by the caller); passing nil restores stderr.
func SetOutput(f *os.File) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		out, toFile = os.Stderr, nil
		return
	}
	out, toFile = f, f
}

func log(sev severity, depth int, format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()

	line = line[:0]
	line = append(line, sevChar[sev], ' ')
	line = time.Now().AppendFormat(line, "2006/01/02 15:04:05.000000")
	line = append(line, ' ')
	if _, file, ln, ok := runtime.Caller(2 + depth); ok {
		line = append(line, shortFile(file)...)
		line = append(line, ':')
		line = fmt.Appendf(line, "%d", ln)
		line = append(line, "] "...)
	}
	if format == "" {
		line = fmt.Append(line, args...)
	} else {
		line = fmt.Appendf(line, format, args...)
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}
	out.Write(line)
}

func shortFile(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func Infof(format string, args ...any)    { log(sevInfo, 0, format, args...) }
func Infoln(args ...any)                  { log(sevInfo, 0, "", args...) }
func InfoDepth(depth int, args ...any)    { log(sevInfo, depth, "", args...) }
func Warningf(format string, args ...any) { log(sevWarn, 0, format, args...) }
func Warningln(args ...any)               { log(sevWarn, 0, "", args...) }
func Errorf(format string, args ...any)   { log(sevErr, 0, format, args...) }
func Errorln(args ...any)                 { log(sevErr, 0, "", args...) }
func ErrorDepth(depth int, args ...any)   { log(sevErr, depth, "", args...) }

// Flush syncs the output file, if any was configured via SetOutput.
func Flush(exit ...bool) {
	mu.Lock()
	f := toFile
	mu.Unlock()
	if f != nil {
		f.Sync()
	}
	if len(exit) > 0 && exit[0] && f != nil {
		f.Close()
	}
}
