// Package addr parses the bus's address grammar, spec §3/§6:
// `<scheme>://<host>[:<port>]`, for the `mem`, `shm`, `unix`, `ipv4`,
// `ipv6`, and `dns` schemes.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package addr

import (
	"strconv"
	"strings"

	"github.com/atbus-go/atbus/cmn/cos"
)

type Scheme string

const (
	SchemeMem  Scheme = "mem"
	SchemeShm  Scheme = "shm"
	SchemeUnix Scheme = "unix"
	SchemeIPv4 Scheme = "ipv4"
	SchemeIPv6 Scheme = "ipv6"
	SchemeDNS  Scheme = "dns"
)

// Address is the bus's parsed address: scheme, host (meaning depends on
// scheme per spec §3), optional port, and the original string it was
// parsed from.
type Address struct {
	Scheme Scheme
	Host   string
	Port   int
	Raw    string
}

// Parse splits raw into scheme://host[:port] and validates it against the
// scheme-specific grammar of spec §6.
func Parse(raw string) (Address, error) {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return Address{}, cos.NewErr(cos.ErrScheme, "missing scheme in %q", raw)
	}
	a := Address{Scheme: Scheme(scheme), Raw: raw}

	switch a.Scheme {
	case SchemeMem:
		if rest == "" {
			return Address{}, cos.NewErr(cos.ErrScheme, "mem address missing pointer: %q", raw)
		}
		if _, err := strconv.ParseUint(strings.TrimPrefix(rest, "0x"), 16, 64); err != nil {
			return Address{}, cos.NewErr(cos.ErrScheme, "mem address %q is not a hex pointer", rest)
		}
		a.Host = rest

	case SchemeShm:
		if _, err := strconv.ParseInt(rest, 10, 64); err != nil {
			return Address{}, cos.NewErr(cos.ErrScheme, "shm address %q is not a decimal key", rest)
		}
		a.Host = rest

	case SchemeUnix:
		if rest == "" {
			return Address{}, cos.NewErr(cos.ErrScheme, "unix address missing path: %q", raw)
		}
		a.Host = rest

	case SchemeIPv4, SchemeIPv6:
		host, port, err := splitHostPort(rest)
		if err != nil {
			return Address{}, err
		}
		a.Host, a.Port = host, port

	case SchemeDNS:
		host, port, err := splitHostPort(rest)
		if err != nil {
			return Address{}, err
		}
		if host == "" {
			return Address{}, cos.NewErr(cos.ErrScheme, "dns address missing hostname: %q", raw)
		}
		a.Host, a.Port = host, port

	default:
		return Address{}, cos.NewErr(cos.ErrScheme, "unrecognized scheme %q", scheme)
	}
	return a, nil
}

func splitHostPort(rest string) (host string, port int, err error) {
	i := strings.LastIndexByte(rest, ':')
	if i < 0 {
		return "", 0, cos.NewErr(cos.ErrScheme, "address %q missing port", rest)
	}
	host = rest[:i]
	if host == "" {
		return "", 0, cos.NewErr(cos.ErrScheme, "address %q missing host", rest)
	}
	p, convErr := strconv.Atoi(rest[i+1:])
	if convErr != nil || p < 1 || p > 65535 {
		return "", 0, cos.NewErr(cos.ErrScheme, "address %q has invalid port", rest)
	}
	return host, p, nil
}

func (a Address) String() string { return a.Raw }

// IsLoopback reports whether the host is literally "127.0.0.1", "::1" or
// "localhost" (no name resolution is done), used by node's locality
// classification (spec §4.5 "share-host").
func (a Address) IsLoopback() bool {
	switch a.Host {
	case "127.0.0.1", "::1", "localhost":
		return true
	}
	return false
}
