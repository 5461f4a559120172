package api

import (
	"errors"
	"unsafe"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

const bearerScheme = "bearer "

// parseBearer returns the JWT of a "Bearer <token>" header value. The
// returned slice aliases raw and must not be modified.
func parseBearer(raw string) ([]byte, error) {
	start, end := 0, len(raw)
	for start < end && raw[start] == ' ' {
		start++
	}
	for end > start && raw[end-1] == ' ' {
		end--
	}
	if start >= end {
		return nil, errMissingAuthorization
	}
	value := readOnlyBytes(raw[start:end])
	if len(value) <= len(bearerScheme) || !hasSchemeFold(value) {
		return nil, errBadAuthorization
	}
	token := value[len(bearerScheme):]
	dots := 0
	for _, b := range token {
		switch b {
		case '.':
			dots++
		case ' ':
			return nil, errBadAuthorization
		}
	}
	if dots != 2 {
		return nil, errBadAuthorization
	}
	return token, nil
}

// hasSchemeFold matches the scheme case-insensitively as RFC 7235 requires.
func hasSchemeFold(value []byte) bool {
	for i := 0; i < len(bearerScheme); i++ {
		c := value[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != bearerScheme[i] {
			return false
		}
	}
	return true
}

func readOnlyBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func readOnlyString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}
