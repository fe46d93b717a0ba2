package transport

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// ShareCode is the parsed form of a pool share code (spec §4.5, §6):
// a copy-pasteable token encoding everything a new worker needs to
// locate and authenticate with a pool.
type ShareCode struct {
	Host   string
	Port   int
	Secret string
}

// MakeShareCode encodes (host, port, secret) as base64("collective:host:port:secret").
func MakeShareCode(host string, port int, secret string) string {
	payload := fmt.Sprintf("collective:%s:%d:%s", host, port, secret)
	return base64.StdEncoding.EncodeToString([]byte(payload))
}

// ParseShareCode decodes a share code produced by MakeShareCode. It returns
// ok=false, rather than an error, for any input that does not decode to a
// payload beginning with "collective:" — per spec §6 ("returns nothing
// otherwise").
func ParseShareCode(code string) (sc ShareCode, ok bool) {
	decoded, err := base64.StdEncoding.DecodeString(code)
	if err != nil {
		return ShareCode{}, false
	}
	const prefix = "collective:"
	payload := string(decoded)
	if !strings.HasPrefix(payload, prefix) {
		return ShareCode{}, false
	}
	rest := strings.TrimPrefix(payload, prefix)
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 {
		return ShareCode{}, false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return ShareCode{}, false
	}
	return ShareCode{Host: parts[0], Port: port, Secret: parts[2]}, true
}
