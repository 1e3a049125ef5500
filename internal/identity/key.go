package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
)

// Hash returns the rate-limiting identity for a source address: the
// hex-encoded SHA-256 of the address. The raw address never leaves this
// function.
// A port suffix is stripped first so that a client does not get a fresh
// identity per connection.
func Hash(sourceAddr string) string {
	sum := sha256.Sum256([]byte(Host(sourceAddr)))
	return hex.EncodeToString(sum[:])
}

// Host strips an optional port and IPv6 brackets from addr.
func Host(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}
