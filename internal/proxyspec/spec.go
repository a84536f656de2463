// Package proxyspec parses and renders upstream proxy descriptors of the
// form scheme://[user:pass@]host:port[/weight].
package proxyspec

import (
	"fmt"
	"net/url"
)

// Scheme identifies which SOCKS handshake variant a descriptor speaks.
type Scheme int

const (
	SOCKS4 Scheme = iota
	SOCKS4A
	SOCKS5
	SOCKS5H
)

func (s Scheme) String() string {
	switch s {
	case SOCKS4:
		return "socks4"
	case SOCKS4A:
		return "socks4a"
	case SOCKS5:
		return "socks5"
	case SOCKS5H:
		return "socks5h"
	default:
		return "unknown"
	}
}

// ProtocolVersion returns the SOCKS protocol version number the scheme speaks.
func (s Scheme) ProtocolVersion() int {
	if s == SOCKS4 || s == SOCKS4A {
		return 4
	}
	return 5
}

// Credentials is a SOCKS5 username/password pair. Only meaningful for
// SOCKS5/SOCKS5H descriptors.
type Credentials struct {
	Username string
	Password string
}

// ProxyDescriptor is an immutable, parsed upstream proxy reference.
// ID is a stable index assigned by the caller of Parse at load time
// (ParseAll numbers descriptors sequentially from 0).
type ProxyDescriptor struct {
	ID          int
	Scheme      Scheme
	Host        string
	Port        uint16
	Credentials *Credentials // nil if absent
	Weight      int          // positive, default 1
}

// String renders the canonical form: scheme://[user:pass@]host:port[/weight],
// omitting the weight suffix when it is 1 and the userinfo when absent.
// Username and password are percent-encoded so that Parse decodes them back
// to the same values.
func (d ProxyDescriptor) String() string {
	auth := ""
	if d.Credentials != nil {
		auth = fmt.Sprintf("%s:%s@", url.QueryEscape(d.Credentials.Username), url.QueryEscape(d.Credentials.Password))
	}
	weight := ""
	if d.Weight != 1 {
		weight = fmt.Sprintf("/%d", d.Weight)
	}
	return fmt.Sprintf("%s://%s%s:%d%s", d.Scheme, auth, d.Host, d.Port, weight)
}

// InvalidProxySpecError reports a parse-time failure for one descriptor.
// It is never fatal for the whole list by itself — the caller decides.
type InvalidProxySpecError struct {
	Input  string
	Reason string
}

func (e *InvalidProxySpecError) Error() string {
	return fmt.Sprintf("invalid proxy spec %q: %s", e.Input, e.Reason)
}
