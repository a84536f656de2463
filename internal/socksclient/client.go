// Package socksclient implements the upstream side of the SOCKS handshake:
// dialing one proxy and asking it to CONNECT to a target on our behalf.
package socksclient

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"multisocks/internal/proxyspec"
	"multisocks/internal/socks"
)

// Kind distinguishes handshake-level failures from transport-level ones so
// the pool and session can decide what counts as what (spec.md §4.3, §7).
type Kind int

const (
	KindTransport Kind = iota
	KindTimeout
	KindUpstreamRejected
	KindAuthFailed
	KindNoAcceptableAuth
	KindLocalDNS
)

// Error is the typed failure ConnectVia returns.
type Error struct {
	Kind Kind
	Code byte // upstream-reported code, when applicable
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("socksclient: %v", e.Err)
	}
	return fmt.Sprintf("socksclient: kind=%d code=%#x", e.Kind, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func transportErr(err error) *Error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindTransport, Err: err}
}

// ConnectVia dials descriptor's address, performs the SOCKS handshake
// requesting target, and returns the live upstream connection ready for
// splicing. On any failure the connection is closed and a typed *Error
// is returned.
func ConnectVia(descriptor proxyspec.ProxyDescriptor, target socks.Target, deadline time.Time) (net.Conn, error) {
	addr := net.JoinHostPort(descriptor.Host, fmt.Sprintf("%d", descriptor.Port))
	dialer := net.Dialer{}
	timeout := time.Until(deadline)
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	dialer.Timeout = timeout

	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, transportErr(err)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, transportErr(err)
	}

	switch descriptor.Scheme {
	case proxyspec.SOCKS4:
		err = handshake4(conn, target, false)
	case proxyspec.SOCKS4A:
		err = handshake4(conn, target, true)
	case proxyspec.SOCKS5:
		err = handshake5(conn, descriptor, target, false)
	case proxyspec.SOCKS5H:
		err = handshake5(conn, descriptor, target, true)
	default:
		conn.Close()
		return nil, &Error{Kind: KindTransport, Err: fmt.Errorf("unknown scheme %v", descriptor.Scheme)}
	}
	if err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetDeadline(time.Time{})
	return conn, nil
}

// handshake4 implements SOCKS4/SOCKS4a (spec.md §4.2).
func handshake4(conn net.Conn, target socks.Target, allowNameResolution bool) error {
	var ip4 [4]byte
	var hostname string

	switch h := target.Host.(type) {
	case socks.HostV4:
		ip4 = h
	case socks.HostV6:
		return &Error{Kind: KindTransport, Err: fmt.Errorf("socks4 cannot address an IPv6 target")}
	case socks.HostName:
		if !allowNameResolution {
			addrs, err := net.LookupIP(string(h))
			if err != nil {
				return &Error{Kind: KindLocalDNS, Err: err}
			}
			v4 := addrs[0].To4()
			if v4 == nil {
				return &Error{Kind: KindLocalDNS, Err: fmt.Errorf("no IPv4 address for %s", h)}
			}
			copy(ip4[:], v4)
		} else {
			// SOCKS4a: signal "resolve on the proxy side" with 0.0.0.x (x != 0).
			ip4 = [4]byte{0, 0, 0, 1}
			hostname = string(h)
		}
	}

	req := []byte{socks.Version4, 0x01}
	req = binary.BigEndian.AppendUint16(req, target.Port)
	req = append(req, ip4[:]...)
	req = append(req, 0x00) // USERID, empty
	if hostname != "" {
		req = append(req, []byte(hostname)...)
		req = append(req, 0x00)
	}

	if _, err := conn.Write(req); err != nil {
		return transportErr(err)
	}

	reply := make([]byte, 8)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return transportErr(err)
	}
	if reply[1] != socks.Cmd4Granted {
		return &Error{Kind: KindUpstreamRejected, Code: reply[1]}
	}
	return nil
}

// handshake5 implements SOCKS5/SOCKS5h (spec.md §4.2).
func handshake5(conn net.Conn, descriptor proxyspec.ProxyDescriptor, target socks.Target, resolveRemotely bool) error {
	methods := []byte{socks.MethodNoAuth}
	if descriptor.Credentials != nil {
		methods = []byte{socks.MethodNoAuth, socks.MethodUserPass}
	}
	greeting := append([]byte{socks.Version5, byte(len(methods))}, methods...)
	if _, err := conn.Write(greeting); err != nil {
		return transportErr(err)
	}

	sel := make([]byte, 2)
	if _, err := io.ReadFull(conn, sel); err != nil {
		return transportErr(err)
	}
	switch sel[1] {
	case socks.MethodNoAuth:
	case socks.MethodUserPass:
		if err := authenticate(conn, descriptor.Credentials); err != nil {
			return err
		}
	case socks.MethodNoAcceptable:
		return &Error{Kind: KindNoAcceptableAuth}
	default:
		return &Error{Kind: KindNoAcceptableAuth, Code: sel[1]}
	}

	req := []byte{socks.Version5, socks.CmdConnect, 0x00}
	switch h := target.Host.(type) {
	case socks.HostV4:
		req = append(req, socks.ATYPIPv4)
		req = append(req, h[:]...)
	case socks.HostV6:
		// A bracketed IPv6 literal is never sent as a name; always ATYP=0x04,
		// for both SOCKS5 and SOCKS5h.
		req = append(req, socks.ATYPIPv6)
		req = append(req, h[:]...)
	case socks.HostName:
		if resolveRemotely {
			req = append(req, socks.ATYPDomain, byte(len(h)))
			req = append(req, []byte(h)...)
		} else {
			addrs, err := net.LookupIP(string(h))
			if err != nil {
				return &Error{Kind: KindLocalDNS, Err: err}
			}
			if v4 := addrs[0].To4(); v4 != nil {
				req = append(req, socks.ATYPIPv4)
				req = append(req, v4...)
			} else {
				req = append(req, socks.ATYPIPv6)
				req = append(req, addrs[0].To16()...)
			}
		}
	}
	req = binary.BigEndian.AppendUint16(req, target.Port)

	if _, err := conn.Write(req); err != nil {
		return transportErr(err)
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return transportErr(err)
	}
	if header[1] != socks.Rep5Succeeded {
		return &Error{Kind: KindUpstreamRejected, Code: header[1]}
	}

	// Consume the bound-address field per ATYP before returning the stream.
	switch header[3] {
	case socks.ATYPIPv4:
		if _, err := io.ReadFull(conn, make([]byte, 4+2)); err != nil {
			return transportErr(err)
		}
	case socks.ATYPIPv6:
		if _, err := io.ReadFull(conn, make([]byte, 16+2)); err != nil {
			return transportErr(err)
		}
	case socks.ATYPDomain:
		lenByte := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenByte); err != nil {
			return transportErr(err)
		}
		if _, err := io.ReadFull(conn, make([]byte, int(lenByte[0])+2)); err != nil {
			return transportErr(err)
		}
	default:
		return &Error{Kind: KindTransport, Err: fmt.Errorf("unknown bound address type %#x", header[3])}
	}

	return nil
}

func authenticate(conn net.Conn, creds *proxyspec.Credentials) error {
	if creds == nil {
		return &Error{Kind: KindAuthFailed, Err: fmt.Errorf("upstream requires credentials, none configured")}
	}
	req := []byte{0x01, byte(len(creds.Username))}
	req = append(req, []byte(creds.Username)...)
	req = append(req, byte(len(creds.Password)))
	req = append(req, []byte(creds.Password)...)
	if _, err := conn.Write(req); err != nil {
		return transportErr(err)
	}
	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return transportErr(err)
	}
	if resp[1] != 0x00 {
		return &Error{Kind: KindAuthFailed, Code: resp[1]}
	}
	return nil
}
