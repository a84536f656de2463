package shared

import (
	"io"
	"net"
	"sync/atomic"
)

// CountedConn wraps a net.Conn, atomically counting bytes read (uplink)
// and written (downlink) through it. Reads are satisfied from source, which
// defaults to the wrapped conn itself but can be overridden to a buffered
// reader that already has bytes staged from an earlier handshake parse.
type CountedConn struct {
	net.Conn
	source   io.Reader
	uplink   *atomic.Uint64
	downlink *atomic.Uint64
}

// NewCountedConn wraps conn, accumulating into the given counters.
func NewCountedConn(conn net.Conn, uplink, downlink *atomic.Uint64) *CountedConn {
	return NewCountedConnFrom(conn, conn, uplink, downlink)
}

// NewCountedConnFrom wraps conn for writes/close while reading from source
// instead of conn directly. Use this when conn was already handed to a
// bufio.Reader (or similar) upstream: reading from conn afterward would
// skip over bytes the reader has already buffered.
func NewCountedConnFrom(conn net.Conn, source io.Reader, uplink, downlink *atomic.Uint64) *CountedConn {
	return &CountedConn{
		Conn:     conn,
		source:   source,
		uplink:   uplink,
		downlink: downlink,
	}
}

func (c *CountedConn) Read(b []byte) (int, error) {
	n, err := c.source.Read(b)
	if n > 0 {
		c.uplink.Add(uint64(n))
	}
	return n, err
}

func (c *CountedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.downlink.Add(uint64(n))
	}
	return n, err
}

// CloseWrite forwards the half-close to the wrapped conn when it supports
// one, so splicing through a CountedConn still propagates TCP half-close.
func (c *CountedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
