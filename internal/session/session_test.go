package session

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"multisocks/internal/pool"
	"multisocks/internal/proxyspec"
	"multisocks/internal/socks"
)

// fakeUpstream runs one accepted connection through a minimal SOCKS5 server
// that always grants CONNECT and then echoes whatever it receives back to
// the caller, so the splice step has observable traffic in both directions.
func fakeUpstream(t *testing.T) (addr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeUpstream(conn)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func serveFakeUpstream(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	greeting := make([]byte, 2)
	if _, err := io.ReadFull(r, greeting); err != nil {
		return
	}
	methods := make([]byte, greeting[1])
	if _, err := io.ReadFull(r, methods); err != nil {
		return
	}
	if _, err := conn.Write([]byte{socks.Version5, socks.MethodNoAuth}); err != nil {
		return
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return
	}
	switch header[3] {
	case socks.ATYPIPv4:
		io.ReadFull(r, make([]byte, 4))
	case socks.ATYPDomain:
		lenByte := make([]byte, 1)
		io.ReadFull(r, lenByte)
		io.ReadFull(r, make([]byte, int(lenByte[0])))
	case socks.ATYPIPv6:
		io.ReadFull(r, make([]byte, 16))
	}
	io.ReadFull(r, make([]byte, 2)) // port

	conn.Write([]byte{socks.Version5, socks.Rep5Succeeded, 0x00, socks.ATYPIPv4, 0, 0, 0, 0, 0, 0})

	io.Copy(conn, r)
}

func singleProxyHandler(t *testing.T, addr string) *Handler {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("bad addr %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("bad port %q: %v", portStr, err)
	}
	descriptor := proxyspec.ProxyDescriptor{ID: 0, Scheme: proxyspec.SOCKS5, Host: host, Port: uint16(port), Weight: 1}
	p := pool.New([]proxyspec.ProxyDescriptor{descriptor}, 3)
	return NewHandler(p, 2*time.Second, 3)
}

// TestHandleSocks5ConnectSplices drives a full client->session->upstream
// round trip over SOCKS5 and checks that bytes written by the client arrive
// at the fake upstream's echo and come back.
func TestHandleSocks5ConnectSplices(t *testing.T) {
	upstreamAddr, closeUpstream := fakeUpstream(t)
	defer closeUpstream()

	h := singleProxyHandler(t, upstreamAddr)

	clientSide, serverSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		h.Handle(serverSide)
		close(done)
	}()

	// SOCKS5 greeting: no-auth.
	if _, err := clientSide.Write([]byte{socks.Version5, 1, socks.MethodNoAuth}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	sel := make([]byte, 2)
	if _, err := io.ReadFull(clientSide, sel); err != nil {
		t.Fatalf("read method selection: %v", err)
	}
	if sel[1] != socks.MethodNoAuth {
		t.Fatalf("expected no-auth selected, got %#x", sel[1])
	}

	// CONNECT to example.com:80 by domain name.
	req := []byte{socks.Version5, socks.CmdConnect, 0x00, socks.ATYPDomain, byte(len("example.com"))}
	req = append(req, []byte("example.com")...)
	req = binary.BigEndian.AppendUint16(req, 80)
	if _, err := clientSide.Write(req); err != nil {
		t.Fatalf("write connect request: %v", err)
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(clientSide, reply); err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if reply[1] != socks.Rep5Succeeded {
		t.Fatalf("expected success reply, got %#x", reply[1])
	}

	payload := []byte("hello upstream")
	if _, err := clientSide.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	echoed := make([]byte, len(payload))
	if _, err := io.ReadFull(clientSide, echoed); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(echoed) != string(payload) {
		t.Fatalf("expected echo %q, got %q", payload, echoed)
	}

	clientSide.Close()
	<-done
}

// TestHandleSocks4BindRejected exercises the CMD=BIND rejection case over
// SOCKS4: SOCKS4 has no command-not-supported code, so the reply carries
// CD=0x5B (request rejected) before the session closes.
func TestHandleSocks4BindRejected(t *testing.T) {
	h := singleProxyHandler(t, "127.0.0.1:1") // never dialed; BIND is rejected before acquiring upstream

	clientSide, serverSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		h.Handle(serverSide)
		close(done)
	}()

	req := []byte{socks.Version4, 0x02, 0x00, 0x50, 93, 184, 216, 34, 0x00}
	if _, err := clientSide.Write(req); err != nil {
		t.Fatalf("write bind request: %v", err)
	}

	reply := make([]byte, 8)
	if _, err := io.ReadFull(clientSide, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != socks.Cmd4Rejected {
		t.Fatalf("expected rejection 0x%02x, got 0x%02x", socks.Cmd4Rejected, reply[1])
	}

	clientSide.Close()
	<-done
}

// TestHandleUnrecognizedFirstByteClosesSilently covers spec.md §8's
// "Client sends 0x06 as first byte; expect session closed with zero bytes
// written back."
func TestHandleUnrecognizedFirstByteClosesSilently(t *testing.T) {
	h := singleProxyHandler(t, "127.0.0.1:1")

	clientSide, serverSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		h.Handle(serverSide)
		close(done)
	}()

	if _, err := clientSide.Write([]byte{0x06}); err != nil {
		t.Fatalf("write garbage byte: %v", err)
	}

	buf := make([]byte, 1)
	clientSide.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	n, err := clientSide.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("expected no bytes and a read error (closed), got n=%d err=%v", n, err)
	}

	clientSide.Close()
	<-done
}

// TestPickExcludingDoesNotRepeatTriedIDs checks that per-session retry
// exclusion picks a different id than one already tried, without touching
// global health state.
func TestPickExcludingDoesNotRepeatTriedIDs(t *testing.T) {
	descriptors := []proxyspec.ProxyDescriptor{
		{ID: 0, Scheme: proxyspec.SOCKS5, Host: "127.0.0.1", Port: 1, Weight: 1},
		{ID: 1, Scheme: proxyspec.SOCKS5, Host: "127.0.0.1", Port: 1, Weight: 1},
	}
	p := pool.New(descriptors, 3)
	h := NewHandler(p, time.Second, 3)

	tried := map[int]bool{0: true}
	id, err := h.pickExcluding(tried)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected id 1 to be picked, got %d", id)
	}

	snap := p.Snapshot()
	for _, s := range snap {
		if s.Health.ConsecutiveFailures != 0 || !s.Health.Alive {
			t.Fatalf("retry exclusion must not mutate global health, got %+v", s.Health)
		}
	}
}
