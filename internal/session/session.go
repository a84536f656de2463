// Package session drives one accepted client connection end to end
// (spec.md §4.4): downstream handshake, upstream acquisition with bounded
// retry, and the bidirectional splice.
package session

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"multisocks/internal/pool"
	"multisocks/internal/shared"
	"multisocks/internal/shared/logger"
	"multisocks/internal/socks"
	"multisocks/internal/socksclient"
)

// Handler holds everything a session needs to serve one connection; it is
// shared read-only across all concurrent sessions.
type Handler struct {
	Pool           *pool.Pool
	ConnectTimeout time.Duration
	MaxAttempts    int
}

func NewHandler(p *pool.Pool, connectTimeout time.Duration, maxAttempts int) *Handler {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Handler{Pool: p, ConnectTimeout: connectTimeout, MaxAttempts: maxAttempts}
}

// Handle runs the full session state machine for one accepted connection.
// It takes ownership of conn and closes it before returning.
func (h *Handler) Handle(conn net.Conn) {
	defer conn.Close()

	traceID := uuid.NewString()
	l := logger.WithComponent("session").With().Str("trace_id", traceID).Logger()

	defer func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic", r).Msg("session: recovered from panic")
		}
	}()

	reader := bufio.NewReader(conn)
	req, err := readClientRequest(conn, reader)
	if err != nil {
		l.Debug().Err(err).Msg("session: handshake failed")
		return
	}

	stream, chosenID, err := h.acquireUpstream(req.Target, &l)
	if err != nil {
		writeFailureReply(conn, req.Version)
		l.Debug().Err(err).Msg("session: no usable upstream")
		return
	}
	defer stream.Close()
	defer h.Pool.ReleaseInFlight(chosenID)

	if err := writeSuccessReply(conn, req.Version); err != nil {
		l.Debug().Err(err).Msg("session: failed to write success reply")
		return
	}

	var bytesUp, bytesDown atomic.Uint64
	// reader may still hold bytes the client sent past the handshake; read
	// through it, not conn directly, or those bytes are silently dropped.
	clientCounted := shared.NewCountedConnFrom(conn, reader, &bytesUp, &bytesDown)
	splice(clientCounted, stream, &l)

	l.Debug().
		Int("proxy_id", chosenID).
		Uint64("bytes_up", bytesUp.Load()).
		Uint64("bytes_down", bytesDown.Load()).
		Msg("session: finished")
}

// acquireUpstream implements spec.md §4.4 step 3: up to MaxAttempts
// distinct proxy picks, excluding ids this session has already tried.
func (h *Handler) acquireUpstream(target socks.Target, l *zerolog.Logger) (net.Conn, int, error) {
	tried := make(map[int]bool)

	for attempt := 0; attempt < h.MaxAttempts; attempt++ {
		id, err := h.pickExcluding(tried)
		if err != nil {
			return nil, -1, err
		}
		tried[id] = true

		h.Pool.AcquireInFlight(id)
		descriptor := h.Pool.Descriptor(id)
		deadline := time.Now().Add(h.ConnectTimeout)

		start := time.Now()
		stream, err := socksclient.ConnectVia(descriptor, target, deadline)
		if err != nil {
			h.Pool.ReleaseInFlight(id)
			outcome := pool.OutcomeTransportFailure
			if ce, ok := err.(*socksclient.Error); ok && (ce.Kind == socksclient.KindUpstreamRejected || ce.Kind == socksclient.KindAuthFailed) {
				outcome = pool.OutcomeHandshakeFailure
			}
			h.Pool.ReportOutcome(id, outcome, 0)
			l.Debug().Int("proxy_id", id).Err(err).Msg("session: upstream attempt failed")
			continue
		}

		h.Pool.ReportOutcome(id, pool.OutcomeSuccess, time.Since(start))
		return stream, id, nil
	}

	return nil, -1, fmt.Errorf("session: exhausted %d attempts", h.MaxAttempts)
}

// pickExcluding asks the pool for a proxy not already tried this session.
// Retry exclusions are per-session state, never global health (spec.md §4.4).
func (h *Handler) pickExcluding(tried map[int]bool) (int, error) {
	for i := 0; i <= h.Pool.Len(); i++ {
		id, err := h.Pool.Pick()
		if err != nil {
			return -1, err
		}
		if !tried[id] {
			return id, nil
		}
	}
	return -1, pool.ErrNoHealthyProxy
}

// splice copies bytes in both directions until either side closes, then
// propagates the close by shutting down the write half of the opposite
// peer (spec.md §4.4 step 5, §9 "Cancellation of splice"). If the
// client-to-upstream copy ends with an error (for example because the
// listener force-closed the client connection), the upstream connection is
// closed outright so the upstream-to-client copy unblocks as well. A panic
// in either copy goroutine is recovered and logged.
func splice(client, upstream net.Conn, l *zerolog.Logger) {
	var wg sync.WaitGroup
	wg.Add(2)

	recoverCopy := func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic", r).Msg("session: recovered from panic in splice")
		}
	}

	go func() {
		defer wg.Done()
		defer recoverCopy()
		if _, err := io.Copy(upstream, client); err != nil {
			upstream.Close()
			return
		}
		closeWrite(upstream)
	}()
	go func() {
		defer wg.Done()
		defer recoverCopy()
		io.Copy(client, upstream)
		closeWrite(client)
	}()

	wg.Wait()
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}
