// Package cloudsession manages a single persistent TCP connection to the
// vendor cloud endpoint, independent of any BOX connection. It serializes
// request/response traffic to one in-flight frame at a time and reconnects
// with exponential backoff. Connection-state mutation and the serialized
// send-then-read path are guarded by separate locks.
package cloudsession

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/marmos91/oig-proxy/internal/errs"
	"github.com/marmos91/oig-proxy/internal/logger"
	"github.com/marmos91/oig-proxy/internal/telemetry"
)

// Stats counts lifetime session events, surfaced in the proxy status
// snapshot.
type Stats struct {
	Connects    uint64
	Disconnects uint64
	Errors      uint64
	Timeouts    uint64
}

// Config holds connection and retry parameters.
type Config struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
	MinReconnect   time.Duration
	MaxReconnect   time.Duration
	AckMaxBytes    int
}

// Session owns one TCP connection to the cloud endpoint. connMu guards
// connection identity and backoff state; ioMu serializes the
// send-then-read-ack path so only one frame is ever in flight. connMu is
// held across the backoff wait and the dial in ensureConnected, but never
// across the send/read-ack I/O; ioMu takes connMu only inside
// ensureConnected and for a brief read of conn, and connMu is never held
// while acquiring ioMu, so the two never deadlock against each other.
type Session struct {
	cfg Config

	connMu             sync.Mutex
	conn               net.Conn
	backoff            time.Duration
	lastConnectAttempt time.Time

	ioMu sync.Mutex

	statsMu sync.Mutex
	stats   Stats
}

// New constructs a Session, applying defaults for unset timeouts.
func New(cfg Config) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.MinReconnect <= 0 {
		cfg.MinReconnect = 500 * time.Millisecond
	}
	if cfg.MaxReconnect <= 0 {
		cfg.MaxReconnect = 10 * time.Second
	}
	if cfg.AckMaxBytes <= 0 {
		cfg.AckMaxBytes = 4096
	}
	return &Session{cfg: cfg, backoff: cfg.MinReconnect}
}

// Stats returns a snapshot of lifetime counters.
func (s *Session) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// IsConnected reports whether a connection is currently open.
func (s *Session) IsConnected() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn != nil
}

// Close idempotently tears down any open connection.
func (s *Session) Close() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// ensureConnected returns immediately if already connected; otherwise it
// dials with a timeout, enforcing a minimum spacing equal to the current
// backoff since the last attempt. Success resets backoff to the configured
// minimum and bumps Connects; failure doubles backoff (capped) and bumps
// Errors.
func (s *Session) ensureConnected(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn != nil {
		return nil
	}

	if since := time.Since(s.lastConnectAttempt); since < s.backoff {
		wait := s.backoff - since
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	s.lastConnectAttempt = time.Now()

	dialer := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		s.statsMu.Lock()
		s.stats.Errors++
		s.statsMu.Unlock()
		s.backoff *= 2
		if s.backoff > s.cfg.MaxReconnect {
			s.backoff = s.cfg.MaxReconnect
		}
		return errs.Newf(errs.ErrCloudConnectFailed, "dial %s: %v", addr, err)
	}

	s.conn = conn
	s.backoff = s.cfg.MinReconnect
	s.statsMu.Lock()
	s.stats.Connects++
	s.statsMu.Unlock()
	logger.InfoCtx(ctx, "cloud connected", logger.CloudHost(s.cfg.Host), logger.CloudPort(s.cfg.Port))
	return nil
}

// SendAndReadAck serializes all cloud I/O to a single in-flight frame: it
// ensures a connection, writes payload, then reads until a complete
// "</Frame>" marker is seen or ackMaxBytes is exceeded. EOF before any byte
// arrives closes the connection and returns ErrCloudEOF; a read timeout
// returns ErrCloudTimeout; any other I/O failure returns ErrCloudError —
// all three close the connection first.
func (s *Session) SendAndReadAck(ctx context.Context, payload []byte, ackTimeout time.Duration) ([]byte, error) {
	ctx, span := telemetry.StartSpan(ctx, "cloud.send_and_read_ack")
	defer span.End()

	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if err := s.ensureConnected(ctx); err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return nil, errs.New(errs.ErrCloudConnectFailed, "no connection after ensure_connected")
	}

	if _, err := conn.Write(payload); err != nil {
		return nil, s.failAndClose(errs.ErrCloudError, "write: %v", err)
	}

	deadline := time.Now().Add(ackTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, s.failAndClose(errs.ErrCloudError, "set read deadline: %v", err)
	}

	buf := make([]byte, 0, 512)
	chunk := make([]byte, 512)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if bytes.Contains(buf, []byte("</Frame>")) {
				return buf, nil
			}
			if len(buf) > s.cfg.AckMaxBytes {
				return nil, s.failAndClose(errs.ErrCloudError, "ack exceeded %d bytes without a complete frame", s.cfg.AckMaxBytes)
			}
		}
		if err != nil {
			if err.Error() == "EOF" && len(buf) == 0 {
				s.statsMu.Lock()
				s.stats.Disconnects++
				s.statsMu.Unlock()
				s.Close()
				return nil, errs.New(errs.ErrCloudEOF, "cloud connection closed before any ack bytes")
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, s.failAndClose(errs.ErrCloudTimeout, "ack read timed out")
			}
			return nil, s.failAndClose(errs.ErrCloudError, "read: %v", err)
		}
	}
}

func (s *Session) failAndClose(code errs.Code, format string, args ...any) error {
	switch code {
	case errs.ErrCloudTimeout:
		s.statsMu.Lock()
		s.stats.Timeouts++
		s.statsMu.Unlock()
	default:
		s.statsMu.Lock()
		s.stats.Errors++
		s.statsMu.Unlock()
	}
	s.Close()
	return errs.Newf(code, format, args...)
}
