// Package boxlistener accepts the controller's TCP connection, frames and
// parses incoming data, and decides per-frame whether to forward it to
// the cloud or synthesize a local reply. Each connection runs its own
// loop with idle-deadline reads, panic recovery, and WaitGroup-tracked
// graceful shutdown.
package boxlistener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/oig-proxy/internal/errs"
	"github.com/marmos91/oig-proxy/internal/frame"
	"github.com/marmos91/oig-proxy/internal/hybrid"
	"github.com/marmos91/oig-proxy/internal/logger"
	"github.com/marmos91/oig-proxy/internal/parser"
	"github.com/marmos91/oig-proxy/internal/synth"
	"github.com/marmos91/oig-proxy/internal/telemetry"
)

// CloudForwarder sends a parsed frame's raw bytes to the cloud and
// returns its ack bytes. Implemented by *cloudsession.Session.
type CloudForwarder interface {
	SendAndReadAck(ctx context.Context, payload []byte, ackTimeout time.Duration) ([]byte, error)
}

// RecordObserver receives every successfully parsed frame, regardless of
// forward/synthesize outcome — the control pipeline, the PRMS/MODE
// persistence, and the bus-publish pipeline all hang off this.
type RecordObserver interface {
	ObserveRecord(connID string, rec parser.Record, rawInner string)
}

// Config controls per-connection timeouts.
type Config struct {
	IdleTimeout time.Duration
	AckTimeout  time.Duration
}

// Listener accepts BOX connections on a configured address.
type Listener struct {
	addr     string
	cfg      Config
	cloud    CloudForwarder
	hybrid   *hybrid.Machine
	observer RecordObserver

	nextConnID atomic.Uint64

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup

	stateMu     sync.Mutex
	currentConn net.Conn
	connectedAt time.Time
	lastFrameAt time.Time
	deviceID    string
}

// New constructs a Listener bound to addr ("host:port").
func New(addr string, cfg Config, cloud CloudForwarder, machine *hybrid.Machine, observer RecordObserver) *Listener {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	return &Listener{addr: addr, cfg: cfg, cloud: cloud, hybrid: machine, observer: observer}
}

// Serve accepts connections until ctx is cancelled, running each on its
// own goroutine. It returns once the listener is closed and all
// in-flight connections have drained.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("boxlistener: listen %s: %w", l.addr, err)
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	logger.InfoCtx(ctx, "box listener accepting connections", logger.Source(l.addr))

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		if l.listener != nil {
			_ = l.listener.Close()
		}
		l.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				l.wg.Wait()
				return nil
			default:
				logger.WarnCtx(ctx, "accept failed", logger.Err(err))
				continue
			}
		}

		connID := fmt.Sprintf("conn-%d", l.nextConnID.Add(1))
		l.wg.Add(1)
		go func(c net.Conn, id string) {
			defer l.wg.Done()
			l.handleConnection(ctx, c, id)
		}(conn, connID)
	}
}

// Close closes the underlying listener; used by tests that don't drive a
// full ctx-cancellation shutdown.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Close()
}

func (l *Listener) handleConnection(ctx context.Context, conn net.Conn, connID string) {
	l.stateMu.Lock()
	l.currentConn = conn
	l.connectedAt = time.Now()
	l.stateMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCtx(ctx, "panic in box connection handler", logger.ConnID(connID), logger.ErrorCode(fmt.Sprint(r)))
		}
		_ = conn.Close()
		l.stateMu.Lock()
		if l.currentConn == conn {
			l.currentConn = nil
		}
		l.stateMu.Unlock()
		logger.InfoCtx(ctx, "box connection closed", logger.ConnID(connID))
	}()

	lc := logger.NewLogContext(connID)
	ctx = logger.WithContext(ctx, lc)

	logger.InfoCtx(ctx, "box connection accepted", logger.ConnAddr(conn.RemoteAddr().String()))

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(l.cfg.IdleTimeout)); err != nil {
			return
		}

		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			buf = l.drainFrames(ctx, conn, connID, buf)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.InfoCtx(ctx, "box connection idle timeout")
				return
			}
			logger.InfoCtx(ctx, "box connection closed by peer", logger.Err(err))
			return
		}
	}
}

// drainFrames extracts and handles every complete frame currently in buf,
// returning the unconsumed remainder.
func (l *Listener) drainFrames(ctx context.Context, conn net.Conn, connID string, buf []byte) []byte {
	for {
		frameBytes, rest, ok := frame.ExtractOneFrame(buf)
		if !ok {
			return buf
		}
		buf = rest
		l.handleFrame(ctx, conn, connID, frameBytes)
	}
}

func (l *Listener) handleFrame(ctx context.Context, conn net.Conn, connID string, frameBytes []byte) {
	ctx, span := telemetry.StartSpan(ctx, "box.frame")
	defer span.End()

	computed, err := frame.FrameCRC(frameBytes)
	if err != nil {
		logger.WarnCtx(ctx, "frame crc extraction failed", logger.Err(err))
		return
	}
	if embedded, ok := frame.EmbeddedCRC(frameBytes); ok && embedded != computed {
		logger.WarnCtx(ctx, "frame crc mismatch, dropping", logger.ErrorCode(errs.ErrCRCMismatch.String()))
		return
	}

	rec, ok := parser.ParseFrame(frameBytes)
	if !ok {
		return // inactive subframe replica, dropped silently
	}

	l.stateMu.Lock()
	l.lastFrameAt = time.Now()
	if rec.DeviceID != "" {
		l.deviceID = rec.DeviceID
	}
	l.stateMu.Unlock()

	if l.observer != nil {
		l.observer.ObserveRecord(connID, rec, string(frameBytes))
	}

	if synth.SuppressReplay(rec.Table, string(frameBytes)) {
		return
	}

	var reply []byte
	if l.hybrid.ShouldTryCloud() {
		ack, err := l.cloud.SendAndReadAck(ctx, appendCRLF(frameBytes), l.cfg.AckTimeout)
		if err != nil {
			l.hybrid.RecordFailure(errs.CodeOf(err).String())
			logger.WarnCtx(ctx, "cloud forward failed, synthesizing locally", logger.Err(err))
			reply = synth.BuildReply(rec.Table)
		} else {
			l.hybrid.RecordSuccess()
			reply = ack
		}
	} else {
		reply = synth.BuildReply(rec.Table)
	}

	if _, err := conn.Write(reply); err != nil {
		logger.WarnCtx(ctx, "writing reply to box failed", logger.Err(err))
	}
}

func appendCRLF(frameBytes []byte) []byte {
	out := make([]byte, len(frameBytes), len(frameBytes)+2)
	copy(out, frameBytes)
	return append(out, '\r', '\n')
}

// WriteSetting writes a Setting frame to the currently connected BOX.
// Returns an error if no BOX connection is currently active — the
// control pipeline treats this as send_failed.
func (l *Listener) WriteSetting(frameBytes []byte) error {
	l.stateMu.Lock()
	conn := l.currentConn
	l.stateMu.Unlock()
	if conn == nil {
		return errs.New(errs.ErrBoxNotConnected, "no active box connection")
	}
	_, err := conn.Write(appendCRLF(frameBytes))
	return err
}

// BoxConnected reports whether a BOX connection is currently active.
func (l *Listener) BoxConnected() bool {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.currentConn != nil
}

// BoxConnectedFor returns how long the current BOX connection has been
// up, or ok=false if no connection is active.
func (l *Listener) BoxConnectedFor() (time.Duration, bool) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.currentConn == nil {
		return 0, false
	}
	return time.Since(l.connectedAt), true
}

// DataFreshFor returns how long ago the last frame was observed, or
// ok=false if no frame has ever been observed.
func (l *Listener) DataFreshFor() (time.Duration, bool) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.lastFrameAt.IsZero() {
		return 0, false
	}
	return time.Since(l.lastFrameAt), true
}

// DeviceIDKnown returns the most recently observed device id, or
// ok=false if none has been observed yet.
func (l *Listener) DeviceIDKnown() (string, bool) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.deviceID == "" {
		return "", false
	}
	return l.deviceID, true
}
