package boxlistener

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/oig-proxy/internal/frame"
	"github.com/marmos91/oig-proxy/internal/hybrid"
	"github.com/marmos91/oig-proxy/internal/parser"
)

type fakeCloud struct {
	mu       sync.Mutex
	response []byte
	failWith error
}

func (f *fakeCloud) SendAndReadAck(ctx context.Context, payload []byte, ackTimeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	return f.response, nil
}

type recordingObserver struct {
	mu      sync.Mutex
	records []parser.Record
}

func (o *recordingObserver) ObserveRecord(connID string, rec parser.Record, rawInner string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records = append(o.records, rec)
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.records)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestListenerForwardsOnlineAndEchoesAck(t *testing.T) {
	addr := freeAddr(t)
	cloud := &fakeCloud{response: frame.BuildFrame("<Result>ACK</Result>", true)}
	machine := hybrid.New(hybrid.Config{Mode: hybrid.ModeOnline})
	observer := &recordingObserver{}

	l := New(addr, Config{IdleTimeout: 500 * time.Millisecond}, cloud, machine, observer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(frame.BuildFrame("<TblName>tbl_actual</TblName><ID_Device>1</ID_Device><X>1</X>", true))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "<Result>ACK</Result>")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, observer.count())
}

func TestListenerSynthesizesWhenOffline(t *testing.T) {
	addr := freeAddr(t)
	cloud := &fakeCloud{}
	machine := hybrid.New(hybrid.Config{Mode: hybrid.ModeOffline})

	l := New(addr, Config{IdleTimeout: 500 * time.Millisecond}, cloud, machine, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(frame.BuildFrame("<TblName>tbl_actual</TblName><X>1</X>", true))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	response := string(buf[:n])
	assert.True(t, strings.Contains(response, "<Result>ACK</Result><ToDo>GetActual</ToDo>"))
}

func TestListenerRecordsFailureOnCloudError(t *testing.T) {
	addr := freeAddr(t)
	cloud := &fakeCloud{failWith: assertError("boom")}
	machine := hybrid.New(hybrid.Config{Mode: hybrid.ModeHybrid, FailThreshold: 1, RetryInterval: time.Hour})

	l := New(addr, Config{IdleTimeout: 500 * time.Millisecond}, cloud, machine, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(frame.BuildFrame("<TblName>tbl_actual</TblName><X>1</X>", true))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "<Result>ACK</Result>")

	time.Sleep(20 * time.Millisecond)
	assert.True(t, machine.State().InOffline)
}

type assertError string

func (e assertError) Error() string { return string(e) }
