package collector

import (
	"context"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func listenUnix(t *testing.T) (net.Listener, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bus.sock")
	lis, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })
	return lis, path
}

func TestDecodeChunk(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want string
	}{
		{name: "plain", raw: []byte("s:log:PM2"), want: "s:log:PM2"},
		{name: "nul padded", raw: []byte("\x00\x00abc\x00\x00\x00"), want: "abc"},
		{name: "invalid utf8", raw: []byte("a\xffb"), want: "a\uFFFDb"},
		{name: "only nul", raw: make([]byte, 16), want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeChunk(tt.raw))
		})
	}
}

func TestNewFailsWithoutSocket(t *testing.T) {
	_, err := New(context.Background(), Config{SocketPath: filepath.Join(t.TempDir(), "missing.sock")}, zap.NewNop().Sugar())
	require.Error(t, err)
}

func TestRunDeliversChunksAndStopsOnCancel(t *testing.T) {
	lis, path := listenUnix(t)

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := lis.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	var states []bool
	c, err := New(context.Background(), Config{
		SocketPath:    path,
		OnStateChange: func(connected bool) { states = append(states, connected) },
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer c.Close()

	server := <-accepted
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	chunks := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, func(chunk string) { chunks <- chunk })
	}()

	_, err = server.Write([]byte("s:process:event\x00\x00\x00"))
	require.NoError(t, err)

	select {
	case got := <-chunks:
		assert.Equal(t, "s:process:event", got)
	case <-time.After(2 * time.Second):
		t.Fatal("chunk not delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, []bool{true}, states)
}

func TestRunReconnectsAfterDisconnect(t *testing.T) {
	lis, path := listenUnix(t)

	conns := make(chan net.Conn, 2)
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			conns <- conn
		}
	}()

	var reconnects atomic.Int32
	c, err := New(context.Background(), Config{
		SocketPath:   path,
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
		OnReconnect:  func() { reconnects.Add(1) },
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chunks := make(chan string, 4)
	go func() {
		_ = c.Run(ctx, func(chunk string) { chunks <- chunk })
	}()

	first := <-conns
	_, err = first.Write([]byte("first"))
	require.NoError(t, err)
	assert.Equal(t, "first", <-chunks)
	first.Close()

	var second net.Conn
	select {
	case second = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not reconnect")
	}
	defer second.Close()

	_, err = second.Write([]byte("second"))
	require.NoError(t, err)

	select {
	case got := <-chunks:
		assert.Equal(t, "second", got)
	case <-time.After(2 * time.Second):
		t.Fatal("chunk after reconnect not delivered")
	}
	assert.Equal(t, int32(1), reconnects.Load())
}

func TestRunReturnsAfterClose(t *testing.T) {
	lis, path := listenUnix(t)
	go func() {
		conn, err := lis.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(2 * time.Second)
		}
	}()

	c, err := New(context.Background(), Config{SocketPath: path}, zap.NewNop().Sugar())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- c.Run(context.Background(), func(string) {})
	}()

	time.Sleep(50 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestRunReconnectsAfterIdleTimeouts(t *testing.T) {
	lis, path := listenUnix(t)

	conns := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			conns <- conn
		}
	}()

	var reconnects atomic.Int32
	c, err := New(context.Background(), Config{
		SocketPath:           path,
		ReconnectMin:         10 * time.Millisecond,
		ReconnectMax:         20 * time.Millisecond,
		MaxConsecutiveErrors: 3,
		ReadTimeout:          20 * time.Millisecond,
		OnReconnect:          func() { reconnects.Add(1) },
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer c.Close()

	first := <-conns
	defer first.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = c.Run(ctx, func(string) {})
	}()

	select {
	case second := <-conns:
		defer second.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not reconnect after idle reads")
	}
	assert.Eventually(t, func() bool { return reconnects.Load() >= 1 }, time.Second, 10*time.Millisecond)
}

func TestRunKeepsConnectionBelowErrorLimit(t *testing.T) {
	lis, path := listenUnix(t)

	conns := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			conns <- conn
		}
	}()

	c, err := New(context.Background(), Config{
		SocketPath:           path,
		MaxConsecutiveErrors: 1000,
		ReadTimeout:          10 * time.Millisecond,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer c.Close()

	server := <-conns
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	chunks := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, func(chunk string) { chunks <- chunk })
	}()

	time.Sleep(100 * time.Millisecond)
	_, err = server.Write([]byte("after idle"))
	require.NoError(t, err)

	select {
	case got := <-chunks:
		assert.Equal(t, "after idle", got)
	case <-time.After(2 * time.Second):
		t.Fatal("chunk not delivered on the original connection")
	}
	assert.Empty(t, conns)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
