package collector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBufferSize   = 6192
	defaultReconnectMin = 200 * time.Millisecond
	defaultReconnectMax = 30 * time.Second
	defaultMaxErrors    = 10
)

type Config struct {
	SocketPath           string
	BufferSize           int
	ReconnectMin         time.Duration
	ReconnectMax         time.Duration
	MaxConsecutiveErrors int

	// ReadTimeout bounds each read. A read that times out counts toward
	// MaxConsecutiveErrors, so a bus silent for ReadTimeout times
	// MaxConsecutiveErrors is reconnected. Zero disables the deadline.
	ReadTimeout time.Duration

	// OnStateChange, when set, is called with true after every successful
	// connect and false after every disconnect.
	OnStateChange func(connected bool)

	// OnReconnect, when set, is called after a dropped connection is
	// re-established.
	OnReconnect func()
}

// Collector reads chunks from the PM2 bus socket. Reads are handed to the
// handler one at a time, in order, on the goroutine that called Run.
type Collector struct {
	cfg    Config
	logger *zap.SugaredLogger
	dialer net.Dialer

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// New connects to the socket. Failing to connect here is fatal to the
// caller; later disconnects are retried by Run.
func New(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (*Collector, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(defaultReconnectMax, cfg.ReconnectMin)
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = defaultMaxErrors
	}

	c := &Collector{cfg: cfg, logger: logger}
	conn, err := c.dialer.DialContext(ctx, "unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.SocketPath, err)
	}
	c.conn = conn
	c.notify(true)
	return c, nil
}

func (c *Collector) Run(ctx context.Context, handler func(chunk string)) error {
	stop := context.AfterFunc(ctx, c.interrupt)
	defer stop()

	buf := make([]byte, c.cfg.BufferSize)
	consecutive := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		conn := c.current()
		if conn == nil {
			return nil
		}

		if c.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
			// interrupt may have fired before the deadline was replaced.
			if ctx.Err() != nil {
				return nil
			}
		}

		n, err := conn.Read(buf)
		if n > 0 {
			consecutive = 0
			handler(DecodeChunk(buf[:n]))
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil || c.isClosed() {
			return nil
		}

		if isTransient(err) {
			consecutive++
			c.logger.Warnw("socket read error", "error", err, "consecutive", consecutive)
			if consecutive < c.cfg.MaxConsecutiveErrors {
				continue
			}
		} else {
			c.logger.Errorw("socket bus error", "error", err)
		}

		consecutive = 0
		if err := c.reconnect(ctx); err != nil {
			return nil
		}
	}
}

// DecodeChunk turns raw bytes into text, replacing invalid UTF-8 and
// trimming NUL padding.
func DecodeChunk(raw []byte) string {
	return strings.Trim(strings.ToValidUTF8(string(raw), "\uFFFD"), "\x00")
}

func (c *Collector) reconnect(ctx context.Context) error {
	c.dropConn()

	backoff := c.cfg.ReconnectMin
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		conn, err := c.dialer.DialContext(ctx, "unix", c.cfg.SocketPath)
		if err == nil {
			if !c.install(conn) {
				conn.Close()
				return net.ErrClosed
			}
			c.logger.Infow("reconnected to event source", "socket", c.cfg.SocketPath, "attempt", attempt)
			c.notify(true)
			if c.cfg.OnReconnect != nil {
				c.cfg.OnReconnect()
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warnw("reconnect failed", "socket", c.cfg.SocketPath, "attempt", attempt, "error", err, "backoff", backoff)
		backoff = min(backoff*2, c.cfg.ReconnectMax)
	}
}

func (c *Collector) current() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.conn
}

func (c *Collector) install(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = conn
	return true
}

func (c *Collector) dropConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
		c.notify(false)
	}
}

func (c *Collector) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// interrupt unblocks a pending Read when the context is cancelled.
func (c *Collector) interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.SetReadDeadline(time.Now())
	}
}

func (c *Collector) notify(connected bool) {
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(connected)
	}
}

func (c *Collector) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
		c.notify(false)
	}
}

func isTransient(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
