// Package transport maintains the duplex websocket link of a live session:
// dialing with bounded retry, serialized frame writes, and a read loop that
// surfaces raw inbound frames to the session owner.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/voicelink-go/voicelink/pkg/metrics"
)

// ErrNotConnected is returned by Send after the connection has closed.
var ErrNotConnected = errors.New("transport: not connected")

// Config shapes a connection attempt.
type Config struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string
	// Header carries auth and version headers for the handshake.
	Header http.Header
	// DialTimeout bounds each individual connection attempt.
	DialTimeout time.Duration
	// MaxAttempts is the total number of connection attempts.
	MaxAttempts int
	// BackoffBase is the initial delay between attempts.
	BackoffBase time.Duration
	// BackoffCap is the maximum delay between attempts.
	BackoffCap time.Duration
	// FrameBuffer sizes the inbound frame channel.
	FrameBuffer int
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Second
	}
	if c.FrameBuffer <= 0 {
		c.FrameBuffer = 256
	}
	return c
}

// Conn is an established live session connection. Writes are serialized;
// inbound text frames arrive on Frames until the read loop exits, after
// which Done is closed and Err reports the terminal cause, if any.
type Conn struct {
	cfg Config
	log *zap.Logger
	met *metrics.Metrics

	ws        *websocket.Conn
	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once

	frames  chan []byte
	closing chan struct{}
	done    chan struct{}

	errMu sync.Mutex
	err   error
}

// Dial connects to cfg.URL with capped exponential backoff. After
// cfg.MaxAttempts failed attempts it returns a terminal error wrapping the
// last failure.
func Dial(ctx context.Context, cfg Config, log *zap.Logger, met *metrics.Metrics) (*Conn, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("transport: url is required")
	}

	dialer := &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}

	var ws *websocket.Conn
	attempt := 0
	backoff := retry.WithMaxRetries(uint64(cfg.MaxAttempts-1),
		retry.WithCappedDuration(cfg.BackoffCap, retry.NewExponential(cfg.BackoffBase)))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			met.IncReconnects()
		}
		dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()

		conn, resp, dialErr := dialer.DialContext(dialCtx, cfg.URL, cfg.Header)
		if dialErr != nil {
			if resp != nil {
				dialErr = fmt.Errorf("dial failed (status %d): %w", resp.StatusCode, dialErr)
			}
			log.Warn("connection attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", cfg.MaxAttempts),
				zap.Error(dialErr))
			return retry.RetryableError(dialErr)
		}
		ws = conn
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transport: connect to %s failed after %d attempts: %w", cfg.URL, attempt, err)
	}

	log.Info("connected", zap.String("url", cfg.URL), zap.Int("attempt", attempt))

	c := &Conn{
		cfg:     cfg,
		log:     log,
		met:     met,
		ws:      ws,
		frames:  make(chan []byte, cfg.FrameBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Send marshals v and writes it as a single text frame. Concurrent callers
// are serialized; interleaved partial frames cannot occur.
func (c *Conn) Send(v any) error {
	if c.closed.Load() {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	err := c.ws.WriteJSON(v)
	c.writeMu.Unlock()
	if err != nil {
		c.met.IncSendErrors()
		return fmt.Errorf("transport: send: %w", err)
	}
	c.met.IncFramesSent()
	return nil
}

// Frames returns the inbound frame channel. It is closed when the read loop
// exits.
func (c *Conn) Frames() <-chan []byte {
	return c.frames
}

// Done is closed when the connection is no longer usable.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error after Done is closed. A graceful local or
// peer close yields nil.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close performs a graceful shutdown: close frame to the peer, then the
// underlying socket. It blocks until the read loop has exited.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closing)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	<-c.done
	return nil
}

func (c *Conn) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.frames)

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("peer closed session")
				return
			}
			// Any other read error poisons the underlying connection, so
			// this generation is dead; the owner redials. Timeouts are
			// logged apart for triage but are just as fatal here.
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.log.Warn("read timed out", zap.Error(err))
			} else {
				c.log.Error("connection lost", zap.Error(err))
			}
			c.setErr(fmt.Errorf("transport: read: %w", err))
			return
		}

		// The library reassembles fragmented messages; data is always a
		// complete frame here.
		if messageType != websocket.TextMessage {
			continue
		}
		c.met.IncFramesReceived()

		frame := make([]byte, len(data))
		copy(frame, data)
		// Blocking send: dropping a frame would corrupt protocol state, so
		// backpressure propagates to the socket instead.
		select {
		case c.frames <- frame:
		case <-c.closing:
			return
		}
	}
}
