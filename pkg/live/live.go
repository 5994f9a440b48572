// Package live orchestrates a realtime voice conversation: it owns the
// session connection, the conversation engine, and the audio hardware port,
// and keeps them consistent through connects, reconnects, and interruptions.
package live

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/voicelink-go/voicelink/pkg/audio"
	"github.com/voicelink-go/voicelink/pkg/live/engine"
	"github.com/voicelink-go/voicelink/pkg/live/protocol"
	"github.com/voicelink-go/voicelink/pkg/live/state"
	"github.com/voicelink-go/voicelink/pkg/live/transport"
	"github.com/voicelink-go/voicelink/pkg/metrics"
)

// Options configure a Conversation.
type Options struct {
	// URL is the realtime websocket endpoint.
	URL string
	// APIKey is sent as a bearer token.
	APIKey string
	// Session is the negotiated session shape.
	Session protocol.SessionConfig
	// Port is the audio hardware port. Optional: without it the
	// conversation is text-only.
	Port audio.Port
	// Tools are the callable tools offered to the model.
	Tools *engine.ToolRegistry
	// ProviderRate is the sample rate of server response audio.
	ProviderRate int
	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration
	// ConnectRetries caps dial attempts per connect or reconnect.
	ConnectRetries int
	Log            *zap.Logger
	Metrics        *metrics.Metrics
}

// connSender routes engine sends to the connection of the current
// generation.
type connSender struct {
	mu   sync.Mutex
	conn *transport.Conn
}

func (s *connSender) set(conn *transport.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *connSender) get() *transport.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *connSender) Send(v any) error {
	conn := s.get()
	if conn == nil {
		return transport.ErrNotConnected
	}
	return conn.Send(v)
}

// Conversation is a live voice session.
type Conversation struct {
	opts    Options
	log     *zap.Logger
	met     *metrics.Metrics
	machine *state.Machine
	engine  *engine.Engine
	sender  *connSender

	stopping atomic.Bool
	done     chan struct{}
}

// New creates a Conversation. Call Start to connect.
func New(opts Options) (*Conversation, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("live: url is required")
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.ProviderRate <= 0 {
		opts.ProviderRate = 24000
	}

	c := &Conversation{
		opts:    opts,
		log:     opts.Log,
		met:     opts.Metrics,
		machine: state.NewMachine(),
		sender:  &connSender{},
		done:    make(chan struct{}),
	}

	var sink engine.AudioSink
	if opts.Port != nil {
		sink = opts.Port
	}
	eng, err := engine.New(engine.Config{
		Log:              opts.Log,
		Metrics:          opts.Metrics,
		Sender:           c.sender,
		Sink:             sink,
		Tools:            opts.Tools,
		OutputSampleRate: opts.ProviderRate,
		PlayGate: func() bool {
			return c.machine.Is(state.Recording, state.Connected)
		},
	})
	if err != nil {
		return nil, err
	}
	c.engine = eng
	return c, nil
}

// Start connects, negotiates the session, and begins dispatching server
// events. On connection failure the conversation ends in the Error state.
func (c *Conversation) Start(ctx context.Context) error {
	if !c.machine.TryTransition(state.Connecting) {
		return fmt.Errorf("live: cannot start from state %s", c.machine.Current())
	}
	conn, err := c.dial(ctx)
	if err != nil {
		c.machine.TryTransition(state.Error)
		close(c.done)
		return err
	}
	c.sender.set(conn)
	c.machine.TryTransition(state.Connected)

	if err := c.engine.Negotiate(c.opts.Session); err != nil {
		_ = conn.Close()
		c.machine.TryTransition(state.Error)
		close(c.done)
		return fmt.Errorf("live: session negotiation: %w", err)
	}

	go c.run(ctx)
	return nil
}

func (c *Conversation) dial(ctx context.Context) (*transport.Conn, error) {
	header := http.Header{}
	if c.opts.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}
	return transport.Dial(ctx, transport.Config{
		URL:         c.opts.URL,
		Header:      header,
		DialTimeout: c.opts.DialTimeout,
		MaxAttempts: c.opts.ConnectRetries,
	}, c.log, c.met)
}

// run dispatches inbound frames for the life of the conversation, spanning
// reconnect generations.
func (c *Conversation) run(ctx context.Context) {
	defer close(c.done)
	for {
		conn := c.sender.get()
		for frame := range conn.Frames() {
			c.engine.HandleFrame(ctx, frame)
		}

		if c.stopping.Load() || conn.Err() == nil {
			// Graceful shutdown, ours or the peer's.
			c.machine.TryTransition(state.Disconnecting)
			c.machine.TryTransition(state.Disconnected)
			return
		}

		if !c.reconnect(ctx) {
			return
		}
	}
}

// reconnect replaces a dead connection. The recording device keeps running
// throughout; only the session link is rebuilt.
func (c *Conversation) reconnect(ctx context.Context) bool {
	wasRecording := c.machine.Is(state.Recording)
	c.machine.TryTransition(state.Error)
	if !c.machine.TryTransition(state.Connecting) {
		return false
	}
	c.log.Warn("session lost, reconnecting")

	conn, err := c.dial(ctx)
	if err != nil {
		c.log.Error("reconnect exhausted", zap.Error(err))
		c.machine.TryTransition(state.Error)
		c.machine.TryTransition(state.Disconnected)
		c.stopRecordingQuietly()
		return false
	}
	c.sender.set(conn)
	c.machine.TryTransition(state.Connected)
	if wasRecording {
		c.machine.TryTransition(state.Recording)
	}
	if err := c.engine.Negotiate(c.opts.Session); err != nil {
		c.log.Error("renegotiation failed", zap.Error(err))
		_ = conn.Close()
		c.machine.TryTransition(state.Error)
		c.machine.TryTransition(state.Disconnected)
		c.stopRecordingQuietly()
		return false
	}
	return true
}

func (c *Conversation) stopRecordingQuietly() {
	if c.opts.Port == nil {
		return
	}
	if err := c.opts.Port.StopRecording(); err != nil && err != audio.ErrNotRecording {
		c.log.Warn("stop recording", zap.Error(err))
	}
}

// StartRecording opens the microphone and streams audio upstream.
func (c *Conversation) StartRecording() error {
	if c.opts.Port == nil {
		return fmt.Errorf("live: no audio port configured")
	}
	if !c.machine.TryTransition(state.Recording) {
		return fmt.Errorf("live: cannot record from state %s", c.machine.Current())
	}
	err := c.opts.Port.StartRecording(func(chunk []byte) {
		if sendErr := c.engine.SendAudio(base64.StdEncoding.EncodeToString(chunk)); sendErr != nil {
			c.log.Debug("audio chunk not sent", zap.Error(sendErr))
		}
	})
	if err != nil {
		c.machine.TryTransition(state.Connected)
		return err
	}
	return nil
}

// StopRecording closes the microphone. The session stays live.
func (c *Conversation) StopRecording() error {
	if c.opts.Port == nil {
		return fmt.Errorf("live: no audio port configured")
	}
	if err := c.opts.Port.StopRecording(); err != nil {
		return err
	}
	c.machine.TryTransition(state.Connected)
	return nil
}

// SendText injects typed user text and requests a response.
func (c *Conversation) SendText(text string) error {
	return c.engine.SendUserText(text)
}

// Interrupt cancels the in-flight response and flushes queued playback.
func (c *Conversation) Interrupt() error {
	return c.engine.Interrupt()
}

// Events returns the application event stream.
func (c *Conversation) Events() <-chan engine.Event {
	return c.engine.Events()
}

// History returns the local conversation transcript.
func (c *Conversation) History() *engine.History {
	return c.engine.History()
}

// State returns the current connection state.
func (c *Conversation) State() state.ConnectionState {
	return c.machine.Current()
}

// OnStateChange registers a listener for connection state transitions.
func (c *Conversation) OnStateChange(l state.Listener) {
	c.machine.Subscribe(l)
}

// Stop shuts the conversation down: recording stops, queued playback drains
// within ctx, and the connection closes gracefully.
func (c *Conversation) Stop(ctx context.Context) error {
	c.stopping.Store(true)
	if c.sender.get() == nil {
		// Never connected; nothing to tear down.
		return nil
	}
	if c.machine.Is(state.Recording) {
		_ = c.StopRecording()
	}
	c.machine.TryTransition(state.Disconnecting)

	if c.opts.Port != nil {
		if err := c.opts.Port.Drain(ctx); err != nil {
			c.log.Debug("playback drain cut short", zap.Error(err))
		}
	}
	if conn := c.sender.get(); conn != nil {
		_ = conn.Close()
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.machine.TryTransition(state.Disconnected)
	return nil
}
