package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// echoServer upgrades each request and echoes text frames back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fastConfig(url string) Config {
	return Config{
		URL:         url,
		DialTimeout: time.Second,
		MaxAttempts: 3,
		BackoffBase: 5 * time.Millisecond,
		BackoffCap:  20 * time.Millisecond,
	}
}

func TestDialSendAndReceive(t *testing.T) {
	srv := echoServer(t)

	conn, err := Dial(context.Background(), fastConfig(wsURL(srv)), nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	msg := map[string]string{"type": "session.update"}
	if err := conn.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case frame := <-conn.Frames():
		var got map[string]string
		if err := json.Unmarshal(frame, &got); err != nil {
			t.Fatalf("Unmarshal echo: %v", err)
		}
		if got["type"] != "session.update" {
			t.Fatalf("echo = %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no echo frame received")
	}
}

func TestDialUnreachableHostExhaustsAttempts(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	start := time.Now()
	_, err := Dial(context.Background(), fastConfig(wsURL(srv)), nil, nil)
	if err == nil {
		t.Fatal("Dial succeeded against a refusing endpoint")
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Fatalf("err = %v, want attempt count in message", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("retry loop took %v, backoff not capped", elapsed)
	}
}

func TestDialRespectsContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Dial(ctx, fastConfig(wsURL(srv)), nil, nil); err == nil {
		t.Fatal("Dial succeeded with cancelled context")
	}
}

func TestSendAfterCloseReturnsNotConnected(t *testing.T) {
	srv := echoServer(t)
	conn, err := Dial(context.Background(), fastConfig(wsURL(srv)), nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Send(map[string]string{"type": "x"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send err = %v, want ErrNotConnected", err)
	}
}

func TestPeerCloseEndsReadLoopCleanly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		_ = ws.Close()
	}))
	defer srv.Close()

	conn, err := Dial(context.Background(), fastConfig(wsURL(srv)), nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after peer close")
	}
	if err := conn.Err(); err != nil {
		t.Fatalf("Err after graceful peer close = %v, want nil", err)
	}
}

func TestAbruptPeerDropSurfacesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Kill the TCP connection without a close handshake.
		_ = ws.UnderlyingConn().Close()
	}))
	defer srv.Close()

	conn, err := Dial(context.Background(), fastConfig(wsURL(srv)), nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after abrupt drop")
	}
	if err := conn.Err(); err == nil {
		t.Fatal("Err = nil after abrupt drop, want error")
	}
}

func TestFramesChannelClosesOnDone(t *testing.T) {
	srv := echoServer(t)
	conn, err := Dial(context.Background(), fastConfig(wsURL(srv)), nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	go conn.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-conn.Frames():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("Frames never closed")
		}
	}
}

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	srv := echoServer(t)
	conn, err := Dial(context.Background(), fastConfig(wsURL(srv)), nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	const n = 50
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func(id int) {
			for j := 0; j < n; j++ {
				_ = conn.Send(map[string]int{"writer": id, "seq": j})
			}
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	// Every echoed frame must be standalone valid JSON.
	received := 0
	timeout := time.After(3 * time.Second)
	for received < 4*n {
		select {
		case frame := <-conn.Frames():
			var m map[string]int
			if err := json.Unmarshal(frame, &m); err != nil {
				t.Fatalf("interleaved frame: %s", frame)
			}
			received++
		case <-timeout:
			t.Fatalf("received %d of %d frames", received, 4*n)
		}
	}
}
