package transport_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"freelancehub/collab/protocol"
	"freelancehub/collab/transport"
)

// wsServer accepts websocket connections, records inbound frames, and lets
// tests push frames back or kill the connection.
type wsServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  []*websocket.Conn
	frames []protocol.Envelope
	auths  []string
}

func newWSServer(t *testing.T) (*wsServer, string) {
	s := &wsServer{t: t}
	ts := httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(ts.Close)
	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (s *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.auths = append(s.auths, r.Header.Get("Authorization")+"|"+r.Header.Get("X-Client-ID"))
	s.mu.Unlock()
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, ws)
	s.mu.Unlock()
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			s.t.Errorf("bad frame from client: %v", err)
			continue
		}
		s.mu.Lock()
		s.frames = append(s.frames, env)
		s.mu.Unlock()
	}
}

func (s *wsServer) received(event string) []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range s.frames {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func (s *wsServer) push(t *testing.T, env protocol.Envelope) {
	t.Helper()
	frame, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (s *wsServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

func (s *wsServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newTestClient(t *testing.T, url string) *transport.Client {
	t.Helper()
	c := transport.NewClient(transport.Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	err := c.Connect(context.Background(), transport.Credentials{
		URL:      url,
		Token:    "tok-123",
		ClientID: "client-1",
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func TestConnectPublishSubscribe(t *testing.T) {
	srv, url := newWSServer(t)
	c := newTestClient(t, url)

	srv.mu.Lock()
	auth := srv.auths[0]
	srv.mu.Unlock()
	if auth != "Bearer tok-123|client-1" {
		t.Fatalf("credentials on dial = %q", auth)
	}

	if err := c.JoinChannel("doc:d1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "join frame", func() bool { return len(srv.received(protocol.EventChannelJoin)) == 1 })

	if err := c.Publish("doc:d1", protocol.EventOpSubmit, protocol.OpSubmit{DocID: "d1", ClientID: "client-1"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "submit frame", func() bool { return len(srv.received(protocol.EventOpSubmit)) == 1 })
	env := srv.received(protocol.EventOpSubmit)[0]
	if env.Channel != "doc:d1" {
		t.Fatalf("submit channel = %q", env.Channel)
	}
	var sub protocol.OpSubmit
	if err := json.Unmarshal(env.Payload, &sub); err != nil || sub.DocID != "d1" {
		t.Fatalf("submit payload = %s (%v)", env.Payload, err)
	}

	got := make(chan json.RawMessage, 1)
	cancel := c.Subscribe("doc:d1", protocol.EventOpBroadcast, func(p json.RawMessage) { got <- p })
	defer cancel()

	srv.push(t, protocol.Envelope{
		Channel: "doc:d1",
		Event:   protocol.EventOpBroadcast,
		Payload: json.RawMessage(`{"docId":"d1","version":1}`),
	})
	select {
	case p := <-got:
		var b protocol.OpBroadcast
		if err := json.Unmarshal(p, &b); err != nil || b.Version != 1 {
			t.Fatalf("broadcast payload = %s (%v)", p, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler never fired")
	}

	// Cancelled subscriptions stop receiving.
	cancel()
	srv.push(t, protocol.Envelope{Channel: "doc:d1", Event: protocol.EventOpBroadcast, Payload: json.RawMessage(`{}`)})
	select {
	case <-got:
		t.Fatal("handler fired after cancel")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDisconnectStopsPumps(t *testing.T) {
	srv, url := newWSServer(t)

	base := runtime.NumGoroutine()
	for i := 0; i < 5; i++ {
		c := newTestClient(t, url)
		if err := c.JoinChannel("doc:d1"); err != nil {
			t.Fatal(err)
		}
		if err := c.Disconnect(); err != nil {
			t.Fatal(err)
		}
		if err := c.Publish("doc:d1", protocol.EventPresence, nil); err != transport.ErrDisconnected {
			t.Fatalf("publish after disconnect = %v, want ErrDisconnected", err)
		}
	}

	// Each cycle starts a read and a write pump; both must exit once the
	// connection is torn down or the count ratchets up with every cycle.
	waitFor(t, "pump goroutines to exit", func() bool {
		return runtime.NumGoroutine() <= base+2
	})
	_ = srv
}

func TestReconnectReplaysJoins(t *testing.T) {
	srv, url := newWSServer(t)
	c := newTestClient(t, url)

	if err := c.JoinChannel("doc:d1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "initial join", func() bool { return len(srv.received(protocol.EventChannelJoin)) == 1 })

	var reconnects, disconnects int
	var mu sync.Mutex
	c.OnReconnect(func() { mu.Lock(); reconnects++; mu.Unlock() })
	c.OnDisconnect(func() { mu.Lock(); disconnects++; mu.Unlock() })

	srv.dropAll()

	waitFor(t, "redial", func() bool { return srv.connCount() >= 2 })
	waitFor(t, "join replay", func() bool { return len(srv.received(protocol.EventChannelJoin)) >= 2 })
	waitFor(t, "hooks fired", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reconnects >= 1 && disconnects >= 1
	})

	// The restored connection is usable.
	if err := c.Publish("doc:d1", protocol.EventPresence, protocol.PresenceUpdate{DocID: "d1", UserID: "client-1"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "publish after reconnect", func() bool { return len(srv.received(protocol.EventPresence)) == 1 })
}
