package server_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"freelancehub/collab/ot"
	"freelancehub/collab/protocol"
	"freelancehub/collab/server"
	"freelancehub/collab/session"
	"freelancehub/collab/store"
	"freelancehub/collab/transport"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHubSequencesSubmissions(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	if err := mem.Create(ctx, "d1", "hello"); err != nil {
		t.Fatal(err)
	}
	hub := server.NewHub(mem, quietLogger())

	ack, bcast, err := hub.Submit(ctx, protocol.OpSubmit{
		DocID: "d1", ClientID: "alice", BaseVersion: 0,
		Op: ot.Diff("hello", "helloo"),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ack.Conflict || ack.NewVersion != 1 {
		t.Fatalf("first ack = %+v", ack)
	}
	if bcast == nil || bcast.Version != 1 || bcast.OriginClientID != "alice" {
		t.Fatalf("first broadcast = %+v", bcast)
	}

	// Bob submits against the version alice already advanced past; the hub
	// must rebase his op over hers before appending.
	ack, bcast, err = hub.Submit(ctx, protocol.OpSubmit{
		DocID: "d1", ClientID: "bob", BaseVersion: 0,
		Op: ot.Diff("hello", "hallo"),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ack.Conflict || ack.NewVersion != 2 {
		t.Fatalf("second ack = %+v", ack)
	}
	if got, err := ot.ApplyString("helloo", bcast.Op); err != nil || got != "halloo" {
		t.Fatalf("rebased op applies to %q, %v", got, err)
	}

	doc, err := mem.Fetch(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Content != "halloo" || doc.Version != 2 {
		t.Fatalf("stored doc = %q v%d", doc.Content, doc.Version)
	}
}

func TestHubRejectsFutureBaseVersion(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	if err := mem.Create(ctx, "d1", "hi"); err != nil {
		t.Fatal(err)
	}
	hub := server.NewHub(mem, quietLogger())

	ack, bcast, err := hub.Submit(ctx, protocol.OpSubmit{
		DocID: "d1", ClientID: "alice", BaseVersion: 5,
		Op: ot.Diff("hi", "hi!"),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ack.Conflict || bcast != nil {
		t.Fatalf("ack = %+v, bcast = %+v, want conflict and no broadcast", ack, bcast)
	}
}

func TestHubRejectsInvalidOpAndUnknownDoc(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	if err := mem.Create(ctx, "d1", "hi"); err != nil {
		t.Fatal(err)
	}
	hub := server.NewHub(mem, quietLogger())

	bad := ot.Operation{{Kind: "scribble", N: 1}}
	if _, _, err := hub.Submit(ctx, protocol.OpSubmit{DocID: "d1", ClientID: "a", Op: bad}, nil); err == nil {
		t.Fatal("invalid op accepted")
	}
	good := ot.Diff("hi", "hi!")
	if _, _, err := hub.Submit(ctx, protocol.OpSubmit{DocID: "nope", ClientID: "a", Op: good}, nil); err == nil {
		t.Fatal("unknown document accepted")
	}
}

func TestDocumentAPI(t *testing.T) {
	mem := store.NewMemory()
	srv, err := server.New(server.Config{Store: mem, AuthToken: "secret", Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	do := func(method, path, token, body string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	if resp := do(http.MethodPost, "/api/documents", "", `{"id":"d1"}`); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated create: %d", resp.StatusCode)
	}
	if resp := do(http.MethodPost, "/api/documents", "secret", `{"id":"d1","content":"hello"}`); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d", resp.StatusCode)
	}
	if resp := do(http.MethodPost, "/api/documents", "secret", `{"id":"d1"}`); resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create: %d", resp.StatusCode)
	}

	resp := do(http.MethodGet, "/api/documents/d1", "secret", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: %d", resp.StatusCode)
	}
	var doc store.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	if doc.Content != "hello" || doc.Version != 0 {
		t.Fatalf("doc = %+v", doc)
	}

	if resp := do(http.MethodGet, "/api/documents/ghost", "secret", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing doc: %d", resp.StatusCode)
	}
}

func startTestServer(t *testing.T, mem *store.Memory) string {
	t.Helper()
	srv, err := server.New(server.Config{Store: mem, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func openLiveSession(t *testing.T, wsURL string, mem *store.Memory, docID, clientID string) *session.Session {
	t.Helper()
	tc := transport.NewClient(transport.Config{Logger: quietLogger()})
	if err := tc.Connect(context.Background(), transport.Credentials{URL: wsURL, ClientID: clientID}); err != nil {
		t.Fatalf("connect %s: %v", clientID, err)
	}
	t.Cleanup(func() { tc.Disconnect() })
	s, err := session.Open(context.Background(), session.Config{
		DocID:       docID,
		ClientID:    clientID,
		DisplayName: clientID,
		Transport:   tc,
		Fetcher:     mem,
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("open session %s: %v", clientID, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
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

// TestLiveEditFlow runs a real websocket round trip: an edit from one
// session lands in the store and reaches a second session.
func TestLiveEditFlow(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	if err := mem.Create(ctx, "d1", "hello"); err != nil {
		t.Fatal(err)
	}
	wsURL := startTestServer(t, mem)

	alice := openLiveSession(t, wsURL, mem, "d1", "alice")
	bob := openLiveSession(t, wsURL, mem, "d1", "bob")

	if err := alice.OnLocalEdit("hello world"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "alice synced", func() bool {
		return alice.State() == session.StateSynced && alice.Version() == 1
	})
	waitFor(t, "bob caught up", func() bool {
		return bob.Content() == "hello world" && bob.Version() == 1
	})

	doc, err := mem.Fetch(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Content != "hello world" || doc.Version != 1 {
		t.Fatalf("stored doc = %q v%d", doc.Content, doc.Version)
	}
}

// TestBroadcastsArriveInVersionOrder hammers one document from two
// connections at once and requires a third subscriber to see every version
// in sequence. Replicas treat a version gap as a lost frame and fall back
// to a full resync, so a broadcast overtaking an earlier one is not
// cosmetic.
func TestBroadcastsArriveInVersionOrder(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	if err := mem.Create(ctx, "d1", "x"); err != nil {
		t.Fatal(err)
	}
	wsURL := startTestServer(t, mem)

	connect := func(id string) *transport.Client {
		t.Helper()
		tc := transport.NewClient(transport.Config{Logger: quietLogger()})
		if err := tc.Connect(ctx, transport.Credentials{URL: wsURL, ClientID: id}); err != nil {
			t.Fatalf("connect %s: %v", id, err)
		}
		t.Cleanup(func() { tc.Disconnect() })
		return tc
	}

	observer := connect("carol")
	if err := observer.JoinChannel("doc:d1"); err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	var versions []int64
	cancel := observer.Subscribe("doc:d1", protocol.EventOpBroadcast, func(p json.RawMessage) {
		var b protocol.OpBroadcast
		if err := json.Unmarshal(p, &b); err != nil {
			t.Errorf("bad broadcast payload: %v", err)
			return
		}
		mu.Lock()
		versions = append(versions, b.Version)
		mu.Unlock()
	})
	defer cancel()

	const perWriter = 25
	var wg sync.WaitGroup
	for _, id := range []string{"alice", "bob"} {
		tc := connect(id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				// Base version 0 on purpose: the hub rebases every stale
				// submission over the history it missed.
				err := tc.Publish("doc:d1", protocol.EventOpSubmit, protocol.OpSubmit{
					DocID: "d1", BaseVersion: 0, Op: ot.Diff("x", "ax"),
				})
				if err != nil {
					t.Errorf("submit: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	waitFor(t, "all broadcasts", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(versions) == 2*perWriter
	})
	mu.Lock()
	defer mu.Unlock()
	for i, v := range versions {
		if v != int64(i+1) {
			t.Fatalf("broadcast %d carried version %d, want %d (%v)", i, v, i+1, versions)
		}
	}
}

// TestLiveConcurrentConvergence fires conflicting edits from two sessions
// at once and requires both replicas to settle on identical content.
func TestLiveConcurrentConvergence(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	if err := mem.Create(ctx, "d1", "hello"); err != nil {
		t.Fatal(err)
	}
	wsURL := startTestServer(t, mem)

	alice := openLiveSession(t, wsURL, mem, "d1", "alice")
	bob := openLiveSession(t, wsURL, mem, "d1", "bob")

	if err := alice.OnLocalEdit(alice.Content() + "o"); err != nil {
		t.Fatal(err)
	}
	if err := bob.OnLocalEdit("h" + bob.Content()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "both replicas synced at v2", func() bool {
		return alice.State() == session.StateSynced && bob.State() == session.StateSynced &&
			alice.Version() == 2 && bob.Version() == 2
	})
	if a, b := alice.Content(), bob.Content(); a != b {
		t.Fatalf("replicas diverged: alice=%q bob=%q", a, b)
	}
	doc, err := mem.Fetch(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Content != alice.Content() {
		t.Fatalf("store %q != replicas %q", doc.Content, alice.Content())
	}
}
