package session_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"freelancehub/collab/ot"
	"freelancehub/collab/protocol"
	"freelancehub/collab/session"
	"freelancehub/collab/store"
	"freelancehub/collab/transport"
)

type published struct {
	Channel string
	Event   string
	Payload any
}

// fakeTransport satisfies session.Transport with synchronous, in-process
// delivery so tests control exactly when and in what order frames arrive.
type fakeTransport struct {
	mu         sync.Mutex
	joined     []string
	msgs       []published
	handlers   map[string][]transport.Handler
	reconnect  []func()
	disconnect []func()
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string][]transport.Handler)}
}

func (f *fakeTransport) JoinChannel(ch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, ch)
	return nil
}

func (f *fakeTransport) LeaveChannel(ch string) error { return nil }

func (f *fakeTransport) Publish(ch, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{Channel: ch, Event: event, Payload: payload})
	return nil
}

func (f *fakeTransport) Subscribe(ch, event string, h transport.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ch + "/" + event
	f.handlers[key] = append(f.handlers[key], h)
	return func() {}
}

func (f *fakeTransport) OnReconnect(fn func())  { f.reconnect = append(f.reconnect, fn) }
func (f *fakeTransport) OnDisconnect(fn func()) { f.disconnect = append(f.disconnect, fn) }

func (f *fakeTransport) deliver(t *testing.T, ch, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	f.mu.Lock()
	hs := append([]transport.Handler(nil), f.handlers[ch+"/"+event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(raw)
	}
}

func (f *fakeTransport) dropConnection() {
	for _, fn := range f.disconnect {
		fn()
	}
}

func (f *fakeTransport) restoreConnection() {
	for _, fn := range f.reconnect {
		fn()
	}
}

func (f *fakeTransport) submits(t *testing.T) []protocol.OpSubmit {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.OpSubmit
	for _, m := range f.msgs {
		if m.Event != protocol.EventOpSubmit {
			continue
		}
		sub, ok := m.Payload.(protocol.OpSubmit)
		if !ok {
			t.Fatalf("op.submit payload has type %T", m.Payload)
		}
		out = append(out, sub)
	}
	return out
}

func openSession(t *testing.T, mem *store.Memory, ft *fakeTransport, docID, clientID string) *session.Session {
	t.Helper()
	s, err := session.Open(context.Background(), session.Config{
		DocID:       docID,
		ClientID:    clientID,
		DisplayName: clientID,
		Transport:   ft,
		Fetcher:     mem,
	})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAndEdit(t *testing.T) {
	mem := store.NewMemory()
	if err := mem.Create(context.Background(), "d1", "hello"); err != nil {
		t.Fatal(err)
	}
	ft := newFakeTransport()
	s := openSession(t, mem, ft, "d1", "alice")

	if got := s.State(); got != session.StateSynced {
		t.Fatalf("state after open = %v, want synced", got)
	}
	if got := s.Content(); got != "hello" {
		t.Fatalf("content after open = %q", got)
	}

	if err := s.OnLocalEdit("hello world"); err != nil {
		t.Fatal(err)
	}
	if got := s.Content(); got != "hello world" {
		t.Fatalf("content after edit = %q, want optimistic apply", got)
	}
	if got := s.State(); got != session.StateAwaitingAck {
		t.Fatalf("state after edit = %v, want awaiting-ack", got)
	}

	subs := ft.submits(t)
	if len(subs) != 1 {
		t.Fatalf("published %d submits, want 1", len(subs))
	}
	if subs[0].BaseVersion != 0 || subs[0].ClientID != "alice" {
		t.Fatalf("submit = %+v", subs[0])
	}
	if got, err := ot.ApplyString("hello", subs[0].Op); err != nil || got != "hello world" {
		t.Fatalf("submitted op applies to %q, %v", got, err)
	}

	// Server accepts and echoes the op back as version 1.
	ft.deliver(t, protocol.DocChannel("d1"), protocol.EventOpBroadcast, protocol.OpBroadcast{
		DocID:          "d1",
		Version:        1,
		OriginClientID: "alice",
		Op:             subs[0].Op,
	})
	if got := s.State(); got != session.StateSynced {
		t.Fatalf("state after own broadcast = %v, want synced", got)
	}
	if got := s.Version(); got != 1 {
		t.Fatalf("version = %d, want 1", got)
	}
}

func TestIdentityEditPublishesNothing(t *testing.T) {
	mem := store.NewMemory()
	if err := mem.Create(context.Background(), "d1", "hello"); err != nil {
		t.Fatal(err)
	}
	ft := newFakeTransport()
	s := openSession(t, mem, ft, "d1", "alice")

	if err := s.OnLocalEdit("hello"); err != nil {
		t.Fatal(err)
	}
	if subs := ft.submits(t); len(subs) != 0 {
		t.Fatalf("identity edit published %d submits", len(subs))
	}
	if got := s.State(); got != session.StateSynced {
		t.Fatalf("state = %v, want synced", got)
	}
}

// TestConcurrentEditsConverge drives two replicas through the classic
// diamond: alice appends while bob edits the middle, the server
// serializes alice first, and both replicas end byte-identical.
func TestConcurrentEditsConverge(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	if err := mem.Create(ctx, "d1", "hello"); err != nil {
		t.Fatal(err)
	}
	ftA, ftB := newFakeTransport(), newFakeTransport()
	alice := openSession(t, mem, ftA, "d1", "alice")
	bob := openSession(t, mem, ftB, "d1", "bob")

	if err := alice.OnLocalEdit("helloo"); err != nil {
		t.Fatal(err)
	}
	if err := bob.OnLocalEdit("hallo"); err != nil {
		t.Fatal(err)
	}
	opA := ftA.submits(t)[0].Op
	opB := ftB.submits(t)[0].Op

	// The server accepts alice's op as-is and rebases bob's over it,
	// breaking the tie by client ID the same way the replicas do.
	aPrime, bPrime, err := ot.Transform(opA, opB)
	if err != nil {
		t.Fatal(err)
	}
	_ = aPrime
	broadcast := func(v int64, origin string, op ot.Operation) {
		b := protocol.OpBroadcast{DocID: "d1", Version: v, OriginClientID: origin, Op: op}
		ftA.deliver(t, protocol.DocChannel("d1"), protocol.EventOpBroadcast, b)
		ftB.deliver(t, protocol.DocChannel("d1"), protocol.EventOpBroadcast, b)
	}
	broadcast(1, "alice", opA)
	broadcast(2, "bob", bPrime)

	if a, b := alice.Content(), bob.Content(); a != b {
		t.Fatalf("replicas diverged: alice=%q bob=%q", a, b)
	}
	if got := alice.Content(); got != "halloo" {
		t.Fatalf("converged content = %q, want %q", got, "halloo")
	}
	if alice.Version() != 2 || bob.Version() != 2 {
		t.Fatalf("versions = %d, %d, want 2, 2", alice.Version(), bob.Version())
	}
	if alice.State() != session.StateSynced || bob.State() != session.StateSynced {
		t.Fatalf("states = %v, %v", alice.State(), bob.State())
	}
}

func TestEditsBufferWhileAwaitingAck(t *testing.T) {
	mem := store.NewMemory()
	if err := mem.Create(context.Background(), "d1", "abc"); err != nil {
		t.Fatal(err)
	}
	ft := newFakeTransport()
	s := openSession(t, mem, ft, "d1", "alice")

	if err := s.OnLocalEdit("abcd"); err != nil {
		t.Fatal(err)
	}
	// Two more edits land before the ack; they must fold into one buffered
	// operation, not two extra in-flight ops.
	if err := s.OnLocalEdit("abcde"); err != nil {
		t.Fatal(err)
	}
	if err := s.OnLocalEdit("Xabcde"); err != nil {
		t.Fatal(err)
	}
	if subs := ft.submits(t); len(subs) != 1 {
		t.Fatalf("published %d submits while awaiting ack, want 1", len(subs))
	}

	first := ft.submits(t)[0]
	ft.deliver(t, protocol.DocChannel("d1"), protocol.EventOpBroadcast, protocol.OpBroadcast{
		DocID: "d1", Version: 1, OriginClientID: "alice", Op: first.Op,
	})

	subs := ft.submits(t)
	if len(subs) != 2 {
		t.Fatalf("published %d submits after ack, want 2", len(subs))
	}
	second := subs[1]
	if second.BaseVersion != 1 {
		t.Fatalf("buffered submit base = %d, want 1", second.BaseVersion)
	}
	if got, err := ot.ApplyString("abcd", second.Op); err != nil || got != "Xabcde" {
		t.Fatalf("buffered op applies to %q, %v", got, err)
	}
	if got := s.Content(); got != "Xabcde" {
		t.Fatalf("content = %q", got)
	}
}

func TestMissedBroadcastTriggersResync(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	if err := mem.Create(ctx, "d1", "hello"); err != nil {
		t.Fatal(err)
	}
	ft := newFakeTransport()
	s := openSession(t, mem, ft, "d1", "alice")

	// Advance the store by two versions behind the session's back.
	if _, err := mem.Append(ctx, "d1", ot.Diff("hello", "hello!"), "bob", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.Append(ctx, "d1", ot.Diff("hello!", "hello!?"), "bob", 1); err != nil {
		t.Fatal(err)
	}

	// Deliver only the second broadcast; the gap forces a resync.
	ft.deliver(t, protocol.DocChannel("d1"), protocol.EventOpBroadcast, protocol.OpBroadcast{
		DocID: "d1", Version: 2, OriginClientID: "bob", Op: ot.Diff("hello!", "hello!?"),
	})

	if got := s.Content(); got != "hello!?" {
		t.Fatalf("content after resync = %q, want %q", got, "hello!?")
	}
	if got := s.Version(); got != 2 {
		t.Fatalf("version after resync = %d, want 2", got)
	}
	if got := s.State(); got != session.StateSynced {
		t.Fatalf("state after resync = %v, want synced", got)
	}
}

// TestOfflineEditsSurviveReconnect covers the suspend/resume path: edits
// made while disconnected are rebased over server progress on reconnect
// and submitted exactly once.
func TestOfflineEditsSurviveReconnect(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	if err := mem.Create(ctx, "d1", "hello"); err != nil {
		t.Fatal(err)
	}
	ft := newFakeTransport()
	s := openSession(t, mem, ft, "d1", "alice")

	ft.dropConnection()
	if got := s.State(); got != session.StateError {
		t.Fatalf("state after disconnect = %v, want error", got)
	}
	if err := s.OnLocalEdit("hello!"); err != nil {
		t.Fatal(err)
	}
	if subs := ft.submits(t); len(subs) != 0 {
		t.Fatalf("published %d submits while disconnected", len(subs))
	}

	// Meanwhile another client changed the document.
	if _, err := mem.Append(ctx, "d1", ot.Diff("hello", "hey hello"), "bob", 0); err != nil {
		t.Fatal(err)
	}

	ft.restoreConnection()

	if got := s.Content(); got != "hey hello!" {
		t.Fatalf("content after reconnect = %q, want %q", got, "hey hello!")
	}
	subs := ft.submits(t)
	if len(subs) != 1 {
		t.Fatalf("published %d submits after reconnect, want 1", len(subs))
	}
	if subs[0].BaseVersion != 1 {
		t.Fatalf("rebased submit base = %d, want 1", subs[0].BaseVersion)
	}
	if got, err := ot.ApplyString("hey hello", subs[0].Op); err != nil || got != "hey hello!" {
		t.Fatalf("rebased op applies to %q, %v", got, err)
	}
	if got := s.State(); got != session.StateAwaitingAck {
		t.Fatalf("state after reconnect = %v, want awaiting-ack", got)
	}
}

func TestVersionConflictResyncsOnce(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	if err := mem.Create(ctx, "d1", "hello"); err != nil {
		t.Fatal(err)
	}
	ft := newFakeTransport()
	s := openSession(t, mem, ft, "d1", "alice")

	if err := s.OnLocalEdit("hello!"); err != nil {
		t.Fatal(err)
	}

	// A competing op won the race; the server rejects alice's base version.
	if _, err := mem.Append(ctx, "d1", ot.Diff("hello", "Xhello"), "bob", 0); err != nil {
		t.Fatal(err)
	}
	ft.deliver(t, protocol.DocChannel("d1"), protocol.EventOpAck, protocol.OpAck{
		DocID: "d1", ClientID: "alice", Conflict: true,
	})

	subs := ft.submits(t)
	if len(subs) != 2 {
		t.Fatalf("published %d submits, want original + one corrected", len(subs))
	}
	if subs[1].BaseVersion != 1 {
		t.Fatalf("corrected submit base = %d, want 1", subs[1].BaseVersion)
	}
	if got, err := ot.ApplyString("Xhello", subs[1].Op); err != nil || got != "Xhello!" {
		t.Fatalf("corrected op applies to %q, %v", got, err)
	}
	if got := s.Content(); got != "Xhello!" {
		t.Fatalf("content = %q, want %q", got, "Xhello!")
	}
}

func TestAckTimeoutFallsBackToResync(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	if err := mem.Create(ctx, "d1", "hello"); err != nil {
		t.Fatal(err)
	}
	ft := newFakeTransport()
	s, err := session.Open(ctx, session.Config{
		DocID:      "d1",
		ClientID:   "alice",
		Transport:  ft,
		Fetcher:    mem,
		AckTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.OnLocalEdit("hello!"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(ft.submits(t)) >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no re-submission after ack timeout; submits=%d", len(ft.submits(t)))
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := s.Content(); got != "hello!" {
		t.Fatalf("content = %q, edit lost across resync", got)
	}
}

func TestStyleChange(t *testing.T) {
	mem := store.NewMemory()
	if err := mem.Create(context.Background(), "d1", "hello world"); err != nil {
		t.Fatal(err)
	}
	ft := newFakeTransport()
	s := openSession(t, mem, ft, "d1", "alice")

	if err := s.OnStyleChange(0, 5, ot.Attributes{"bold": "true"}); err != nil {
		t.Fatal(err)
	}
	subs := ft.submits(t)
	if len(subs) != 1 {
		t.Fatalf("published %d submits, want 1", len(subs))
	}
	txt, err := ot.Apply(ot.NewText("hello world"), subs[0].Op)
	if err != nil {
		t.Fatal(err)
	}
	runs := txt.Runs()
	if len(runs) != 2 || runs[0].Text != "hello" || runs[0].Attrs["bold"] != "true" {
		t.Fatalf("styled runs = %+v", runs)
	}
	if runs[1].Text != " world" || len(runs[1].Attrs) != 0 {
		t.Fatalf("unstyled tail = %+v", runs[1])
	}

	if err := s.OnStyleChange(3, 2, nil); err == nil {
		t.Fatal("inverted range accepted")
	}
	if err := s.OnStyleChange(0, 100, ot.Attributes{"bold": "true"}); err == nil {
		t.Fatal("out-of-bounds range accepted")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	mem := store.NewMemory()
	if err := mem.Create(context.Background(), "d1", "hi"); err != nil {
		t.Fatal(err)
	}
	ft := newFakeTransport()
	s := openSession(t, mem, ft, "d1", "alice")

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.OnLocalEdit("changed"); err == nil {
		t.Fatal("edit accepted after close")
	}
	if got := s.State(); got != session.StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}
