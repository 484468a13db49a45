// Package session owns one open document's live state: content, version,
// pending local operations, and the reconciliation of inbound remote
// operations through the transform engine. One session exists per open
// document per client; the authoritative copy lives in the document store
// and every local copy is a cache that can be resynced at any time.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"freelancehub/collab/ot"
	"freelancehub/collab/presence"
	"freelancehub/collab/protocol"
	"freelancehub/collab/store"
	"freelancehub/collab/transport"
)

var (
	ErrClosed = errors.New("session: closed")
	// ErrTransformViolation marks a failed transform post-condition. It
	// should be unreachable; when it fires the session forces a full
	// resync rather than risk divergent state.
	ErrTransformViolation = errors.New("session: transform invariant violation")
	// ErrResyncFailed is surfaced after the resync retry budget is
	// exhausted; the editor shows a blocking error with a manual retry.
	ErrResyncFailed = errors.New("session: resync failed")
)

// State is the session lifecycle state.
type State int

const (
	StateLoading State = iota
	StateSynced
	StateAwaitingAck
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateSynced:
		return "synced"
	case StateAwaitingAck:
		return "awaiting-ack"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Transport is the slice of the transport client the session uses.
type Transport interface {
	JoinChannel(channelID string) error
	LeaveChannel(channelID string) error
	Publish(channelID, event string, payload any) error
	Subscribe(channelID, event string, h transport.Handler) (cancel func())
	OnReconnect(fn func())
	OnDisconnect(fn func())
}

// Fetcher fetches a document snapshot from the document store. The store
// itself satisfies this; remote deployments use an HTTP fetcher against
// the sync server.
type Fetcher interface {
	Fetch(ctx context.Context, id string) (store.Document, error)
}

// Update is what the editor surface re-renders from.
type Update struct {
	Content       string
	Runs          []ot.Run
	Version       int64
	Collaborators []presence.Record
}

// Config configures a session.
type Config struct {
	DocID       string
	ClientID    string
	DisplayName string
	Transport   Transport
	Fetcher     Fetcher
	// Journal, when set, persists unacknowledged local edits across
	// restarts.
	Journal *Journal
	// AckTimeout bounds the wait for a submit acknowledgment before the
	// session falls back to resync (default 10s).
	AckTimeout time.Duration
	// ResyncMaxElapsed caps one resync cycle's retry budget (default 30s).
	ResyncMaxElapsed time.Duration
	Logger           *slog.Logger
	// OnUpdate fires after any change to content, version, or presence.
	OnUpdate func(Update)
	// OnState fires on every state transition.
	OnState func(State)
	// OnError fires for unrecoverable conditions (exhausted resync,
	// transform violations).
	OnError func(error)
}

func (c *Config) defaults() error {
	if c.DocID == "" || c.ClientID == "" {
		return errors.New("session: DocID and ClientID are required")
	}
	if c.Transport == nil || c.Fetcher == nil {
		return errors.New("session: Transport and Fetcher are required")
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.ResyncMaxElapsed <= 0 {
		c.ResyncMaxElapsed = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Session is the per-document synchronization session. All mutation of its
// state happens under one mutex; concurrency exists between sessions, not
// within one.
type Session struct {
	cfg     Config
	logger  *slog.Logger
	ctx     context.Context
	tracker *presence.Tracker

	mu      sync.Mutex
	state   State
	local   *ot.Text // speculative content: server + pending + buffer
	server  *ot.Text // last known server-acknowledged content
	version int64    // version of server

	pending     ot.Operation // exactly one operation in flight, or nil
	pendingBase int64
	pendingSeq  uint64 // guards stale ack timers
	buffer      ot.Operation // local edits composed while pending is in flight

	ackTimer  *time.Timer
	resyncing bool
	cancels   []func()
}

// Open fetches the document and starts the session. A fetch failure is
// returned to the caller and is retryable.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}
	s := &Session{
		cfg:    cfg,
		logger: cfg.Logger.With("doc", cfg.DocID, "client", cfg.ClientID),
		ctx:    ctx,
		state:  StateLoading,
	}

	doc, err := cfg.Fetcher.Fetch(ctx, cfg.DocID)
	if err != nil {
		s.state = StateError
		return nil, fmt.Errorf("session: load %s: %w", cfg.DocID, err)
	}
	s.server = textFromDoc(doc)
	s.local = s.server.Clone()
	s.version = doc.Version

	s.tracker = presence.NewTracker(presence.Config{
		DocID:       cfg.DocID,
		UserID:      cfg.ClientID,
		DisplayName: cfg.DisplayName,
		Publisher:   cfg.Transport,
		Logger:      cfg.Logger,
		OnChange:    func([]presence.Record) { s.emitSnapshot() },
	})

	ch := protocol.DocChannel(cfg.DocID)
	if err := cfg.Transport.JoinChannel(ch); err != nil {
		s.tracker.Stop()
		return nil, fmt.Errorf("session: join %s: %w", ch, err)
	}
	s.cancels = append(s.cancels,
		cfg.Transport.Subscribe(ch, protocol.EventOpAck, s.handleAck),
		cfg.Transport.Subscribe(ch, protocol.EventOpBroadcast, s.handleBroadcast),
		cfg.Transport.Subscribe(ch, protocol.EventPresence, s.tracker.HandleUpdate),
		cfg.Transport.Subscribe(ch, protocol.EventPresenceJoin, s.tracker.HandleJoin),
		cfg.Transport.Subscribe(ch, protocol.EventPresenceLeave, s.tracker.HandleLeave),
	)
	cfg.Transport.OnDisconnect(s.handleDisconnect)
	cfg.Transport.OnReconnect(s.handleReconnect)

	s.mu.Lock()
	s.state = StateSynced
	replayed := s.replayJournalLocked()
	upd := s.snapshotLocked()
	st := s.state
	s.mu.Unlock()

	if err := s.tracker.Announce(); err != nil {
		s.logger.Debug("presence announce dropped", "err", err)
	}
	if replayed {
		go s.resync("journal replay")
	}
	s.emitState(st)
	s.emitUpdate(upd)
	return s, nil
}

// replayJournalLocked loads any journaled unacked state. It returns true
// when a resync is needed to reconcile it.
func (s *Session) replayJournalLocked() bool {
	if s.cfg.Journal == nil {
		return false
	}
	entry, found, err := s.cfg.Journal.Get(s.cfg.DocID)
	if err != nil {
		s.logger.Warn("journal read failed", "err", err)
		return false
	}
	if !found || entry.Op.IsIdentity() {
		return false
	}
	// Restore the pre-crash view; resync will transform the buffered op
	// against whatever landed on the server since.
	s.server = ot.FromRuns(entry.BaseRuns)
	s.version = entry.BaseVersion
	s.buffer = entry.Op
	if local, err := ot.Apply(s.server, entry.Op); err == nil {
		s.local = local
	} else {
		s.logger.Warn("journal entry unusable, discarding", "err", err)
		s.local = s.server.Clone()
		s.buffer = nil
		return false
	}
	s.logger.Info("replaying journaled edits", "baseVersion", entry.BaseVersion)
	return true
}

// Close tears the session down. Buffered-but-unsent local edits are
// cancelled, not silently corrupted: the journal entry is cleared on a
// clean close.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.stopAckTimerLocked()
	s.pending, s.buffer = nil, nil
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	if err := s.tracker.Withdraw(); err != nil {
		s.logger.Debug("presence withdraw dropped", "err", err)
	}
	s.tracker.Stop()
	for _, cancel := range cancels {
		cancel()
	}
	if err := s.cfg.Transport.LeaveChannel(protocol.DocChannel(s.cfg.DocID)); err != nil {
		s.logger.Debug("channel leave dropped", "err", err)
	}
	if s.cfg.Journal != nil {
		if err := s.cfg.Journal.Delete(s.cfg.DocID); err != nil {
			s.logger.Warn("journal clear failed", "err", err)
		}
	}
	s.emitState(StateClosed)
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Version returns the last server version this session has incorporated.
func (s *Session) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Content returns the current speculative content.
func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local.String()
}

// OnLocalEdit ingests a full-text snapshot from the editor surface. The
// session diffs it against the last known content, applies the result
// optimistically, and either sends it or folds it into the buffered
// operation when one is already in flight.
func (s *Session) OnLocalEdit(newFullText string) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	op := ot.Diff(s.local.String(), newFullText)
	if op.IsIdentity() {
		s.mu.Unlock()
		return nil
	}
	err := s.applyLocalLocked(op)
	upd := s.snapshotLocked()
	st := s.state
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.tracker.ApplyOperation(op, s.cfg.ClientID)
	s.emitState(st)
	s.emitUpdate(upd)
	return nil
}

// OnStyleChange applies style attributes over [start, end). An empty
// attribute value clears that key.
func (s *Session) OnStyleChange(start, end int, attrs ot.Attributes) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if start < 0 || end > s.local.Len() || start >= end {
		s.mu.Unlock()
		return fmt.Errorf("session: style range [%d,%d) out of bounds for length %d", start, end, s.local.Len())
	}
	op := ot.New().Retain(start, nil).Retain(end-start, attrs).Retain(s.local.Len()-end, nil)
	err := s.applyLocalLocked(op)
	upd := s.snapshotLocked()
	st := s.state
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.tracker.ApplyOperation(op, s.cfg.ClientID)
	s.emitState(st)
	s.emitUpdate(upd)
	return nil
}

// OnCursorMove reports the local cursor offset to the presence layer.
func (s *Session) OnCursorMove(offset int) {
	s.tracker.SetLocal(offset, nil)
}

// OnSelectionChange reports the local selection to the presence layer.
func (s *Session) OnSelectionChange(start, end int) {
	s.tracker.SetLocal(end, &protocol.Selection{Start: start, End: end})
}

// applyLocalLocked applies a local edit optimistically and routes it to
// the wire or the buffer depending on state.
func (s *Session) applyLocalLocked(op ot.Operation) error {
	next, err := ot.Apply(s.local, op)
	if err != nil {
		return fmt.Errorf("session: apply local edit: %w", err)
	}
	s.local = next

	if s.state == StateSynced && !s.resyncing {
		s.sendLocked(op)
	} else {
		// One op in flight at most; everything else composes into a
		// single buffered operation.
		if s.buffer == nil {
			s.buffer = op
		} else {
			composed, err := ot.Compose(s.buffer, op)
			if err != nil {
				return fmt.Errorf("%w: buffer compose: %v", ErrTransformViolation, err)
			}
			s.buffer = composed
		}
	}
	s.journalLocked()
	return nil
}

// sendLocked puts op in flight and arms the ack timeout.
func (s *Session) sendLocked(op ot.Operation) {
	s.pending = op
	s.pendingBase = s.version
	s.pendingSeq++
	s.state = StateAwaitingAck

	seq := s.pendingSeq
	submit := protocol.OpSubmit{
		DocID:       s.cfg.DocID,
		ClientID:    s.cfg.ClientID,
		BaseVersion: s.pendingBase,
		Op:          op,
	}
	if err := s.cfg.Transport.Publish(protocol.DocChannel(s.cfg.DocID), protocol.EventOpSubmit, submit); err != nil {
		// The op stays pending; reconnect or the ack timeout resyncs it.
		s.logger.Warn("submit dropped", "err", err)
	}
	s.stopAckTimerLocked()
	s.ackTimer = time.AfterFunc(s.cfg.AckTimeout, func() { s.onAckTimeout(seq) })
}

func (s *Session) stopAckTimerLocked() {
	if s.ackTimer != nil {
		s.ackTimer.Stop()
		s.ackTimer = nil
	}
}

func (s *Session) onAckTimeout(seq uint64) {
	s.mu.Lock()
	stale := s.state == StateClosed || seq != s.pendingSeq || s.pending == nil
	s.mu.Unlock()
	if stale {
		return
	}
	s.logger.Warn("no acknowledgment within timeout, resyncing")
	s.resync("ack timeout")
}

// handleAck processes op.ack: either our pending operation was accepted at
// a new version, or the server reported a stale base version.
func (s *Session) handleAck(raw json.RawMessage) {
	var ack protocol.OpAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		s.logger.Warn("bad ack payload", "err", err)
		return
	}
	if ack.ClientID != s.cfg.ClientID {
		return
	}
	if ack.Conflict {
		// Someone else's op landed first. Pure optimistic transform should
		// prevent this; recover with exactly one resync cycle.
		s.logger.Warn("version conflict on submit, resyncing")
		s.resync("version conflict")
		return
	}

	s.mu.Lock()
	if s.state == StateClosed || s.pending == nil || ack.NewVersion <= s.version {
		s.mu.Unlock()
		return
	}
	if ack.NewVersion != s.version+1 {
		s.mu.Unlock()
		s.logger.Warn("ack ahead of broadcast stream, resyncing",
			"have", s.version, "acked", ack.NewVersion)
		s.resync("ack version gap")
		return
	}
	// The broadcasts for everything before our op arrived on this ordered
	// socket already, so pending is transformed to apply cleanly at the
	// acked version.
	next, err := ot.Apply(s.server, s.pending)
	if err != nil {
		s.mu.Unlock()
		s.fail(fmt.Errorf("%w: acked op does not fit server state: %v", ErrTransformViolation, err))
		return
	}
	s.server = next
	s.version = ack.NewVersion
	s.commitPendingLocked()
	upd := s.snapshotLocked()
	st := s.state
	s.mu.Unlock()
	s.emitState(st)
	s.emitUpdate(upd)
}

// commitPendingLocked clears the in-flight op and promotes the buffer.
func (s *Session) commitPendingLocked() {
	s.stopAckTimerLocked()
	s.pending = nil
	if s.buffer != nil {
		op := s.buffer
		s.buffer = nil
		s.sendLocked(op)
	} else {
		s.state = StateSynced
	}
	s.journalLocked()
}

// handleBroadcast processes op.broadcast: the serialized stream of
// accepted operations for this document.
func (s *Session) handleBroadcast(raw json.RawMessage) {
	var b protocol.OpBroadcast
	if err := json.Unmarshal(raw, &b); err != nil {
		s.logger.Warn("bad broadcast payload", "err", err)
		return
	}

	s.mu.Lock()
	if s.state == StateClosed || s.resyncing {
		s.mu.Unlock()
		return
	}
	if b.Version <= s.version {
		s.mu.Unlock()
		return // duplicate or already incorporated via ack
	}
	if b.Version != s.version+1 {
		s.mu.Unlock()
		s.logger.Warn("missed broadcast, resyncing", "have", s.version, "got", b.Version)
		s.resync("missed broadcast")
		return
	}

	next, err := ot.Apply(s.server, b.Op)
	if err != nil {
		s.mu.Unlock()
		s.fail(fmt.Errorf("%w: broadcast does not fit server state: %v", ErrTransformViolation, err))
		return
	}
	s.server = next
	s.version = b.Version

	if b.OriginClientID == s.cfg.ClientID {
		// Our own operation echoed back; the content is already speculated
		// locally, so only commit and move on.
		if s.pending != nil {
			s.commitPendingLocked()
		}
		upd := s.snapshotLocked()
		st := s.state
		s.mu.Unlock()
		s.emitState(st)
		s.emitUpdate(upd)
		return
	}

	// A concurrent remote operation: rebase it over our pending and
	// buffered ops, and them over it, so neither side's edits are lost.
	remote := b.Op
	if s.pending != nil {
		remote, s.pending, err = transformPair(remote, b.OriginClientID, s.pending, s.cfg.ClientID)
		if err == nil {
			s.pendingBase = s.version
		}
	}
	if err == nil && s.buffer != nil {
		remote, s.buffer, err = transformPair(remote, b.OriginClientID, s.buffer, s.cfg.ClientID)
	}
	if err != nil {
		s.mu.Unlock()
		s.fail(fmt.Errorf("%w: %v", ErrTransformViolation, err))
		return
	}

	local, err := ot.Apply(s.local, remote)
	if err != nil {
		s.mu.Unlock()
		s.fail(fmt.Errorf("%w: transformed remote op does not fit local state: %v", ErrTransformViolation, err))
		return
	}
	s.local = local
	s.journalLocked()
	upd := s.snapshotLocked()
	s.mu.Unlock()
	s.tracker.ApplyOperation(remote, b.OriginClientID)
	s.emitUpdate(upd)
}

// transformPair rebases two concurrent operations with the documented
// tie-break: the op from the lexicographically smaller client ID goes
// first, so every replica picks the same winner without communication.
func transformPair(a ot.Operation, aClient string, b ot.Operation, bClient string) (aPrime, bPrime ot.Operation, err error) {
	if aClient < bClient {
		aPrime, bPrime, err = ot.Transform(a, b)
	} else {
		bPrime, aPrime, err = ot.Transform(b, a)
	}
	return aPrime, bPrime, err
}

func (s *Session) handleDisconnect() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	// Suspended: local edits keep buffering, nothing is in flight anymore.
	s.stopAckTimerLocked()
	if s.pending != nil {
		if s.buffer != nil {
			if composed, err := ot.Compose(s.pending, s.buffer); err == nil {
				s.buffer = composed
			} else {
				s.logger.Error("pending/buffer compose failed on disconnect", "err", err)
			}
		} else {
			s.buffer = s.pending
		}
		s.pending = nil
	}
	s.state = StateError
	st := s.state
	s.mu.Unlock()
	s.logger.Warn("transport disconnected, buffering local edits")
	s.emitState(st)
}

func (s *Session) handleReconnect() {
	s.resync("reconnected")
}

// resync is the recovery path for conflicts, timeouts, gaps, and
// reconnects: refetch authoritative content, treat the server's progress
// since our base as one large concurrent operation, transform our
// buffered local edits over it, and resubmit once.
func (s *Session) resync(reason string) {
	s.mu.Lock()
	if s.state == StateClosed || s.resyncing {
		s.mu.Unlock()
		return
	}
	s.resyncing = true
	s.stopAckTimerLocked()

	localOp, err := s.composeLocalLocked()
	base := s.server
	s.pending, s.buffer = nil, nil
	s.mu.Unlock()
	if err != nil {
		s.fail(fmt.Errorf("%w: composing local ops for resync: %v", ErrTransformViolation, err))
		localOp = nil
	}

	s.logger.Info("resync started", "reason", reason)

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = s.cfg.ResyncMaxElapsed
	var doc store.Document
	fetchErr := backoff.Retry(func() error {
		var ferr error
		doc, ferr = s.cfg.Fetcher.Fetch(s.ctx, s.cfg.DocID)
		return ferr
	}, backoff.WithContext(policy, s.ctx))

	s.mu.Lock()
	s.resyncing = false
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	// Edits made while the fetch was in flight continue the same local
	// lineage, so they fold into the op being rebased.
	if s.buffer != nil {
		if localOp == nil {
			localOp = s.buffer
		} else if composed, cerr := ot.Compose(localOp, s.buffer); cerr == nil {
			localOp = composed
		} else {
			s.logger.Error("edits made during resync could not be merged", "err", cerr)
		}
		s.buffer = nil
	}
	if fetchErr != nil {
		// Stay in the error state until the next reconnect retries; a
		// recursive resync here would never terminate. Local edits go back
		// into the buffer so the retry still carries them.
		if localOp != nil && !localOp.IsIdentity() {
			s.buffer = localOp
		}
		s.state = StateError
		st := s.state
		s.mu.Unlock()
		s.logger.Error("resync failed", "err", fetchErr)
		s.emitState(st)
		s.emitError(fmt.Errorf("%w: %v", ErrResyncFailed, fetchErr))
		return
	}

	// The gap between our last known server state and the fresh fetch is
	// one large concurrent operation.
	gap := ot.Diff(base.String(), doc.Content)
	s.server = textFromDoc(doc)
	s.version = doc.Version
	s.local = s.server.Clone()
	s.state = StateSynced

	if localOp != nil && !localOp.IsIdentity() {
		// Server-side progress takes priority over unacknowledged local
		// speculation; our edits are rebased after it.
		_, rebased, terr := ot.Transform(gap, localOp)
		if terr == nil {
			if merged, aerr := ot.Apply(s.server, rebased); aerr == nil {
				s.local = merged
				s.sendLocked(rebased)
			} else {
				terr = aerr
			}
		}
		if terr != nil {
			s.logger.Error("buffered edits could not be rebased, discarding", "err", terr)
			defer s.emitError(fmt.Errorf("%w: rebasing buffered edits: %v", ErrTransformViolation, terr))
		}
	}
	s.journalLocked()
	upd := s.snapshotLocked()
	st := s.state
	s.mu.Unlock()

	s.logger.Info("resync finished", "version", upd.Version, "state", st.String())
	s.emitState(st)
	s.emitUpdate(upd)
}

// composeLocalLocked folds pending and buffer into one operation.
func (s *Session) composeLocalLocked() (ot.Operation, error) {
	switch {
	case s.pending == nil:
		return s.buffer, nil
	case s.buffer == nil:
		return s.pending, nil
	default:
		return ot.Compose(s.pending, s.buffer)
	}
}

// journalLocked mirrors the unacked local state to the journal.
func (s *Session) journalLocked() {
	if s.cfg.Journal == nil {
		return
	}
	localOp, err := s.composeLocalLocked()
	if err != nil {
		s.logger.Warn("journal compose failed", "err", err)
		return
	}
	if localOp == nil || localOp.IsIdentity() {
		if err := s.cfg.Journal.Delete(s.cfg.DocID); err != nil {
			s.logger.Warn("journal clear failed", "err", err)
		}
		return
	}
	entry := JournalEntry{
		DocID:       s.cfg.DocID,
		BaseVersion: s.version,
		BaseRuns:    s.server.Runs(),
		Op:          localOp,
	}
	if err := s.cfg.Journal.Put(entry); err != nil {
		s.logger.Warn("journal write failed", "err", err)
	}
}

func textFromDoc(doc store.Document) *ot.Text {
	if len(doc.Runs) > 0 {
		return ot.FromRuns(doc.Runs)
	}
	return ot.NewText(doc.Content)
}

func (s *Session) snapshotLocked() Update {
	return Update{
		Content:       s.local.String(),
		Runs:          s.local.Runs(),
		Version:       s.version,
		Collaborators: s.tracker.Records(),
	}
}

func (s *Session) emitSnapshot() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	upd := s.snapshotLocked()
	s.mu.Unlock()
	s.emitUpdate(upd)
}

func (s *Session) emitUpdate(upd Update) {
	if s.cfg.OnUpdate != nil {
		s.cfg.OnUpdate(upd)
	}
}

func (s *Session) emitState(st State) {
	if s.cfg.OnState != nil {
		s.cfg.OnState(st)
	}
}

func (s *Session) emitError(err error) {
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}

func (s *Session) fail(err error) {
	s.logger.Error(err.Error())
	s.emitError(err)
	s.resync("invariant violation")
}
