// Package presence tracks the active collaborators on a document: who is
// there and where their cursors and selections sit. Records are ephemeral,
// owned by the connection that created them, and cleaned up by a liveness
// timeout when a leave event is missed.
package presence

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"freelancehub/collab/ot"
	"freelancehub/collab/protocol"
)

// Record is one collaborator's ephemeral state.
type Record struct {
	UserID      string
	DisplayName string
	Cursor      int
	Selection   *protocol.Selection
	LastSeen    time.Time
}

// Publisher is the slice of the transport the tracker needs.
type Publisher interface {
	Publish(channelID, event string, payload any) error
}

// Config configures a Tracker. Zero values get defaults.
type Config struct {
	DocID       string
	UserID      string
	DisplayName string
	Publisher   Publisher
	// Debounce bounds the local cursor publish rate (default 100ms).
	// Cursor traffic is high-frequency and loss-tolerant; intermediate
	// positions are coalesced and only the latest is sent.
	Debounce time.Duration
	// Timeout evicts collaborators with no activity (default 30s).
	Timeout time.Duration
	// SweepEvery is the eviction scan interval (default 10s).
	SweepEvery time.Duration
	Logger     *slog.Logger
	// OnChange fires with the full collaborator set after any change.
	OnChange func([]Record)
}

func (c *Config) defaults() {
	if c.Debounce <= 0 {
		c.Debounce = 100 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Tracker maintains the userID → Record map for one document.
type Tracker struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	records     map[string]*Record
	localCursor int
	localSel    *protocol.Selection
	flushTimer  *time.Timer
	stop        chan struct{}
	stopped     bool
}

func NewTracker(cfg Config) *Tracker {
	cfg.defaults()
	t := &Tracker{
		cfg:     cfg,
		logger:  cfg.Logger,
		records: make(map[string]*Record),
		stop:    make(chan struct{}),
	}
	go t.sweep()
	return t
}

// Announce publishes a join for the local user.
func (t *Tracker) Announce() error {
	return t.cfg.Publisher.Publish(protocol.DocChannel(t.cfg.DocID), protocol.EventPresenceJoin,
		protocol.PresenceJoin{DocID: t.cfg.DocID, UserID: t.cfg.UserID, DisplayName: t.cfg.DisplayName})
}

// Withdraw publishes a leave for the local user.
func (t *Tracker) Withdraw() error {
	return t.cfg.Publisher.Publish(protocol.DocChannel(t.cfg.DocID), protocol.EventPresenceLeave,
		protocol.PresenceLeave{DocID: t.cfg.DocID, UserID: t.cfg.UserID})
}

// Stop halts the sweeper and any scheduled publish.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	close(t.stop)
	if t.flushTimer != nil {
		t.flushTimer.Stop()
		t.flushTimer = nil
	}
}

// SetLocal records the local cursor/selection and schedules a debounced
// publish. Lost updates self-heal on the next move, so dropped frames are
// fine.
func (t *Tracker) SetLocal(cursor int, sel *protocol.Selection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.localCursor = cursor
	t.localSel = sel
	if t.flushTimer == nil {
		t.flushTimer = time.AfterFunc(t.cfg.Debounce, t.flushLocal)
	}
}

func (t *Tracker) flushLocal() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.flushTimer = nil
	upd := protocol.PresenceUpdate{
		DocID:       t.cfg.DocID,
		UserID:      t.cfg.UserID,
		DisplayName: t.cfg.DisplayName,
		Cursor:      t.localCursor,
		Selection:   t.localSel,
		SentAt:      time.Now(),
	}
	t.mu.Unlock()
	if err := t.cfg.Publisher.Publish(protocol.DocChannel(t.cfg.DocID), protocol.EventPresence, upd); err != nil {
		t.logger.Debug("presence: publish dropped", "err", err)
	}
}

// HandleUpdate ingests a presence.update payload from the wire.
func (t *Tracker) HandleUpdate(raw json.RawMessage) {
	var upd protocol.PresenceUpdate
	if err := json.Unmarshal(raw, &upd); err != nil {
		t.logger.Warn("presence: bad update", "err", err)
		return
	}
	if upd.UserID == t.cfg.UserID {
		return // our own echo
	}
	t.mu.Lock()
	rec, exists := t.records[upd.UserID]
	if !exists {
		rec = &Record{UserID: upd.UserID}
		t.records[upd.UserID] = rec
	}
	if upd.DisplayName != "" {
		rec.DisplayName = upd.DisplayName
	}
	rec.Cursor = upd.Cursor
	rec.Selection = upd.Selection
	rec.LastSeen = time.Now()
	t.mu.Unlock()
	t.notify()
}

// HandleJoin ingests a presence.join payload.
func (t *Tracker) HandleJoin(raw json.RawMessage) {
	var j protocol.PresenceJoin
	if err := json.Unmarshal(raw, &j); err != nil {
		t.logger.Warn("presence: bad join", "err", err)
		return
	}
	if j.UserID == t.cfg.UserID {
		return
	}
	t.mu.Lock()
	if _, exists := t.records[j.UserID]; !exists {
		t.records[j.UserID] = &Record{UserID: j.UserID, DisplayName: j.DisplayName, LastSeen: time.Now()}
	} else {
		t.records[j.UserID].LastSeen = time.Now()
	}
	t.mu.Unlock()
	t.notify()
}

// HandleLeave ingests a presence.leave payload.
func (t *Tracker) HandleLeave(raw json.RawMessage) {
	var l protocol.PresenceLeave
	if err := json.Unmarshal(raw, &l); err != nil {
		t.logger.Warn("presence: bad leave", "err", err)
		return
	}
	t.mu.Lock()
	delete(t.records, l.UserID)
	t.mu.Unlock()
	t.notify()
}

// ApplyOperation remaps every tracked position across an applied operation.
// A stale cursor is a correctness bug, not a cosmetic one: editors render
// insertion points at exact offsets. The op author's own cursor moves past
// text they inserted at it; everyone else's holds its ground.
func (t *Tracker) ApplyOperation(op ot.Operation, originUserID string) {
	t.mu.Lock()
	for _, rec := range t.records {
		bias := ot.BiasLeft
		if rec.UserID == originUserID {
			bias = ot.BiasRight
		}
		rec.Cursor = ot.TransformPosition(rec.Cursor, op, bias)
		if rec.Selection != nil {
			rec.Selection = &protocol.Selection{
				Start: ot.TransformPosition(rec.Selection.Start, op, ot.BiasLeft),
				End:   ot.TransformPosition(rec.Selection.End, op, bias),
			}
		}
	}
	t.mu.Unlock()
	t.notify()
}

// Records returns the tracked collaborators sorted by user ID.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recordsLocked()
}

func (t *Tracker) recordsLocked() []Record {
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		r := *rec
		if rec.Selection != nil {
			sel := *rec.Selection
			r.Selection = &sel
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (t *Tracker) notify() {
	if t.cfg.OnChange == nil {
		return
	}
	t.mu.Lock()
	recs := t.recordsLocked()
	t.mu.Unlock()
	t.cfg.OnChange(recs)
}

func (t *Tracker) sweep() {
	ticker := time.NewTicker(t.cfg.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-t.cfg.Timeout)
			t.mu.Lock()
			var evicted []string
			for id, rec := range t.records {
				if rec.LastSeen.Before(cutoff) {
					delete(t.records, id)
					evicted = append(evicted, id)
				}
			}
			t.mu.Unlock()
			if len(evicted) > 0 {
				t.logger.Info("presence: evicted idle collaborators", "users", evicted)
				t.notify()
			}
		case <-t.stop:
			return
		}
	}
}
