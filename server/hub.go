package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"freelancehub/collab/ot"
	"freelancehub/collab/protocol"
	"freelancehub/collab/store"
)

// Hub serializes operation submissions per document. It is the single
// writer path: every accepted operation gets the next version number, and
// stale submissions are rebased over the history they missed before being
// appended.
type Hub struct {
	store  store.Store
	logger *slog.Logger

	mu   sync.Mutex
	docs map[string]*sync.Mutex
}

func NewHub(st store.Store, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{store: st, logger: logger, docs: make(map[string]*sync.Mutex)}
}

func (h *Hub) docLock(id string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.docs[id]
	if !ok {
		l = &sync.Mutex{}
		h.docs[id] = l
	}
	return l
}

// Submit sequences one client operation. It returns the ack for the
// origin client and, when the operation was accepted, the broadcast every
// subscriber of the document channel must receive.
//
// deliver, when non-nil, runs with the accepted ack and broadcast while
// the document lock is still held. Sessions assume broadcasts arrive in
// version order, so anything that enqueues them onto subscriber sockets
// must happen here, not after Submit returns and a later version can
// overtake this one.
func (h *Hub) Submit(ctx context.Context, sub protocol.OpSubmit, deliver func(protocol.OpAck, protocol.OpBroadcast)) (protocol.OpAck, *protocol.OpBroadcast, error) {
	ack := protocol.OpAck{DocID: sub.DocID, ClientID: sub.ClientID}

	if err := sub.Op.Validate(); err != nil {
		return ack, nil, fmt.Errorf("hub: invalid op from %s: %w", sub.ClientID, err)
	}

	l := h.docLock(sub.DocID)
	l.Lock()
	defer l.Unlock()

	doc, err := h.store.Fetch(ctx, sub.DocID)
	if err != nil {
		return ack, nil, fmt.Errorf("hub: fetch %s: %w", sub.DocID, err)
	}
	if sub.BaseVersion > doc.Version {
		// The client claims a version we have never issued.
		ack.Conflict = true
		h.logger.Warn("submission from the future",
			"doc", sub.DocID, "client", sub.ClientID,
			"base", sub.BaseVersion, "head", doc.Version)
		return ack, nil, nil
	}

	op := sub.Op
	if sub.BaseVersion < doc.Version {
		// Rebase over everything the client had not seen, oldest first,
		// with the same client-ID tie-break the replicas use.
		history, err := h.store.OpsSince(ctx, sub.DocID, sub.BaseVersion)
		if err != nil {
			return ack, nil, fmt.Errorf("hub: history for %s since %d: %w", sub.DocID, sub.BaseVersion, err)
		}
		for _, past := range history {
			_, op, err = transformPair(past.Op, past.ClientID, op, sub.ClientID)
			if err != nil {
				ack.Conflict = true
				h.logger.Error("rebase failed, forcing resync",
					"doc", sub.DocID, "client", sub.ClientID, "err", err)
				return ack, nil, nil
			}
		}
	}

	newVersion, err := h.store.Append(ctx, sub.DocID, op, sub.ClientID, doc.Version)
	if errors.Is(err, store.ErrVersionConflict) {
		// Lost a cross-node race; the client retries through resync.
		ack.Conflict = true
		return ack, nil, nil
	}
	if err != nil {
		return ack, nil, fmt.Errorf("hub: append to %s: %w", sub.DocID, err)
	}

	ack.NewVersion = newVersion
	bcast := protocol.OpBroadcast{
		DocID:          sub.DocID,
		Version:        newVersion,
		OriginClientID: sub.ClientID,
		Op:             op,
	}
	if deliver != nil {
		deliver(ack, bcast)
	}
	return ack, &bcast, nil
}

// transformPair rebases two concurrent operations, placing the op from the
// lexicographically smaller client ID first so the server and every
// replica resolve ties identically.
func transformPair(a ot.Operation, aClient string, b ot.Operation, bClient string) (aPrime, bPrime ot.Operation, err error) {
	if aClient < bClient {
		aPrime, bPrime, err = ot.Transform(a, b)
	} else {
		bPrime, aPrime, err = ot.Transform(b, a)
	}
	return aPrime, bPrime, err
}
