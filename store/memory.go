package store

import (
	"context"
	"sync"
	"time"

	"freelancehub/collab/ot"
)

type memoryDoc struct {
	text    *ot.Text
	version int64
	ops     []SequencedOp
	updated time.Time
}

// Memory is an in-memory Store, used for tests and single-node setups.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]*memoryDoc
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string]*memoryDoc)}
}

func (m *Memory) Create(ctx context.Context, id, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[id]; exists {
		return ErrExists
	}
	m.docs[id] = &memoryDoc{text: ot.NewText(content), updated: time.Now()}
	return nil
}

func (m *Memory) Fetch(ctx context.Context, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, exists := m.docs[id]
	if !exists {
		return Document{}, ErrNotFound
	}
	seen := make(map[string]bool)
	var collaborators []string
	for _, op := range d.ops {
		if op.ClientID != "" && !seen[op.ClientID] {
			seen[op.ClientID] = true
			collaborators = append(collaborators, op.ClientID)
		}
	}
	return Document{
		ID:            id,
		Content:       d.text.String(),
		Runs:          d.text.Runs(),
		Version:       d.version,
		Collaborators: collaborators,
		UpdatedAt:     d.updated,
	}, nil
}

func (m *Memory) Append(ctx context.Context, id string, op ot.Operation, clientID string, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, exists := m.docs[id]
	if !exists {
		return 0, ErrNotFound
	}
	if expectedVersion != d.version {
		return 0, ErrVersionConflict
	}
	next, err := ot.Apply(d.text, op)
	if err != nil {
		return 0, err
	}
	d.text = next
	d.version++
	d.ops = append(d.ops, SequencedOp{Version: d.version, ClientID: clientID, Op: op})
	d.updated = time.Now()
	return d.version, nil
}

func (m *Memory) OpsSince(ctx context.Context, id string, since int64) ([]SequencedOp, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, exists := m.docs[id]
	if !exists {
		return nil, ErrNotFound
	}
	var out []SequencedOp
	for _, op := range d.ops {
		if op.Version > since {
			out = append(out, op)
		}
	}
	return out, nil
}

var _ Store = (*Memory)(nil)
