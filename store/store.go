// Package store persists document snapshots and their operation logs.
// The sync server is its only writer; clients treat it as opaque and
// reach it through fetch/append calls.
package store

import (
	"context"
	"errors"
	"time"

	"freelancehub/collab/ot"
)

var (
	ErrNotFound = errors.New("store: document not found")
	ErrExists   = errors.New("store: document already exists")
	// ErrVersionConflict is returned by Append when expectedVersion is not
	// the document's current version; the caller must refetch and retry.
	ErrVersionConflict = errors.New("store: version conflict")
)

// Document is a fetched snapshot: full content at Version plus the users
// currently known as collaborators.
type Document struct {
	ID            string
	Content       string
	Runs          []ot.Run
	Version       int64
	Collaborators []string
	UpdatedAt     time.Time
}

// SequencedOp is one accepted operation at a version. Applying it to the
// content at Version-1 yields the content at Version.
type SequencedOp struct {
	Version  int64
	ClientID string
	Op       ot.Operation
}

// Store is the document store contract. Append's expectedVersion is the
// optimistic-concurrency token: it must equal the document's current
// version or the append fails with ErrVersionConflict.
type Store interface {
	Create(ctx context.Context, id, content string) error
	Fetch(ctx context.Context, id string) (Document, error)
	Append(ctx context.Context, id string, op ot.Operation, clientID string, expectedVersion int64) (newVersion int64, err error)
	// OpsSince returns accepted operations with version > since, ascending.
	OpsSince(ctx context.Context, id string, since int64) ([]SequencedOp, error)
}
