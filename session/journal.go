package session

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"freelancehub/collab/ot"
)

var journalBucket = []byte("pending_ops")

// JournalEntry is the durable record of a document's unacknowledged local
// state: the last known server content and the composed local operation
// that has not been accepted yet.
type JournalEntry struct {
	DocID       string       `json:"docId"`
	BaseVersion int64        `json:"baseVersion"`
	BaseRuns    []ot.Run     `json:"baseRuns"`
	Op          ot.Operation `json:"op"`
}

// Journal persists unacknowledged local operations across process
// restarts, so an agent that crashes mid-edit can replay its buffered
// changes through the normal resync path on the next open.
type Journal struct {
	db *bolt.DB
}

// OpenJournal opens (creating if needed) the journal file.
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("session: open journal %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(journalBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("session: init journal: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Put records the entry for a document, replacing any previous one.
func (j *Journal) Put(entry JournalEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("session: marshal journal entry: %w", err)
	}
	err = j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(journalBucket).Put([]byte(entry.DocID), raw)
	})
	if err != nil {
		return fmt.Errorf("session: write journal entry for %s: %w", entry.DocID, err)
	}
	return nil
}

// Get returns the entry for a document, or ok=false when there is none.
func (j *Journal) Get(docID string) (JournalEntry, bool, error) {
	var entry JournalEntry
	var found bool
	err := j.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(journalBucket).Get([]byte(docID))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		return JournalEntry{}, false, fmt.Errorf("session: read journal entry for %s: %w", docID, err)
	}
	return entry, found, nil
}

// Delete clears the entry for a document.
func (j *Journal) Delete(docID string) error {
	err := j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(journalBucket).Delete([]byte(docID))
	})
	if err != nil {
		return fmt.Errorf("session: delete journal entry for %s: %w", docID, err)
	}
	return nil
}
