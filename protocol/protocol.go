// Package protocol defines the wire events exchanged on a per-document
// channel between clients and the sync server.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"freelancehub/collab/ot"
)

// Event names published on a document channel.
const (
	EventOpSubmit      = "op.submit"
	EventOpAck         = "op.ack"
	EventOpBroadcast   = "op.broadcast"
	EventPresence      = "presence.update"
	EventPresenceJoin  = "presence.join"
	EventPresenceLeave = "presence.leave"
)

// Control events understood by the transport layer itself.
const (
	EventChannelJoin  = "channel.join"
	EventChannelLeave = "channel.leave"
)

// DocChannel is the channel name for a document.
func DocChannel(docID string) string {
	return "doc:" + docID
}

// Envelope is the frame the transport carries: a channel, an event name,
// and an event-specific payload.
type Envelope struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps payload into an envelope frame.
func Encode(channel, event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Channel: channel, Event: event, Payload: raw})
}

// OpSubmit is a client submitting one operation against a base version.
type OpSubmit struct {
	DocID       string       `json:"docId"`
	ClientID    string       `json:"clientId"`
	BaseVersion int64        `json:"baseVersion"`
	Op          ot.Operation `json:"op"`
}

// OpAck tells the submitting client the version its operation was
// accepted at.
type OpAck struct {
	DocID      string `json:"docId"`
	ClientID   string `json:"clientId"`
	NewVersion int64  `json:"newVersion"`
	// Conflict is set instead of NewVersion when the server rejected the
	// submission because its base version was stale.
	Conflict bool `json:"conflict,omitempty"`
}

// OpBroadcast carries an accepted operation to every session on the
// document channel, already transformed to apply at Version-1.
type OpBroadcast struct {
	DocID          string       `json:"docId"`
	Version        int64        `json:"version"`
	OriginClientID string       `json:"originClientId"`
	Op             ot.Operation `json:"op"`
}

// PresenceUpdate is a cursor/selection report. Selection is nil when the
// user has a bare cursor.
type PresenceUpdate struct {
	DocID       string     `json:"docId"`
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName,omitempty"`
	Cursor      int        `json:"cursor"`
	Selection   *Selection `json:"selection,omitempty"`
	SentAt      time.Time  `json:"sentAt,omitempty"`
}

// Selection is an inclusive-start, exclusive-end range.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// PresenceJoin announces a collaborator entering a document channel.
type PresenceJoin struct {
	DocID       string `json:"docId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

// PresenceLeave announces a collaborator leaving.
type PresenceLeave struct {
	DocID  string `json:"docId"`
	UserID string `json:"userId"`
}
