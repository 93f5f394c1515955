// Package session implements the Session Manager and client protocol
// codec (spec §4.3): JSON frames over a bidirectional stream, the
// per-session state machine, and the Subscription Router's fan-out.
package session

import (
	"encoding/json"
	"time"

	"github.com/texweave/node/crdt"
)

// Tag identifies one member of the client-protocol message set.
type Tag string

// Inbound (client -> node) tags.
const (
	TagAuthentication       Tag = "Authentication"
	TagListDocuments        Tag = "ListDocuments"
	TagCreateDocument       Tag = "CreateDocument"
	TagOpenDocument         Tag = "OpenDocument"
	TagCreateDocumentBranch Tag = "CreateDocumentBranch"
	TagDocumentOperation    Tag = "DocumentOperation"
	TagPresenceUpdate       Tag = "PresenceUpdate"
)

// Outbound (node -> client) tags.
const (
	TagDocumentList    Tag = "DocumentList"
	TagDocumentCreated Tag = "DocumentCreated"
	TagDocumentUpdate  Tag = "DocumentUpdate"
	TagBranchCreated   Tag = "BranchCreated"
	TagHeartbeat       Tag = "Heartbeat"
	TagError           Tag = "Error"
)

// Frame is the wire shape every client <-> node message takes: newline
// (frame)-delimited JSON objects of shape { "type": <tag>, "payload": ... }.
type Frame struct {
	Type    Tag             `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func frame(tag Tag, payload any) Frame {
	if payload == nil {
		return Frame{Type: tag}
	}
	b, _ := json.Marshal(payload)
	return Frame{Type: tag, Payload: b}
}

// --- inbound payloads ---

type AuthenticationPayload struct {
	UserID string  `json:"user_id"`
	Token  *string `json:"token,omitempty"`
}

type CreateDocumentPayload struct {
	Title         string  `json:"title"`
	RepositoryURL *string `json:"repository_url,omitempty"`
}

type OpenDocumentPayload struct {
	DocumentID string `json:"document_id"`
}

type CreateDocumentBranchPayload struct {
	DocumentID string `json:"document_id"`
}

type DocumentOperationPayload struct {
	DocumentID string  `json:"document_id"`
	Operation  crdt.Op `json:"operation"`
}

type PresenceUpdateInPayload struct {
	DocumentID string          `json:"document_id"`
	Presence   json.RawMessage `json:"presence"`
}

// --- outbound payloads ---

type DocumentSummary struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Owner         string    `json:"owner"`
	Collaborators []string  `json:"collaborators"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type DocumentListPayload struct {
	Documents []DocumentSummary `json:"documents"`
}

type DocumentCreatedPayload struct {
	DocumentSummary
}

type DocumentUpdatePayload struct {
	DocumentID string `json:"document_id"`
	Content    string `json:"content"`
	Version    uint64 `json:"version"`
}

type PresenceEntry struct {
	UserID   string          `json:"user_id"`
	Presence json.RawMessage `json:"presence"`
}

type PresenceUpdateOutPayload struct {
	DocumentID string          `json:"document_id"`
	Presence   []PresenceEntry `json:"presence"`
}

type BranchCreatedPayload struct {
	DocumentID string `json:"document_id"`
}

type HeartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
