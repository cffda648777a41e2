// Package events distributes orchestration progress to observers: the
// WebSocket stream, other server instances via Redis, and an external
// Pub/Sub topic.
//
// Publishing never blocks the orchestrator on an observer. Handlers run on
// their own goroutines and their errors are logged, not returned.
package events

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeHandshake          Type = "handshake.completed"
	TypeExecutionStarted   Type = "execution.started"
	TypePromptTransformed  Type = "prompt.transformed"
	TypeResponseRecovered  Type = "response.recovered"
	TypeAuditCompleted     Type = "audit.completed"
	TypeExecutionCompleted Type = "execution.completed"
	TypeDiskIngest         Type = "disk.ingest"
	TypeAlert              Type = "alert"
	TypeNodesSnapshot      Type = "nodes.snapshot"
	TypeCommandReceived    Type = "command.received"

	// AllTypes subscribes a handler to every event type.
	AllTypes Type = "*"
)

// Alert severities.
const (
	AlertInfo    = "info"
	AlertWarning = "warning"
	AlertError   = "error"
	AlertSuccess = "success"
)

type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Source    string    `json:"source"`
	PacketID  string    `json:"packet_id,omitempty"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// New stamps a fresh event.
func New(t Type, source, packetID string, payload any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      t,
		Source:    source,
		PacketID:  packetID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Alert is the payload of TypeAlert events.
type Alert struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// NewAlert builds an alert event.
func NewAlert(source, packetID, level, message string) *Event {
	return New(TypeAlert, source, packetID, Alert{Level: level, Message: message})
}
