// Package chat holds the client-side conversation core: the per-session stream
// controller, the session store, the per-session message log and the orchestrator
// that wires user input to the streaming endpoint.
package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"mentorchat/internal/models"
)

const provisionalPrefix = "local-"

// Message is one entry of a session's history as seen by the client.
type Message struct {
	ID        string      `json:"id"`
	Role      models.Role `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// Provisional reports whether the id was generated locally and has not been
// confirmed by the server.
func (m Message) Provisional() bool {
	return IsProvisionalID(m.ID)
}

// Preview is the denormalized last message shown in session lists.
type Preview struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// Session is the metadata of one conversation.
type Session struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	UpdatedAt          time.Time `json:"updated_at"`
	LastMessagePreview *Preview  `json:"last_message,omitempty"`
}

// SendRequest is the body of a send-message call. Its response is the event stream.
type SendRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// NewProvisionalID returns an id that can never be mistaken for a server id.
func NewProvisionalID() string {
	return provisionalPrefix + uuid.NewString()
}

func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}
