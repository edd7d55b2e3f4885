package models

import "time"

// Session groups the messages of one mentor conversation.
type Session struct {
	ID          int64        `json:"id"`
	UserID      int64        `json:"user_id"`
	Title       string       `json:"title"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	LastMessage *LastMessage `json:"last_message,omitempty"`
}

// LastMessage is the preview of the newest message in a session list.
type LastMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// DefaultSessionTitle is the placeholder until a title is generated.
const DefaultSessionTitle = "New Conversation"
