package model

import "time"

type Role string

const (
	RoleClient  Role = "client"
	RoleAgent   Role = "agent"
	RolePartner Role = "partner"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is one of the known marketplace roles.
func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleAgent, RolePartner, RoleAdmin:
		return true
	}
	return false
}

type Sender struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  Role   `json:"role"`
}

// ChatMessage is one entry of an application's chat stream. IDs and
// timestamps are assigned by the server.
type ChatMessage struct {
	ID            int64     `json:"id"`
	Sender        Sender    `json:"sender"`
	Text          string    `json:"text"`
	AttachmentURL string    `json:"attachment_url,omitempty"`
	IsRead        bool      `json:"is_read"`
	CreatedAt     time.Time `json:"created_at"`
}

// HistoryItem is the flattened shape returned by GET /chat/by_application/.
type HistoryItem struct {
	ID            int64     `json:"id"`
	SenderEmail   string    `json:"sender_email"`
	SenderName    string    `json:"sender_name"`
	SenderRole    Role      `json:"sender_role"`
	Text          string    `json:"text"`
	AttachmentURL string    `json:"attachment_url,omitempty"`
	IsRead        bool      `json:"is_read"`
	CreatedAt     time.Time `json:"created_at"`
}

// ChatMessage converts the list shape into the canonical one. The list
// endpoint does not carry the sender id, so it is left at zero.
func (h HistoryItem) ChatMessage() ChatMessage {
	return ChatMessage{
		ID: h.ID,
		Sender: Sender{
			Email: h.SenderEmail,
			Name:  h.SenderName,
			Role:  h.SenderRole,
		},
		Text:          h.Text,
		AttachmentURL: h.AttachmentURL,
		IsRead:        h.IsRead,
		CreatedAt:     h.CreatedAt,
	}
}

type MarkReadRequest struct {
	MessageIDs []int64 `json:"message_ids"`
}
