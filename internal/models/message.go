package models

import "time"

// MaxContentLength bounds message content, in characters.
const MaxContentLength = 10000

// Message represents a direct message between two identities.
type Message struct {
	ID         string    `db:"id" json:"id"`
	SenderID   string    `db:"sender_id" json:"sender_id"`
	ReceiverID string    `db:"receiver_id" json:"receiver_id"`
	Content    string    `db:"content" json:"content"`
	ReplyToID  *string   `db:"reply_to_id" json:"reply_to_id,omitempty"`
	Edited     bool      `db:"edited" json:"edited"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// InPair reports whether the message belongs to the conversation of a and b.
func (m Message) InPair(a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

// VisibleTo reports whether identity took part in the message.
func (m Message) VisibleTo(identity string) bool {
	return m.SenderID == identity || m.ReceiverID == identity
}

// ReplyPreview is the quoted part of a replied-to message.
type ReplyPreview struct {
	MessageID  string `json:"message_id"`
	Content    string `json:"content"`
	SenderName string `json:"sender_name"`
}

// ThreadMessage is a message as materialized in a thread view.
type ThreadMessage struct {
	Message
	ReplyTo *ReplyPreview `json:"reply_to,omitempty"`
}

// ThreadEvent is pushed over thread websocket sessions.
type ThreadEvent struct {
	Type     string          `json:"type"`
	PeerID   string          `json:"peer_id,omitempty"`
	State    string          `json:"state,omitempty"`
	Messages []ThreadMessage `json:"messages,omitempty"`
	Message  *Message        `json:"message,omitempty"`
	Code     string          `json:"code,omitempty"`
	Error    string          `json:"error,omitempty"`
}
