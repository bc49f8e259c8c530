package models

import "time"

// Contact is a directed "owner has added peer" edge.
type Contact struct {
	ID        string    `db:"id" json:"id"`
	OwnerID   string    `db:"owner_id" json:"owner_id"`
	PeerID    string    `db:"peer_id" json:"peer_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ContactView is a contact edge joined with the peer's current profile.
type ContactView struct {
	ID        string    `json:"id"`
	PeerID    string    `json:"peer_id"`
	Profile   Profile   `json:"profile"`
	Resolved  bool      `json:"resolved"`
	CreatedAt time.Time `json:"created_at"`
}
