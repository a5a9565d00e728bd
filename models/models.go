package models

import "time"

type Account struct {
	Username       string `json:"username"`
	PasswordDigest string `json:"password_digest"`
	Active         bool   `json:"active"`
}

type Message struct {
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Read      bool      `json:"read"`
}

// ConvoEntry is one row of the conversation listing returned on
// CREATE/LOGIN: a counterpart and how many of their messages are unread.
type ConvoEntry struct {
	Username string
	Unread   int
}

type Role string

const (
	RolePrimary Role = "primary"
	RoleBackup  Role = "backup"
)

// Member is one server replica in the replicated membership list.
type Member struct {
	Addr          string    `json:"addr"`
	Role          Role      `json:"role"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}
