package models

import "time"

// ChatType distinguishes one-to-one chats from group chats.
type ChatType string

const (
	ChatTypePrivate ChatType = "private"
	ChatTypeGroup   ChatType = "group"
)

// ChatRef addresses a conversation on a specific transport.
type ChatRef struct {
	Platform string   `json:"platform"`
	ID       string   `json:"id"`
	Type     ChatType `json:"type"`
}

// MessageEvent is an inbound message as delivered by a transport.
type MessageEvent struct {
	ID      string    `json:"id"`
	UserID  string    `json:"user_id"`
	Chat    ChatRef   `json:"chat"`
	Message Message   `json:"message"`
	Time    time.Time `json:"time"`
}
