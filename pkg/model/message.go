package model

import "time"

// User is the identity attached to a session at handshake time.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Room is a named channel. Name is unique and can be used as a routing key.
type Room struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a persisted chat message. ID is assigned by the store and is
// strictly increasing within a room, starting at 1.
type Message struct {
	ID         int64     `json:"id"`
	RoomID     int64     `json:"room_id"`
	SenderID   int64     `json:"user_id"`
	SenderName string    `json:"username"`
	Body       string    `json:"content"`
	CreatedAt  time.Time `json:"timestamp"`
}
