// Package model defines the domain types shared across parley.
package model

import "time"

// User is a chat participant. Users are created by the signup service;
// parley only reads them.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is one private message between two users.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Text       string    `json:"message"`
	Read       bool      `json:"read"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Participants returns the sender and receiver ids, in that order.
func (m Message) Participants() []string {
	return []string{m.SenderID, m.ReceiverID}
}

// EventType tags a real-time notification.
type EventType string

const (
	// EventNewMessage is pushed to every connection of the receiver.
	EventNewMessage EventType = "new_message"
	// EventMessageSent confirms a send to the sender's other connections.
	EventMessageSent EventType = "message_sent"
)

// Event is a notification about a persisted message.
type Event struct {
	Type    EventType
	Message Message
}
