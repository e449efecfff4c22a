package events

import (
	"encoding/json"
	"liverelay/cmd/internal/contract"
)

type SocketEvent interface {
	GetType() contract.EventType
}

type Joined struct {
	ConversationID string `json:"conversationId"`
}

func (*Joined) GetType() contract.EventType {
	return contract.EventJoined
}

type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

func (*Typing) GetType() contract.EventType {
	return contract.EventTyping
}

// NewMessage is relayed as-is; persistence happens elsewhere.
type NewMessage struct {
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	MessageID      string          `json:"messageId"`
	Message        json.RawMessage `json:"message"`
}

func (*NewMessage) GetType() contract.EventType {
	return contract.EventNewMessage
}

type Notification struct {
	Title string          `json:"title"`
	Body  string          `json:"body,omitempty"`
	Kind  string          `json:"kind,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func (*Notification) GetType() contract.EventType {
	return contract.EventNotification
}

type OnlineStatus struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
	// LastOnlineAt is RFC3339.
	LastOnlineAt string `json:"lastOnlineAt"`
}

func (*OnlineStatus) GetType() contract.EventType {
	return contract.EventOnlineStatus
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

func (*Pong) GetType() contract.EventType {
	return contract.EventPong
}

type Error struct {
	Message string `json:"message"`
}

func (*Error) GetType() contract.EventType {
	return contract.EventError
}

type SessionExpired struct{}

func (*SessionExpired) GetType() contract.EventType {
	return contract.EventSessionExpired
}
