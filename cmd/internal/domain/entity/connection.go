package entity

import (
	"slices"
	"time"
)

const (
	HeartbeatPeriod    = 60 * time.Second
	HeartbeatTolerance = 10 * time.Second
)

// Connection is one live socket as seen by the gateway. A user may own many.
type Connection struct {
	ConnectionID        string   `gorm:"primaryKey;autoIncrement:false"`
	UserID              string   `gorm:"not null;index"`
	ConversationIDs     []string `gorm:"-"`
	VisibleConversation string   `gorm:"not null;default:''"`
	ExpiresAt           int64    `gorm:"not null;default:0;index"`
	ConnectedAt         int64    `gorm:"not null"`
	LastSeenAt          int64    `gorm:"not null;index"`
}

// ConnectionConversation is the membership row behind Connection.ConversationIDs.
type ConnectionConversation struct {
	ConnectionID   string `gorm:"primaryKey;autoIncrement:false"`
	ConversationID string `gorm:"primaryKey;autoIncrement:false;index"`
}

func (c *Connection) InConversation(conversationID string) bool {
	return slices.Contains(c.ConversationIDs, conversationID)
}

// Expired reports whether the token that opened the connection has expired.
func (c *Connection) Expired(nowMillis int64) bool {
	return c.ExpiresAt > 0 && c.ExpiresAt <= nowMillis
}
