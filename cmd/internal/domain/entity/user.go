package entity

// User only carries what the relay owns about a user: the last time we saw
// them come or go. Everything else lives with the account service.
type User struct {
	ID           string `gorm:"primaryKey;autoIncrement:false"`
	LastOnlineAt int64  `gorm:"not null"`
}
