package models

import (
	"time"
)

// User is a chat participant keyed by client address and session id.
// The counters only ever grow; a fresh session gets a fresh identifier.
type User struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	UserIdentifier string    `gorm:"uniqueIndex;not null" json:"user_identifier"`
	QuestionCount  int       `gorm:"not null;default:0" json:"question_count"`
	WordCount      int       `gorm:"not null;default:0" json:"word_count"`
	TokenCount     int       `gorm:"not null;default:0" json:"token_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
}
