package models

import (
	"time"
)

type ChatThread struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	UserID    uint       `gorm:"index;not null" json:"user_id"`
	User      User       `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	StartTime time.Time  `gorm:"index;not null" json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
	Messages  []Message  `gorm:"foreignKey:ThreadID" json:"messages,omitempty"`
}

// Message rows are append-only.
type Message struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ThreadID  uint      `gorm:"index;not null" json:"thread_id"`
	Content   string    `gorm:"type:text" json:"content"`
	IsUser    bool      `json:"is_user"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
}
