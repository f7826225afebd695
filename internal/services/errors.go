package services

import (
	"errors"
	"fmt"
)

var (
	ErrLimitExceeded       = errors.New("usage limit exceeded")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrPersistence         = errors.New("persistence error")
	ErrSessionNotFound     = errors.New("session not found")
	ErrThreadNotFound      = errors.New("chat thread not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrNoDocuments         = errors.New("no documents were loaded")
)

// LimitKind names the ceiling a message would have breached.
type LimitKind string

const (
	LimitQuestions     LimitKind = "questions"
	LimitWords         LimitKind = "words"
	LimitMessageTokens LimitKind = "message_tokens"
	LimitTotalTokens   LimitKind = "total_tokens"
)

// LimitExceededError is returned when recording a message would breach a
// ceiling. Counters are left unchanged.
type LimitExceededError struct {
	Kind LimitKind
	// Limit is the configured ceiling, Current the stored value before the
	// message and Attempted what the message would have added.
	Limit     int
	Current   int
	Attempted int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s limit exceeded: %d + %d > %d", e.Kind, e.Current, e.Attempted, e.Limit)
}

func (e *LimitExceededError) Is(target error) bool {
	return target == ErrLimitExceeded
}
