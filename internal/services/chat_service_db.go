package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bossdb_rag_go_backend/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ChatServiceDB is the durable record of threads and their messages.
type ChatServiceDB interface {
	StartThread(ctx context.Context, userID uint) (uint, error)
	AppendMessage(ctx context.Context, threadID uint, content string, isUser bool) error
	// AppendTurn stores the user message and the reply in one transaction.
	AppendTurn(ctx context.Context, threadID uint, userText, assistantText string) error
	// EndThread closes the thread. Ending a closed thread keeps the first end time.
	EndThread(ctx context.Context, threadID uint) (time.Time, error)
	GetThread(ctx context.Context, threadID uint) (*models.ChatThread, error)
	GetMessagesByThreadID(ctx context.Context, threadID uint) ([]models.Message, error)
	GetThreadsStartedBetween(ctx context.Context, start, end time.Time) ([]models.ChatThread, error)
}

// DefaultChatService implements ChatServiceDB
type DefaultChatService struct {
	db *gorm.DB
}

// NewChatServiceDB creates a new DefaultChatService
func NewChatServiceDB(db *gorm.DB) ChatServiceDB {
	return &DefaultChatService{db: db}
}

func (s *DefaultChatService) StartThread(ctx context.Context, userID uint) (uint, error) {
	thread := &models.ChatThread{
		UserID:    userID,
		StartTime: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(thread).Error; err != nil {
		return 0, fmt.Errorf("%w: failed to start thread for user %d: %w", ErrPersistence, userID, err)
	}
	log.Debug().Uint("thread_id", thread.ID).Uint("user_id", userID).Msg("Chat thread started")
	return thread.ID, nil
}

func (s *DefaultChatService) AppendMessage(ctx context.Context, threadID uint, content string, isUser bool) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return appendMessages(tx, threadID, newMessage(threadID, content, isUser))
	})
	return asPersistenceError(err, threadID)
}

func (s *DefaultChatService) AppendTurn(ctx context.Context, threadID uint, userText, assistantText string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		userMsg := newMessage(threadID, userText, true)
		reply := newMessage(threadID, assistantText, false)
		if !reply.Timestamp.After(userMsg.Timestamp) {
			reply.Timestamp = userMsg.Timestamp.Add(time.Microsecond)
		}
		return appendMessages(tx, threadID, userMsg, reply)
	})
	return asPersistenceError(err, threadID)
}

// asPersistenceError classifies transaction begin and commit failures.
func asPersistenceError(err error, threadID uint) error {
	if err == nil || errors.Is(err, ErrPersistence) || errors.Is(err, ErrThreadNotFound) {
		return err
	}
	return fmt.Errorf("%w: thread %d: %w", ErrPersistence, threadID, err)
}

func newMessage(threadID uint, content string, isUser bool) *models.Message {
	return &models.Message{
		ThreadID:  threadID,
		Content:   content,
		IsUser:    isUser,
		Timestamp: time.Now().UTC(),
	}
}

func appendMessages(tx *gorm.DB, threadID uint, messages ...*models.Message) error {
	var count int64
	if err := tx.Model(&models.ChatThread{}).Where("id = ?", threadID).Count(&count).Error; err != nil {
		return fmt.Errorf("%w: failed to look up thread %d: %w", ErrPersistence, threadID, err)
	}
	if count == 0 {
		return fmt.Errorf("%w: thread %d", ErrThreadNotFound, threadID)
	}
	for _, m := range messages {
		if err := tx.Create(m).Error; err != nil {
			return fmt.Errorf("%w: failed to append message to thread %d: %w", ErrPersistence, threadID, err)
		}
	}
	return nil
}

func (s *DefaultChatService) EndThread(ctx context.Context, threadID uint) (time.Time, error) {
	db := s.db.WithContext(ctx)
	err := db.Model(&models.ChatThread{}).
		Where("id = ? AND end_time IS NULL", threadID).
		Update("end_time", time.Now().UTC()).Error
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: failed to end thread %d: %w", ErrPersistence, threadID, err)
	}

	thread, err := s.GetThread(ctx, threadID)
	if err != nil {
		return time.Time{}, err
	}
	if thread.EndTime == nil {
		return time.Time{}, fmt.Errorf("%w: thread %d has no end time after update", ErrPersistence, threadID)
	}
	return *thread.EndTime, nil
}

func (s *DefaultChatService) GetThread(ctx context.Context, threadID uint) (*models.ChatThread, error) {
	var thread models.ChatThread
	err := s.db.WithContext(ctx).First(&thread, threadID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: thread %d", ErrThreadNotFound, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read thread %d: %w", ErrPersistence, threadID, err)
	}
	return &thread, nil
}

// GetMessagesByThreadID returns messages in the order they were appended.
func (s *DefaultChatService) GetMessagesByThreadID(ctx context.Context, threadID uint) ([]models.Message, error) {
	var messages []models.Message
	result := s.db.WithContext(ctx).Where("thread_id = ?", threadID).Order("timestamp asc, id asc").Find(&messages)
	if result.Error != nil {
		return nil, fmt.Errorf("%w: failed to read messages of thread %d: %w", ErrPersistence, threadID, result.Error)
	}
	return messages, nil
}

// GetThreadsStartedBetween loads threads with their user and ordered messages.
func (s *DefaultChatService) GetThreadsStartedBetween(ctx context.Context, start, end time.Time) ([]models.ChatThread, error) {
	var threads []models.ChatThread
	result := s.db.WithContext(ctx).
		Preload("User").
		Preload("Messages", func(db *gorm.DB) *gorm.DB {
			return db.Order("timestamp asc, id asc")
		}).
		Where("start_time >= ? AND start_time <= ?", start.UTC(), end.UTC()).
		Order("start_time asc").
		Find(&threads)
	if result.Error != nil {
		return nil, fmt.Errorf("%w: failed to read threads: %w", ErrPersistence, result.Error)
	}
	return threads, nil
}
