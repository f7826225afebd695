package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bossdb_rag_go_backend/cmd/api/config"
	"bossdb_rag_go_backend/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Reservation is what one accepted message added to a user's counters.
type Reservation struct {
	UserID uint
	Words  int
	Tokens int
}

type UsageTracker interface {
	GetOrCreateUser(ctx context.Context, identifier string) (*models.User, error)
	// CheckAndRecord counts the message and records it, or fails with a
	// *LimitExceededError and leaves every counter unchanged.
	CheckAndRecord(ctx context.Context, identifier, messageText string) (Reservation, error)
	// Release takes back a reservation whose turn failed upstream.
	Release(ctx context.Context, r Reservation) error
	GetUser(ctx context.Context, identifier string) (*models.User, error)
	Limits() config.LimitsConfig
}

type DefaultUsageTracker struct {
	db             *gorm.DB
	counter        TokenCounter
	tokenizerModel string
	limits         config.LimitsConfig
}

func NewUsageTracker(db *gorm.DB, counter TokenCounter, tokenizerModel string, limits config.LimitsConfig) UsageTracker {
	return &DefaultUsageTracker{
		db:             db,
		counter:        counter,
		tokenizerModel: tokenizerModel,
		limits:         limits,
	}
}

func (s *DefaultUsageTracker) Limits() config.LimitsConfig {
	return s.limits
}

// GetOrCreateUser creates the user with zero counters on first contact.
func (s *DefaultUsageTracker) GetOrCreateUser(ctx context.Context, identifier string) (*models.User, error) {
	now := time.Now().UTC()
	user := models.User{
		UserIdentifier: identifier,
		CreatedAt:      now,
		LastActivity:   now,
	}
	result := s.db.WithContext(ctx).Where(models.User{UserIdentifier: identifier}).FirstOrCreate(&user)
	if result.Error != nil {
		// A concurrent first contact may have won the insert.
		var existing models.User
		if err := s.db.WithContext(ctx).Where("user_identifier = ?", identifier).First(&existing).Error; err == nil {
			return &existing, nil
		}
		return nil, fmt.Errorf("%w: failed to create or get user %s: %w", ErrPersistence, identifier, result.Error)
	}
	return &user, nil
}

func (s *DefaultUsageTracker) GetUser(ctx context.Context, identifier string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("user_identifier = ?", identifier).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read user %s: %w", ErrPersistence, identifier, err)
	}
	return &user, nil
}

// CheckAndRecord applies every ceiling inside a single conditional UPDATE,
// so concurrent messages from the same user cannot both pass the check.
func (s *DefaultUsageTracker) CheckAndRecord(ctx context.Context, identifier, messageText string) (Reservation, error) {
	user, err := s.GetOrCreateUser(ctx, identifier)
	if err != nil {
		return Reservation{}, err
	}

	words := countWords(messageText)
	tokens := s.counter.CountTokens(messageText, s.tokenizerModel)

	if s.limits.MaxMessageTokens > 0 && tokens > s.limits.MaxMessageTokens {
		return Reservation{}, &LimitExceededError{
			Kind:      LimitMessageTokens,
			Limit:     s.limits.MaxMessageTokens,
			Attempted: tokens,
		}
	}

	// A release landing between a rejected update and the re-read leaves no
	// ceiling to blame; the update is tried once more in that case.
	for attempt := 0; ; attempt++ {
		recorded, err := s.record(ctx, user.ID, words, tokens)
		if err != nil {
			return Reservation{}, fmt.Errorf("%w: failed to record usage for %s: %w", ErrPersistence, identifier, err)
		}
		if recorded {
			return Reservation{UserID: user.ID, Words: words, Tokens: tokens}, nil
		}
		err = s.limitError(ctx, user.ID, words, tokens)
		if !errors.Is(err, errUsageRaced) {
			return Reservation{}, err
		}
		if attempt > 0 {
			return Reservation{}, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		log.Debug().Uint("user_id", user.ID).Msg("Usage changed under a rejected update, retrying")
	}
}

// record adds one message to the counters if every ceiling still holds.
func (s *DefaultUsageTracker) record(ctx context.Context, userID uint, words, tokens int) (bool, error) {
	q := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID)
	if s.limits.MaxQuestions > 0 {
		q = q.Where("question_count + 1 <= ?", s.limits.MaxQuestions)
	}
	if s.limits.MaxWords > 0 {
		q = q.Where("word_count + ? <= ?", words, s.limits.MaxWords)
	}
	if s.limits.MaxTotalTokens > 0 {
		q = q.Where("token_count + ? <= ?", tokens, s.limits.MaxTotalTokens)
	}
	result := q.Updates(map[string]interface{}{
		"question_count": gorm.Expr("question_count + 1"),
		"word_count":     gorm.Expr("word_count + ?", words),
		"token_count":    gorm.Expr("token_count + ?", tokens),
		"last_activity":  time.Now().UTC(),
	})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

var errUsageRaced = errors.New("usage update matched no row but no ceiling is exceeded")

// limitError works out which ceiling rejected the update.
func (s *DefaultUsageTracker) limitError(ctx context.Context, userID uint, words, tokens int) error {
	var current models.User
	if err := s.db.WithContext(ctx).First(&current, userID).Error; err != nil {
		return fmt.Errorf("%w: failed to read usage after rejected update: %w", ErrPersistence, err)
	}

	switch {
	case s.limits.MaxQuestions > 0 && current.QuestionCount+1 > s.limits.MaxQuestions:
		return &LimitExceededError{Kind: LimitQuestions, Limit: s.limits.MaxQuestions, Current: current.QuestionCount, Attempted: 1}
	case s.limits.MaxWords > 0 && current.WordCount+words > s.limits.MaxWords:
		return &LimitExceededError{Kind: LimitWords, Limit: s.limits.MaxWords, Current: current.WordCount, Attempted: words}
	case s.limits.MaxTotalTokens > 0 && current.TokenCount+tokens > s.limits.MaxTotalTokens:
		return &LimitExceededError{Kind: LimitTotalTokens, Limit: s.limits.MaxTotalTokens, Current: current.TokenCount, Attempted: tokens}
	}
	return fmt.Errorf("user %d: %w", userID, errUsageRaced)
}

func (s *DefaultUsageTracker) Release(ctx context.Context, r Reservation) error {
	if r.UserID == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND question_count >= 1 AND word_count >= ? AND token_count >= ?", r.UserID, r.Words, r.Tokens).
		Updates(map[string]interface{}{
			"question_count": gorm.Expr("question_count - 1"),
			"word_count":     gorm.Expr("word_count - ?", r.Words),
			"token_count":    gorm.Expr("token_count - ?", r.Tokens),
		})
	if result.Error != nil {
		return fmt.Errorf("%w: failed to release usage for user %d: %w", ErrPersistence, r.UserID, result.Error)
	}
	if result.RowsAffected == 0 {
		log.Warn().Uint("user_id", r.UserID).Msg("Usage release matched no row")
	}
	return nil
}
