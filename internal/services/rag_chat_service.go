package services

import (
	"context"
	"errors"
	"fmt"

	"bossdb_rag_go_backend/cmd/api/config"
	"bossdb_rag_go_backend/internal/logging"
	"bossdb_rag_go_backend/internal/models"
	"bossdb_rag_go_backend/internal/utils/broker"

	"github.com/rs/zerolog/log"
)

// FailureMessage is shown when a turn fails for any reason other than a limit.
const FailureMessage = "I encountered an error processing your query. Please try again."

// StarterQuestions are offered to a new session.
var StarterQuestions = []string{
	"What is BossDB?",
	"Why type of data does BossDB have?",
	"How do I download a mesh of a specific neuron ID from BossDB?",
	"How do I find all the BossDB channels for a project?",
}

const limitReached = "You have reached the usage limit."

// LimitMessage is the refusal shown once the question or word ceiling is reached.
func LimitMessage(limits config.LimitsConfig) string {
	return fmt.Sprintf("%s Maximum %d questions or %d words allowed.", limitReached, limits.MaxQuestions, limits.MaxWords)
}

// RefusalMessage renders a LimitExceeded error for the user, naming the
// ceiling that was hit.
func RefusalMessage(err error, limits config.LimitsConfig) string {
	var limitErr *LimitExceededError
	if !errors.As(err, &limitErr) {
		return LimitMessage(limits)
	}
	switch limitErr.Kind {
	case LimitMessageTokens:
		return TooLongResponse(limits.MaxMessageTokens)
	case LimitQuestions:
		return fmt.Sprintf("%s Maximum %d questions allowed.", limitReached, limits.MaxQuestions)
	case LimitWords:
		return fmt.Sprintf("%s Maximum %d words allowed.", limitReached, limits.MaxWords)
	case LimitTotalTokens:
		return fmt.Sprintf("%s Maximum %d tokens allowed for this conversation.", limitReached, limits.MaxTotalTokens)
	}
	return LimitMessage(limits)
}

// Querier answers one question with the session's memory as context.
type Querier interface {
	Query(ctx context.Context, memory ConversationMemory, question string) (QueryResult, error)
}

type UsageSnapshot struct {
	QuestionCount    int `json:"question_count"`
	WordCount        int `json:"word_count"`
	TokenCount       int `json:"token_count"`
	MaxQuestions     int `json:"max_questions"`
	MaxWords         int `json:"max_words"`
	MaxTotalTokens   int `json:"max_total_tokens"`
	MaxMessageTokens int `json:"max_message_tokens"`
}

type TurnResult struct {
	QueryResult
	Usage UsageSnapshot `json:"usage"`
}

type RAGChatService struct {
	sessions *ChatSessionService
	usage    UsageTracker
	chats    ChatServiceDB
	querier  Querier
	broker   *broker.Broker
}

func NewRAGChatService(sessions *ChatSessionService, usage UsageTracker, chats ChatServiceDB, querier Querier, messageBroker *broker.Broker) *RAGChatService {
	return &RAGChatService{
		sessions: sessions,
		usage:    usage,
		chats:    chats,
		querier:  querier,
		broker:   messageBroker,
	}
}

func (s *RAGChatService) Sessions() *ChatSessionService {
	return s.sessions
}

// SendMessage runs one turn: the message is counted against the session's
// limits, answered, persisted to the thread and recorded in memory. A turn
// that fails after counting has its usage released, so counters and the
// thread are unchanged.
func (s *RAGChatService) SendMessage(ctx context.Context, sessionID, text string) (TurnResult, error) {
	session, err := s.sessions.Get(sessionID)
	if err != nil {
		return TurnResult{}, err
	}
	return s.runTurn(ctx, session, text)
}

func (s *RAGChatService) runTurn(ctx context.Context, session *ChatSession, text string) (TurnResult, error) {
	session.Lock()
	defer session.Unlock()
	// the session may have ended while this turn waited for the lock
	if session.ended {
		return TurnResult{}, ErrSessionNotFound
	}

	logging.UserActivity(session.UserIdentifier, "Query Sent", text)

	reservation, err := s.usage.CheckAndRecord(ctx, session.UserIdentifier, text)
	if err != nil {
		if errors.Is(err, ErrLimitExceeded) {
			logging.UserActivity(session.UserIdentifier, "Limit Reached", err.Error())
		} else {
			logging.UserActivity(session.UserIdentifier, "Error", err.Error())
		}
		return TurnResult{}, err
	}

	result, err := s.querier.Query(ctx, session.Memory, text)
	if err != nil {
		s.release(ctx, reservation)
		logging.UserActivity(session.UserIdentifier, "Error", err.Error())
		return TurnResult{}, err
	}
	if result.Refused {
		s.release(ctx, reservation)
		logging.UserActivity(session.UserIdentifier, "Limit Reached", "message too long")
		return TurnResult{QueryResult: result, Usage: s.snapshot(ctx, session.UserIdentifier)}, nil
	}

	stored := result.Response + FormatSources(result.Sources)
	if err := s.chats.AppendTurn(ctx, session.ThreadID, text, stored); err != nil {
		s.release(ctx, reservation)
		logging.UserActivity(session.UserIdentifier, "Error", err.Error())
		return TurnResult{}, err
	}
	session.Memory.RecordTurn(ctx, text, result.Response)
	result.MemoryState = session.Memory.State()

	usage := s.snapshot(ctx, session.UserIdentifier)
	if s.broker != nil {
		s.broker.Publish(broker.UsageTopic(session.UserIdentifier), usage)
	}
	logging.UserActivity(session.UserIdentifier, "Response Sent", fmt.Sprintf("%d sources", len(result.Sources)))

	return TurnResult{QueryResult: result, Usage: usage}, nil
}

func (s *RAGChatService) release(ctx context.Context, r Reservation) {
	// the request context may be the reason the turn failed
	if err := s.usage.Release(context.WithoutCancel(ctx), r); err != nil {
		log.Error().Err(err).Uint("user_id", r.UserID).Msg("Failed to release usage")
	}
}

// Usage returns the session's current counters and limits.
func (s *RAGChatService) Usage(ctx context.Context, sessionID string) (UsageSnapshot, error) {
	session, err := s.sessions.Get(sessionID)
	if err != nil {
		return UsageSnapshot{}, err
	}
	user, err := s.usage.GetUser(ctx, session.UserIdentifier)
	if err != nil {
		return UsageSnapshot{}, err
	}
	return s.snapshotOf(user), nil
}

func (s *RAGChatService) snapshot(ctx context.Context, identifier string) UsageSnapshot {
	user, err := s.usage.GetUser(ctx, identifier)
	if err != nil {
		log.Warn().Err(err).Str("user_identifier", identifier).Msg("Failed to read usage")
		return s.snapshotOf(nil)
	}
	return s.snapshotOf(user)
}

func (s *RAGChatService) snapshotOf(user *models.User) UsageSnapshot {
	limits := s.usage.Limits()
	snap := UsageSnapshot{
		MaxQuestions:     limits.MaxQuestions,
		MaxWords:         limits.MaxWords,
		MaxTotalTokens:   limits.MaxTotalTokens,
		MaxMessageTokens: limits.MaxMessageTokens,
	}
	if user != nil {
		snap.QuestionCount = user.QuestionCount
		snap.WordCount = user.WordCount
		snap.TokenCount = user.TokenCount
	}
	return snap
}

// Transcript returns the stored messages of a thread in order.
func (s *RAGChatService) Transcript(ctx context.Context, threadID uint) ([]models.Message, error) {
	if _, err := s.chats.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	return s.chats.GetMessagesByThreadID(ctx, threadID)
}

func (s *RAGChatService) Limits() config.LimitsConfig {
	return s.usage.Limits()
}
