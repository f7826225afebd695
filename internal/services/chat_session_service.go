package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bossdb_rag_go_backend/internal/logging"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ChatSession is one live conversation. Turns within a session are
// serialized through Lock/Unlock.
type ChatSession struct {
	ID             string
	UserIdentifier string
	UserID         uint
	ThreadID       uint
	Memory         ConversationMemory
	StartedAt      time.Time

	turnMu       sync.Mutex
	ended        bool
	lastAccessed time.Time
}

func (s *ChatSession) Lock()   { s.turnMu.Lock() }
func (s *ChatSession) Unlock() { s.turnMu.Unlock() }

type TerminationReason int

const (
	UserInitiated TerminationReason = iota
	SessionTimeout
	ServerShutdown
)

func (r TerminationReason) String() string {
	switch r {
	case UserInitiated:
		return "user_initiated"
	case SessionTimeout:
		return "session_timeout"
	case ServerShutdown:
		return "server_shutdown"
	}
	return fmt.Sprintf("TerminationReason(%d)", int(r))
}

type ChatSessionService struct {
	sessions       sync.Map
	sessionsMutex  sync.RWMutex
	usage          UsageTracker
	chatService    ChatServiceDB
	newMemory      MemoryFactory
	sessionTimeout time.Duration
	now            func() time.Time
}

func NewChatSessionService(usage UsageTracker, chatService ChatServiceDB, newMemory MemoryFactory, sessionTimeout time.Duration) *ChatSessionService {
	return &ChatSessionService{
		usage:          usage,
		chatService:    chatService,
		newMemory:      newMemory,
		sessionTimeout: sessionTimeout,
		now:            time.Now,
	}
}

// StartSession creates the user row for a fresh identifier, opens its
// thread and registers an empty memory.
func (css *ChatSessionService) StartSession(ctx context.Context, clientAddr string) (*ChatSession, error) {
	sessionID := uuid.New().String()
	identifier := fmt.Sprintf("%s_%s", clientAddr, sessionID)

	user, err := css.usage.GetOrCreateUser(ctx, identifier)
	if err != nil {
		return nil, err
	}
	threadID, err := css.chatService.StartThread(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	now := css.now()
	session := &ChatSession{
		ID:             sessionID,
		UserIdentifier: identifier,
		UserID:         user.ID,
		ThreadID:       threadID,
		Memory:         css.newMemory(),
		StartedAt:      now,
		lastAccessed:   now,
	}

	css.sessionsMutex.Lock()
	css.sessions.Store(sessionID, session)
	css.sessionsMutex.Unlock()

	logging.UserActivity(identifier, "Session Started", fmt.Sprintf("thread %d", threadID))
	return session, nil
}

// Get returns a live session and marks it as accessed.
func (css *ChatSessionService) Get(sessionID string) (*ChatSession, error) {
	css.sessionsMutex.Lock()
	defer css.sessionsMutex.Unlock()

	value, ok := css.sessions.Load(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	session := value.(*ChatSession)
	session.lastAccessed = css.now()
	return session, nil
}

// EndSession waits for a running turn, then closes the session's thread
// and drops its memory. If the thread cannot be closed the session stays
// registered so a later call or the cleanup can retry.
func (css *ChatSessionService) EndSession(ctx context.Context, sessionID string, reason TerminationReason) error {
	value, ok := css.sessions.Load(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	session := value.(*ChatSession)

	session.Lock()
	defer session.Unlock()
	if session.ended {
		return ErrSessionNotFound
	}

	endTime, err := css.chatService.EndThread(ctx, session.ThreadID)
	if err != nil {
		return err
	}

	session.ended = true
	css.sessionsMutex.Lock()
	css.sessions.Delete(sessionID)
	css.sessionsMutex.Unlock()

	log.Info().
		Str("session_id", sessionID).
		Uint("thread_id", session.ThreadID).
		Str("reason", reason.String()).
		Time("end_time", endTime).
		Msg("Session ended")
	logging.UserActivity(session.UserIdentifier, "Session Ended", reason.String())
	return nil
}

// CleanupExpiredSessions ends every session idle longer than the session
// timeout and returns how many were ended.
func (css *ChatSessionService) CleanupExpiredSessions(ctx context.Context) int {
	now := css.now()
	var expired []string

	css.sessionsMutex.RLock()
	css.sessions.Range(func(key, value interface{}) bool {
		if now.Sub(value.(*ChatSession).lastAccessed) > css.sessionTimeout {
			expired = append(expired, key.(string))
		}
		return true
	})
	css.sessionsMutex.RUnlock()

	ended := 0
	for _, sessionID := range expired {
		if err := css.EndSession(ctx, sessionID, SessionTimeout); err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to end expired session")
			continue
		}
		ended++
	}
	return ended
}

// StartCleanup runs CleanupExpiredSessions every interval until ctx is done.
func (css *ChatSessionService) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := css.CleanupExpiredSessions(ctx); n > 0 {
					log.Info().Int("sessions", n).Msg("Expired sessions ended")
				}
			}
		}
	}()
}

// EndAll ends every live session, used on shutdown.
func (css *ChatSessionService) EndAll(ctx context.Context) {
	var ids []string
	css.sessions.Range(func(key, _ interface{}) bool {
		ids = append(ids, key.(string))
		return true
	})
	for _, id := range ids {
		if err := css.EndSession(ctx, id, ServerShutdown); err != nil {
			log.Error().Err(err).Str("session_id", id).Msg("Failed to end session on shutdown")
		}
	}
}

func (css *ChatSessionService) ActiveSessions() int {
	n := 0
	css.sessions.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
