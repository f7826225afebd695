package services

import (
	"context"
	"sync"

	"bossdb_rag_go_backend/cmd/api/config"
)

// WindowMemory keeps recent turns verbatim and drops the oldest ones first.
type WindowMemory struct {
	mu       sync.Mutex
	turns    []Turn
	maxTurns int
	counter  TokenCounter
	model    string
}

// NewWindowMemory stores at most maxTurns turns; maxTurns <= 0 keeps all of them.
func NewWindowMemory(counter TokenCounter, tokenizerModel string, maxTurns int) *WindowMemory {
	return &WindowMemory{
		maxTurns: maxTurns,
		counter:  counter,
		model:    tokenizerModel,
	}
}

func (w *WindowMemory) RecordTurn(_ context.Context, userText, assistantText string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.turns = append(w.turns, Turn{User: userText, Assistant: assistantText})
	if w.maxTurns > 0 && len(w.turns) > w.maxTurns {
		w.turns = append([]Turn(nil), w.turns[len(w.turns)-w.maxTurns:]...)
	}
}

func (w *WindowMemory) GetContext(maxTokens int) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if maxTokens <= 0 || len(w.turns) == 0 {
		return ""
	}

	start := len(w.turns)
	for start > 0 {
		candidate := joinTurns(w.turns[start-1:])
		if w.counter.CountTokens(candidate, w.model) > maxTokens {
			break
		}
		start--
	}
	return joinTurns(w.turns[start:])
}

func (w *WindowMemory) State() MemoryState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return MemoryState{
		Type:         config.MemoryModeWindow,
		MessageCount: len(w.turns) * 2,
	}
}
