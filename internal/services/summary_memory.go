package services

import (
	"context"
	"strings"
	"sync"

	"bossdb_rag_go_backend/cmd/api/config"

	"github.com/rs/zerolog/log"
)

const summaryPrefix = "Summary of the earlier conversation: "

const summarizePrompt = `You maintain a running summary of a conversation between a user and an assistant about BossDB, its tools and related neuroscience data.
Rewrite the summary so it also covers the new exchanges below. Keep names, identifiers, commands and open questions. Reply with the summary only.`

type SummaryMemoryOptions struct {
	// SummarizeAfterTurns triggers compression once more turns than this are pending.
	SummarizeAfterTurns int
	SummaryMaxTokens    int
	// MaxInputTokens bounds the prompt sent to the summarizer.
	MaxInputTokens int
}

// SummaryMemory keeps a running synopsis plus the turns not yet folded into it.
type SummaryMemory struct {
	mu         sync.Mutex
	summary    string
	pending    []Turn
	summarizer LanguageModel
	counter    TokenCounter
	model      string
	opts       SummaryMemoryOptions
}

func NewSummaryMemory(summarizer LanguageModel, counter TokenCounter, tokenizerModel string, opts SummaryMemoryOptions) *SummaryMemory {
	if opts.SummarizeAfterTurns < 1 {
		opts.SummarizeAfterTurns = 1
	}
	return &SummaryMemory{
		summarizer: summarizer,
		counter:    counter,
		model:      tokenizerModel,
		opts:       opts,
	}
}

func (s *SummaryMemory) RecordTurn(ctx context.Context, userText, assistantText string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, Turn{User: userText, Assistant: assistantText})
	if len(s.pending) > s.opts.SummarizeAfterTurns {
		s.summarize(ctx)
	}
}

// summarize folds the oldest pending turns into the summary. The newest turn
// always stays verbatim. On failure nothing changes and the next trigger retries.
func (s *SummaryMemory) summarize(ctx context.Context) {
	candidates := s.pending[:len(s.pending)-1]

	n := 0
	prompt := ""
	for i := 1; i <= len(candidates); i++ {
		p := s.buildPrompt(candidates[:i])
		if s.opts.MaxInputTokens > 0 && s.counter.CountTokens(p, s.model) > s.opts.MaxInputTokens {
			break
		}
		n, prompt = i, p
	}
	if n == 0 {
		// The oldest turn alone is too long: send a truncated prompt and still fold it in.
		n = 1
		prompt = truncateToTokens(s.counter, s.model, s.buildPrompt(candidates[:1]), s.opts.MaxInputTokens)
	}

	newSummary, err := s.summarizer.Generate(ctx, prompt)
	if err != nil {
		log.Warn().Err(err).Int("pending_turns", len(s.pending)).Msg("Summarization failed, keeping turns pending")
		return
	}
	newSummary = strings.TrimSpace(newSummary)
	if newSummary == "" {
		log.Warn().Int("pending_turns", len(s.pending)).Msg("Summarizer returned an empty summary, keeping turns pending")
		return
	}
	if s.opts.SummaryMaxTokens > 0 {
		newSummary = truncateToTokens(s.counter, s.model, newSummary, s.opts.SummaryMaxTokens)
	}

	s.summary = newSummary
	s.pending = append([]Turn(nil), s.pending[n:]...)
	log.Debug().Int("folded_turns", n).Int("pending_turns", len(s.pending)).Msg("Conversation summary updated")
}

func (s *SummaryMemory) buildPrompt(turns []Turn) string {
	var b strings.Builder
	b.WriteString(summarizePrompt)
	b.WriteString("\n\nCurrent summary:\n")
	if s.summary == "" {
		b.WriteString("(none)")
	} else {
		b.WriteString(s.summary)
	}
	b.WriteString("\n\nNew exchanges:\n")
	b.WriteString(joinTurns(turns))
	return b.String()
}

// GetContext fills the budget in priority order: the newest turn, the
// summary, then older pending turns newest first.
func (s *SummaryMemory) GetContext(maxTokens int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxTokens <= 0 {
		return ""
	}

	includeSummary := false
	start := len(s.pending)
	fits := func(summary bool, from int) bool {
		return s.counter.CountTokens(s.render(summary, from), s.model) <= maxTokens
	}

	if start > 0 && fits(false, start-1) {
		start--
	}
	if s.summary != "" && fits(true, start) {
		includeSummary = true
	}
	if start < len(s.pending) {
		for start > 0 && fits(includeSummary, start-1) {
			start--
		}
	}
	return s.render(includeSummary, start)
}

func (s *SummaryMemory) render(withSummary bool, from int) string {
	var parts []string
	if withSummary {
		parts = append(parts, summaryPrefix+s.summary)
	}
	if from < len(s.pending) {
		parts = append(parts, joinTurns(s.pending[from:]))
	}
	return strings.Join(parts, "\n\n")
}

func (s *SummaryMemory) State() MemoryState {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := len(s.pending) * 2
	if s.summary != "" {
		count++
	}
	return MemoryState{
		Type:         config.MemoryModeSummary,
		MessageCount: count,
		HasSummary:   s.summary != "",
	}
}

// Summary returns the current running summary.
func (s *SummaryMemory) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// PendingTurns returns a copy of the turns not yet summarized.
func (s *SummaryMemory) PendingTurns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.pending...)
}
