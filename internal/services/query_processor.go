package services

import (
	"context"
	"fmt"
	"strings"

	"bossdb_rag_go_backend/cmd/api/config"

	"github.com/rs/zerolog/log"
)

const basePrompt = "You are an AI assistant specialized in providing information about BossDB, its tools, and related neuroscience data. " +
	"Use the context provided to answer questions accurately. If you're unsure about something, please say so. "

const (
	summaryModePrompt = "Previous conversation context will be provided as summaries when relevant."
	windowModePrompt  = "Previous conversation context will be dropped when it is old. Most recent messages will be maintained for context."
)

const snippetLength = 200

// SystemPrompt is the primary model's instruction for a memory mode.
func SystemPrompt(memoryMode string) string {
	if memoryMode == config.MemoryModeWindow {
		return basePrompt + windowModePrompt
	}
	return basePrompt + summaryModePrompt
}

// TooLongResponse is the refusal for a question above the token ceiling.
func TooLongResponse(maxTokens int) string {
	return fmt.Sprintf("I apologize, but your input is too long. Please provide a shorter query (maximum %d tokens).", maxTokens)
}

type Source struct {
	Number     int     `json:"number"`
	URL        string  `json:"url"`
	SourceType string  `json:"source_type,omitempty"`
	FilePath   string  `json:"file_path,omitempty"`
	Snippet    string  `json:"snippet"`
	Score      float64 `json:"score"`
}

type QueryResult struct {
	Response    string      `json:"response"`
	Sources     []Source    `json:"sources"`
	MemoryState MemoryState `json:"memory_state"`
	// Refused is set when the question was answered without a model call.
	Refused bool `json:"refused,omitempty"`
}

type QueryProcessor struct {
	index            VectorIndex
	llm              LanguageModel
	counter          TokenCounter
	tokenizerModel   string
	topK             int
	maxMessageTokens int
	contextTokens    int
}

func NewQueryProcessor(index VectorIndex, llm LanguageModel, counter TokenCounter, cfg config.Config) *QueryProcessor {
	return &QueryProcessor{
		index:            index,
		llm:              llm,
		counter:          counter,
		tokenizerModel:   cfg.LLM.TokenizerModel,
		topK:             cfg.Index.TopK,
		maxMessageTokens: cfg.Limits.MaxMessageTokens,
		contextTokens:    cfg.Memory.ContextTokens,
	}
}

// Query answers question from retrieved chunks and the session's prior
// conversation. It does not record the turn in memory.
func (qp *QueryProcessor) Query(ctx context.Context, memory ConversationMemory, question string) (QueryResult, error) {
	if qp.maxMessageTokens > 0 && qp.counter.CountTokens(question, qp.tokenizerModel) > qp.maxMessageTokens {
		return QueryResult{
			Response:    TooLongResponse(qp.maxMessageTokens),
			Sources:     []Source{},
			MemoryState: memory.State(),
			Refused:     true,
		}, nil
	}

	results, err := qp.index.Search(ctx, question, qp.topK)
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to retrieve context: %w", err)
	}

	history := memory.GetContext(qp.contextTokens)
	response, err := qp.llm.Generate(ctx, buildPrompt(history, results, question))
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to generate response: %w", err)
	}

	log.Debug().Int("sources", len(results)).Int("history_tokens", qp.counter.CountTokens(history, qp.tokenizerModel)).Msg("Query answered")

	return QueryResult{
		Response:    response,
		Sources:     sourcesFrom(results),
		MemoryState: memory.State(),
	}, nil
}

func buildPrompt(history string, results []SearchResult, question string) string {
	var b strings.Builder
	if history != "" {
		b.WriteString("Conversation so far:\n")
		b.WriteString(history)
		b.WriteString("\n\n")
	}
	if len(results) > 0 {
		b.WriteString("Context:\n")
		for i, r := range results {
			fmt.Fprintf(&b, "[%d] (%s)\n%s\n\n", i+1, r.SourceURL, r.Content)
		}
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}

func sourcesFrom(results []SearchResult) []Source {
	sources := make([]Source, len(results))
	for i, r := range results {
		sources[i] = Source{
			Number:     i + 1,
			URL:        r.SourceURL,
			SourceType: r.SourceType,
			FilePath:   r.FilePath,
			Snippet:    snippet(r.Content),
			Score:      r.Score,
		}
	}
	return sources
}

func snippet(content string) string {
	runes := []rune(content)
	if len(runes) <= snippetLength {
		return content
	}
	return string(runes[:snippetLength]) + "..."
}

// FormatSources renders the citation block appended to a response.
func FormatSources(sources []Source) string {
	if len(sources) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\n**Sources:**\n")
	for _, s := range sources {
		fmt.Fprintf(&b, "%d. %s\n   Relevance score: %.2f\n", s.Number, s.URL, s.Score)
	}
	return b.String()
}
