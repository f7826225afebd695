package services

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"github.com/rs/zerolog/log"
)

// TokenCounter estimates how many tokens model's tokenizer produces for text.
// Implementations are deterministic and never fail: unknown models fall back
// to an approximation.
type TokenCounter interface {
	CountTokens(text, model string) int
}

// modelEncodings maps model name prefixes to tiktoken encodings. Providers
// without a public offline tokenizer are approximated with cl100k_base.
var modelEncodings = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4o", "o200k_base"},
	{"o1", "o200k_base"},
	{"gpt-4", "cl100k_base"},
	{"gpt-3.5", "cl100k_base"},
	{"text-embedding-", "cl100k_base"},
	{"claude", "cl100k_base"},
	{"anthropic.", "cl100k_base"},
	{"gemini", "cl100k_base"},
	{"cl100k_base", "cl100k_base"},
	{"o200k_base", "o200k_base"},
}

type TiktokenCounter struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

// NewTiktokenCounter uses the BPE ranks embedded in the binary, so counting
// never touches the network.
func NewTiktokenCounter() *TiktokenCounter {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	return &TiktokenCounter{encodings: make(map[string]*tiktoken.Tiktoken)}
}

func (tc *TiktokenCounter) CountTokens(text, model string) int {
	if text == "" {
		return 0
	}
	enc := tc.encodingFor(model)
	if enc == nil {
		return approximateTokens(text)
	}
	return len(enc.EncodeOrdinary(text))
}

func (tc *TiktokenCounter) encodingFor(model string) *tiktoken.Tiktoken {
	name := encodingName(model)
	if name == "" {
		return nil
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	if enc, ok := tc.encodings[name]; ok {
		return enc
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		log.Warn().Err(err).Str("encoding", name).Msg("Tokenizer unavailable, approximating token counts")
		enc = nil
	}
	tc.encodings[name] = enc
	return enc
}

func encodingName(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	for _, m := range modelEncodings {
		if strings.HasPrefix(model, m.prefix) {
			return m.encoding
		}
	}
	return ""
}

// approximateTokens counts whitespace-separated words.
func approximateTokens(text string) int {
	return len(strings.Fields(text))
}

// countWords is the word measure used for usage limits.
func countWords(text string) int {
	return len(strings.Fields(text))
}
