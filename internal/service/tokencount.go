package service

import (
	"log/slog"
	"math"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens with a BPE encoding compatible with
// mainstream LLM tokenization. When the encoding cannot be loaded the
// counter degrades to a word-count heuristic.
type TokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTokenCounter loads the cl100k_base encoding. Load failure is not
// fatal; the heuristic fallback keeps allocation accounting available.
func NewTokenCounter() *TokenCounter {
	enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	if err != nil {
		slog.Warn("tokenizer unavailable, using word-count estimate", "error", err)
		return &TokenCounter{}
	}
	return &TokenCounter{enc: enc}
}

// Count returns the token count of text.
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

// estimateTokens approximates the BPE count as ceil(words * 1.3).
func estimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * 1.3))
}
