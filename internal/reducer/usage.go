package reducer

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce  sync.Once
	encoding *tiktoken.Tiktoken
)

// countTokens returns a cl100k_base token count, falling back to a
// rune-based heuristic when the encoding cannot be loaded.
func countTokens(text string) int {
	encOnce.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	n := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); n < words {
		n = words
	}
	if n == 0 {
		n = 1
	}
	return n
}

// estimateUsage builds a local usage record for a finished turn when the
// backend never reported completion_metadata.
func estimateUsage(prompt, completion string) *TokenUsage {
	p := countTokens(prompt)
	c := countTokens(completion)
	return &TokenUsage{
		PromptTokens:     p,
		CompletionTokens: c,
		TotalTokens:      p + c,
		Estimated:        true,
	}
}
