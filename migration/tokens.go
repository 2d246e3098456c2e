package migration

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// EstimateTokens is the chunking and budgeting heuristic: four bytes per token.
func EstimateTokens(s string) int {
	return len(s) / 4
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// CountTokens counts s with the cl100k_base encoding, for reporting the size of the final
// document. If the encoding cannot be loaded it falls back to EstimateTokens.
func CountTokens(s string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return EstimateTokens(s)
	}
	return len(encoding.Encode(s, nil, nil))
}
