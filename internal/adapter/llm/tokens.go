package llm

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

const tokenEncoding = "cl100k_base"

// CountTokens returns the token count of text under the cl100k encoding.
// On encoder init failure it falls back to a bytes/4 estimate.
func CountTokens(text string) int {
	enc, err := tiktoken.GetEncoding(tokenEncoding)
	if err != nil {
		slog.Warn("tiktoken encoding unavailable, estimating", slog.Any("error", err))
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// TruncateToBudget trims text to at most budget tokens, preserving a prefix.
// Scraped pages occasionally run to hundreds of kilobytes; the tail is the
// least informative part for alignment.
func TruncateToBudget(text string, budget int) string {
	if budget <= 0 {
		return text
	}
	enc, err := tiktoken.GetEncoding(tokenEncoding)
	if err != nil {
		approx := budget * 4
		if len(text) > approx {
			return text[:approx]
		}
		return text
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= budget {
		return text
	}
	return enc.Decode(tokens[:budget])
}
