package ledger

import "math"

const (
	DefaultTokensPerCredit = 70
	DefaultMinimumCredits  = 20
)

// CreditsForTokens prices LLM usage. Long conversations carry a surcharge: x1.5 above
// 1000 tokens and x1.2 above 500. The result is rounded up and never below minimum.
func CreditsForTokens(tokens int, tokensPerCredit int, minimum int64) int64 {
	if tokensPerCredit <= 0 {
		tokensPerCredit = DefaultTokensPerCredit
	}
	credits := float64(tokens) / float64(tokensPerCredit)
	switch {
	case tokens > 1000:
		credits *= 1.5
	case tokens > 500:
		credits *= 1.2
	}
	out := int64(math.Ceil(credits))
	if out < minimum {
		return minimum
	}
	return out
}
