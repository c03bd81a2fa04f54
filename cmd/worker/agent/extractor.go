package agent

import (
	"regexp"
	"strconv"
	"strings"
)

// ParamExtractor derives tool parameters from free-form model text. The
// default heuristics are policy, not contract; swap the implementation
// to change how hints are recognised.
type ParamExtractor interface {
	Extract(text string) map[string]any
}

// HeuristicExtractor recognises a small set of inline hints: EVM-style
// hex addresses, bare numbers, and a fixed set of asset symbols.
type HeuristicExtractor struct{}

var (
	addressPattern = regexp.MustCompile(`0x[0-9a-fA-F]{3,}`)
	numberPattern  = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	symbolPattern  = regexp.MustCompile(`\b(ETH|USDC|BTC|USDT|SEI)\b`)
)

// Extract scans the text for parameter hints. The first hex address
// becomes "address", the first recognised symbol becomes "token", and
// the first bare number becomes "limit" when it is a small integer or
// "amount" otherwise.
func (HeuristicExtractor) Extract(text string) map[string]any {
	params := make(map[string]any)

	if m := addressPattern.FindString(text); m != "" {
		params["address"] = m
	}
	if m := symbolPattern.FindString(strings.ToUpper(text)); m != "" {
		params["token"] = m
	}
	if m := firstUnboundNumber(text); m != "" {
		if n, err := strconv.Atoi(m); err == nil && n <= 1000 {
			params["limit"] = n
		} else {
			params["amount"] = m
		}
	}

	return params
}

// firstUnboundNumber returns the first number that is not part of a hex
// address already claimed by the address pattern.
func firstUnboundNumber(text string) string {
	stripped := addressPattern.ReplaceAllString(text, "")
	return numberPattern.FindString(stripped)
}
