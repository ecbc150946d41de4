package outbox

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxLength is the server's content cap, in characters.
const DefaultMaxLength = 1000

var (
	angleBrackets = regexp.MustCompile(`[<>]`)
	jsScheme      = regexp.MustCompile(`(?i)javascript:`)
	inlineHandler = regexp.MustCompile(`(?i)on\w+=`)
)

// Sanitize strips markup the server would reject: angle brackets, the
// javascript: scheme and inline on*= handlers. Surrounding whitespace is
// trimmed.
func Sanitize(content string) string {
	out := strings.TrimSpace(content)
	out = angleBrackets.ReplaceAllString(out, "")
	out = jsScheme.ReplaceAllString(out, "")
	out = inlineHandler.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}

// Validate sanitizes content and checks it is non-empty and at most maxLen
// characters. It returns the content to send.
func Validate(content string, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	clean := Sanitize(content)
	if clean == "" {
		return "", fmt.Errorf("message cannot be empty: %w", ErrValidation)
	}
	if n := utf8.RuneCountInString(clean); n > maxLen {
		return "", fmt.Errorf("message is %d characters, limit is %d: %w", n, maxLen, ErrValidation)
	}
	return clean, nil
}
