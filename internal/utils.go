package internal

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// TimestampFormat is the HH:MM:SS layout shown in transcripts
const TimestampFormat = "15:04:05"

// FormatLine renders a transcript line as "[HH:MM:SS] sender: text"
func FormatLine(ts time.Time, sender, text string) string {
	return fmt.Sprintf("[%s] %s: %s", ts.Format(TimestampFormat), sender, text)
}

// CleanText trims text and rejects it when nothing is left
// or it is longer than maxLen runes (maxLen <= 0 means no limit).
func CleanText(text string, maxLen int) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if maxLen > 0 && utf8.RuneCountInString(text) > maxLen {
		return "", fmt.Errorf("%w (maximum %d characters)", ErrMessageTooLong, maxLen)
	}
	return text, nil
}

// ValidateName checks a display name and returns it trimmed
func ValidateName(name string, maxLen int) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("name cannot be empty")
	}
	if maxLen > 0 && utf8.RuneCountInString(name) > maxLen {
		return "", fmt.Errorf("name too long (maximum %d characters)", maxLen)
	}
	if strings.ContainsAny(name, "\r\n\t") {
		return "", fmt.Errorf("name cannot contain control characters")
	}
	if strings.EqualFold(name, SystemSender) {
		return "", fmt.Errorf("name %q is reserved", SystemSender)
	}
	return name, nil
}
