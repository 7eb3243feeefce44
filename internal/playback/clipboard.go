package playback

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/atotto/clipboard"
)

var writeClipboard = clipboard.WriteAll

// ClipboardSink copies each reply to the system clipboard.
type ClipboardSink struct {
	AppendSpace bool
}

func (s ClipboardSink) Reply(text string) error {
	text = s.applyFilters(text)
	if text == "" {
		return nil
	}
	if err := writeClipboard(text); err != nil {
		return fmt.Errorf("failed to copy reply: %w", err)
	}
	return nil
}

func (s ClipboardSink) applyFilters(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return text
	}

	// Auto-capitalize first letter
	r, size := utf8.DecodeRuneInString(text)
	if unicode.IsLower(r) {
		text = string(unicode.ToUpper(r)) + text[size:]
	}

	if s.AppendSpace {
		text += " "
	}
	return text
}
