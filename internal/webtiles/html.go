package webtiles

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/beembot/beem/internal/beemerr"
)

// Chat content arrives as two HTML spans: sender, then message.
var chatContentRe = regexp.MustCompile(`<span[^>]*>([^<]*)</span>: <span[^>]*>(.*)</span>`)

// parseChat extracts the sender and message text from a chat event.
func parseChat(content string) (sender, text string, err error) {
	m := chatContentRe.FindStringSubmatch(content)
	if m == nil {
		return "", "", errors.Wrapf(beemerr.ErrProtocolViolation, "unparseable chat: %q", content)
	}
	return unescapeChat(m[1]), unescapeChat(m[2]), nil
}

// The server escapes exactly these entities; anything else passes through
// untouched, and already-unescaped output is never rescanned.
var chatEntityRe = regexp.MustCompile(`&(?:amp|AMP|percnt|gt|lt|quot|apos|#39|nbsp);`)

var chatEntities = map[string]string{
	"&amp;":    "&",
	"&AMP;":    "&",
	"&percnt;": "%",
	"&gt;":     ">",
	"&lt;":     "<",
	"&quot;":   `"`,
	"&apos;":   "'",
	"&#39;":    "'",
	"&nbsp;":   " ",
}

// unescapeChat applies the fixed entity table in a single pass.
func unescapeChat(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	return chatEntityRe.ReplaceAllStringFunc(s, func(e string) string {
		return chatEntities[e]
	})
}
