package telegram

import "strings"

// safeMaxLen leaves headroom under Telegram's 4096-char message cap
// for markup and encoding overhead.
const safeMaxLen = 4000

// escapeHTML escapes characters that are special in Telegram's HTML
// parse mode.
func escapeHTML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

// renderOutput frames command output in monospace blocks, one per
// chunk, each fitting the message budget.
func renderOutput(output string) []string {
	chunks := splitMessage(output, safeMaxLen-len("<pre></pre>"))
	framed := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		framed = append(framed, "<pre>"+escapeHTML(chunk)+"</pre>")
	}
	return framed
}

// splitMessage splits text into chunks of at most maxLen bytes,
// preferring line boundaries, then word boundaries.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > maxLen {
		candidate := remaining[:maxLen]
		splitAt := -1

		if idx := strings.LastIndex(candidate, "\n"); idx > 0 {
			splitAt = idx + 1
		}
		if splitAt < 0 {
			if idx := strings.LastIndex(candidate, " "); idx > 0 {
				splitAt = idx + 1
			}
		}
		if splitAt < 0 {
			splitAt = maxLen
		}

		chunks = append(chunks, strings.TrimRight(remaining[:splitAt], "\n"))
		remaining = remaining[splitAt:]
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}
