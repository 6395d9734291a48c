package domain

import "strings"

// Attachment references are embedded in the description column as markdown
// image lines, one per line: ![img](URL). The reconciliation engine treats
// the whole column as an opaque value; only this codec looks inside.
const (
	attachmentPrefix = "![img]("
	attachmentSuffix = ")"
)

// Description is the decoded form of the description column: the free text
// and the ordered attachment URLs embedded in it.
type Description struct {
	Text string
	URLs []string
}

// EncodeDescription packs free text and attachment URLs into one column
// value. The trimmed text comes first when non-empty, then one sentinel line
// per URL in the given order, with exactly one blank line between the two
// blocks when both are present.
func EncodeDescription(text string, urls []string) string {
	parts := make([]string, 0, len(urls)+2)
	t := strings.TrimSpace(text)
	if t != "" {
		parts = append(parts, t)
	}
	if len(urls) > 0 {
		if t != "" {
			parts = append(parts, "")
		}
		for _, u := range urls {
			parts = append(parts, attachmentPrefix+u+attachmentSuffix)
		}
	}
	return strings.Join(parts, "\n")
}

// DecodeDescription splits a stored column value back into free text and
// attachment URLs. Sentinel lines contribute their URL in encounter order and
// are removed from the text; everything else, including lines that merely
// resemble the sentinel, stays in the text. Never fails: malformed input is
// plain text.
func DecodeDescription(stored string) Description {
	if stored == "" {
		return Description{}
	}
	var urls []string
	var text []string
	for _, line := range strings.Split(stored, "\n") {
		if u, ok := attachmentURL(line); ok {
			urls = append(urls, u)
			continue
		}
		text = append(text, line)
	}
	return Description{Text: strings.TrimSpace(strings.Join(text, "\n")), URLs: urls}
}

// attachmentURL extracts the URL from a sentinel line. The URL must be
// non-empty and free of parentheses, mirroring what the encoder can emit.
func attachmentURL(line string) (string, bool) {
	s := strings.TrimSpace(line)
	if !strings.HasPrefix(s, attachmentPrefix) || !strings.HasSuffix(s, attachmentSuffix) {
		return "", false
	}
	u := s[len(attachmentPrefix) : len(s)-len(attachmentSuffix)]
	if u == "" || strings.ContainsAny(u, "()") {
		return "", false
	}
	return u, true
}
