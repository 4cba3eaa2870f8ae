package notify

import "strings"

func escape(str string) string {
	str = strings.ReplaceAll(str, "&", "&amp;")
	str = strings.ReplaceAll(str, "<", "&lt;")
	str = strings.ReplaceAll(str, ">", "&gt;")

	return str
}

// MakeLink composes a chat hyperlink in the <url|text> wire form.
func MakeLink(url, text string) string {
	return "<" + escape(url) + "|" + escape(text) + ">"
}

// Mention turns a chat handle into an @-reference.
func Mention(handle string) string {
	return "@" + handle
}
