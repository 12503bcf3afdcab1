package chatsync

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Filter narrows a conversation projection. Zero values match everything.
type Filter struct {
	Kind       ChannelKind
	Query      string
	Label      string
	UnreadOnly bool
}

// Filter returns the ordered conversations matching f.
func (x *ConversationIndex) Filter(f Filter) []Conversation {
	query := foldText(strings.TrimSpace(f.Query))
	all := x.Ordered()
	out := make([]Conversation, 0, len(all))
	for _, c := range all {
		if f.Kind != "" && c.Kind != f.Kind {
			continue
		}
		if f.UnreadOnly && c.UnreadCount == 0 {
			continue
		}
		if f.Label != "" && !containsString(c.Labels, f.Label) {
			continue
		}
		if query != "" && !matchesQuery(c, query) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func matchesQuery(c Conversation, folded string) bool {
	if strings.Contains(foldText(c.DisplayName), folded) {
		return true
	}
	if strings.Contains(foldText(c.RemoteConversationID), folded) {
		return true
	}
	if !phoneLike(folded) {
		return false
	}
	return strings.Contains(digitsOnly(c.RemoteConversationID), digitsOnly(folded))
}

// phoneLike accepts formatted numbers such as "+55 (11) 9999-0000".
func phoneLike(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits > 0
}

// foldText lowercases and strips diacritics so "José" matches "jose".
func foldText(s string) string {
	if s == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), cases.Fold(), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func containsString(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}
