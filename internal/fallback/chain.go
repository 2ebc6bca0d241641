// Package fallback produces rule-based replies when the AI provider is unavailable.
package fallback

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// echoPrefixLen is how many characters of the user's message the generic reply echoes.
const echoPrefixLen = 50

// Category names a canned reply group.
type Category string

const (
	CategoryGreeting Category = "greeting"
	CategoryHelp     Category = "help"
	CategoryPricing  Category = "pricing"
	CategoryThanks   Category = "thanks"
	CategoryFarewell Category = "farewell"
	CategoryGeneric  Category = "generic"
)

type rule struct {
	category Category
	keywords []string
	reply    string
}

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{
		category: CategoryGreeting,
		keywords: []string{"hello", "hey", "good morning", "good afternoon", "good evening", "olá", "bom dia", "boa tarde", "boa noite"},
		reply:    "Hello! Thanks for reaching out. How can I help you today?",
	},
	{
		category: CategoryHelp,
		keywords: []string{"help", "support", "assist", "problem", "issue", "ajuda", "suporte", "problema"},
		reply:    "I'm here to help. Please describe what you need and our team will follow up as soon as possible.",
	},
	{
		category: CategoryPricing,
		keywords: []string{"price", "pricing", "cost", "how much", "quote", "preço", "preco", "valor", "quanto custa"},
		reply:    "Thanks for your interest! A member of our team will send you pricing details shortly.",
	},
	{
		category: CategoryThanks,
		keywords: []string{"thank", "thx", "appreciate", "obrigad", "valeu"},
		reply:    "You're welcome! Let me know if there's anything else I can do.",
	},
	{
		category: CategoryFarewell,
		keywords: []string{"bye", "see you", "farewell", "tchau", "até logo", "ate logo"},
		reply:    "Goodbye! Feel free to message us any time.",
	},
}

// Reply returns a canned reply for message. It never returns an empty string.
func Reply(message string) string {
	_, reply := Classify(message)
	return reply
}

// Classify returns the matched category and its reply.
func Classify(message string) (Category, string) {
	lower := strings.ToLower(message)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if containsWordPrefix(lower, kw) {
				return r.category, r.reply
			}
		}
	}
	return CategoryGeneric, genericReply(message)
}

// containsWordPrefix reports whether kw occurs in s starting at a word
// boundary, so "hey" matches "hey there" but not "they". Keywords may end
// mid-word to cover inflections ("thank" matches "thanks").
func containsWordPrefix(s, kw string) bool {
	for offset := 0; offset < len(s); {
		i := strings.Index(s[offset:], kw)
		if i < 0 {
			return false
		}
		i += offset
		if i == 0 {
			return true
		}
		if prev, _ := utf8.DecodeLastRuneInString(s[:i]); !unicode.IsLetter(prev) && !unicode.IsDigit(prev) {
			return true
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		offset = i + size
	}
	return false
}

func genericReply(message string) string {
	prefix := strings.TrimSpace(message)
	if utf8.RuneCountInString(prefix) > echoPrefixLen {
		prefix = string([]rune(prefix)[:echoPrefixLen]) + "..."
	}
	if prefix == "" {
		return "Thanks for your message! A member of our team will get back to you shortly."
	}
	return fmt.Sprintf("Thanks for your message: %q. A member of our team will get back to you shortly.", prefix)
}
