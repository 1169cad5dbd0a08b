package validator

import (
	"regexp"
	"strings"
	"unicode"

	"copyflow/internal/rules"
)

var (
	wordRe     = regexp.MustCompile(`[\p{L}\p{N}$][\p{L}\p{N}'’%.,\-]*[\p{L}\p{N}%]|[\p{L}\p{N}]`)
	sentenceRe = regexp.MustCompile(`[^.!?\n]+[.!?]*`)
	digitRe    = regexp.MustCompile(`\d`)
)

var imperativeVerbs = setOf(
	"answer", "apply", "book", "bring", "buy", "call", "check", "choose", "claim", "click",
	"come", "discover", "download", "email", "explore", "forward", "get", "grab", "hit", "join",
	"learn", "let's", "meet", "order", "pick", "read", "register", "reply", "request", "reserve",
	"save", "schedule", "see", "send", "share", "shop", "sign", "start", "subscribe", "take",
	"tell", "text", "try", "use", "visit", "watch",
)

var pronouns = setOf("i", "we", "you", "they", "he", "she", "it", "our", "your", "my", "their", "us", "you're", "we're")

var questionWords = setOf(
	"how", "what", "why", "when", "where", "who", "which", "can", "could", "would",
	"should", "do", "does", "did", "is", "are", "will",
)

var articles = setOf("a", "an", "the")

var secondPerson = setOf("you", "your", "you're", "yours", "yourself", "you'll", "you've")

var adjectives = setOf(
	"amazing", "awesome", "beautiful", "best", "bold", "comprehensive", "dynamic", "easy",
	"effortless", "essential", "exciting", "exclusive", "fantastic", "fresh", "great", "huge",
	"incredible", "innovative", "massive", "modern", "new", "perfect", "powerful", "premium",
	"robust", "simple", "smart", "stunning", "ultimate", "unique", "unbeatable",
)

func setOf(words ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}

func has(set map[string]struct{}, w string) bool {
	_, ok := set[w]
	return ok
}

// Words splits text into word tokens.
func Words(s string) []string {
	return wordRe.FindAllString(s, -1)
}

// WordCount is the number of word tokens in s.
func WordCount(s string) int {
	return len(Words(s))
}

// Sentences splits text on terminal punctuation and line breaks.
func Sentences(s string) []string {
	raw := sentenceRe.FindAllString(s, -1)
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if WordCount(r) > 0 {
			out = append(out, r)
		}
	}
	return out
}

func normWord(w string) string {
	w = strings.ToLower(w)
	w = strings.ReplaceAll(w, "’", "'")
	return strings.Trim(w, ".,;:!?\"'()")
}

// FirstWordKind classifies the first word of s.
func FirstWordKind(s string) rules.WordKind {
	words := Words(s)
	if len(words) == 0 {
		return rules.WordOther
	}
	raw := words[0]
	w := normWord(raw)
	switch {
	case digitRe.MatchString(w[:1]) || strings.HasPrefix(w, "$"):
		return rules.WordNumber
	case has(pronouns, w):
		return rules.WordPronoun
	case has(questionWords, w):
		return rules.WordQuestionWord
	case has(imperativeVerbs, w):
		return rules.WordImperative
	case has(articles, w):
		return rules.WordArticle
	case isCapitalized(raw):
		return rules.WordProperNoun
	}
	return rules.WordOther
}

func isCapitalized(w string) bool {
	for _, r := range w {
		return unicode.IsUpper(r)
	}
	return false
}

// HasElement reports whether s contains the given element kind.
func HasElement(s string, kind rules.ElementKind) bool {
	switch kind {
	case rules.ElementNumber:
		return digitRe.MatchString(s)
	case rules.ElementQuestion:
		return strings.Contains(s, "?")
	case rules.ElementLink:
		lower := strings.ToLower(s)
		return strings.Contains(lower, "http://") || strings.Contains(lower, "https://") || strings.Contains(lower, "www.")
	case rules.ElementSecondPerson:
		for _, w := range Words(s) {
			if has(secondPerson, normWord(w)) {
				return true
			}
		}
		return false
	case rules.ElementProperNoun:
		return hasProperNoun(s)
	case rules.ElementImperative:
		for _, sent := range Sentences(s) {
			if FirstWordKind(sent) == rules.WordImperative {
				return true
			}
		}
		return false
	}
	return false
}

// hasProperNoun looks for a capitalized word that does not open a sentence.
func hasProperNoun(s string) bool {
	for _, sent := range Sentences(s) {
		words := Words(sent)
		for i := 1; i < len(words); i++ {
			if words[i] == "I" {
				continue
			}
			if isCapitalized(words[i]) {
				return true
			}
		}
	}
	return false
}

func hasSpecificDetail(sentence string) bool {
	return digitRe.MatchString(sentence) || hasProperNoun(sentence)
}

// longestAdjectiveRun is the longest run of stock adjectives in s.
func longestAdjectiveRun(s string) int {
	best, cur := 0, 0
	for _, w := range Words(s) {
		if has(adjectives, normWord(w)) {
			cur++
			if cur > best {
				best = cur
			}
			continue
		}
		cur = 0
	}
	return best
}

func countEmDashes(s string) int {
	n := strings.Count(s, "—") + strings.Count(s, "–")
	n += strings.Count(s, "--")
	return n
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
