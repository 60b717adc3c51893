package scope

import (
	"regexp"
	"strings"
)

// Mode selects how much analysis a question gets.
type Mode string

const (
	ModeSimple   Mode = "simple"
	ModeInsights Mode = "insights"
)

// Substrings that mark a question as asking for explanation rather than a
// lookup.
var insightKeywords = []string{
	"why", "drivers", "factors", "insights", "explain",
	"root cause", "decline", "growth", "change", "reason",
	"drop", "increase", "decrease", "trend",
}

// DetectMode picks insights mode when the question contains any insight
// keyword as a substring of its lowercased text.
func DetectMode(question string) Mode {
	lower := strings.ToLower(question)
	for _, kw := range insightKeywords {
		if strings.Contains(lower, kw) {
			return ModeInsights
		}
	}
	return ModeSimple
}

var blockedPatterns = compileAll(
	`\b(write|compose|draft)\s+(me\s+)?(a\s+)?(poem|essay|story|song|joke|limerick)`,
	`\b(tell|say)\s+(me\s+)?(a\s+)?(joke|riddle|story|fun fact)`,
	`\bhack\b`, `\bexploit\b`, `\bbypass\b`, `\bignore\s+instructions\b`,
	`\bjailbreak\b`, `\bpretend\s+you\b`, `\bact\s+as\b`,
	`\bforget\s+(your|all)\b`, `\bsystem\s+prompt\b`,
	`\b(recipe|cook|weather|translate|code\s+review)\b`,
)

var wordRe = regexp.MustCompile(`[a-z0-9]+`)

var (
	greetingWords = set("hi", "hello", "hey", "help", "what", "who", "how")
	botWords      = set("bot", "analyst", "you", "pharma")

	analyticsDomain = set(
		"sales", "revenue", "product", "products", "territory", "territories",
		"time", "trend", "trends", "comparison", "comparisons", "compare",
		"driver", "drivers", "prescriptions", "trx", "nrx", "units",
		"quarter", "quarterly", "monthly", "yearly", "annual",
		"region", "regions", "state", "states", "top", "bottom",
		"growth", "decline", "market", "share", "performance",
		"brand", "therapeutic", "oncology", "cardiovascular", "respiratory", "cns",
		"forecast", "average", "total", "sum", "count",
	)

	timeTerms = []string{
		"2023", "2024", "2025", "q1", "q2", "q3", "q4",
		"january", "february", "march", "april", "may", "june",
		"july", "august", "september", "october", "november", "december",
		"last year", "this year", "ytd", "year",
	}
)

// Fixed clarification questions, one per missing facet.
const (
	QuestionProduct = "Which product or therapeutic area?"
	QuestionRegion  = "Which region or territory?"
	QuestionTime    = "What time period (e.g. Q1 2024, last year)?"
)

// vocabulary is a set of terms matched against a question. Single words are
// matched against the tokenized word set; phrases against the text.
type vocabulary struct {
	words   map[string]bool
	phrases []string
}

func newVocabulary(terms ...[]string) vocabulary {
	v := vocabulary{words: make(map[string]bool)}
	for _, list := range terms {
		for _, term := range list {
			tokens := wordRe.FindAllString(strings.ToLower(term), -1)
			switch len(tokens) {
			case 0:
			case 1:
				v.words[tokens[0]] = true
			default:
				v.phrases = append(v.phrases, strings.Join(tokens, " "))
			}
		}
	}
	return v
}

func (v vocabulary) matches(q *question) bool {
	for w := range q.words {
		if v.words[w] {
			return true
		}
	}
	for _, p := range v.phrases {
		if q.hasPhrase(p) {
			return true
		}
	}
	return false
}

// question is the tokenized form of a lowercased question.
type question struct {
	lower string
	words map[string]bool
	// Space-joined token stream, padded, for phrase matching.
	joined string
}

func parseQuestion(text string) *question {
	lower := strings.ToLower(text)
	tokens := wordRe.FindAllString(lower, -1)
	words := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		words[t] = true
	}
	return &question{
		lower:  lower,
		words:  words,
		joined: " " + strings.Join(tokens, " ") + " ",
	}
}

func (q *question) hasPhrase(p string) bool {
	return strings.Contains(q.joined, " "+p+" ")
}

func (q *question) overlap(set map[string]bool) []string {
	var out []string
	for w := range q.words {
		if set[w] {
			out = append(out, w)
		}
	}
	return out
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}
