// Package scope decides whether a question is in scope for the analyst
// before any expensive work runs. Rules are tried first; only questions the
// rules cannot classify reach the LLM.
package scope

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/catalog"
	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/llm"
)

//go:embed SCOPE.md
var scopePrompt string

const (
	DefaultCacheTTL = 10 * time.Minute

	BlockedReason     = "This doesn't look like a pharmaceutical data question."
	DefaultLLMReason  = "Question is out of scope."
	AmbiguousStatus   = "Ambiguous → using LLM scope check"
	statusBlocked     = "Blocked (rules) — off-topic request"
	statusGreeting    = "Allowed (rules) — greeting / help"
	statusAnalytics   = "Allowed (rules) — analytics question detected"
	statusClarify     = "Need clarification — question is too vague"
	statusAllowedLLM  = "Allowed (LLM)"
	statusRejectedLLM = "Blocked (LLM) — "
)

// Outcome is the gate's decision.
type Outcome int

const (
	Blocked Outcome = iota
	AllowedRules
	NeedsClarification
	AllowedLLM
	RejectedLLM
)

func (o Outcome) String() string {
	switch o {
	case Blocked:
		return "blocked"
	case AllowedRules:
		return "allowed_rules"
	case NeedsClarification:
		return "needs_clarification"
	case AllowedLLM:
		return "allowed_llm"
	case RejectedLLM:
		return "rejected_llm"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Decision is the result of a scope check.
type Decision struct {
	Outcome   Outcome
	Status    string   // Progress message describing the decision
	Reason    string   // Set for Blocked and RejectedLLM
	Questions []string // Set for NeedsClarification
	LLMTime   time.Duration
	Cached    bool
}

// Allowed reports whether the workflow may continue.
func (d Decision) Allowed() bool {
	return d.Outcome == AllowedRules || d.Outcome == AllowedLLM
}

type Config struct {
	Logger   *slog.Logger
	LLM      *llm.Structured
	Entities catalog.Entities
	CacheTTL time.Duration
}

// Gate is safe for concurrent use.
type Gate struct {
	log   *slog.Logger
	llm   *llm.Structured
	cache *ttlcache.Cache[string, Decision]

	domain   vocabulary
	products vocabulary
	regions  vocabulary
	periods  vocabulary
}

func New(cfg Config) (*Gate, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("LLM client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}

	e := cfg.Entities
	domainWords := make([]string, 0, len(analyticsDomain))
	for w := range analyticsDomain {
		domainWords = append(domainWords, w)
	}

	return &Gate{
		log: cfg.Logger,
		llm: cfg.LLM,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, Decision](cfg.CacheTTL),
			ttlcache.WithDisableTouchOnHit[string, Decision](),
		),
		// Known entities and time terms count toward the domain match so a
		// question naming a region and a period is recognized by rule.
		domain:   newVocabulary(domainWords, timeTerms, e.Products, e.TherapeuticAreas, e.Regions),
		products: newVocabulary(e.Products, e.TherapeuticAreas),
		regions:  newVocabulary(e.Regions),
		periods:  newVocabulary(timeTerms),
	}, nil
}

// Check runs the rules and, if they are inconclusive, the LLM fallback.
func (g *Gate) Check(ctx context.Context, text string, mode Mode) (Decision, error) {
	if d, ok := g.Rules(text, mode); ok {
		return d, nil
	}
	return g.Fallback(ctx, text)
}

// Rules applies the deterministic checks in order. ok is false when the
// question is ambiguous and needs the LLM fallback.
func (g *Gate) Rules(text string, mode Mode) (Decision, bool) {
	q := parseQuestion(text)

	for _, pat := range blockedPatterns {
		if pat.MatchString(q.lower) {
			g.log.Info("scope: blocked by rules", "question", truncate(text, 80))
			return Decision{Outcome: Blocked, Status: statusBlocked, Reason: BlockedReason}, true
		}
	}

	if len(q.overlap(greetingWords)) > 0 && (len(q.words) < 6 || len(q.overlap(botWords)) > 0) {
		g.log.Info("scope: allowed by rules", "rule", "greeting")
		return Decision{Outcome: AllowedRules, Status: statusGreeting}, true
	}

	if g.domainMatches(q) < 2 {
		return Decision{}, false
	}

	if mode == ModeInsights {
		if missing := g.missingFacets(q); len(missing) >= 2 {
			g.log.Info("scope: clarification needed", "missing", missing)
			return Decision{Outcome: NeedsClarification, Status: statusClarify, Questions: missing}, true
		}
	}

	g.log.Info("scope: allowed by rules", "rule", "analytics")
	return Decision{Outcome: AllowedRules, Status: statusAnalytics}, true
}

// domainMatches counts distinct domain terms in q.
func (g *Gate) domainMatches(q *question) int {
	n := 0
	for w := range q.words {
		if g.domain.words[w] {
			n++
		}
	}
	for _, p := range g.domain.phrases {
		if q.hasPhrase(p) {
			n++
		}
	}
	return n
}

func (g *Gate) missingFacets(q *question) []string {
	var missing []string
	if !g.products.matches(q) {
		missing = append(missing, QuestionProduct)
	}
	if !g.regions.matches(q) {
		missing = append(missing, QuestionRegion)
	}
	if !g.periods.matches(q) {
		missing = append(missing, QuestionTime)
	}
	return missing
}

type verdict struct {
	InScope *bool  `json:"in_scope,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Fallback asks the LLM to classify an ambiguous question. Verdicts are
// cached per normalized question.
func (g *Gate) Fallback(ctx context.Context, text string) (Decision, error) {
	key := cacheKey(text)
	if item := g.cache.Get(key); item != nil {
		d := item.Value()
		d.Cached = true
		d.LLMTime = 0
		return d, nil
	}

	resp, err := llm.Call[verdict](ctx, g.llm, scopePrompt, text)
	if err != nil {
		return Decision{LLMTime: resp.Elapsed}, fmt.Errorf("scope check failed: %w", err)
	}

	d := Decision{Outcome: AllowedLLM, Status: statusAllowedLLM, LLMTime: resp.Elapsed}
	if v := resp.Result; v.InScope != nil && !*v.InScope {
		d.Outcome = RejectedLLM
		d.Reason = v.Reason
		if d.Reason == "" {
			d.Reason = DefaultLLMReason
		}
		d.Status = statusRejectedLLM + truncateRunes(d.Reason, 60)
	}
	g.log.Info("scope: classified by LLM", "outcome", d.Outcome, "reason", d.Reason)

	g.cache.Set(key, d, ttlcache.DefaultTTL)
	return d, nil
}

func cacheKey(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
