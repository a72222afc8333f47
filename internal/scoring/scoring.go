// Package scoring implements the heuristic spam rules and the final
// spam/ham decision combining them with the classifier probability.
package scoring

import (
	"regexp"
	"sort"
	"strings"
)

// Heuristic weights. A message votes spam on rules alone once its
// accumulated score reaches voteThreshold, independent of the classifier.
const (
	patternWeight = 3
	keywordWeight = 3
	densityWeight = 10
	phoneWeight   = 5
	emailWeight   = 3
	densityCutoff = 0.3
	voteThreshold = 8
)

// Rule is one weighted pattern with a stable tag for audit details.
type Rule struct {
	Tag    string
	Weight int
	re     *regexp.Regexp
}

func rule(tag, pattern string) Rule {
	return Rule{Tag: tag, Weight: patternWeight, re: regexp.MustCompile("(?i)" + pattern)}
}

// builtinRules covers the spam families observed in moderated groups:
// resale offers, contact bait with a phone fragment, and urgency pushes.
var builtinRules = []Rule{
	rule("ticket_sale", `selling.*(concert|game).*ticket`),
	rule("ticket_sale", `looking.*sell.*(concert|game).*ticket`),
	rule("ticket_sale", `(giving.*away|passing).*(concert|game)?.*ticket`),

	rule("permit_sale", `selling.*parking.*(permit|pass).*text`),
	rule("permit_sale", `(buy|parking).*permit.*text.*interested`),

	rule("item_sale", `(selling|giving.*away).*(macbook|ps5).*free`),
	rule("item_sale", `(selling.*car|for sale).*perfect.*condition`),

	rule("contact_bait", `(text|contact|dm|message|hit.*up|hmu?).*interested.*\d{3}`),
	rule("contact_bait", `text.*if.*interested`),

	rule("free_offer", `giving.*away.*free.*(macbook|ps5|ticket)`),
	rule("free_offer", `free.*(macbook|ps5).*perfect.*condition`),

	rule("urgency", `(strictly )?first come.*(first serve)?.*dm`),
	rule("urgency", `(dm|text|contact) now.*interested`),
}

// builtinKeywords feed the density check: a message whose tokens are
// mostly sale-and-contact vocabulary is spam regardless of phrasing.
var builtinKeywords = map[string]struct{}{
	"selling": {}, "sell": {}, "sale": {}, "ticket": {}, "tickets": {},
	"permit": {}, "parking": {}, "macbook": {}, "ps5": {}, "free": {},
	"interested": {}, "text": {}, "dm": {}, "hmu": {}, "venmo": {},
	"zelle": {}, "cashapp": {}, "giveaway": {}, "offer": {}, "cheap": {},
}

var (
	phoneRe = regexp.MustCompile(`\+1\s*\d{3}[\s\-]?\d{3}[\s\-]?\d{4}|\(\d{3}\)\s*\d{3}[\s\-]?\d{4}|\d{3}[\s\-]?\d{3}[\s\-]?\d{4}`)
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	tokenRe = regexp.MustCompile(`[a-z0-9']+`)
)

// HeuristicResult is the outcome of the rule pass over one message.
type HeuristicResult struct {
	Score       int
	MatchedTags []string
}

// Votes reports whether the rules alone are decisive.
func (r HeuristicResult) Votes() bool {
	return r.Score >= voteThreshold
}

// Engine evaluates the heuristic rules. It is stateless and safe for
// concurrent use.
type Engine struct {
	rules []Rule
}

// NewEngine creates an engine with the built-in rule families.
func NewEngine() *Engine {
	return &Engine{rules: builtinRules}
}

// Score runs all rules against the text. Custom keywords from the group
// config act as additional word rules and join the density vocabulary.
func (e *Engine) Score(text string, customKeywords []string) HeuristicResult {
	lower := strings.ToLower(text)
	tokens := tokenRe.FindAllString(lower, -1)

	var result HeuristicResult
	tags := make(map[string]struct{})

	for _, r := range e.rules {
		if r.re.MatchString(lower) {
			result.Score += r.Weight
			tags[r.Tag] = struct{}{}
		}
	}

	custom := make(map[string]struct{}, len(customKeywords))
	for _, kw := range customKeywords {
		custom[strings.ToLower(strings.TrimSpace(kw))] = struct{}{}
	}

	matchedCustom := make(map[string]struct{})
	spamTokens := 0
	for _, tok := range tokens {
		_, builtin := builtinKeywords[tok]
		_, extra := custom[tok]
		if builtin || extra {
			spamTokens++
		}
		if extra {
			matchedCustom[tok] = struct{}{}
		}
	}

	for kw := range matchedCustom {
		result.Score += keywordWeight
		tags["keyword:"+kw] = struct{}{}
	}

	if len(tokens) > 0 && float64(spamTokens)/float64(len(tokens)) > densityCutoff {
		result.Score += densityWeight
		tags["keyword_density"] = struct{}{}
	}

	if phoneRe.MatchString(lower) {
		result.Score += phoneWeight
		tags["phone_number"] = struct{}{}
	}

	if emailRe.MatchString(lower) {
		result.Score += emailWeight
		tags["email_address"] = struct{}{}
	}

	result.MatchedTags = make([]string, 0, len(tags))
	for tag := range tags {
		result.MatchedTags = append(result.MatchedTags, tag)
	}
	sort.Strings(result.MatchedTags)

	return result
}

// Verdict is the final decision for one message.
type Verdict struct {
	IsSpam         bool
	Confidence     float64
	HeuristicScore int
	MatchedTags    []string
	Whitelisted    bool
}

// Decide combines the classifier probability with the heuristic result.
// Either signal is sufficient: probability at or above the group threshold,
// or a decisive heuristic score.
func Decide(probability, threshold float64, heur HeuristicResult) Verdict {
	return Verdict{
		IsSpam:         probability >= threshold || heur.Votes(),
		Confidence:     probability,
		HeuristicScore: heur.Score,
		MatchedTags:    heur.MatchedTags,
	}
}

// WhitelistVerdict is the short-circuit verdict for whitelisted senders;
// no classifier call is made for them.
func WhitelistVerdict() Verdict {
	return Verdict{Whitelisted: true}
}
