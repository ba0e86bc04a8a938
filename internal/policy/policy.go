// Package policy holds the fixed governance rules: protected content
// patterns, layer keyword tables, contradiction polarity pairs, hard
// thresholds and trust tiers. Everything here is compiled once and exposed
// read-only; nothing in it is configurable.
package policy

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cognalith/governor/internal/model"
)

// Hard thresholds. These are not exposed to any configuration surface.
const (
	// AutoRevertStreak is the number of most recent evaluations that must
	// all have failed before an amendment is reverted.
	AutoRevertStreak = 3

	// EvaluationTimeout is how long an amendment may stay in evaluation.
	EvaluationTimeout = 168 * time.Hour

	// MinEvaluationsBeforeTimeout is the evaluation count below which a
	// timed-out amendment is reverted.
	MinEvaluationsBeforeTimeout = 5

	// ConsecutiveFailureThreshold escalates an agent's failure streak.
	ConsecutiveFailureThreshold = 3

	// CrossAgentWindow, CrossAgentMinAgents and CrossAgentMinFailures define
	// a cross-agent failure pattern: at least CrossAgentMinAgents distinct
	// agents each with CrossAgentMinFailures failed evaluations inside the
	// trailing window.
	CrossAgentWindow      = time.Hour
	CrossAgentMinAgents   = 3
	CrossAgentMinFailures = 2

	// LayerKeywordThreshold is the number of distinct layer keywords that
	// marks a candidate as touching the skills or persona layer.
	LayerKeywordThreshold = 2

	SkillsMarker  = "layer:skills"
	PersonaMarker = "layer:persona"
)

// ProtectedCategory groups protected patterns.
type ProtectedCategory string

const (
	ProtectedFinancial       ProtectedCategory = "financial_operations"
	ProtectedAuthorityBypass ProtectedCategory = "authority_bypass"
	ProtectedSafetyDisable   ProtectedCategory = "safety_disable"
)

// ProtectedMatch is one protected pattern found in candidate text.
type ProtectedMatch struct {
	Category ProtectedCategory `json:"category"`
	Pattern  string            `json:"pattern"`
	Match    string            `json:"match"`
}

type protectedRule struct {
	category ProtectedCategory
	re       *regexp.Regexp
}

type keyword struct {
	name string
	re   *regexp.Regexp
}

// Policy is the compiled, immutable rule set.
type Policy struct {
	protected []protectedRule
	skills    []keyword
	persona   []keyword
	polarity  [][2]string
	stopwords map[string]struct{}
	tiers     *TierEvaluator
}

var load = sync.OnceValue(func() *Policy {
	p := &Policy{
		protected: compileProtected(),
		skills:    compileKeywords(skillsKeywords),
		persona:   compileKeywords(personaKeywords),
		polarity:  polarityPairs,
		stopwords: make(map[string]struct{}, len(stopwords)),
		tiers:     mustTierEvaluator(),
	}
	for _, w := range stopwords {
		p.stopwords[w] = struct{}{}
	}
	return p
})

// Load returns the process-wide policy. It is compiled on first use.
func Load() *Policy { return load() }

const sep = `[\s_\-]+`

var protectedSources = []struct {
	category ProtectedCategory
	expr     string
}{
	{ProtectedFinancial, `(approve|authori[sz]e|execute|initiate|release|send)` + sep + `(the` + sep + `|all` + sep + `)?(payments?|wires?|transfers?|disbursements?|payouts?)`},
	{ProtectedFinancial, `bank` + sep + `?accounts?` + `(` + sep + `(details?|numbers?))?`},
	{ProtectedFinancial, `routing` + sep + `?numbers?`},
	{ProtectedFinancial, `(raise|increase|remove|ignore|exceed|lift)` + sep + `(the` + sep + `)?(spending|budget|expense)` + sep + `?(limits?|caps?|thresholds?)`},
	{ProtectedAuthorityBypass, `bypass\w*`},
	{ProtectedAuthorityBypass, `(skip|circumvent|avoid)` + sep + `(the` + sep + `)?(human` + sep + `)?(approvals?|reviews?|sign` + sep + `?offs?)`},
	{ProtectedAuthorityBypass, `without` + sep + `(human` + sep + `)?(approval|review|authori[sz]ation|sign` + sep + `?off)`},
	{ProtectedAuthorityBypass, `override` + sep + `(the` + sep + `)?(polic(y|ies)|controls?|governance|approvals?)`},
	{ProtectedAuthorityBypass, `self` + sep + `?approv\w*`},
	{ProtectedAuthorityBypass, `(escalate|elevate|grant)` + sep + `(own` + sep + `|its` + sep + `)?(privileges?|permissions?|authority)`},
	{ProtectedSafetyDisable, `(disable|deactivate|turn` + sep + `off|ignore|suppress|remove|skip)` + sep + `(all` + sep + `|the` + sep + `|any` + sep + `)?(safety|guardrails?|safeguards?|checks?|monitoring|audit(ing|s)?|oversight|limits?)`},
	{ProtectedSafetyDisable, `safety` + sep + `(checks?|layer|constraints?)` + sep + `(off|disabled)`},
}

func compileProtected() []protectedRule {
	out := make([]protectedRule, 0, len(protectedSources))
	for _, s := range protectedSources {
		out = append(out, protectedRule{category: s.category, re: regexp.MustCompile(`(?i)` + s.expr)})
	}
	return out
}

var skillsKeywords = map[string]string{
	"skill":       `skills?`,
	"capability":  `capabilit(y|ies)`,
	"competency":  `competenc(y|ies|e)`,
	"expertise":   `expertise`,
	"technique":   `techniques?`,
	"toolset":     `toolsets?`,
	"playbook":    `playbooks?`,
	"procedure":   `procedures?`,
	"methodology": `methodolog(y|ies)`,
	"workflow":    `workflows?`,
}

var personaKeywords = map[string]string{
	"persona":             `personas?`,
	"personality":         `personalit(y|ies)`,
	"identity":            `identit(y|ies)`,
	"tone":                `tone`,
	"voice":               `voice`,
	"character":           `character`,
	"core values":         `core` + sep + `values`,
	"demeanor":            `demeanou?r`,
	"temperament":         `temperament`,
	"communication style": `communication` + sep + `style`,
}

func compileKeywords(src map[string]string) []keyword {
	names := make([]string, 0, len(src))
	for name := range src {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]keyword, 0, len(names))
	for _, name := range names {
		out = append(out, keyword{name: name, re: regexp.MustCompile(`(?i)\b` + src[name] + `\b`)})
	}
	return out
}

var polarityPairs = [][2]string{
	{"increase", "decrease"},
	{"enable", "disable"},
	{"always", "never"},
	{"allow", "deny"},
	{"include", "exclude"},
	{"more", "less"},
	{"start", "stop"},
	{"accept", "reject"},
	{"add", "remove"},
	{"maximize", "minimize"},
	{"before", "after"},
	{"faster", "slower"},
}

var stopwords = []string{
	"about", "above", "after", "again", "agent", "always", "before", "being",
	"below", "between", "could", "during", "every", "first", "their", "there",
	"these", "those", "through", "under", "until", "where", "which", "while",
	"would", "should", "tasks", "other", "never", "ensure", "within",
}

// ProtectedMatches returns every protected pattern found in text, in rule order.
func (p *Policy) ProtectedMatches(text string) []ProtectedMatch {
	var out []ProtectedMatch
	for _, r := range p.protected {
		if m := r.re.FindString(text); m != "" {
			out = append(out, ProtectedMatch{Category: r.category, Pattern: r.re.String(), Match: m})
		}
	}
	return out
}

// IsProtected reports whether text contains any protected pattern.
func (p *Policy) IsProtected(text string) bool {
	for _, r := range p.protected {
		if r.re.MatchString(text) {
			return true
		}
	}
	return false
}

// SkillsHits returns the distinct skills-layer keywords in text. The
// explicit marker counts as a full match on its own.
func (p *Policy) SkillsHits(text string) []string {
	return layerHits(text, p.skills, SkillsMarker)
}

// PersonaHits is SkillsHits for the persona layer.
func (p *Policy) PersonaHits(text string) []string {
	return layerHits(text, p.persona, PersonaMarker)
}

// TouchesLayer reports whether hits reach the layer escalation threshold.
func TouchesLayer(hits []string, marker string) bool {
	for _, h := range hits {
		if h == marker {
			return true
		}
	}
	return len(hits) >= LayerKeywordThreshold
}

func layerHits(text string, kws []keyword, marker string) []string {
	var hits []string
	if strings.Contains(strings.ToLower(text), marker) {
		hits = append(hits, marker)
	}
	for _, kw := range kws {
		if kw.re.MatchString(text) {
			hits = append(hits, kw.name)
		}
	}
	return hits
}

// PolarityPairs returns a copy of the opposite-polarity word pairs.
func (p *Policy) PolarityPairs() [][2]string {
	out := make([][2]string, len(p.polarity))
	copy(out, p.polarity)
	return out
}

// IsStopword reports whether w is too generic to indicate shared subject matter.
func (p *Policy) IsStopword(w string) bool {
	_, ok := p.stopwords[strings.ToLower(w)]
	return ok
}

// Tiers returns the trust-tier evaluator.
func (p *Policy) Tiers() *TierEvaluator { return p.tiers }

// CandidateText is the text every content rule scans: the trigger, the
// instruction delta and the JSON form of the knowledge mutation.
func CandidateText(c model.Candidate) string {
	mutation, err := json.Marshal(c.Mutation)
	if err != nil {
		mutation = []byte(c.Mutation.TargetArea + " " + c.Mutation.Content)
	}
	return c.TriggerPattern + "\n" + c.InstructionDelta + "\n" + string(mutation)
}
