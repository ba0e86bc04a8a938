// Package conflicts detects contradictions between amendment instructions.
package conflicts

import (
	"github.com/cognalith/governor/internal/policy"
)

// Detector decides whether two instruction texts contradict each other.
type Detector interface {
	DetectContradiction(a, b string) bool
}

// minSharedWordLen is the length a shared word must exceed to count as
// common subject matter.
const minSharedWordLen = 4

// Heuristic flags a contradiction when one statement in a and one in b use
// opposite words of a polarity pair and share a content word.
type Heuristic struct {
	policy *policy.Policy
}

// NewHeuristic returns a Heuristic backed by the fixed polarity tables.
func NewHeuristic() *Heuristic {
	return &Heuristic{policy: policy.Load()}
}

// DetectContradiction implements Detector.
func (h *Heuristic) DetectContradiction(a, b string) bool {
	_, ok := h.Explain(a, b)
	return ok
}

// Evidence describes why two texts were judged contradictory.
type Evidence struct {
	StatementA string `json:"statement_a"`
	StatementB string `json:"statement_b"`
	Polarity   string `json:"polarity"`
	SharedWord string `json:"shared_word"`
}

// Explain is DetectContradiction with the matching statements.
func (h *Heuristic) Explain(a, b string) (Evidence, bool) {
	stA := SplitStatements(a)
	stB := SplitStatements(b)
	if len(stA) == 0 || len(stB) == 0 {
		return Evidence{}, false
	}
	pairs := h.policy.PolarityPairs()
	for _, sa := range stA {
		wa := wordSet(sa)
		for _, sb := range stB {
			wb := wordSet(sb)
			polarity, ok := opposed(wa, wb, pairs)
			if !ok {
				continue
			}
			if shared, ok := h.sharedContentWord(wa, wb, pairs); ok {
				return Evidence{StatementA: sa, StatementB: sb, Polarity: polarity, SharedWord: shared}, true
			}
		}
	}
	return Evidence{}, false
}

func opposed(wa, wb map[string]struct{}, pairs [][2]string) (string, bool) {
	for _, p := range pairs {
		_, aPos := wa[p[0]]
		_, aNeg := wa[p[1]]
		_, bPos := wb[p[0]]
		_, bNeg := wb[p[1]]
		if (aPos && bNeg && !aNeg && !bPos) || (aNeg && bPos && !aPos && !bNeg) {
			return p[0] + "/" + p[1], true
		}
	}
	return "", false
}

func (h *Heuristic) sharedContentWord(wa, wb map[string]struct{}, pairs [][2]string) (string, bool) {
	polar := make(map[string]struct{}, len(pairs)*2)
	for _, p := range pairs {
		polar[p[0]] = struct{}{}
		polar[p[1]] = struct{}{}
	}
	best := ""
	for w := range wa {
		if len(w) <= minSharedWordLen || h.policy.IsStopword(w) {
			continue
		}
		if _, ok := polar[w]; ok {
			continue
		}
		if _, ok := wb[w]; ok && (best == "" || w < best) {
			best = w
		}
	}
	return best, best != ""
}

func wordSet(text string) map[string]struct{} {
	ws := words(text)
	set := make(map[string]struct{}, len(ws))
	for _, w := range ws {
		set[w] = struct{}{}
	}
	return set
}
