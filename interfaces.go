package governor

import "net/http"

// ContradictionDetector reports whether two instruction texts direct an
// agent in opposite ways. When provided via WithContradictionDetector it
// replaces the built-in keyword-polarity heuristic. A detection flags the
// candidate for human approval; it never blocks on its own.
type ContradictionDetector interface {
	DetectContradiction(a, b string) bool
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
