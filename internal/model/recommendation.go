package model

// Recommendation is an externally researched suggestion for an agent.
type Recommendation struct {
	AgentRole        string   `json:"agent_role"`
	Type             string   `json:"type"`
	Content          string   `json:"content"`
	TargetingPattern string   `json:"targeting_pattern"`
	TargetArea       string   `json:"target_area,omitempty"`
	ExpectedImpact   string   `json:"expected_impact"`
	Reasoning        string   `json:"reasoning"`
	Sources          []string `json:"sources"`
}

// Result carries one item of a batch operation: either Data or Err.
type Result[T any] struct {
	Key  string `json:"key"`
	Data T      `json:"data,omitempty"`
	Err  error  `json:"-"`
}

// OK reports whether the item succeeded.
func (r Result[T]) OK() bool { return r.Err == nil }
