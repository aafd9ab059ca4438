package routecel

import "testing"

func TestRouter_RoutesOnMatchingPredicate(t *testing.T) {
	r, err := NewRouter()
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	if err := r.AddRule("reviewer-out", "escalation-in", `input.risk_score > 80`); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	dests := r.Route("reviewer-out", map[string]any{"risk_score": int64(95)})
	if len(dests) != 1 || dests[0] != "escalation-in" {
		t.Fatalf("expected [escalation-in], got %v", dests)
	}

	dests = r.Route("reviewer-out", map[string]any{"risk_score": int64(10)})
	if len(dests) != 0 {
		t.Fatalf("expected no match, got %v", dests)
	}
}

func TestRouter_RejectsNonDeterministicExpressions(t *testing.T) {
	r, err := NewRouter()
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	cases := []string{
		`now() > input.deadline`,
		`input.score > 0.5`,
	}
	for _, expr := range cases {
		if err := r.AddRule("x-out", "y-in", expr); err == nil {
			t.Errorf("expected rejection for %q, got nil error", expr)
		}
	}
}

func TestRouter_HasRulesAndTopics(t *testing.T) {
	r, err := NewRouter()
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	if r.HasRules("reviewer-out") {
		t.Fatalf("expected no rules before registration")
	}
	if err := r.AddRule("reviewer-out", "escalation-in", `input.risk_score > 80`); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if !r.HasRules("reviewer-out") {
		t.Fatalf("expected rules after registration")
	}
	topics := r.Topics()
	if len(topics) != 1 || topics[0] != "reviewer-out" {
		t.Fatalf("expected [reviewer-out], got %v", topics)
	}
}

func TestRouter_NoMatchOnMissingField(t *testing.T) {
	r, err := NewRouter()
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	if err := r.AddRule("x-out", "y-in", `input.risk_score > 80`); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	dests := r.Route("x-out", map[string]any{"unrelated": "field"})
	if len(dests) != 0 {
		t.Fatalf("expected no match on missing field, got %v", dests)
	}
}
