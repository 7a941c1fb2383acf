package orchestration

import (
	"fmt"

	"github.com/Knetic/govaluate"
)

// DefaultSchemaRelevancyExpression mirrors the unweighted "best single
// signal" behavior callers got before a custom expression was configured:
// the table match score alone, ignoring column match.
const DefaultSchemaRelevancyExpression = "table_match"

// RelevancyScorer evaluates an operator-supplied arithmetic expression over
// named match-strength variables to produce a single [0,1] relevancy score,
// running it through govaluate rather than hardcoding the arithmetic in
// Go. A zero value
// (empty Expression) falls back to DefaultSchemaRelevancyExpression.
type RelevancyScorer struct {
	Expression string

	compiled *govaluate.EvaluableExpression
}

// NewRelevancyScorer compiles expr once so repeated Score calls (one per
// schema search, potentially many per turn) don't re-parse it. An empty
// expr uses DefaultSchemaRelevancyExpression.
func NewRelevancyScorer(expr string) (*RelevancyScorer, error) {
	if expr == "" {
		expr = DefaultSchemaRelevancyExpression
	}
	compiled, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return nil, fmt.Errorf("orchestration: invalid relevancy expression %q: %w", expr, err)
	}
	return &RelevancyScorer{Expression: expr, compiled: compiled}, nil
}

// Score evaluates the compiled expression against named variables (e.g.
// "table_match", "column_match") and clamps the result to [0,1] — the
// thresholds this feeds (RelevancyThresholds) are only meaningful as
// fractions of that range, so a misbehaving expression (a typo producing
// a value outside it) can't silently push a turn into the wrong state.
func (s *RelevancyScorer) Score(vars map[string]any) (float64, error) {
	result, err := s.compiled.Evaluate(vars)
	if err != nil {
		return 0, fmt.Errorf("orchestration: relevancy expression %q failed: %w", s.Expression, err)
	}

	var f float64
	switch v := result.(type) {
	case float64:
		f = v
	case int:
		f = float64(v)
	case bool:
		if v {
			f = 1
		}
	default:
		return 0, fmt.Errorf("orchestration: relevancy expression %q produced non-numeric result %T", s.Expression, result)
	}

	switch {
	case f < 0:
		return 0, nil
	case f > 1:
		return 1, nil
	default:
		return f, nil
	}
}

// ScoreSchemaMatch is the §4.1 Tier 2 SchemaContextInjected entry point: it
// turns the raw per-table/per-column match signals schema search produces
// into the single SchemaRelevancy float NewAgenticStateMachine compares
// against RelevancyThresholds.SchemaTableMin.
func (s *RelevancyScorer) ScoreSchemaMatch(tableMatch, columnMatch float64) (float64, error) {
	return s.Score(map[string]any{
		"table_match":  tableMatch,
		"column_match": columnMatch,
	})
}
