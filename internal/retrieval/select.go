package retrieval

import (
	"fmt"

	"github.com/Knetic/govaluate"
)

// Select runs a restricted, parser-free row filter over an in-memory Table:
// whereExpr is a govaluate boolean expression over the table's column names
// (e.g. "age >= 18 && status == \"active\""), the same evaluator
// relevancy_scorer.go uses for its scoring expressions. This is deliberately
// not a SQL engine — real database connector implementations are an
// external-collaborator concern (§1 Non-goals) — sql_select only ever reads
// tables this process already has in memory.
func Select(t Table, whereExpr string, limit int) ([]map[string]any, error) {
	if whereExpr == "" {
		return capRows(t.Rows, limit), nil
	}
	expr, err := govaluate.NewEvaluableExpression(whereExpr)
	if err != nil {
		return nil, fmt.Errorf("retrieval: invalid where expression %q: %w", whereExpr, err)
	}

	var out []map[string]any
	for _, row := range t.Rows {
		vars := make(map[string]any, len(row))
		for k, v := range row {
			vars[k] = v
		}
		result, err := expr.Evaluate(vars)
		if err != nil {
			// A row missing a referenced column (e.g. sparse attached data)
			// doesn't match rather than aborting the whole select.
			continue
		}
		if matched, ok := result.(bool); ok && matched {
			out = append(out, row)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func capRows(rows []map[string]any, limit int) []map[string]any {
	if limit <= 0 || len(rows) <= limit {
		return rows
	}
	return rows[:limit]
}
