package gpuguard

import "gonum.org/v1/gonum/floats"

// CosineSimilarity scores two embedding vectors for RAG chunk ranking
// (§4.1 "rag_relevancy") and schema-table ranking. Grounded on
// taipm-go-deep-agent/agent/tools/math.go's direct use of gonum for vector
// math — this is the same shape of problem (dot product over a norm)
// rather than a hand-rolled loop.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	af := make([]float64, len(a))
	bf := make([]float64, len(b))
	for i := range a {
		af[i] = float64(a[i])
		bf[i] = float64(b[i])
	}
	dot := floats.Dot(af, bf)
	normA := floats.Norm(af, 2)
	normB := floats.Norm(bf, 2)
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (normA * normB)
}

// RankByRelevancy sorts candidate embeddings against a query vector,
// returning relevancy scores in the same order as candidates. Used by the
// RAG/schema retrieval states to compute rag_relevancy / schema_relevancy
// before Tier 2's initial-state rule runs.
func RankByRelevancy(query []float32, candidates [][]float32) []float64 {
	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		scores[i] = CosineSimilarity(query, c)
	}
	return scores
}
