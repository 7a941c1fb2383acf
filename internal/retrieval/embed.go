package retrieval

import (
	"hash/fnv"
	"math"
	"strings"
)

// EmbedDims is the fixed width of HashEmbed's output vectors.
const EmbedDims = 64

// HashEmbed is the CPU-fallback embedding model (§4.6 "falls back to a CPU
// embedding model"): a deterministic bag-of-words hashing embedding with no
// external model dependency, so schema_search/rag_search/tool ranking work
// offline and in tests without a real embedding API. Real model-backed
// embedding is an external-collaborator concern (§1 Non-goals list "per-file
// RAG chunking details" and database connectors as out of scope); this
// satisfies the same [0,1]-normalized cosine-similarity contract
// gpuguard.CosineSimilarity expects.
func HashEmbed(text string) []float32 {
	vec := make([]float32, EmbedDims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		idx := int(h.Sum32() % EmbedDims)
		vec[idx]++
	}
	normalize(vec)
	return vec
}

func normalize(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range vec {
		vec[i] /= norm
	}
}
