package gpuguard

import (
	"context"
	"fmt"
	"log"
)

// Embedder is the outbound embedding-model interface (§6): embed(text) ->
// fixed-length float vector. Two instances exist, one GPU-accelerated and
// one CPU-only (§4.5 memory model).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// EmbeddingRouter implements the §4.5 memory model: "Two embedding model
// slots exist: a GPU-accelerated model (for background indexing) and a
// CPU-only model (for low-latency search during chat). The CPU model is
// always used for per-request vector search issued during an active turn,
// regardless of GPU availability."
type EmbeddingRouter struct {
	guard *Guard
	gpu   Embedder
	cpu   Embedder
}

// NewEmbeddingRouter wires a Guard plus the two embedder slots. cpu must
// never be nil — it is the only path used for live per-turn search.
func NewEmbeddingRouter(guard *Guard, gpu, cpu Embedder) *EmbeddingRouter {
	if cpu == nil {
		panic("gpuguard: NewEmbeddingRouter requires a non-nil cpu Embedder")
	}
	return &EmbeddingRouter{guard: guard, gpu: gpu, cpu: cpu}
}

// EmbedForSearch is the per-request vector search path used during an
// active chat turn — always CPU, regardless of GPU availability, so chat
// latency never contends with the guard (§4.5).
func (r *EmbeddingRouter) EmbedForSearch(ctx context.Context, text string) ([]float32, error) {
	return r.cpu.Embed(ctx, text)
}

// EmbedBulk is the background-indexing path (RAG indexing, schema
// refresh): it tries the GPU embedder non-blockingly and falls back to CPU
// on contention, with a logged downgrade (§4.5).
func (r *EmbeddingRouter) EmbedBulk(ctx context.Context, text string) ([]float32, error) {
	if r.gpu == nil {
		return r.cpu.Embed(ctx, text)
	}

	var vec []float32
	var embedErr error
	acquired, tryErr := r.guard.TryAcquire(OpEmbedInference, func() error {
		vec, embedErr = r.gpu.Embed(ctx, text)
		return embedErr
	})
	if tryErr != nil {
		return nil, tryErr
	}
	if acquired {
		return vec, embedErr
	}

	log.Printf("[GPUGuard] GPU busy, CPU fallback for bulk embedding")
	return r.cpu.Embed(ctx, text)
}

// VerifyDimension implements §8 invariant 6: "Embedding vector dimension in
// any vector table equals the model's advertised dimension; otherwise the
// table is recreated before use." recreate is called with (storedDim,
// wantDim) when they differ, and should drop + recreate the table before
// any further writes.
func VerifyDimension(storedDim, wantDim int, recreate func(storedDim, wantDim int) error) error {
	if storedDim == wantDim {
		return nil
	}
	if recreate == nil {
		return fmt.Errorf("gpuguard: vector dimension mismatch (stored=%d, want=%d) and no recreate hook provided", storedDim, wantDim)
	}
	log.Printf("[GPUGuard] embedding dimension mismatch (stored=%d, want=%d), recreating table", storedDim, wantDim)
	return recreate(storedDim, wantDim)
}
