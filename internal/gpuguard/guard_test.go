package gpuguard

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestGuard_Acquire_MutualExclusion(t *testing.T) {
	g := New(nil)
	var mu sync.Mutex
	active := 0
	maxActive := 0

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Acquire(context.Background(), OpLLMInference, func(ctx context.Context) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("expected at most 1 concurrent holder, observed %d", maxActive)
	}
}

func TestGuard_TryAcquire_FailsWhenHeld(t *testing.T) {
	g := New(nil)
	holding := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = g.Acquire(context.Background(), OpLLMInference, func(ctx context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	ok, err := g.TryAcquire(OpEmbedLoad, func() error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("TryAcquire should fail while the guard is held, enabling the CPU fallback path")
	}
}

func TestGuard_TryAcquire_SucceedsWhenFree(t *testing.T) {
	g := New(nil)
	ran := false
	ok, err := g.TryAcquire(OpEmbedLoad, func() error { ran = true; return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || !ran {
		t.Errorf("expected TryAcquire to succeed and run fn, ok=%v ran=%v", ok, ran)
	}
}

func TestGuard_Acquire_CancellationDoesNotLeakTheLock(t *testing.T) {
	g := New(nil)
	holding := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = g.Acquire(context.Background(), OpLLMInference, func(ctx context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.Acquire(ctx, OpEmbedLoad, func(ctx context.Context) error { return nil })
	if err == nil {
		t.Error("expected Acquire to return an error for an already-cancelled context")
	}

	close(release)

	// The lock must eventually become acquirable again — if the cancelled
	// waiter leaked a held lock, this would deadlock/timeout.
	done := make(chan struct{})
	go func() {
		_ = g.Acquire(context.Background(), OpLLMInference, func(ctx context.Context) error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("guard appears to have leaked a held lock after cancellation")
	}
}

func TestEmbeddingRouter_BulkFallsBackToCPUOnContention(t *testing.T) {
	g := New(nil)
	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = g.Acquire(context.Background(), OpLLMInference, func(ctx context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	gpu := fakeEmbedder{dim: 768, vec: []float32{1, 0}}
	cpu := fakeEmbedder{dim: 768, vec: []float32{0, 1}}
	router := NewEmbeddingRouter(g, gpu, cpu)

	vec, err := router.EmbedBulk(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vec[0] != 0 || vec[1] != 1 {
		t.Errorf("expected CPU fallback vector, got %v", vec)
	}
}

func TestEmbeddingRouter_SearchAlwaysUsesCPU(t *testing.T) {
	gpu := fakeEmbedder{dim: 768, vec: []float32{1, 0}}
	cpu := fakeEmbedder{dim: 768, vec: []float32{0, 1}}
	router := NewEmbeddingRouter(New(nil), gpu, cpu)

	vec, err := router.EmbedForSearch(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vec[0] != 0 || vec[1] != 1 {
		t.Errorf("per-request search must always use CPU regardless of GPU availability, got %v", vec)
	}
}

type fakeEmbedder struct {
	dim int
	vec []float32
}

func (f fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) { return f.vec, nil }
func (f fakeEmbedder) Dimension() int                                       { return f.dim }
