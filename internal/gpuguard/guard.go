// Package gpuguard implements the process-wide GPU Resource Guard (§4.5):
// a single mutex serializing every accelerator-touching operation, with a
// non-blocking try-acquire path for bulk embedding jobs that falls back to
// a CPU embedding model on contention.
//
// Grounded on agentoven/internal/router.go's mutex-guarded map pattern
// (sync.Mutex + sync/atomic bookkeeping around a shared resource),
// generalized from "guard a map" to "guard one exclusive region." Go's
// runtime sync.Mutex enters starvation (strict hand-off, FIFO) mode once a
// waiter has blocked longer than 1ms, which is what gives acquisitions FIFO
// ordering under contention without a hand-rolled ticket queue — no
// additional queueing library from the examples fit this shape (see
// DESIGN.md).
package gpuguard

import (
	"context"
	"log"
	"sync"
)

// OperationLabel names one of the accelerator-touching operations the guard
// serializes (§4.5).
type OperationLabel string

const (
	OpLLMPrewarm     OperationLabel = "llm_prewarm"
	OpLLMLoad        OperationLabel = "llm_load"
	OpLLMUnload      OperationLabel = "llm_unload"
	OpLLMInference   OperationLabel = "llm_inference" // held for the full streaming duration
	OpLLMRewarm      OperationLabel = "llm_rewarm"
	OpEmbedLoad      OperationLabel = "embed_load"
	OpEmbedInference OperationLabel = "embed_inference"
)

// StatusPhase is one of the three lifecycle points of a guarded operation.
type StatusPhase string

const (
	PhaseWaiting   StatusPhase = "waiting"
	PhaseStarted   StatusPhase = "started"
	PhaseCompleted StatusPhase = "completed"
)

// StatusEvent is emitted at each PhaseWaiting/PhaseStarted/PhaseCompleted
// transition, feeding the gpu-status frontend event (§6).
type StatusEvent struct {
	Operation OperationLabel
	Phase     StatusPhase
}

// StatusObserver receives StatusEvents. Implementations should be
// lightweight — heavy work should be deferred, mirroring llm.StreamCallback.
type StatusObserver func(StatusEvent)

// Guard owns exactly one logical lock for the lifetime of the process
// (§3.2: "The GPU guard owns exactly one logical lock for the lifetime of
// the process").
type Guard struct {
	mu       sync.Mutex
	observer StatusObserver
}

// New creates a Guard. observer may be nil.
func New(observer StatusObserver) *Guard {
	if observer == nil {
		observer = func(StatusEvent) {}
	}
	return &Guard{observer: observer}
}

// Acquire blocks until the guard is free, then runs fn while holding it.
// Status events fire at waiting/started/completed. ctx cancellation is
// honored only while waiting — once fn starts running it completes the
// same as any other guarded operation (§4.5: "held for the full streaming
// duration" for LLM inference).
func (g *Guard) Acquire(ctx context.Context, op OperationLabel, fn func(ctx context.Context) error) error {
	g.observer(StatusEvent{Operation: op, Phase: PhaseWaiting})

	acquired := make(chan struct{})
	go func() {
		g.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-ctx.Done():
		// The goroutine above is still waiting on g.mu.Lock() and will
		// acquire it eventually; to avoid leaking a held lock we let it
		// finish acquiring and then release immediately.
		go func() {
			<-acquired
			g.mu.Unlock()
		}()
		return ctx.Err()
	}

	g.observer(StatusEvent{Operation: op, Phase: PhaseStarted})
	err := fn(ctx)
	g.mu.Unlock()
	g.observer(StatusEvent{Operation: op, Phase: PhaseCompleted})
	return err
}

// TryAcquire attempts a non-blocking acquire, used by bulk embedding jobs
// (§4.5): "the caller tries to acquire non-blockingly; on failure it falls
// back to a CPU embedding model with a logged downgrade." Returns
// ok=false immediately on contention without running fn.
func (g *Guard) TryAcquire(op OperationLabel, fn func() error) (ok bool, err error) {
	if !g.mu.TryLock() {
		log.Printf("[GPUGuard] %s busy, caller should fall back to CPU path", op)
		return false, nil
	}
	g.observer(StatusEvent{Operation: op, Phase: PhaseStarted})
	err = fn()
	g.mu.Unlock()
	g.observer(StatusEvent{Operation: op, Phase: PhaseCompleted})
	return true, err
}
