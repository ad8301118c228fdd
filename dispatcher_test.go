package keel

import (
	"sync/atomic"
	"testing"
)

func TestDispatchWorkersRunsAll(t *testing.T) {
	dispatcher := NewThreadDispatcher(4)
	defer dispatcher.Dispose()
	if dispatcher.ThreadCount() != 4 {
		t.Fatalf("expected 4 threads, got %d", dispatcher.ThreadCount())
	}

	var visited [4]int32
	dispatcher.DispatchWorkers(func(workerIndex int) {
		atomic.AddInt32(&visited[workerIndex], 1)
	})
	// DispatchWorkers blocks, so plain reads are safe here
	for i, count := range visited {
		if count != 1 {
			t.Errorf("worker %d ran %d times", i, count)
		}
	}
}

func TestWorkerPoolsAreDistinct(t *testing.T) {
	dispatcher := NewThreadDispatcher(3)
	defer dispatcher.Dispose()
	seen := map[*BufferPool]bool{}
	for i := 0; i < 3; i++ {
		seen[dispatcher.WorkerPool(i)] = true
	}
	if len(seen) != 3 {
		t.Errorf("expected 3 distinct worker pools, got %d", len(seen))
	}
}

func TestDispatcherClampsThreadCount(t *testing.T) {
	dispatcher := NewThreadDispatcher(0)
	if dispatcher.ThreadCount() != 1 {
		t.Errorf("non-positive thread counts should clamp to 1, got %d", dispatcher.ThreadCount())
	}
}
