package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rendis/defiflow/pkg/schema"
)

func TestWorkerPool_BasicExecution(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var ran int64
	err := pool.Go(context.Background(), func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected launch error: %v", err)
	}

	pool.Wait()

	if atomic.LoadInt64(&ran) != 1 {
		t.Error("work did not execute")
	}
	if m := pool.Metrics(); m.Completed != 1 {
		t.Errorf("expected 1 completed, got %d", m.Completed)
	}
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	poolSize := 3
	pool := NewWorkerPool(poolSize)
	defer pool.Shutdown()

	var maxConcurrent int64
	var current int64
	var mu sync.Mutex

	for i := 0; i < 10; i++ {
		err := pool.Go(context.Background(), func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > maxConcurrent {
				maxConcurrent = c
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected launch error: %v", err)
		}
	}

	pool.Wait()

	if maxConcurrent > int64(poolSize) {
		t.Errorf("max concurrent %d exceeded pool size %d", maxConcurrent, poolSize)
	}
	if maxConcurrent == 0 {
		t.Error("no concurrent execution detected")
	}
}

func TestWorkerPool_LaunchNeverBlocks(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	started := make(chan struct{})
	block := make(chan struct{})

	if err := pool.Go(context.Background(), func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}); err != nil {
		t.Fatalf("unexpected launch error: %v", err)
	}
	<-started

	// The pool is full; further launches must still return immediately.
	launched := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			_ = pool.Go(context.Background(), func(ctx context.Context) error { return nil })
		}
		close(launched)
	}()

	select {
	case <-launched:
	case <-time.After(time.Second):
		t.Fatal("launch blocked on a full pool")
	}

	if m := pool.Metrics(); m.Queued != 5 || m.Active != 1 {
		t.Errorf("expected 5 queued and 1 active, got %+v", m)
	}

	close(block)
	pool.Wait()

	if m := pool.Metrics(); m.Completed != 6 || m.Queued != 0 {
		t.Errorf("expected 6 completed and nothing queued, got %+v", m)
	}
}

func TestWorkerPool_PanicRecovery(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	err := pool.Go(context.Background(), func(ctx context.Context) error {
		panic("test panic")
	})
	if err != nil {
		t.Fatalf("unexpected launch error: %v", err)
	}

	pool.Wait()

	m := pool.Metrics()
	if m.Panics != 1 {
		t.Errorf("expected 1 panic, got %d", m.Panics)
	}
	if m.Failed != 1 {
		t.Errorf("expected 1 failed, got %d", m.Failed)
	}

	var ran int64
	err = pool.Go(context.Background(), func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("launch after panic failed: %v", err)
	}

	pool.Wait()

	if atomic.LoadInt64(&ran) != 1 {
		t.Error("work after panic did not execute")
	}
}

func TestWorkerPool_RecoveredPanicCountsAsPanic(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	_ = pool.Go(context.Background(), func(ctx context.Context) error {
		return schema.NewError(schema.ErrCodePanic, "runner crashed: boom")
	})
	pool.Wait()

	m := pool.Metrics()
	if m.Panics != 1 || m.Failed != 1 {
		t.Errorf("expected 1 panic and 1 failed, got %+v", m)
	}
}

func TestWorkerPool_ContextPassedThrough(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	errCh := make(chan error, 1)
	_ = pool.Go(ctx, func(ctx context.Context) error {
		errCh <- ctx.Err()
		return ctx.Err()
	})
	pool.Wait()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestWorkerPool_GracefulShutdown(t *testing.T) {
	pool := NewWorkerPool(2)

	var completed int64
	for i := 0; i < 5; i++ {
		_ = pool.Go(context.Background(), func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&completed, 1)
			return nil
		})
	}

	pool.Shutdown()

	if atomic.LoadInt64(&completed) != 5 {
		t.Errorf("expected 5 completed after shutdown, got %d", atomic.LoadInt64(&completed))
	}
}

func TestWorkerPool_LaunchAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Shutdown()

	err := pool.Go(context.Background(), func(ctx context.Context) error {
		return nil
	})
	if !errors.Is(err, ErrPoolShutdown) {
		t.Errorf("expected ErrPoolShutdown, got %v", err)
	}
}

func TestWorkerPool_MetricsAccuracy(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Shutdown()

	errTarget := errors.New("intentional error")

	for i := 0; i < 3; i++ {
		_ = pool.Go(context.Background(), func(ctx context.Context) error {
			return nil
		})
	}
	for i := 0; i < 2; i++ {
		_ = pool.Go(context.Background(), func(ctx context.Context) error {
			return errTarget
		})
	}

	pool.Wait()

	m := pool.Metrics()
	if m.Completed != 3 {
		t.Errorf("expected 3 completed, got %d", m.Completed)
	}
	if m.Failed != 2 {
		t.Errorf("expected 2 failed, got %d", m.Failed)
	}
	if m.Active != 0 {
		t.Errorf("expected 0 active after wait, got %d", m.Active)
	}
}

func TestWorkerPool_DoubleShutdown(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Shutdown()
	pool.Shutdown()
}

func BenchmarkWorkerPool_Throughput(b *testing.B) {
	pool := NewWorkerPool(50)
	defer pool.Shutdown()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pool.Go(ctx, func(ctx context.Context) error { return nil })
	}
	pool.Wait()
}
