package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBus_PublishInvokesAllSubscribers(t *testing.T) {
	b := New()

	var calls int32
	var wg sync.WaitGroup
	wg.Add(2)
	b.Subscribe(SessionDeleted{}, func(ctx context.Context, e Event) error {
		defer wg.Done()
		atomic.AddInt32(&calls, 1)
		return nil
	})
	b.Subscribe(SessionDeleted{}, func(ctx context.Context, e Event) error {
		defer wg.Done()
		atomic.AddInt32(&calls, 1)
		return nil
	})

	b.Publish(context.Background(), SessionDeleted{SessionID: "abc"})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected both handlers to run")
	}

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
}

func TestBus_HandlerPanicIsolated(t *testing.T) {
	b := New()

	var secondRan int32
	b.Subscribe(SessionDeleted{}, func(ctx context.Context, e Event) error {
		panic("boom")
	})
	b.Subscribe(SessionDeleted{}, func(ctx context.Context, e Event) error {
		atomic.AddInt32(&secondRan, 1)
		return nil
	})

	// Publish must not propagate the panic to the caller.
	b.Publish(context.Background(), SessionDeleted{SessionID: "abc"})

	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&secondRan) != 1 {
		t.Fatal("expected sibling handler to still run after a panicking handler")
	}
}

func TestBus_PublishAndWaitCollectsErrors(t *testing.T) {
	b := New()

	want := errors.New("handler failed")
	b.Subscribe(SessionDeleted{}, func(ctx context.Context, e Event) error { return nil })
	b.Subscribe(SessionDeleted{}, func(ctx context.Context, e Event) error { return want })
	b.Subscribe(SessionDeleted{}, func(ctx context.Context, e Event) error { panic("boom") })

	errs := b.PublishAndWait(context.Background(), SessionDeleted{SessionID: "abc"})
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors (1 returned + 1 panic), got %d: %v", len(errs), errs)
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New()

	var calls int32
	unsubscribe := b.Subscribe(SessionDeleted{}, func(ctx context.Context, e Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	unsubscribe()
	unsubscribe() // double unsubscribe must be a no-op, never panic

	b.Publish(context.Background(), SessionDeleted{SessionID: "abc"})
	time.Sleep(20 * time.Millisecond)

	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("expected no delivery after unsubscribe")
	}
}

func TestBus_DistinctEventTypesIsolated(t *testing.T) {
	b := New()

	var sessionCalls, execCalls int32
	b.Subscribe(SessionDeleted{}, func(ctx context.Context, e Event) error {
		atomic.AddInt32(&sessionCalls, 1)
		return nil
	})
	b.Subscribe(ExecutionCompleted{}, func(ctx context.Context, e Event) error {
		atomic.AddInt32(&execCalls, 1)
		return nil
	})

	b.Publish(context.Background(), SessionDeleted{SessionID: "abc"})
	time.Sleep(20 * time.Millisecond)

	if atomic.LoadInt32(&sessionCalls) != 1 || atomic.LoadInt32(&execCalls) != 0 {
		t.Fatal("expected delivery only to matching event type")
	}
}

func TestBus_ClearRemovesHandlers(t *testing.T) {
	b := New()

	var calls int32
	b.Subscribe(SessionDeleted{}, func(ctx context.Context, e Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	b.Clear(SessionDeleted{})
	b.Publish(context.Background(), SessionDeleted{SessionID: "abc"})
	time.Sleep(20 * time.Millisecond)

	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("expected no delivery after Clear")
	}
}
