package vmpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oriys/particle-node/internal/air"
)

type stubInterpreter struct{ id int }

func (stubInterpreter) Interpret(ctx context.Context, req air.Request) (air.Result, error) {
	return air.Result{}, nil
}

func countingFactory() (Factory, *int) {
	var n int
	var mu sync.Mutex
	return func(ctx context.Context) (air.Interpreter, error) {
		mu.Lock()
		n++
		mu.Unlock()
		return stubInterpreter{id: n}, nil
	}, &n
}

func TestCheckoutConstructsLazily(t *testing.T) {
	factory, calls := countingFactory()
	p := New(2, factory)

	if *calls != 0 {
		t.Fatalf("expected no interpreter constructed before first checkout, got %d", *calls)
	}

	slot, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if *calls != 1 {
		t.Fatalf("expected exactly one interpreter constructed, got %d", *calls)
	}
	p.Return(slot, OutcomeSuccess)
}

func TestCheckoutReusesReturnedSlot(t *testing.T) {
	factory, calls := countingFactory()
	p := New(1, factory)

	slot, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Return(slot, OutcomeSuccess)

	slot2, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if *calls != 1 {
		t.Fatalf("expected interpreter reused not reconstructed, got %d constructions", *calls)
	}
	p.Return(slot2, OutcomeSuccess)
}

func TestCheckoutBlocksUntilSlotReturned(t *testing.T) {
	factory, _ := countingFactory()
	p := New(1, factory)

	slot, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		s, err := p.Checkout(context.Background())
		if err != nil {
			t.Error(err)
			return
		}
		close(acquired)
		p.Return(s, OutcomeSuccess)
	}()

	select {
	case <-acquired:
		t.Fatalf("expected second checkout to block while pool is exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	p.Return(slot, OutcomeSuccess)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("expected blocked checkout to complete once a slot was returned")
	}
}

func TestCheckoutRespectsContextCancellation(t *testing.T) {
	factory, _ := countingFactory()
	p := New(1, factory)

	slot, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Return(slot, OutcomeSuccess)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = p.Checkout(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline error, got %v", err)
	}
}

func TestFatalOutcomeQuarantinesAndReplaces(t *testing.T) {
	factory, calls := countingFactory()
	p := New(1, factory)

	slot, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Return(slot, OutcomeFatalInternal)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		states := p.Snapshot()
		if states[0] == StateIdle && *calls == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected quarantined slot to be replaced and return to idle")
}

func TestCloseWakesWaitersWithError(t *testing.T) {
	factory, _ := countingFactory()
	p := New(1, factory)

	slot, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	_ = slot

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Checkout(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected closed pool to return an error to a blocked waiter")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected Close to wake blocked waiter")
	}
}
