package events

import (
	"sync"
	"testing"
)

func TestBusSubscribeOrder(t *testing.T) {
	bus := NewBus[int]()

	var got []string
	bus.Subscribe("tick", func(v int) { got = append(got, "a") })
	bus.Subscribe("tick", func(v int) { got = append(got, "b") })
	bus.Subscribe("other", func(v int) { got = append(got, "x") })

	if n := bus.Dispatch("tick", 1); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("unexpected delivery order: %v", got)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus[string]()

	calls := 0
	unsub := bus.Subscribe("msg", func(string) { calls++ })
	bus.Dispatch("msg", "one")
	unsub()
	bus.Dispatch("msg", "two")

	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if bus.Count("msg") != 0 {
		t.Errorf("expected no handlers left, got %d", bus.Count("msg"))
	}
}

func TestBusOnce(t *testing.T) {
	bus := NewBus[int]()

	var seen []int
	bus.Once("n", func(v int) { seen = append(seen, v) })
	bus.Dispatch("n", 1)
	bus.Dispatch("n", 2)

	if len(seen) != 1 || seen[0] != 1 {
		t.Errorf("expected only the first value, got %v", seen)
	}
}

func TestBusOnceConcurrentDispatch(t *testing.T) {
	bus := NewBus[int]()

	var mu sync.Mutex
	calls := 0
	bus.Once("n", func(int) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bus.Dispatch("n", i)
		}(i)
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("once handler ran %d times", calls)
	}
}

func TestBusSubscribeDuringDispatch(t *testing.T) {
	bus := NewBus[int]()

	late := 0
	bus.Subscribe("n", func(int) {
		bus.Subscribe("n", func(int) { late++ })
	})

	bus.Dispatch("n", 1)
	if late != 0 {
		t.Errorf("handler added during dispatch ran in the same dispatch")
	}
}
