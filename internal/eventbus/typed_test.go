package eventbus

import (
	"sync/atomic"
	"testing"
)

func TestTypedBusPublishSubscribe(t *testing.T) {
	bus := NewTyped[string]()
	ch := bus.Subscribe()
	if n := bus.Publish("hello"); n != 1 {
		t.Fatalf("expected 1 delivery got %d", n)
	}
	if v := <-ch; v != "hello" {
		t.Fatalf("expected hello got %v", v)
	}
	bus.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed after unsubscribe")
	}
	if bus.Subscribers() != 0 {
		t.Fatalf("expected no subscribers")
	}
}

func TestTypedBusOrderPreserved(t *testing.T) {
	bus := NewTyped[int](WithBuffer(16))
	ch := bus.Subscribe()
	for i := 0; i < 10; i++ {
		bus.Publish(i)
	}
	for i := 0; i < 10; i++ {
		if v := <-ch; v != i {
			t.Fatalf("expected %d got %d", i, v)
		}
	}
}

func TestTypedBusDropsWhenFull(t *testing.T) {
	var hooks atomic.Int32
	bus := NewTyped[int](WithBuffer(2), WithDropHook(func() { hooks.Add(1) }))
	slow := bus.Subscribe()
	fast := bus.Subscribe()
	go func() {
		for range fast {
		}
	}()
	for i := 0; i < 5; i++ {
		bus.Publish(i)
	}
	if len(slow) != 2 {
		t.Fatalf("expected buffered 2 got %d", len(slow))
	}
	if bus.Dropped() < 3 {
		t.Fatalf("expected at least 3 drops got %d", bus.Dropped())
	}
	if uint64(hooks.Load()) != bus.Dropped() {
		t.Fatalf("hook count %d != dropped %d", hooks.Load(), bus.Dropped())
	}
	bus.Close()
}

func TestTypedBusClose(t *testing.T) {
	bus := NewTyped[int]()
	ch := bus.Subscribe()
	bus.Close()
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed")
	}
	if n := bus.Publish(1); n != 0 {
		t.Fatalf("publish after close delivered %d", n)
	}
	late := bus.Subscribe()
	if _, ok := <-late; ok {
		t.Fatalf("expected closed channel after bus close")
	}
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("panic on Unsubscribe after Close: %v", r)
		}
	}()
	bus.Unsubscribe(ch)
	bus.Close()
}
