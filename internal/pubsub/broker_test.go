package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"
)

type progress struct {
	repo    int64
	job     string
	percent float64
}

func recv[T any](t *testing.T, ch <-chan Event[T]) Event[T] {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("channel closed early")
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	panic("unreachable")
}

func expectNone[T any](t *testing.T, ch <-chan Event[T]) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishReachesEverySubscriber(t *testing.T) {
	broker := NewBroker[progress]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := broker.Subscribe(ctx)
	b := broker.Subscribe(ctx)
	broker.Publish(Created, progress{repo: 1, job: "j1"})

	for _, ch := range []<-chan Event[progress]{a, b} {
		evt := recv(t, ch)
		if evt.Type != Created || evt.Payload.job != "j1" {
			t.Errorf("unexpected event %+v", evt)
		}
	}
}

func TestEventsArriveInOrder(t *testing.T) {
	broker := NewBroker[progress]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := broker.Subscribe(ctx)
	broker.Publish(Created, progress{job: "j1"})
	for _, pct := range []float64{25, 50, 100} {
		broker.Publish(Updated, progress{job: "j1", percent: pct})
	}

	if evt := recv(t, ch); evt.Type != Created {
		t.Fatalf("expected Created first, got %s", evt.Type)
	}
	for _, want := range []float64{25, 50, 100} {
		evt := recv(t, ch)
		if evt.Type != Updated || evt.Payload.percent != want {
			t.Errorf("expected update at %.0f%%, got %+v", want, evt)
		}
	}
}

func TestFiltersMustAllMatch(t *testing.T) {
	broker := NewBroker[progress]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	byRepo := func(p progress) bool { return p.repo == 7 }
	halfway := func(p progress) bool { return p.percent >= 50 }
	ch := broker.Subscribe(ctx, byRepo, halfway)
	all := broker.Subscribe(ctx)

	broker.Publish(Updated, progress{repo: 8, percent: 90})
	broker.Publish(Updated, progress{repo: 7, percent: 10})
	broker.Publish(Updated, progress{repo: 7, percent: 60})

	if evt := recv(t, ch); evt.Payload.repo != 7 || evt.Payload.percent != 60 {
		t.Errorf("unexpected event %+v", evt)
	}
	expectNone(t, ch)

	for i := 0; i < 3; i++ {
		recv(t, all)
	}
}

func TestCancelClosesAndRemoves(t *testing.T) {
	broker := NewBroker[progress]()
	keep, stopKeep := context.WithCancel(context.Background())
	defer stopKeep()
	ctx, cancel := context.WithCancel(context.Background())

	kept := broker.Subscribe(keep)
	ch := broker.Subscribe(ctx)
	if broker.Len() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", broker.Len())
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	deadline := time.Now().Add(time.Second)
	for broker.Len() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if broker.Len() != 1 {
		t.Fatalf("expected 1 subscriber after cancel, got %d", broker.Len())
	}

	broker.Publish(Updated, progress{job: "after"})
	if evt := recv(t, kept); evt.Payload.job != "after" {
		t.Errorf("unexpected event %+v", evt)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	broker := NewBroker[progress]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := broker.Subscribe(ctx)
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*3; i++ {
			broker.Publish(Updated, progress{percent: float64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if len(ch) != subscriberBufferSize {
		t.Errorf("expected a full buffer of %d, got %d", subscriberBufferSize, len(ch))
	}
	if evt := recv(t, ch); evt.Payload.percent != 0 {
		t.Errorf("expected the oldest event to be kept, got %+v", evt)
	}
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	broker := NewBroker[progress]()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(repo int64) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				broker.Publish(Updated, progress{repo: repo, percent: float64(j)})
			}
		}(int64(i))
	}

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				ctx, cancel := context.WithCancel(context.Background())
				ch := broker.Subscribe(ctx)
				cancel()
				for range ch {
				}
			}
		}()
	}

	wg.Wait()
	deadline := time.Now().Add(time.Second)
	for broker.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := broker.Len(); n != 0 {
		t.Errorf("expected no subscribers left, got %d", n)
	}
}
