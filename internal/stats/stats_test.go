package stats

import (
	"sync"
	"testing"
	"time"
)

func TestCollector_Counters(t *testing.T) {
	c := New()

	c.AddReceived(5)
	c.AddStored(3)
	c.AddDropped(1)
	c.IncValidationError()
	c.IncStorageError()
	c.IncProcessingError()
	c.IncConnect()
	c.IncDisconnect()

	snap := c.Snapshot()
	if snap.MessagesReceived != 5 {
		t.Errorf("received = %d, want 5", snap.MessagesReceived)
	}
	if snap.MessagesStored != 3 {
		t.Errorf("stored = %d, want 3", snap.MessagesStored)
	}
	if snap.MessagesDropped != 1 {
		t.Errorf("dropped = %d, want 1", snap.MessagesDropped)
	}
	if snap.ValidationErrors != 1 || snap.StorageErrors != 1 || snap.ProcessingErrors != 1 {
		t.Errorf("error counters = %d/%d/%d, want 1/1/1",
			snap.ValidationErrors, snap.StorageErrors, snap.ProcessingErrors)
	}
	if snap.Connects != 1 || snap.Disconnects != 1 {
		t.Errorf("connection counters = %d/%d, want 1/1", snap.Connects, snap.Disconnects)
	}
	if snap.Uptime < 0 {
		t.Errorf("uptime = %v", snap.Uptime)
	}
}

func TestCollector_Subscriptions(t *testing.T) {
	c := New()
	c.AddSubscription("sensors/#")
	c.AddSubscription("actuators/#")
	c.AddSubscription("sensors/#")

	snap := c.Snapshot()
	if len(snap.Subscriptions) != 2 {
		t.Fatalf("got %d subscriptions, want 2", len(snap.Subscriptions))
	}
	if snap.Subscriptions[0] != "actuators/#" || snap.Subscriptions[1] != "sensors/#" {
		t.Errorf("subscriptions not sorted: %v", snap.Subscriptions)
	}

	c.RemoveSubscription("sensors/#")
	if got := c.Snapshot().Subscriptions; len(got) != 1 || got[0] != "actuators/#" {
		t.Errorf("after remove: %v", got)
	}
}

func TestCollector_StoreLatency(t *testing.T) {
	c := New()

	if snap := c.Snapshot(); snap.StoreLatencyP50 != 0 {
		t.Errorf("empty sketch reports p50 = %v", snap.StoreLatencyP50)
	}

	for i := 0; i < 100; i++ {
		c.ObserveStoreLatency(10 * time.Millisecond)
	}
	snap := c.Snapshot()
	if snap.StoreLatencyP50 < 0.009 || snap.StoreLatencyP50 > 0.011 {
		t.Errorf("p50 = %v, want about 0.010", snap.StoreLatencyP50)
	}
	if snap.StoreLatencyP99 < snap.StoreLatencyP50 {
		t.Errorf("p99 %v below p50 %v", snap.StoreLatencyP99, snap.StoreLatencyP50)
	}
}

func TestCollector_Reset(t *testing.T) {
	c := New()
	c.AddReceived(10)
	c.AddSubscription("sensors/#")
	c.ObserveStoreLatency(time.Millisecond)

	c.Reset()

	snap := c.Snapshot()
	if snap.MessagesReceived != 0 {
		t.Errorf("received = %d after reset", snap.MessagesReceived)
	}
	if snap.StoreLatencyP50 != 0 {
		t.Errorf("latency survives reset: %v", snap.StoreLatencyP50)
	}
	if len(snap.Subscriptions) != 1 {
		t.Errorf("subscriptions cleared by reset: %v", snap.Subscriptions)
	}
}

func TestCollector_Concurrent(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.AddReceived(1)
				c.ObserveStoreLatency(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	if got := c.Snapshot().MessagesReceived; got != 8000 {
		t.Errorf("received = %d, want 8000", got)
	}
}
