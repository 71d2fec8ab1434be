// Package stats tracks runtime counters for the pipeline.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Snapshot is a consistent copy of all counters at one instant.
type Snapshot struct {
	MessagesReceived int64
	MessagesStored   int64
	MessagesDropped  int64
	ValidationErrors int64
	StorageErrors    int64
	ProcessingErrors int64
	Connects         int64
	Disconnects      int64

	Subscriptions []string
	StartTime     time.Time
	Uptime        time.Duration

	// Store latency quantiles in seconds; zero when nothing was recorded.
	StoreLatencyP50 float64
	StoreLatencyP95 float64
	StoreLatencyP99 float64
}

// Collector is a thread-safe set of pipeline counters plus a latency
// sketch for batch stores.
type Collector struct {
	mu sync.Mutex

	received         int64
	stored           int64
	dropped          int64
	validationErrors int64
	storageErrors    int64
	processingErrors int64
	connects         int64
	disconnects      int64

	subscriptions map[string]struct{}
	startTime     time.Time

	storeLatency *ddsketch.DDSketch
}

// New builds a collector with the clock started now.
func New() *Collector {
	// 1% relative accuracy is plenty for operator-facing latency figures.
	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		// Only reachable with an invalid accuracy constant.
		panic(err)
	}
	return &Collector{
		subscriptions: make(map[string]struct{}),
		startTime:     time.Now(),
		storeLatency:  sketch,
	}
}

func (c *Collector) AddReceived(n int64) { c.add(&c.received, n) }
func (c *Collector) AddStored(n int64)   { c.add(&c.stored, n) }
func (c *Collector) AddDropped(n int64)  { c.add(&c.dropped, n) }

func (c *Collector) IncValidationError() { c.add(&c.validationErrors, 1) }
func (c *Collector) IncStorageError()    { c.add(&c.storageErrors, 1) }
func (c *Collector) IncProcessingError() { c.add(&c.processingErrors, 1) }
func (c *Collector) IncConnect()         { c.add(&c.connects, 1) }
func (c *Collector) IncDisconnect()      { c.add(&c.disconnects, 1) }

func (c *Collector) add(field *int64, n int64) {
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

// ObserveStoreLatency records how long one batch store took.
func (c *Collector) ObserveStoreLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Negative durations would poison the sketch.
	if d < 0 {
		return
	}
	_ = c.storeLatency.Add(d.Seconds())
}

// AddSubscription records an active topic subscription.
func (c *Collector) AddSubscription(topic string) {
	c.mu.Lock()
	c.subscriptions[topic] = struct{}{}
	c.mu.Unlock()
}

// RemoveSubscription forgets a topic subscription.
func (c *Collector) RemoveSubscription(topic string) {
	c.mu.Lock()
	delete(c.subscriptions, topic)
	c.mu.Unlock()
}

// Snapshot returns a consistent copy of every counter.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs := make([]string, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		subs = append(subs, topic)
	}
	sort.Strings(subs)

	snap := Snapshot{
		MessagesReceived: c.received,
		MessagesStored:   c.stored,
		MessagesDropped:  c.dropped,
		ValidationErrors: c.validationErrors,
		StorageErrors:    c.storageErrors,
		ProcessingErrors: c.processingErrors,
		Connects:         c.connects,
		Disconnects:      c.disconnects,
		Subscriptions:    subs,
		StartTime:        c.startTime,
		Uptime:           time.Since(c.startTime),
	}

	if c.storeLatency.GetCount() > 0 {
		if qs, err := c.storeLatency.GetValuesAtQuantiles([]float64{0.5, 0.95, 0.99}); err == nil {
			snap.StoreLatencyP50 = qs[0]
			snap.StoreLatencyP95 = qs[1]
			snap.StoreLatencyP99 = qs[2]
		}
	}
	return snap
}

// Reset zeroes the counters and restarts the clock. Subscriptions are
// kept; they reflect current state, not history.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.received = 0
	c.stored = 0
	c.dropped = 0
	c.validationErrors = 0
	c.storageErrors = 0
	c.processingErrors = 0
	c.connects = 0
	c.disconnects = 0
	c.startTime = time.Now()
	c.storeLatency.Clear()
}
