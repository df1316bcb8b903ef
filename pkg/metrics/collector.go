package metrics

import (
	"time"
)

// StateSource exposes the aggregate counts the collector samples.
// The registry implements it.
type StateSource interface {
	ServerHealthCounts() map[string]int
	SessionStatusCounts() map[string]int
	SubscriberCount() int
}

// Collector periodically refreshes state gauges from a StateSource
type Collector struct {
	source   StateSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StateSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ServersTotal.Reset()
	for health, count := range c.source.ServerHealthCounts() {
		ServersTotal.WithLabelValues(health).Set(float64(count))
	}

	SessionsTotal.Reset()
	for status, count := range c.source.SessionStatusCounts() {
		SessionsTotal.WithLabelValues(status).Set(float64(count))
	}

	SubscribersTotal.Set(float64(c.source.SubscriberCount()))
}
