package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/drydock-sh/drydock/pkg/store"
	"github.com/drydock-sh/drydock/pkg/types"
)

// Collector periodically refreshes the state gauges from the store.
type Collector struct {
	store  store.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(st store.Store) *Collector {
	return &Collector{
		store:  st,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
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
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.collectRunMetrics(ctx)
	c.collectHostMetrics(ctx)
}

func (c *Collector) collectRunMetrics(ctx context.Context) {
	statuses := []types.RunStatus{
		types.RunStatusPending, types.RunStatusRunning, types.RunStatusSuccess,
		types.RunStatusFailed, types.RunStatusPartial, types.RunStatusCancelled,
	}
	for _, s := range statuses {
		n, err := c.store.CountRunsByStatus(ctx, s)
		if err != nil {
			return
		}
		RunsTotal.WithLabelValues(string(s)).Set(float64(n))
	}
}

func (c *Collector) collectHostMetrics(ctx context.Context) {
	hosts, err := c.store.ListWorkerHosts(ctx)
	if err != nil {
		return
	}

	counts := make(map[bool]int)
	for _, h := range hosts {
		counts[h.Healthy]++
		HostActiveRuns.WithLabelValues(h.Name).Set(float64(h.ActiveRuns))
	}
	for healthy, n := range counts {
		HostsTotal.WithLabelValues(strconv.FormatBool(healthy)).Set(float64(n))
	}
}
