package collector

import (
	"context"
	"strconv"
	"time"

	"github.com/tass-io/rpool/pkg/prom"
	"github.com/tass-io/rpool/pkg/runner/pool"
	"go.uber.org/zap"
)

const defaultInterval = time.Second * 10

// Source is what the Collector samples, *pool.Pool in production
type Source interface {
	Snapshot() []pool.InstanceStatus
}

// Collector periodically copies per-process figures of a pool into prometheus gauges,
// the pool itself only maintains counters.
type Collector struct {
	ctx      context.Context
	cancel   context.CancelFunc
	src      Source
	interval time.Duration
}

func New(src Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = defaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Collector{
		ctx:      ctx,
		cancel:   cancel,
		src:      src,
		interval: interval,
	}
}

// Start samples once right away and then every interval until Stop
func (c *Collector) Start() {
	c.collect()
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				zap.S().Debug("collector stopped")
				return
			case <-ticker.C:
				c.collect()
			}
		}
	}()
}

func (c *Collector) Stop() {
	c.cancel()
}

func (c *Collector) collect() {
	statuses := c.src.Snapshot()
	// processes come and go, stale ports must disappear
	prom.InstanceRSS.Reset()
	connected := 0
	for _, s := range statuses {
		if !s.Alive {
			continue
		}
		if s.Connected {
			connected++
		}
		prom.InstanceRSS.WithLabelValues(strconv.Itoa(s.Port)).Set(float64(s.RSS))
	}
	prom.Connected.Set(float64(connected))
}
