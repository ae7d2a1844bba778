package recovery

import (
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/metrics"
)

var (
	recoveredMeter = metrics.NewRegisteredMeter("withdraw/recovery/recovered", nil)
	abandonedMeter = metrics.NewRegisteredMeter("withdraw/recovery/abandoned", nil)
	requeuedMeter  = metrics.NewRegisteredMeter("withdraw/recovery/requeued", nil)
	queueGauge     = metrics.NewRegisteredGauge("withdraw/recovery/queued", nil)
)

// sampleRetention bounds how long per-attempt samples are kept for the
// percentile computation.
const sampleRetention = time.Minute

type sample struct {
	at       time.Time
	duration time.Duration
}

// Stats is a point-in-time view of the collector.
type Stats struct {
	Processed int64
	Recovered int64
	Failed    int64

	AvgDuration time.Duration
	P50         time.Duration
	P95         time.Duration
	P99         time.Duration

	ByQueue     map[string]int64
	ByErrorType map[ErrorType]int64
	// RetryHistogram counts resolutions by the number of attempts they took.
	RetryHistogram map[int]int64
}

// Collector aggregates recovery outcomes: lifetime counters and
// distributions plus a sliding window of attempt durations for percentiles.
type Collector struct {
	mu sync.Mutex

	processed int64
	recovered int64
	failed    int64

	totalDuration time.Duration
	window        []sample

	byQueue map[string]int64
	byType  map[ErrorType]int64
	retries map[int]int64
}

func NewCollector() *Collector {
	return &Collector{
		byQueue: make(map[string]int64),
		byType:  make(map[ErrorType]int64),
		retries: make(map[int]int64),
	}
}

// Record registers one finished recovery (successful or abandoned).
func (c *Collector) Record(dlq string, typ ErrorType, attempts int, d time.Duration, success bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.processed++
	if success {
		c.recovered++
	} else {
		c.failed++
	}
	c.totalDuration += d
	c.byQueue[dlq]++
	c.byType[typ]++
	c.retries[attempts]++

	c.window = append(c.window, sample{at: now, duration: d})
	c.prune(now)
}

func (c *Collector) prune(now time.Time) {
	cutoff := now.Add(-sampleRetention)
	i := 0
	for i < len(c.window) && c.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.window = append(c.window[:0], c.window[i:]...)
	}
}

// Stats computes the current view; percentiles come from the retained window.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(time.Now())

	s := Stats{
		Processed:      c.processed,
		Recovered:      c.recovered,
		Failed:         c.failed,
		ByQueue:        make(map[string]int64, len(c.byQueue)),
		ByErrorType:    make(map[ErrorType]int64, len(c.byType)),
		RetryHistogram: make(map[int]int64, len(c.retries)),
	}
	for k, v := range c.byQueue {
		s.ByQueue[k] = v
	}
	for k, v := range c.byType {
		s.ByErrorType[k] = v
	}
	for k, v := range c.retries {
		s.RetryHistogram[k] = v
	}
	if c.processed > 0 {
		s.AvgDuration = c.totalDuration / time.Duration(c.processed)
	}
	if len(c.window) > 0 {
		durations := make([]time.Duration, len(c.window))
		for i, w := range c.window {
			durations[i] = w.duration
		}
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		s.P50 = percentile(durations, 50)
		s.P95 = percentile(durations, 95)
		s.P99 = percentile(durations, 99)
	}
	return s
}

func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := (len(sorted)*p + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}
