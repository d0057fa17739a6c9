package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"corelink/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 10 * time.Second
	DefaultGroup            = "proxy"

	callMargin   = 2 * time.Second
	historyLimit = 20
)

var (
	ErrBatchFailed       = errors.New("probe batch failed")
	ErrBreakerOpen       = errors.New("probe breaker open")
	ErrBatchActive       = errors.New("probe batch already active")
	ErrRestartInProgress = errors.New("connection restart in progress")
	ErrBatchCancelled    = errors.New("probe batch cancelled")
)

// Tester issues a batch latency test for a whole group.
type Tester interface {
	TestGroupLatency(ctx context.Context, group string, timeout time.Duration) (map[string]int, error)
}

// Guard reports whether the connection is mid-restart.
type Guard interface {
	Busy() bool
}

type Options struct {
	Group            string
	FailureThreshold int
	Cooldown         time.Duration
	Guard            Guard
	Now              func() time.Time
}

type BreakerState struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastTrip            time.Time `json:"last_trip,omitempty"`
	TestingActive       bool      `json:"testing_active"`
	Open                bool      `json:"open"`
}

type Sample struct {
	LatencyMS int       `json:"latency_ms"`
	At        time.Time `json:"at"`
}

// Breaker runs batched latency probes and stops issuing them for a cooldown
// window after repeated failures.
type Breaker struct {
	tester    Tester
	group     string
	threshold int
	cooldown  time.Duration
	guard     Guard
	now       func() time.Time

	lock     sync.Mutex
	failures int
	lastTrip time.Time
	testing  bool
	history  map[string][]Sample
}

func New(tester Tester, opts Options) *Breaker {
	b := &Breaker{
		tester:    tester,
		group:     strings.TrimSpace(opts.Group),
		threshold: opts.FailureThreshold,
		cooldown:  opts.Cooldown,
		guard:     opts.Guard,
		now:       opts.Now,
		history:   make(map[string][]Sample),
	}
	if b.group == "" {
		b.group = DefaultGroup
	}
	if b.threshold <= 0 {
		b.threshold = DefaultFailureThreshold
	}
	if b.cooldown <= 0 {
		b.cooldown = DefaultCooldown
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// SetGroup changes the group tested by later batches.
func (b *Breaker) SetGroup(group string) {
	group = strings.TrimSpace(group)
	if group == "" {
		return
	}
	b.lock.Lock()
	b.group = group
	b.lock.Unlock()
}

func (b *Breaker) State() BreakerState {
	b.lock.Lock()
	defer b.lock.Unlock()
	return BreakerState{
		ConsecutiveFailures: b.failures,
		LastTrip:            b.lastTrip,
		TestingActive:       b.testing,
		Open:                b.openLocked(),
	}
}

func (b *Breaker) openLocked() bool {
	return !b.lastTrip.IsZero() && b.now().Sub(b.lastTrip) < b.cooldown
}

func (b *Breaker) acquire() (string, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.openLocked() {
		return "", ErrBreakerOpen
	}
	if b.testing {
		return "", ErrBatchActive
	}
	if b.guard != nil && b.guard.Busy() {
		return "", ErrRestartInProgress
	}
	b.testing = true
	return b.group, nil
}

func (b *Breaker) release() {
	b.lock.Lock()
	b.testing = false
	b.lock.Unlock()
}

// TestNodesSafe reports a latency for every node through onResult; -1 means
// failed or skipped. The returned error tells why a batch was skipped or
// failed and is nil when the engine answered.
func (b *Breaker) TestNodesSafe(ctx context.Context, nodes []string, timeout time.Duration, onResult func(node string, latencyMS int)) error {
	if onResult == nil {
		onResult = func(string, int) {}
	}
	group, err := b.acquire()
	if err != nil {
		metrics.ProbeBatchesTotal.WithLabelValues(skipLabel(err)).Inc()
		logrus.Debugf("[Probe] skip batch of %d nodes: %v", len(nodes), err)
		reportFailed(nodes, onResult)
		return err
	}
	defer b.release()

	batchID := uuid.NewString()
	started := b.now()
	results, err := b.run(ctx, group, timeout)
	if err == nil && len(results) == 0 {
		err = fmt.Errorf("engine returned no results for group %s", group)
	}
	if err != nil && ctx.Err() != nil {
		// The caller went away; the engine was not at fault.
		metrics.ProbeBatchesTotal.WithLabelValues("cancelled").Inc()
		logrus.Debugf("[Probe] batch %s cancelled: %v", batchID, ctx.Err())
		reportFailed(nodes, onResult)
		return fmt.Errorf("%w: %v", ErrBatchCancelled, ctx.Err())
	}
	if err != nil {
		tripped, failures := b.recordFailure(nodes)
		metrics.ProbeBatchesTotal.WithLabelValues("failed").Inc()
		if tripped {
			logrus.Warnf("[Probe] batch %s failed (%d consecutive), breaker open for %s: %v", batchID, failures, b.cooldown, err)
		} else {
			logrus.Warnf("[Probe] batch %s failed (%d/%d): %v", batchID, failures, b.threshold, err)
		}
		reportFailed(nodes, onResult)
		return fmt.Errorf("%w: %v", ErrBatchFailed, err)
	}

	latencies := make(map[string]int, len(nodes))
	for _, node := range nodes {
		latency, ok := results[node]
		if !ok || latency <= 0 {
			latency = -1
		}
		latencies[node] = latency
	}
	b.recordSuccess(latencies)
	metrics.ProbeBatchesTotal.WithLabelValues("ok").Inc()
	logrus.Debugf("[Probe] batch %s group=%s nodes=%d took %s", batchID, group, len(nodes), b.now().Sub(started))
	for _, node := range nodes {
		onResult(node, latencies[node])
	}
	return nil
}

func (b *Breaker) run(ctx context.Context, group string, timeout time.Duration) (results map[string]int, err error) {
	if b.tester == nil {
		return nil, fmt.Errorf("no latency tester configured")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	defer func() {
		if r := recover(); r != nil {
			results = nil
			err = fmt.Errorf("latency test panic: %v", r)
		}
	}()
	callCtx, cancel := context.WithTimeout(ctx, timeout+callMargin)
	defer cancel()
	return b.tester.TestGroupLatency(callCtx, group, timeout)
}

func (b *Breaker) recordFailure(nodes []string) (bool, int) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.failures++
	tripped := false
	if b.failures >= b.threshold {
		b.lastTrip = b.now()
		tripped = true
		metrics.BreakerTripsTotal.Inc()
	}
	metrics.BreakerFailures.Set(float64(b.failures))
	now := b.now()
	for _, node := range nodes {
		b.appendHistoryLocked(node, Sample{LatencyMS: -1, At: now})
	}
	return tripped, b.failures
}

func (b *Breaker) recordSuccess(latencies map[string]int) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.failures = 0
	metrics.BreakerFailures.Set(0)
	now := b.now()
	for node, latency := range latencies {
		b.appendHistoryLocked(node, Sample{LatencyMS: latency, At: now})
	}
}

func (b *Breaker) appendHistoryLocked(node string, sample Sample) {
	items := append(b.history[node], sample)
	if len(items) > historyLimit {
		items = append([]Sample(nil), items[len(items)-historyLimit:]...)
	}
	b.history[node] = items
}

// LastDelay returns the most recent probe result for node.
func (b *Breaker) LastDelay(node string) (int, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	items := b.history[node]
	if len(items) == 0 {
		return -1, false
	}
	return items[len(items)-1].LatencyMS, true
}

func (b *Breaker) History(node string) []Sample {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]Sample(nil), b.history[node]...)
}

func (b *Breaker) ClearHistory() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.history = make(map[string][]Sample)
}

func reportFailed(nodes []string, onResult func(string, int)) {
	for _, node := range nodes {
		onResult(node, -1)
	}
}

func skipLabel(err error) string {
	switch {
	case errors.Is(err, ErrBreakerOpen):
		return "open"
	case errors.Is(err, ErrBatchActive):
		return "busy"
	default:
		return "restarting"
	}
}
