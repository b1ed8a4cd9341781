package graph

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// QueryStats summarizes the executions of one operation type.
type QueryStats struct {
	Operation       string
	Executions      int
	Failures        int
	TimeoutCount    int
	AverageDuration time.Duration
	MaxDuration     time.Duration
}

// TimeoutMonitor times graph queries, warns when one gets close to its
// operation timeout and keeps per-operation statistics.
// Safe for concurrent use.
type TimeoutMonitor struct {
	logger       *logrus.Logger
	warningRatio float64

	mu    sync.Mutex
	stats map[string]*QueryStats
	total map[string]time.Duration
}

// NewTimeoutMonitor warns once a query used 80% of its timeout.
func NewTimeoutMonitor(logger *logrus.Logger) *TimeoutMonitor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TimeoutMonitor{
		logger:       logger,
		warningRatio: 0.8,
		stats:        make(map[string]*QueryStats),
		total:        make(map[string]time.Duration),
	}
}

// Run executes fn under the operation's timeout and records how long it took.
func (tm *TimeoutMonitor) Run(ctx context.Context, operation string, fn func(context.Context) error) error {
	timeout := GetConfigForOperation(operation).Timeout
	qctx, cancel := contextFor(ctx, operation)
	defer cancel()

	start := time.Now()
	err := fn(qctx)
	duration := time.Since(start)

	timedOut := err != nil && stderrors.Is(qctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	tm.record(operation, duration, err != nil, timedOut)

	log := tm.logger.WithFields(logrus.Fields{
		"operation":        operation,
		"duration_seconds": duration.Seconds(),
		"timeout_seconds":  timeout.Seconds(),
	})
	switch {
	case timedOut:
		log.Error("Query timed out")
	case err != nil:
		log.WithError(err).Debug("Query failed")
	case timeout > 0 && duration >= time.Duration(float64(timeout)*tm.warningRatio):
		log.WithField("percent_used", duration.Seconds()/timeout.Seconds()*100).Warn("Query approaching timeout")
	}
	return err
}

func (tm *TimeoutMonitor) record(operation string, d time.Duration, failed, timedOut bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	s := tm.stats[operation]
	if s == nil {
		s = &QueryStats{Operation: operation}
		tm.stats[operation] = s
	}
	s.Executions++
	if failed {
		s.Failures++
	}
	if timedOut {
		s.TimeoutCount++
	}
	tm.total[operation] += d
	s.AverageDuration = tm.total[operation] / time.Duration(s.Executions)
	if d > s.MaxDuration {
		s.MaxDuration = d
	}
}

// Stats returns a snapshot ordered by operation name.
func (tm *TimeoutMonitor) Stats() []QueryStats {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	out := make([]QueryStats, 0, len(tm.stats))
	for _, s := range tm.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

// LogSummary logs one debug line per operation.
func (tm *TimeoutMonitor) LogSummary() {
	for _, s := range tm.Stats() {
		tm.logger.WithFields(logrus.Fields{
			"operation":            s.Operation,
			"executions":           s.Executions,
			"failures":             s.Failures,
			"timeouts":             s.TimeoutCount,
			"avg_duration_seconds": s.AverageDuration.Seconds(),
			"max_duration_seconds": s.MaxDuration.Seconds(),
		}).Debug("Graph query stats")
	}
}
