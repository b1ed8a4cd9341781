package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeoutMonitorRecordsStats(t *testing.T) {
	logger, _ := test.NewNullLogger()
	tm := NewTimeoutMonitor(logger)
	ctx := context.Background()

	require.NoError(t, tm.Run(ctx, OpCountQuery, func(context.Context) error { return nil }))
	boom := errors.New("boom")
	err := tm.Run(ctx, OpCountQuery, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	require.NoError(t, tm.Run(ctx, OpNodeMerge, func(context.Context) error { return nil }))

	stats := tm.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, OpCountQuery, stats[0].Operation)
	assert.Equal(t, 2, stats[0].Executions)
	assert.Equal(t, 1, stats[0].Failures)
	assert.Zero(t, stats[0].TimeoutCount)
	assert.Equal(t, OpNodeMerge, stats[1].Operation)
}

func TestTimeoutMonitorAppliesOperationTimeout(t *testing.T) {
	logger, _ := test.NewNullLogger()
	tm := NewTimeoutMonitor(logger)

	err := tm.Run(context.Background(), OpHealthCheck, func(qctx context.Context) error {
		deadline, ok := qctx.Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(5*time.Second), deadline, time.Second)
		return nil
	})
	require.NoError(t, err)
}

func TestTimeoutMonitorIgnoresParentCancellation(t *testing.T) {
	logger, hook := test.NewNullLogger()
	tm := NewTimeoutMonitor(logger)

	// An already expired parent is cancellation, not a query timeout.
	parent, cancel := context.WithCancel(context.Background())
	cancel()
	err := tm.Run(parent, OpCountQuery, func(qctx context.Context) error { return qctx.Err() })
	require.Error(t, err)
	assert.Zero(t, tm.Stats()[0].TimeoutCount)

	for _, e := range hook.AllEntries() {
		assert.NotEqual(t, logrus.ErrorLevel, e.Level)
	}
}
