//go:build integration

package embedding

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestRedisLimiterCountsAndThrottles(t *testing.T) {
	addr := startRedis(t)
	ctx := context.Background()

	rl, err := NewRedisLimiter(ctx, addr, "", 0, "test-model", LimitConfig{
		RequestsPerMinute: 10,
		TokensPerMinute:   1_000_000,
		RequestsPerDay:    1000,
	}, quietLogger())
	require.NoError(t, err)
	defer rl.Close()
	// pin the clock mid-minute so the counters cannot roll over
	fixed := time.Date(2024, 5, 1, 12, 30, 15, 0, time.UTC)
	rl.now = func() time.Time { return fixed }

	for i := 0; i < 8; i++ {
		require.NoError(t, rl.CheckAndIncrement(ctx, 100))
	}
	rpm, tpm, rpd, err := rl.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), rpm)
	assert.Equal(t, int64(800), tpm)
	assert.Equal(t, int64(8), rpd)

	// 9 >= 90% of 10
	err = rl.CheckAndIncrement(ctx, 100)
	var te *ThrottleError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "RPM", te.Limit)
	assert.Equal(t, 45*time.Second, te.RetryAfter)
	assert.False(t, te.Daily())
}

func TestRedisLimiterDailyQuotaIsFinal(t *testing.T) {
	addr := startRedis(t)
	ctx := context.Background()

	rl, err := NewRedisLimiter(ctx, addr, "", 0, "daily-model", LimitConfig{RequestsPerDay: 2}, quietLogger())
	require.NoError(t, err)
	defer rl.Close()

	require.NoError(t, rl.Wait(ctx, 10))
	err = rl.Wait(ctx, 10)
	var te *ThrottleError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Daily())
}

func TestNewRedisLimiterFailsFast(t *testing.T) {
	_, err := NewRedisLimiter(context.Background(), "localhost:1", "", 0, "m", LimitConfig{}, quietLogger())
	assert.Error(t, err)
}
