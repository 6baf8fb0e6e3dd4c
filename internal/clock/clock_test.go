package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFake_AfterAdvancesAndRecords(t *testing.T) {
	c := NewFake(epoch)

	fired := <-c.After(2 * time.Second)
	assert.Equal(t, epoch.Add(2*time.Second), fired)
	assert.Equal(t, epoch.Add(2*time.Second), c.Now())

	<-c.After(0)
	c.Advance(time.Minute)

	assert.Equal(t, []time.Duration{2 * time.Second}, c.Waits())
	assert.Equal(t, 2*time.Second, c.TotalWaited())
	assert.Equal(t, epoch.Add(time.Minute+2*time.Second), c.Now())
}

func TestSleep_CancelledContext(t *testing.T) {
	c := NewFake(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Sleep(ctx, c, time.Second)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, c.Waits())
}

func TestSleep_Real(t *testing.T) {
	start := time.Now()
	require.NoError(t, Sleep(context.Background(), Real(), 5*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestSleep_StopsAtClockDeadline(t *testing.T) {
	c := NewFake(epoch)
	ctx, cancel := WithDeadline(context.Background(), c, epoch.Add(900*time.Millisecond))
	defer cancel()

	require.NoError(t, Sleep(ctx, c, 500*time.Millisecond))

	err := Sleep(ctx, c, 2*time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 400 * time.Millisecond}, c.Waits())
	assert.Equal(t, epoch.Add(900*time.Millisecond), c.Now())

	require.ErrorIs(t, Sleep(ctx, c, time.Millisecond), context.DeadlineExceeded)
	assert.Len(t, c.Waits(), 2)
}
