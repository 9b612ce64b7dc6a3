package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockPurger struct {
	cutoffs []time.Time
	purged  int64
	err     error
}

func (m *mockPurger) PurgeFinishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.cutoffs = append(m.cutoffs, cutoff)
	return m.purged, m.err
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(&mockPurger{}, time.Hour, "every now and then", zap.NewNop())
	assert.Error(t, err)
}

func TestNew_AcceptsDescriptorsAndCronExpressions(t *testing.T) {
	for _, expr := range []string{"@hourly", "@daily", "*/15 * * * *", "0 3 * * 1"} {
		_, err := New(&mockPurger{}, time.Hour, expr, zap.NewNop())
		assert.NoError(t, err, expr)
	}
}

func TestPurge_UsesRetentionCutoff(t *testing.T) {
	purger := &mockPurger{purged: 3}
	r, err := New(purger, 7*24*time.Hour, "@hourly", zap.NewNop())
	require.NoError(t, err)
	r.now = func() time.Time { return time.Date(2025, 3, 8, 12, 0, 0, 0, time.UTC) }

	n, err := r.Purge(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.Len(t, purger.cutoffs, 1)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), purger.cutoffs[0])
}

func TestPurge_Disabled(t *testing.T) {
	purger := &mockPurger{}
	r, err := New(purger, 0, "@hourly", zap.NewNop())
	require.NoError(t, err)

	n, err := r.Purge(context.Background())

	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, purger.cutoffs)
	assert.False(t, r.Enabled())
}

func TestPurge_Error(t *testing.T) {
	r, err := New(&mockPurger{err: errors.New("locked")}, time.Hour, "@hourly", zap.NewNop())
	require.NoError(t, err)

	_, err = r.Purge(context.Background())
	assert.Error(t, err)
}

func TestStart_ReturnsWhenContextDone(t *testing.T) {
	r, err := New(&mockPurger{}, time.Hour, "@hourly", zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
