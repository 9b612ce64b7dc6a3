package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_WithoutURLIsNop(t *testing.T) {
	p, err := New("", "warncheck.jobs", zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, Nop{}, p)

	// never panics
	p.Publish(context.Background(), Event{Type: JobSubmitted, JobID: "j1"})
	p.Close()
}

func TestNew_UnreachableServer(t *testing.T) {
	_, err := New("nats://127.0.0.1:1", "warncheck.jobs", zap.NewNop())
	assert.Error(t, err)
}
