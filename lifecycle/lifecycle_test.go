package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type exitRecorder struct {
	calls atomic.Int32
	code  atomic.Int32
}

func (e *exitRecorder) exit(code int) {
	e.calls.Add(1)
	e.code.Store(int32(code))
}

func TestRequest_FirstCancelsContext(t *testing.T) {
	rec := &exitRecorder{}
	c := NewController(nil, WithExit(rec.exit), WithSignals())
	ctx := c.Start(context.Background())
	defer c.Stop()

	assert.False(t, c.ShuttingDown())
	require.NoError(t, ctx.Err())

	c.Request("test")

	assert.True(t, c.ShuttingDown())
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled")
	}
	assert.Equal(t, int32(0), rec.calls.Load())
}

func TestRequest_SecondForcesExit(t *testing.T) {
	rec := &exitRecorder{}
	c := NewController(nil, WithExit(rec.exit), WithSignals())
	c.Start(context.Background())
	defer c.Stop()

	c.Request("first")
	c.Request("second")
	c.Request("third")

	assert.Equal(t, int32(1), rec.calls.Load())
	assert.Equal(t, int32(ForcedExitCode), rec.code.Load())
}

func TestRequest_BeforeStart(t *testing.T) {
	rec := &exitRecorder{}
	c := NewController(nil, WithExit(rec.exit))

	c.Request("early")
	assert.True(t, c.ShuttingDown())
	assert.Equal(t, int32(0), rec.calls.Load())
}

func TestStop_CancelsContext(t *testing.T) {
	c := NewController(nil, WithSignals())
	ctx := c.Start(context.Background())

	c.Stop()
	c.Stop()
	assert.Error(t, ctx.Err())
	assert.False(t, c.ShuttingDown())
}
