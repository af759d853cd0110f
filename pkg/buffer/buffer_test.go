package buffer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markmerz/nmea0183-repeater-raspberry/errors"
	"github.com/markmerz/nmea0183-repeater-raspberry/metric"
)

func TestOverflowPolicy_String(t *testing.T) {
	assert.Equal(t, "DropOldest", DropOldest.String())
	assert.Equal(t, "DropNewest", DropNewest.String())
	assert.Equal(t, "Unknown", OverflowPolicy(42).String())
}

func TestCircularBuffer_FIFO(t *testing.T) {
	buf, err := NewCircularBuffer[int](3)
	require.NoError(t, err)

	assert.True(t, buf.IsEmpty())
	for i := 1; i <= 3; i++ {
		require.NoError(t, buf.Write(i))
	}
	assert.True(t, buf.IsFull())
	assert.Equal(t, 3, buf.Size())

	v, ok := buf.Peek()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	for i := 1; i <= 3; i++ {
		v, ok := buf.Read()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}

	_, ok = buf.Read()
	assert.False(t, ok)
}

func TestCircularBuffer_MinimumCapacity(t *testing.T) {
	buf, err := NewCircularBuffer[int](0)
	require.NoError(t, err)
	assert.Equal(t, 1, buf.Capacity())
}

func TestCircularBuffer_DropNewest(t *testing.T) {
	var dropped []int
	buf, err := NewCircularBuffer[int](100,
		WithOverflowPolicy[int](DropNewest),
		WithDropCallback(func(item int) { dropped = append(dropped, item) }),
	)
	require.NoError(t, err)

	for i := 0; i < 101; i++ {
		require.NoError(t, buf.Write(i))
	}

	assert.Equal(t, 100, buf.Size())
	assert.Equal(t, []int{100}, dropped)

	got := buf.ReadBatch(200)
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}

	stats := buf.Stats()
	assert.Equal(t, int64(100), stats.Writes())
	assert.Equal(t, int64(1), stats.Drops())
	assert.Equal(t, int64(100), stats.MaxSize())
}

func TestCircularBuffer_DropOldest(t *testing.T) {
	var dropped []int
	buf, err := NewCircularBuffer[int](2,
		WithDropCallback(func(item int) { dropped = append(dropped, item) }),
	)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, buf.Write(i))
	}

	assert.Equal(t, []int{1}, dropped)
	assert.Equal(t, []int{2, 3}, buf.ReadBatch(5))
}

func TestCircularBuffer_Clear(t *testing.T) {
	var dropped int
	buf, err := NewCircularBuffer[string](4,
		WithDropCallback(func(string) { dropped++ }),
	)
	require.NoError(t, err)

	require.NoError(t, buf.Write("a"))
	require.NoError(t, buf.Write("b"))
	buf.Clear()

	assert.True(t, buf.IsEmpty())
	assert.Equal(t, 2, dropped)
	assert.Nil(t, buf.ReadBatch(1))
	assert.Nil(t, buf.ReadBatch(0))
}

func TestCircularBuffer_Close(t *testing.T) {
	buf, err := NewCircularBuffer[int](2)
	require.NoError(t, err)

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Close())
	require.NoError(t, buf.Close())

	err = buf.Write(2)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrQueueClosed)

	v, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestCircularBuffer_ReadWait(t *testing.T) {
	t.Run("immediate", func(t *testing.T) {
		buf, _ := NewCircularBuffer[int](2)
		require.NoError(t, buf.Write(7))

		v, ok := buf.ReadWait(context.Background(), time.Second)
		require.True(t, ok)
		assert.Equal(t, 7, v)
	})

	t.Run("timeout", func(t *testing.T) {
		buf, _ := NewCircularBuffer[int](2)
		start := time.Now()

		_, ok := buf.ReadWait(context.Background(), 50*time.Millisecond)
		assert.False(t, ok)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("woken by write", func(t *testing.T) {
		buf, _ := NewCircularBuffer[int](2)
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = buf.Write(9)
		}()

		v, ok := buf.ReadWait(context.Background(), 2*time.Second)
		require.True(t, ok)
		assert.Equal(t, 9, v)
	})

	t.Run("context cancelled", func(t *testing.T) {
		buf, _ := NewCircularBuffer[int](2)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, ok := buf.ReadWait(ctx, time.Second)
		assert.False(t, ok)
	})

	t.Run("closed", func(t *testing.T) {
		buf, _ := NewCircularBuffer[int](2)
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = buf.Close()
		}()

		start := time.Now()
		_, ok := buf.ReadWait(context.Background(), 5*time.Second)
		assert.False(t, ok)
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestCircularBuffer_ConcurrentAccess(t *testing.T) {
	buf, err := NewCircularBuffer[int](1000, WithOverflowPolicy[int](DropNewest))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = buf.Write(i)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 800, buf.Size())
	assert.Len(t, buf.ReadBatch(1000), 800)
}

func TestCircularBuffer_Metrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	raw, err := NewCircularBuffer[int](1,
		WithOverflowPolicy[int](DropNewest),
		WithMetrics[int](reg, "plotter"),
	)
	require.NoError(t, err)

	require.NoError(t, raw.Write(1))
	require.NoError(t, raw.Write(2))
	_, _ = raw.Read()

	cb := raw.(*circularBuffer[int])
	require.NotNil(t, cb.metrics)
	assert.Equal(t, 1.0, testutil.ToFloat64(cb.metrics.writes))
	assert.Equal(t, 1.0, testutil.ToFloat64(cb.metrics.drops))
	assert.Equal(t, 1.0, testutil.ToFloat64(cb.metrics.reads))
	assert.Equal(t, 0.0, testutil.ToFloat64(cb.metrics.size))

	_, err = NewCircularBuffer[int](1, WithMetrics[int](reg, "plotter"))
	require.Error(t, err)
}

func TestStatistics_Summary(t *testing.T) {
	s := NewStatistics()
	s.Write()
	s.Write()
	s.Drop()
	s.UpdateSize(2)
	s.UpdateSize(1)

	sum := s.Summary()
	assert.Equal(t, int64(2), sum.Writes)
	assert.Equal(t, int64(1), sum.Drops)
	assert.Equal(t, int64(1), sum.CurrentSize)
	assert.Equal(t, int64(2), sum.MaxSize)
	assert.InDelta(t, 1.0/3.0, sum.DropRate, 0.0001)
}
