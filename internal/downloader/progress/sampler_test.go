package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestSampler_WaitsForInterval(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	s := NewSampler(500*time.Millisecond, clock.now)

	clock.advance(100 * time.Millisecond)
	_, ok := s.Add(1024, 10_000)
	assert.False(t, ok)

	clock.advance(400 * time.Millisecond)
	sample, ok := s.Add(1024, 8_000)
	require.True(t, ok)

	// 2048 bytes over 0.5s
	assert.InDelta(t, 4096.0, sample.Speed, 0.001)
	require.NotNil(t, sample.ETA)
	assert.InDelta(t, (8000.0 / 4096.0), sample.ETA.Seconds(), 0.001)
}

func TestSampler_ResetsWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	s := NewSampler(time.Second, clock.now)

	clock.advance(time.Second)
	_, ok := s.Add(100, 100)
	require.True(t, ok)

	clock.advance(2 * time.Second)
	sample, ok := s.Add(50, 50)
	require.True(t, ok)
	assert.InDelta(t, 25.0, sample.Speed, 0.001)
}

func TestSampler_UnknownETA(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	s := NewSampler(time.Second, clock.now)

	clock.advance(time.Second)
	sample, ok := s.Add(0, 100)
	require.True(t, ok)
	assert.Zero(t, sample.Speed)
	assert.Nil(t, sample.ETA, "zero speed leaves eta undefined")

	clock.advance(time.Second)
	sample, ok = s.Add(10, 0)
	require.True(t, ok)
	assert.Nil(t, sample.ETA, "unknown remaining leaves eta undefined")
}
