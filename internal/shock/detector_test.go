package shock

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newDetector() (*Detector, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)}
	return New(DefaultConfig(), clock.Now), clock
}

func TestDetectShock_Threshold(t *testing.T) {
	d, _ := newDetector()

	s := d.DetectShock("m1", 0.40, 0.46)
	require.NotNil(t, s)
	assert.InDelta(t, 0.06, s.Delta, 1e-9)
	assert.Equal(t, "m1", s.MarketID)

	assert.Nil(t, d.DetectShock("m1", 0.40, 0.44))
	assert.Equal(t, 1, d.Len(), "sub-threshold move must not change state")

	assert.NotNil(t, d.DetectShock("m2", 0.45, 0.40), "exactly the threshold counts, in either direction")
}

func TestCheckAlert_FiveWithinWindow(t *testing.T) {
	d, clock := newDetector()
	start := clock.Now()
	for i := 0; i < 5; i++ {
		require.NotNil(t, d.DetectShock(fmt.Sprintf("m%d", i), 0.3, 0.4))
		clock.Advance(150 * time.Second)
	}

	alert := d.CheckAlert()
	require.NotNil(t, alert)
	assert.Equal(t, 5, alert.ShockCount)
	assert.Len(t, alert.Shocks, 5)
	assert.Equal(t, start, alert.WindowStart)
	assert.Equal(t, clock.Now(), alert.WindowEnd)
	assert.NoError(t, alert.Validate())

	assert.Equal(t, 5, d.Len(), "alerting must not consume shocks")
	assert.NotNil(t, d.CheckAlert())
}

func TestCheckAlert_FourIsNotEnough(t *testing.T) {
	d, clock := newDetector()
	for i := 0; i < 4; i++ {
		d.DetectShock(fmt.Sprintf("m%d", i), 0.3, 0.4)
		clock.Advance(time.Minute)
	}
	assert.Nil(t, d.CheckAlert())
}

func TestCheckAlert_AgedOutShocksDoNotCombine(t *testing.T) {
	d, clock := newDetector()
	for i := 0; i < 4; i++ {
		d.DetectShock(fmt.Sprintf("m%d", i), 0.3, 0.4)
		clock.Advance(time.Minute)
	}
	clock.Advance(16 * time.Minute)
	d.DetectShock("late", 0.3, 0.4)

	assert.Nil(t, d.CheckAlert())
	assert.Equal(t, 1, d.Len(), "appending prunes entries older than the window")
}

func TestCleanup(t *testing.T) {
	d, clock := newDetector()
	d.DetectShock("old", 0.1, 0.3)
	clock.Advance(20 * time.Minute)
	d.Cleanup()
	assert.Equal(t, 1, d.Len(), "cleanup keeps up to twice the window")

	clock.Advance(11 * time.Minute)
	d.Cleanup()
	assert.Equal(t, 0, d.Len())
}

func TestDetectors_AreIndependent(t *testing.T) {
	a, _ := newDetector()
	b, _ := newDetector()
	a.DetectShock("m", 0.1, 0.9)
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 0, b.Len())
}

func TestNew_Defaults(t *testing.T) {
	d := New(Config{}, nil)
	assert.Equal(t, DefaultConfig(), d.config)
	assert.Nil(t, d.CheckAlert())
}
