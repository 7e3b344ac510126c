// Package shock flags large single-market probability moves and raises an alert
// when enough of them cluster inside a rolling window.
package shock

import (
	"math"
	"sync"
	"time"

	"github.com/rewired-gh/polycal/internal/models"
)

const (
	DefaultThreshold  = 0.05
	DefaultWindow     = 15 * time.Minute
	DefaultAlertCount = 5
)

// Config holds detector thresholds.
type Config struct {
	Threshold  float64
	Window     time.Duration
	AlertCount int
}

func DefaultConfig() Config {
	return Config{
		Threshold:  DefaultThreshold,
		Window:     DefaultWindow,
		AlertCount: DefaultAlertCount,
	}
}

// Detector keeps a time-ordered queue of recent shocks. It is safe for concurrent use.
type Detector struct {
	mu     sync.Mutex
	shocks []models.ShockEvent
	config Config
	now    func() time.Time
}

// New creates a detector. A nil now uses time.Now.
func New(config Config, now func() time.Time) *Detector {
	def := DefaultConfig()
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.AlertCount <= 0 {
		config.AlertCount = def.AlertCount
	}
	if now == nil {
		now = time.Now
	}
	return &Detector{config: config, now: now}
}

// DetectShock records and returns a shock when |next-prev| meets the threshold.
// Below the threshold it returns nil and leaves the queue unchanged.
func (d *Detector) DetectShock(marketID string, prev, next float64) *models.ShockEvent {
	delta := math.Abs(next - prev)
	// tolerate float rounding at the threshold (0.45-0.40 is 0.0499999...)
	if delta+1e-12 < d.config.Threshold {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	s := models.ShockEvent{
		MarketID:            marketID,
		PreviousProbability: prev,
		NewProbability:      next,
		Delta:               delta,
		Timestamp:           now,
	}
	d.shocks = append(d.shocks, s)
	d.pruneLocked(now.Add(-d.config.Window))
	return &s
}

// CheckAlert returns an alert when the shocks inside the window reach the alert
// count. It does not modify the queue.
func (d *Detector) CheckAlert() *models.ShockAlert {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	cutoff := now.Add(-d.config.Window)
	var recent []models.ShockEvent
	for _, s := range d.shocks {
		if !s.Timestamp.Before(cutoff) {
			recent = append(recent, s)
		}
	}
	if len(recent) < d.config.AlertCount {
		return nil
	}
	return &models.ShockAlert{
		ID:          models.NewShockAlertID(now),
		ShockCount:  len(recent),
		WindowStart: recent[0].Timestamp,
		WindowEnd:   now,
		Shocks:      recent,
		CreatedAt:   now,
	}
}

// Cleanup drops shocks older than twice the window.
func (d *Detector) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked(d.now().Add(-2 * d.config.Window))
}

// Len returns the number of retained shocks.
func (d *Detector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.shocks)
}

func (d *Detector) pruneLocked(cutoff time.Time) {
	i := 0
	for i < len(d.shocks) && d.shocks[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		d.shocks = append(d.shocks[:0:0], d.shocks[i:]...)
	}
}
