package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ShockEvent is a single probability move at or above the shock threshold.
type ShockEvent struct {
	MarketID            string    `json:"market_id"`
	PreviousProbability float64   `json:"previous_probability"`
	NewProbability      float64   `json:"new_probability"`
	Delta               float64   `json:"delta"`
	Timestamp           time.Time `json:"timestamp"`
}

// ShockAlert is a persisted record of a cluster of shocks within the rolling window.
type ShockAlert struct {
	ID          string       `json:"id"`
	ShockCount  int          `json:"shock_count"`
	WindowStart time.Time    `json:"window_start"`
	WindowEnd   time.Time    `json:"window_end"`
	Shocks      []ShockEvent `json:"shocks"`
	CreatedAt   time.Time    `json:"created_at"`
}

// NewShockAlertID returns an alert id embedding the creation time in unix milliseconds.
func NewShockAlertID(at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("shock_%d_%s", at.UnixMilli(), suffix)
}

// Latest returns the timestamp of the newest constituent shock.
func (a *ShockAlert) Latest() time.Time {
	var latest time.Time
	for _, s := range a.Shocks {
		if s.Timestamp.After(latest) {
			latest = s.Timestamp
		}
	}
	return latest
}

// Validate checks alert field constraints.
func (a *ShockAlert) Validate() error {
	if a.ID == "" {
		return errors.New("alert ID must not be empty")
	}
	if a.ShockCount != len(a.Shocks) {
		return errors.New("shock count must equal the number of shocks")
	}
	if a.WindowEnd.Before(a.WindowStart) {
		return errors.New("window end must not precede window start")
	}
	return nil
}
