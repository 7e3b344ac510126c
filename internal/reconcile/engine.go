// Package reconcile runs one synchronization cycle: fetch upstream prices, pair
// them with persisted records, write price fields, and escalate shock clusters.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rewired-gh/polycal/internal/logger"
	"github.com/rewired-gh/polycal/internal/metrics"
	"github.com/rewired-gh/polycal/internal/models"
	"github.com/rewired-gh/polycal/internal/normalizer"
	"github.com/rewired-gh/polycal/internal/polymarket"
	"github.com/rewired-gh/polycal/internal/resolver"
	"github.com/rewired-gh/polycal/internal/shock"
	"github.com/rewired-gh/polycal/internal/storage"
)

// DefaultEpsilon is the smallest probability change recorded as a real move.
const DefaultEpsilon = 0.001

// Skip reasons reported in Result.Skipped.
const (
	SkipPastResolveDate = "past_resolve_date"
	SkipUpstreamClosed  = "upstream_closed"
	SkipDuplicateMatch  = "duplicate_match"
)

var ErrNoStore = errors.New("market store is not configured")

// MarketStore is the persistence the engine needs.
type MarketStore interface {
	ListMarkets(ctx context.Context) ([]*models.MarketRecord, error)
	ApplyPriceUpdates(ctx context.Context, updates []storage.PriceUpdate) storage.ApplyResult
	AddShockAlert(ctx context.Context, alert *models.ShockAlert) error
}

// Upstream is the market data source.
type Upstream interface {
	FetchMarkets(ctx context.Context, ids []string) ([]polymarket.Event, error)
	ListEvents(ctx context.Context) ([]polymarket.Event, error)
}

// AlertNotifier delivers persisted shock alerts. Delivery is best effort.
type AlertNotifier interface {
	SendShockAlert(alert *models.ShockAlert) error
}

// Extractor returns the new probability for an upstream market, falling back to stored.
type Extractor func(m polymarket.Market, stored float64) (float64, error)

// DefaultExtractor probes the known probability fields. It fails only when no
// field is usable and the stored value is itself outside [0,1].
func DefaultExtractor(m polymarket.Market, stored float64) (float64, error) {
	p, ok := m.Probability(stored)
	if ok {
		return p, nil
	}
	if math.IsNaN(stored) || stored < 0 || stored > 1 {
		return 0, fmt.Errorf("no usable probability field and stored value %v is invalid", stored)
	}
	logger.Debug("Market %s has no usable probability field; keeping stored %.4f", m.ID(), stored)
	return stored, nil
}

// Config controls cycle behavior.
type Config struct {
	Rules     normalizer.Rules
	Resolver  resolver.Options
	Epsilon   float64
	Extractor Extractor
}

func DefaultConfig() Config {
	return Config{
		Rules:     normalizer.DefaultRules(),
		Epsilon:   DefaultEpsilon,
		Extractor: DefaultExtractor,
	}
}

// Result holds the counters of a completed cycle.
type Result struct {
	Updated   int
	Errors    int
	Shocks    int
	Matched   int
	Skipped   map[string]int
	Alert     *models.ShockAlert
	Timestamp time.Time
}

// Outcome is the well-formed result handed to triggers, success or not.
type Outcome struct {
	Success   bool               `json:"success"`
	Updated   int                `json:"updated"`
	Errors    int                `json:"errors"`
	Shocks    int                `json:"shocks"`
	Alert     *models.ShockAlert `json:"alert,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Error     string             `json:"error,omitempty"`
}

// Engine orchestrates reconciliation cycles. Overlapping cycles are allowed;
// per-record writes are idempotent and the last writer wins.
type Engine struct {
	store    MarketStore
	upstream Upstream
	detector *shock.Detector
	notifier AlertNotifier
	metrics  *metrics.Metrics
	config   Config
	now      func() time.Time

	alertMu sync.Mutex
	alerted bool
}

func New(store MarketStore, upstream Upstream, detector *shock.Detector, config Config) *Engine {
	def := DefaultConfig()
	if config.Rules == (normalizer.Rules{}) {
		config.Rules = def.Rules
	}
	if config.Epsilon <= 0 {
		config.Epsilon = def.Epsilon
	}
	if config.Extractor == nil {
		config.Extractor = def.Extractor
	}
	if detector == nil {
		detector = shock.New(shock.DefaultConfig(), nil)
	}
	return &Engine{
		store:    store,
		upstream: upstream,
		detector: detector,
		config:   config,
		now:      time.Now,
	}
}

// SetNotifier sets the alert notifier. A nil notifier disables delivery.
func (e *Engine) SetNotifier(n AlertNotifier) { e.notifier = n }

func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// SetClock overrides the engine clock.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

type pending struct {
	record *models.MarketRecord
	next   float64
}

// Run executes one cycle. Per-record failures are counted in Result.Errors;
// only failures that prevent the cycle from running at all are returned.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	now := e.now()
	result := Result{Skipped: map[string]int{}, Timestamp: now}
	if e.store == nil {
		return result, ErrNoStore
	}

	e.detector.Cleanup()

	records, err := e.store.ListMarkets(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to load markets: %w", err)
	}
	idx := resolver.NewIndex(records, e.config.Resolver)
	if idx.Len() == 0 {
		logger.Debug("No records with upstream identity (%d manual); nothing to reconcile", idx.Skipped())
		return result, nil
	}

	events, err := e.fetch(ctx, idx.ExternalIDs())
	if err != nil {
		return result, err
	}

	var updates []storage.PriceUpdate
	var queued []pending
	seen := make(map[string]bool)
	for _, ev := range events {
		for _, c := range e.config.Rules.Normalize(ev, idx) {
			rec, _, ok := idx.Match(c)
			if !ok {
				continue
			}
			if seen[rec.LocalID] {
				result.Skipped[SkipDuplicateMatch]++
				continue
			}
			seen[rec.LocalID] = true
			result.Matched++

			u, skip, err := e.prepare(rec, c, now)
			switch {
			case err != nil:
				logger.Warn("Skipping market %s: %v", rec.LocalID, err)
				result.Errors++
			case skip != "":
				result.Skipped[skip]++
			default:
				updates = append(updates, u)
				queued = append(queued, pending{record: rec, next: u.Probability})
			}
		}
	}

	if len(updates) > 0 {
		applied := e.store.ApplyPriceUpdates(ctx, updates)
		for id, err := range applied.Failed {
			logger.Warn("Failed to write market %s: %v", id, err)
		}
		result.Updated = applied.Applied
		result.Errors += len(applied.Failed)

		for _, p := range queued {
			if _, failed := applied.Failed[p.record.LocalID]; failed {
				continue
			}
			if s := e.detector.DetectShock(p.record.LocalID, p.record.Probability, p.next); s != nil {
				logger.Info("Shock on %s: %.3f -> %.3f", s.MarketID, s.PreviousProbability, s.NewProbability)
				result.Shocks++
			}
		}
	}

	alert, err := e.maybeAlert(ctx)
	if err != nil {
		logger.Error("Failed to persist shock alert: %v", err)
		result.Errors++
	}
	result.Alert = alert

	logger.Info("Reconciled %d matched markets: %d updated, %d errors, %d shocks",
		result.Matched, result.Updated, result.Errors, result.Shocks)
	return result, nil
}

// fetch prefers per-id lookups and falls back to the bulk listing only when they return nothing.
// Per-id results are regrouped under their parent event. Transport failures count as no data.
func (e *Engine) fetch(ctx context.Context, ids []string) ([]polymarket.Event, error) {
	if e.upstream == nil {
		return nil, nil
	}
	events, err := e.upstream.FetchMarkets(ctx, ids)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("Per-id fetch failed: %v", err)
	}
	if len(events) > 0 {
		return polymarket.GroupByEvent(events), nil
	}

	logger.Debug("Per-id fetch returned nothing for %d ids; using bulk listing", len(ids))
	events, err = e.upstream.ListEvents(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("Bulk listing failed: %v", err)
		return nil, nil
	}
	return events, nil
}

// prepare computes the price update for rec. A panic inside extraction is
// reported as the record's error.
func (e *Engine) prepare(rec *models.MarketRecord, c normalizer.Candidate, now time.Time) (u storage.PriceUpdate, skip string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during extraction: %v", r)
		}
	}()

	if rec.ResolvesBefore(now) {
		return u, SkipPastResolveDate, nil
	}
	if c.Market.Closed() {
		return u, SkipUpstreamClosed, nil
	}

	next, err := e.config.Extractor(c.Market, rec.Probability)
	if err != nil {
		return u, "", err
	}

	u = storage.PriceUpdate{
		LocalID:             rec.LocalID,
		Probability:         next,
		PreviousProbability: rec.PreviousProbability,
		ChangeDelta:         rec.ChangeDelta,
		LastUpdated:         now,
	}
	if delta := next - rec.Probability; math.Abs(delta) > e.config.Epsilon {
		prev := rec.Probability
		u.PreviousProbability = &prev
		u.ChangeDelta = delta
	}
	return u, "", nil
}

// maybeAlert persists at most one alert per threshold crossing. Once an alert
// is written the engine stays quiet until the windowed shock count drops below
// the alert count again.
func (e *Engine) maybeAlert(ctx context.Context) (*models.ShockAlert, error) {
	e.alertMu.Lock()
	defer e.alertMu.Unlock()

	alert := e.detector.CheckAlert()
	if alert == nil {
		e.alerted = false
		return nil, nil
	}
	if e.alerted {
		logger.Debug("Shock cluster of %d already alerted", alert.ShockCount)
		return nil, nil
	}
	if err := e.store.AddShockAlert(ctx, alert); err != nil {
		return nil, err
	}
	e.alerted = true
	logger.Warn("Shock alert %s: %d shocks between %s and %s", alert.ID, alert.ShockCount,
		alert.WindowStart.Format(time.RFC3339), alert.WindowEnd.Format(time.RFC3339))

	if e.notifier != nil {
		if err := e.notifier.SendShockAlert(alert); err != nil {
			logger.Warn("Failed to deliver shock alert %s: %v", alert.ID, err)
		}
	}
	return alert, nil
}

// RunSafe runs a cycle and converts any failure, panics included, into an Outcome.
func (e *Engine) RunSafe(ctx context.Context) (out Outcome) {
	start := time.Now()
	var result Result
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Reconciliation panicked: %v\n%s", r, debug.Stack())
			out = Outcome{Success: false, Error: fmt.Sprintf("internal error: %v", r), Timestamp: e.now()}
		}
		e.metrics.ObserveCycle(metrics.Cycle{
			Success:  out.Success,
			Updated:  out.Updated,
			Errors:   out.Errors,
			Shocks:   out.Shocks,
			Alerted:  out.Alert != nil,
			Skipped:  result.Skipped,
			Duration: time.Since(start),
			At:       out.Timestamp,
		})
	}()

	result, err := e.Run(ctx)
	if err != nil {
		logger.Error("Reconciliation failed: %v", err)
		return Outcome{Success: false, Error: err.Error(), Timestamp: result.Timestamp}
	}
	return Outcome{
		Success:   true,
		Updated:   result.Updated,
		Errors:    result.Errors,
		Shocks:    result.Shocks,
		Alert:     result.Alert,
		Timestamp: result.Timestamp,
	}
}
