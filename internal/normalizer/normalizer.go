// Package normalizer shapes upstream events into canonical candidates and applies
// the liquidity, status, price-band, identity and top-N rules.
package normalizer

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/polycal/internal/models"
	"github.com/rewired-gh/polycal/internal/polymarket"
)

const (
	DefaultMinVolume   = 20_000
	DefaultMinPrice    = 0.01
	DefaultMaxPrice    = 0.99
	DefaultMaxPerEvent = 5
)

// KnownSet reports whether an upstream market is already present in the local store.
type KnownSet interface {
	Known(externalID, question string) bool
}

// Candidate is a canonical upstream record ready for identity resolution.
type Candidate struct {
	ExternalID string
	Catalyst   string
	Question   string
	Price      string
	Volume     models.Volume
	EndDate    string
	Tags       string

	// Market is the raw upstream record, kept for precise field extraction.
	Market polymarket.Market

	probability float64
	volume      float64
}

// Probability returns the unrounded price the candidate was filtered on.
func (c Candidate) Probability() float64 {
	return c.probability
}

// Rules are the filter thresholds. Price bounds are exclusive.
type Rules struct {
	MinVolume   float64
	MinPrice    float64
	MaxPrice    float64
	MaxPerEvent int
}

func DefaultRules() Rules {
	return Rules{
		MinVolume:   DefaultMinVolume,
		MinPrice:    DefaultMinPrice,
		MaxPrice:    DefaultMaxPrice,
		MaxPerEvent: DefaultMaxPerEvent,
	}
}

// Normalize returns the surviving sub-markets of ev, highest volume first, capped at MaxPerEvent.
func (r Rules) Normalize(ev polymarket.Event, known KnownSet) []Candidate {
	if ev.Title == "" && len(ev.Markets) == 0 {
		return nil
	}
	tags := models.JoinTags(ev.Tags)

	var out []Candidate
	for _, m := range ev.Markets {
		c, ok := r.candidate(ev, m, tags, known)
		if ok {
			out = append(out, c)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].volume > out[j].volume
	})
	if r.MaxPerEvent > 0 && len(out) > r.MaxPerEvent {
		out = out[:r.MaxPerEvent]
	}
	return out
}

func (r Rules) candidate(ev polymarket.Event, m polymarket.Market, tags string, known KnownSet) (Candidate, bool) {
	vol := m.Volume()
	n, ok := vol.Float()
	if !ok || n < r.MinVolume {
		return Candidate{}, false
	}
	if m.Closed() {
		return Candidate{}, false
	}
	p, ok := m.Probability(0)
	if !ok || p <= r.MinPrice || p >= r.MaxPrice {
		return Candidate{}, false
	}
	id := m.ID()
	if id == "" || known == nil || !known.Known(id, m.Question()) {
		return Candidate{}, false
	}

	catalyst := ev.Title
	if catalyst == "" {
		catalyst = m.Question()
	}
	return Candidate{
		ExternalID:  id,
		Catalyst:    catalyst,
		Question:    m.Question(),
		Price:       decimal.NewFromFloat(p).StringFixed(2),
		Volume:      vol,
		EndDate:     m.EndDate(),
		Tags:        tags,
		Market:      m,
		probability: p,
		volume:      n,
	}, true
}
