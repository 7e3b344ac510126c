// Package models defines the core domain entities: market records, shocks, and shock alerts.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Record sources.
const (
	SourceBulkImport = "bulk_import"
	SourceManual     = "manual"
)

const dateLayout = "2006-01-02"

// Extra keys carrying identifiers written by older importers.
const (
	ExtraLegacyExternalID    = "polymarketID"
	ExtraLegacyExternalIDAlt = "PolymarketId"
	ExtraGenericID           = "marketId"
	ExtraGenericIDAlt        = "id"
)

// MarketRecord is a persisted prediction-market snapshot keyed by a content-derived local id.
type MarketRecord struct {
	LocalID             string         `json:"local_id"`
	ExternalID          string         `json:"external_id,omitempty"`
	Title               string         `json:"title"`
	Question            string         `json:"question,omitempty"`
	CatalystGroup       string         `json:"catalyst_group,omitempty"`
	ResolveDate         string         `json:"resolve_date"`
	Probability         float64        `json:"probability"`
	PreviousProbability *float64       `json:"previous_probability,omitempty"`
	ChangeDelta         float64        `json:"change_delta"`
	Volume              Volume         `json:"volume"`
	Tags                []string       `json:"tags"`
	LastUpdated         time.Time      `json:"last_updated"`
	Source              string         `json:"source"`
	Extra               map[string]any `json:"extra,omitempty"`
}

// LocalID derives the stable record id from title and resolve date.
// Title case and whitespace do not affect the result, and only the date part of resolveDate is used.
func LocalID(title, resolveDate string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(title), " "))
	sum := sha256.Sum256([]byte(norm + "|" + datePart(resolveDate)))
	return "mkt_" + hex.EncodeToString(sum[:])[:20]
}

func datePart(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= len(dateLayout) {
		if _, err := time.Parse(dateLayout, s[:len(dateLayout)]); err == nil {
			return s[:len(dateLayout)]
		}
	}
	return s
}

// Validate checks record field constraints.
func (m *MarketRecord) Validate() error {
	if m.LocalID == "" {
		return errors.New("local ID must not be empty")
	}
	if strings.TrimSpace(m.Title) == "" {
		return errors.New("title must not be empty")
	}
	if strings.TrimSpace(m.ResolveDate) == "" {
		return errors.New("resolve date must not be empty")
	}
	if m.Probability < 0.0 || m.Probability > 1.0 {
		return errors.New("probability must be between 0.0 and 1.0")
	}
	if m.PreviousProbability != nil && (*m.PreviousProbability < 0.0 || *m.PreviousProbability > 1.0) {
		return errors.New("previous probability must be between 0.0 and 1.0")
	}
	return nil
}

// ExtraString returns a non-empty string value from the side table.
func (m *MarketRecord) ExtraString(key string) string {
	if m.Extra == nil {
		return ""
	}
	switch v := m.Extra[key].(type) {
	case string:
		return strings.TrimSpace(v)
	default:
		return ""
	}
}

// ResolvesBefore reports whether the record's resolve date is already in the past at now.
// A plain date is compared by calendar day in now's location; a date with a time
// component is compared as an instant. Unparseable dates are never in the past.
func (m *MarketRecord) ResolvesBefore(now time.Time) bool {
	raw := strings.TrimSpace(m.ResolveDate)
	if raw == "" {
		return false
	}
	if len(raw) == len(dateLayout) {
		d, err := time.ParseInLocation(dateLayout, raw, now.Location())
		if err != nil {
			return false
		}
		y, mo, day := now.Date()
		today := time.Date(y, mo, day, 0, 0, 0, 0, now.Location())
		return d.Before(today)
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Before(now)
		}
	}
	return false
}

// JoinTags lower-cases each label, collapses whitespace to underscores and joins with '|'.
func JoinTags(tags []string) string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.Join(strings.Fields(strings.ToLower(t)), "_")
		if t != "" {
			out = append(out, t)
		}
	}
	return strings.Join(out, "|")
}

// SplitTags is the inverse of JoinTags.
func SplitTags(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, "|")
}
