package polymarket

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rewired-gh/polycal/internal/models"
)

// Candidate upstream field names, most authoritative first.
var (
	ProbabilityFields = []string{"probability", "yesProbability", "yes_price", "outcomePrices", "lastTradePrice", "price"}
	VolumeFields      = []string{"volumeNum", "volume", "volumeClob"}
	EndDateFields     = []string{"endDate", "endDateIso", "end_date"}
)

// Market is a raw upstream market. The upstream schema is not stable, so fields
// are read through named extractors rather than a fixed struct.
type Market map[string]any

// Event is the canonical upstream shape: an optional title and tags wrapping zero or more markets.
type Event struct {
	ID      string
	Title   string
	Tags    []string
	Markets []Market
}

// ItemKind tags a decoded upstream element.
type ItemKind int

const (
	KindEvent ItemKind = iota
	KindMarket
)

// Item is an upstream element classified once at ingestion.
type Item struct {
	Kind   ItemKind
	Event  Event
	Market Market
}

// AsEvent folds either kind into the Event shape. A bare market becomes a
// single-market event titled after its embedded parent event, if any.
func (it Item) AsEvent() Event {
	if it.Kind == KindEvent {
		return it.Event
	}
	ev := Event{Markets: []Market{it.Market}}
	if parents, ok := it.Market["events"].([]any); ok && len(parents) > 0 {
		if p, ok := parents[0].(map[string]any); ok {
			ev.ID = stringValue(p["id"])
			ev.Title = stringValue(p["title"])
			ev.Tags = parseTags(p["tags"])
		}
	}
	if len(ev.Tags) == 0 {
		ev.Tags = parseTags(it.Market["tags"])
	}
	return ev
}

func isEntity(obj map[string]any) bool {
	_, hasID := obj["id"]
	_, hasQuestion := obj["question"]
	return hasID || hasQuestion
}

func classify(obj map[string]any) Item {
	if raw, ok := obj["markets"].([]any); ok {
		ev := Event{
			ID:    stringValue(obj["id"]),
			Title: stringValue(obj["title"]),
			Tags:  parseTags(obj["tags"]),
		}
		for _, m := range raw {
			if mm, ok := m.(map[string]any); ok {
				ev.Markets = append(ev.Markets, Market(mm))
			}
		}
		return Item{Kind: KindEvent, Event: ev}
	}
	return Item{Kind: KindMarket, Market: Market(obj)}
}

// GroupByEvent merges events sharing a non-empty id into one event holding all
// their markets, in first-seen order. Events without an id are kept as is.
func GroupByEvent(events []Event) []Event {
	out := make([]Event, 0, len(events))
	pos := make(map[string]int)
	for _, ev := range events {
		if ev.ID == "" {
			out = append(out, ev)
			continue
		}
		if i, ok := pos[ev.ID]; ok {
			out[i].Markets = append(out[i].Markets, ev.Markets...)
			if len(out[i].Tags) == 0 {
				out[i].Tags = ev.Tags
			}
			continue
		}
		pos[ev.ID] = len(out)
		ev.Markets = append([]Market(nil), ev.Markets...)
		out = append(out, ev)
	}
	return out
}

// ParseEnvelope decodes an upstream response body. Accepted shapes: a single
// market or event object, {"events": [...]}, {"markets": [...]}, and a bare
// array of events or markets. A root carrying its own id or question is an
// object, even when it embeds "events" or "markets".
func ParseEnvelope(body []byte) ([]Event, error) {
	var root any
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	var elems []any
	switch v := root.(type) {
	case []any:
		elems = v
	case map[string]any:
		if isEntity(v) {
			elems = []any{v}
		} else if arr, ok := v["events"].([]any); ok {
			elems = arr
		} else if arr, ok := v["markets"].([]any); ok {
			for _, m := range arr {
				if mm, ok := m.(map[string]any); ok {
					elems = append(elems, Item{Kind: KindMarket, Market: Market(mm)})
				}
			}
		} else {
			return nil, fmt.Errorf("unrecognized envelope with %d keys", len(v))
		}
	default:
		return nil, fmt.Errorf("unrecognized envelope type %T", root)
	}

	events := make([]Event, 0, len(elems))
	for _, e := range elems {
		switch v := e.(type) {
		case Item:
			events = append(events, v.AsEvent())
		case map[string]any:
			events = append(events, classify(v).AsEvent())
		}
	}
	return events, nil
}

// ID returns the upstream market identifier.
func (m Market) ID() string {
	return stringValue(m["id"])
}

// Question returns the market question text.
func (m Market) Question() string {
	return stringValue(m["question"])
}

// Closed reports whether upstream flags the market closed or resolved.
func (m Market) Closed() bool {
	return boolValue(m["closed"]) || boolValue(m["resolved"])
}

// ResolveField tries each candidate field in order and returns the first value
// accepted by valid; otherwise it returns fallback and false.
func ResolveField(names []string, m Market, fallback float64, valid func(float64) bool) (float64, bool) {
	for _, name := range names {
		var raw any
		if name == "outcomePrices" {
			raw = m.yesOutcomePrice()
		} else {
			raw = m[name]
		}
		if raw == nil {
			continue
		}
		if f, ok := floatValue(raw); ok && (valid == nil || valid(f)) {
			return f, true
		}
	}
	return fallback, false
}

// Probability returns the yes-probability, or fallback if no candidate yields a value in [0,1].
func (m Market) Probability(fallback float64) (float64, bool) {
	return ResolveField(ProbabilityFields, m, fallback, func(f float64) bool { return f >= 0 && f <= 1 })
}

// Volume returns the first volume field present, kept as formatted text when it is a string.
func (m Market) Volume() models.Volume {
	for _, name := range VolumeFields {
		switch v := m[name].(type) {
		case float64:
			return models.NumericVolume(v)
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return models.NumericVolume(f)
			}
		case string:
			if strings.TrimSpace(v) != "" {
				return models.TextVolume(v)
			}
		}
	}
	return models.Volume{}
}

// EndDate returns the end date as given upstream.
func (m Market) EndDate() string {
	for _, name := range EndDateFields {
		if s := stringValue(m[name]); s != "" {
			return s
		}
	}
	return ""
}

// yesOutcomePrice picks the "Yes" entry of outcomePrices, which upstream encodes
// either as an array or as a JSON array inside a string.
func (m Market) yesOutcomePrice() any {
	prices := jsonList(m["outcomePrices"])
	if len(prices) == 0 {
		return nil
	}
	idx := 0
	for i, o := range jsonList(m["outcomes"]) {
		if strings.EqualFold(stringValue(o), "yes") {
			idx = i
			break
		}
	}
	if idx >= len(prices) {
		return nil
	}
	return prices[idx]
}

func jsonList(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case string:
		var out []any
		if err := json.Unmarshal([]byte(t), &out); err == nil {
			return out
		}
	}
	return nil
}

func parseTags(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	tags := make([]string, 0, len(list))
	for _, t := range list {
		switch tt := t.(type) {
		case string:
			tags = append(tags, tt)
		case map[string]any:
			if s := stringValue(tt["label"]); s != "" {
				tags = append(tags, s)
			} else if s := stringValue(tt["slug"]); s != "" {
				tags = append(tags, s)
			}
		}
	}
	return tags
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func floatValue(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func boolValue(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	default:
		return false
	}
}
