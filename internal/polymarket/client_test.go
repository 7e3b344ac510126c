package polymarket

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope_Shapes(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantEvents  int
		wantMarkets int
		wantTitle   string
	}{
		{
			name:        "events envelope",
			body:        `{"events":[{"id":"e1","title":"Fed decision","markets":[{"id":"1"},{"id":"2"}]}]}`,
			wantEvents:  1,
			wantMarkets: 2,
			wantTitle:   "Fed decision",
		},
		{
			name:        "markets envelope",
			body:        `{"markets":[{"id":"1","question":"A?"},{"id":"2","question":"B?"}]}`,
			wantEvents:  2,
			wantMarkets: 1,
		},
		{
			name:        "bare array of events",
			body:        `[{"id":"e1","title":"CPI print","markets":[{"id":"7"}]}]`,
			wantEvents:  1,
			wantMarkets: 1,
			wantTitle:   "CPI print",
		},
		{
			name:        "bare array of markets with parent event",
			body:        `[{"id":"7","question":"CPI above 3%?","events":[{"id":"e9","title":"CPI print"}]}]`,
			wantEvents:  1,
			wantMarkets: 1,
			wantTitle:   "CPI print",
		},
		{
			name:        "single market object",
			body:        `{"id":"42","question":"Q?"}`,
			wantEvents:  1,
			wantMarkets: 1,
		},
		{
			name:        "single market object with parent events",
			body:        `{"id":"7","question":"CPI above 3%?","events":[{"id":"e9","title":"CPI print"}]}`,
			wantEvents:  1,
			wantMarkets: 1,
			wantTitle:   "CPI print",
		},
		{
			name:        "single event object",
			body:        `{"id":"e1","title":"Fed decision","markets":[{"id":"1"},{"id":"2"}]}`,
			wantEvents:  1,
			wantMarkets: 2,
			wantTitle:   "Fed decision",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := ParseEnvelope([]byte(tt.body))
			require.NoError(t, err)
			require.Len(t, events, tt.wantEvents)
			assert.Len(t, events[0].Markets, tt.wantMarkets)
			assert.Equal(t, tt.wantTitle, events[0].Title)
		})
	}
}

func TestGroupByEvent(t *testing.T) {
	events := GroupByEvent([]Event{
		{ID: "e1", Title: "Fed decision", Markets: []Market{{"id": "1"}}},
		{Title: "Orphan", Markets: []Market{{"id": "2"}}},
		{ID: "e1", Title: "Fed decision", Tags: []string{"rates"}, Markets: []Market{{"id": "3"}}},
		{Title: "Orphan", Markets: []Market{{"id": "4"}}},
	})

	require.Len(t, events, 3)
	assert.Equal(t, "e1", events[0].ID)
	require.Len(t, events[0].Markets, 2)
	assert.Equal(t, "1", events[0].Markets[0].ID())
	assert.Equal(t, "3", events[0].Markets[1].ID())
	assert.Equal(t, []string{"rates"}, events[0].Tags)
	assert.Len(t, events[1].Markets, 1)
	assert.Len(t, events[2].Markets, 1)
}

func TestParseEnvelope_Malformed(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"data":"nope"}`))
	assert.Error(t, err)
	_, err = ParseEnvelope([]byte(`not json`))
	assert.Error(t, err)
	_, err = ParseEnvelope([]byte(`"a string"`))
	assert.Error(t, err)
}

func TestMarket_Probability(t *testing.T) {
	tests := []struct {
		name   string
		market Market
		want   float64
		wantOK bool
	}{
		{"explicit probability", Market{"probability": 0.61}, 0.61, true},
		{"string outcome prices", Market{"outcomes": `["Yes","No"]`, "outcomePrices": `["0.73","0.27"]`}, 0.73, true},
		{"yes second", Market{"outcomes": []any{"No", "Yes"}, "outcomePrices": []any{"0.2", "0.8"}}, 0.8, true},
		{"falls through invalid to lastTradePrice", Market{"probability": 7.0, "lastTradePrice": "0.33"}, 0.33, true},
		{"nothing usable", Market{"price": "abc"}, 0.5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.market.Probability(0.5)
			assert.Equal(t, tt.wantOK, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestMarket_Fields(t *testing.T) {
	m := Market{
		"id":         float64(512),
		"question":   " Will it rain? ",
		"volume":     "$25,000",
		"endDateIso": "2026-11-01",
		"resolved":   "true",
	}
	assert.Equal(t, "512", m.ID())
	assert.Equal(t, "Will it rain?", m.Question())
	assert.True(t, m.Closed())
	assert.Equal(t, "2026-11-01", m.EndDate())
	v := m.Volume()
	n, ok := v.Float()
	assert.True(t, ok)
	assert.Equal(t, 25000.0, n)
	assert.Equal(t, "$25,000", v.Text)

	num := Market{"volumeNum": 30000.0, "volume": "30000"}
	assert.Empty(t, num.Volume().Text)
}

func TestParseTags(t *testing.T) {
	tags := parseTags([]any{"Politics", map[string]any{"label": "US Election"}, map[string]any{"slug": "fed"}, 3.0})
	assert.Equal(t, []string{"Politics", "US Election", "fed"}, tags)
}

func newTestClient(url string) *Client {
	return NewClient(url, 5*time.Second, ClientConfig{
		MaxRetries:     2,
		RetryDelayBase: time.Millisecond,
		BatchSize:      3,
		BatchPause:     time.Millisecond,
	})
}

func TestClient_FetchMarket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/markets/1":
			fmt.Fprint(w, `{"id":"1","question":"Q1?","probability":0.4}`)
		case "/markets/7":
			fmt.Fprint(w, `{"id":"7","question":"CPI above 3%?","volumeNum":50000,`+
				`"outcomePrices":"[\"0.4\",\"0.6\"]","outcomes":"[\"Yes\",\"No\"]",`+
				`"events":[{"id":"e9","title":"CPI print"}]}`)
		case "/markets/garbled":
			fmt.Fprint(w, `{"data":1}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)

	ev, err := c.FetchMarket(context.Background(), "1")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "1", ev.Markets[0].ID())

	ev, err = c.FetchMarket(context.Background(), "7")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "e9", ev.ID)
	assert.Equal(t, "CPI print", ev.Title)
	require.Len(t, ev.Markets, 1)
	assert.Equal(t, "7", ev.Markets[0].ID())
	p, ok := ev.Markets[0].Probability(-1)
	assert.True(t, ok)
	assert.InDelta(t, 0.4, p, 1e-9)

	ev, err = c.FetchMarket(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = c.FetchMarket(context.Background(), "garbled")
	assert.NoError(t, err)
	assert.Nil(t, ev)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `[{"id":"e1","title":"T","markets":[{"id":"1"}]}]`)
	}))
	defer srv.Close()

	events, err := newTestClient(srv.URL).ListEvents(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_ListEvents_NonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	events, err := newTestClient(srv.URL).ListEvents(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, events)
}

func TestClient_FetchMarkets_Batches(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		id := strings.TrimPrefix(r.URL.Path, "/markets/")
		if id == "404" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"id":%q,"question":"Q %s?"}`, id, id)
	}))
	defer srv.Close()

	ids := []string{"1", "2", "3", "404", "5", "6", "7"}
	events, err := newTestClient(srv.URL).FetchMarkets(context.Background(), ids)
	require.NoError(t, err)
	assert.Len(t, events, 6)
	assert.LessOrEqual(t, maxInFlight.Load(), int32(3))
}
