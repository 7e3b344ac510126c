package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestMarketRecordValidate(t *testing.T) {
	prev := 1.2
	tests := []struct {
		name    string
		record  MarketRecord
		wantErr bool
	}{
		{
			name: "valid record",
			record: MarketRecord{
				LocalID:     LocalID("Will X happen?", "2026-11-03"),
				Title:       "Will X happen?",
				ResolveDate: "2026-11-03",
				Probability: 0.42,
			},
			wantErr: false,
		},
		{
			name:    "empty local ID",
			record:  MarketRecord{Title: "Will X happen?", ResolveDate: "2026-11-03", Probability: 0.4},
			wantErr: true,
		},
		{
			name:    "empty title",
			record:  MarketRecord{LocalID: "mkt_1", ResolveDate: "2026-11-03", Probability: 0.4},
			wantErr: true,
		},
		{
			name:    "missing resolve date",
			record:  MarketRecord{LocalID: "mkt_1", Title: "t", Probability: 0.4},
			wantErr: true,
		},
		{
			name:    "probability above one",
			record:  MarketRecord{LocalID: "mkt_1", Title: "t", ResolveDate: "2026-11-03", Probability: 1.5},
			wantErr: true,
		},
		{
			name:    "previous probability out of range",
			record:  MarketRecord{LocalID: "mkt_1", Title: "t", ResolveDate: "2026-11-03", Probability: 0.5, PreviousProbability: &prev},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.record.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("MarketRecord.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLocalID_Deterministic(t *testing.T) {
	a := LocalID("Fed cuts rates in December?", "2026-12-17")
	b := LocalID("Fed cuts rates in December?", "2026-12-17")
	if a != b {
		t.Fatalf("same input produced %s and %s", a, b)
	}
	if !strings.HasPrefix(a, "mkt_") {
		t.Errorf("local ID %q missing prefix", a)
	}
	if c := LocalID("  fed  CUTS rates in december? ", "2026-12-17T20:00:00Z"); c != a {
		t.Errorf("normalized title and date part should match: got %s, want %s", c, a)
	}
	if d := LocalID("Fed cuts rates in December?", "2026-12-18"); d == a {
		t.Error("different resolve date should yield a different local ID")
	}
}

func TestResolvesBefore(t *testing.T) {
	now := time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)
	tests := []struct {
		date string
		want bool
	}{
		{"2026-10-13", true},
		{"2026-10-14", false},
		{"2026-10-15", false},
		{"2026-10-14T09:00:00Z", true},
		{"2026-10-14T10:00:00Z", false},
		{"not a date", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.date, func(t *testing.T) {
			m := MarketRecord{ResolveDate: tt.date}
			if got := m.ResolvesBefore(now); got != tt.want {
				t.Errorf("ResolvesBefore(%q) = %v, want %v", tt.date, got, tt.want)
			}
		})
	}
}

func TestJoinTags(t *testing.T) {
	if got := JoinTags([]string{"US Politics", "Fed", "  rates  hike "}); got != "us_politics|fed|rates_hike" {
		t.Errorf("JoinTags = %q", got)
	}
	if got := JoinTags(nil); got != "" {
		t.Errorf("JoinTags(nil) = %q, want empty", got)
	}
	if got := SplitTags(""); len(got) != 0 {
		t.Errorf("SplitTags(\"\") = %v, want empty", got)
	}
}

func TestParseVolume(t *testing.T) {
	tests := []struct {
		in     string
		want   float64
		wantOK bool
	}{
		{"20000", 20000, true},
		{"$1,250,000", 1250000, true},
		{"€ 20 000.50", 20000.5, true},
		{"1_000", 1000, true},
		{"about a lot", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseVolume(tt.in)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ParseVolume(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestVolumeJSON(t *testing.T) {
	var rec struct {
		A Volume `json:"a"`
		B Volume `json:"b"`
		C Volume `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a": 1500.5, "b": "$2,000", "c": null}`), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n, ok := rec.A.Float(); !ok || n != 1500.5 {
		t.Errorf("numeric volume = %v, %v", n, ok)
	}
	if n, ok := rec.B.Float(); !ok || n != 2000 || rec.B.Text != "$2,000" {
		t.Errorf("text volume = %v, %v (%q)", n, ok, rec.B.Text)
	}
	if rec.C.Valid {
		t.Error("null volume should be invalid")
	}
	out, err := json.Marshal(rec.B)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `"$2,000"` {
		t.Errorf("text volume should round-trip as its original string, got %s", out)
	}
}

func TestNewShockAlertID(t *testing.T) {
	at := time.UnixMilli(1760000000123)
	id := NewShockAlertID(at)
	if !strings.HasPrefix(id, "shock_1760000000123_") {
		t.Errorf("alert ID %q should embed the timestamp", id)
	}
	if id == NewShockAlertID(at) {
		t.Error("alert IDs at the same instant should differ")
	}
}
