package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rewired-gh/polycal/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(Options{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testMarket(title, externalID string) *models.MarketRecord {
	return &models.MarketRecord{
		ExternalID:    externalID,
		Title:         title,
		Question:      title + "?",
		CatalystGroup: "Fed",
		ResolveDate:   "2026-12-31",
		Probability:   0.42,
		Volume:        models.NumericVolume(125000),
		Tags:          []string{"macro", "rates"},
		Extra:         map[string]any{"note": "seed"},
	}
}

func TestParseCredentials(t *testing.T) {
	tests := []struct {
		name    string
		blob    string
		want    Options
		wantErr bool
	}{
		{name: "valid", blob: `{"db_path":"/data/polycal.db","busy_timeout_ms":5000}`, want: Options{DBPath: "/data/polycal.db", BusyTimeoutMS: 5000}},
		{name: "empty", blob: "  ", wantErr: true},
		{name: "malformed", blob: `{"db_path":`, wantErr: true},
		{name: "missing path", blob: `{"busy_timeout_ms":10}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCredentials(tt.blob)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCredentials) {
					t.Fatalf("expected ErrInvalidCredentials, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCredentials: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestStorage_ImportAndGetMarket(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	m := testMarket("Fed cuts in December", "512")

	res := s.ImportMarkets(ctx, []*models.MarketRecord{m}, models.SourceBulkImport)
	if res.Imported != 1 || len(res.Failed) != 0 {
		t.Fatalf("ImportMarkets: %+v", res)
	}
	if m.LocalID != models.LocalID(m.Title, m.ResolveDate) {
		t.Errorf("local id not derived: %s", m.LocalID)
	}

	got, err := s.GetMarket(ctx, m.LocalID)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if got.ExternalID != "512" || got.Title != m.Title || got.Question != m.Question {
		t.Errorf("identity fields mismatch: %+v", got)
	}
	if got.Source != models.SourceBulkImport {
		t.Errorf("source = %q", got.Source)
	}
	if n, ok := got.Volume.Float(); !ok || n != 125000 {
		t.Errorf("volume = %+v", got.Volume)
	}
	if len(got.Tags) != 2 || got.Tags[1] != "rates" {
		t.Errorf("tags = %v", got.Tags)
	}
	if got.Extra["note"] != "seed" {
		t.Errorf("extra = %v", got.Extra)
	}
	if got.PreviousProbability != nil {
		t.Errorf("previous probability should start unset")
	}
}

func TestStorage_GetMarket_NotFound(t *testing.T) {
	s := newTestStorage(t)
	if _, err := s.GetMarket(context.Background(), "mkt_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStorage_Import_TextVolumeAndInvalidRecord(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	textVol := testMarket("Text volume", "")
	textVol.Volume = models.TextVolume("$1,200")
	bad := testMarket("", "")

	res := s.ImportMarkets(ctx, []*models.MarketRecord{textVol, bad}, models.SourceManual)
	if res.Imported != 1 || len(res.Failed) != 1 {
		t.Fatalf("expected one import and one failure, got %+v", res)
	}
	got, err := s.GetMarket(ctx, textVol.LocalID)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if got.Volume.Text != "$1,200" {
		t.Errorf("text volume lost: %+v", got.Volume)
	}
	if got.ExternalID != "" {
		t.Errorf("manual record gained an external id: %q", got.ExternalID)
	}
}

func TestStorage_Import_ExternalIDOwnership(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	first := testMarket("First", "900")
	s.ImportMarkets(ctx, []*models.MarketRecord{first}, models.SourceBulkImport)

	thief := testMarket("Second", "900")
	res := s.ImportMarkets(ctx, []*models.MarketRecord{thief}, models.SourceBulkImport)
	if err := res.Failed[thief.LocalID]; !errors.Is(err, ErrExternalIDTaken) {
		t.Fatalf("expected ErrExternalIDTaken, got %v", err)
	}

	// Re-importing the owner without an id keeps the observed one.
	again := testMarket("First", "")
	again.Probability = 0.6
	res = s.ImportMarkets(ctx, []*models.MarketRecord{again}, models.SourceBulkImport)
	if len(res.Failed) != 0 {
		t.Fatalf("re-import failed: %v", res.Failed)
	}
	got, _ := s.GetMarket(ctx, first.LocalID)
	if got.ExternalID != "900" {
		t.Errorf("external id reassigned: %q", got.ExternalID)
	}
	if got.Probability != 0.6 {
		t.Errorf("probability not refreshed: %v", got.Probability)
	}
}

func TestStorage_Import_LocalIDIsDerived(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	supplied := testMarket("Derived", "")
	supplied.LocalID = models.LocalID(supplied.Title, supplied.ResolveDate)
	forged := testMarket("Derived", "")
	forged.LocalID = "mkt_custom"

	res := s.ImportMarkets(ctx, []*models.MarketRecord{supplied, forged}, models.SourceBulkImport)
	if res.Imported != 1 {
		t.Fatalf("expected one import, got %+v", res)
	}
	if err := res.Failed["mkt_custom"]; !errors.Is(err, ErrLocalIDMismatch) {
		t.Fatalf("expected ErrLocalIDMismatch, got %v", err)
	}

	all, err := s.ListMarkets(ctx)
	if err != nil {
		t.Fatalf("ListMarkets: %v", err)
	}
	if len(all) != 1 || all[0].LocalID != supplied.LocalID {
		t.Errorf("expected a single record under the derived id, got %d", len(all))
	}
}

func TestStorage_ApplyPriceUpdates(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	m := testMarket("Priced", "1")
	s.ImportMarkets(ctx, []*models.MarketRecord{m}, models.SourceBulkImport)

	prev := 0.42
	at := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	res := s.ApplyPriceUpdates(ctx, []PriceUpdate{
		{LocalID: m.LocalID, Probability: 0.5, PreviousProbability: &prev, ChangeDelta: 0.08, LastUpdated: at},
		{LocalID: "mkt_missing", Probability: 0.1, LastUpdated: at},
	})
	if res.Applied != 1 {
		t.Errorf("applied = %d, want 1", res.Applied)
	}
	if !errors.Is(res.Failed["mkt_missing"], ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing record, got %v", res.Failed["mkt_missing"])
	}

	got, _ := s.GetMarket(ctx, m.LocalID)
	if got.Probability != 0.5 || got.PreviousProbability == nil || *got.PreviousProbability != 0.42 {
		t.Errorf("price fields not written: %+v", got)
	}
	if got.ChangeDelta != 0.08 || !got.LastUpdated.Equal(at) {
		t.Errorf("delta/timestamp not written: %v %v", got.ChangeDelta, got.LastUpdated)
	}
	if got.Title != m.Title || got.CatalystGroup != m.CatalystGroup || got.ExternalID != "1" {
		t.Errorf("price update touched identity fields: %+v", got)
	}
}

func TestStorage_WritesAreChunked(t *testing.T) {
	s := newTestStorage(t)
	s.batchLimit = 3
	ctx := context.Background()

	var records []*models.MarketRecord
	for i := 0; i < 7; i++ {
		records = append(records, testMarket(fmt.Sprintf("Market %d", i), fmt.Sprintf("%d", i)))
	}
	res := s.ImportMarkets(ctx, records, models.SourceBulkImport)
	if res.Imported != 7 || res.Batches != 3 {
		t.Fatalf("import: %+v", res)
	}

	var updates []PriceUpdate
	for _, r := range records {
		updates = append(updates, PriceUpdate{LocalID: r.LocalID, Probability: 0.9, LastUpdated: time.Now()})
	}
	applied := s.ApplyPriceUpdates(ctx, updates)
	if applied.Applied != 7 || applied.Batches != 3 {
		t.Errorf("apply: %+v", applied)
	}

	all, err := s.ListMarkets(ctx)
	if err != nil {
		t.Fatalf("ListMarkets: %v", err)
	}
	if len(all) != 7 {
		t.Fatalf("got %d markets, want 7", len(all))
	}
	for _, m := range all {
		if m.Probability != 0.9 {
			t.Errorf("%s probability = %v", m.LocalID, m.Probability)
		}
	}
}

func TestStorage_ShockAlerts(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		alert := &models.ShockAlert{
			ID:          models.NewShockAlertID(at),
			ShockCount:  1,
			WindowStart: at.Add(-time.Minute),
			WindowEnd:   at,
			Shocks:      []models.ShockEvent{{MarketID: "mkt_a", PreviousProbability: 0.3, NewProbability: 0.4, Delta: 0.1, Timestamp: at}},
			CreatedAt:   at,
		}
		if err := s.AddShockAlert(ctx, alert); err != nil {
			t.Fatalf("AddShockAlert: %v", err)
		}
	}

	alerts, err := s.ListShockAlerts(ctx, 2)
	if err != nil {
		t.Fatalf("ListShockAlerts: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("got %d alerts, want 2", len(alerts))
	}
	if !alerts[0].CreatedAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("alerts not newest first: %v", alerts[0].CreatedAt)
	}
	if len(alerts[0].Shocks) != 1 || alerts[0].Shocks[0].MarketID != "mkt_a" {
		t.Errorf("shocks not round-tripped: %+v", alerts[0].Shocks)
	}

	invalid := &models.ShockAlert{ID: "", ShockCount: 0}
	if err := s.AddShockAlert(ctx, invalid); err == nil {
		t.Error("expected error for invalid alert")
	}
}

func TestStorage_DefaultPath(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)
	s, err := Open(Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmp, "polycal", "data.db")); err != nil {
		t.Errorf("expected database at default path: %v", err)
	}
}
