package tracker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/genroute/pkg/models"
)

func newTestTracker(t *testing.T) *SQLiteTracker {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	tr, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func dispatch(account string, served models.Capability, credits int64, at time.Time) models.DispatchRecord {
	return models.DispatchRecord{
		RequestID:      "req-" + account,
		IdempotencyKey: "key-" + account,
		AccountID:      account,
		Provider:       "runway",
		Platform:       models.PlatformTikTok,
		Requested:      models.CapabilityPremium,
		Served:         served,
		Credits:        credits,
		Attempts:       1,
		Downgraded:     served != models.CapabilityPremium,
		CreatedAt:      at,
	}
}

func TestRecordAndQuery(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := tr.Record(ctx, dispatch("a", models.CapabilityPremium, 100, now)); err != nil {
		t.Fatal(err)
	}

	records, err := tr.QueryByAccount(ctx, "a", now.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	r := records[0]
	if r.Credits != 100 || r.Platform != models.PlatformTikTok || r.Served != models.CapabilityPremium || r.Downgraded {
		t.Errorf("unexpected record %+v", r)
	}
}

func TestTotalByAccount(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for range 3 {
		if err := tr.Record(ctx, dispatch("a", models.CapabilityPremium, 100, now)); err != nil {
			t.Fatal(err)
		}
	}
	_ = tr.Record(ctx, dispatch("a", models.CapabilityPremium, 999, now.Add(-48*time.Hour)))
	_ = tr.Record(ctx, dispatch("b", models.CapabilityPremium, 50, now))

	total, err := tr.TotalByAccount(ctx, "a", now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if total != 300 {
		t.Errorf("expected 300, got %d", total)
	}
}

func TestSummaryAndDaily(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = tr.Record(ctx, dispatch("a", models.CapabilityPremium, 100, now))
	_ = tr.Record(ctx, dispatch("a", models.CapabilityVolume, 0, now))
	_ = tr.Record(ctx, dispatch("a", models.CapabilityVolume, 0, now))
	_ = tr.Record(ctx, dispatch("b", models.CapabilityPremium, 100, now))

	all, err := tr.Summary(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 groups, got %d: %+v", len(all), all)
	}

	only, err := tr.Summary(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(only) != 2 || only[1].Capability != models.CapabilityVolume || only[1].RequestCount != 2 || only[1].Downgraded != 2 {
		t.Errorf("unexpected summary for a: %+v", only)
	}

	daily, err := tr.Daily(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(daily) != 2 {
		t.Fatalf("expected premium and volume for today, got %+v", daily)
	}
	if daily[0].Day != now.Format("2006-01-02") || daily[0].Capability != models.CapabilityPremium || daily[0].Credits != 200 {
		t.Errorf("unexpected daily row %+v", daily[0])
	}
}

func TestAccountsRoundTrip(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	spec := models.AccountSpec{
		ID:           "pika-2",
		Provider:     "pika",
		Type:         "http",
		BaseURL:      "https://pika.example",
		APIKey:       "sk-secret",
		Capabilities: []models.Capability{models.CapabilityStandard},
		Budget:       models.Int64(4000),
		Priority:     2,
	}
	if err := tr.SaveAccount(ctx, spec); err != nil {
		t.Fatal(err)
	}
	spec.Priority = 1
	if err := tr.SaveAccount(ctx, spec); err != nil {
		t.Fatal(err)
	}

	loaded, err := tr.LoadAccounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 account, got %d", len(loaded))
	}
	got := loaded[0]
	if got.Priority != 1 || got.APIKey != "sk-secret" || got.Budget == nil || *got.Budget != 4000 {
		t.Errorf("unexpected account %+v", got)
	}

	if err := tr.DeleteAccount(ctx, "pika-2"); err != nil {
		t.Fatal(err)
	}
	if loaded, _ := tr.LoadAccounts(ctx); len(loaded) != 0 {
		t.Errorf("expected no accounts after delete, got %d", len(loaded))
	}
}

func TestSnapshotsRoundTrip(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	refreshed := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	snaps := []models.BudgetSnapshot{
		{AccountID: "a", Remaining: models.Int64(420), ConsumedToday: 80, Day: "2026-03-10", LastRefreshed: refreshed},
		{AccountID: "u", ConsumedToday: 12, Day: "2026-03-10", Stale: true},
	}
	if err := tr.SaveSnapshots(ctx, snaps); err != nil {
		t.Fatal(err)
	}
	snaps[0].Remaining = models.Int64(300)
	if err := tr.SaveSnapshots(ctx, snaps[:1]); err != nil {
		t.Fatal(err)
	}

	loaded, err := tr.LoadSnapshots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(loaded))
	}
	if loaded[0].Remaining == nil || *loaded[0].Remaining != 300 || !loaded[0].LastRefreshed.Equal(refreshed) {
		t.Errorf("unexpected snapshot a: %+v", loaded[0])
	}
	if loaded[1].Remaining != nil || !loaded[1].Stale || !loaded[1].LastRefreshed.IsZero() {
		t.Errorf("unexpected snapshot u: %+v", loaded[1])
	}
}

func TestMigrationAddsPlatform(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "old.db")
	tr, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	tr.Close()

	// reopening an existing database must be a no-op
	tr, err = New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	if !columnExists(tr.db, "dispatch_records", "platform") {
		t.Error("expected platform column")
	}
}
