package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"dana/pump/driver"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "pump.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := Migrate(db); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestLoadSnapshotMissing(t *testing.T) {
	db := openTestDB(t)

	_, err := db.LoadSnapshot(context.Background(), "PBB00012AB")
	if !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("LoadSnapshot() error = %v, want ErrNoSnapshot", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	state := driver.PumpState{
		Password:                1234,
		SerialNumber:            "AAB12345CD",
		ReservoirRemainingUnits: 187.5,
		BasalRates:              [24]float64{0.5, 0.55, 0.6},
		LastSettingsRead:        time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		LastHistoryFetched:      1772352000000,
	}
	if err := db.SaveSnapshot(ctx, "PBB00012AB", state, time.Now()); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	state.ReservoirRemainingUnits = 150
	if err := db.SaveSnapshot(ctx, "PBB00012AB", state, time.Now()); err != nil {
		t.Fatalf("SaveSnapshot() overwrite error = %v", err)
	}

	got, err := db.LoadSnapshot(ctx, "PBB00012AB")
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if got.ReservoirRemainingUnits != 150 {
		t.Errorf("ReservoirRemainingUnits = %v, want 150", got.ReservoirRemainingUnits)
	}
	if got.Password != 1234 || got.SerialNumber != "AAB12345CD" {
		t.Errorf("identity = (%d, %q), want (1234, AAB12345CD)", got.Password, got.SerialNumber)
	}
	if got.BasalRates[1] != 0.55 {
		t.Errorf("BasalRates[1] = %v, want 0.55", got.BasalRates[1])
	}
	if !got.LastSettingsRead.Equal(state.LastSettingsRead) {
		t.Errorf("LastSettingsRead = %v, want %v", got.LastSettingsRead, state.LastSettingsRead)
	}
	if got.LastHistoryFetched != state.LastHistoryFetched {
		t.Errorf("LastHistoryFetched = %d, want %d", got.LastHistoryFetched, state.LastHistoryFetched)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pump_snapshot`).Scan(&count); err != nil {
		t.Fatalf("count error = %v", err)
	}
	if count != 1 {
		t.Errorf("rows = %d, want 1", count)
	}
}

func TestPersistSavesOnNewStatus(t *testing.T) {
	db := openTestDB(t)
	pump := driver.NewPump()
	pump.SetWatermark(5000)

	events := make(chan driver.Event, 4)
	events <- driver.Event{Kind: driver.EventStatus, Time: time.Now()}
	events <- driver.Event{Kind: driver.EventNewStatus, Time: time.Now()}
	close(events)

	Persist(context.Background(), db, "PBB00012AB", pump, events)

	got, err := db.LoadSnapshot(context.Background(), "PBB00012AB")
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if got.LastHistoryFetched != 5000 {
		t.Errorf("LastHistoryFetched = %d, want 5000", got.LastHistoryFetched)
	}
}
