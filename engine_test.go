package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/healthguide/core/internal/config"
	apperrors "github.com/healthguide/core/internal/errors"
	"github.com/healthguide/core/internal/events"
	"github.com/healthguide/core/internal/models"
	"github.com/healthguide/core/internal/store"
	"github.com/healthguide/core/internal/syncer"
)

// stubRemote answers every submission from a fixed response.
type stubRemote struct {
	mu    sync.Mutex
	calls []models.Action
	fail  bool
}

func (r *stubRemote) Submit(ctx context.Context, action models.Action, data json.RawMessage) (syncer.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, action)
	r.mu.Unlock()
	if r.fail {
		return syncer.Result{}, errors.New("remote unavailable")
	}
	return syncer.Result{Success: true}, nil
}

func (r *stubRemote) callOrder() []models.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Action(nil), r.calls...)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.DataDir = t.TempDir()
	cfg.Sync.BatchSize = 1
	cfg.Network.StabilizationDelay = time.Millisecond
	return cfg
}

func openTestEngine(t *testing.T, remote syncer.Remote, opts ...Option) *Engine {
	t.Helper()
	e, err := Open(testConfig(t), remote, opts...)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	if e.Degraded() {
		t.Fatal("engine unexpectedly degraded")
	}
	return e
}

func TestOfflineWriteThenReconnect(t *testing.T) {
	remote := &stubRemote{}
	e := openTestEngine(t, remote)
	ctx := context.Background()

	e.SetOnline(ctx, false)
	if e.IsOnline() {
		t.Fatal("engine still online")
	}

	rec, err := e.SaveVital(ctx, "user-1", models.VitalPayload{
		VitalType:  models.VitalHeartRate,
		Value:      "72",
		Unit:       "bpm",
		RecordedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("SaveVital failed: %v", err)
	}
	if !rec.Offline {
		t.Error("record written offline not flagged")
	}

	// the write is durable and queued, not transmitted
	if len(remote.callOrder()) != 0 {
		t.Error("offline write reached the remote")
	}
	n, err := e.PendingCount(ctx)
	if err != nil || n != 1 {
		t.Fatalf("PendingCount = %d, %v", n, err)
	}
	status, err := e.RecordSyncStatus(ctx, models.CollectionVitals, rec.ID)
	if err != nil || status != models.SyncStatusPending {
		t.Fatalf("status = %s, %v", status, err)
	}

	// reconnection drains the queue through the monitor's trigger
	e.SetOnline(ctx, true)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := e.PendingCount(ctx); n == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n, _ := e.PendingCount(ctx); n != 0 {
		t.Fatalf("queue not drained after reconnection: %d pending", n)
	}

	status, _ = e.RecordSyncStatus(ctx, models.CollectionVitals, rec.ID)
	if status != models.SyncStatusSynced {
		t.Errorf("status after drain = %s", status)
	}
	if last, _ := e.LastSyncAt(ctx); last.IsZero() {
		t.Error("last sync time not recorded")
	}
}

func TestEmergencyAlertDrainsFirst(t *testing.T) {
	remote := &stubRemote{}
	e := openTestEngine(t, remote)
	ctx := context.Background()

	e.SetOnline(ctx, false)
	if _, err := e.SaveVital(ctx, "user-1", models.VitalPayload{VitalType: models.VitalGlucose, Value: "95"}); err != nil {
		t.Fatalf("SaveVital failed: %v", err)
	}
	if _, err := e.SendEmergencyAlert(ctx, "user-1", models.AlertPayload{Message: "need help"}); err != nil {
		t.Fatalf("SendEmergencyAlert failed: %v", err)
	}

	if _, err := e.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}

	order := remote.callOrder()
	if len(order) != 2 || order[0] != models.ActionEmergencyAlert {
		t.Errorf("alert did not drain first: %v", order)
	}
}

func TestSaveAndListRecords(t *testing.T) {
	e := openTestEngine(t, &stubRemote{})
	ctx := context.Background()

	if _, err := e.SavePrescription(ctx, "user-1", models.PrescriptionPayload{
		DoctorName: "Dr. Rao",
		Medications: []models.Medication{
			{Name: "metformin", Dosage: "500mg", Frequency: "twice daily"},
		},
	}); err != nil {
		t.Fatalf("SavePrescription failed: %v", err)
	}
	if _, err := e.SaveEmergencyContact(ctx, "user-1", models.ContactPayload{
		Name: "Asha", PhoneNumber: "555-0100", Relationship: "sister",
	}); err != nil {
		t.Fatalf("SaveEmergencyContact failed: %v", err)
	}
	if _, err := e.SaveReport(ctx, "user-2", models.ReportPayload{
		ReportType: models.ReportComprehensive, Title: "Quarterly",
	}); err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}

	recs, err := e.Records(ctx, models.CollectionPrescriptions, Filter{OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 prescription, got %d", len(recs))
	}
	var rx models.PrescriptionPayload
	if err := json.Unmarshal(recs[0].Payload, &rx); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if rx.DoctorName != "Dr. Rao" || len(rx.Medications) != 1 {
		t.Errorf("payload round trip: %+v", rx)
	}

	if recs, _ := e.Records(ctx, models.CollectionReports, Filter{OwnerID: "user-1"}); len(recs) != 0 {
		t.Error("owner filter leaked another user's report")
	}
}

func TestDeleteRecordPropagates(t *testing.T) {
	remote := &stubRemote{}
	e := openTestEngine(t, remote)
	ctx := context.Background()

	rec, err := e.SaveVital(ctx, "user-1", models.VitalPayload{VitalType: models.VitalWeight, Value: "70", Unit: "kg"})
	if err != nil {
		t.Fatalf("SaveVital failed: %v", err)
	}
	if _, err := e.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}

	if err := e.DeleteRecord(ctx, models.CollectionVitals, rec.ID); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}
	if recs, _ := e.Records(ctx, models.CollectionVitals, Filter{}); len(recs) != 0 {
		t.Error("record still present locally")
	}

	if _, err := e.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	order := remote.callOrder()
	if len(order) != 2 || order[1] != models.ActionDeleteRecord {
		t.Errorf("deletion not transmitted: %v", order)
	}
}

func TestFailedItemsSurface(t *testing.T) {
	remote := &stubRemote{fail: true}
	e := openTestEngine(t, remote)
	ctx := context.Background()

	rec, err := e.SaveVital(ctx, "user-1", models.VitalPayload{VitalType: models.VitalGlucose, Value: "95"})
	if err != nil {
		t.Fatalf("SaveVital failed: %v", err)
	}

	evch, cancel := e.Subscribe()
	defer cancel()

	for i := 0; i < models.MaxRetries; i++ {
		if _, err := e.SyncNow(ctx); err != nil {
			t.Fatalf("SyncNow %d failed: %v", i, err)
		}
	}

	failed, err := e.FailedItems(ctx)
	if err != nil {
		t.Fatalf("FailedItems failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed item, got %d", len(failed))
	}

	status, _ := e.RecordSyncStatus(ctx, models.CollectionVitals, rec.ID)
	if status != models.SyncStatusFailed {
		t.Errorf("status = %s, want failed", status)
	}

	var sawItemsFailed bool
	for {
		select {
		case ev := <-evch:
			if _, ok := ev.(events.ItemsFailed); ok {
				sawItemsFailed = true
			}
			continue
		default:
		}
		break
	}
	if !sawItemsFailed {
		t.Error("ItemsFailed never published")
	}
}

func TestCacheThroughEngine(t *testing.T) {
	e := openTestEngine(t, &stubRemote{})
	ctx := context.Background()

	if err := e.CacheSet(ctx, "dashboard", json.RawMessage(`{"cards":3}`), time.Hour); err != nil {
		t.Fatalf("CacheSet failed: %v", err)
	}
	data, ok := e.CacheGet(ctx, "dashboard")
	if !ok || string(data) != `{"cards":3}` {
		t.Errorf("CacheGet = %s ok=%v", data, ok)
	}
	if _, ok := e.CacheGet(ctx, "absent"); ok {
		t.Error("expected miss")
	}
}

func TestDegradedMode(t *testing.T) {
	// a data directory path that is an existing file cannot be created
	blocker := filepath.Join(t.TempDir(), "occupied")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	cfg := config.Default()
	cfg.Store.DataDir = filepath.Join(blocker, "data")

	e, err := Open(cfg, &stubRemote{})
	if err != nil {
		t.Fatalf("Open must not fail on unavailable storage: %v", err)
	}
	defer e.Close()
	if !e.Degraded() {
		t.Fatal("engine not degraded")
	}

	ctx := context.Background()
	// the UI-facing surface stays callable
	rec, err := e.SaveVital(ctx, "user-1", models.VitalPayload{VitalType: models.VitalHeartRate, Value: "72"})
	if err != nil || rec == nil {
		t.Errorf("degraded SaveVital: %v %v", rec, err)
	}
	if recs, err := e.Records(ctx, models.CollectionVitals, Filter{}); err != nil || len(recs) != 0 {
		t.Errorf("degraded Records: %v %v", recs, err)
	}
	if _, ok := e.CacheGet(ctx, "anything"); ok {
		t.Error("degraded cache returned a hit")
	}
	if e.IsOnline() {
		t.Error("degraded engine reports online")
	}
	if res, err := e.SyncNow(ctx); res != nil || err != nil {
		t.Errorf("degraded SyncNow: %v %v", res, err)
	}
}

func TestSchemaDowngradeFailsOpen(t *testing.T) {
	cfg := testConfig(t)

	e, err := Open(cfg, &stubRemote{})
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	e.Close()

	db, err := sql.Open("sqlite", filepath.Join(cfg.Store.DataDir, store.DBFileName))
	if err != nil {
		t.Fatalf("open raw database: %v", err)
	}
	if _, err := db.Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	db.Close()

	if _, err := Open(cfg, &stubRemote{}); !apperrors.Is(err, apperrors.ErrSchema) {
		t.Errorf("expected SCHEMA_ERROR, got %v", err)
	}
}

func TestOpenRejectsUnknownStrategy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.Strategy = "newest_wins"

	if _, err := Open(cfg, &stubRemote{}); err == nil {
		t.Error("unknown strategy accepted")
	}
}
