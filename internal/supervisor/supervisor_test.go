package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/heatpilot/heatpilot/internal/metrics"
	"github.com/heatpilot/heatpilot/internal/worker"
	"github.com/heatpilot/heatpilot/pkg/config"
)

const houseRecord = `{
  "schema_version": 2,
  "entity_id": "villa-eriksson",
  "friendly_name": "Villa Eriksson",
  "location": {"latitude": 59.33, "longitude": 18.07},
  "connection": {"system": "portal", "base_url": "https://portal.example.com"},
  "poll_interval_minutes": 15,
  "signal_map": {
    "supply_temp": {"signal_id": "sig-101", "field_name": "supply_temp", "fetch": true}
  }
}`

const buildingRecord = `{
  "schema_version": 2,
  "building_id": "brf-tallen",
  "friendly_name": "BRF Tallen",
  "location": {"latitude": 57.7, "longitude": 11.97},
  "connection": {"system": "ebo", "host": "ebo.tallen.se", "domain": "bms"},
  "signal_map": {
    "supply_temp": {"signal_id": "/Servers/1/Supply", "field_name": "supply_temp", "fetch": true}
  }
}`

const brokenRecord = `{"entity_id": "broken", "connection": {`

func newTestSupervisor(t *testing.T) (*Supervisor, string, string) {
	t.Helper()
	t.Setenv("BMS_USERNAME", "svc")
	t.Setenv("BMS_PASSWORD", "secret")

	profiles := t.TempDir()
	buildings := t.TempDir()
	provider := config.NewProvider(profiles, buildings)
	s := New(provider, profiles, buildings, worker.Services{Provider: provider}, nil, 0, zap.NewNop().Sugar())
	t.Cleanup(s.stopAll)
	return s, profiles, buildings
}

func writeRecord(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing record: %v", err)
	}
	return path
}

func TestReconcileSpawnsAndStopsWorkers(t *testing.T) {
	s, profiles, buildings := newTestSupervisor(t)
	writeRecord(t, profiles, "villa-eriksson.json", houseRecord)
	path := writeRecord(t, buildings, "brf-tallen.json", buildingRecord)

	s.reconcile(context.Background())
	statuses := s.WorkerStatuses()
	if len(statuses) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(statuses))
	}
	if statuses[0].EntityID != "brf-tallen" || statuses[1].EntityID != "villa-eriksson" {
		t.Errorf("unexpected worker set: %+v", statuses)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	s.reconcile(context.Background())
	statuses = s.WorkerStatuses()
	if len(statuses) != 1 || statuses[0].EntityID != "villa-eriksson" {
		t.Errorf("expected only the house worker after removal, got %+v", statuses)
	}
}

func TestBrokenRecordDoesNotAffectOthers(t *testing.T) {
	s, profiles, _ := newTestSupervisor(t)
	writeRecord(t, profiles, "villa-eriksson.json", houseRecord)
	writeRecord(t, profiles, "broken.json", brokenRecord)

	s.reconcile(context.Background())
	statuses := s.WorkerStatuses()
	if len(statuses) != 1 || statuses[0].EntityID != "villa-eriksson" {
		t.Errorf("a broken record must not block the healthy one, got %+v", statuses)
	}
}

func TestMissingCredentialsSkipsEntityOnly(t *testing.T) {
	s, profiles, _ := newTestSupervisor(t)
	os.Unsetenv("BMS_USERNAME")
	os.Unsetenv("BMS_PASSWORD")
	writeRecord(t, profiles, "villa-eriksson.json", houseRecord)

	s.reconcile(context.Background())
	if got := s.WorkerStatuses(); len(got) != 0 {
		t.Errorf("expected no workers without credentials, got %+v", got)
	}
}

func TestConnectionChangeRestartsWorker(t *testing.T) {
	s, profiles, _ := newTestSupervisor(t)
	path := writeRecord(t, profiles, "villa-eriksson.json", houseRecord)

	s.reconcile(context.Background())
	s.mu.Lock()
	before := s.running["villa-eriksson"]
	s.mu.Unlock()
	if before == nil {
		t.Fatal("worker not started")
	}

	// Same file, different upstream: the running adapter is stale.
	changed := []byte(`{
  "schema_version": 2,
  "entity_id": "villa-eriksson",
  "location": {"latitude": 59.33, "longitude": 18.07},
  "connection": {"system": "portal", "base_url": "https://portal2.example.com"},
  "signal_map": {
    "supply_temp": {"signal_id": "sig-101", "field_name": "supply_temp", "fetch": true}
  }
}`)
	if err := os.WriteFile(path, changed, 0o644); err != nil {
		t.Fatal(err)
	}
	// Coarse filesystem timestamps can hide the rewrite from the
	// mod-time cache.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	s.reconcile(context.Background())
	s.mu.Lock()
	after := s.running["villa-eriksson"]
	s.mu.Unlock()
	if after == nil {
		t.Fatal("worker missing after restart")
	}
	if after == before {
		t.Error("expected a fresh worker after the connection change")
	}
	if after.baseURL != "https://portal2.example.com" {
		t.Errorf("restarted worker carries old connection: %q", after.baseURL)
	}
}

func TestUnchangedRecordKeepsWorker(t *testing.T) {
	s, profiles, _ := newTestSupervisor(t)
	writeRecord(t, profiles, "villa-eriksson.json", houseRecord)

	s.reconcile(context.Background())
	s.mu.Lock()
	before := s.running["villa-eriksson"]
	s.mu.Unlock()

	s.reconcile(context.Background())
	s.mu.Lock()
	after := s.running["villa-eriksson"]
	s.mu.Unlock()

	if before != after {
		t.Error("reconcile must not churn workers for unchanged records")
	}
}

func TestSupervisorSatisfiesStatusSource(t *testing.T) {
	var _ metrics.StatusSource = (*Supervisor)(nil)
}
