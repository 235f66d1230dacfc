package store

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kingrea/relay/internal/lifecycle"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coordination.json")
	st, err := New(NewRepository(path))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := st.Init(Session{ID: "test-session", Mode: "solo", Phase: "coordinating"}); err != nil {
		t.Fatalf("init store: %v", err)
	}
	return st
}

func registerTestWorker(t *testing.T, st *Store, id string) WorkerInstance {
	t.Helper()
	worker, err := st.RegisterWorker(WorkerInstance{ID: id, Role: "builder"})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return worker
}

func TestRegisterWorkerStartsStandbyAtVersionOne(t *testing.T) {
	st := newTestStore(t)
	worker := registerTestWorker(t, st, "alpha")
	if worker.State != lifecycle.StateStandby {
		t.Fatalf("expected STANDBY, got %s", worker.State)
	}
	if worker.Version != 1 {
		t.Fatalf("expected version 1, got %d", worker.Version)
	}
	if _, err := st.RegisterWorker(WorkerInstance{ID: "alpha"}); !errors.Is(err, ErrWorkerExists) {
		t.Fatalf("expected ErrWorkerExists, got %v", err)
	}
}

func TestUpdateWorkerIncrementsVersion(t *testing.T) {
	st := newTestStore(t)
	worker := registerTestWorker(t, st, "alpha")
	worker.Task = "wire the ingest path"
	updated, err := st.UpdateWorker(worker)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}
	stored, err := st.Worker("alpha")
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if stored.Task != "wire the ingest path" {
		t.Fatalf("task not persisted: %q", stored.Task)
	}
}

func TestUpdateWorkerRejectsStaleVersion(t *testing.T) {
	st := newTestStore(t)
	worker := registerTestWorker(t, st, "alpha")

	first := worker
	first.Task = "first write"
	if _, err := st.UpdateWorker(first); err != nil {
		t.Fatalf("first update: %v", err)
	}

	second := worker // still carries version 1
	second.Task = "second write"
	_, err := st.UpdateWorker(second)
	var stale *StaleWriteError
	if !errors.As(err, &stale) {
		t.Fatalf("expected StaleWriteError, got %v", err)
	}
	if stale.Read != 1 || stale.Stored != 2 {
		t.Fatalf("unexpected versions in error: read %d stored %d", stale.Read, stale.Stored)
	}

	stored, err := st.Worker("alpha")
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if stored.Task != "first write" {
		t.Fatalf("stale write mutated state: %q", stored.Task)
	}
}

func TestConcurrentWritersExactlyOneSucceeds(t *testing.T) {
	st := newTestStore(t)
	worker := registerTestWorker(t, st, "alpha")

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, staleWrites := 0, 0
	for i := 0; i < 2; i++ {
		wg.Add(1)
		attempt := worker
		attempt.Task = "writer"
		go func(w WorkerInstance) {
			defer wg.Done()
			_, err := st.UpdateWorker(w)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			var stale *StaleWriteError
			if errors.As(err, &stale) {
				staleWrites++
			}
		}(attempt)
	}
	wg.Wait()

	if successes != 1 || staleWrites != 1 {
		t.Fatalf("expected exactly one success and one stale write, got %d/%d", successes, staleWrites)
	}
	stored, err := st.Worker("alpha")
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if stored.Version != 2 {
		t.Fatalf("expected version 2 after the race, got %d", stored.Version)
	}
}

func TestAppendReportRejectsAfterTerminal(t *testing.T) {
	st := newTestStore(t)
	terminal := VerificationReport{ID: "rep-1", RequestID: "req-1", WorkerID: "alpha", Decision: DecisionApprove}
	if err := st.AppendReport(terminal); err != nil {
		t.Fatalf("append terminal: %v", err)
	}
	err := st.AppendReport(VerificationReport{ID: "rep-2", RequestID: "req-1", WorkerID: "alpha", Decision: DecisionDeny})
	if !errors.Is(err, ErrTerminalReport) {
		t.Fatalf("expected ErrTerminalReport, got %v", err)
	}
}

func TestDenyReportsAccumulateUntilTerminal(t *testing.T) {
	st := newTestStore(t)
	deny := VerificationReport{ID: "rep-1", RequestID: "req-1", WorkerID: "alpha", Decision: DecisionDeny}
	if err := st.AppendReport(deny); err != nil {
		t.Fatalf("append first deny: %v", err)
	}
	retry := VerificationReport{ID: "rep-2", RequestID: "req-1", WorkerID: "alpha", Decision: DecisionApprove}
	if err := st.AppendReport(retry); err != nil {
		t.Fatalf("append retry approve: %v", err)
	}
	history, err := st.ReportsForRequest("req-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected both runs in history, got %d", len(history))
	}
	latest, ok, err := st.LatestReport("req-1")
	if err != nil || !ok {
		t.Fatalf("latest report: ok=%v err=%v", ok, err)
	}
	if latest.ID != "rep-2" {
		t.Fatalf("expected newest report, got %s", latest.ID)
	}
}

func TestOverrideReportIsTerminal(t *testing.T) {
	st := newTestStore(t)
	override := VerificationReport{
		ID: "rep-1", RequestID: "req-1", WorkerID: "alpha", Decision: DecisionDeny,
		Override: &Override{Operator: "pat", At: time.Now()},
	}
	if !override.Terminal() {
		t.Fatalf("expected override report to be terminal")
	}
	if err := st.AppendReport(override); err != nil {
		t.Fatalf("append override: %v", err)
	}
	err := st.AppendReport(VerificationReport{ID: "rep-2", RequestID: "req-1", Decision: DecisionDeny})
	if !errors.Is(err, ErrTerminalReport) {
		t.Fatalf("expected ErrTerminalReport after override, got %v", err)
	}
}

func TestArchiveRequestMovesOutOfActiveSet(t *testing.T) {
	st := newTestStore(t)
	req := HandoffRequest{ID: "req-1", SourceWorker: "alpha", Reason: "feature complete"}
	if err := st.PutRequest(req); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := st.ArchiveRequest("req-1"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := st.Request("req-1"); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected request gone from active set, got %v", err)
	}
	doc, err := st.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(doc.Archive) != 1 || doc.Archive[0].ID != "req-1" {
		t.Fatalf("expected archived request, got %+v", doc.Archive)
	}
}

func TestInitLeavesExistingDocumentAlone(t *testing.T) {
	st := newTestStore(t)
	registerTestWorker(t, st, "alpha")
	if err := st.Init(Session{ID: "other-session"}); err != nil {
		t.Fatalf("second init: %v", err)
	}
	doc, err := st.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if doc.Session.ID != "test-session" {
		t.Fatalf("init overwrote existing session: %s", doc.Session.ID)
	}
	if len(doc.Workers) != 1 {
		t.Fatalf("init dropped workers: %d", len(doc.Workers))
	}
}

func TestRepositoryRejectsMalformedDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coordination.json")
	raw := []byte("{ not json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	_, err := NewRepository(path).Load()
	var corrupt *CorruptionError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected CorruptionError, got %v", err)
	}
	if string(corrupt.Raw) != string(raw) {
		t.Fatalf("raw document not preserved for repair")
	}
}

func TestRepositoryRejectsSchemaViolations(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"wrong schema version", `{"schema_version": 99, "session": {}, "workers": {}}`},
		{"missing worker map", `{"schema_version": 1, "session": {}}`},
		{"mismatched worker key", `{"schema_version": 1, "session": {}, "workers": {"alpha": {"id": "beta", "state": "STANDBY", "version": 1}}}`},
		{"unknown worker state", `{"schema_version": 1, "session": {}, "workers": {"alpha": {"id": "alpha", "state": "NAPPING", "version": 1}}}`},
		{"non-positive version", `{"schema_version": 1, "session": {}, "workers": {"alpha": {"id": "alpha", "state": "STANDBY", "version": 0}}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "coordination.json")
			if err := os.WriteFile(path, []byte(tc.body), 0o644); err != nil {
				t.Fatalf("seed file: %v", err)
			}
			_, err := NewRepository(path).Load()
			var corrupt *CorruptionError
			if !errors.As(err, &corrupt) {
				t.Fatalf("expected CorruptionError, got %v", err)
			}
		})
	}
}

func TestRepositoryRoundTripsDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coordination.json")
	repo := NewRepository(path)
	doc := Document{
		SchemaVersion: SchemaVersion,
		Session:       Session{ID: "s1"},
		Workers: map[string]WorkerInstance{
			"alpha": {ID: "alpha", State: lifecycle.StateActive, Version: 3, Claims: []string{"backend/*"}},
		},
	}
	if err := repo.Save(doc); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := repo.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	worker := loaded.Workers["alpha"]
	if worker.State != lifecycle.StateActive || worker.Version != 3 || len(worker.Claims) != 1 {
		t.Fatalf("document did not round-trip: %+v", worker)
	}
}
