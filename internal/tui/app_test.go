package tui

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/relay/internal/lifecycle"
	"github.com/kingrea/relay/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(store.NewRepository(filepath.Join(t.TempDir(), "coordination.json")))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := st.Init(store.Session{ID: "test-session", Phase: "coordinating"}); err != nil {
		t.Fatalf("init: %v", err)
	}
	return st
}

func TestNewAppRequiresStore(t *testing.T) {
	if _, err := NewApp(nil); err == nil {
		t.Fatalf("expected nil store to be rejected")
	}
}

func TestWorkerItemPresentation(t *testing.T) {
	item := workerItem{
		worker: store.WorkerInstance{
			ID:     "alpha",
			Role:   "builder",
			State:  lifecycle.StateVerification,
			Task:   "wire the ingest path",
			Claims: []string{"backend/*"},
		},
		request: &store.HandoffRequest{ID: "req-1", Escalated: true},
	}
	title := item.Title()
	if title != "alpha · VERIFICATION · ESCALATED" {
		t.Fatalf("unexpected title: %q", title)
	}
	desc := item.Description()
	for _, want := range []string{"builder", "wire the ingest path", "backend/*"} {
		if !strings.Contains(desc, want) {
			t.Fatalf("description %q missing %q", desc, want)
		}
	}
	idle := workerItem{worker: store.WorkerInstance{ID: "bravo", State: lifecycle.StateStandby}}
	if idle.Description() != "idle" {
		t.Fatalf("expected idle placeholder, got %q", idle.Description())
	}
}

func TestWorkerItemTitleBadgesStaleHeartbeat(t *testing.T) {
	stale := workerItem{
		worker:     store.WorkerInstance{ID: "alpha", State: lifecycle.StateActive, Heartbeat: time.Now().Add(-2 * time.Minute)},
		staleAfter: time.Minute,
	}
	if !strings.Contains(stale.Title(), "stale") {
		t.Fatalf("expected stale badge in title: %q", stale.Title())
	}
	fresh := workerItem{
		worker:     store.WorkerInstance{ID: "alpha", State: lifecycle.StateActive, Heartbeat: time.Now()},
		staleAfter: time.Minute,
	}
	if strings.Contains(fresh.Title(), "stale") {
		t.Fatalf("fresh heartbeat must not be badged: %q", fresh.Title())
	}
	unconfigured := workerItem{
		worker: store.WorkerInstance{ID: "alpha", State: lifecycle.StateActive, Heartbeat: time.Now().Add(-2 * time.Minute)},
	}
	if strings.Contains(unconfigured.Title(), "stale") {
		t.Fatalf("badge requires a configured threshold: %q", unconfigured.Title())
	}
}

func TestBuildSnapshotCollectsBoardData(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.RegisterWorker(store.WorkerInstance{ID: "bravo"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := st.RegisterWorker(store.WorkerInstance{ID: "alpha"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := st.PutRequest(store.HandoffRequest{ID: "req-1", SourceWorker: "alpha", Reason: "x", Escalated: true}); err != nil {
		t.Fatalf("put request: %v", err)
	}
	if err := st.AppendReport(store.VerificationReport{
		ID: "rep-1", RequestID: "req-1", WorkerID: "alpha", Decision: store.DecisionEscalate,
	}); err != nil {
		t.Fatalf("append report: %v", err)
	}

	app, err := NewApp(st)
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	msg := app.buildSnapshot()
	if msg.err != nil {
		t.Fatalf("snapshot: %v", msg.err)
	}
	if len(msg.workers) != 2 || msg.workers[0].ID != "alpha" || msg.workers[1].ID != "bravo" {
		t.Fatalf("workers not sorted by id: %+v", msg.workers)
	}
	if msg.reports["alpha"].ID != "rep-1" {
		t.Fatalf("latest report not indexed by worker: %+v", msg.reports)
	}
	if !msg.open["req-1"].Escalated {
		t.Fatalf("open request not carried into snapshot")
	}
	if msg.session.ID != "test-session" {
		t.Fatalf("session missing from snapshot: %+v", msg.session)
	}
}

func TestStaleBadge(t *testing.T) {
	if badge := StaleBadge(time.Now(), time.Minute); badge != "" {
		t.Fatalf("fresh heartbeat must not be badged: %q", badge)
	}
	if badge := StaleBadge(time.Now().Add(-2*time.Minute), time.Minute); badge == "" {
		t.Fatalf("expected stale badge")
	}
}
