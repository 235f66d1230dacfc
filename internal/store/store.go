// Package store implements the coordination store: a versioned, atomically
// updatable record set holding every worker's state plus the active handoff
// protocol. Each operation loads the persisted document, mutates it, and
// saves it back; per-worker optimistic versioning keeps concurrent writers
// honest without any blocking locks.
package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/relay/internal/lifecycle"
)

// Store wraps a DocumentStore with record-level operations. A process-local
// mutex makes each load-mutate-save sequence atomic for in-process callers;
// cross-process writers are kept honest by the per-worker version counters.
type Store struct {
	mu    sync.Mutex
	repo  DocumentStore
	clock func() time.Time
}

// Option customizes the store instance.
type Option func(*Store)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New wires a Store to its persistence backend.
func New(repo DocumentStore, opts ...Option) (*Store, error) {
	if repo == nil {
		return nil, fmt.Errorf("store: document store is required")
	}
	s := &Store{repo: repo, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Init creates the initial document for a session when none exists yet.
// An existing document is left untouched so restarts resume the session.
func (s *Store) Init(session Session) error {
	_, err := s.repo.Load()
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrStateNotFound) {
		return err
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = s.clock()
	}
	doc := Document{
		SchemaVersion: SchemaVersion,
		Session:       session,
		Workers:       map[string]WorkerInstance{},
		UpdatedAt:     s.clock(),
	}
	return s.repo.Save(doc)
}

// Snapshot returns a deep copy of the current document.
func (s *Store) Snapshot() (Document, error) {
	doc, err := s.repo.Load()
	if err != nil {
		return Document{}, err
	}
	return doc.Clone(), nil
}

// UpdateSession rewrites the session record. Coordinator-only by convention.
func (s *Store) UpdateSession(session Session) error {
	return s.mutate(func(doc *Document) error {
		if session.StartedAt.IsZero() {
			session.StartedAt = doc.Session.StartedAt
		}
		doc.Session = session
		return nil
	})
}

// RegisterWorker creates a STANDBY record for a new worker at version 1.
func (s *Store) RegisterWorker(worker WorkerInstance) (WorkerInstance, error) {
	worker.ID = strings.TrimSpace(worker.ID)
	if worker.ID == "" {
		return WorkerInstance{}, fmt.Errorf("store: worker id is required")
	}
	var out WorkerInstance
	err := s.mutate(func(doc *Document) error {
		if _, exists := doc.Workers[worker.ID]; exists {
			return fmt.Errorf("%w: %s", ErrWorkerExists, worker.ID)
		}
		worker.State = lifecycle.StateStandby
		worker.Version = 1
		if worker.Heartbeat.IsZero() {
			worker.Heartbeat = s.clock()
		}
		doc.Workers[worker.ID] = worker.Clone()
		doc.Session.WorkerCount = len(doc.Workers)
		out = worker
		return nil
	})
	if err != nil {
		return WorkerInstance{}, err
	}
	return out, nil
}

// Worker returns a copy of the record for the given id.
func (s *Store) Worker(id string) (WorkerInstance, error) {
	doc, err := s.repo.Load()
	if err != nil {
		return WorkerInstance{}, err
	}
	worker, ok := doc.Workers[id]
	if !ok {
		return WorkerInstance{}, fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	return worker.Clone(), nil
}

// Workers returns all worker records ordered by id.
func (s *Store) Workers() ([]WorkerInstance, error) {
	doc, err := s.repo.Load()
	if err != nil {
		return nil, err
	}
	out := make([]WorkerInstance, 0, len(doc.Workers))
	for _, worker := range doc.Workers {
		out = append(out, worker.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateWorker writes a worker record under optimistic concurrency. The
// supplied record must carry the version the caller last read; if the stored
// version has advanced the write is rejected with StaleWriteError and nothing
// is mutated. On success the stored version is the read version plus one.
func (s *Store) UpdateWorker(worker WorkerInstance) (WorkerInstance, error) {
	var out WorkerInstance
	err := s.mutate(func(doc *Document) error {
		current, ok := doc.Workers[worker.ID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrWorkerNotFound, worker.ID)
		}
		if current.Version != worker.Version {
			return &StaleWriteError{WorkerID: worker.ID, Read: worker.Version, Stored: current.Version}
		}
		worker.Version = current.Version + 1
		doc.Workers[worker.ID] = worker.Clone()
		out = worker
		return nil
	})
	if err != nil {
		return WorkerInstance{}, err
	}
	return out, nil
}

// RemoveWorker deletes a worker record when the coordination session ends.
func (s *Store) RemoveWorker(id string) error {
	return s.mutate(func(doc *Document) error {
		if _, ok := doc.Workers[id]; !ok {
			return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
		}
		delete(doc.Workers, id)
		doc.Session.WorkerCount = len(doc.Workers)
		return nil
	})
}

// PutRequest stores an active handoff request.
func (s *Store) PutRequest(req HandoffRequest) error {
	if strings.TrimSpace(req.ID) == "" {
		return fmt.Errorf("store: request id is required")
	}
	return s.mutate(func(doc *Document) error {
		if doc.Requests == nil {
			doc.Requests = map[string]HandoffRequest{}
		}
		doc.Requests[req.ID] = req.Clone()
		return nil
	})
}

// Request returns the active handoff request for the given id.
func (s *Store) Request(id string) (HandoffRequest, error) {
	doc, err := s.repo.Load()
	if err != nil {
		return HandoffRequest{}, err
	}
	req, ok := doc.Requests[id]
	if !ok {
		return HandoffRequest{}, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	return req.Clone(), nil
}

// DropRequest removes an active request without archiving it (withdrawal).
func (s *Store) DropRequest(id string) error {
	return s.mutate(func(doc *Document) error {
		if _, ok := doc.Requests[id]; !ok {
			return fmt.Errorf("%w: %s", ErrRequestNotFound, id)
		}
		delete(doc.Requests, id)
		return nil
	})
}

// ArchiveRequest moves a consumed request out of the active set.
func (s *Store) ArchiveRequest(id string) error {
	return s.mutate(func(doc *Document) error {
		req, ok := doc.Requests[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrRequestNotFound, id)
		}
		delete(doc.Requests, id)
		doc.Archive = append(doc.Archive, req)
		return nil
	})
}

// AppendReport adds a verification report to the append-only audit history.
// A request keeps exactly one terminal report; further appends are rejected.
func (s *Store) AppendReport(report VerificationReport) error {
	if strings.TrimSpace(report.RequestID) == "" {
		return fmt.Errorf("store: report request id is required")
	}
	return s.mutate(func(doc *Document) error {
		for _, existing := range doc.Reports {
			if existing.RequestID == report.RequestID && existing.Terminal() {
				return fmt.Errorf("%w: %s", ErrTerminalReport, report.RequestID)
			}
		}
		doc.Reports = append(doc.Reports, report.Clone())
		return nil
	})
}

// ReportsForRequest returns the run history for a request, oldest first.
func (s *Store) ReportsForRequest(requestID string) ([]VerificationReport, error) {
	doc, err := s.repo.Load()
	if err != nil {
		return nil, err
	}
	var out []VerificationReport
	for _, report := range doc.Reports {
		if report.RequestID == requestID {
			out = append(out, report.Clone())
		}
	}
	return out, nil
}

// LatestReport returns the newest report for a request, if any.
func (s *Store) LatestReport(requestID string) (VerificationReport, bool, error) {
	history, err := s.ReportsForRequest(requestID)
	if err != nil {
		return VerificationReport{}, false, err
	}
	if len(history) == 0 {
		return VerificationReport{}, false, nil
	}
	return history[len(history)-1], true, nil
}

func (s *Store) mutate(fn func(*Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.repo.Load()
	if err != nil {
		return err
	}
	if err := fn(&doc); err != nil {
		return err
	}
	doc.UpdatedAt = s.clock()
	return s.repo.Save(doc)
}
