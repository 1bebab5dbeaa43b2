package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Guizzs26/field-outbox/internal/broker"
	"github.com/Guizzs26/field-outbox/internal/db"
	"github.com/Guizzs26/field-outbox/internal/models"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rec(id string) models.EventRecord {
	return models.EventRecord{
		ID:        id,
		MachineID: "m-" + id,
		EventType: models.EventDowntime,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:   map[string]string{"reason": "Tooling"},
		State:     models.StatePending,
	}
}

func newBadger(t *testing.T) *db.BadgerQueueStore {
	t.Helper()
	s, err := db.NewBadgerQueueStore("", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func queuedIDs(t *testing.T, s QueueStore) []string {
	t.Helper()
	recs, err := s.List(context.Background())
	require.NoError(t, err)
	out := []string{}
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

// memStore is an in-memory QueueStore with fault injection
type memStore struct {
	mu         sync.Mutex
	records    []models.EventRecord
	addErr     error
	listErr    error
	removeErrs map[string]error
	claimErrs  map[string]error
}

func newMemStore(ids ...string) *memStore {
	s := &memStore{removeErrs: map[string]error{}, claimErrs: map[string]error{}}
	for _, id := range ids {
		s.records = append(s.records, rec(id))
	}
	return s
}

func (s *memStore) Add(_ context.Context, r models.EventRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return "", s.addErr
	}
	for _, existing := range s.records {
		if existing.ID == r.ID {
			return "", &db.StoreError{Kind: db.ErrDuplicateID, ID: r.ID}
		}
	}
	s.records = append(s.records, r)
	return r.ID, nil
}

func (s *memStore) List(context.Context) ([]models.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]models.EventRecord(nil), s.records...), nil
}

func (s *memStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.removeErrs[id]; err != nil {
		delete(s.removeErrs, id) // fail once
		return err
	}
	for i, r := range s.records {
		if r.ID == id {
			s.records = append(s.records[:i], s.records[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), nil
}

func (s *memStore) Claim(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.claimErrs[id]; err != nil {
		delete(s.claimErrs, id)
		return false, err
	}
	for i := range s.records {
		if s.records[i].ID == id && s.records[i].State != models.StateInFlight {
			s.records[i].State = models.StateInFlight
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) SetState(_ context.Context, id string, state models.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].ID == id {
			s.records[i].State = state
		}
	}
	return nil
}

func (s *memStore) ResetInFlight(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.records {
		if s.records[i].State == models.StateInFlight {
			s.records[i].State = models.StatePending
			n++
		}
	}
	return n, nil
}

func (s *memStore) state(id string) models.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id {
			return r.State
		}
	}
	return ""
}

// mockRemote is an instrumented Sender: it records accepted ids, detects
// overlapping sends and lets tests decide the outcome per call
type mockRemote struct {
	mu        sync.Mutex
	accepted  map[string]int
	calls     []string
	decide    func(rec models.EventRecord) error
	block     chan struct{} // when set, every send waits on it (or ctx)
	inFlight  atomic.Int32
	maxFlight atomic.Int32
	started   chan string
}

func newMockRemote() *mockRemote {
	return &mockRemote{accepted: map[string]int{}, started: make(chan string, 100)}
}

func (m *mockRemote) Send(ctx context.Context, r models.EventRecord) error {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		cur := m.maxFlight.Load()
		if n <= cur || m.maxFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	m.mu.Lock()
	m.calls = append(m.calls, r.ID)
	block := m.block
	decide := m.decide
	m.mu.Unlock()

	select {
	case m.started <- r.ID:
	default:
	}

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return &broker.SyncError{Kind: broker.ErrTimeout, RecordID: r.ID, Err: ctx.Err()}
		}
	}

	if decide != nil {
		if err := decide(r); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.accepted[r.ID]++
	m.mu.Unlock()
	return nil
}

func (m *mockRemote) acceptedCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepted[id]
}

func (m *mockRemote) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockRemote) setDecide(f func(models.EventRecord) error) {
	m.mu.Lock()
	m.decide = f
	m.mu.Unlock()
}

func (m *mockRemote) setBlock(ch chan struct{}) {
	m.mu.Lock()
	m.block = ch
	m.mu.Unlock()
}

func failFor(ids ...string) func(models.EventRecord) error {
	set := map[string]bool{}
	for _, id := range ids {
		set[id] = true
	}
	return func(r models.EventRecord) error {
		if set[r.ID] {
			return &broker.SyncError{Kind: broker.ErrNetworkUnreachable, RecordID: r.ID, Err: errors.New("connection reset")}
		}
		return nil
	}
}

func runCoordinator(t *testing.T, c *SyncCoordinator, network <-chan bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, network)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitCycles(t *testing.T, c *SyncCoordinator, n int) Status {
	t.Helper()
	require.Eventually(t, func() bool {
		s := c.Status()
		return s.Cycles >= n && !s.Draining
	}, 3*time.Second, 5*time.Millisecond, "expected at least %d cycles", n)
	return c.Status()
}
