package service

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/Guizzs26/field-outbox/internal/models"
	"github.com/Guizzs26/field-outbox/pkg/metrics"
)

// RejectionTracker counts definitive rejections per queued record. Timeouts and outages
// between two rejections leave the count alone; only a delivery or the record leaving
// the queue resets it. Rejected records keep being retried; past the threshold they are
// reported as stuck so someone can look at the payload.
type RejectionTracker struct {
	mu        sync.Mutex
	threshold int
	counts    map[string]int
	logger    *slog.Logger
}

func NewRejectionTracker(threshold int, l *slog.Logger) *RejectionTracker {
	return &RejectionTracker{
		threshold: threshold,
		counts:    make(map[string]int),
		logger:    l,
	}
}

// Record notes one more rejection and reports whether the record is now considered stuck
func (t *RejectionTracker) Record(rec models.EventRecord, reason error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counts[rec.ID]++
	n := t.counts[rec.ID]
	stuck := n >= t.threshold

	if n == t.threshold {
		t.logger.Warn("Record keeps being rejected by the ingestion service, manual review needed",
			"event_id", rec.ID,
			"machine_id", rec.MachineID,
			"event_type", rec.EventType,
			"rejections", n,
			"error", reason,
		)
	}
	t.updateGauge()
	return stuck
}

func (t *RejectionTracker) Clear(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, id)
	t.updateGauge()
}

// Retain forgets every record not present in records (removed by an operator, for example)
func (t *RejectionTracker) Retain(records []models.EventRecord) {
	keep := make(map[string]struct{}, len(records))
	for _, r := range records {
		keep[r.ID] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.counts {
		if _, ok := keep[id]; !ok {
			delete(t.counts, id)
		}
	}
	t.updateGauge()
}

func (t *RejectionTracker) Rejections(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[id]
}

// Stuck returns the ids at or past the threshold, sorted
func (t *RejectionTracker) Stuck() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stuckLocked()
}

func (t *RejectionTracker) stuckLocked() []string {
	ids := []string{}
	for id, n := range t.counts {
		if n >= t.threshold {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (t *RejectionTracker) updateGauge() {
	metrics.StuckRecords.Set(float64(len(t.stuckLocked())))
}
