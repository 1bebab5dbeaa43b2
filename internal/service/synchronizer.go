package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Guizzs26/field-outbox/internal/broker"
	"github.com/Guizzs26/field-outbox/internal/models"
	"github.com/Guizzs26/field-outbox/pkg/infra"
	"github.com/Guizzs26/field-outbox/pkg/metrics"
)

const (
	DefaultSendTimeout = 15 * time.Second
	cleanupTimeout     = 5 * time.Second
)

// QueueStore defines the contract for durable outbox persistence
type QueueStore interface {
	Add(ctx context.Context, rec models.EventRecord) (string, error)
	List(ctx context.Context) ([]models.EventRecord, error)
	Remove(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
	// Claim moves a pending record to in_flight and reports whether this caller won it.
	// A record claimed by someone else must not be sent.
	Claim(ctx context.Context, id string) (bool, error)
	SetState(ctx context.Context, id string, state models.SyncState) error
	// ResetInFlight hands abandoned claims back to pending
	ResetInFlight(ctx context.Context) (int, error)
}

// Sender delivers one record to the ingestion service. A nil error means the
// service accepted it. Implementations must return once ctx is done.
type Sender interface {
	Send(ctx context.Context, rec models.EventRecord) error
}

type CycleResult string

const (
	ResultNone    CycleResult = ""
	ResultSuccess CycleResult = "success"
	ResultPartial CycleResult = "partial"
	ResultFailure CycleResult = "failure"
)

// CycleReport summarizes one drain cycle
type CycleReport struct {
	Result      CycleResult
	Attempted   int
	Delivered   int
	Failed      int
	Skipped     int // claimed by another drainer sharing the store
	StoreFaults int // delivered but not removed, claim or list failure
	Remaining   int
	StartedAt   time.Time
	Duration    time.Duration
	Err         error
}

// Status is the signal exposed to observers (queue depth display, /v1/status)
type Status struct {
	Online      bool        `json:"online"`
	Draining    bool        `json:"draining"`
	LastResult  CycleResult `json:"last_result"`
	LastCycleAt time.Time   `json:"last_cycle_at"`
	Attempted   int         `json:"attempted"`
	Delivered   int         `json:"delivered"`
	Failed      int         `json:"failed"`
	Remaining   int         `json:"remaining"`
	Cycles      int         `json:"cycles"`
	Stuck       []string    `json:"stuck"`
}

type Options struct {
	// SendTimeout bounds every single delivery attempt
	SendTimeout time.Duration
	// RejectAlertThreshold is the number of rejections, counted while the record stays queued, after which it is reported stuck
	RejectAlertThreshold int
	// RetryBackoff schedules a follow-up cycle after a cycle with failures while online. Nil disables it.
	RetryBackoff *infra.Backoff
	// Online is the network state assumed until the first connectivity signal
	Online bool
	// RecoveryInterval periodically hands abandoned in-flight claims back to pending.
	// Zero limits recovery to Run startup.
	RecoveryInterval time.Duration
}

// SyncCoordinator drains the outbox against the ingestion service.
// Exactly one cycle runs at a time; triggers that arrive mid-cycle collapse into one follow-up cycle.
type SyncCoordinator struct {
	store      QueueStore
	sender     Sender
	logger     *slog.Logger
	opts       Options
	rejections *RejectionTracker

	triggers chan struct{}
	cycleMu  sync.Mutex
	online   atomic.Bool
	draining atomic.Bool

	statusMu sync.RWMutex
	status   Status
	updates  chan Status
}

func NewSyncCoordinator(store QueueStore, sender Sender, logger *slog.Logger, opts Options) *SyncCoordinator {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.RejectAlertThreshold <= 0 {
		opts.RejectAlertThreshold = 3
	}

	c := &SyncCoordinator{
		store:      store,
		sender:     sender,
		logger:     logger,
		opts:       opts,
		rejections: NewRejectionTracker(opts.RejectAlertThreshold, logger),
		triggers:   make(chan struct{}, 1),
		updates:    make(chan Status, 1),
	}
	c.online.Store(opts.Online)
	metrics.OnlineStatus.Set(boolGauge(opts.Online))
	return c
}

// Enqueue durably stores a new record. Once it returns nil the report is "submitted"
// regardless of network state. Storage faults and duplicate ids are returned to the caller.
func (c *SyncCoordinator) Enqueue(ctx context.Context, rec models.EventRecord) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	rec.State = models.StatePending

	id, err := c.store.Add(ctx, rec)
	if err != nil {
		c.logger.Error("Failed to enqueue record", "event_id", rec.ID, "machine_id", rec.MachineID, "error", err)
		return "", fmt.Errorf("enqueue %s: %w", rec.ID, err)
	}

	metrics.EnqueuedTotal.WithLabelValues(string(rec.EventType)).Inc()
	c.logger.Info("Record queued", "event_id", id, "machine_id", rec.MachineID, "event_type", rec.EventType)
	c.refreshDepth(ctx)

	if c.Online() {
		c.Trigger()
	}
	return id, nil
}

// Trigger requests a drain cycle without blocking. Served by Run.
func (c *SyncCoordinator) Trigger() {
	select {
	case c.triggers <- struct{}{}:
	default:
		// a cycle is already requested
	}
}

// SetOnline records a connectivity observation. An offline -> online transition triggers a cycle.
func (c *SyncCoordinator) SetOnline(online bool) {
	was := c.online.Swap(online)
	metrics.OnlineStatus.Set(boolGauge(online))
	if was == online {
		return
	}

	if online {
		c.logger.Info("Connectivity regained, scheduling drain")
		c.Trigger()
	} else {
		c.logger.Warn("Connectivity lost, records will stay queued")
	}
	c.publish(c.Status())
}

func (c *SyncCoordinator) Online() bool {
	return c.online.Load()
}

// Run serves triggers, connectivity transitions and retry timers until ctx is canceled.
// network may be nil when no connectivity source is wired.
func (c *SyncCoordinator) Run(ctx context.Context, network <-chan bool) {
	c.recoverInFlight(ctx)
	c.refreshDepth(ctx)

	var recovery <-chan time.Time
	if c.opts.RecoveryInterval > 0 {
		t := time.NewTicker(c.opts.RecoveryInterval)
		defer t.Stop()
		recovery = t.C
	}

	if c.Online() {
		c.Trigger()
	}

	var (
		retryTimer *time.Timer
		retry      <-chan time.Time
	)
	stopRetry := func() {
		if retryTimer != nil {
			retryTimer.Stop()
			retryTimer, retry = nil, nil
		}
	}
	defer stopRetry()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Sync coordinator stopping")
			return

		case online, ok := <-network:
			if !ok {
				network = nil
				continue
			}
			c.SetOnline(online)

		case <-c.triggers:
			stopRetry()
			report := c.Drain(ctx)
			retry, retryTimer = c.scheduleRetry(report)

		case <-recovery:
			if c.recoverInFlight(ctx) > 0 && c.Online() {
				c.Trigger()
			}

		case <-retry:
			retryTimer, retry = nil, nil
			if !c.Online() {
				continue
			}
			report := c.Drain(ctx)
			retry, retryTimer = c.scheduleRetry(report)
		}
	}
}

// recoverInFlight runs between cycles so this process never resets its own live claims
func (c *SyncCoordinator) recoverInFlight(ctx context.Context) int {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	n, err := c.store.ResetInFlight(ctx)
	if err != nil {
		c.logger.Error("Failed to recover in-flight records", "error", err)
		return 0
	}
	if n > 0 {
		c.logger.Warn("Recovered records left in flight by an interrupted cycle", "count", n)
	}
	return n
}

func (c *SyncCoordinator) scheduleRetry(report CycleReport) (<-chan time.Time, *time.Timer) {
	b := c.opts.RetryBackoff
	if b == nil {
		return nil, nil
	}
	if report.Result == ResultSuccess || report.Remaining == 0 {
		b.Reset()
		return nil, nil
	}
	if !c.Online() || errors.Is(report.Err, context.Canceled) {
		return nil, nil
	}

	wait := b.Next()
	c.logger.Info("Scheduling retry cycle", "wait", wait, "remaining", report.Remaining, "attempt", b.Attempts())
	t := time.NewTimer(wait)
	return t.C, t
}

// Drain runs one cycle over the records queued at the moment it starts.
// Records added during the cycle are left for the next one.
func (c *SyncCoordinator) Drain(ctx context.Context) CycleReport {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	c.draining.Store(true)
	c.publish(c.Status())
	defer c.draining.Store(false)

	report := CycleReport{StartedAt: time.Now()}

	records, err := c.store.List(ctx)
	if err != nil {
		c.logger.Error("Drain cycle could not read the queue", "error", err)
		report.Err = err
		report.StoreFaults++
		c.finishCycle(ctx, &report, -1)
		return report
	}

	var batchBytes int
	for _, r := range records {
		batchBytes += r.EstimateBytes()
	}
	c.logger.Debug("Drain cycle started", "count", len(records), "approx_bytes", batchBytes)

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			c.logger.Warn("Shutdown signal received. Leaving remaining records queued.")
			report.Err = err
			break
		}

		outcome := c.deliver(ctx, rec)
		switch outcome {
		case outcomeSkipped:
			report.Skipped++
			continue
		case outcomeClaimFailed:
			report.StoreFaults++
			continue
		}

		report.Attempted++
		switch outcome {
		case outcomeDelivered:
			report.Delivered++
		case outcomeDeliveredNotRemoved:
			report.Delivered++
			report.StoreFaults++
		default:
			report.Failed++
		}
	}

	c.rejections.Retain(records)
	c.finishCycle(ctx, &report, len(records)-report.Delivered+report.StoreFaults)
	return report
}

type deliveryOutcome int

const (
	outcomeFailed deliveryOutcome = iota
	outcomeDelivered
	outcomeDeliveredNotRemoved
	outcomeSkipped
	outcomeClaimFailed
)

func (c *SyncCoordinator) deliver(ctx context.Context, rec models.EventRecord) deliveryOutcome {
	l := c.logger.With("event_id", rec.ID, "machine_id", rec.MachineID)

	claimed, err := c.store.Claim(ctx, rec.ID)
	if err != nil {
		l.Warn("Could not claim record, leaving it queued", "error", err)
		return outcomeClaimFailed
	}
	if !claimed {
		l.Debug("Record already claimed, skipping")
		return outcomeSkipped
	}

	start := time.Now()
	sendCtx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
	err = c.sender.Send(sendCtx, rec)
	timedOut := errors.Is(sendCtx.Err(), context.DeadlineExceeded)
	cancel()

	// Housekeeping must finish even if ctx was canceled mid-send
	cleanupCtx, cleanupCancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cleanupCancel()

	if err != nil {
		kind := broker.Classify(err)
		if timedOut && !errors.Is(kind, broker.ErrRemoteRejected) {
			kind = broker.ErrTimeout
		}
		outcome := outcomeLabel(kind)
		metrics.SendsTotal.WithLabelValues(outcome, string(rec.EventType)).Inc()
		metrics.SendDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

		if errors.Is(kind, broker.ErrRemoteRejected) {
			c.rejections.Record(rec, err)
		}
		l.Warn("Delivery failed, record stays queued", "outcome", outcome, "error", err)

		if err := c.store.SetState(cleanupCtx, rec.ID, models.StatePending); err != nil {
			l.Error("Could not revert record to pending", "error", err)
		}
		return outcomeFailed
	}

	metrics.SendsTotal.WithLabelValues("delivered", string(rec.EventType)).Inc()
	metrics.SendDuration.WithLabelValues("delivered").Observe(time.Since(start).Seconds())
	c.rejections.Clear(rec.ID)

	if err := c.store.Remove(cleanupCtx, rec.ID); err != nil {
		// The service will see this record again next cycle and must dedupe on id
		l.Error("Record delivered but could not be removed from the queue", "error", err)
		if err := c.store.SetState(cleanupCtx, rec.ID, models.StatePending); err != nil {
			l.Error("Could not release claim, recovery will reset it", "error", err)
		}
		return outcomeDeliveredNotRemoved
	}

	l.Debug("Record delivered")
	return outcomeDelivered
}

func (c *SyncCoordinator) finishCycle(ctx context.Context, report *CycleReport, fallbackRemaining int) {
	report.Duration = time.Since(report.StartedAt)

	failures := report.Failed + report.StoreFaults
	switch {
	case failures == 0 && report.Err == nil:
		report.Result = ResultSuccess
	case report.Delivered > 0:
		report.Result = ResultPartial
	default:
		report.Result = ResultFailure
	}

	countCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if n, err := c.store.Count(countCtx); err == nil {
		report.Remaining = n
		metrics.QueueDepth.Set(float64(n))
	} else {
		report.Remaining = fallbackRemaining
	}

	metrics.CyclesTotal.WithLabelValues(string(report.Result)).Inc()
	metrics.CycleDuration.Observe(report.Duration.Seconds())

	c.statusMu.Lock()
	c.status.LastResult = report.Result
	c.status.LastCycleAt = report.StartedAt
	c.status.Attempted = report.Attempted
	c.status.Delivered = report.Delivered
	c.status.Failed = report.Failed
	c.status.Remaining = report.Remaining
	c.status.Cycles++
	c.statusMu.Unlock()

	c.logger.Info("Drain cycle finished",
		"result", report.Result,
		"attempted", report.Attempted,
		"delivered", report.Delivered,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"remaining", report.Remaining,
		"duration_ms", report.Duration.Milliseconds(),
	)

	c.draining.Store(false)
	c.publish(c.Status())
}

// Status returns a snapshot of the sync signal
func (c *SyncCoordinator) Status() Status {
	c.statusMu.RLock()
	s := c.status
	c.statusMu.RUnlock()

	s.Online = c.Online()
	s.Draining = c.draining.Load()
	s.Stuck = c.rejections.Stuck()
	return s
}

// Updates delivers the latest status after every change. Only the most recent value is kept.
func (c *SyncCoordinator) Updates() <-chan Status {
	return c.updates
}

func (c *SyncCoordinator) publish(s Status) {
	select {
	case <-c.updates:
	default:
	}
	select {
	case c.updates <- s:
	default:
	}
}

// Count returns the queue depth for display
func (c *SyncCoordinator) Count(ctx context.Context) (int, error) {
	n, err := c.store.Count(ctx)
	if err != nil {
		return 0, err
	}
	metrics.QueueDepth.Set(float64(n))
	return n, nil
}

// Pending lists the queued records without changing them
func (c *SyncCoordinator) Pending(ctx context.Context) ([]models.EventRecord, error) {
	return c.store.List(ctx)
}

func (c *SyncCoordinator) refreshDepth(ctx context.Context) {
	if _, err := c.Count(ctx); err != nil {
		c.logger.Warn("Could not read queue depth", "error", err)
	}
}

func outcomeLabel(kind error) string {
	switch {
	case errors.Is(kind, broker.ErrRemoteRejected):
		return "rejected"
	case errors.Is(kind, broker.ErrRemoteUnavailable):
		return "unavailable"
	case errors.Is(kind, broker.ErrTimeout):
		return "timeout"
	default:
		return "unreachable"
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
