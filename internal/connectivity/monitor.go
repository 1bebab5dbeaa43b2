package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

const defaultProbeTimeout = 3 * time.Second

// Monitor decides whether the ingestion service is reachable by probing it periodically.
// Any HTTP answer below 500 counts as online; a 5xx or a transport error counts as offline.
type Monitor struct {
	client   *http.Client
	url      string
	interval time.Duration
	logger   *slog.Logger
	online   atomic.Bool
	changes  chan bool
}

func NewMonitor(url string, interval time.Duration, l *slog.Logger) *Monitor {
	timeout := defaultProbeTimeout
	if interval > 0 && interval < timeout {
		timeout = interval
	}
	return &Monitor{
		client:   &http.Client{Timeout: timeout},
		url:      url,
		interval: interval,
		logger:   l.With("probe_url", url),
		changes:  make(chan bool, 1),
	}
}

// Changes emits the first observation and every transition afterwards.
// It is closed when Run returns.
func (m *Monitor) Changes() <-chan bool {
	return m.changes
}

// Online reports the last observation
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Run probes until ctx is canceled
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.changes)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	first := true
	for {
		up := m.Probe(ctx)
		if ctx.Err() != nil {
			return
		}

		if first || m.online.Load() != up {
			m.online.Store(up)
			if !first {
				m.logger.Info("Connectivity changed", "online", up)
			}
			first = false

			select {
			case m.changes <- up:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Probe performs one reachability check
func (m *Monitor) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		m.logger.Error("Invalid probe request", "error", err)
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("Probe failed", "error", err)
		return false
	}
	resp.Body.Close()

	return resp.StatusCode < http.StatusInternalServerError
}
