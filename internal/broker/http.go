package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Guizzs26/field-outbox/internal/models"
)

const maxDrainBytes = 256 << 10

// HTTPSender posts one record per request to the ingestion API
type HTTPSender struct {
	client *http.Client
	url    string
	token  string
	logger *slog.Logger
}

// NewHTTPSender builds a sender for url. Timeouts come from the caller's context.
func NewHTTPSender(url, token string, logger *slog.Logger) *HTTPSender {
	return &HTTPSender{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        4,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		url:    url,
		token:  token,
		logger: logger,
	}
}

// Send returns nil only when the service answered 2xx
func (s *HTTPSender) Send(ctx context.Context, rec models.EventRecord) error {
	body, err := rec.MarshalWire()
	if err != nil {
		return syncErr(ErrRemoteRejected, rec.ID, 0, fmt.Errorf("failed to serialize record: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return syncErr(ErrNetworkUnreachable, rec.ID, 0, fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", rec.ID)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return syncErr(ErrTimeout, rec.ID, 0, err)
		}
		return syncErr(Classify(err), rec.ID, 0, err)
	}
	defer drainAndClose(resp.Body)
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	l := s.logger.With("event_id", rec.ID, "status", resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		l.Debug("Ingestion service unavailable")
		return syncErr(ErrRemoteUnavailable, rec.ID, resp.StatusCode, nil)
	default:
		l.Warn("Ingestion service rejected record", "response", string(snippet))
		var detail error
		if msg := bytes.TrimSpace(snippet); len(msg) > 0 {
			detail = errors.New(string(msg))
		}
		return syncErr(ErrRemoteRejected, rec.ID, resp.StatusCode, detail)
	}
}

// drainAndClose reads what is left of a response (up to maxDrainBytes) so the
// keep-alive connection can be reused for the next record
func drainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, maxDrainBytes))
	body.Close()
}

// Close releases idle keep-alive connections
func (s *HTTPSender) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
