// README: Fallback polling of GET /api/orders/{id}.
package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"trackline/internal/modules/order"
	"trackline/internal/types"
)

// APIError is a failure reported by the server, over REST or the socket.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// IsTerminalError reports whether err should stop a follower instead of
// being retried.
func IsTerminalError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && !apiErr.Retryable
}

// SnapshotSource reads the current state of an order.
type SnapshotSource interface {
	Snapshot(ctx context.Context, orderID types.ID) (Snapshot, error)
}

type HTTPSource struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPSource reads snapshots from baseURL (e.g. http://localhost:8080)
// with token as the bearer credential. A nil client uses a 10s timeout.
func NewHTTPSource(baseURL, token string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{baseURL: strings.TrimRight(baseURL, "/"), token: token, client: client}
}

func (s *HTTPSource) Snapshot(ctx context.Context, orderID types.ID) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/orders/"+url.PathEscape(string(orderID)), nil)
	if err != nil {
		return Snapshot{}, err
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, decodeAPIError(resp)
	}
	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func decodeAPIError(resp *http.Response) error {
	var body struct {
		Error     string `json:"error"`
		Retryable bool   `json:"retryable"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
		body.Retryable = resp.StatusCode >= 500
	}
	return &APIError{StatusCode: resp.StatusCode, Message: body.Error, Retryable: body.Retryable}
}

// Poller feeds periodic snapshots into a Reconciler.
type Poller struct {
	src      SnapshotSource
	rec      *Reconciler
	every    time.Duration
	onChange func(Snapshot)
}

// NewPoller polls every interval; onChange may be nil.
func NewPoller(src SnapshotSource, rec *Reconciler, every time.Duration, onChange func(Snapshot)) *Poller {
	if every <= 0 {
		every = DefaultPollEvery
	}
	return &Poller{src: src, rec: rec, every: every, onChange: onChange}
}

// Poll fetches one snapshot and merges it.
func (p *Poller) Poll(ctx context.Context) error {
	state, _ := p.rec.State()
	snap, err := p.src.Snapshot(ctx, state.OrderID)
	if err != nil {
		return err
	}
	if p.rec.ApplySnapshot(snap) && p.onChange != nil {
		cur, _ := p.rec.State()
		p.onChange(cur)
	}
	return nil
}

// Run polls until ctx is done, the order reaches a terminal status or the
// server returns a non-retryable error. Transient errors are logged and the
// next tick retries.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.every)
	defer ticker.Stop()
	for {
		if err := p.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if IsTerminalError(err) {
				return err
			}
			slog.Warn("tracking: poll failed", "error", err)
		}
		if terminal(p.rec) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func terminal(rec *Reconciler) bool {
	s, seen := rec.State()
	return seen && order.Status(s.Status).Terminal()
}
