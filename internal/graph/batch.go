package graph

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pysugar/teams-sync/internal/domain"
)

// MaxBatchSize is the most requests Graph accepts in one $batch call.
const MaxBatchSize = 20

// BatchRequest is one request inside a $batch call. URL is relative to the
// API version root, e.g. "/users/a@b.com".
type BatchRequest struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Body    any               `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// BatchResponse is one response inside a $batch reply.
type BatchResponse struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// OK reports a 2xx status.
func (r BatchResponse) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Err classifies a failed batch item, or returns nil for a success.
func (r BatchResponse) Err() error {
	if r.OK() {
		return nil
	}
	header := http.Header{}
	for k, v := range r.Headers {
		header.Set(k, v)
	}
	return classify("graph batch "+r.ID, r.Status, header, r.Body, time.Now())
}

// Batch sends up to MaxBatchSize requests in one call and returns the
// responses keyed by request id. Throttled items open the client's
// throttling window with the longest Retry-After among them.
func (c *Client) Batch(ctx context.Context, requests []BatchRequest) (map[string]BatchResponse, error) {
	if len(requests) == 0 {
		return map[string]BatchResponse{}, nil
	}
	if len(requests) > MaxBatchSize {
		return nil, domain.New(domain.KindValidation, "graph.batch", "batch of %d exceeds the limit of %d", len(requests), MaxBatchSize)
	}

	var reply struct {
		Responses []BatchResponse `json:"responses"`
	}
	if err := c.CallJSON(ctx, http.MethodPost, "/$batch", map[string]any{"requests": requests}, &reply); err != nil {
		return nil, err
	}

	out := make(map[string]BatchResponse, len(reply.Responses))
	var (
		throttled bool
		longest   time.Duration
	)
	for _, r := range reply.Responses {
		out[r.ID] = r
		if r.Status == http.StatusTooManyRequests {
			throttled = true
			longest = max(longest, domain.RetryAfterOf(r.Err()))
		}
	}
	// A throttled item closes the window for every caller of this client.
	if throttled {
		c.limiter.RecordRateLimit(longest)
	}
	return out, nil
}
