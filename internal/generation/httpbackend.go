package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/evolvingprimate/algorhythmic/internal/core/model"
)

// HTTPBackend calls a generation API over HTTP. Rate limits, 5xx responses
// and connection resets surface as TransientError so the runner retries
// them before they count against the breaker.
type HTTPBackend struct {
	url    string
	client *http.Client
}

func NewHTTPBackend(url string) *HTTPBackend {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	// no client-level timeout: the runner's adaptive deadline owns cancellation
	return &HTTPBackend{
		url:    url,
		client: &http.Client{Transport: transport},
	}
}

type generateRequest struct {
	JobID     string   `json:"job_id"`
	UserID    string   `json:"user_id"`
	SessionID string   `json:"session_id,omitempty"`
	Styles    []string `json:"styles,omitempty"`
	Priority  string   `json:"priority,omitempty"`
}

func (b *HTTPBackend) Generate(ctx context.Context, req Request) (model.Artwork, error) {
	raw, err := json.Marshal(generateRequest{
		JobID:     req.JobID,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Styles:    req.Styles,
		Priority:  req.Priority,
	})
	if err != nil {
		return model.Artwork{}, fmt.Errorf("marshal generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(raw))
	if err != nil {
		return model.Artwork{}, fmt.Errorf("build generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return model.Artwork{}, ctx.Err()
		}
		// network-level failures are worth retrying
		return model.Artwork{}, &TransientError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.Artwork{}, &TransientError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return model.Artwork{}, &TransientError{Err: fmt.Errorf("backend status %d", resp.StatusCode)}
	default:
		return model.Artwork{}, fmt.Errorf("backend status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var art model.Artwork
	if err := json.Unmarshal(body, &art); err != nil {
		return model.Artwork{}, fmt.Errorf("decode artwork: %w", err)
	}
	if !art.Valid() {
		return model.Artwork{}, errors.New("backend returned artwork without image reference")
	}
	return art, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
