package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/validation-cli/internal/resilience"
)

// adaptiveLimiter backs off after 429s and recovers on success, between a
// quarter and twice the configured rate.
type adaptiveLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	initial rate.Limit
	current rate.Limit
}

func newAdaptiveLimiter(r rate.Limit, burst int) *adaptiveLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &adaptiveLimiter{limiter: rate.NewLimiter(r, burst), initial: r, current: r}
}

func (a *adaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

func (a *adaptiveLimiter) onSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = min(a.current*1.2, a.initial*2)
	a.limiter.SetLimit(a.current)
}

func (a *adaptiveLimiter) onRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = max(a.current*0.5, a.initial/4)
	a.limiter.SetLimit(a.current)
	zap.L().Warn("capability: reducing request rate after 429",
		zap.Float64("new_rate", float64(a.current)),
	)
}

// HTTPOptions configures HTTPProvider.
type HTTPOptions struct {
	BaseURL string
	// Endpoints overrides the URL for individual capabilities. Others are
	// served from BaseURL + "/" + capability.
	Endpoints map[string]string
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
	Client    *http.Client
}

// HTTPProvider posts each request as JSON to a capability endpoint.
type HTTPProvider struct {
	baseURL   string
	endpoints map[string]string
	client    *http.Client
	limiter   *adaptiveLimiter
}

// NewHTTPProvider creates an HTTP capability provider.
func NewHTTPProvider(opts HTTPOptions) *HTTPProvider {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	return &HTTPProvider{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		endpoints: opts.Endpoints,
		client:    client,
		limiter:   newAdaptiveLimiter(limit, opts.RateBurst),
	}
}

func (p *HTTPProvider) endpoint(c Name) string {
	if u, ok := p.endpoints[string(c)]; ok && u != "" {
		return u
	}
	return p.baseURL + "/" + string(c)
}

// Invoke posts req and decodes a Response. 408/429/5xx come back as
// resilience.TransientError; other failures are permanent.
func (p *HTTPProvider) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "capability: rate limiter")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrapf(err, "capability: marshal %s request", req.Capability)
	}

	url := p.endpoint(req.Capability)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrapf(err, "capability: build %s request", req.Capability)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", idempotencyKey(req))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "capability: post %s", req.Capability), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "capability: read %s response", req.Capability), resp.StatusCode)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		p.limiter.onRateLimit()
	}
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return nil, resilience.NewTransientError(
			eris.Errorf("capability: %s returned %d", req.Capability, resp.StatusCode), resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, eris.Errorf("capability: %s returned %d: %s", req.Capability, resp.StatusCode, truncate(data, 200))
	}
	p.limiter.onSuccess()

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, eris.Wrapf(ErrInvalidOutput, "%s: decode envelope: %v", req.Capability, err)
	}
	out.Capability = req.Capability
	return &out, nil
}

// idempotencyKey lets capability services deduplicate a replayed step.
func idempotencyKey(req Request) string {
	key := fmt.Sprintf("%s:%s:%s", req.RunID, req.Phase, req.Capability)
	if v, ok := req.Inputs["idempotency_key"]; ok {
		key = fmt.Sprintf("%s:%v", key, v)
	}
	return key
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
