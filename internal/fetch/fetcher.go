// Package fetch implements the rate-limited, circuit-breaker-guarded
// HTTP data provider client: URL assembly, JSON decoding,
// schema-tolerant parsing, and the provider's error taxonomy.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"backend/internal/scan"
)

// MetricsSink receives per-call latency/outcome observations. The
// orchestrator's *scan.MetricsTracker satisfies this.
type MetricsSink interface {
	RecordAPICall(latencyMs int64, ok, rateLimited, aborted, timedOut, subscriptionRestricted bool)
}

// Fetcher is the process-wide HTTP client for outbound price-history
// calls, sharing one rate limiter and one circuit breaker across every
// concurrent caller.
type Fetcher struct {
	httpClient *http.Client
	limiter    *scan.RateLimiter
	breaker    *scan.CircuitBreaker

	baseURL string
	apiKey  string
	paused  func() bool

	callTimeout time.Duration
}

// New builds a Fetcher. paused is polled on every call so the
// DATA_API_REQUESTS_PAUSED kill-switch can be flipped at runtime
// without reconstructing the fetcher.
func New(baseURL, apiKey string, limiter *scan.RateLimiter, breaker *scan.CircuitBreaker, callTimeout time.Duration, paused func() bool) *Fetcher {
	return &Fetcher{
		httpClient:  &http.Client{Timeout: callTimeout + 5*time.Second},
		limiter:     limiter,
		breaker:     breaker,
		baseURL:     baseURL,
		apiKey:      apiKey,
		paused:      paused,
		callTimeout: callTimeout,
	}
}

// providerEnvelope tolerates the provider's two documented top-level
// error signal shapes plus a successful {results:[...]} body.
type providerEnvelope struct {
	Status  string          `json:"status"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Note    string          `json:"Note"`
	Results json.RawMessage `json:"results"`
}

// rateLimitBackoffBase is the first retry delay after a rate-limited
// response; doubled per attempt up to the 30s cap. A variable so tests
// can shrink it.
var rateLimitBackoffBase = 1500 * time.Millisecond

var rateLimitPhrases = []string{
	"thank you for using alpha vantage",
	"our standard api rate limit",
	"rate limit",
}

// isRateLimitShaped reports whether the decoded envelope carries a
// provider-encoded rate-limit signal rather than a transport-level 429.
func isRateLimitShaped(env providerEnvelope) bool {
	if strings.EqualFold(env.Status, "ERROR") {
		return true
	}
	if env.Error != "" || env.Message != "" {
		return true
	}
	note := strings.ToLower(env.Note)
	for _, phrase := range rateLimitPhrases {
		if strings.Contains(note, phrase) {
			return true
		}
	}
	return false
}

// sanitiseURL replaces the apiKey query value with *** so it is never
// written to a log line.
func sanitiseURL(rawURL, apiKey string) string {
	if apiKey == "" {
		return rawURL
	}
	return strings.ReplaceAll(rawURL, apiKey, "***")
}

// FetchJSON acquires a rate slot, asserts the circuit is closed, issues
// a GET with a fixed per-request timeout, decodes the body, and
// inspects the payload for provider-encoded errors. On a 429 or a
// rate-limit-shaped body it retries up to 3 times with exponential
// backoff starting at 1.5s and capped at 30s.
func (f *Fetcher) FetchJSON(ctx context.Context, rawURL, label string, sink MetricsSink) (json.RawMessage, error) {
	if f.paused != nil && f.paused() {
		return nil, scan.NewKindedError(scan.KindPaused, label, nil)
	}

	backoff := rateLimitBackoffBase
	const maxBackoff = 30 * time.Second
	const maxAttempts = 4 // the first call plus up to 3 rate-limit retries

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, scan.NewKindedError(scan.KindAborted, label, ctx.Err())
		}

		body, err := f.attemptOnce(ctx, rawURL, label, sink)
		if err == nil {
			return body, nil
		}
		lastErr = err

		kind := scan.KindOf(err)
		if kind != scan.KindRateLimited {
			return nil, err
		}

		if attempt == maxAttempts-1 {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, scan.NewKindedError(scan.KindAborted, label, ctx.Err())
		case <-timer.C:
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return nil, lastErr
}

func (f *Fetcher) attemptOnce(ctx context.Context, rawURL, label string, sink MetricsSink) (json.RawMessage, error) {
	if err := f.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	if !f.breaker.Allow() {
		return nil, scan.NewKindedError(scan.KindCircuitOpen, label, nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, f.callTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		kerr := scan.NewKindedError(scan.KindNetwork, label, err)
		f.breaker.RecordResult(kerr)
		return nil, kerr
	}

	resp, err := f.httpClient.Do(req)
	latencyMs := time.Since(start).Milliseconds()
	if err != nil {
		kind := scan.KindNetwork
		if callCtx.Err() != nil {
			if ctx.Err() != nil {
				kind = scan.KindAborted
			} else {
				kind = scan.KindTimeout
			}
		}
		kerr := scan.NewKindedError(kind, label, err)
		f.breaker.RecordResult(kerr)
		if sink != nil {
			sink.RecordAPICall(latencyMs, false, false, kind == scan.KindAborted, kind == scan.KindTimeout, false)
		}
		return nil, kerr
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		kerr := scan.NewKindedError(scan.KindNetwork, label, err)
		f.breaker.RecordResult(kerr)
		return nil, kerr
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		kerr := scan.NewKindedError(scan.KindRateLimited, label, nil)
		f.breaker.RecordResult(kerr)
		if sink != nil {
			sink.RecordAPICall(latencyMs, false, true, false, false, false)
		}
		return nil, kerr
	}

	if resp.StatusCode == http.StatusForbidden && looksLikeSubscriptionRestriction(rawBody) {
		kerr := scan.NewKindedError(scan.KindSubscriptionRestricted, label, nil)
		f.breaker.RecordResult(kerr)
		if sink != nil {
			sink.RecordAPICall(latencyMs, false, false, false, false, true)
		}
		return nil, kerr
	}

	if resp.StatusCode >= 500 {
		kerr := scan.NewBadStatusError(resp.StatusCode, label, fmt.Errorf("server error"))
		f.breaker.RecordResult(kerr)
		if sink != nil {
			sink.RecordAPICall(latencyMs, false, false, false, false, false)
		}
		return nil, kerr
	}

	if resp.StatusCode >= 400 {
		kerr := scan.NewBadStatusError(resp.StatusCode, label, fmt.Errorf("client error"))
		f.breaker.RecordResult(kerr)
		return nil, kerr
	}

	var env providerEnvelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		// A bare top-level array is the provider's second tolerated
		// shape, not a decoding failure: hand it back unchanged.
		var arr []json.RawMessage
		if json.Unmarshal(rawBody, &arr) == nil {
			f.breaker.RecordResult(nil)
			if sink != nil {
				sink.RecordAPICall(latencyMs, true, false, false, false, false)
			}
			return rawBody, nil
		}
		log.Printf("fetch %s: response body did not match the tolerant envelope shape, treating as empty: %v", label, err)
		f.breaker.RecordResult(nil)
		if sink != nil {
			sink.RecordAPICall(latencyMs, true, false, false, false, false)
		}
		return json.RawMessage("[]"), nil
	}

	if isRateLimitShaped(env) {
		kerr := scan.NewKindedError(scan.KindRateLimited, label, nil)
		f.breaker.RecordResult(kerr)
		if sink != nil {
			sink.RecordAPICall(latencyMs, false, true, false, false, false)
		}
		return nil, kerr
	}

	f.breaker.RecordResult(nil)
	if sink != nil {
		sink.RecordAPICall(latencyMs, true, false, false, false, false)
	}

	if len(env.Results) > 0 {
		return env.Results, nil
	}
	return rawBody, nil
}

func looksLikeSubscriptionRestriction(body []byte) bool {
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "not entitled") || strings.Contains(lower, "subscription") && strings.Contains(lower, "upgrade")
}

// FetchArrayWithFallback tries each candidate URL in order, returning
// the first non-empty decoded array. A rate-limit or paused error
// short-circuits the whole attempt (retrying the next candidate would
// just spend the same exhausted budget). Returns an empty slice only
// if every candidate parsed successfully but yielded no rows; a body
// that is valid JSON in neither array shape counts as no rows. If no
// candidate yielded rows and any candidate failed with another error,
// the last such error is returned.
func (f *Fetcher) FetchArrayWithFallback(ctx context.Context, label string, urls []string, sink MetricsSink) ([]json.RawMessage, error) {
	var lastErr error
	for _, u := range urls {
		body, err := f.FetchJSON(ctx, u, label, sink)
		if err != nil {
			switch scan.KindOf(err) {
			case scan.KindRateLimited, scan.KindPaused, scan.KindAborted:
				return nil, err
			default:
				lastErr = err
				continue
			}
		}

		rows, ok := decodeTolerantArray(body)
		if !ok {
			continue
		}
		if len(rows) > 0 {
			return rows, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return []json.RawMessage{}, nil
}

// decodeTolerantArray accepts either a bare JSON array or an object
// carrying the rows under a "historical" key, matching the provider's
// two documented response shapes.
func decodeTolerantArray(body json.RawMessage) ([]json.RawMessage, bool) {
	var arr []json.RawMessage
	if err := json.Unmarshal(body, &arr); err == nil {
		return arr, true
	}

	var wrapper struct {
		Historical []json.RawMessage `json:"historical"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Historical != nil {
		return wrapper.Historical, true
	}

	return nil, false
}

// BuildAggsURL assembles the bar-history endpoint URL, percent-encoding
// the symbol and forbidding empty query values.
func BuildAggsURL(base, symbol string, multiplier int, timespan, from, to, apiKey string) (string, error) {
	if symbol == "" || timespan == "" || from == "" || to == "" || apiKey == "" {
		return "", fmt.Errorf("fetch: empty query value not allowed")
	}
	u, err := url.Parse(fmt.Sprintf("%s/v2/aggs/ticker/%s/range/%d/%s/%s/%s",
		strings.TrimRight(base, "/"), url.PathEscape(symbol), multiplier, timespan, from, to))
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("adjusted", "true")
	q.Set("sort", "asc")
	q.Set("limit", "50000")
	q.Set("apiKey", apiKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// BuildIndicatorURL assembles an ema/sma indicator endpoint URL.
func BuildIndicatorURL(base, kind, symbol string, window int, apiKey string) (string, error) {
	if kind == "" || symbol == "" || apiKey == "" {
		return "", fmt.Errorf("fetch: empty query value not allowed")
	}
	u, err := url.Parse(fmt.Sprintf("%s/v1/indicators/%s/%s", strings.TrimRight(base, "/"), kind, url.PathEscape(symbol)))
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("timespan", "day")
	q.Set("window", strconv.Itoa(window))
	q.Set("series_type", "close")
	q.Set("order", "desc")
	q.Set("limit", "1")
	q.Set("apiKey", apiKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SanitiseURL is exported for callers that log fetch URLs elsewhere.
func SanitiseURL(rawURL, apiKey string) string { return sanitiseURL(rawURL, apiKey) }
