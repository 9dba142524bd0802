package listwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type FeedClientOptions struct {
	// Domain is the feed server, with or without scheme.
	Domain     string
	Token      string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// FeedClient reads resources and their metadata from the change-feed
// server.
type FeedClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type FeedError struct {
	StatusCode int
	Path       string
	Message    string
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("feed get %s failed: status=%d message=%s", e.Path, e.StatusCode, e.Message)
}

// ResourceMeta is the part of a resource's _meta document used for
// staleness. Absent fields stay nil.
type ResourceMeta struct {
	Modified            *float64
	Rev                 *int64
	LastRevSyncOverride *int64
}

func (m *ResourceMeta) UnmarshalJSON(data []byte) error {
	var raw struct {
		Modified            json.RawMessage `json:"modified"`
		Rev                 json.RawMessage `json:"_rev"`
		LastRevSyncOverride json.RawMessage `json:"lastrev_syncoverride"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := looseNumber(raw.Modified); ok {
		m.Modified = &v
	}
	if v, ok := looseNumber(raw.Rev); ok {
		rev := int64(v)
		m.Rev = &rev
	}
	if v, ok := looseNumber(raw.LastRevSyncOverride); ok {
		rev := int64(v)
		m.LastRevSyncOverride = &rev
	}
	return nil
}

// ModifiedTime converts the unix-seconds modified stamp.
func (m ResourceMeta) ModifiedTime() time.Time {
	if m.Modified == nil || *m.Modified <= 0 {
		return time.Time{}
	}
	secs := int64(*m.Modified)
	nanos := int64((*m.Modified - float64(secs)) * float64(time.Second))
	return time.Unix(secs, nanos).UTC()
}

// looseNumber accepts a JSON number or a numeric string.
func looseNumber(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return n, err == nil
}

func NewFeedClient(opts FeedClientOptions) (*FeedClient, error) {
	domain := strings.TrimRight(strings.TrimSpace(opts.Domain), "/")
	if domain == "" {
		return nil, ErrInvalidInput
	}
	if !strings.Contains(domain, "://") {
		domain = "https://" + domain
	}
	if _, err := url.Parse(domain); err != nil {
		return nil, err
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &FeedClient{
		baseURL:    domain,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}, nil
}

// WatchURL is the websocket endpoint of the feed server.
func (c *FeedClient) WatchURL() string {
	u, _ := url.Parse(c.baseURL)
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	u.Path = "/"
	return u.String()
}

func (c *FeedClient) authHeader() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

// Get fetches the JSON document at path into out.
func (c *FeedClient) Get(ctx context.Context, path string, out any) error {
	body, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *FeedClient) Meta(ctx context.Context, path string) (ResourceMeta, error) {
	var meta ResourceMeta
	err := c.Get(ctx, strings.TrimRight(path, "/")+"/_meta", &meta)
	return meta, err
}

func (c *FeedClient) get(ctx context.Context, path string) ([]byte, error) {
	target := c.baseURL + "/" + strings.TrimLeft(path, "/")
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header = c.authHeader()
		req.Header.Set("Accept", "application/json")
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return body, nil
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return nil, &FeedError{StatusCode: resp.StatusCode, Path: path, Message: strings.TrimSpace(string(body))}
	}
}

func (c *FeedClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfterHeader)); err == nil && seconds > 0 {
		retryAfter := time.Duration(seconds) * time.Second
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
