package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const DefaultGraphBaseURL = "https://graph.facebook.com/v21.0"

// GraphOption configures a GraphClient.
type GraphOption func(*GraphClient)

func WithHTTPClient(hc *http.Client) GraphOption {
	return func(c *GraphClient) { c.http = hc }
}

// WithRateLimit caps remote calls to perMinute requests per minute.
func WithRateLimit(perMinute int) GraphOption {
	return func(c *GraphClient) {
		if perMinute > 0 {
			c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
		}
	}
}

// WithRetries sets how many times a transient failure is retried and the
// base delay of the exponential backoff between attempts.
func WithRetries(maxRetries int, base time.Duration) GraphOption {
	return func(c *GraphClient) {
		c.maxRetries = maxRetries
		c.backoffBase = base
	}
}

func WithLogger(l *slog.Logger) GraphOption {
	return func(c *GraphClient) { c.logger = l }
}

// GraphClient publishes to Instagram through the Graph API: it creates a
// media container for the image and caption, then publishes the container.
type GraphClient struct {
	baseURL     *url.URL
	userID      string
	accessToken string

	http        *http.Client
	limiter     *rate.Limiter
	maxRetries  int
	backoffBase time.Duration
	logger      *slog.Logger
}

func NewGraphClient(baseURL, userID, accessToken string, opts ...GraphOption) (*GraphClient, error) {
	if baseURL == "" {
		baseURL = DefaultGraphBaseURL
	}
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse graph base url: %w", err)
	}

	c := &GraphClient{
		baseURL:     parsed,
		userID:      userID,
		accessToken: accessToken,
		http:        &http.Client{Timeout: 30 * time.Second},
		limiter:     rate.NewLimiter(rate.Every(time.Second), 1),
		maxRetries:  2,
		backoffBase: time.Second,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Publish runs the container and publish steps. The Graph API has no
// scheduled publishing for this flow, so req.PublishAt is informational.
func (c *GraphClient) Publish(ctx context.Context, req Request) (*Result, error) {
	if c.userID == "" || c.accessToken == "" {
		return nil, &Error{Op: "publish", Message: ErrMissingCredentials.Error(), Err: ErrMissingCredentials}
	}

	var container graphID
	err := c.call(ctx, "create media container", c.userID+"/media", url.Values{
		"image_url": {req.ImageURL},
		"caption":   {req.Caption},
	}, &container)
	if err != nil {
		return nil, err
	}
	if container.ID == "" {
		return nil, &Error{Op: "create media container", Message: "graph api returned no container id"}
	}

	var published graphID
	err = c.call(ctx, "publish media", c.userID+"/media_publish", url.Values{
		"creation_id": {container.ID},
	}, &published)
	if err != nil {
		return nil, err
	}

	return &Result{ContainerID: container.ID, MediaID: published.ID}, nil
}

type graphID struct {
	ID string `json:"id"`
}

type graphErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (c *GraphClient) call(ctx context.Context, op, path string, form url.Values, out any) error {
	var lastErr *Error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			c.logger.Warn("retrying graph api call",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()),
			)
			select {
			case <-ctx.Done():
				return &Error{Op: op, Message: ctx.Err().Error(), Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		err := c.do(ctx, op, path, form, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !err.Retryable() || ctx.Err() != nil {
			return err
		}
	}
	return lastErr
}

func (c *GraphClient) do(ctx context.Context, op, path string, form url.Values, out any) *Error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Op: op, Message: err.Error(), Err: err}
	}

	body := url.Values{"access_token": {c.accessToken}}
	for k, v := range form {
		body[k] = v
	}

	endpoint := c.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), strings.NewReader(body.Encode()))
	if err != nil {
		return &Error{Op: op, Message: fmt.Sprintf("build request: %v", err), Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Message: fmt.Sprintf("request: %v", err), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err), Err: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var ge graphErrorBody
		if jsonErr := json.Unmarshal(raw, &ge); jsonErr == nil && ge.Error.Message != "" {
			return &Error{Op: op, StatusCode: resp.StatusCode, Code: ge.Error.Code, Message: ge.Error.Message}
		}
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: fmt.Sprintf("graph api error %s: %s", resp.Status, strings.TrimSpace(string(raw)))}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err), Err: err}
	}
	return nil
}

// backoff doubles the base delay per attempt, capped at one minute.
func (c *GraphClient) backoff(attempt int) time.Duration {
	const maxDelay = time.Minute
	d := time.Duration(math.Pow(2, float64(attempt-1))) * c.backoffBase
	if d > maxDelay || d < 0 {
		return maxDelay
	}
	return d
}

var _ Publisher = (*GraphClient)(nil)

// IsConfigError reports whether err means the client cannot publish at all.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrMissingCredentials)
}
