package shortener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnavailable indicates the shortening service failed, timed out or
// returned an unusable reply. It is always safe to retry.
var ErrUnavailable = errors.New("link shortener unavailable")

const maxReplyBytes = 8 << 10

// APIError represents a non-2xx reply from the shortening service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("shortener status %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	return ErrUnavailable
}

// Client calls an ad-link shortening API of the common
// "?api=<key>&url=<url>&format=text" shape.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient constructs a shortener client. timeout bounds every call.
func NewClient(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid shortener base url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Shorten wraps longURL in a shortened link.
func (c *Client) Shorten(ctx context.Context, longURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	q := u.Query()
	if c.apiKey != "" {
		q.Set("api", c.apiKey)
	}
	q.Set("url", longURL)
	q.Set("format", "text")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read reply: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return "", &APIError{Status: resp.StatusCode, Message: msg}
	}
	return parseReply(body)
}

func parseReply(body []byte) (string, error) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "", fmt.Errorf("%w: empty reply", ErrUnavailable)
	}
	if strings.HasPrefix(text, "{") {
		var reply struct {
			Status       string `json:"status"`
			Message      any    `json:"message"`
			ShortenedURL string `json:"shortenedUrl"`
		}
		if err := json.Unmarshal([]byte(text), &reply); err != nil {
			return "", fmt.Errorf("%w: decode reply: %v", ErrUnavailable, err)
		}
		if reply.Status != "" && !strings.EqualFold(reply.Status, "success") {
			return "", fmt.Errorf("%w: status %s: %v", ErrUnavailable, reply.Status, reply.Message)
		}
		text = strings.TrimSpace(reply.ShortenedURL)
	}
	u, err := url.Parse(text)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: reply is not a url", ErrUnavailable)
	}
	return text, nil
}

// Direct hands links back unchanged. It is used when no shortening service
// is configured.
type Direct struct{}

func (Direct) Shorten(_ context.Context, longURL string) (string, error) {
	return longURL, nil
}
