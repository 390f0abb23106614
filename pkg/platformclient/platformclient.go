// Package platformclient talks to the third-party microblogging Platform:
// posting content and refreshing OAuth2 tokens, through an optional
// per-account HTTP proxy.
package platformclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const (
	publishURL = "https://api.x.com/2/tweets"
	refreshURL = "https://api.x.com/2/oauth2/token"

	requestTimeout = 15 * time.Second
)

// RateLimit captures the rate-limit response headers, all optional.
type RateLimit struct {
	Limit     *int
	Remaining *int
	ResetAt   *time.Time
}

// ProxyConfig describes a per-account HTTP proxy.
type ProxyConfig struct {
	Protocol string // "HTTP" or "HTTPS"
	Host     string
	Port     int
	Username string
	Password string
}

// PublishResult is the outcome of a Publish call.
type PublishResult struct {
	Success      bool
	PostID       string
	HTTPStatus   int
	ErrorCode    string
	ErrorMessage string
	RateLimit    RateLimit
}

// RefreshResult is the outcome of a RefreshToken call.
type RefreshResult struct {
	Success      bool
	AccessToken  string
	RefreshToken string // empty if the Platform did not rotate it
	ExpiresAt    time.Time
	HTTPStatus   int
	ErrorMessage string
	RateLimit    RateLimit
}

// Client is the Platform HTTP client. A single Client is safe for concurrent
// use; per-proxy dispatchers are memoized process-wide.
type Client struct {
	base         *http.Client
	clientID     string
	clientSecret string
	mock         bool

	mu          sync.Mutex
	dispatchers map[string]*http.Client
}

// Config configures a new Client.
type Config struct {
	ClientID     string
	ClientSecret string
	Mock         bool // MOCK_X_API: synthesize successes instead of calling the Platform
}

// New creates a Platform Client.
func New(cfg Config) *Client {
	return &Client{
		base:         &http.Client{Timeout: requestTimeout},
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		mock:         cfg.Mock,
		dispatchers:  make(map[string]*http.Client),
	}
}

// Publish posts text to the Platform on behalf of the caller's access token.
func (c *Client) Publish(ctx context.Context, accessToken, text string, proxy *ProxyConfig) (PublishResult, error) {
	if c.mock {
		return PublishResult{
			Success:    true,
			PostID:     "mock-" + uuid.NewString(),
			HTTPStatus: http.StatusCreated,
			RateLimit: RateLimit{
				Limit:     intPtr(300),
				Remaining: intPtr(299),
				ResetAt:   timePtr(time.Now().Add(15 * time.Minute)),
			},
		}, nil
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return PublishResult{}, fmt.Errorf("platformclient: encoding publish body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, publishURL, strings.NewReader(string(body)))
	if err != nil {
		return PublishResult{}, fmt.Errorf("platformclient: building publish request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	httpClient, err := c.dispatcherFor(proxy)
	if err != nil {
		return PublishResult{}, err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return PublishResult{}, fmt.Errorf("platformclient: publish request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	rl := parseRateLimitHeaders(resp.Header)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		postID := parseSuccessPostID(raw)
		return PublishResult{
			Success:    true,
			PostID:     postID,
			HTTPStatus: resp.StatusCode,
			RateLimit:  rl,
		}, nil
	}

	code, message := parseErrorBody(raw, resp.StatusCode)
	return PublishResult{
		Success:      false,
		HTTPStatus:   resp.StatusCode,
		ErrorCode:    code,
		ErrorMessage: message,
		RateLimit:    rl,
	}, nil
}

// oauth2Config builds the client credentials half of the refresh exchange.
// The Platform's refresh grant carries no scopes of its own.
func (c *Client) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: refreshURL},
	}
}

// RefreshToken exchanges a refresh token for a new access token, via
// golang.org/x/oauth2's token source so the grant, retry-on-expiry, and
// response parsing all follow the standard OAuth2 flow.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string, proxy *ProxyConfig) (RefreshResult, error) {
	if c.mock {
		return RefreshResult{
			Success:     true,
			AccessToken: "mock-access-" + uuid.NewString(),
			ExpiresAt:   time.Now().Add(time.Hour),
		}, nil
	}

	if c.clientID == "" || c.clientSecret == "" {
		return RefreshResult{
			Success:      false,
			HTTPStatus:   http.StatusInternalServerError,
			ErrorMessage: "OAuth client credentials are missing",
		}, nil
	}

	httpClient, err := c.dispatcherFor(proxy)
	if err != nil {
		return RefreshResult{}, err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	source := c.oauth2Config().TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return refreshErrorResult(err), nil
	}

	return RefreshResult{
		Success:      true,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
		HTTPStatus:   http.StatusOK,
	}, nil
}

// refreshErrorResult translates an *oauth2.RetrieveError (the typed error
// the token source returns for a non-2xx token endpoint response) into a
// RefreshResult; any other error (transport failure, context cancellation)
// falls back to a zero HTTP status.
func refreshErrorResult(err error) RefreshResult {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		_, message := parseErrorBody(retrieveErr.Body, retrieveErr.Response.StatusCode)
		return RefreshResult{
			Success:      false,
			HTTPStatus:   retrieveErr.Response.StatusCode,
			ErrorMessage: message,
		}
	}
	return RefreshResult{
		Success:      false,
		ErrorMessage: fmt.Sprintf("platformclient: refresh request failed: %v", err),
	}
}

// dispatcherFor returns the memoized *http.Client for a proxy configuration,
// or the default client when proxy is nil.
func (c *Client) dispatcherFor(proxy *ProxyConfig) (*http.Client, error) {
	if proxy == nil {
		return c.base, nil
	}

	key := strings.Join([]string{
		proxy.Protocol, proxy.Host, strconv.Itoa(proxy.Port), proxy.Username, proxy.Password,
	}, "|")

	c.mu.Lock()
	defer c.mu.Unlock()

	if d, ok := c.dispatchers[key]; ok {
		return d, nil
	}

	proxyURL, err := buildProxyURL(proxy)
	if err != nil {
		return nil, err
	}

	d := &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
	}
	c.dispatchers[key] = d
	return d, nil
}

// buildProxyURL constructs protocol://[urlenc(user)[:urlenc(pw)]@]host:port,
// where urlencoding maps %20 to + (url.QueryEscape's behavior).
func buildProxyURL(proxy *ProxyConfig) (*url.URL, error) {
	var userinfo string
	if proxy.Username != "" {
		if proxy.Password != "" {
			userinfo = url.QueryEscape(proxy.Username) + ":" + url.QueryEscape(proxy.Password) + "@"
		} else {
			userinfo = url.QueryEscape(proxy.Username) + "@"
		}
	}

	raw := fmt.Sprintf("%s://%s%s:%d", strings.ToLower(proxy.Protocol), userinfo, proxy.Host, proxy.Port)
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("platformclient: invalid proxy configuration: %w", err)
	}
	return u, nil
}

func parseRateLimitHeaders(h http.Header) RateLimit {
	var rl RateLimit
	if v := h.Get("x-rate-limit-limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			rl.Limit = &n
		}
	}
	if v := h.Get("x-rate-limit-remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			rl.Remaining = &n
		}
	}
	if v := h.Get("x-rate-limit-reset"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.Unix(n, 0)
			rl.ResetAt = &t
		}
	}
	return rl
}

func parseSuccessPostID(raw []byte) string {
	var payload struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	return payload.Data.ID
}

// parseErrorBody tolerantly extracts an error code and message from a
// Platform error body. Field preference: message, else detail, else title,
// else the first errors[].message. Malformed JSON never escalates — it
// falls back to a synthetic message keyed by HTTP status.
func parseErrorBody(raw []byte, status int) (code, message string) {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
		Title   string `json:"title"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}

	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Sprintf("x_publish_failed_%d", status)
	}

	switch {
	case payload.Message != "":
		message = payload.Message
	case payload.Detail != "":
		message = payload.Detail
	case payload.Title != "":
		message = payload.Title
	case len(payload.Errors) > 0 && payload.Errors[0].Message != "":
		message = payload.Errors[0].Message
	default:
		message = fmt.Sprintf("x_publish_failed_%d", status)
	}

	return payload.Error, message
}

func intPtr(n int) *int           { return &n }
func timePtr(t time.Time) *time.Time { return &t }
