package catalog

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"tunesync/logger"
)

// Record is one opaque track record as returned by the remote catalog.
// The sync pipeline only interprets the handful of fields it needs; the
// materializer owns the schema knowledge.
type Record map[string]any

// ID returns the record's remote id, which every record must carry.
func (r Record) ID() (string, error) {
	v, ok := r["id"]
	if !ok {
		return "", fmt.Errorf("record has no id field")
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("record id is not a non-empty string: %v", v)
	}
	return s, nil
}

// Deleted reports the record's deletion tombstone flag. Absent means false.
func (r Record) Deleted() bool {
	b, _ := r["deleted"].(bool)
	return b
}

// Page is one fetched slice of the remote catalog. An empty NextToken means
// the catalog is exhausted.
type Page struct {
	Records   []Record
	NextToken string
}

// Session is an authenticated remote session. Sessions are short-lived:
// the pagination task opens one per invocation and never carries it across
// a task boundary.
type Session struct {
	Token string
}

// Client is the paginated-fetch contract the pipeline consumes. Login and
// Logout are always paired by the caller; transport and auth failures
// propagate uncaught so the task queue's retry policy owns recovery.
type Client interface {
	Login(ctx context.Context, email, password, deviceID string) (*Session, error)
	ListTracks(ctx context.Context, session *Session, pageToken string, pageSize int) (*Page, error)
	Logout(ctx context.Context, session *Session) error
}

// HTTPClient talks to the remote catalog's REST API.
type HTTPClient struct {
	BaseURL    string
	HTTPClient *http.Client
	limiter    *rate.Limiter
}

// NewHTTPClient builds a client. ratePerSecond bounds outbound calls to the
// remote API; zero or negative disables limiting.
func NewHTTPClient(baseURL string, ratePerSecond float64) *HTTPClient {
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	}
	return &HTTPClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: limiter,
	}
}

func (c *HTTPClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// Login opens a session against the remote catalog.
func (c *HTTPClient) Login(ctx context.Context, email, password, deviceID string) (*Session, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]string{
		"email":    email,
		"password": password,
		"deviceId": deviceID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode login payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/auth/login", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login rejected with status %d", resp.StatusCode)
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode login response: %w", err)
	}
	if result.Token == "" {
		return nil, fmt.Errorf("login response carried no session token")
	}

	logger.Debug("catalog session opened")
	return &Session{Token: result.Token}, nil
}

// ListTracks fetches one page of the track catalog.
func (c *HTTPClient) ListTracks(ctx context.Context, session *Session, pageToken string, pageSize int) (*Page, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	u, err := url.Parse(c.BaseURL + "/library/tracks")
	if err != nil {
		return nil, fmt.Errorf("failed to build tracks URL: %w", err)
	}
	q := u.Query()
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	q.Set("pageSize", strconv.Itoa(pageSize))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracks request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+session.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracks request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracks request returned status %d", resp.StatusCode)
	}

	var result struct {
		Items         []Record `json:"items"`
		NextPageToken string   `json:"nextPageToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode tracks response: %w", err)
	}

	return &Page{Records: result.Items, NextToken: result.NextPageToken}, nil
}

// Logout closes the session. Errors are returned but callers typically only
// log them; the session expires server-side regardless.
func (c *HTTPClient) Logout(ctx context.Context, session *Session) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/auth/logout", nil)
	if err != nil {
		return fmt.Errorf("failed to create logout request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+session.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("logout request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("logout returned status %d", resp.StatusCode)
	}
	return nil
}

const deviceIDAlphabet = "1234567890abcdef"

// RandomDeviceID generates the 16-character hex device id the remote API
// wants alongside login.
func RandomDeviceID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // crypto/rand does not fail on supported platforms
	}
	for i, b := range buf {
		buf[i] = deviceIDAlphabet[int(b)%len(deviceIDAlphabet)]
	}
	return string(buf)
}
