// Package authority talks to the external licensing authority that confirms
// issued and revoked packs.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Submission is the payload sent for one confirmation request. ID is the
// correlation id the authority echoes back in its callback.
type Submission struct {
	ID              string     `json:"id"`
	Kind            string     `json:"kind"`
	ProcessType     string     `json:"process_type"`
	CaseReference   string     `json:"case_reference"`
	LicenceCategory string     `json:"licence_category"`
	Documents       []Document `json:"documents"`
}

type Document struct {
	Type      string `json:"type"`
	Reference string `json:"reference"`
	Country   string `json:"country,omitempty"`
	CheckCode string `json:"check_code"`
}

// Client posts submissions to the authority's HTTP endpoint.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Timeout: 10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("authority error: status=%d body=%s", e.StatusCode, e.Body)
}

// Send posts s to <base>/licences.
func (c *Client) Send(ctx context.Context, s Submission) error {
	return c.do(ctx, http.MethodPost, "licences", s, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Discard logs submissions instead of sending them. It stands in for the
// authority when no endpoint is configured.
type Discard struct {
	Logger *log.Logger
}

func (d Discard) Send(_ context.Context, s Submission) error {
	logger := d.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("authority: no endpoint configured, dropped kind=%s id=%s case=%s documents=%d", s.Kind, s.ID, s.CaseReference, len(s.Documents))
	return nil
}
