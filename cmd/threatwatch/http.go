package main

// ---------------------------------------------------------------------------
// http.go - client for a running instance's API
// ---------------------------------------------------------------------------

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

type apiClient struct {
	base   string
	apiKey string
	client *http.Client
}

func newAPIClient(base, apiKey string, timeout time.Duration) *apiClient {
	return &apiClient{base: base, apiKey: apiKey, client: &http.Client{Timeout: timeout}}
}

// apiError is a non-2xx response.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(e.Body), &body) == nil && body.Error != "" {
		return fmt.Sprintf("API returned HTTP %d: %s", e.Status, body.Error)
	}
	return fmt.Sprintf("API returned HTTP %d: %s", e.Status, e.Body)
}

// do sends a request and returns the raw body. payload may be nil, raw
// bytes, or a value to encode as JSON.
func (c *apiClient) do(method, path string, payload interface{}) ([]byte, error) {
	var r io.Reader
	switch p := payload.(type) {
	case nil:
	case []byte:
		r = bytes.NewReader(p)
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, r)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if r != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to threatwatch API at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return body, fmt.Errorf("authentication failed (HTTP %d), provide --api-key or set THREATWATCH_API_KEY", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return body, &apiError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func (c *apiClient) get(path string, out interface{}) ([]byte, error) {
	body, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return body, err
	}
	return body, decodeInto(body, out)
}

func (c *apiClient) post(path string, payload, out interface{}) ([]byte, error) {
	body, err := c.do(http.MethodPost, path, payload)
	if err != nil {
		return body, err
	}
	return body, decodeInto(body, out)
}

func decodeInto(body []byte, out interface{}) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
