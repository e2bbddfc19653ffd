package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/api"
)

// APIError is a non-2xx response from the node.
type APIError struct {
	Status int               // Status is the HTTP status code
	Body   api.ErrorResponse // Body is the decoded error body
}

func (e *APIError) Error() string {
	if e.Body.Code != "" {
		return fmt.Sprintf("%s (%s, status %d)", e.Body.Error, e.Body.Code, e.Status)
	}

	return fmt.Sprintf("%s (status %d)", e.Body.Error, e.Status)
}

// Retryable reports whether the node asked for a retry after re-reading state.
func (e *APIError) Retryable() bool {
	return e.Body.Retryable
}

// httpGet performs a GET request and decodes the JSON response.
func (c *Client) httpGet(path string, result any) error {
	return c.do(http.MethodGet, path, nil, result)
}

// httpPostJSON performs a POST request with JSON body and decodes the JSON response.
func (c *Client) httpPostJSON(path string, body any, result any) error {
	return c.do(http.MethodPost, path, body, result)
}

// do sends a request as the client identity.
func (c *Client) do(method, path string, body any, result any) error {
	var reader io.Reader = http.NoBody

	if body != nil {
		jsonBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body:\n%w", err)
		}
		reader = bytes.NewReader(jsonBytes)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s:\n%w", method, path, err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.identity != "" {
		req.Header.Set(api.IdentityHeader, c.identity)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s:\n%w", method, path, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.Body); err != nil {
			apiErr.Body.Error = http.StatusText(resp.StatusCode)
		}

		return apiErr
	}

	if result == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(result)
}
