package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/auth/apikey"
	"github.com/rhuss/toolrunner/pkg/auth/noop"
)

// client calls the toolrunner HTTP API.
type client struct {
	baseURL string
	apiKey  string
	tenant  string
	http    *http.Client
}

func newClient(baseURL, apiKey, tenant string, timeout time.Duration) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		tenant:  tenant,
		http:    &http.Client{Timeout: timeout},
	}
}

// apiError is a non-2xx response that carried no execution result.
type apiError struct {
	Status int
	Err    *api.ExecError
}

func (e *apiError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return e.Err.Error()
}

// do sends body as JSON and decodes the response into out. A response
// whose status is in accept is decoded even when it is not 2xx.
func (c *client) do(ctx context.Context, method, path string, body, out any, accept ...int) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(apikey.HeaderName, c.apiKey)
	}
	if c.tenant != "" {
		req.Header.Set(noop.TenantHeader, c.tenant)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	ok := resp.StatusCode/100 == 2
	for _, s := range accept {
		ok = ok || resp.StatusCode == s
	}
	if !ok {
		var er api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil && !errors.Is(err, io.EOF) {
			return resp.StatusCode, &apiError{Status: resp.StatusCode}
		}
		return resp.StatusCode, &apiError{Status: resp.StatusCode, Err: er.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}
