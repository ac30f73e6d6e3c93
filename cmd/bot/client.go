package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"skyhack.ai/internal/protocol"
)

// apiClient drives the HTTP command API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// commandError is a non-200 answer from /api/command.
type commandError struct {
	Status int
	Body   protocol.ErrorResponse
}

func (e *commandError) Error() string {
	if e.Body.Code != "" {
		return fmt.Sprintf("status=%d code=%s: %s", e.Status, e.Body.Code, e.Body.Message)
	}
	return fmt.Sprintf("status=%d: %s", e.Status, e.Body.Message)
}

func (c *apiClient) Command(ctx context.Context, command string) (protocol.CommandResponse, error) {
	var out protocol.CommandResponse
	u := c.base + "/api/command?" + url.Values{"command": {command}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return out, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return out, err
	}
	if resp.StatusCode != http.StatusOK {
		ce := &commandError{Status: resp.StatusCode}
		if err := json.Unmarshal(raw, &ce.Body); err != nil {
			ce.Body.Message = strings.TrimSpace(string(raw))
		}
		return out, ce
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode command response: %w", err)
	}
	return out, nil
}

// responsePNG decodes the PNG carried in r.
func responsePNG(r protocol.CommandResponse) ([]byte, error) {
	return base64.StdEncoding.DecodeString(r.ImgBase64)
}
