package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/auth"
)

// StatusError is a non-2xx answer from the central service.
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Path, e.Code, e.Body)
}

// client talks to the central service on behalf of one device.
type client struct {
	baseURL      string
	device       string
	key          string
	signedTokens bool
	httpClient   *http.Client
	now          func() time.Time
}

func (c *client) authorize(req *http.Request) error {
	if c.signedTokens {
		token, err := auth.SignDeviceToken(c.device, c.key, c.now(), auth.DefaultTokenTTL)
		if err != nil {
			return fmt.Errorf("sign device token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
	req.Header.Set(auth.APIKeyHeader, c.key)
	return nil
}

// post sends body to path and decodes a JSON answer into out (which may be nil).
func (c *client) post(ctx context.Context, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if err := c.authorize(req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Path: path, Code: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
