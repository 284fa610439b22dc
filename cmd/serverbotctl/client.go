package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/serverbot/internal/api"
)

// client talks to the daemon's HTTP surface.
type client struct {
	base string
	http *http.Client
	log  *zap.Logger
}

func newClient(base string, log *zap.Logger) *client {
	return &client{base: base, http: &http.Client{Timeout: 10 * time.Second}, log: log}
}

// do sends in as JSON (when non-nil) and decodes the reply into out.
func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.log.Debug("request", zap.String("method", method), zap.String("url", req.URL.String()))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb api.ErrorBody
		if json.NewDecoder(resp.Body).Decode(&eb) == nil && eb.Error != "" {
			if eb.Kind != "" {
				return fmt.Errorf("%s (%s)", eb.Error, eb.Kind)
			}
			return fmt.Errorf("%s", eb.Error)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
