// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// healthcheck performs an HTTP GET against the gateway health endpoint.
// Docker HEALTHCHECK uses it: exit code 0 means healthy.
func healthcheck(ctx context.Context, port int, stdout io.Writer) error {
	url := fmt.Sprintf("http://localhost:%d/health", port)

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to gateway: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d, body: %s", resp.StatusCode, body)
	}
	_, _ = fmt.Fprintf(stdout, "%s", body)
	return nil
}
