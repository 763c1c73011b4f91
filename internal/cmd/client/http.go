package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// apiURLFromEnv returns the server base URL from MQ_HTTP or a local default.
func apiURLFromEnv() string {
	if addr := os.Getenv("MQ_HTTP"); addr != "" {
		return addr
	}
	return "http://127.0.0.1:8380"
}

var httpClient = &http.Client{Timeout: 60 * time.Second}

// doJSON performs one API call. A nil out discards the response body; status
// codes outside 2xx become errors carrying the server's message.
func doJSON(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return 0, err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, apiURLFromEnv()+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return resp.StatusCode, fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// printJSON renders command output for humans and scripts alike.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
