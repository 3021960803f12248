package requests

// requests is a library for making JSON requests to HTTP APIs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// RequestJSON sends 'body' as JSON, and decodes the JSON response into T
func RequestJSON[T any](ctx context.Context, method, url string, body any) (response *T, err error) {
	bodyB, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return Request[T](ctx, method, url, "application/json", bytes.NewReader(bodyB))
}

// Request sends an arbitrary body, and decodes the JSON response into T.
// If T is struct{}, the response body is ignored.
func Request[T any](ctx context.Context, method, url, contentType string, body io.Reader) (response *T, err error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%v. %v", resp.Status, string(msg))
	}
	var responseObj T
	if _, isEmpty := any(responseObj).(struct{}); !isEmpty {
		if err := json.NewDecoder(resp.Body).Decode(&responseObj); err != nil {
			return nil, fmt.Errorf("%v. %w", resp.Status, err)
		}
	}
	response = &responseObj
	return
}
