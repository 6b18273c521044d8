// Package netx holds the network plumbing used by background sync:
// reachability probes and a plain HTTP PUT uploader.
package netx

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// StatusError reports a non-2xx response to an upload.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upload failed: %s; body: %s", e.Status, e.Body)
}

// Put uploads body to url with an HTTP PUT. A nil client means
// http.DefaultClient. Any non-2xx status is returned as *StatusError.
func Put(ctx context.Context, client *http.Client, url string, body io.Reader, size int64, header http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(b)}
	}
	return nil
}
