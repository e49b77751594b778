package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/menuadmin/imageupload/pkg/errors"
)

// DefaultTimeout bounds a single object transfer.
const DefaultTimeout = 2 * time.Minute

// maxErrorBody caps how much of a failed response body ends up in the error.
const maxErrorBody = 512

// Client moves object bytes to presigned storage URLs.
type Client struct {
	httpClient *awshttp.BuildableClient
}

// NewClient creates a transfer client whose requests time out after timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	slog.Info("storage_client_init", "timeout", timeout.String())

	return &Client{
		httpClient: awshttp.NewBuildableClient().WithTimeout(timeout),
	}
}

// PutResult contains transfer metadata
type PutResult struct {
	StatusCode int
	Size       int64
	Duration   time.Duration
}

// Put sends body to a presigned URL with a single HTTP PUT. Cancelling ctx
// aborts the transfer; the returned error matches both errors.ErrCancelled
// and the context error.
func (c *Client) Put(ctx context.Context, uploadURL, contentType string, body []byte) (*PutResult, error) {
	if uploadURL == "" {
		return nil, errors.Wrap(errors.ErrInvalidCredential, "empty upload url")
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build upload request")
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", contentType)

	slog.Debug("storage_put_start", "url", redact(uploadURL), "size", len(body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			slog.Info("storage_put_cancelled", "url", redact(uploadURL))
			return nil, fmt.Errorf("%w: %w", errors.ErrCancelled, ctx.Err())
		}
		slog.Error("storage_put_failed", "url", redact(uploadURL), "error", err)
		return nil, errors.Wrap(err, "upload request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		slog.Error("storage_put_rejected", "url", redact(uploadURL), "status", resp.StatusCode)
		return nil, fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	result := &PutResult{
		StatusCode: resp.StatusCode,
		Size:       int64(len(body)),
		Duration:   time.Since(start),
	}

	slog.Debug("storage_put_complete",
		"url", redact(uploadURL),
		"size", result.Size,
		"duration_ms", result.Duration.Milliseconds(),
	)

	return result, nil
}

// redact drops the query string so presign signatures stay out of logs.
func redact(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}
