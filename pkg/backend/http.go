package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/menuadmin/imageupload/pkg/errors"
)

// DefaultTimeout bounds a single backend request.
const DefaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of any response body is read.
const maxResponseBytes = 1 << 20

// Doer executes HTTP requests.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// HTTPClient implements Client against the menu admin REST API.
type HTTPClient struct {
	baseURL string
	token   string
	timeout time.Duration
	doer    Doer
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithToken sends a bearer token with every request.
func WithToken(token string) Option {
	return func(c *HTTPClient) { c.token = token }
}

// WithDoer overrides the HTTP transport.
func WithDoer(d Doer) Option {
	return func(c *HTTPClient) {
		if d != nil {
			c.doer = d
		}
	}
}

// NewHTTPClient creates a client for the API rooted at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, opts ...Option) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		doer:    awshttp.NewBuildableClient().WithTimeout(timeout),
	}
	for _, opt := range opts {
		opt(c)
	}

	slog.Info("backend_client_init", "base_url", c.baseURL, "timeout", timeout.String())
	return c
}

type negotiateRequest struct {
	ContentType   string `json:"contentType"`
	ContentLength int64  `json:"contentLength"`
}

// NegotiateUpload requests a pre-signed upload location for one file.
func (c *HTTPClient) NegotiateUpload(ctx context.Context, ownerID, contentType string, contentLength int64) (*UploadTicket, error) {
	var ticket UploadTicket
	path := "/menu-image-upload/" + url.PathEscape(ownerID) + "/images/upload-url"
	body := negotiateRequest{ContentType: contentType, ContentLength: contentLength}
	if err := c.do(ctx, http.MethodPost, path, body, &ticket); err != nil {
		return nil, errors.Wrap(err, "negotiate upload")
	}
	return &ticket, nil
}

// AttachObject links an uploaded object to the owner and returns the
// resulting image record.
func (c *HTTPClient) AttachObject(ctx context.Context, ownerID string, req AttachRequest) (*AttachedImage, error) {
	var item MenuItem
	path := "/menu-image-upload/" + url.PathEscape(ownerID) + "/images/attach"
	if err := c.do(ctx, http.MethodPost, path, req, &item); err != nil {
		return nil, errors.Wrap(err, "attach image")
	}

	img, ok := item.Image(req.Key)
	if !ok {
		return nil, fmt.Errorf("attach image: key %q missing from response", req.Key)
	}
	return &img, nil
}

// DeleteObject removes an image from the owner.
func (c *HTTPClient) DeleteObject(ctx context.Context, ownerID, imageID string) error {
	path := "/menu-image-upload/" + url.PathEscape(ownerID) + "/images/" + url.PathEscape(imageID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return errors.Wrap(err, "delete image")
	}
	return nil
}

type signedURLRequest struct {
	Key string `json:"key"`
}

type signedURLResponse struct {
	URL string `json:"url"`
}

// ResolveSignedURL exchanges an object key for a short-lived viewable URL.
func (c *HTTPClient) ResolveSignedURL(ctx context.Context, key string) (string, error) {
	var resp signedURLResponse
	if err := c.do(ctx, http.MethodPost, "/menu-image-upload/getSignedUrl", signedURLRequest{Key: key}, &resp); err != nil {
		return "", errors.Wrap(err, "resolve signed url")
	}
	if resp.URL == "" {
		return "", errors.Wrap(errors.ErrInvalidCredential, "resolve signed url")
	}
	return resp.URL, nil
}

// ListImages returns the images currently attached to the owner.
func (c *HTTPClient) ListImages(ctx context.Context, ownerID string) ([]AttachedImage, error) {
	var item MenuItem
	if err := c.do(ctx, http.MethodGet, "/menu-items/"+url.PathEscape(ownerID), nil, &item); err != nil {
		return nil, errors.Wrap(err, "list images")
	}
	return item.Images, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.doer.Do(req)
	if err != nil {
		slog.Error("backend_request_failed", "method", method, "path", path, "error", err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errors.Wrap(err, "read response")
	}

	slog.Debug("backend_request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

func errorMessage(raw []byte) string {
	var payload struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && len(payload.Message) > 0 {
		var s string
		if json.Unmarshal(payload.Message, &s) == nil {
			return s
		}
		var list []string
		if json.Unmarshal(payload.Message, &list) == nil {
			return strings.Join(list, "; ")
		}
	}
	return truncate(strings.TrimSpace(string(raw)), maxMessageLen)
}

// maxMessageLen bounds an error message taken from a raw body, in bytes.
const maxMessageLen = 200

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
