// Package media downloads the resources attached to outbound media messages.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrTooLarge is returned when a resource exceeds the configured limit.
var ErrTooLarge = errors.New("media: resource exceeds size limit")

// Resource is a downloaded media payload.
type Resource struct {
	Data     []byte
	MIMEType string
}

// Fetcher downloads a resource by URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Resource, error)
}

// HTTPFetcher fetches over HTTP(S) with a timeout and a size cap.
type HTTPFetcher struct {
	Client   *http.Client
	Timeout  time.Duration
	MaxBytes int64
}

// NewHTTPFetcher returns a fetcher bounded by timeout and maxBytes.
func NewHTTPFetcher(timeout time.Duration, maxBytes int64) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{}, Timeout: timeout, MaxBytes: maxBytes}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Resource, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("media: unsupported url %q", rawURL)
	}
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("media: GET %s: status %d", u.Redacted(), resp.StatusCode)
	}
	if f.MaxBytes > 0 && resp.ContentLength > f.MaxBytes {
		return nil, ErrTooLarge
	}

	body := io.Reader(resp.Body)
	if f.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, f.MaxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if f.MaxBytes > 0 && int64(len(data)) > f.MaxBytes {
		return nil, ErrTooLarge
	}

	mime := http.DetectContentType(data)
	if ct := resp.Header.Get("Content-Type"); ct != "" && mime == "application/octet-stream" {
		mime = ct
	}
	return &Resource{Data: data, MIMEType: mime}, nil
}
