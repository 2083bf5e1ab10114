package media

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestFetchSniffsMIME(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pngHeader)
	}))
	defer srv.Close()

	res, err := NewHTTPFetcher(time.Second, 1<<20).Fetch(context.Background(), srv.URL+"/x.png")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.MIMEType != "image/png" {
		t.Fatalf("MIMEType = %q", res.MIMEType)
	}
	if !bytes.Equal(res.Data, pngHeader) {
		t.Fatalf("unexpected body")
	}
}

func TestFetchFailures(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()
	big := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("a"), 2048))
	}))
	defer big.Close()

	f := NewHTTPFetcher(100*time.Millisecond, 1024)
	cases := map[string]string{
		"timeout":     slow.URL,
		"not found":   missing.URL,
		"too large":   big.URL,
		"bad scheme":  "ftp://example.com/x.png",
		"unreachable": "http://127.0.0.1:1/x.png",
	}
	for name, u := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := f.Fetch(context.Background(), u); err == nil {
				t.Fatalf("expected error for %s", u)
			}
		})
	}

	if _, err := f.Fetch(context.Background(), big.URL); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}
