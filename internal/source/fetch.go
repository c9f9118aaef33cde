package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"resty.dev/v3"

	"github.com/cochaviz/busybox-cross/internal/logging"
)

const (
	// DefaultMirror hosts the official BusyBox release tarballs.
	DefaultMirror = "https://busybox.net/downloads"

	defaultRetries = 3
	defaultTimeout = 10 * time.Minute
)

// Fetcher downloads url into dest.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) error
}

// HTTPStatusError is returned for non-2xx responses.
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("GET %s: %s", e.URL, e.Status)
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var statusErr *HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == 404
}

// HTTPFetcher downloads over HTTP(S) with retries.
type HTTPFetcher struct {
	Retries   int
	RetryWait time.Duration
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Fetch streams url into a temp file next to dest and renames it into place,
// so dest is either absent or complete.
func (f *HTTPFetcher) Fetch(ctx context.Context, url, dest string) error {
	retries := f.Retries
	if retries <= 0 {
		retries = defaultRetries
	}
	wait := f.RetryWait
	if wait <= 0 {
		wait = time.Second
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := resty.New().
		SetRetryCount(retries).
		SetRetryWaitTime(wait).
		SetTimeout(timeout).
		SetHeader("User-Agent", "busybox-cross")
	defer client.Close()

	logger := logging.Ensure(f.Logger).With("component", "fetch")
	logger.Info("downloading", "url", url)

	resp, err := client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return &HTTPStatusError{URL: url, StatusCode: resp.StatusCode(), Status: resp.Status()}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".part-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	written, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("download %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	logger.Debug("downloaded", "url", url, "bytes", written, "dest", dest)
	return nil
}
