package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/local/pagesift/internal/errs"
)

// Downloader fetches a remote s3:// object to a local temp file.
type Downloader interface {
	Download(ctx context.Context, url string) (string, error)
}

// Limits bound http(s) input downloads. Zero values use the defaults.
type Limits struct {
	MaxBytes int64
	Timeout  time.Duration
}

const (
	DefaultMaxDownload     = 100 << 20
	DefaultDownloadTimeout = 5 * time.Minute
)

// Fetch turns an input reference into a local file path. Supported forms are
// plain paths, file://, http(s):// and s3:// (when s3 is non-nil). The
// returned cleanup removes any temp file and is never nil.
func Fetch(ctx context.Context, ref string, s3 Downloader, lim Limits) (string, func(), error) {
	noop := func() {}
	switch {
	case strings.HasPrefix(ref, "s3://"):
		if s3 == nil {
			return "", noop, errs.Config("input", "s3 input %s but no S3 client configured", ref)
		}
		path, err := s3.Download(ctx, ref)
		if err != nil {
			return "", noop, err
		}
		return path, func() { os.Remove(path) }, nil
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		path, err := downloadHTTPToTemp(ctx, ref, lim)
		if err != nil {
			return "", noop, err
		}
		return path, func() { os.Remove(path) }, nil
	default:
		path := strings.TrimPrefix(ref, "file://")
		if _, err := os.Stat(path); err != nil {
			return "", noop, errs.Config("input", "%v", err)
		}
		return path, noop, nil
	}
}

func downloadHTTPToTemp(ctx context.Context, url string, lim Limits) (string, error) {
	if lim.MaxBytes <= 0 {
		lim.MaxBytes = DefaultMaxDownload
	}
	if lim.Timeout <= 0 {
		lim.Timeout = DefaultDownloadTimeout
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errs.Config("input", "%v", err)
	}
	client := &http.Client{Timeout: lim.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: http %d", url, resp.StatusCode)
	}
	if resp.ContentLength > lim.MaxBytes {
		return "", errs.Config("input", "%s is %d bytes, limit is %d", url, resp.ContentLength, lim.MaxBytes)
	}
	f, err := os.CreateTemp("", "pagesift-in-*.pdf")
	if err != nil {
		return "", err
	}
	defer f.Close()
	n, err := io.Copy(f, io.LimitReader(resp.Body, lim.MaxBytes+1))
	if err != nil {
		os.Remove(f.Name())
		return "", err
	}
	if n > lim.MaxBytes {
		os.Remove(f.Name())
		return "", errs.Config("input", "%s exceeds the %d byte limit", url, lim.MaxBytes)
	}
	return f.Name(), nil
}
