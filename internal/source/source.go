// Package source opens CSV extracts by URI.
//
// Supported forms: http(s)://host/path, s3://bucket/key and file:///path or a
// plain filesystem path. Every failure is an etlerr.KindSourceFetch error.
package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"reportetl/internal/etlerr"
)

// Opener opens one extract for reading. Callers close the reader.
type Opener interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Doer is the subset of *http.Client used for http(s) URIs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ObjectStore fetches whole objects for s3:// URIs.
type ObjectStore interface {
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
}

// Router dispatches on the URI scheme.
type Router struct {
	// HTTP defaults to an *http.Client with a 5 minute timeout.
	HTTP Doer
	// S3 may be nil when no s3:// URIs are expected.
	S3 ObjectStore
}

// Open implements Opener.
func (r *Router) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	const op = "source.open"

	u, err := url.Parse(uri)
	if err != nil || strings.TrimSpace(uri) == "" {
		return nil, etlerr.Newf(etlerr.KindSourceFetch, op, "invalid extract uri %q", uri)
	}

	var rc io.ReadCloser
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		rc, err = r.openHTTP(ctx, uri)
	case "s3":
		rc, err = r.openS3(ctx, u)
	case "file":
		rc, err = os.Open(u.Path)
	case "":
		rc, err = os.Open(uri)
	default:
		err = fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, etlerr.SourceFetch(op+" "+redact(u), err)
	}
	return rc, nil
}

func (r *Router) openHTTP(ctx context.Context, uri string) (io.ReadCloser, error) {
	hc := r.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Minute}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (r *Router) openS3(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	if r.S3 == nil {
		return nil, fmt.Errorf("s3 access is not configured")
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("s3 uri needs bucket and key")
	}
	data, err := r.S3.GetObject(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// redact drops query strings (presigned URL signatures) from logged URIs.
func redact(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.User = nil
	return c.String()
}

// S3Config configures S3Store.
type S3Config struct {
	// Endpoint is host[:port] or a URL; an https URL forces TLS.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	UseSSL          bool
}

// S3Store reads objects with minio-go from any S3-compatible service.
type S3Store struct {
	client *minio.Client
}

// NewS3Store builds a client; it does not contact the service.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("source: s3 endpoint is required")
	}
	endpoint, secure := parseEndpoint(cfg.Endpoint, cfg.UseSSL)

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("source: create s3 client: %w", err)
	}
	return &S3Store{client: client}, nil
}

func parseEndpoint(raw string, useSSL bool) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw, useSSL
	}
	switch u.Scheme {
	case "https":
		return u.Host, true
	case "http":
		return u.Host, false
	}
	return u.Host, useSSL
}

// GetObject implements ObjectStore.
func (s *S3Store) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s/%s: %w", bucket, key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("s3 read %s/%s: %w", bucket, key, err)
	}
	return data, nil
}
