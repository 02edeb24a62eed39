// Package download fetches update files and checks them against the manifest.
package download

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/autopeer-io/trustagent/internal/adu"
	"github.com/autopeer-io/trustagent/pkg/log"
	"github.com/autopeer-io/trustagent/pkg/options"
)

var (
	ErrUnsupportedScheme = errors.New("download: unsupported url scheme")
	ErrNoSHA256          = errors.New("download: manifest carries no sha256 for file")
	ErrSizeMismatch      = errors.New("download: size mismatch")
	ErrHashMismatch      = errors.New("download: sha256 mismatch")
)

// Fetcher downloads http(s):// and s3:// artifacts.
type Fetcher struct {
	http *http.Client

	// s3 is nil when no endpoint is configured.
	s3 *minio.Client
}

// NewFetcher builds a Fetcher. roots verifies https and s3 endpoints; nil
// uses the host roots.
func NewFetcher(s3opts *options.S3Options, roots *x509.CertPool) (*Fetcher, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{RootCAs: roots}

	f := &Fetcher{
		http: &http.Client{Timeout: 30 * time.Minute, Transport: transport},
	}

	if s3opts != nil && s3opts.Endpoint != "" {
		client, err := minio.New(s3opts.Endpoint, &minio.Options{
			Creds:     credentials.NewStaticV4(s3opts.AccessKeyID, s3opts.SecretAccessKey, ""),
			Secure:    s3opts.UseSSL,
			Region:    s3opts.Region,
			Transport: transport,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create minio client: %w", err)
		}
		f.s3 = client
	}
	return f, nil
}

// NewHTTPFetcher returns a Fetcher that only serves http(s) through client.
func NewHTTPFetcher(client *http.Client) *Fetcher {
	return &Fetcher{http: client}
}

// Fetch downloads rawURL into dst and verifies it against file. dst only
// appears once the content matches.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, file adu.File, dst string) error {
	want, err := expectedSHA256(file)
	if err != nil {
		return err
	}

	body, err := f.open(ctx, rawURL)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	part := dst + ".part"
	out, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer os.Remove(part)

	h := sha256.New()
	// One extra byte exposes oversized bodies without reading them whole.
	limit := file.SizeInBytes + 1
	n, err := io.Copy(io.MultiWriter(out, h), io.LimitReader(body, limit))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("download %s: %w", file.FileName, err)
	}

	if n != file.SizeInBytes {
		return fmt.Errorf("%w: %s is %d bytes, manifest says %d", ErrSizeMismatch, file.FileName, n, file.SizeInBytes)
	}
	if got := h.Sum(nil); !bytes.Equal(got, want) {
		return fmt.Errorf("%w: %s", ErrHashMismatch, file.FileName)
	}

	log.Debug("Downloaded update file", "file", file.FileName, "bytes", n)
	return os.Rename(part, dst)
}

func (f *Fetcher) open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("download: bad url: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := f.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("network error: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("server returned status: %s", resp.Status)
		}
		return resp.Body, nil

	case "s3":
		if f.s3 == nil {
			return nil, fmt.Errorf("%w: s3 endpoint not configured", ErrUnsupportedScheme)
		}
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return nil, fmt.Errorf("download: %q is not s3://bucket/key", rawURL)
		}
		obj, err := f.s3.GetObject(ctx, u.Host, key, minio.GetObjectOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to get object: %w", err)
		}
		return obj, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

func expectedSHA256(file adu.File) ([]byte, error) {
	v, ok := file.Hash("sha256")
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoSHA256, file.FileName)
	}
	sum, err := base64.StdEncoding.DecodeString(v)
	if err != nil || len(sum) != sha256.Size {
		return nil, fmt.Errorf("%w: %s has a malformed sha256", ErrHashMismatch, file.FileName)
	}
	return sum, nil
}
