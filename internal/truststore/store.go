// Package truststore persists the device's trust bundle and its version.
//
// Keys in the "trusted-ca" namespace:
//
//	az-tb      bundle bytes (PEM)
//	az-tb-sum  SHA-256 of az-tb
//	az-tb-ver  version as a big-endian int32
//
// Writes go bundle, checksum, version, then commit. A backend that loses power
// part way through leaves a checksum that no longer matches the bundle, which
// ReadBundle reports as ErrInconsistent instead of handing out mixed state.
package truststore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"

	"github.com/autopeer-io/trustagent/internal/pkg/kvstore"
)

const (
	Namespace   = "trusted-ca"
	KeyBundle   = "az-tb"
	KeyChecksum = "az-tb-sum"
	KeyVersion  = "az-tb-ver"
)

var (
	ErrBufferTooSmall = errors.New("truststore: buffer too small")
	ErrInconsistent   = errors.New("truststore: stored bundle does not match its checksum")
	ErrRollback       = errors.New("truststore: version is older than the stored version")
	ErrInvalidVersion = errors.New("truststore: invalid version")
	ErrNoCertificates = errors.New("truststore: bundle holds no certificates")
)

// Store serialises its own read-compare-write sequences. Other writers of the
// same namespace must coordinate externally.
type Store struct {
	ns kvstore.Namespace
	mu sync.Mutex
}

// Open opens the trust namespace on opener.
func Open(ctx context.Context, opener kvstore.Opener) (*Store, error) {
	ns, err := opener.Open(ctx, Namespace)
	if err != nil {
		return nil, err
	}
	return &Store{ns: ns}, nil
}

// ReadVersion returns the stored version, or 0 when none has been written.
func (s *Store) ReadVersion(ctx context.Context) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readVersion(ctx)
}

func (s *Store) readVersion(ctx context.Context) (int32, error) {
	v, err := kvstore.GetInt32(ctx, s.ns, KeyVersion)
	if errors.Is(err, kvstore.ErrNotFound) {
		return 0, nil
	}
	return v, err
}

// BundleSize returns the number of bytes ReadBundle needs.
func (s *Store) BundleSize(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.ns.Get(ctx, KeyBundle)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// ReadBundle copies the stored bundle into buf and returns its length.
func (s *Store) ReadBundle(ctx context.Context, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.bundle(ctx)
	if err != nil {
		return 0, err
	}
	if len(b) > len(buf) {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, len(b), len(buf))
	}
	return copy(buf, b), nil
}

func (s *Store) bundle(ctx context.Context) ([]byte, error) {
	b, err := s.ns.Get(ctx, KeyBundle)
	if err != nil {
		return nil, err
	}

	sum, err := s.ns.Get(ctx, KeyChecksum)
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
		// Bundles provisioned at the factory carry no checksum.
		return b, nil
	case err != nil:
		return nil, err
	}

	got := sha256.Sum256(b)
	if !bytes.Equal(got[:], sum) {
		return nil, ErrInconsistent
	}
	return b, nil
}

// WriteBundle stores bundle under version. Writing the stored version again is
// a no-op and reports written == false. Older versions are refused.
func (s *Store) WriteBundle(ctx context.Context, bundle []byte, version int32) (written bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.readVersion(ctx)
	if err != nil {
		return false, err
	}
	switch {
	case version == current:
		return false, nil
	case version < current:
		return false, fmt.Errorf("%w: %d < %d", ErrRollback, version, current)
	}

	if err := s.stage(ctx, bundle, version); err != nil {
		// A partly staged bundle must not be served by Get.
		_ = s.ns.Discard(ctx)
		return false, err
	}
	if err := s.ns.Commit(ctx); err != nil {
		_ = s.ns.Discard(ctx)
		return false, fmt.Errorf("commit bundle: %w", err)
	}
	return true, nil
}

func (s *Store) stage(ctx context.Context, bundle []byte, version int32) error {
	sum := sha256.Sum256(bundle)
	if err := s.ns.Set(ctx, KeyBundle, bundle); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	if err := s.ns.Set(ctx, KeyChecksum, sum[:]); err != nil {
		return fmt.Errorf("write bundle checksum: %w", err)
	}
	if err := kvstore.SetInt32(ctx, s.ns, KeyVersion, version); err != nil {
		return fmt.Errorf("write bundle version: %w", err)
	}
	return nil
}

// Certificates parses every certificate in the stored bundle.
func (s *Store) Certificates(ctx context.Context) ([]*x509.Certificate, error) {
	s.mu.Lock()
	b, err := s.bundle(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return ParseCertificates(b)
}

// CertPool returns the stored bundle as a certificate pool.
func (s *Store) CertPool(ctx context.Context) (*x509.CertPool, error) {
	certs, err := s.Certificates(ctx)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool, nil
}

// ParseCertificates decodes every CERTIFICATE block in a PEM bundle. Blocks of
// other types are ignored. At least one certificate is required.
func ParseCertificates(bundle []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := bundle
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("truststore: parse certificate %d: %w", len(certs), err)
		}
		certs = append(certs, c)
	}
	if len(certs) == 0 {
		return nil, ErrNoCertificates
	}
	return certs, nil
}
