// Package testonly provides RSA keys and signing helpers for tests.
package testonly

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/autopeer-io/trustagent/internal/pkg/signature"
)

var (
	mu   sync.Mutex
	keys = map[string]*rsa.PrivateKey{}
)

// Key returns a 2048-bit RSA key cached under name for the life of the test binary.
func Key(t testing.TB, name string) *rsa.PrivateKey {
	t.Helper()

	mu.Lock()
	defer mu.Unlock()

	if k, ok := keys[name]; ok {
		return k
	}
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key %q: %v", name, err)
	}
	keys[name] = k
	return k
}

// Public returns the raw public half of the named key.
func Public(t testing.TB, name string) signature.PublicKey {
	t.Helper()
	return signature.FromRSA(&Key(t, name).PublicKey)
}

// Sign signs msg with the named key using PKCS#1 v1.5 / SHA-256.
func Sign(t testing.TB, name string, msg []byte) []byte {
	t.Helper()
	digest := sha256.Sum256(msg)
	sig, err := rsa.SignPKCS1v15(rand.Reader, Key(t, name), crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign with %q: %v", name, err)
	}
	return sig
}

// B64URL encodes b as unpadded base64url.
func B64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// CertificatePEM returns a self-signed CA certificate for the named key.
func CertificatePEM(t testing.TB, name string) []byte {
	t.Helper()
	k := Key(t, name)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &k.PublicKey, k)
	if err != nil {
		t.Fatalf("create certificate %q: %v", name, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
