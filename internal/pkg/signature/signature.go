// Package signature verifies RSA PKCS#1 v1.5 / SHA-256 signatures against raw
// key material. There is no certificate chain: the caller anchors trust by
// configuration.
package signature

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
)

const (
	// DigestSize is the size of a SHA-256 digest.
	DigestSize = sha256.Size

	maxExponent = 1<<31 - 1
)

var (
	// ErrConfig reports a caller or configuration error: undersized scratch,
	// empty modulus or an unusable exponent.
	ErrConfig = errors.New("signature: invalid verifier configuration")

	// ErrVerification reports that the signature does not match. It never
	// carries detail about why.
	ErrVerification = errors.New("signature: verification failed")
)

// PublicKey is an RSA public key as raw big-endian byte strings.
type PublicKey struct {
	N []byte
	E []byte
}

// Size returns the modulus size in bytes, ignoring leading zero bytes.
func (k PublicKey) Size() int {
	n := k.N
	for len(n) > 0 && n[0] == 0 {
		n = n[1:]
	}
	return len(n)
}

// ScratchSize returns the minimum scratch length accepted for key.
func ScratchSize(key PublicKey) int {
	return DigestSize + key.Size()
}

// VerifyPKCS1v15SHA256 hashes msg into scratch and checks sig against the
// digest with key. scratch must be at least ScratchSize(key) bytes long.
func VerifyPKCS1v15SHA256(msg, sig []byte, key PublicKey, scratch []byte) error {
	pub, err := key.rsa()
	if err != nil {
		return err
	}
	if len(scratch) < ScratchSize(key) {
		return fmt.Errorf("%w: scratch is %d bytes, need %d", ErrConfig, len(scratch), ScratchSize(key))
	}

	h := sha256.New()
	h.Write(msg)
	digest := h.Sum(scratch[:0])

	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:DigestSize], sig); err != nil {
		return ErrVerification
	}
	return nil
}

func (k PublicKey) rsa() (*rsa.PublicKey, error) {
	if k.Size() == 0 {
		return nil, fmt.Errorf("%w: empty modulus", ErrConfig)
	}

	e := new(big.Int).SetBytes(k.E)
	if e.Sign() == 0 || !e.IsInt64() || e.Int64() > maxExponent {
		return nil, fmt.Errorf("%w: exponent out of range", ErrConfig)
	}
	if e.Int64() < 3 || e.Bit(0) == 0 {
		return nil, fmt.Errorf("%w: exponent must be odd and greater than one", ErrConfig)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(k.N),
		E: int(e.Int64()),
	}, nil
}

// FromRSA converts a parsed RSA key into raw form.
func FromRSA(pub *rsa.PublicKey) PublicKey {
	return PublicKey{
		N: pub.N.Bytes(),
		E: big.NewInt(int64(pub.E)).Bytes(),
	}
}

// Verifier owns the scratch buffer for one key. It is not safe for concurrent
// use; give each goroutine its own Verifier.
type Verifier struct {
	key     PublicKey
	scratch []byte
}

// NewVerifier validates key and allocates its scratch.
func NewVerifier(key PublicKey) (*Verifier, error) {
	if _, err := key.rsa(); err != nil {
		return nil, err
	}
	return &Verifier{
		key:     key,
		scratch: make([]byte, ScratchSize(key)),
	}, nil
}

// Key returns the verifier's key.
func (v *Verifier) Key() PublicKey {
	return v.key
}

// Verify checks sig over msg.
func (v *Verifier) Verify(msg, sig []byte) error {
	return VerifyPKCS1v15SHA256(msg, sig, v.key, v.scratch)
}
