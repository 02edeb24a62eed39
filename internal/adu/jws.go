package adu

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/autopeer-io/trustagent/internal/pkg/jsonfield"
	"github.com/autopeer-io/trustagent/internal/pkg/signature"
)

const algRS256 = "RS256"

// KeyResolver returns a configured root key by id.
type KeyResolver interface {
	Lookup(kid string) (signature.PublicKey, error)
}

// ManifestVerifier checks updateManifestSignature values.
//
// The signature is a compact JWS whose header embeds, under "sjwk", a second
// JWS carrying the signing key as a JWK. The embedded JWS is signed by a root
// key selected by its "kid"; the outer JWS is signed by the embedded key and
// its payload holds the base64 SHA-256 of the manifest.
type ManifestVerifier struct {
	roots KeyResolver
}

func NewManifestVerifier(roots KeyResolver) *ManifestVerifier {
	return &ManifestVerifier{roots: roots}
}

// Verify checks jws against manifest. Every failure wraps ErrSignature.
func (v *ManifestVerifier) Verify(manifest []byte, jws string) error {
	if err := v.verify(manifest, jws); err != nil {
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}
	return nil
}

func (v *ManifestVerifier) verify(manifest []byte, jws string) error {
	outer, err := splitJWS(jws)
	if err != nil {
		return err
	}

	var alg, sjwk string
	if err := jsonfield.Decode(outer.header, jsonfield.Fields{
		"alg":  jsonfield.String(&alg),
		"sjwk": jsonfield.String(&sjwk),
	}); err != nil {
		return fmt.Errorf("header: %w", err)
	}
	if alg != algRS256 {
		return fmt.Errorf("unsupported alg %q", alg)
	}
	if sjwk == "" {
		return fmt.Errorf("header carries no signing key")
	}

	signingKey, err := v.signingKey(sjwk)
	if err != nil {
		return err
	}
	if err := verifyRS256(outer, signingKey); err != nil {
		return err
	}

	var sum string
	if err := jsonfield.Decode(outer.payload, jsonfield.Fields{
		"sha256": jsonfield.String(&sum),
	}); err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(sum)
	if err != nil {
		return fmt.Errorf("payload sha256: %w", err)
	}
	got := sha256.Sum256(manifest)
	if !bytes.Equal(got[:], want) {
		return fmt.Errorf("manifest hash mismatch")
	}
	return nil
}

func (v *ManifestVerifier) signingKey(sjwk string) (signature.PublicKey, error) {
	inner, err := splitJWS(sjwk)
	if err != nil {
		return signature.PublicKey{}, fmt.Errorf("sjwk: %w", err)
	}

	var alg, kid string
	if err := jsonfield.Decode(inner.header, jsonfield.Fields{
		"alg": jsonfield.String(&alg),
		"kid": jsonfield.String(&kid),
	}); err != nil {
		return signature.PublicKey{}, fmt.Errorf("sjwk header: %w", err)
	}
	if alg != algRS256 {
		return signature.PublicKey{}, fmt.Errorf("sjwk: unsupported alg %q", alg)
	}

	root, err := v.roots.Lookup(kid)
	if err != nil {
		return signature.PublicKey{}, fmt.Errorf("sjwk: %w", err)
	}
	if err := verifyRS256(inner, root); err != nil {
		return signature.PublicKey{}, fmt.Errorf("sjwk: %w", err)
	}

	var kty, n, e string
	if err := jsonfield.Decode(inner.payload, jsonfield.Fields{
		"kty": jsonfield.String(&kty),
		"n":   jsonfield.String(&n),
		"e":   jsonfield.String(&e),
	}); err != nil {
		return signature.PublicKey{}, fmt.Errorf("jwk: %w", err)
	}
	if kty != "RSA" {
		return signature.PublicKey{}, fmt.Errorf("jwk: unsupported kty %q", kty)
	}

	key := signature.PublicKey{}
	if key.N, err = base64.RawURLEncoding.DecodeString(n); err != nil {
		return signature.PublicKey{}, fmt.Errorf("jwk n: %w", err)
	}
	if key.E, err = base64.RawURLEncoding.DecodeString(e); err != nil {
		return signature.PublicKey{}, fmt.Errorf("jwk e: %w", err)
	}
	return key, nil
}

type compactJWS struct {
	signingInput []byte
	header       []byte
	payload      []byte
	signature    []byte
}

func splitJWS(s string) (*compactJWS, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("compact JWS has %d segments, want 3", len(parts))
	}

	var (
		j   compactJWS
		err error
	)
	if j.header, err = base64.RawURLEncoding.DecodeString(parts[0]); err != nil {
		return nil, fmt.Errorf("jws header: %w", err)
	}
	if j.payload, err = base64.RawURLEncoding.DecodeString(parts[1]); err != nil {
		return nil, fmt.Errorf("jws payload: %w", err)
	}
	if j.signature, err = base64.RawURLEncoding.DecodeString(parts[2]); err != nil {
		return nil, fmt.Errorf("jws signature: %w", err)
	}
	j.signingInput = []byte(parts[0] + "." + parts[1])
	return &j, nil
}

func verifyRS256(j *compactJWS, key signature.PublicKey) error {
	v, err := signature.NewVerifier(key)
	if err != nil {
		return err
	}
	return v.Verify(j.signingInput, j.signature)
}
