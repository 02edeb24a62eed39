// Package carecovery parses CA recovery envelopes.
//
// An envelope carries a replacement trust bundle as a doubly encoded JSON
// document together with a signature over the bundle's escaped text:
//
//	{"iotHubHostName":"...","payload":{"signature":"<base64>","certTrustBundle":"{\"version\":...}"}}
//
// Parse performs no cryptography. The caller verifies with Result.Verify and
// decides whether to persist.
package carecovery

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/autopeer-io/trustagent/internal/pkg/jsonfield"
	"github.com/autopeer-io/trustagent/internal/pkg/signature"
)

// ErrMissingField is returned when a required envelope property is absent.
var ErrMissingField = errors.New("carecovery: missing required field")

// Bundle is the decoded trust-bundle document.
type Bundle struct {
	Version      string
	ExpiryTime   string
	Certificates []byte
}

// Result holds everything extracted from one envelope. All slices are owned
// by the Result.
type Result struct {
	// Hostname is informational. The agent never connects to it.
	Hostname string

	// Signature is the base64 text from the envelope.
	Signature []byte

	// SignedBundle is the certTrustBundle value exactly as it appeared on the
	// wire, escapes intact. The signature covers these bytes.
	SignedBundle []byte

	Bundle Bundle
}

// Parse extracts a Result from an envelope.
func Parse(buf []byte) (*Result, error) {
	var (
		res        Result
		hasPayload bool
		hasSig     bool
		hasBundle  bool
	)

	envelope := jsonfield.Fields{
		"iotHubHostName": jsonfield.String(&res.Hostname),
		"payload": func(r *jsonfield.Reader) error {
			hasPayload = true
			return r.Object(jsonfield.Fields{
				"signature": func(r *jsonfield.Reader) error {
					hasSig = true
					return jsonfield.Bytes(&res.Signature)(r)
				},
				"certTrustBundle": func(r *jsonfield.Reader) error {
					hasBundle = true
					return jsonfield.Raw(&res.SignedBundle)(r)
				},
			})
		},
	}

	if err := jsonfield.Decode(buf, envelope); err != nil {
		return nil, fmt.Errorf("parse recovery envelope: %w", err)
	}

	switch {
	case !hasPayload:
		return nil, fmt.Errorf("%w: payload", ErrMissingField)
	case !hasSig || len(res.Signature) == 0:
		return nil, fmt.Errorf("%w: payload.signature", ErrMissingField)
	case !hasBundle || len(res.SignedBundle) == 0:
		return nil, fmt.Errorf("%w: payload.certTrustBundle", ErrMissingField)
	}

	inner, err := jsonfield.Unescape(res.SignedBundle)
	if err != nil {
		return nil, fmt.Errorf("unescape trust bundle: %w", err)
	}

	b, err := ParseBundle(inner)
	if err != nil {
		return nil, err
	}
	res.Bundle = *b

	return &res, nil
}

// ParseBundle parses an already unescaped trust-bundle document. Missing
// properties are left empty.
func ParseBundle(doc []byte) (*Bundle, error) {
	var b Bundle
	err := jsonfield.Decode(doc, jsonfield.Fields{
		"version":    jsonfield.String(&b.Version),
		"expiryTime": jsonfield.String(&b.ExpiryTime),
		"certs":      jsonfield.Bytes(&b.Certificates),
	})
	if err != nil {
		return nil, fmt.Errorf("parse trust bundle: %w", err)
	}
	return &b, nil
}

// DecodeSignature returns the raw signature bytes.
func (r *Result) DecodeSignature() ([]byte, error) {
	sig, err := base64.StdEncoding.DecodeString(string(r.Signature))
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not base64: %v", signature.ErrVerification, err)
	}
	return sig, nil
}

// Verify checks the envelope signature against SignedBundle.
func (r *Result) Verify(key signature.PublicKey, scratch []byte) error {
	sig, err := r.DecodeSignature()
	if err != nil {
		return err
	}
	return signature.VerifyPKCS1v15SHA256(r.SignedBundle, sig, key, scratch)
}
