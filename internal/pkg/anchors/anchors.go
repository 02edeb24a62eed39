// Package anchors loads the configured root keys the agent trusts.
//
// The file is YAML:
//
//	recovery:
//	  id: recovery-root
//	  n: <base64url modulus>
//	  e: AQAB
//	adu:
//	  - id: ADU.200702.R
//	    n: <base64url modulus>
//	    e: AQAB
//
// A key may give a PKIX "PUBLIC KEY" PEM block under pem instead of n and e.
package anchors

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/autopeer-io/trustagent/internal/pkg/signature"
)

var ErrUnknownKey = errors.New("anchors: unknown key id")

// KeySpec is one key as written in the file.
type KeySpec struct {
	ID  string `yaml:"id"`
	N   string `yaml:"n,omitempty"`
	E   string `yaml:"e,omitempty"`
	PEM string `yaml:"pem,omitempty"`
}

type file struct {
	Recovery *KeySpec  `yaml:"recovery"`
	ADU      []KeySpec `yaml:"adu"`
}

// Key is a decoded anchor.
type Key struct {
	ID  string
	Key signature.PublicKey
}

// Anchors holds every configured root key.
type Anchors struct {
	Recovery *Key
	ADU      []Key
}

// Load reads and decodes path.
func Load(path string) (*Anchors, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("anchors: %w", err)
	}
	return Parse(data)
}

// Parse decodes an anchors document.
func Parse(data []byte) (*Anchors, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("anchors: decode: %w", err)
	}

	a := &Anchors{}
	if f.Recovery != nil {
		k, err := f.Recovery.decode()
		if err != nil {
			return nil, fmt.Errorf("anchors: recovery: %w", err)
		}
		a.Recovery = &k
	}

	seen := map[string]bool{}
	for i, spec := range f.ADU {
		if spec.ID == "" {
			return nil, fmt.Errorf("anchors: adu[%d]: id is required", i)
		}
		if seen[spec.ID] {
			return nil, fmt.Errorf("anchors: adu[%d]: duplicate id %q", i, spec.ID)
		}
		seen[spec.ID] = true

		k, err := spec.decode()
		if err != nil {
			return nil, fmt.Errorf("anchors: adu[%d] %s: %w", i, spec.ID, err)
		}
		a.ADU = append(a.ADU, k)
	}
	return a, nil
}

// Lookup returns the ADU root key with the given id.
func (a *Anchors) Lookup(id string) (signature.PublicKey, error) {
	for _, k := range a.ADU {
		if k.ID == id {
			return k.Key, nil
		}
	}
	return signature.PublicKey{}, fmt.Errorf("%w: %q", ErrUnknownKey, id)
}

func (s KeySpec) decode() (Key, error) {
	if s.PEM != "" {
		if s.N != "" || s.E != "" {
			return Key{}, errors.New("pem and n/e are mutually exclusive")
		}
		pub, err := parsePEM(s.PEM)
		if err != nil {
			return Key{}, err
		}
		return Key{ID: s.ID, Key: signature.FromRSA(pub)}, nil
	}

	n, err := base64.RawURLEncoding.DecodeString(s.N)
	if err != nil || len(n) == 0 {
		return Key{}, fmt.Errorf("invalid modulus: %v", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(s.E)
	if err != nil || len(e) == 0 {
		return Key{}, fmt.Errorf("invalid exponent: %v", err)
	}

	key := signature.PublicKey{N: n, E: e}
	if _, err := signature.NewVerifier(key); err != nil {
		return Key{}, err
	}
	return Key{ID: s.ID, Key: key}, nil
}

func parsePEM(text string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(text))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.New("pem: no PUBLIC KEY block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("pem: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("pem: %T is not an RSA key", pub)
	}
	return rsaPub, nil
}

// Marshal renders keys in the file format. trustctl uses it to emit anchors.
func Marshal(recovery *Key, adu ...Key) ([]byte, error) {
	f := file{}
	if recovery != nil {
		spec := encode(*recovery)
		f.Recovery = &spec
	}
	for _, k := range adu {
		f.ADU = append(f.ADU, encode(k))
	}
	return yaml.Marshal(&f)
}

func encode(k Key) KeySpec {
	return KeySpec{
		ID: k.ID,
		N:  base64.RawURLEncoding.EncodeToString(k.Key.N),
		E:  base64.RawURLEncoding.EncodeToString(k.Key.E),
	}
}
