package signature_test

import (
	"errors"
	"testing"

	"github.com/autopeer-io/trustagent/internal/pkg/signature"
	"github.com/autopeer-io/trustagent/internal/pkg/signature/testonly"
)

func TestVerifyPKCS1v15SHA256(t *testing.T) {
	msg := []byte(`{\"version\":\"1.0\"}`)
	key := testonly.Public(t, "root")
	sig := testonly.Sign(t, "root", msg)

	flipped := append([]byte(nil), msg...)
	flipped[3] ^= 0x01

	badSig := append([]byte(nil), sig...)
	badSig[len(badSig)-1] ^= 0x80

	tests := []struct {
		name    string
		msg     []byte
		sig     []byte
		key     signature.PublicKey
		scratch int
		wantErr error
	}{
		{name: "valid", msg: msg, sig: sig, key: key, scratch: signature.ScratchSize(key)},
		{name: "oversized scratch", msg: msg, sig: sig, key: key, scratch: 4096},
		{name: "message flipped", msg: flipped, sig: sig, key: key, scratch: signature.ScratchSize(key), wantErr: signature.ErrVerification},
		{name: "signature flipped", msg: msg, sig: badSig, key: key, scratch: signature.ScratchSize(key), wantErr: signature.ErrVerification},
		{name: "truncated signature", msg: msg, sig: sig[:len(sig)-1], key: key, scratch: signature.ScratchSize(key), wantErr: signature.ErrVerification},
		{name: "empty signature", msg: msg, sig: nil, key: key, scratch: signature.ScratchSize(key), wantErr: signature.ErrVerification},
		{name: "other key", msg: msg, sig: sig, key: testonly.Public(t, "other"), scratch: signature.ScratchSize(key), wantErr: signature.ErrVerification},
		{name: "scratch too small", msg: msg, sig: sig, key: key, scratch: signature.ScratchSize(key) - 1, wantErr: signature.ErrConfig},
		{name: "empty modulus", msg: msg, sig: sig, key: signature.PublicKey{E: key.E}, scratch: 64, wantErr: signature.ErrConfig},
		{name: "zero modulus", msg: msg, sig: sig, key: signature.PublicKey{N: []byte{0, 0}, E: key.E}, scratch: 64, wantErr: signature.ErrConfig},
		{name: "empty exponent", msg: msg, sig: sig, key: signature.PublicKey{N: key.N}, scratch: signature.ScratchSize(key), wantErr: signature.ErrConfig},
		{name: "even exponent", msg: msg, sig: sig, key: signature.PublicKey{N: key.N, E: []byte{0x01, 0x00, 0x00}}, scratch: signature.ScratchSize(key), wantErr: signature.ErrConfig},
		{name: "exponent one", msg: msg, sig: sig, key: signature.PublicKey{N: key.N, E: []byte{0x01}}, scratch: signature.ScratchSize(key), wantErr: signature.ErrConfig},
		{name: "huge exponent", msg: msg, sig: sig, key: signature.PublicKey{N: key.N, E: []byte{1, 0, 0, 0, 0, 0, 0, 0, 1}}, scratch: signature.ScratchSize(key), wantErr: signature.ErrConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := signature.VerifyPKCS1v15SHA256(tt.msg, tt.sig, tt.key, make([]byte, tt.scratch))
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerificationErrorCarriesNoDetail(t *testing.T) {
	key := testonly.Public(t, "root")
	err := signature.VerifyPKCS1v15SHA256([]byte("m"), make([]byte, key.Size()), key, make([]byte, signature.ScratchSize(key)))
	if err != signature.ErrVerification {
		t.Fatalf("got %v, want the bare ErrVerification sentinel", err)
	}
}

func TestScratchSize(t *testing.T) {
	key := signature.PublicKey{N: append([]byte{0, 0}, make([]byte, 256)...), E: []byte{1, 0, 1}}
	key.N[2] = 0xc5
	if got, want := signature.ScratchSize(key), 32+256; got != want {
		t.Errorf("ScratchSize = %d, want %d", got, want)
	}
}

func TestVerifier(t *testing.T) {
	key := testonly.Public(t, "root")
	v, err := signature.NewVerifier(key)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	msg := []byte("payload")
	if err := v.Verify(msg, testonly.Sign(t, "root", msg)); err != nil {
		t.Errorf("Verify: %v", err)
	}
	if err := v.Verify(msg, testonly.Sign(t, "other", msg)); !errors.Is(err, signature.ErrVerification) {
		t.Errorf("Verify with foreign signature = %v, want ErrVerification", err)
	}

	if _, err := signature.NewVerifier(signature.PublicKey{}); !errors.Is(err, signature.ErrConfig) {
		t.Errorf("NewVerifier(empty) = %v, want ErrConfig", err)
	}
}
