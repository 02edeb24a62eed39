// Package adutest builds signed deviceUpdate payloads for tests.
package adutest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/autopeer-io/trustagent/internal/adu"
	"github.com/autopeer-io/trustagent/internal/pkg/anchors"
	"github.com/autopeer-io/trustagent/internal/pkg/signature/testonly"
)

const (
	Manufacturer = "Contoso"
	Model        = "FooBar"
)

// Device returns the device properties every adutest manifest is compatible with.
func Device() adu.DeviceProperties {
	return adu.DeviceProperties{
		Manufacturer: Manufacturer,
		Model:        Model,
		ADUVersion:   "DU;agent/0.8.0-rc1-public-preview",
	}
}

// Roots returns anchors holding the named key as ADU root kid.
func Roots(t testing.TB, kid, root string) *anchors.Anchors {
	t.Helper()
	return &anchors.Anchors{ADU: []anchors.Key{{ID: kid, Key: testonly.Public(t, root)}}}
}

// Manifest renders a one-file manifest for update version whose payload is content.
func Manifest(t testing.TB, version string, content []byte) []byte {
	t.Helper()
	sum := sha256.Sum256(content)
	doc := map[string]any{
		"manifestVersion": "4",
		"updateId": map[string]string{
			"provider": Manufacturer,
			"name":     Model,
			"version":  version,
		},
		"compatibility": []map[string]string{
			{"deviceManufacturer": Manufacturer, "deviceModel": Model},
		},
		"instructions": map[string]any{
			"steps": []map[string]any{{
				"handler":           "microsoft/script:1",
				"files":             []string{"f1"},
				"handlerProperties": map[string]string{"installedCriteria": version},
			}},
		},
		"files": map[string]any{
			"f1": map[string]any{
				"fileName":    "install.sh",
				"sizeInBytes": len(content),
				"hashes":      map[string]string{"sha256": base64.StdEncoding.EncodeToString(sum[:])},
			},
		},
		"createdDateTime": "2022-01-27T13:45:05.8993329Z",
	}
	return mustJSON(t, doc)
}

// SignManifest returns the updateManifestSignature for manifest. The signing
// key signer is certified by root under kid.
func SignManifest(t testing.TB, root, kid, signer string, manifest []byte) string {
	t.Helper()
	pub := testonly.Public(t, signer)
	jwk := mustJSON(t, map[string]string{
		"kty": "RSA",
		"alg": "RS256",
		"kid": signer,
		"n":   testonly.B64URL(pub.N),
		"e":   testonly.B64URL(pub.E),
	})
	sjwk := Compact(t, root, mustJSON(t, map[string]string{"alg": "RS256", "kid": kid}), jwk)

	sum := sha256.Sum256(manifest)
	header := mustJSON(t, map[string]string{"alg": "RS256", "sjwk": sjwk})
	payload := mustJSON(t, map[string]string{"sha256": base64.StdEncoding.EncodeToString(sum[:])})
	return Compact(t, signer, header, payload)
}

// Compact signs header.payload with the named key and returns the compact JWS.
func Compact(t testing.TB, key string, header, payload []byte) string {
	t.Helper()
	input := testonly.B64URL(header) + "." + testonly.B64URL(payload)
	return input + "." + testonly.B64URL(testonly.Sign(t, key, []byte(input)))
}

// Service renders a service object. urls maps file ids to download URLs.
func Service(t testing.TB, action adu.Action, id string, manifest []byte, jws string, urls map[string]string) []byte {
	t.Helper()
	doc := map[string]any{
		"workflow": map[string]any{"action": int32(action), "id": id},
	}
	if manifest != nil {
		doc["updateManifest"] = string(manifest)
		doc["updateManifestSignature"] = jws
	}
	if urls != nil {
		doc["fileUrls"] = urls
	}
	return mustJSON(t, doc)
}

// Patch wraps a service object into a desired-properties patch.
func Patch(t testing.TB, version int64, service []byte) []byte {
	t.Helper()
	return mustJSON(t, map[string]any{
		"deviceUpdate": map[string]any{
			"__t":     "c",
			"service": json.RawMessage(service),
		},
		"$version": version,
	})
}

func mustJSON(t testing.TB, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
