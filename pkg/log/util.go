package log

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Keys for the signed material the agent handles. Values logged under them
// are reduced to their size and a short sha256 prefix.
const (
	KeySignature    = "signature"
	KeyCertificates = "certs"
	KeyTrustBundle  = "trustBundle"
	KeyManifest     = "updateManifest"
)

// maxBinaryField is the largest []byte value logged verbatim.
const maxBinaryField = 64

var digestKeys = map[string]struct{}{
	KeySignature:    {},
	KeyCertificates: {},
	KeyTrustBundle:  {},
	KeyManifest:     {},
}

// digest logs a blob as {"size":N,"sha256":"<12 hex>"}.
type digest []byte

func (d digest) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	sum := sha256.Sum256(d)
	enc.AddInt("size", len(d))
	enc.AddString("sha256", hex.EncodeToString(sum[:6]))
	return nil
}

// toFields turns logr-style arguments into zap fields. zap.Field and error
// arguments stand alone; everything else is read as key/value pairs. A
// trailing value without a key and pairs with a non-string key are kept
// under generated keys.
func toFields(args ...any) []zap.Field {
	if len(args) == 0 {
		return nil
	}

	fields := make([]zap.Field, 0, len(args)/2+1)
	for i := 0; i < len(args); i++ {
		switch a := args[i].(type) {
		case zap.Field:
			fields = append(fields, a)
			continue
		case error:
			fields = append(fields, zap.Error(a))
			continue
		}

		if i == len(args)-1 {
			fields = append(fields, zap.Any(fmt.Sprintf("arg#%d", i), args[i]))
			break
		}

		key, val := args[i], args[i+1]
		i++
		name, ok := key.(string)
		if !ok {
			// key 不是 string 时连同 value 一起保留
			fields = append(fields, zap.Any(fmt.Sprintf("invalid_key_%d", (i+1)/2), map[string]any{
				"key":   key,
				"value": val,
			}))
			continue
		}
		fields = append(fields, field(name, val))
	}
	return fields
}

func field(key string, val any) zap.Field {
	if _, ok := digestKeys[key]; ok {
		switch v := val.(type) {
		case []byte:
			return zap.Object(key, digest(v))
		case string:
			return zap.Object(key, digest(v))
		}
	}

	if v, ok := val.([]byte); ok {
		if len(v) > maxBinaryField {
			return zap.Object(key, digest(v))
		}
		return zap.Binary(key, v)
	}
	// zap.Any 已覆盖基础类型、time、error 和 fmt.Stringer
	return zap.Any(key, val)
}
