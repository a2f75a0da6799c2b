// Package webhook implements Torale's outbound webhook signing and payload
// shape as a standalone, transport-free package so canonical JSON and HMAC
// signing are unit-testable independent of the HTTP client in
// internal/notification. The signing convention (header name, canonical JSON
// discipline) follows the same HMAC-SHA256-over-hex shape as sender_webhook.go,
// generalized to Torale's multi-field signature header.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader is the HTTP header name carrying the signature.
const SignatureHeader = "X-Torale-Signature"

// ToleranceSeconds bounds how far a signature's timestamp may drift from
// wall-clock time before Verify rejects it.
const ToleranceSeconds = 300

// CanonicalJSON serializes v as JSON with sorted object keys and no
// inter-element whitespace, so that two logically-equal payloads with
// differently-ordered map keys produce byte-identical output. The value is
// round-tripped into generic maps and slices, and marshalSorted then writes
// each object's keys in sorted order itself.
func CanonicalJSON(v interface{}) ([]byte, error) {
	// Round-trip through a generic value so struct field order never leaks
	// into the signed bytes — only structurally-sorted map keys do.
	var generic interface{}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("webhook: canonical json: marshal: %w", err)
	}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("webhook: canonical json: unmarshal: %w", err)
	}
	return marshalSorted(generic)
}

// marshalSorted recursively marshals v, sorting map keys at every level so
// the output is independent of map iteration order at any depth.
func marshalSorted(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			b.Write(keyJSON)
			b.WriteByte(':')
			valJSON, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			b.Write(valJSON)
		}
		b.WriteByte('}')
		return []byte(b.String()), nil

	case []interface{}:
		var b strings.Builder
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			itemJSON, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			b.Write(itemJSON)
		}
		b.WriteByte(']')
		return []byte(b.String()), nil

	default:
		return json.Marshal(val)
	}
}

// Sign computes the X-Torale-Signature header value for payload signed at t
// with secret: "t=<unix_ts>,v1=<hex hmac-sha256>".
func Sign(secret string, payload interface{}, t time.Time) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	ts := t.Unix()
	signed := fmt.Sprintf("%d.%s", ts, canonical)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signed))
	sig := hex.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("t=%d,v1=%s", ts, sig), nil
}

// Verify checks that header was produced by Sign for payload and secret, and
// that its timestamp is within ToleranceSeconds of now. It uses
// constant-time comparison for the HMAC to avoid timing side-channels.
func Verify(secret string, payload interface{}, header string, now time.Time) (bool, error) {
	ts, sig, ok := parseHeader(header)
	if !ok {
		return false, nil
	}

	if diff := now.Unix() - ts; diff > ToleranceSeconds || diff < -ToleranceSeconds {
		return false, nil
	}

	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return false, err
	}
	signed := fmt.Sprintf("%d.%s", ts, canonical)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signed))
	expected := hex.EncodeToString(mac.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) == 1, nil
}

// parseHeader extracts the timestamp and v1 signature from a header of the
// form "t=<ts>,v1=<hex>".
func parseHeader(header string) (ts int64, sig string, ok bool) {
	parts := strings.Split(header, ",")
	for _, p := range parts {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			parsed, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, "", false
			}
			ts = parsed
		case "v1":
			sig = kv[1]
		}
	}
	return ts, sig, ts != 0 && sig != ""
}
