package plisio

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
)

// DecodeCallback parses a raw callback body into a field map, preserving
// number fidelity. Numbers decode as json.Number, never float64; the signature
// is computed over the provider's exact decimal representation, and a float
// round-trip would corrupt it.
func DecodeCallback(r io.Reader) (map[string]interface{}, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var event map[string]interface{}
	if err := dec.Decode(&event); err != nil {
		return nil, fmt.Errorf("plisio: decode callback: %w", err)
	}
	return event, nil
}

// VerifyCallback authenticates an inbound provider callback against the
// shared secret. The canonicalization mirrors the provider's signing scheme
// exactly; any deviation rejects authentic payments or accepts forged ones:
//
//  1. verify_hash is detached from the event; absent means fail closed.
//  2. Remaining fields serialize as compact JSON with lexicographically
//     sorted keys.
//  3. expire_utc is hashed as its decimal string even though it is
//     transmitted as a number.
//  4. tx_urls is percent-decoded before hashing. A literal '+' stays a
//     '+': the provider decodes with decodeURIComponent semantics, not
//     form encoding.
//  5. The tag is HMAC-SHA1 over that serialization, lowercase hex.
//
// The incoming event map is not modified.
func VerifyCallback(event map[string]interface{}, secret string) bool {
	raw, ok := event["verify_hash"]
	if !ok {
		return false
	}
	providedHash, ok := raw.(string)
	if !ok || providedHash == "" {
		return false
	}

	fields := make(map[string]interface{}, len(event)-1)
	for k, v := range event {
		if k == "verify_hash" {
			continue
		}
		fields[k] = v
	}

	if v, ok := fields["expire_utc"]; ok {
		fields["expire_utc"] = numberString(v)
	}
	if v, ok := fields["tx_urls"]; ok {
		if s, ok := v.(string); ok {
			if decoded, err := url.PathUnescape(s); err == nil {
				fields["tx_urls"] = decoded
			}
		}
	}

	payload, err := canonicalJSON(fields)
	if err != nil {
		return false
	}

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(payload)
	computed := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison; the tag gates money-moving mutations.
	return hmac.Equal([]byte(computed), []byte(providedHash))
}

// canonicalJSON serializes the field map compactly with sorted keys and no
// HTML escaping, matching the provider's serializer byte for byte.
// encoding/json already emits map keys in lexicographic order.
func canonicalJSON(fields map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fields); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// numberString renders a callback value as the decimal string the provider
// hashed. json.Number values pass through unchanged.
func numberString(v interface{}) string {
	switch n := v.(type) {
	case json.Number:
		return n.String()
	case string:
		return n
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(n, 10)
	default:
		return fmt.Sprint(v)
	}
}

// StringField extracts a string-typed field from a callback event, rendering
// numbers as decimal strings. Missing fields return "".
func StringField(event map[string]interface{}, key string) string {
	v, ok := event[key]
	if !ok || v == nil {
		return ""
	}
	return numberString(v)
}
