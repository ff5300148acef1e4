// Package cursor implements signed, expiring pagination cursors.
// A cursor is base64url({"data": <deterministic JSON>, "sig": <HMAC-SHA256>}).
// Decoding rejects oversized, forged, expired, or corrupt cursors, and error
// messages never echo payload contents.
package cursor

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// MaxCursorBytes caps the encoded cursor size accepted by Decode.
const MaxCursorBytes = 10 * 1024

// RecommendedSecretLen is the minimum secret length that avoids a boot warning.
const RecommendedSecretLen = 32

// Codec signs and verifies pagination cursors with a process-wide secret.
type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// envelope is the wire shape of an encoded cursor.
type envelope struct {
	Data json.RawMessage `json:"data"`
	Sig  string          `json:"sig"`
}

// expiring is merged into every payload to carry the expiry stamp.
type expiring struct {
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

// NewCodec builds a codec from the configured secret. An empty secret
// generates a random 32-byte one (cursors then survive only this process);
// a short secret logs a security warning but is accepted.
func NewCodec(secret string, ttl time.Duration) *Codec {
	key := []byte(secret)
	if len(key) == 0 {
		buf := make([]byte, RecommendedSecretLen)
		if _, err := rand.Read(buf); err == nil {
			key = []byte(hex.EncodeToString(buf))
			logging.Get(logging.CategoryCursor).Warn(
				"No cursor secret configured; generated an ephemeral one (cursors won't survive restarts)")
		}
	} else if len(key) < RecommendedSecretLen {
		logging.Get(logging.CategoryCursor).Warn(
			"Cursor secret is %d bytes; %d or more recommended", len(key), RecommendedSecretLen)
	}

	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Codec{secret: key, ttl: ttl, now: time.Now}
}

// Encode serializes payload deterministically, stamps the expiry, signs it,
// and emits a base64url cursor. ttlOverride <= 0 uses the codec default.
func (c *Codec) Encode(payload interface{}, ttlOverride time.Duration) (string, error) {
	ttl := c.ttl
	if ttlOverride > 0 {
		ttl = ttlOverride
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to serialize cursor payload: %w", err)
	}

	// Merge the expiry into the payload object.
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", fmt.Errorf("cursor payload must be a JSON object: %w", err)
	}
	expiresAt, err := json.Marshal(c.now().Add(ttl).UnixMilli())
	if err != nil {
		return "", err
	}
	obj["expiresAt"] = expiresAt
	data, err = json.Marshal(obj)
	if err != nil {
		return "", err
	}

	env := envelope{Data: data, Sig: c.sign(data)}
	out, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Decode verifies and unmarshals a cursor into dst. All failures return a
// *types.CursorError whose message carries no payload content.
func (c *Codec) Decode(encoded string, dst interface{}) error {
	if len(encoded) > MaxCursorBytes {
		return &types.CursorError{Reason: "cursor exceeds maximum size"}
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return &types.CursorError{Reason: "cursor is not valid base64url"}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &types.CursorError{Reason: "cursor envelope is corrupt"}
	}
	if env.Sig == "" || len(env.Data) == 0 {
		return &types.CursorError{Reason: "cursor is missing a signature"}
	}

	// Constant-time signature comparison.
	expected := c.sign(env.Data)
	if !hmac.Equal([]byte(expected), []byte(env.Sig)) {
		return &types.CursorError{Reason: "cursor signature mismatch"}
	}

	var exp expiring
	if err := json.Unmarshal(env.Data, &exp); err != nil {
		return &types.CursorError{Reason: "cursor payload is corrupt"}
	}
	if exp.ExpiresAt > 0 && c.now().UnixMilli() > exp.ExpiresAt {
		return &types.CursorError{Reason: "cursor has expired"}
	}

	if dst != nil {
		if err := json.Unmarshal(env.Data, dst); err != nil {
			return &types.CursorError{Reason: "cursor payload does not match the expected shape"}
		}
	}
	return nil
}

// sign computes the hex HMAC-SHA256 of the serialized payload.
func (c *Codec) sign(data []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
