package cursor

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"mnemo/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	Offset    int    `json:"offset"`
	Limit     int    `json:"limit"`
	SortBy    string `json:"sortBy,omitempty"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	return NewCodec("test-secret-0123456789abcdef0123456789", 10*time.Minute)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	encoded, err := c.Encode(testPayload{Offset: 100, Limit: 50}, time.Minute)
	require.NoError(t, err)

	// base64url alphabet only
	assert.NotContains(t, encoded, "+")
	assert.NotContains(t, encoded, "/")
	assert.NotContains(t, encoded, "=")

	var decoded testPayload
	require.NoError(t, c.Decode(encoded, &decoded))
	assert.Equal(t, 100, decoded.Offset)
	assert.Equal(t, 50, decoded.Limit)

	// expiresAt ~ now+60s
	delta := decoded.ExpiresAt - time.Now().Add(time.Minute).UnixMilli()
	assert.InDelta(t, 0, delta, 5000, "expiresAt should be about now+60s")
}

func TestTamperedCursorFailsDecode(t *testing.T) {
	c := newTestCodec(t)
	encoded, err := c.Encode(testPayload{Offset: 1}, 0)
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	require.NoError(t, err)

	// Flip one byte inside the envelope and re-encode.
	for _, i := range []int{len(raw) / 4, len(raw) / 2, len(raw) - 10} {
		tampered := make([]byte, len(raw))
		copy(tampered, raw)
		tampered[i] ^= 0x01

		err := c.Decode(base64.RawURLEncoding.EncodeToString(tampered), &testPayload{})
		var ce *types.CursorError
		require.ErrorAs(t, err, &ce, "tampering at byte %d must fail", i)
	}
}

func TestErrorsDoNotEchoPayload(t *testing.T) {
	c := newTestCodec(t)
	encoded, err := c.Encode(testPayload{Offset: 4242, SortBy: "secret-field-value"}, 0)
	require.NoError(t, err)

	wrong := NewCodec("another-secret-entirely-0123456789ab", time.Minute)
	decodeErr := wrong.Decode(encoded, &testPayload{})
	require.Error(t, decodeErr)
	assert.NotContains(t, decodeErr.Error(), "4242")
	assert.NotContains(t, decodeErr.Error(), "secret-field-value")
}

func TestOversizedCursorRejected(t *testing.T) {
	c := newTestCodec(t)
	huge := strings.Repeat("A", MaxCursorBytes+1)
	err := c.Decode(huge, &testPayload{})
	var ce *types.CursorError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "maximum size")
}

func TestExpiredCursorRejected(t *testing.T) {
	c := newTestCodec(t)
	encoded, err := c.Encode(testPayload{Offset: 5}, time.Millisecond)
	require.NoError(t, err)

	c.now = func() time.Time { return time.Now().Add(time.Second) }
	err = c.Decode(encoded, &testPayload{})
	var ce *types.CursorError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "expired")
}

func TestGarbageCursorRejected(t *testing.T) {
	c := newTestCodec(t)
	for _, bad := range []string{"", "!!!!", "bm90LWpzb24", base64.RawURLEncoding.EncodeToString([]byte(`{"data":{}}`))} {
		err := c.Decode(bad, &testPayload{})
		var ce *types.CursorError
		assert.ErrorAs(t, err, &ce, "input %q", bad)
	}
}
