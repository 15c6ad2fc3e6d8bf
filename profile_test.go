package tryst

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignableProfileCanonical(t *testing.T) {
	a, err := NewSignableProfile(map[string]any{
		"name":  "alice",
		"links": map[string]any{"web": "https://example.org", "chat": "@alice"},
		"tags":  []any{"b", "a"},
	})
	require.NoError(t, err)
	b, err := NewSignableProfile(map[string]any{
		"tags":                "ignored below",
		"links":               map[string]any{"chat": "@alice", "web": "https://example.org"},
		"name":                "alice",
		ProfileFieldSignature: "old",
		ProfileFieldNonce:     "old",
	})
	require.NoError(t, err)
	b2, err := NewSignableProfile(map[string]any{
		"tags":                []any{"b", "a"},
		"links":               map[string]any{"chat": "@alice", "web": "https://example.org"},
		"name":                "alice",
		ProfileFieldSignature: "old",
		ProfileFieldTimestamp: "2020-01-01T00:00:00Z",
	})
	require.NoError(t, err)

	assert.Equal(t, `{"links":{"chat":"@alice","web":"https://example.org"},"name":"alice","tags":["b","a"]}`, string(a.Canonical()))
	assert.NotEqual(t, a.Canonical(), b.Canonical())
	assert.Equal(t, a.Canonical(), b2.Canonical(), "key order and signature fields do not matter")

	_, err = NewSignableProfile(nil)
	require.ErrorIs(t, err, ErrInvalidProfile)
	_, err = NewSignableProfile(map[string]any{"bad": make(chan int)})
	require.ErrorIs(t, err, ErrInvalidProfile)
}

func TestProfileSignVerify(t *testing.T) {
	priv := testKey(t, 0)
	sp, err := NewSignableProfile(map[string]any{"name": "alice"})
	require.NoError(t, err)

	sig, err := SignProfileAt(sp, priv, testStart.Add(750*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, testStart.Equal(sig.Timestamp), "timestamps have second precision")
	assert.NotEmpty(t, sig.Nonce)

	tests := []struct {
		name  string
		now   time.Time
		valid bool
	}{
		{"Fresh", testStart, true},
		{"AlmostStale", testStart.Add(ProfileSignatureValidity), true},
		{"Stale", testStart.Add(ProfileSignatureValidity + time.Second), false},
		{"SlightlyAhead", testStart.Add(-4 * time.Minute), true},
		{"FromTheFuture", testStart.Add(-6 * time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, VerifyProfileAt(sp, sig, &priv.PublicKey, tt.now))
		})
	}

	t.Run("WrongKey", func(t *testing.T) {
		assert.False(t, VerifyProfileAt(sp, sig, &testKey(t, 1).PublicKey, testStart))
	})

	t.Run("ChangedNonce", func(t *testing.T) {
		forged := *sig
		forged.Nonce = "another"
		assert.False(t, VerifyProfileAt(sp, &forged, &priv.PublicKey, testStart))
	})

	t.Run("ChangedProfile", func(t *testing.T) {
		other, err := NewSignableProfile(map[string]any{"name": "mallory"})
		require.NoError(t, err)
		assert.False(t, VerifyProfileAt(other, sig, &priv.PublicKey, testStart))
	})

	t.Run("Garbage", func(t *testing.T) {
		forged := *sig
		forged.Signature = "%%%"
		assert.False(t, VerifyProfileAt(sp, &forged, &priv.PublicKey, testStart))
		assert.False(t, VerifyProfileAt(sp, nil, &priv.PublicKey, testStart))
	})
}

func TestProfileEmbedding(t *testing.T) {
	priv := testKey(t, 0)
	doc := map[string]any{"name": "alice", "age": float64(30)}
	sp, err := NewSignableProfile(doc)
	require.NoError(t, err)
	sig, err := SignProfileAt(sp, priv, testStart)
	require.NoError(t, err)

	signed := AttachSignature(doc, sig)
	assert.Len(t, doc, 2, "input document is not modified")
	assert.Equal(t, "2025-03-01T12:00:00Z", signed[ProfileFieldTimestamp])

	extracted, err := ExtractSignature(signed)
	require.NoError(t, err)
	assert.Equal(t, sig.Signature, extracted.Signature)
	assert.Equal(t, sig.Nonce, extracted.Nonce)
	assert.True(t, sig.Timestamp.Equal(extracted.Timestamp))

	resp, err := NewSignableProfile(signed)
	require.NoError(t, err)
	assert.True(t, VerifyProfileAt(resp, extracted, &priv.PublicKey, testStart.Add(time.Hour)))

	_, err = ExtractSignature(doc)
	require.ErrorIs(t, err, ErrInvalidProfile)

	bad := AttachSignature(doc, sig)
	bad[ProfileFieldTimestamp] = "yesterday"
	_, err = ExtractSignature(bad)
	require.ErrorIs(t, err, ErrInvalidProfile)
}

func TestProfileNeedsResign(t *testing.T) {
	sig := &ProfileSignature{Timestamp: testStart}
	assert.False(t, sig.NeedsResign(testStart.Add(ProfileResignInterval-time.Second)))
	assert.True(t, sig.NeedsResign(testStart.Add(ProfileResignInterval)))
}
