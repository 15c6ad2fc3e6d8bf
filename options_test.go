package tryst

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, "TRYST", opts.ProductName)
	assert.Equal(t, 24*time.Hour, opts.MessageTTL)
	assert.Equal(t, 5*time.Minute, opts.ClockSkew)
	assert.Equal(t, SignaturePolicyAdvisory, opts.SignaturePolicy)
	assert.Equal(t, 30, opts.DecryptAttemptLimit)
	assert.Equal(t, 3, opts.Rotation.MaxPreviousKeys)
	assert.Equal(t, 10000, opts.Replay.Capacity)
	assert.NotNil(t, opts.Logger)
	assert.NotNil(t, opts.Clock)
	require.NoError(t, opts.Validate())
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"LowerCaseProduct", func(o *Options) { o.ProductName = "tryst" }},
		{"ProductWithDash", func(o *Options) { o.ProductName = "TRY-ST" }},
		{"NegativeTTL", func(o *Options) { o.MessageTTL = -time.Second }},
		{"NegativeLimit", func(o *Options) { o.DecryptAttemptLimit = -1 }},
		{"UnknownPolicy", func(o *Options) { o.SignaturePolicy = SignaturePolicy(7) }},
		{"NegativePrevious", func(o *Options) { o.Rotation.MaxPreviousKeys = -1 }},
		{"NegativeCapacity", func(o *Options) { o.Replay.Capacity = -1 }},
		{"ShortIntegrityKey", func(o *Options) { o.Replay.IntegrityKey = []byte("short") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			require.Error(t, opts.Validate())
		})
	}

	opts := DefaultOptions()
	opts.ProductName = "ACME CHAT 2"
	require.NoError(t, opts.Validate())
}

func TestSignaturePolicy(t *testing.T) {
	for _, p := range []SignaturePolicy{SignaturePolicyAdvisory, SignaturePolicyRequired} {
		parsed, err := ParseSignaturePolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
	parsed, err := ParseSignaturePolicy("")
	require.NoError(t, err)
	assert.Equal(t, SignaturePolicyAdvisory, parsed)

	_, err = ParseSignaturePolicy("paranoid")
	require.Error(t, err)
	assert.Equal(t, "SignaturePolicy(9)", SignaturePolicy(9).String())
}

func TestOptionsSerializationOmitsSecrets(t *testing.T) {
	opts := DefaultOptions()
	opts.Replay.IntegrityKey = []byte("0123456789abcdef0123456789abcdef")

	data, err := json.Marshal(opts)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "integrity")
	assert.Contains(t, string(data), `"product_name":"TRYST"`)

	out, err := yaml.Marshal(opts)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "integrity")
	assert.Contains(t, string(out), "product_name: TRYST")
}
