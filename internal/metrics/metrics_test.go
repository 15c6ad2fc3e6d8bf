package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserve(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	m.ObserveEncrypt()
	m.ObserveEncrypt()
	m.ObserveDecrypt("ok")
	m.ObserveDecrypt("replay")
	m.ObserveDecrypt("replay")
	m.ObserveRotation()
	m.SetLedgerSize(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesEncrypted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecryptOutcomes.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DecryptOutcomes.WithLabelValues("replay")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KeyRotations))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.ReplayLedgerSize))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveEncrypt()
		m.ObserveDecrypt("ok")
		m.ObserveRotation()
		m.SetLedgerSize(1)
	})
}

func TestRegisterTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()

	first, err := New(reg)
	require.NoError(t, err)
	second, err := New(reg)
	require.NoError(t, err)

	first.ObserveEncrypt()
	second.ObserveEncrypt()

	assert.Equal(t, 2.0, testutil.ToFloat64(first.MessagesEncrypted))

	count, err := testutil.GatherAndCount(reg, "tryst_messages_encrypted_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
