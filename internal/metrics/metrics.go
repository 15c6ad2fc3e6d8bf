package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tryst"

// Metrics holds the protocol counters of one core instance
type Metrics struct {
	MessagesEncrypted prometheus.Counter
	DecryptOutcomes   *prometheus.CounterVec
	ReplayLedgerSize  prometheus.Gauge
	KeyRotations      prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil registerer
// leaves them unregistered, which is what tests and short-lived CLI runs want.
// Collectors that are already registered are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		MessagesEncrypted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_encrypted_total",
			Help:      "Messages sealed for a recipient.",
		}),
		DecryptOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_outcomes_total",
			Help:      "Decrypt attempts by outcome.",
		}, []string{"outcome"}),
		ReplayLedgerSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replay_ledger_entries",
			Help:      "Entries currently held in the replay ledger.",
		}),
		KeyRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_rotations_total",
			Help:      "Completed identity key rotations.",
		}),
	}

	if reg == nil {
		return m, nil
	}

	var err error
	if m.MessagesEncrypted, err = register(reg, m.MessagesEncrypted); err != nil {
		return nil, err
	}
	if m.DecryptOutcomes, err = register(reg, m.DecryptOutcomes); err != nil {
		return nil, err
	}
	if m.ReplayLedgerSize, err = register(reg, m.ReplayLedgerSize); err != nil {
		return nil, err
	}
	if m.KeyRotations, err = register(reg, m.KeyRotations); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// ObserveDecrypt counts one decrypt attempt under outcome
func (m *Metrics) ObserveDecrypt(outcome string) {
	if m == nil {
		return
	}
	m.DecryptOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveEncrypt() {
	if m == nil {
		return
	}
	m.MessagesEncrypted.Inc()
}

func (m *Metrics) ObserveRotation() {
	if m == nil {
		return
	}
	m.KeyRotations.Inc()
}

func (m *Metrics) SetLedgerSize(n int) {
	if m == nil {
		return
	}
	m.ReplayLedgerSize.Set(float64(n))
}
