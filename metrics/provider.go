// Package metrics instruments a kmssigner.Provider with Prometheus metrics.
package metrics

import (
	"context"
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	kmssigner "github.com/bluewhale55/web3-kms-signer"
)

// Metrics holds the custody collectors.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics registers the custody collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kmssigner_operations_total",
				Help: "Total custody operations by backend, operation, outcome and error kind",
			},
			[]string{"backend", "op", "outcome", "kind"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kmssigner_operation_duration_seconds",
				Help:    "Custody operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend", "op"},
		),
	}
}

func (m *Metrics) observe(backend, op string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(backend, op, outcome, kmssigner.ErrorKind(err)).Inc()
	m.duration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

// InstrumentedProvider records metrics around every Provider call.
type InstrumentedProvider struct {
	next    kmssigner.Provider
	backend string
	metrics *Metrics
}

// Verify interface compliance
var _ kmssigner.Provider = (*InstrumentedProvider)(nil)

// Instrument wraps next. backend labels its metrics.
func Instrument(next kmssigner.Provider, backend string, m *Metrics) *InstrumentedProvider {
	return &InstrumentedProvider{next: next, backend: backend, metrics: m}
}

// PublicKey implements kmssigner.Provider.
func (p *InstrumentedProvider) PublicKey(ctx context.Context, keyID string) ([]byte, error) {
	start := time.Now()
	der, err := p.next.PublicKey(ctx, keyID)
	p.metrics.observe(p.backend, "public_key", start, err)
	return der, err
}

// Sign implements kmssigner.Provider.
func (p *InstrumentedProvider) Sign(ctx context.Context, keyID string, digest []byte, chainID *big.Int) (*kmssigner.RecoverableSignature, error) {
	start := time.Now()
	sig, err := p.next.Sign(ctx, keyID, digest, chainID)
	p.metrics.observe(p.backend, "sign", start, err)
	return sig, err
}
