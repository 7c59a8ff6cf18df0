package metrics

import (
	"errors"
	"net/http"

	"github.com/Bldg-7/msgkind/internal/shared"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// ErrNotGatherable is returned when the registerer cannot also gather.
var ErrNotGatherable = errors.New("metrics registerer cannot be gathered")

// Rejection reasons
const (
	ReasonInvalidType     = "invalid_type"
	ReasonInvalidEnvelope = "invalid_envelope"
)

// KindMetrics counts message kinds seen and rejected
type KindMetrics struct {
	ClassifiedTotal *prometheus.CounterVec
	RejectedTotal   *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewKindMetrics registers the counters on reg. A nil reg gets a fresh registry.
func NewKindMetrics(reg prometheus.Registerer) *KindMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	gatherer, _ := reg.(prometheus.Gatherer)
	factory := promauto.With(reg)
	return &KindMetrics{
		ClassifiedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msgkind_classified_total",
				Help: "Total messages classified by kind",
			},
			[]string{"kind"},
		),
		RejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msgkind_rejected_total",
				Help: "Total messages rejected by reason",
			},
			[]string{"reason"},
		),
		gatherer: gatherer,
	}
}

// Classify parses text and records the outcome
func (m *KindMetrics) Classify(text string) (shared.MessageKind, error) {
	kind, err := shared.ParseMessageKind(text)
	if err != nil {
		m.ObserveRejected(ReasonInvalidType)
		return kind, err
	}
	m.ObserveKind(kind)
	return kind, nil
}

// ObserveKind counts one classified message of the given kind
func (m *KindMetrics) ObserveKind(kind shared.MessageKind) {
	if m == nil {
		return
	}
	m.ClassifiedTotal.WithLabelValues(kind.String()).Inc()
}

// ObserveEnvelope counts a decoded envelope by its kind
func (m *KindMetrics) ObserveEnvelope(env *shared.Envelope) {
	if m == nil || env == nil {
		return
	}
	m.ObserveKind(env.Kind)
}

// ObserveRejected counts a rejected message under reason
func (m *KindMetrics) ObserveRejected(reason string) {
	if m == nil {
		return
	}
	m.RejectedTotal.WithLabelValues(reason).Inc()
}

// Handler serves the counters in Prometheus exposition format.
// When the registerer given to NewKindMetrics cannot gather, it answers 501.
func (m *KindMetrics) Handler() http.Handler {
	if m.gatherer == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, ErrNotGatherable.Error(), http.StatusNotImplemented)
		})
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Gather returns the registered metric families
func (m *KindMetrics) Gather() ([]*dto.MetricFamily, error) {
	if m.gatherer == nil {
		return nil, ErrNotGatherable
	}
	return m.gatherer.Gather()
}
