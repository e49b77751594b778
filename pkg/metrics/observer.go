// Package metrics exports upload pipeline telemetry to Prometheus.
package metrics

import (
	"fmt"
	"time"

	"github.com/menuadmin/imageupload/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "menu_uploader"

// PrometheusObserver records stage latency, stage failures and transferred
// bytes. A nil observer is a no-op.
type PrometheusObserver struct {
	stageDuration *prometheus.HistogramVec
	stageErrors   *prometheus.CounterVec
	uploadBytes   prometheus.Counter
}

// NewPrometheusObserver registers the pipeline metrics with reg.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &PrometheusObserver{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Latency of upload pipeline stages.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		stageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Count of upload pipeline stage failures.",
		}, []string{"stage", "reason"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Cumulative payload size transferred to object storage.",
		}),
	}

	if err := reg.Register(o.stageDuration); err != nil {
		existing, rerr := reuse[*prometheus.HistogramVec](err)
		if rerr != nil {
			return nil, rerr
		}
		o.stageDuration = existing
	}
	if err := reg.Register(o.stageErrors); err != nil {
		existing, rerr := reuse[*prometheus.CounterVec](err)
		if rerr != nil {
			return nil, rerr
		}
		o.stageErrors = existing
	}
	if err := reg.Register(o.uploadBytes); err != nil {
		existing, rerr := reuse[prometheus.Counter](err)
		if rerr != nil {
			return nil, rerr
		}
		o.uploadBytes = existing
	}
	return o, nil
}

func reuse[T prometheus.Collector](err error) (T, error) {
	var zero T
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if c, ok := are.ExistingCollector.(T); ok {
			return c, nil
		}
	}
	return zero, fmt.Errorf("register upload metric: %w", err)
}

// ObserveStage tracks one stage run.
func (o *PrometheusObserver) ObserveStage(stage string, d time.Duration, err error) {
	if o == nil {
		return
	}
	o.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if err != nil {
		o.stageErrors.WithLabelValues(stage, Reason(err)).Inc()
	}
}

// ObserveTransferBytes adds n successfully transferred bytes.
func (o *PrometheusObserver) ObserveTransferBytes(n int64) {
	if o == nil || n <= 0 {
		return
	}
	o.uploadBytes.Add(float64(n))
}

// Reason buckets an error into a low-cardinality label.
func Reason(err error) string {
	switch {
	case errors.Is(err, errors.ErrCancelled):
		return "cancelled"
	case errors.Is(err, errors.ErrInvalidCredential):
		return "invalid_credential"
	case errors.Is(err, errors.ErrMissingLocalFile):
		return "missing_file"
	case errors.Is(err, errors.ErrInvalidState):
		return "invalid_state"
	default:
		return "error"
	}
}
