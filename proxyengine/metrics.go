package proxyengine

import "github.com/prometheus/client_golang/prometheus"

// MetricHook captures proxy engine telemetry events, mirroring the
// vendored fabric client's MetricHook shape with proxy-specific events in
// place of dispatcher/send/receive ones.
type MetricHook interface {
	CreditsGranted(attrs map[string]string)
	SendIssued(attrs map[string]string)
	SendFailed(err error, attrs map[string]string)
	RecvPosted(attrs map[string]string)
	RecvFailed(err error, attrs map[string]string)
	CompletionReaped(attrs map[string]string)
	FlushIssued(attrs map[string]string)
	SharedPoolRefcount(attrs map[string]string, refcount int)
}

// noopMetrics discards every event; the zero-value default.
type noopMetrics struct{}

func (noopMetrics) CreditsGranted(map[string]string)                 {}
func (noopMetrics) SendIssued(map[string]string)                     {}
func (noopMetrics) SendFailed(error, map[string]string)              {}
func (noopMetrics) RecvPosted(map[string]string)                     {}
func (noopMetrics) RecvFailed(error, map[string]string)              {}
func (noopMetrics) CompletionReaped(map[string]string)               {}
func (noopMetrics) FlushIssued(map[string]string)                    {}
func (noopMetrics) SharedPoolRefcount(map[string]string, int)        {}

var _ MetricHook = noopMetrics{}

const (
	labelChannel   = "channel"
	labelProtocol  = "protocol"
	labelDirection = "direction"
	labelShared    = "shared"
)

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

// PrometheusMetrics implements MetricHook using Prometheus counters and a
// gauge, adapted one-for-one from the vendored fabric client's
// PrometheusMetrics: same AlreadyRegisteredError tolerance, same label
// composition helper.
type PrometheusMetrics struct {
	creditsGranted   *prometheus.CounterVec
	sendIssued       *prometheus.CounterVec
	sendFailed       *prometheus.CounterVec
	recvPosted       *prometheus.CounterVec
	recvFailed       *prometheus.CounterVec
	completionReaped *prometheus.CounterVec
	flushIssued      *prometheus.CounterVec
	sharedRefcount   *prometheus.GaugeVec
}

var _ MetricHook = (*PrometheusMetrics)(nil)

var proxyLabelKeys = []string{labelChannel, labelProtocol, labelDirection, labelShared}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus
// counters and a gauge.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		creditsGranted:   counter("proxyengine_credits_granted_total", "Number of credit grants issued by the send state machine", proxyLabelKeys),
		sendIssued:       counter("proxyengine_sends_issued_total", "Number of isend calls issued", proxyLabelKeys),
		sendFailed:       counter("proxyengine_sends_failed_total", "Number of isend calls that failed", proxyLabelKeys),
		recvPosted:       counter("proxyengine_recvs_posted_total", "Number of irecv calls issued", proxyLabelKeys),
		recvFailed:       counter("proxyengine_recvs_failed_total", "Number of irecv calls that failed", proxyLabelKeys),
		completionReaped: counter("proxyengine_completions_reaped_total", "Number of completions reaped via test", proxyLabelKeys),
		flushIssued:      counter("proxyengine_flushes_issued_total", "Number of iflush calls issued", proxyLabelKeys),
		sharedRefcount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "proxyengine_shared_pool_refcount",
			Help:        "Current refcount of a shared buffer pool entry",
			ConstLabels: opts.ConstLabels,
		}, []string{labelDirection}),
	}

	var err error
	if p.creditsGranted, err = registerCounterVec(reg, p.creditsGranted); err != nil {
		return nil, err
	}
	if p.sendIssued, err = registerCounterVec(reg, p.sendIssued); err != nil {
		return nil, err
	}
	if p.sendFailed, err = registerCounterVec(reg, p.sendFailed); err != nil {
		return nil, err
	}
	if p.recvPosted, err = registerCounterVec(reg, p.recvPosted); err != nil {
		return nil, err
	}
	if p.recvFailed, err = registerCounterVec(reg, p.recvFailed); err != nil {
		return nil, err
	}
	if p.completionReaped, err = registerCounterVec(reg, p.completionReaped); err != nil {
		return nil, err
	}
	if p.flushIssued, err = registerCounterVec(reg, p.flushIssued); err != nil {
		return nil, err
	}
	if err := reg.Register(p.sharedRefcount); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				p.sharedRefcount = existing
			}
		} else {
			return nil, err
		}
	}

	return p, nil
}

func (p *PrometheusMetrics) CreditsGranted(attrs map[string]string) {
	p.creditsGranted.With(labels(attrs, proxyLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SendIssued(attrs map[string]string) {
	p.sendIssued.With(labels(attrs, proxyLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SendFailed(_ error, attrs map[string]string) {
	p.sendFailed.With(labels(attrs, proxyLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) RecvPosted(attrs map[string]string) {
	p.recvPosted.With(labels(attrs, proxyLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) RecvFailed(_ error, attrs map[string]string) {
	p.recvFailed.With(labels(attrs, proxyLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) CompletionReaped(attrs map[string]string) {
	p.completionReaped.With(labels(attrs, proxyLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) FlushIssued(attrs map[string]string) {
	p.flushIssued.With(labels(attrs, proxyLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SharedPoolRefcount(attrs map[string]string, refcount int) {
	p.sharedRefcount.With(labels(attrs, labelDirection)).Set(float64(refcount))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
