package tracking

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exposes the latest value of every tag as a gauge, plus the step
// it was logged at.
type Prometheus struct {
	reg   prometheus.Registerer
	value *prometheus.GaugeVec
	step  *prometheus.GaugeVec

	mu  sync.Mutex
	run string
}

// NewPrometheus creates gauges under namespace. They are registered on Init.
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	return &Prometheus{
		reg: reg,
		value: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scalar",
			Help:      "Latest value logged for a training scalar.",
		}, []string{"run", "tag"}),
		step: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scalar_step",
			Help:      "Optimization step of the latest value logged for a training scalar.",
		}, []string{"run", "tag"}),
	}
}

func (p *Prometheus) Init(runName string, _ map[string]any) error {
	p.mu.Lock()
	p.run = runName
	p.mu.Unlock()
	for _, c := range []prometheus.Collector{p.value, p.step} {
		if err := p.reg.Register(c); err != nil {
			return errors.Wrap(err, "register gauges")
		}
	}
	return nil
}

func (p *Prometheus) Log(values map[string]float64, step int) error {
	p.mu.Lock()
	run := p.run
	p.mu.Unlock()
	for tag, v := range values {
		p.value.WithLabelValues(run, tag).Set(v)
		p.step.WithLabelValues(run, tag).Set(float64(step))
	}
	return nil
}

// Close unregisters the gauges.
func (p *Prometheus) Close() error {
	p.reg.Unregister(p.value)
	p.reg.Unregister(p.step)
	return nil
}

// Gauge returns the value gauge for tag, for callers that want to read it back.
func (p *Prometheus) Gauge(tag string) prometheus.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value.WithLabelValues(p.run, tag)
}
