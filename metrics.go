package cloudlet

import (
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/pkg/errors"
)

// NewMetrics returns a metrics collector for service. It always reports to
// the returned in-memory sink, and also to statsd if statsdAddr is set.
func NewMetrics(service string, statsdAddr string) (*metrics.Metrics, *metrics.InmemSink, error) {
	inm := metrics.NewInmemSink(10*time.Second, 5*time.Minute)
	fanout := metrics.FanoutSink{inm}

	if statsdAddr != "" {
		ss, err := metrics.NewStatsdSink(statsdAddr)
		if err != nil {
			return nil, nil, errors.WithStack(err)
		}
		fanout = append(fanout, ss)
	}

	conf := metrics.DefaultConfig(service)
	conf.EnableHostname = false
	conf.EnableRuntimeMetrics = false
	m, err := metrics.New(conf, fanout)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	return m, inm, nil
}
