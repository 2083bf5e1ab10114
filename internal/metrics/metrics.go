// Package metrics holds Prometheus registration helpers shared by the
// manager, the forwarder and the bridge adapter.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric the daemon exports.
const Namespace = "instanced"

// Register registers c with reg, or returns the collector already
// registered under the same descriptor. A nil reg means the default
// registerer.
func Register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}
