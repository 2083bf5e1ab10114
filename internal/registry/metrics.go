package registry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/devghori1264/aerophoenix/instanced/internal/models"
)

var instancesDesc = prometheus.NewDesc(
	"instanced_instances",
	"Number of registered instances by pairing status.",
	[]string{"status"}, nil,
)

// Collector exports the registry size per status at scrape time.
type Collector struct {
	r *Registry
}

// NewCollector returns a prometheus collector over r.
func NewCollector(r *Registry) *Collector {
	return &Collector{r: r}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- instancesDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counts := map[models.Status]int{
		models.StatusInitializing: 0,
		models.StatusQRPending:    0,
		models.StatusConnected:    0,
		models.StatusDisconnected: 0,
	}
	for _, s := range c.r.List() {
		counts[s.Status]++
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(instancesDesc, prometheus.GaugeValue, float64(n), string(status))
	}
}
