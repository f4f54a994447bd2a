package obs

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwjohns/curator/internal/ratelimit"
)

// Source yields the current per-model snapshots.
type Source interface {
	Snapshots() []ratelimit.Snapshot
}

var (
	descAvailable = prometheus.NewDesc(
		"curator_capacity_available",
		"Capacity currently available in the bucket",
		[]string{"model", "resource"}, nil,
	)
	descCeiling = prometheus.NewDesc(
		"curator_capacity_ceiling_per_minute",
		"Configured per-minute ceiling",
		[]string{"model", "resource"}, nil,
	)
	descUnits = prometheus.NewDesc(
		"curator_units",
		"Units of work by state",
		[]string{"model", "state"}, nil,
	)
	descErrors = prometheus.NewDesc(
		"curator_errors_total",
		"Failed calls by error class",
		[]string{"model", "class"}, nil,
	)
	descTokens = prometheus.NewDesc(
		"curator_tokens_total",
		"Tokens reported by successful calls",
		[]string{"model", "kind"}, nil,
	)
	descCost = prometheus.NewDesc(
		"curator_cost_dollars_total",
		"Accumulated cost of successful calls",
		[]string{"model"}, nil,
	)
	descProjected = prometheus.NewDesc(
		"curator_projected_cost_dollars",
		"Average cost per call times expected units",
		[]string{"model"}, nil,
	)
)

// SnapshotCollector exports controller snapshots at scrape time.
type SnapshotCollector struct {
	src Source
}

func NewSnapshotCollector(src Source) *SnapshotCollector {
	return &SnapshotCollector{src: src}
}

func (c *SnapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{descAvailable, descCeiling, descUnits, descErrors, descTokens, descCost, descProjected} {
		ch <- d
	}
}

func (c *SnapshotCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.src.Snapshots() {
		gauge := func(d *prometheus.Desc, v float64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, append([]string{s.Model}, labels...)...)
		}
		counter := func(d *prometheus.Desc, v float64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, append([]string{s.Model}, labels...)...)
		}

		gauge(descAvailable, s.AvailableRequests, "requests")
		gauge(descAvailable, s.AvailableTokens, "tokens")
		gauge(descCeiling, s.MaxRequestsPerMinute, "requests")
		gauge(descCeiling, s.MaxTokensPerMinute, "tokens")

		gauge(descUnits, float64(s.TotalExpected), "expected")
		gauge(descUnits, float64(s.Started), "started")
		gauge(descUnits, float64(s.InProgress), "in_progress")
		gauge(descUnits, float64(s.Succeeded), "succeeded")
		gauge(descUnits, float64(s.Failed), "failed")
		gauge(descUnits, float64(s.AlreadyCompleted), "already_completed")

		counter(descErrors, float64(s.APIErrors), ratelimit.ErrorAPI.String())
		counter(descErrors, float64(s.RateLimitErrors), ratelimit.ErrorRateLimit.String())
		counter(descErrors, float64(s.OtherErrors), ratelimit.ErrorOther.String())

		counter(descTokens, float64(s.PromptTokens), "prompt")
		counter(descTokens, float64(s.CompletionTokens), "completion")
		counter(descCost, s.TotalCost)
		gauge(descProjected, s.ProjectedCost)
	}
}
