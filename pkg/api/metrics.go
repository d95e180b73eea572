package api

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/psaab/xdplb/pkg/control"
	"github.com/psaab/xdplb/pkg/redirect"
)

// xdplbCollector implements prometheus.Collector, reading the dataplane
// counters and rotation table on each scrape.
type xdplbCollector struct {
	svc *control.Service

	packetsTotal *prometheus.Desc
	tableEntries *prometheus.Desc
	tableMax     *prometheus.Desc
	backends     *prometheus.Desc
	attached     *prometheus.Desc

	// Auditor
	auditSweepsTotal   *prometheus.Desc
	auditRepairedTotal *prometheus.Desc
	auditMalformed     *prometheus.Desc
	auditSweepDuration *prometheus.Desc
}

func newCollector(svc *control.Service) *xdplbCollector {
	return &xdplbCollector{
		svc: svc,

		packetsTotal: prometheus.NewDesc(
			"xdplb_packets_total",
			"Packets seen by the redirector, by outcome.",
			[]string{"reason"}, nil,
		),
		tableEntries: prometheus.NewDesc(
			"xdplb_rotation_entries",
			"Listen ports in the rotation table.",
			nil, nil,
		),
		tableMax: prometheus.NewDesc(
			"xdplb_rotation_max_entries",
			"Rotation table capacity.",
			nil, nil,
		),
		backends: prometheus.NewDesc(
			"xdplb_rotation_backends",
			"Backends configured for a listen port.",
			[]string{"listen_port"}, nil,
		),
		attached: prometheus.NewDesc(
			"xdplb_xdp_attached",
			"Interfaces the program is attached to.",
			nil, nil,
		),
		auditSweepsTotal: prometheus.NewDesc(
			"xdplb_auditor_sweeps_total",
			"Rotation table sweeps completed.",
			nil, nil,
		),
		auditRepairedTotal: prometheus.NewDesc(
			"xdplb_auditor_repaired_total",
			"Out-of-range cursors reset by the auditor.",
			nil, nil,
		),
		auditMalformed: prometheus.NewDesc(
			"xdplb_auditor_malformed_entries",
			"Unrepairable entries found by the last sweep.",
			nil, nil,
		),
		auditSweepDuration: prometheus.NewDesc(
			"xdplb_auditor_sweep_duration_seconds",
			"Duration of the last auditor sweep.",
			nil, nil,
		),
	}
}

func (c *xdplbCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsTotal
	ch <- c.tableEntries
	ch <- c.tableMax
	ch <- c.backends
	ch <- c.attached
	ch <- c.auditSweepsTotal
	ch <- c.auditRepairedTotal
	ch <- c.auditMalformed
	ch <- c.auditSweepDuration
}

func (c *xdplbCollector) Collect(ch chan<- prometheus.Metric) {
	if c.svc == nil {
		return
	}
	c.collectCounters(ch)
	c.collectTable(ch)
	c.collectAuditor(ch)
}

func (c *xdplbCollector) collectCounters(ch chan<- prometheus.Metric) {
	ctrs, err := c.svc.Counters()
	if err != nil {
		return
	}
	for i, v := range ctrs {
		ch <- prometheus.MustNewConstMetric(c.packetsTotal, prometheus.CounterValue,
			float64(v), redirect.Reason(i).String())
	}
}

func (c *xdplbCollector) collectTable(ch chan<- prometheus.Metric) {
	st := c.svc.Status()
	ch <- prometheus.MustNewConstMetric(c.attached, prometheus.GaugeValue, float64(len(st.Attached)))
	if !st.Loaded {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.tableEntries, prometheus.GaugeValue, float64(st.Entries))
	ch <- prometheus.MustNewConstMetric(c.tableMax, prometheus.GaugeValue, float64(st.MaxEntries))

	list, err := c.svc.ListBackends()
	if err != nil {
		return
	}
	for _, b := range list {
		ch <- prometheus.MustNewConstMetric(c.backends, prometheus.GaugeValue,
			float64(len(b.Backends)), portLabel(b.ListenPort))
	}
}

func (c *xdplbCollector) collectAuditor(ch chan<- prometheus.Metric) {
	st, ok := c.svc.AuditorStats()
	if !ok {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.auditSweepsTotal, prometheus.CounterValue, float64(st.Sweeps))
	ch <- prometheus.MustNewConstMetric(c.auditRepairedTotal, prometheus.CounterValue, float64(st.Repaired))
	ch <- prometheus.MustNewConstMetric(c.auditMalformed, prometheus.GaugeValue, float64(st.Malformed))
	ch <- prometheus.MustNewConstMetric(c.auditSweepDuration, prometheus.GaugeValue, st.LastDuration.Seconds())
}

func portLabel(p uint16) string {
	return strconv.FormatUint(uint64(p), 10)
}
