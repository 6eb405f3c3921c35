package metrics

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FallbackRule is the rule label used for requests served by the fallback target.
const FallbackRule = "fallback"

type requestKey struct {
	rule   string
	method string
	code   string
}

type errorKey struct {
	rule   string
	reason string
}

// Collector Prometheus metrics collector
type Collector struct {
	GetRuleCount func() int

	// Info metric (always 1)
	proxyInfo *prometheus.Desc
	rules     *prometheus.Desc

	// Request metrics
	requestsTotal       *prometheus.Desc
	requestsActive      *prometheus.Desc
	latencySeconds      *prometheus.Desc
	responseBytesTotal  *prometheus.Desc
	upstreamErrorsTotal *prometheus.Desc
	unmatchedTotal      *prometheus.Desc

	// Metrics counters (protected by mutex)
	metricsLock    sync.RWMutex
	requestsCount  map[requestKey]float64
	activeByRule   map[string]float64
	latencySum     map[string]float64
	latencyCount   map[string]float64
	responseBytes  map[string]float64
	upstreamErrors map[errorKey]float64
	unmatched      float64
}

// NewCollector creates a new metrics collector
func NewCollector(getRuleCount func() int) *Collector {
	return &Collector{
		GetRuleCount: getRuleCount,
		proxyInfo: prometheus.NewDesc(
			"dev_proxy_info",
			"Dev proxy process info metric (always 1)",
			[]string{"node", "pod"},
			nil,
		),
		rules: prometheus.NewDesc(
			"dev_proxy_rules",
			"Number of prefix rules in the active rule table",
			[]string{"node", "pod"},
			nil,
		),
		requestsTotal: prometheus.NewDesc(
			"dev_proxy_requests_total",
			"Total number of proxied requests by rule, method and response code",
			[]string{"rule", "method", "code", "node", "pod"},
			nil,
		),
		requestsActive: prometheus.NewDesc(
			"dev_proxy_requests_active",
			"Number of in-flight proxied requests by rule",
			[]string{"rule", "node", "pod"},
			nil,
		),
		latencySeconds: prometheus.NewDesc(
			"dev_proxy_latency_seconds",
			"Average proxied request latency in seconds by rule",
			[]string{"rule", "node", "pod"},
			nil,
		),
		responseBytesTotal: prometheus.NewDesc(
			"dev_proxy_response_bytes_total",
			"Total response bytes written back to clients by rule",
			[]string{"rule", "node", "pod"},
			nil,
		),
		upstreamErrorsTotal: prometheus.NewDesc(
			"dev_proxy_upstream_errors_total",
			"Total number of upstream transport errors by rule and reason",
			[]string{"rule", "reason", "node", "pod"},
			nil,
		),
		unmatchedTotal: prometheus.NewDesc(
			"dev_proxy_unmatched_total",
			"Total number of requests that matched no rule",
			[]string{"node", "pod"},
			nil,
		),
		requestsCount:  make(map[requestKey]float64),
		activeByRule:   make(map[string]float64),
		latencySum:     make(map[string]float64),
		latencyCount:   make(map[string]float64),
		responseBytes:  make(map[string]float64),
		upstreamErrors: make(map[errorKey]float64),
	}
}

// IncActive increments the in-flight gauge for a rule.
func (c *Collector) IncActive(rule string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.activeByRule[rule]++
}

// DecActive decrements the in-flight gauge for a rule.
func (c *Collector) DecActive(rule string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	if c.activeByRule[rule] > 0 {
		c.activeByRule[rule]--
	}
}

// RecordRequest records a completed proxied request.
func (c *Collector) RecordRequest(rule, method string, code int, bytes int64, duration time.Duration) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()

	c.requestsCount[requestKey{rule: rule, method: method, code: strconv.Itoa(code)}]++
	c.responseBytes[rule] += float64(bytes)
	c.latencySum[rule] += duration.Seconds()
	c.latencyCount[rule]++
}

// RecordUpstreamError records an upstream transport error by reason (low cardinality).
func (c *Collector) RecordUpstreamError(rule, reason string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.upstreamErrors[errorKey{rule: rule, reason: reason}]++
}

// RecordUnmatched records a request no rule matched.
func (c *Collector) RecordUnmatched() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.unmatched++
}

// Describe implements prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.proxyInfo
	ch <- c.rules
	ch <- c.requestsTotal
	ch <- c.requestsActive
	ch <- c.latencySeconds
	ch <- c.responseBytesTotal
	ch <- c.upstreamErrorsTotal
	ch <- c.unmatchedTotal
}

// Collect implements prometheus.Collector interface
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	nodeName := os.Getenv("NODE_NAME")
	if nodeName == "" {
		nodeName = "unknown"
	}

	podName := os.Getenv("POD_NAME")
	if podName == "" {
		podName = os.Getenv("HOSTNAME")
		if podName == "" {
			podName = "unknown"
		}
	}

	ch <- prometheus.MustNewConstMetric(c.proxyInfo, prometheus.GaugeValue, 1, nodeName, podName)

	ruleCount := 0
	if c.GetRuleCount != nil {
		ruleCount = c.GetRuleCount()
	}
	ch <- prometheus.MustNewConstMetric(c.rules, prometheus.GaugeValue, float64(ruleCount), nodeName, podName)

	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()

	for key, value := range c.requestsCount {
		ch <- prometheus.MustNewConstMetric(
			c.requestsTotal,
			prometheus.CounterValue,
			value,
			key.rule, key.method, key.code, nodeName, podName,
		)
	}

	for rule, value := range c.activeByRule {
		ch <- prometheus.MustNewConstMetric(
			c.requestsActive,
			prometheus.GaugeValue,
			value,
			rule, nodeName, podName,
		)
	}

	for rule, sum := range c.latencySum {
		if c.latencyCount[rule] > 0 {
			ch <- prometheus.MustNewConstMetric(
				c.latencySeconds,
				prometheus.GaugeValue,
				sum/c.latencyCount[rule],
				rule, nodeName, podName,
			)
		}
	}

	for rule, value := range c.responseBytes {
		ch <- prometheus.MustNewConstMetric(
			c.responseBytesTotal,
			prometheus.CounterValue,
			value,
			rule, nodeName, podName,
		)
	}

	for key, value := range c.upstreamErrors {
		ch <- prometheus.MustNewConstMetric(
			c.upstreamErrorsTotal,
			prometheus.CounterValue,
			value,
			key.rule, key.reason, nodeName, podName,
		)
	}

	ch <- prometheus.MustNewConstMetric(c.unmatchedTotal, prometheus.CounterValue, c.unmatched, nodeName, podName)
}
