package quotafs

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

// Metrics counts enforcer decisions. A nil *Metrics records nothing.
type Metrics struct {
	charges         prometheus.Counter
	chargedBytes    prometheus.Counter
	rejections      prometheus.Counter
	rollbackBytes   prometheus.Counter
	persistFailures prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		charges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotafs_charges_total",
			Help: "Writes admitted by the quota enforcer.",
		}),
		chargedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotafs_charged_bytes_total",
			Help: "Bytes charged to users before rollbacks.",
		}),
		rejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotafs_rejected_writes_total",
			Help: "Writes refused because they would exceed the user's quota.",
		}),
		rollbackBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotafs_rolled_back_bytes_total",
			Help: "Bytes returned to users after failed or short writes.",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotafs_ledger_persist_failures_total",
			Help: "Ledger updates reverted because the ledger file could not be replaced.",
		}),
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.charges.Describe(ch)
	m.chargedBytes.Describe(ch)
	m.rejections.Describe(ch)
	m.rollbackBytes.Describe(ch)
	m.persistFailures.Describe(ch)
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.charges.Collect(ch)
	m.chargedBytes.Collect(ch)
	m.rejections.Collect(ch)
	m.rollbackBytes.Collect(ch)
	m.persistFailures.Collect(ch)
}

func (m *Metrics) observeCharge(n uint64) {
	if m == nil {
		return
	}
	m.charges.Inc()
	m.chargedBytes.Add(float64(n))
}

func (m *Metrics) observeRejection() {
	if m == nil {
		return
	}
	m.rejections.Inc()
}

func (m *Metrics) observeRollback(n uint64) {
	if m == nil {
		return
	}
	m.rollbackBytes.Add(float64(n))
}

func (m *Metrics) observePersistFailure() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

var (
	descBytesUsed = prometheus.NewDesc(
		"quotafs_used_bytes",
		"Bytes charged to a user in the ledger.",
		[]string{"uid"}, nil,
	)
	descBytesLimit = prometheus.NewDesc(
		"quotafs_limit_bytes",
		"Quota of a user in the ledger.",
		[]string{"uid"}, nil,
	)
	descLedgerUsers = prometheus.NewDesc(
		"quotafs_ledger_users",
		"Number of records in the ledger.",
		nil, nil,
	)
)

// LedgerCollector exports per user usage from the enforcer's ledger.
type LedgerCollector struct {
	enforcer *Enforcer
}

func NewLedgerCollector(enforcer *Enforcer) *LedgerCollector {
	return &LedgerCollector{enforcer: enforcer}
}

func (c *LedgerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descBytesUsed
	ch <- descBytesLimit
	ch <- descLedgerUsers
}

func (c *LedgerCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.enforcer.Snapshot()
	ch <- prometheus.MustNewConstMetric(descLedgerUsers, prometheus.GaugeValue, float64(snap.Len()))
	for _, rec := range snap.records {
		uid := strconv.FormatUint(uint64(rec.Uid), 10)
		ch <- prometheus.MustNewConstMetric(descBytesUsed, prometheus.GaugeValue, float64(rec.BytesUsed), uid)
		ch <- prometheus.MustNewConstMetric(descBytesLimit, prometheus.GaugeValue, float64(rec.QuotaMax), uid)
	}
}

// StartMetricsServer serves /metrics on addr until ctx is cancelled.
func StartMetricsServer(ctx context.Context, addr string, collectors ...prometheus.Collector) error {
	reg := prometheus.NewRegistry()
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	klog.InfoS("serving metrics", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
