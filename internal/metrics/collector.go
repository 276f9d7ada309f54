package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/osvaldoandrade/validq/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource reports per-model pending/overdue counts from whichever store backs the protocol.
type StatsSource interface {
	Stats(ctx context.Context, now time.Time) ([]domain.ProtocolStats, error)
}

// AttestorCounter lists the trusted attestor registry.
type AttestorCounter interface {
	ListAttestors(ctx context.Context) ([]domain.TrustedAttestor, error)
}

type protocolCollector struct {
	rdb       *redis.Client
	stats     StatsSource
	attestors AttestorCounter
	logger    *slog.Logger

	pendingDesc    *prometheus.Desc
	overdueDesc    *prometheus.Desc
	subsActiveDesc *prometheus.Desc
	attestorsDesc  *prometheus.Desc
}

func newProtocolCollector(rdb *redis.Client, stats StatsSource, attestors AttestorCounter, logger *slog.Logger) *protocolCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &protocolCollector{
		rdb:       rdb,
		stats:     stats,
		attestors: attestors,
		logger:    logger,
		pendingDesc: prometheus.NewDesc(
			"validq_requests_pending",
			"Current pending validation requests by model.",
			[]string{"model"},
			nil,
		),
		overdueDesc: prometheus.NewDesc(
			"validq_requests_overdue",
			"Pending validation requests past their deadline by model.",
			[]string{"model"},
			nil,
		),
		subsActiveDesc: prometheus.NewDesc(
			"validq_subscriptions_active",
			"Current active validator subscriptions by model.",
			[]string{"model"},
			nil,
		),
		attestorsDesc: prometheus.NewDesc(
			"validq_trusted_attestors",
			"Number of trusted TEE attestors.",
			nil,
			nil,
		),
	}
}

func (c *protocolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pendingDesc
	ch <- c.overdueDesc
	ch <- c.subsActiveDesc
	ch <- c.attestorsDesc
}

func (c *protocolCollector) Collect(ch chan<- prometheus.Metric) {
	// Keep backend reads bounded so scrapes do not hang.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	now := time.Now().UTC()

	if c.stats != nil {
		stats, err := c.stats.Stats(ctx, now)
		if err != nil {
			c.logger.Warn("prometheus stats collector failed", "err", err)
		}
		for _, s := range stats {
			emitGauge(ch, c.pendingDesc, float64(s.Pending), string(s.Model))
			emitGauge(ch, c.overdueDesc, float64(s.Overdue), string(s.Model))
		}
	}

	if c.attestors != nil {
		if list, err := c.attestors.ListAttestors(ctx); err == nil {
			emitGauge(ch, c.attestorsDesc, float64(len(list)))
		}
	}

	if c.rdb == nil {
		return
	}
	minScore := strconv.FormatInt(now.Unix(), 10)
	pipe := c.rdb.Pipeline()
	subsCmds := make(map[domain.TrustModel]*redis.IntCmd, len(domain.AllModels))
	for _, m := range domain.AllModels {
		subsCmds[m] = pipe.ZCount(ctx, keySubsModel(m), minScore, "+inf")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		c.logger.Warn("prometheus redis collector failed", "err", err)
		return
	}
	for _, m := range domain.AllModels {
		emitGauge(ch, c.subsActiveDesc, float64(subsCmds[m].Val()), string(m))
	}
}

func emitGauge(ch chan<- prometheus.Metric, desc *prometheus.Desc, v float64, labelValues ...string) {
	m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, v, labelValues...)
	if err != nil {
		return
	}
	ch <- m
}

func keySubsModel(m domain.TrustModel) string {
	return fmt.Sprintf("validq:subs:%s", strings.ToLower(string(m)))
}

var registerCollectorOnce sync.Once

// RegisterProtocolCollector registers the gauge collector once per process.
func RegisterProtocolCollector(rdb *redis.Client, stats StatsSource, attestors AttestorCounter, logger *slog.Logger) {
	registerCollectorOnce.Do(func() {
		prometheus.MustRegister(newProtocolCollector(rdb, stats, attestors, logger))
	})
}
