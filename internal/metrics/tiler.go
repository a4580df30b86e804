package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Tiler holds the Prometheus instruments of a tiling run. All methods are
// safe on a nil *Tiler, which records nothing.
type Tiler struct {
	registry *prometheus.Registry

	units        *prometheus.CounterVec
	unitDuration *prometheus.HistogramVec
	tilesWritten prometheus.Counter
	tilesRemoved prometheus.Counter
	fallbacks    prometheus.Counter
	skipped      *prometheus.CounterVec
	candidates   prometheus.Histogram
	retained     prometheus.Histogram
	summaryRows  *prometheus.GaugeVec

	sysCPU     prometheus.Gauge
	procCPU    prometheus.Gauge
	memPercent prometheus.Gauge
	diskRead   prometheus.Gauge
	diskWrite  prometheus.Gauge
}

// NewTiler creates the instruments on a private registry
func NewTiler() *Tiler {
	reg := prometheus.NewRegistry()
	m := &Tiler{
		registry: reg,
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "owl_tiler_units_total",
			Help: "Changeset and zoom units processed, by final state.",
		}, []string{"state"}),
		unitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "owl_tiler_unit_duration_seconds",
			Help:    "Time spent generating one changeset at one zoom.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"zoom"}),
		tilesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "owl_tiler_tiles_written_total",
			Help: "Changeset tile rows committed.",
		}),
		tilesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "owl_tiler_tiles_removed_total",
			Help: "Changeset tile rows cleared before retiling.",
		}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "owl_tiler_collect_fallbacks_total",
			Help: "Units retried with collect after a union fault.",
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "owl_tiler_entities_skipped_total",
			Help: "Entity edits skipped while staging, by reason.",
		}, []string{"reason"}),
		candidates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "owl_tiler_reduce_candidates",
			Help:    "Candidate tiles entering reduction.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}),
		retained: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "owl_tiler_reduce_retained_ratio",
			Help:    "Share of candidate tiles kept by reduction.",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		summaryRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "owl_tiler_summary_tiles",
			Help: "Summary tiles written by the last rebuild, by zoom.",
		}, []string{"zoom"}),
		sysCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "owl_tiler_system_cpu_percent",
			Help: "System-wide CPU usage.",
		}),
		procCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "owl_tiler_process_cpu_percent",
			Help: "CPU usage of this process.",
		}),
		memPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "owl_tiler_memory_percent",
			Help: "System memory in use.",
		}),
		diskRead: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "owl_tiler_disk_read_mbps",
			Help: "Disk read rate over the last sample.",
		}),
		diskWrite: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "owl_tiler_disk_write_mbps",
			Help: "Disk write rate over the last sample.",
		}),
	}

	reg.MustRegister(
		m.units, m.unitDuration, m.tilesWritten, m.tilesRemoved, m.fallbacks,
		m.skipped, m.candidates, m.retained, m.summaryRows,
		m.sysCPU, m.procCPU, m.memPercent, m.diskRead, m.diskWrite,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for serving or testing
func (m *Tiler) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveUnit records one finished changeset and zoom unit
func (m *Tiler) ObserveUnit(zoom int, state string, d time.Duration, written int, removed int64, fallback bool) {
	if m == nil {
		return
	}
	m.units.WithLabelValues(state).Inc()
	m.unitDuration.WithLabelValues(strconv.Itoa(zoom)).Observe(d.Seconds())
	m.tilesWritten.Add(float64(written))
	m.tilesRemoved.Add(float64(removed))
	if fallback {
		m.fallbacks.Inc()
	}
}

// ObserveReduction records the effect of one reduction
func (m *Tiler) ObserveReduction(before, after int) {
	if m == nil || before == 0 {
		return
	}
	m.candidates.Observe(float64(before))
	m.retained.Observe(float64(after) / float64(before))
}

// EntitySkipped counts an entity dropped while staging
func (m *Tiler) EntitySkipped(reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(reason).Inc()
}

// SummaryRebuilt records the size of a rebuilt summary zoom
func (m *Tiler) SummaryRebuilt(zoom, rows int) {
	if m == nil {
		return
	}
	m.summaryRows.WithLabelValues(strconv.Itoa(zoom)).Set(float64(rows))
}

func (m *Tiler) observeSystem(s *SystemMetrics) {
	if m == nil || s == nil {
		return
	}
	m.sysCPU.Set(s.CPUPercent)
	m.procCPU.Set(s.ProcessCPUPercent)
	m.memPercent.Set(s.MemoryPercent)
	m.diskRead.Set(s.DiskReadMBps)
	m.diskWrite.Set(s.DiskWriteMBps)
}

// Serve exposes the registry on addr at /metrics until ctx is done
func Serve(ctx context.Context, addr string, m *Tiler, log *zap.Logger) error {
	if m == nil {
		return errors.New("metrics server needs a registry")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("Serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
