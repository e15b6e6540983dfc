package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Failover outcomes recorded by RecordFailover.
const (
	OutcomePromoted    = "promoted"
	OutcomeDeactivated = "deactivated"
	OutcomeAlreadyDone = "already_done"
	OutcomeTolerated   = "tolerated"
	OutcomeFailed      = "failed"
)

// Collector exports replication metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	backendErrors     *prometheus.CounterVec
	failovers         *prometheus.CounterVec
	activations       prometheus.Counter
	failoverResets    prometheus.Counter
	cachedHandles     prometheus.Gauge
	healthChecks      *prometheus.CounterVec

	operations map[string]*OperationMetrics
	lastReset  time.Time

	server *http.Server
	log    logrus.FieldLogger
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// OperationMetrics tracks one routed operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastOperation time.Time     `json:"last_operation"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9095,
		Path:      "/metrics",
		Namespace: "uldb",
		Labels:    make(map[string]string),
	}
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	c := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
		log:        logrus.StandardLogger(),
	}
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// SetLogger sets the logger used by the metrics server.
func (c *Collector) SetLogger(log logrus.FieldLogger) {
	if c != nil {
		c.log = log
	}
}

func (c *Collector) enabled() bool {
	return c != nil && c.config != nil && c.config.Enabled
}

// Handler returns the HTTP handler serving the metrics and debug endpoints.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if !c.enabled() {
		mux.HandleFunc("/health", c.healthHandler)
		return mux
	}
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	return mux
}

// Start serves the metrics endpoint in the background.
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}
	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.log.WithError(err).Error("metrics server stopped")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// RecordOperation records one routed operation.
func (c *Collector) RecordOperation(operation string, duration time.Duration, success bool) {
	if !c.enabled() {
		return
	}

	c.mu.Lock()
	m, ok := c.operations[operation]
	if !ok {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	if !success {
		m.Errors++
	}
	m.TotalDuration += duration
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.LastOperation = time.Now()
	c.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	c.operationCounter.With(prometheus.Labels{"operation": operation, "status": status}).Inc()
	c.operationDuration.With(prometheus.Labels{"operation": operation}).Observe(duration.Seconds())
}

// RecordBackendError records a failed call to one backend slot.
func (c *Collector) RecordBackendError(operation string) {
	if !c.enabled() {
		return
	}
	c.backendErrors.With(prometheus.Labels{"operation": operation}).Inc()
}

// RecordFailover records the outcome of one error handling run.
func (c *Collector) RecordFailover(outcome string) {
	if !c.enabled() {
		return
	}
	c.failovers.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// RecordActivation records a recovered slot put back in rotation.
func (c *Collector) RecordActivation() {
	if !c.enabled() {
		return
	}
	c.activations.Inc()
}

// RecordFailoverReset records a stale failover time reset to never.
func (c *Collector) RecordFailoverReset() {
	if !c.enabled() {
		return
	}
	c.failoverResets.Inc()
}

// RecordHealthCheck records one health monitor pass.
func (c *Collector) RecordHealthCheck(success bool) {
	if !c.enabled() {
		return
	}
	result := "success"
	if !success {
		result = "error"
	}
	c.healthChecks.With(prometheus.Labels{"result": result}).Inc()
}

// SetCachedHandles updates the number of handles in the pool.
func (c *Collector) SetCachedHandles(n int) {
	if !c.enabled() {
		return
	}
	c.cachedHandles.Set(float64(n))
}

// Operations returns a copy of the per operation counters.
func (c *Collector) Operations() map[string]OperationMetrics {
	out := make(map[string]OperationMetrics)
	if !c.enabled() {
		return out
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// Gatherer exposes the underlying registry.
func (c *Collector) Gatherer() prometheus.Gatherer {
	if !c.enabled() {
		return prometheus.NewRegistry()
	}
	return c.registry
}

// ResetMetrics clears the per operation counters.
func (c *Collector) ResetMetrics() {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	ns, sub := c.config.Namespace, c.config.Subsystem
	constLabels := prometheus.Labels(c.config.Labels)

	c.operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: constLabels,
		Name: "operations_total",
		Help: "Routed operations by type and result",
	}, []string{"operation", "status"})

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: constLabels,
		Name:    "operation_duration_seconds",
		Help:    "Duration of routed operations in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
	}, []string{"operation"})

	c.backendErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: constLabels,
		Name: "backend_errors_total",
		Help: "Failed calls to a single backend slot",
	}, []string{"operation"})

	c.failovers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: constLabels,
		Name: "failovers_total",
		Help: "Error handling runs by outcome",
	}, []string{"outcome"})

	c.activations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: constLabels,
		Name: "slot_activations_total",
		Help: "Recovered slots put back in rotation",
	})

	c.failoverResets = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: constLabels,
		Name: "failover_time_resets_total",
		Help: "Stale failover times reset to never",
	})

	c.cachedHandles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: constLabels,
		Name: "cached_handles",
		Help: "Shard handles held in the connection pool",
	})

	c.healthChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: constLabels,
		Name: "health_checks_total",
		Help: "Health monitor passes by result",
	}, []string{"result"})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.backendErrors,
		c.failovers,
		c.activations,
		c.failoverResets,
		c.cachedHandles,
		c.healthChecks,
	}
	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"uldb-metrics"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("Location DB Operations Summary\n")
	writef("==============================\n\n")
	writef("Uptime: %v\n\n", time.Since(c.lastReset).Round(time.Second))

	if len(c.operations) == 0 {
		writef("No operations recorded.\n")
		return
	}

	names := make([]string, 0, len(c.operations))
	for name := range c.operations {
		names = append(names, name)
	}
	sort.Strings(names)

	writef("%-16s %10s %10s %14s %10s\n", "Operation", "Count", "Errors", "Avg Duration", "Last Op")
	writef("%-16s %10s %10s %14s %10s\n", "---------", "-----", "------", "------------", "-------")
	for _, name := range names {
		op := c.operations[name]
		writef("%-16s %10d %10d %14v %10s\n",
			name, op.Count, op.Errors, op.AvgDuration, op.LastOperation.Format("15:04:05"))
	}
}
