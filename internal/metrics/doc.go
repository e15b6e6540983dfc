/*
Package metrics exports Prometheus metrics for routed operations, backend
errors, failovers and the health monitor.

A Collector owns a private prometheus.Registry and can serve it over HTTP:

	/metrics            Prometheus exposition format
	/health             liveness probe
	/debug/operations   per operation counters as JSON

All recording methods are safe on a nil *Collector, so components take an
optional collector and call it unconditionally.

	collector, err := metrics.NewCollector(metrics.DefaultConfig())
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

	collector.RecordOperation("insert", time.Since(start), err == nil)
*/
package metrics
