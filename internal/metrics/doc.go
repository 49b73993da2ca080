/*
Package metrics exports bucketfs activity to Prometheus.

Two kinds of metrics are kept in one registry:

  - Event metrics. Collector implements transfer.Recorder and cache.Recorder,
    so the transfer engine and the block cache push transfers, parts,
    retries, page hits, misses and evictions as they happen.
  - State metrics. RegisterSources adds a collector that reads engine,
    cache, object client and circuit breaker stats at scrape time.

	collector, err := metrics.NewCollector(metrics.DefaultConfig())
	if err != nil {
		return err
	}
	engine, err := transfer.NewEngine(client, opts, transfer.WithRecorder(collector))
	...
	err = collector.RegisterSources(metrics.Sources{Engine: engine.Stats, Cache: blockCache.Stats})
	router.Handle("/metrics", collector.Handler())

All names are prefixed with the configured namespace, "bucketfs" by default.
*/
package metrics
