/*
Package monitoring provides Prometheus metrics for the mover.

# Overview

Metrics cover the HTTP surface, migrations and their phases, artifact
patches, rollbacks and every privileged command the executor runs. The
collector satisfies the observer interfaces of the executor, the patcher
and the migration engine, so wiring is a matter of passing it in.

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

Tests register against a private registry:

	metrics := monitoring.NewMetricsWith(prometheus.NewRegistry())
*/
package monitoring
