// Package middleware provides the gin middleware stack of the migration API.
//
//   - CORS: origins from configuration, for a local web front end
//   - RateLimit: per-IP token bucket, idle clients evicted
//   - RequestID: X-Request-ID propagation
//   - AccessLog: one zap line per request
//
// Example Usage:
//
//	router.Use(middleware.RequestID(), middleware.AccessLog(logger))
//	router.Use(middleware.CORS(middleware.CORSConfigFor(cfg.Server.AllowOrigins)))
//	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
package middleware
