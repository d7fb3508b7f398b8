// Package health provides liveness, readiness and version endpoints.
//
// # Endpoints
//
//   - /health: Liveness probe - the process is running
//   - /ready: Readiness probe - the counter backend is reachable and at
//     least one resource is configured
//   - /version: Build information - version, commit, build time
//
// # Usage
//
//	checker := health.New(cfg.Telemetry.Health.CheckTimeout)
//	checker.RegisterCheck("storage", health.StorageCheck(backend))
//	checker.RegisterCheck("resources", health.ResourcesCheck(catalog.Len))
//
//	mux.HandleFunc("/health", checker.LivenessHandler())
//	mux.HandleFunc("/ready", checker.ReadinessHandler())
//	mux.HandleFunc("/version", health.VersionHandler(version, commit, buildTime))
//
// Readiness checks run concurrently, each bounded by the check timeout.
package health
