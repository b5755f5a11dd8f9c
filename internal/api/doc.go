// Package api serves the read-only status endpoints of a running harvest:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress for the live run snapshot.
//   - GET /v1/failures for the failure ledger, paged with limit and offset.
package api
