// Package api hosts the asset API of the VOD service.
//
// Handler accepts uploads and inbox references for ingestion, reports asset
// status, lists the ready catalog and issues playback tokens. Sessions,
// token signing and the ingestion pipeline are injected at construction
// time; the package does not reach for globals.
//
// Handlers assume the middleware from internal/server has already applied
// request IDs, security headers, CORS, metrics, logging and rate limiting on
// credential issuance.
package api
