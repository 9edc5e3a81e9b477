// Package server assembles the VOD HTTP surface: the asset API, the playback
// routes and operational endpoints behind one gorilla/mux router.
//
// Every request passes the same middleware chain of request IDs, logging,
// metrics, security headers and CORS. Credential issuance routes are
// additionally rate limited per client address, backed by Redis when
// configured so limits hold across replicas.
package server
