// Package relay performs single webhook deliveries and decides what a
// delivery outcome means for the retry policy.
//
// A Client never retries on its own. The dispatcher owns attempts, leases
// and backoff; relay only sends one request and classifies the response.
package relay
