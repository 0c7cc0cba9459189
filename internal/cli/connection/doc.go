// Package connection is the admin API client used by tablesnap-cli.
//
// Requests carry the admin bearer token. Responses are decoded from the
// server's {code, message, data} envelope; non-2xx envelopes become
// *APIError values.
package connection
