// Package authflow decorates a transport's outbound path with credential
// attachment and single-flight refresh-and-retry.
//
// The decorator sits between the session and the transport. It never
// touches inbound requests or notifications; it only watches responses so
// it can transparently retry a request the peer rejected for a stale
// credential. Exactly one retry is attempted per request.
package authflow
