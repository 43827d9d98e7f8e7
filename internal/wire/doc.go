// Package wire defines the message model exchanged between peers.
//
// The unit of exchange is the Envelope: a request (method + id), a
// notification (method, no id), or a response (id + exactly one of result
// or error). Decoding is strict; a malformed envelope is a protocol
// violation, not something the session works around.
//
// The package also fixes the handshake payloads and the well-known
// notification methods (cancellation, progress, shutdown) that the session
// routes itself.
package wire
