// Package session implements the protocol engine for one connection.
//
// A Session owns the pending-call table, the request-id allocator, and the
// lifecycle state machine. A single read-loop goroutine drains inbound
// frames and routes each one: responses resolve the matching pending call,
// requests and notifications are dispatched to the hosted Service in their
// own goroutines. Arbitrary caller goroutines issue outbound traffic
// concurrently.
//
// The pending-call table uses a LoadAndDelete discipline: whichever side
// removes an entry (arriving response, timeout, caller cancellation, or
// session teardown) owns its resolution, so every call resolves exactly
// once.
//
// Both sides of a connection run the same Session type. The initiator calls
// Connect, the responder Accept; after the handshake the roles are
// symmetric.
package session
