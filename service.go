package peerwire

import "github.com/wagiedev/peerwire-go/internal/session"

// Service answers inbound requests and notifications for a peer. Multiple
// independent implementations may satisfy this interface; the engine is
// agnostic to which. Dispatch is concurrent, so implementations must
// synchronize any state they share.
type Service = session.Service

// EndObserver is optionally implemented by Services that hold per-session
// resources. OnSessionEnd is called exactly once when the session closes.
type EndObserver = session.EndObserver
