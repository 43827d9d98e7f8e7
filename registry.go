package peerwire

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/wagiedev/peerwire-go/internal/rpcerr"
	"github.com/wagiedev/peerwire-go/internal/wire"
)

// Schema is a JSON Schema object for request params validation.
type Schema = jsonschema.Schema

// HandlerFunc answers one request method. Returning a *Error controls the
// response error code; any other error becomes an InternalError response.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationFunc handles one notification method. Errors are logged and
// never answered.
type NotificationFunc func(ctx context.Context, params json.RawMessage) error

// registeredMethod pairs a handler with its optional resolved params schema.
type registeredMethod struct {
	handler HandlerFunc
	schema  *jsonschema.Resolved
}

// Registry is a map-backed Service. Unknown methods short-circuit with
// MethodNotFound without invoking any handler; methods registered with a
// schema get their params validated first, answering InvalidParams on
// violation.
//
// Registration is typically done up front, but Registry is safe for
// concurrent registration and dispatch.
type Registry struct {
	mu            sync.RWMutex
	methods       map[string]registeredMethod
	notifications map[string]NotificationFunc
}

var _ Service = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		methods:       make(map[string]registeredMethod, 8),
		notifications: make(map[string]NotificationFunc, 4),
	}
}

// Register installs a handler for a request method. Registering the same
// method twice overrides the previous handler.
func (r *Registry) Register(method string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.methods[method] = registeredMethod{handler: handler}
}

// RegisterWithSchema installs a handler whose params are validated against
// schema before the handler runs. The schema is resolved once, here.
func (r *Registry) RegisterWithSchema(method string, schema *Schema, handler HandlerFunc) error {
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("resolve schema for %s: %w", method, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.methods[method] = registeredMethod{handler: handler, schema: resolved}

	return nil
}

// RegisterNotification installs a handler for a notification method.
func (r *Registry) RegisterNotification(method string, fn NotificationFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.notifications[method] = fn
}

// HandleRequest implements Service.
func (r *Registry) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	r.mu.RLock()
	entry, exists := r.methods[method]
	r.mu.RUnlock()

	if !exists {
		return nil, rpcerr.ErrMethodNotFound
	}

	if entry.schema != nil {
		var instance any
		if len(params) > 0 {
			if err := json.Unmarshal(params, &instance); err != nil {
				return nil, &wire.Error{
					Code:    wire.CodeInvalidParams,
					Message: fmt.Sprintf("params are not valid JSON: %v", err),
				}
			}
		}

		if err := entry.schema.Validate(instance); err != nil {
			return nil, &wire.Error{
				Code:    wire.CodeInvalidParams,
				Message: err.Error(),
			}
		}
	}

	return entry.handler(ctx, params)
}

// HandleNotification implements Service.
func (r *Registry) HandleNotification(ctx context.Context, method string, params json.RawMessage) error {
	r.mu.RLock()
	fn, exists := r.notifications[method]
	r.mu.RUnlock()

	if !exists {
		return fmt.Errorf("no handler for notification %s", method)
	}

	return fn(ctx, params)
}
